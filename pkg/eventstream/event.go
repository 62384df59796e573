// Package eventstream defines transport-neutral run telemetry events and the
// Publisher interface backends implement.
package eventstream

import "time"

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeChapterCommitted is emitted after a chapter's narration and
	// world-state deltas are committed.
	EventTypeChapterCommitted = "retell.chapter.committed"

	// EventTypeBatchBisected is emitted when a batch generation fails and
	// the batch is split for retry.
	EventTypeBatchBisected = "retell.batch.bisected"

	// EventTypeCheckpointWritten is emitted after a world-state checkpoint
	// is persisted at a batch boundary.
	EventTypeCheckpointWritten = "retell.checkpoint.written"

	// EventTypeRunFinished is emitted once per processing run, after the
	// last chapter resolves.
	EventTypeRunFinished = "retell.run.finished"
)

// RunEvent is a transport-neutral event emitted during a processing run.
// Fields beyond the header are populated per event type.
type RunEvent struct {
	SchemaVersion int       `json:"schema_version"`
	EventType     string    `json:"event_type"`
	EventID       string    `json:"event_id"`
	EmittedAt     time.Time `json:"emitted_at"`
	RunID         string    `json:"run_id"`
	BookID        string    `json:"book_id"`

	// ChapterIdx is set on chapter.committed and checkpoint.written.
	ChapterIdx int `json:"chapter_idx,omitempty"`

	// CacheHit is set on chapter.committed.
	CacheHit bool `json:"cache_hit,omitempty"`

	// Degraded is set on chapter.committed when the narration came from a
	// local fallback instead of the model.
	Degraded bool `json:"degraded,omitempty"`

	// BatchStart and BatchEnd are set on batch.bisected.
	BatchStart int `json:"batch_start,omitempty"`
	BatchEnd   int `json:"batch_end,omitempty"`

	// Summary fields are set on run.finished.
	ChaptersProcessed int `json:"chapters_processed,omitempty"`
	CacheHits         int `json:"cache_hits,omitempty"`
	Warnings          int `json:"warnings,omitempty"`
	Degradations      int `json:"degradations,omitempty"`
}
