package storage

import "time"

// Character status values.
const (
	CharacterActive  = "active"
	CharacterDead    = "dead"
	CharacterMissing = "missing"
	CharacterUnknown = "unknown"
)

// Item status values.
const (
	ItemActive      = "active"
	ItemDestroyed   = "destroyed"
	ItemLost        = "lost"
	ItemTransferred = "transferred"
)

// CharacterState is the persisted trajectory of a single character within a
// book. Name is the canonical name; Aliases is an append-only set of
// alternate names observed in the text.
type CharacterState struct {
	ID            int64
	BookID        string
	Name          string
	Status        string
	Location      string
	Abilities     []string
	Relationships map[string]string
	Motivation    string
	Aliases       []string
	FirstSeen     int
	LastSeen      int
}

// ItemState is the persisted state of a significant object within a book.
// Owner references a character by canonical name; empty means unowned.
type ItemState struct {
	ID          int64
	BookID      string
	Name        string
	Owner       string
	Status      string
	Description string
	Aliases     []string
	LastSeen    int
}

// PlotEvent is an entry in a book's append-only event timeline, ordered by
// chapter index then insertion order.
type PlotEvent struct {
	ID                 int64
	BookID             string
	ChapterIdx         int
	Summary            string
	InvolvedCharacters []string
	EventType          string
	Impact             int
	CreatedAt          time.Time
}

// WorldFact is a durable fact about the story world, keyed by
// (book, category, key). Upserting an existing key overwrites the value and
// source chapter but keeps the category.
type WorldFact struct {
	ID        int64
	BookID    string
	Category  string
	Key       string
	Value     string
	SourceIdx int
}

// NarrationRecord is one generated re-narration of a chapter. Identity is
// (ChapterID, PromptVersion, Model, InputHash); several records may exist for
// one chapter and the one with the highest ID is the latest.
type NarrationRecord struct {
	ID            int64
	BookID        string
	ChapterID     string
	ChapterIdx    int
	PromptVersion string
	Model         string
	InputHash     string
	Content       string
	CreatedAt     time.Time
}

// Checkpoint is a persisted world-state snapshot taken after a chapter
// boundary. Keyed by (BookID, ChapterIdx, StepSize): re-checkpointing the
// same boundary overwrites in place.
type Checkpoint struct {
	ID           int64
	BookID       string
	ChapterIdx   int
	StepSize     int
	SnapshotJSON string
	SnapshotHash string
	CreatedAt    time.Time
}

// Fragment source types.
const (
	FragmentSource    = "source"
	FragmentNarration = "narration"
)

// MemoryFragment is one retrievable unit of text, either a slice of a
// chapter's source or of its generated narration. Superseded narration
// fragments stay on disk for history but are excluded from retrieval and
// from index rebuilds.
type MemoryFragment struct {
	ID         string
	BookID     string
	ChapterIdx int
	SourceType string
	Text       string
	Superseded bool
}

// CacheKey identifies one generation-cache row. Temperature participates in
// the key so runs at different temperatures never share outputs.
type CacheKey struct {
	Kind          string
	Model         string
	PromptVersion string
	InputHash     string
	Temperature   float64
}

// CacheEntry is a cached raw model output for a CacheKey.
type CacheEntry struct {
	Key       CacheKey
	Output    string
	CreatedAt time.Time
}

// WorldState bundles every mutable collection of a book's world for
// transactional restore.
type WorldState struct {
	Characters []CharacterState
	Items      []ItemState
	Events     []PlotEvent
	Facts      []WorldFact
}
