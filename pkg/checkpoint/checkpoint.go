// Package checkpoint persists world-state snapshots at chapter boundaries
// and rebuilds base state by restore plus forward replay.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/storage"
	"github.com/inkfold/retell/pkg/worldstate"
)

// ErrMidRun is returned when a restore is attempted while the orchestrator
// is between a batch's first write and its checkpoint. Restoring then would
// leave a half-applied world state, so the run aborts instead.
var ErrMidRun = errors.New("restore attempted mid-batch")

// Replayer re-applies one chapter's world-state deltas during forward
// replay, preferring persisted structured outputs over re-invoking
// generation. The pipeline orchestrator implements this.
type Replayer interface {
	ReplayChapter(ctx context.Context, bookID string, chapterIdx int) error
}

// Manager owns checkpoint snapshots and the recovery protocol. It is the
// only component permitted to rewrite world state destructively.
type Manager struct {
	driver storage.Driver
	world  *worldstate.Store
	log    *zap.Logger

	midBatch atomic.Bool
}

// NewManager creates a checkpoint manager.
func NewManager(driver storage.Driver, world *worldstate.Store, log *zap.Logger) *Manager {
	return &Manager{driver: driver, world: world, log: log}
}

// BeginBatch marks the store as mid-batch. Restores are rejected until
// EndBatch. The orchestrator brackets every batch's write phase with these.
func (m *Manager) BeginBatch() { m.midBatch.Store(true) }

// EndBatch clears the mid-batch mark.
func (m *Manager) EndBatch() { m.midBatch.Store(false) }

// Snapshot captures the book's current world state as a checkpoint at the
// given chapter boundary. Re-checkpointing the same (chapter, step size)
// boundary overwrites in place.
func (m *Manager) Snapshot(ctx context.Context, bookID string, chapterIdx, stepSize int) (*storage.Checkpoint, error) {
	snap, err := m.world.Snapshot(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("snapshotting world state: %w", err)
	}

	data, hash, err := snap.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}

	cp := &storage.Checkpoint{
		BookID:       bookID,
		ChapterIdx:   chapterIdx,
		StepSize:     stepSize,
		SnapshotJSON: data,
		SnapshotHash: hash,
	}
	if err := m.driver.UpsertCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("storing checkpoint: %w", err)
	}

	m.log.Debug("checkpoint written",
		zap.String("book_id", bookID),
		zap.Int("chapter", chapterIdx),
		zap.String("snapshot_hash", hash))

	return cp, nil
}

// LatestAtOrBefore returns the checkpoint with the highest chapter index not
// exceeding chapterIdx, or nil when none exists.
func (m *Manager) LatestAtOrBefore(ctx context.Context, bookID string, chapterIdx int) (*storage.Checkpoint, error) {
	cp, err := m.driver.LatestCheckpointAtOrBefore(ctx, bookID, chapterIdx)
	if err != nil {
		var notFound storage.ErrNotFound
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("looking up checkpoint: %w", err)
	}
	return cp, nil
}

// Restore rewrites the book's world state to the checkpoint's snapshot.
// Events beyond the checkpoint boundary are discarded with it; the whole
// rewrite is one transaction. Only permitted between batches.
func (m *Manager) Restore(ctx context.Context, cp *storage.Checkpoint) error {
	if m.midBatch.Load() {
		return ErrMidRun
	}

	snap, err := worldstate.DecodeSnapshot(cp.SnapshotJSON)
	if err != nil {
		return fmt.Errorf("decoding checkpoint: %w", err)
	}

	if err := m.world.Restore(ctx, snap); err != nil {
		return fmt.Errorf("restoring world state: %w", err)
	}

	m.log.Info("world state restored",
		zap.String("book_id", cp.BookID),
		zap.Int("chapter", cp.ChapterIdx))

	return nil
}

// EnsureBase makes the live world state reflect the cumulative effect of
// chapters 1..base. The nearest checkpoint at or before base is restored,
// then the remaining chapters are replayed forward; with no checkpoint at
// all, replay starts from the empty initial state at chapter 1. A restore
// is skipped when the live state already matches the boundary checkpoint.
func (m *Manager) EnsureBase(ctx context.Context, bookID string, base int, replayer Replayer) error {
	if base < 0 {
		return fmt.Errorf("ensuring base state: negative chapter %d", base)
	}

	cp, err := m.LatestAtOrBefore(ctx, bookID, base)
	if err != nil {
		return err
	}

	start := 1
	switch {
	case cp == nil:
		if err := m.reset(ctx, bookID); err != nil {
			return err
		}

	case cp.ChapterIdx == base:
		match, err := m.liveMatches(ctx, bookID, cp)
		if err != nil {
			return err
		}
		if match {
			return nil
		}
		if err := m.Restore(ctx, cp); err != nil {
			return err
		}
		return nil

	default:
		if err := m.Restore(ctx, cp); err != nil {
			return err
		}
		start = cp.ChapterIdx + 1
	}

	for i := start; i <= base; i++ {
		if err := replayer.ReplayChapter(ctx, bookID, i); err != nil {
			return fmt.Errorf("replaying chapter %d: %w", i, err)
		}
	}

	if start <= base {
		m.log.Info("base state rebuilt by replay",
			zap.String("book_id", bookID),
			zap.Int("from", start),
			zap.Int("upto", base))
	}

	return nil
}

func (m *Manager) liveMatches(ctx context.Context, bookID string, cp *storage.Checkpoint) (bool, error) {
	snap, err := m.world.Snapshot(ctx, bookID)
	if err != nil {
		return false, fmt.Errorf("snapshotting world state: %w", err)
	}
	_, hash, err := snap.Encode()
	if err != nil {
		return false, fmt.Errorf("encoding snapshot: %w", err)
	}
	return hash == cp.SnapshotHash, nil
}

func (m *Manager) reset(ctx context.Context, bookID string) error {
	if m.midBatch.Load() {
		return ErrMidRun
	}

	if err := m.driver.ReplaceWorldState(ctx, bookID, &storage.WorldState{}); err != nil {
		return fmt.Errorf("resetting world state: %w", err)
	}

	return nil
}
