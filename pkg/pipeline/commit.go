package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/book"
	"github.com/inkfold/retell/pkg/eventstream"
	"github.com/inkfold/retell/pkg/gencache"
	"github.com/inkfold/retell/pkg/llm"
	"github.com/inkfold/retell/pkg/storage"
	"github.com/inkfold/retell/pkg/worldstate"
)

// processBatch runs one batch end to end: read-only prep against the frozen
// base state, generation, then the sequential per-chapter write phase and
// the boundary checkpoint. It reports stopped=true when cancellation ended
// the batch early at a chapter boundary.
func (o *Orchestrator) processBatch(ctx context.Context, r *run, chs []*book.Chapter) (bool, error) {
	works, err := o.prepare(ctx, r, chs)
	if err != nil {
		return false, err
	}

	if err := o.generateBatch(ctx, r, works); err != nil {
		return false, err
	}

	o.checkpoints.BeginBatch()
	defer o.checkpoints.EndBatch()

	for _, w := range works {
		if ctx.Err() != nil {
			return true, nil
		}
		if err := o.commitChapter(ctx, r, w); err != nil {
			return false, err
		}
	}

	// The boundary snapshot must land even when the run was cancelled during
	// the last chapter; the loop above already stopped at a clean boundary.
	wctx := context.WithoutCancel(ctx)

	boundary := chs[len(chs)-1].Index
	if _, err := o.checkpoints.Snapshot(wctx, chs[0].BookID, boundary, o.cfg.BatchSize); err != nil {
		return false, fmt.Errorf("checkpointing batch boundary %d: %w", boundary, err)
	}

	o.publish(wctx, &eventstream.RunEvent{
		SchemaVersion: eventstream.SchemaVersionV1,
		EventType:     eventstream.EventTypeCheckpointWritten,
		EventID:       uuid.NewString(),
		EmittedAt:     time.Now().UTC(),
		RunID:         r.sum.RunID,
		BookID:        chs[0].BookID,
		ChapterIdx:    boundary,
	})

	return false, nil
}

// commitChapter runs the write phase for one chapter in order: consistency
// check, evidence verification, optional refine, narration record, world
// state update, memory commit.
func (o *Orchestrator) commitChapter(ctx context.Context, r *run, w *chapterWork) error {
	o.consistencyCheck(r, w)
	o.evidenceVerify(r, w)

	if w.profile.Refine && !w.degraded {
		o.refine(ctx, r, w)
	}

	// Once the narration record lands, the rest of the chapter's writes must
	// land with it. Cancellation is honored between chapters in processBatch.
	ctx = context.WithoutCancel(ctx)

	record := &storage.NarrationRecord{
		BookID:        w.chapter.BookID,
		ChapterID:     w.chapter.ID,
		ChapterIdx:    w.chapter.Index,
		PromptVersion: llm.NarrationPromptVersion,
		Model:         o.gen.Model(),
		InputHash:     w.inputHash,
		Content:       w.result.Narration,
	}
	if _, err := o.store.InsertNarration(ctx, record); err != nil {
		return fmt.Errorf("recording narration: %w", err)
	}

	if err := o.updateState(ctx, r, w); err != nil {
		return err
	}

	if err := o.archive.CommitChapter(ctx, w.chapter.BookID, w.chapter.Index,
		w.chapter.Text, w.result.Narration); err != nil {
		return fmt.Errorf("committing chapter memory: %w", err)
	}

	r.mu.Lock()
	r.sum.Processed++
	r.mu.Unlock()

	o.publish(ctx, &eventstream.RunEvent{
		SchemaVersion: eventstream.SchemaVersionV1,
		EventType:     eventstream.EventTypeChapterCommitted,
		EventID:       uuid.NewString(),
		EmittedAt:     time.Now().UTC(),
		RunID:         r.sum.RunID,
		BookID:        w.chapter.BookID,
		ChapterIdx:    w.chapter.Index,
		CacheHit:      w.cacheHit,
		Degraded:      w.degraded,
	})

	o.log.Info("chapter committed",
		zap.String("book_id", w.chapter.BookID),
		zap.Int("chapter", w.chapter.Index),
		zap.Bool("cache_hit", w.cacheHit),
		zap.Bool("degraded", w.degraded))

	return nil
}

// refine runs the optional polish pass. Any failure keeps the draft.
func (o *Orchestrator) refine(ctx context.Context, r *run, w *chapterWork) {
	key := storage.CacheKey{
		Kind:          gencache.KindRefine,
		Model:         o.gen.Model(),
		PromptVersion: llm.RefinePromptVersion,
		InputHash: gencache.InputHash(
			book.HashText(w.result.Narration), llm.RefinePromptVersion,
			o.gen.Model(), o.cfg.Temperature, 0, ""),
		Temperature: o.cfg.Temperature,
	}

	if out, hit, err := o.cache.Lookup(ctx, key); err == nil && hit {
		if narration, err := llm.DecodeRefined(out); err == nil {
			w.result.Narration = narration
			return
		}
	}

	req := llm.RefinePrompt(w.result.Narration, w.nc)
	req.Temperature = o.cfg.Temperature

	raw, err := o.gen.Generate(ctx, req)
	if err != nil {
		r.addWarning(fmt.Sprintf("chapter %d: refine failed, keeping draft: %v", w.chapter.Index, err))
		return
	}

	narration, err := llm.DecodeRefined(raw)
	if err != nil {
		r.addWarning(fmt.Sprintf("chapter %d: refine output malformed, keeping draft", w.chapter.Index))
		return
	}

	if err := o.cache.Store(ctx, key, raw); err != nil {
		o.log.Warn("caching refined narration failed", zap.Error(err))
	}

	w.result.Narration = narration
}

// updateState applies the chapter's verified deltas. A delta that cannot be
// applied cleanly is dropped with a warning; the chapter still commits.
func (o *Orchestrator) updateState(ctx context.Context, r *run, w *chapterWork) error {
	bookID := w.chapter.BookID
	idx := w.chapter.Index

	for _, ev := range w.result.KeyEvents {
		if err := o.world.AppendEvent(ctx, bookID, worldstate.EventInput{
			ChapterIdx:         idx,
			Summary:            ev.What,
			InvolvedCharacters: splitNames(ev.Who),
			EventType:          "plot",
			Impact:             ev.Impact,
		}); err != nil {
			return fmt.Errorf("appending event: %w", err)
		}
	}

	for _, cu := range w.result.CharacterUpdates {
		delta := worldstate.CharacterDelta{
			Name:          cu.Name,
			Status:        validCharacterStatus(cu.Status),
			Location:      cu.Location,
			NewAbilities:  cu.Abilities,
			Relationships: cu.Relationships,
			Motivation:    cu.Motivation,
			NewAliases:    cu.Aliases,
			ChapterIdx:    idx,
		}
		if cu.Status != "" && delta.Status == "" {
			r.addWarning(fmt.Sprintf("chapter %d: unknown character status %q for %q ignored",
				idx, cu.Status, cu.Name))
		}
		if err := o.world.ApplyCharacterDelta(ctx, bookID, delta); err != nil {
			r.addWarning(fmt.Sprintf("chapter %d: character update for %q dropped: %v",
				idx, cu.Name, err))
		}
	}

	for _, iu := range w.result.ItemUpdates {
		if iu.Owner != "" {
			owners, ambiguous, err := o.world.CharacterStates(ctx, bookID, []string{iu.Owner})
			if err != nil {
				return fmt.Errorf("resolving item owner: %w", err)
			}
			if len(owners) == 0 || len(ambiguous) > 0 {
				r.addWarning(fmt.Sprintf("chapter %d: item update for %q dropped: unknown owner %q",
					idx, iu.Name, iu.Owner))
				continue
			}
			iu.Owner = owners[0].Name
		}

		delta := worldstate.ItemDelta{
			Name:        iu.Name,
			Owner:       iu.Owner,
			Status:      validItemStatus(iu.Status),
			Description: iu.Description,
			ChapterIdx:  idx,
		}
		if iu.Status != "" && delta.Status == "" {
			r.addWarning(fmt.Sprintf("chapter %d: unknown item status %q for %q ignored",
				idx, iu.Status, iu.Name))
		}
		if err := o.world.ApplyItemDelta(ctx, bookID, delta); err != nil {
			r.addWarning(fmt.Sprintf("chapter %d: item update for %q dropped: %v",
				idx, iu.Name, err))
		}
	}

	for _, f := range w.result.Facts {
		if strings.TrimSpace(f.Category) == "" || strings.TrimSpace(f.Key) == "" {
			r.addWarning(fmt.Sprintf("chapter %d: dropped fact without category or key", idx))
			continue
		}
		if err := o.world.UpsertFact(ctx, bookID, worldstate.FactInput{
			Category:  f.Category,
			Key:       f.Key,
			Value:     f.Value,
			SourceIdx: idx,
		}); err != nil {
			return fmt.Errorf("upserting fact: %w", err)
		}
	}

	return nil
}

func validCharacterStatus(s string) string {
	switch s {
	case storage.CharacterActive, storage.CharacterDead, storage.CharacterMissing, storage.CharacterUnknown:
		return s
	}
	return ""
}

func validItemStatus(s string) string {
	switch s {
	case storage.ItemActive, storage.ItemDestroyed, storage.ItemLost, storage.ItemTransferred:
		return s
	}
	return ""
}

var nameSeparators = strings.NewReplacer("、", ",", "，", ",", "&", ",", " and ", ",", "/", ",")

func splitNames(s string) []string {
	var names []string
	for _, part := range strings.Split(nameSeparators.Replace(s), ",") {
		if part = strings.TrimSpace(part); part != "" {
			names = append(names, part)
		}
	}
	return names
}
