package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/eventstream"
	"github.com/inkfold/retell/pkg/gencache"
	"github.com/inkfold/retell/pkg/llm"
	"github.com/inkfold/retell/pkg/storage"
)

// generateSingle fills one chapter's result: cache hit, model call, or the
// deterministic excerpt fallback. It never fails the chapter; only storage
// errors propagate.
func (o *Orchestrator) generateSingle(ctx context.Context, r *run, w *chapterWork) error {
	key := storage.CacheKey{
		Kind:          gencache.KindNarrate,
		Model:         o.gen.Model(),
		PromptVersion: llm.NarrationPromptVersion,
		InputHash:     w.inputHash,
		Temperature:   o.cfg.Temperature,
	}

	out, hit, err := o.cache.Lookup(ctx, key)
	if err != nil {
		return fmt.Errorf("looking up generation cache: %w", err)
	}
	if hit {
		if result, err := llm.DecodeChapterResult(out); err == nil {
			w.result = result
			w.cacheHit = true
			r.mu.Lock()
			r.sum.CacheHits++
			r.mu.Unlock()
			return nil
		}
		o.log.Warn("cached narration no longer decodes, regenerating",
			zap.Int("chapter", w.chapter.Index))
	}

	req := llm.NarrationPrompt(w.nc, w.profile.NarrationRatio)
	req.Temperature = o.cfg.Temperature

	raw, err := o.gen.Generate(ctx, req)
	if err != nil {
		o.degrade(r, w, fmt.Sprintf("generation failed: %v", err))
		return nil
	}

	result, err := llm.DecodeChapterResult(raw)
	if err != nil {
		o.degrade(r, w, fmt.Sprintf("malformed output: %v", err))
		return nil
	}

	if err := o.cache.Store(ctx, key, raw); err != nil {
		o.log.Warn("caching narration failed", zap.Error(err))
	}

	w.result = result
	return nil
}

// degrade installs the truncated-excerpt narration for a chapter whose
// generation could not produce usable output.
func (o *Orchestrator) degrade(r *run, w *chapterWork, reason string) {
	o.log.Warn("falling back to excerpt narration",
		zap.Int("chapter", w.chapter.Index),
		zap.String("reason", reason))

	w.result = &llm.ChapterResult{
		Narration: fallbackNarration(w.chapter.Text, w.profile.NarrationRatio),
	}
	w.degraded = true
	r.addDegradation(fmt.Sprintf("chapter %d: excerpt fallback (%s)", w.chapter.Index, reason))
}

// generateBatch attempts one structured request for the whole slice of
// works and bisects on failure, terminating at the single-chapter path.
func (o *Orchestrator) generateBatch(ctx context.Context, r *run, works []*chapterWork) error {
	if len(works) == 1 {
		return o.generateSingle(ctx, r, works[0])
	}

	memberHashes := make([]string, len(works))
	contexts := make([]llm.NarrationContext, len(works))
	ratios := make([]float64, len(works))
	for i, w := range works {
		memberHashes[i] = w.inputHash
		contexts[i] = w.nc
		ratios[i] = w.profile.NarrationRatio
	}

	key := storage.CacheKey{
		Kind:          gencache.KindBatch,
		Model:         o.gen.Model(),
		PromptVersion: llm.BatchPromptVersion,
		InputHash:     gencache.BatchInputHash(memberHashes),
		Temperature:   o.cfg.Temperature,
	}

	out, hit, err := o.cache.Lookup(ctx, key)
	if err != nil {
		return fmt.Errorf("looking up batch cache: %w", err)
	}
	if hit {
		if results, err := llm.DecodeChapterBatch(out, len(works)); err == nil {
			for i, w := range works {
				w.result = results[i]
				w.cacheHit = true
			}
			r.mu.Lock()
			r.sum.CacheHits += len(works)
			r.mu.Unlock()
			return nil
		}
	}

	req := llm.BatchNarrationPrompt(contexts, ratios)
	req.Temperature = o.cfg.Temperature

	raw, err := o.gen.Generate(ctx, req)
	if err != nil {
		return o.bisect(ctx, r, works, fmt.Sprintf("batch generation failed: %v", err))
	}

	results, err := llm.DecodeChapterBatch(raw, len(works))
	if err != nil {
		return o.bisect(ctx, r, works, fmt.Sprintf("batch output malformed: %v", err))
	}

	if err := o.cache.Store(ctx, key, raw); err != nil {
		o.log.Warn("caching batch narration failed", zap.Error(err))
	}

	for i, w := range works {
		w.result = results[i]
	}
	return nil
}

func (o *Orchestrator) bisect(ctx context.Context, r *run, works []*chapterWork, reason string) error {
	first := works[0].chapter
	last := works[len(works)-1].chapter

	o.log.Warn("bisecting failed batch",
		zap.Int("from", first.Index),
		zap.Int("upto", last.Index),
		zap.String("reason", reason))

	o.publish(ctx, &eventstream.RunEvent{
		SchemaVersion: eventstream.SchemaVersionV1,
		EventType:     eventstream.EventTypeBatchBisected,
		EventID:       uuid.NewString(),
		EmittedAt:     time.Now().UTC(),
		RunID:         r.sum.RunID,
		BookID:        first.BookID,
		BatchStart:    first.Index,
		BatchEnd:      last.Index,
	})

	mid := len(works) / 2
	if err := o.generateBatch(ctx, r, works[:mid]); err != nil {
		return err
	}
	return o.generateBatch(ctx, r, works[mid:])
}

// sentenceEnders terminate a fallback excerpt on a natural boundary.
const sentenceEnders = "。！？!?.\n"

// fallbackNarration returns the leading portion of the source text sized by
// the narration ratio, cut back to the last sentence boundary.
func fallbackNarration(text string, ratio float64) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return ""
	}

	target := int(float64(len(runes)) * ratio)
	if target < 1 {
		target = 1
	}
	if target >= len(runes) {
		return string(runes)
	}

	cut := target
	for i := target - 1; i > 0; i-- {
		if strings.ContainsRune(sentenceEnders, runes[i]) {
			cut = i + 1
			break
		}
	}

	return strings.TrimSpace(string(runes[:cut]))
}
