package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inkfold/retell/pkg/book"
	"github.com/inkfold/retell/pkg/gencache"
	"github.com/inkfold/retell/pkg/llm"
	"github.com/inkfold/retell/pkg/memory"
	"github.com/inkfold/retell/pkg/storage"
)

// chapterWork accumulates one chapter's outputs as it moves through the
// stages.
type chapterWork struct {
	chapter         *book.Chapter
	tier            string
	profile         TierProfile
	extraction      *llm.Extraction
	extractDegraded bool
	characters      []*storage.CharacterState
	items           []*storage.ItemState
	recent          []*storage.PlotEvent
	recalls         []memory.Recall
	nc              llm.NarrationContext
	inputHash       string
	result          *llm.ChapterResult
	cacheHit        bool
	degraded        bool
}

// memoryExcerptRunes caps how much of a recalled fragment reaches the
// prompt.
const memoryExcerptRunes = 600

// queryExcerptRunes is how much leading chapter text joins the retrieval
// query.
const queryExcerptRunes = 200

// prepare runs the read-only stages for a contiguous chapter slice against
// the current (frozen) world state: extraction, state lookup, and one
// batched memory retrieval. The base world hash keys every generation in
// the batch.
func (o *Orchestrator) prepare(ctx context.Context, r *run, chs []*book.Chapter) ([]*chapterWork, error) {
	snap, err := o.world.Snapshot(ctx, chs[0].BookID)
	if err != nil {
		return nil, fmt.Errorf("snapshotting base state: %w", err)
	}
	_, worldHash, err := snap.Encode()
	if err != nil {
		return nil, fmt.Errorf("hashing base state: %w", err)
	}

	works := make([]*chapterWork, len(chs))
	g, gctx := errgroup.WithContext(ctx)
	if o.cfg.PrefetchWindow > 0 {
		g.SetLimit(o.cfg.PrefetchWindow)
	} else {
		g.SetLimit(1)
	}
	for i, ch := range chs {
		g.Go(func() error {
			ext, degraded := o.extractChapter(gctx, r, ch)
			works[i] = &chapterWork{chapter: ch, extraction: ext, extractDegraded: degraded}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	queries := make([]memory.Query, len(works))
	for i, w := range works {
		w.tier, w.profile = o.tierFor(w.chapter)
		if err := o.lookupState(ctx, r, w); err != nil {
			return nil, err
		}
		queries[i] = memory.Query{
			BookID:  w.chapter.BookID,
			Text:    retrievalQuery(w),
			Chapter: w.chapter.Index,
		}
		if o.cfg.Tiering.Enabled {
			queries[i].TopK = w.profile.MemoryTopK
			if w.profile.MemoryTopK <= 0 {
				queries[i].TopK = -1
			}
		}
	}

	recalls, err := o.retriever.RetrieveBatch(ctx, queries)
	if err != nil {
		return nil, fmt.Errorf("retrieving memories: %w", err)
	}

	for i, w := range works {
		if recalls != nil {
			w.recalls = recalls[i]
		}
		w.nc = buildContext(w)
		w.inputHash = gencache.InputHash(
			w.chapter.ContentHash, llm.NarrationPromptVersion,
			o.gen.Model(), o.cfg.Temperature, w.profile.NarrationRatio, worldHash)
	}

	return works, nil
}

// extractChapter returns the chapter's entity extraction, computing it at
// most once per run. The LLM path is cached by chapter content; on any
// failure the deterministic token fallback answers instead.
func (o *Orchestrator) extractChapter(ctx context.Context, r *run, ch *book.Chapter) (*llm.Extraction, bool) {
	r.mu.Lock()
	task, ok := r.extracts[ch.Index]
	if !ok {
		task = &extractTask{}
		r.extracts[ch.Index] = task
	}
	r.mu.Unlock()

	task.once.Do(func() {
		task.out, task.degraded = o.extract(ctx, ch)
		if task.degraded {
			r.addDegradation(fmt.Sprintf("chapter %d: rule-based extraction fallback", ch.Index))
		}
	})

	return task.out, task.degraded
}

func (o *Orchestrator) extract(ctx context.Context, ch *book.Chapter) (*llm.Extraction, bool) {
	key := storage.CacheKey{
		Kind:          gencache.KindExtract,
		Model:         o.gen.Model(),
		PromptVersion: llm.ExtractionPromptVersion,
		InputHash:     gencache.InputHash(ch.ContentHash, llm.ExtractionPromptVersion, o.gen.Model(), 0, 0, ""),
	}

	if out, hit, err := o.cache.Lookup(ctx, key); err == nil && hit {
		if ext, err := llm.DecodeExtraction(out); err == nil {
			return ext, false
		}
	}

	req := llm.ExtractionPrompt(ch.Text)
	raw, err := o.gen.Generate(ctx, req)
	if err != nil {
		o.log.Warn("entity extraction call failed, using token fallback",
			zap.Int("chapter", ch.Index), zap.Error(err))
		return fallbackExtraction(ch.Text), true
	}

	ext, err := llm.DecodeExtraction(raw)
	if err != nil {
		o.log.Warn("entity extraction output malformed, using token fallback",
			zap.Int("chapter", ch.Index), zap.Error(err))
		return fallbackExtraction(ch.Text), true
	}

	if err := o.cache.Store(ctx, key, raw); err != nil {
		o.log.Warn("caching extraction failed", zap.Error(err))
	}

	return ext, false
}

var extractTokenPattern = regexp.MustCompile(`[\p{Han}]{2,8}|[A-Za-z][A-Za-z']{1,19}`)

// fallbackExtraction is the deterministic extraction: frequent text tokens
// stand in for entity names so state lookup and retrieval still have a
// query to work with.
func fallbackExtraction(text string) *llm.Extraction {
	tokens := extractTokenPattern.FindAllString(text, -1)

	seen := make(map[string]bool)
	var unique []string
	for _, t := range tokens {
		if seen[t] {
			continue
		}
		seen[t] = true
		unique = append(unique, t)
		if len(unique) >= 16 {
			break
		}
	}

	return &llm.Extraction{Characters: unique, KeyPhrases: unique}
}

func (o *Orchestrator) lookupState(ctx context.Context, r *run, w *chapterWork) error {
	bookID := w.chapter.BookID

	characters, ambiguous, err := o.world.CharacterStates(ctx, bookID, w.extraction.Characters)
	if err != nil {
		return fmt.Errorf("looking up characters: %w", err)
	}
	for _, amb := range ambiguous {
		r.addWarning(fmt.Sprintf("chapter %d: %s", w.chapter.Index, amb.Error()))
	}

	items, ambiguous, err := o.world.ItemStates(ctx, bookID, w.extraction.Items)
	if err != nil {
		return fmt.Errorf("looking up items: %w", err)
	}
	for _, amb := range ambiguous {
		r.addWarning(fmt.Sprintf("chapter %d: %s", w.chapter.Index, amb.Error()))
	}

	var recent []*storage.PlotEvent
	if w.chapter.Index > 1 {
		recent, err = o.world.RecentEvents(ctx, bookID, w.chapter.Index-1, o.cfg.RecentEventsWindow)
		if err != nil {
			return fmt.Errorf("looking up recent events: %w", err)
		}
	}

	w.characters = characters
	w.items = items
	w.recent = recent

	return nil
}

func retrievalQuery(w *chapterWork) string {
	parts := []string{w.chapter.Title}
	parts = append(parts, w.extraction.Characters...)
	parts = append(parts, w.extraction.KeyPhrases...)
	parts = append(parts, truncateRunes(w.chapter.Text, queryExcerptRunes))
	return strings.Join(parts, " ")
}

func buildContext(w *chapterWork) llm.NarrationContext {
	var characters strings.Builder
	for _, cs := range w.characters {
		fmt.Fprintf(&characters, "- %s (%s)", cs.Name, cs.Status)
		if cs.Location != "" {
			fmt.Fprintf(&characters, " @%s", cs.Location)
		}
		if cs.Motivation != "" {
			fmt.Fprintf(&characters, "; motivation: %s", cs.Motivation)
		}
		if len(cs.Abilities) > 0 {
			fmt.Fprintf(&characters, "; abilities: %s", strings.Join(cs.Abilities, ", "))
		}
		characters.WriteString("\n")
	}

	var items strings.Builder
	for _, is := range w.items {
		fmt.Fprintf(&items, "- %s (%s)", is.Name, is.Status)
		if is.Owner != "" {
			fmt.Fprintf(&items, " held by %s", is.Owner)
		}
		items.WriteString("\n")
	}

	var events strings.Builder
	for _, ev := range w.recent {
		fmt.Fprintf(&events, "- [ch %d] %s\n", ev.ChapterIdx, ev.Summary)
	}

	var memories strings.Builder
	for _, rec := range w.recalls {
		fmt.Fprintf(&memories, "- [ch %d, %s] %s\n",
			rec.Fragment.ChapterIdx, rec.Fragment.SourceType,
			truncateRunes(rec.Fragment.Text, memoryExcerptRunes))
	}

	return llm.NarrationContext{
		CharacterStates: characters.String(),
		ItemStates:      items.String(),
		RecentEvents:    events.String(),
		Memories:        memories.String(),
		ChapterTitle:    w.chapter.Title,
		ChapterText:     w.chapter.Text,
	}
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
