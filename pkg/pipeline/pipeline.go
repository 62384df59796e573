// Package pipeline drives chapters through the ordered re-narration stages:
// extract, state lookup, memory retrieve, generate, consistency check,
// evidence verify, refine, state update, memory commit. World-state writes
// are strictly sequential in chapter order; batches generate against one
// frozen base state and fall back by bisection.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inkfold/retell/pkg/book"
	"github.com/inkfold/retell/pkg/checkpoint"
	"github.com/inkfold/retell/pkg/eventstream"
	"github.com/inkfold/retell/pkg/gencache"
	"github.com/inkfold/retell/pkg/llm"
	"github.com/inkfold/retell/pkg/memory"
	"github.com/inkfold/retell/pkg/storage"
	"github.com/inkfold/retell/pkg/worldstate"
)

// Config tunes a processing run.
type Config struct {
	// BatchSize is the number of chapters generated per request. 1 means
	// plain single-chapter processing.
	BatchSize int

	// PrefetchWindow bounds how many upcoming chapters may run their
	// read-only extraction ahead of the sequential cursor. 0 disables
	// lookahead.
	PrefetchWindow int

	// NarrationRatio is the target narration length relative to source.
	NarrationRatio float64

	// Temperature for generation calls.
	Temperature float64

	// RecentEventsWindow is how many trailing events feed each prompt.
	RecentEventsWindow int

	// RefineEnabled adds the optional polish pass after generation.
	RefineEnabled bool

	// SupportThreshold is the minimum evidence score a claimed delta
	// needs to survive verification.
	SupportThreshold float64

	// EvidenceSnippets caps how many recalled memories count as evidence.
	EvidenceSnippets int

	// Tiering selects per-chapter generation profiles. When enabled it
	// overrides NarrationRatio, the retrieval fan-out, and RefineEnabled
	// per chapter.
	Tiering Tiering
}

func (c *Config) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.NarrationRatio <= 0 {
		c.NarrationRatio = 0.45
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.45
	}
	if c.RecentEventsWindow <= 0 {
		c.RecentEventsWindow = 5
	}
	if c.SupportThreshold <= 0 {
		c.SupportThreshold = 0.18
	}
	if c.EvidenceSnippets <= 0 {
		c.EvidenceSnippets = 3
	}
	c.Tiering.withDefaults()
}

// RunSummary reports what a processing run did. Warnings and degradations
// are surfaced here instead of failing chapters.
type RunSummary struct {
	RunID        string
	BookID       string
	StartChapter int
	EndChapter   int
	Processed    int
	CacheHits    int
	Warnings     []string
	Degradations []string

	// Stopped is true when the run was canceled and ended early at a
	// chapter boundary.
	Stopped bool
}

// Orchestrator owns the stage machine. It is the sole writer of world state
// and the sole appender of memory fragments.
type Orchestrator struct {
	store       storage.Driver
	world       *worldstate.Store
	retriever   *memory.Retriever
	archive     *memory.Archive
	cache       *gencache.Cache
	gen         llm.Generator
	checkpoints *checkpoint.Manager
	events      eventstream.Publisher
	cfg         Config
	log         *zap.Logger
}

// NewOrchestrator wires the pipeline together.
func NewOrchestrator(store storage.Driver, world *worldstate.Store,
	retriever *memory.Retriever, archive *memory.Archive, cache *gencache.Cache,
	gen llm.Generator, checkpoints *checkpoint.Manager,
	events eventstream.Publisher, cfg Config, log *zap.Logger) *Orchestrator {

	cfg.withDefaults()

	return &Orchestrator{
		store:       store,
		world:       world,
		retriever:   retriever,
		archive:     archive,
		cache:       cache,
		gen:         gen,
		checkpoints: checkpoints,
		events:      events,
		cfg:         cfg,
		log:         log,
	}
}

// run carries per-run state: the summary, the chapter list, and the bounded
// extraction lookahead shared across batches.
type run struct {
	sum      *RunSummary
	chapters []*book.Chapter

	mu       sync.Mutex
	extracts map[int]*extractTask
	prefetch *errgroup.Group
}

type extractTask struct {
	once     sync.Once
	out      *llm.Extraction
	degraded bool
}

func (r *run) addWarning(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sum.Warnings = append(r.sum.Warnings, msg)
}

func (r *run) addDegradation(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sum.Degradations = append(r.sum.Degradations, msg)
}

func (r *run) chapter(idx int) *book.Chapter {
	return r.chapters[idx-1]
}

// Run processes chapters [start, end] of a book. A start that falls inside
// a batch is rounded down to the batch boundary, because generation needs
// the base world state of the boundary chapter. end <= 0 means the last
// chapter. The returned summary is non-nil whenever processing began.
func (o *Orchestrator) Run(ctx context.Context, bookID string, start, end int) (*RunSummary, error) {
	chapters, err := o.store.ListChapters(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("listing chapters: %w", err)
	}
	if len(chapters) == 0 {
		return nil, fmt.Errorf("processing book %q: no chapters", bookID)
	}

	if start < 1 {
		start = 1
	}
	if end <= 0 || end > len(chapters) {
		end = len(chapters)
	}
	if start > end {
		return nil, fmt.Errorf("processing book %q: start %d beyond end %d", bookID, start, end)
	}

	aligned := alignStart(start, o.cfg.BatchSize)

	r := &run{
		sum: &RunSummary{
			RunID:        uuid.NewString(),
			BookID:       bookID,
			StartChapter: aligned,
			EndChapter:   end,
		},
		chapters: chapters,
		extracts: make(map[int]*extractTask),
		prefetch: &errgroup.Group{},
	}
	if o.cfg.PrefetchWindow > 0 {
		r.prefetch.SetLimit(o.cfg.PrefetchWindow)
	} else {
		r.prefetch.SetLimit(1)
	}

	if aligned != start {
		r.addWarning(fmt.Sprintf("start %d rounded down to batch boundary %d", start, aligned))
		o.log.Warn("start aligned to batch boundary",
			zap.Int("requested", start), zap.Int("aligned", aligned))
	}

	if err := o.checkpoints.EnsureBase(ctx, bookID, aligned-1, o); err != nil {
		return nil, fmt.Errorf("preparing base state: %w", err)
	}

	for s := aligned; s <= end; s += o.cfg.BatchSize {
		if ctx.Err() != nil {
			r.sum.Stopped = true
			break
		}

		e := s + o.cfg.BatchSize - 1
		if e > end {
			e = end
		}

		if o.cfg.PrefetchWindow > 0 {
			o.schedulePrefetch(ctx, r, e+1, end)
		}

		stopped, err := o.processBatch(ctx, r, chapters[s-1:e])
		if err != nil {
			return r.sum, err
		}
		if stopped {
			r.sum.Stopped = true
			break
		}
	}

	_ = r.prefetch.Wait()

	o.publish(ctx, &eventstream.RunEvent{
		SchemaVersion:     eventstream.SchemaVersionV1,
		EventType:         eventstream.EventTypeRunFinished,
		EventID:           uuid.NewString(),
		EmittedAt:         time.Now().UTC(),
		RunID:             r.sum.RunID,
		BookID:            bookID,
		ChaptersProcessed: r.sum.Processed,
		CacheHits:         r.sum.CacheHits,
		Warnings:          len(r.sum.Warnings),
		Degradations:      len(r.sum.Degradations),
	})

	return r.sum, nil
}

// alignStart rounds a requested start chapter down to its batch boundary.
func alignStart(start, batchSize int) int {
	if batchSize <= 1 {
		return start
	}
	return ((start-1)/batchSize)*batchSize + 1
}

// schedulePrefetch queues read-only extraction for upcoming chapters so it
// overlaps the current batch's later stages.
func (o *Orchestrator) schedulePrefetch(ctx context.Context, r *run, from, end int) {
	upto := from + o.cfg.PrefetchWindow - 1
	if upto > end {
		upto = end
	}
	for i := from; i <= upto; i++ {
		ch := r.chapter(i)
		r.prefetch.Go(func() error {
			o.extractChapter(ctx, r, ch)
			return nil
		})
	}
}

// ReplayChapter re-applies one chapter through the full single-chapter path
// against the current world state. Unchanged inputs hit the generation
// cache, so replay normally re-invokes no model calls.
func (o *Orchestrator) ReplayChapter(ctx context.Context, bookID string, chapterIdx int) error {
	ch, err := o.store.GetChapter(ctx, bookID, chapterIdx)
	if err != nil {
		return fmt.Errorf("loading chapter %d: %w", chapterIdx, err)
	}

	r := &run{
		sum:      &RunSummary{RunID: uuid.NewString(), BookID: bookID},
		chapters: nil,
		extracts: make(map[int]*extractTask),
		prefetch: &errgroup.Group{},
	}

	works, err := o.prepare(ctx, r, []*book.Chapter{ch})
	if err != nil {
		return err
	}
	if err := o.generateSingle(ctx, r, works[0]); err != nil {
		return err
	}
	if err := o.commitChapter(ctx, r, works[0]); err != nil {
		return err
	}

	for _, w := range r.sum.Warnings {
		o.log.Warn("replay warning", zap.Int("chapter", chapterIdx), zap.String("warning", w))
	}

	return nil
}

func (o *Orchestrator) publish(ctx context.Context, ev *eventstream.RunEvent) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(ctx, ev); err != nil {
		o.log.Warn("publishing run event failed",
			zap.String("event_type", ev.EventType),
			zap.Error(err))
	}
}
