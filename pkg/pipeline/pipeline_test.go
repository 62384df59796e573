package pipeline_test

import (
	"context"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/book"
	"github.com/inkfold/retell/pkg/checkpoint"
	"github.com/inkfold/retell/pkg/eventstream"
	"github.com/inkfold/retell/pkg/gencache"
	"github.com/inkfold/retell/pkg/llm"
	"github.com/inkfold/retell/pkg/memory"
	"github.com/inkfold/retell/pkg/pipeline"
	"github.com/inkfold/retell/pkg/storage"
	"github.com/inkfold/retell/pkg/storage/sqlite"
	testutils "github.com/inkfold/retell/pkg/utils/test"
	"github.com/inkfold/retell/pkg/vector/sqlitevec"
	"github.com/inkfold/retell/pkg/worldstate"
)

// recordingPublisher captures run events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []*eventstream.RunEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev *eventstream.RunEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.EventType)
	}
	return out
}

// cancellingGenerator cancels the run context once a given number of
// completion calls have been made.
type cancellingGenerator struct {
	inner  *testutils.MockGenerator
	after  int
	cancel context.CancelFunc
}

func (g *cancellingGenerator) Name() string  { return g.inner.Name() }
func (g *cancellingGenerator) Model() string { return g.inner.Model() }
func (g *cancellingGenerator) Close() error  { return g.inner.Close() }

func (g *cancellingGenerator) Generate(ctx context.Context, req *llm.GenerateRequest) (string, error) {
	out, err := g.inner.Generate(ctx, req)
	if g.inner.Calls() >= g.after {
		g.cancel()
	}
	return out, err
}

// cancellingStore cancels the run context after the first successful event
// append, simulating an interrupt that arrives mid-commit.
type cancellingStore struct {
	*sqlite.SQLiteDriver
	cancel context.CancelFunc
	once   sync.Once
}

func (s *cancellingStore) AppendEvent(ctx context.Context, ev *storage.PlotEvent) error {
	err := s.SQLiteDriver.AppendEvent(ctx, ev)
	if err == nil {
		s.once.Do(s.cancel)
	}
	return err
}

const extractJSON = `{"characters": ["沈青"], "locations": ["山门"], "items": [], "key_phrases": ["下山"]}`

func narrationJSON(narration, what string) string {
	return fmt.Sprintf(`{
		"narration": %q,
		"key_events": [{"who": "沈青", "what": %q, "where": "山门", "outcome": "成行", "impact": 3}],
		"character_updates": [{"name": "沈青", "status": "active", "location": "山门"}],
		"item_updates": [],
		"facts": [{"category": "setting", "key": "宗门", "value": "青云宗"}]
	}`, narration, what)
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx       context.Context
		drv       *sqlite.SQLiteDriver
		vec       *sqlitevec.SQLiteVecDriver
		world     *worldstate.Store
		gen       *testutils.MockGenerator
		publisher *recordingPublisher
		bookID    string
	)

	chapterTexts := []string{
		"沈青在山门拜别师父，背起青虹剑，决意下山历练。",
		"沈青夜宿荒庙，心中始终想着下山之前师父的嘱托。",
		"沈青入城，在集市上听见青云宗的传闻。",
	}

	seedBook := func(n int) {
		b := &book.Book{ID: "b1", Title: "剑行", ContentHash: book.HashText("剑行")}
		_, err := drv.PutBook(ctx, b)
		Expect(err).NotTo(HaveOccurred())
		bookID = b.ID

		chapters := make([]*book.Chapter, n)
		for i := 0; i < n; i++ {
			title := fmt.Sprintf("第%d章", i+1)
			chapters[i] = &book.Chapter{
				ID:          fmt.Sprintf("b1-%04d", i+1),
				BookID:      bookID,
				Index:       i + 1,
				Title:       title,
				Text:        chapterTexts[i],
				ContentHash: book.ChapterHash(b.ContentHash, title, chapterTexts[i]),
			}
		}
		Expect(drv.PutChapters(ctx, chapters)).To(Succeed())
	}

	newOrchestrator := func(cfg pipeline.Config, generator llm.Generator) *pipeline.Orchestrator {
		log := zap.NewNop()
		embedder := testutils.NewMockEmbedder()
		retriever := memory.NewRetriever(drv, vec, nil, embedder, memory.RetrieverConfig{
			Alpha: 0.7, Beta: 0.1, TopK: 4, SearchConcurrency: 2,
		}, log)
		archive := memory.NewArchive(drv, vec, nil, embedder, log)
		cache := gencache.NewCache(drv, log)
		checkpoints := checkpoint.NewManager(drv, world, log)

		return pipeline.NewOrchestrator(drv, world, retriever, archive, cache,
			generator, checkpoints, publisher, cfg, log)
	}

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		drv, err = sqlite.NewSQLiteDriver(":memory:")
		Expect(err).NotTo(HaveOccurred())

		vec, err = sqlitevec.NewSQLiteVecDriver(sqlitevec.Config{DBPath: ":memory:", Dimensions: 3}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		world = worldstate.NewStore(drv, zap.NewNop())
		publisher = &recordingPublisher{}
	})

	AfterEach(func() {
		vec.Close()
		drv.Close()
	})

	It("processes chapters in order and commits narration, state, and memory", func() {
		seedBook(2)
		gen = testutils.NewMockGenerator(
			extractJSON, narrationJSON("且说沈青拜别师父。", "决意下山历练"),
			extractJSON, narrationJSON("沈青夜宿荒庙。", "夜宿荒庙"),
		)

		sum, err := newOrchestrator(pipeline.Config{BatchSize: 1}, gen).Run(ctx, bookID, 1, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(sum.Processed).To(Equal(2))
		Expect(sum.Stopped).To(BeFalse())
		Expect(sum.RunID).NotTo(BeEmpty())

		latest, err := drv.LatestNarration(ctx, bookID, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(latest.Content).To(Equal("且说沈青拜别师父。"))

		events, err := drv.ListEvents(ctx, bookID, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
		Expect(events[0].ChapterIdx).To(Equal(1))
		Expect(events[0].Summary).To(Equal("决意下山历练"))
		Expect(events[1].ChapterIdx).To(Equal(2))

		chars, _, err := world.CharacterStates(ctx, bookID, []string{"沈青"})
		Expect(err).NotTo(HaveOccurred())
		Expect(chars).To(HaveLen(1))
		Expect(chars[0].Location).To(Equal("山门"))
		Expect(chars[0].LastSeen).To(Equal(2))

		frags, err := drv.ListLiveFragments(ctx, bookID)
		Expect(err).NotTo(HaveOccurred())
		Expect(frags).NotTo(BeEmpty())

		cp, err := drv.LatestCheckpointAtOrBefore(ctx, bookID, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(cp.ChapterIdx).To(Equal(2))

		Expect(publisher.types()).To(ContainElements(
			eventstream.EventTypeChapterCommitted,
			eventstream.EventTypeCheckpointWritten,
			eventstream.EventTypeRunFinished,
		))
	})

	It("re-runs entirely from the cache without new model calls", func() {
		seedBook(2)
		gen = testutils.NewMockGenerator(
			extractJSON, narrationJSON("且说沈青拜别师父。", "决意下山历练"),
			extractJSON, narrationJSON("沈青夜宿荒庙。", "夜宿荒庙"),
		)

		first, err := newOrchestrator(pipeline.Config{BatchSize: 1}, gen).Run(ctx, bookID, 1, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.CacheHits).To(BeZero())

		gen = testutils.NewMockGenerator()
		second, err := newOrchestrator(pipeline.Config{BatchSize: 1}, gen).Run(ctx, bookID, 1, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Processed).To(Equal(2))
		Expect(second.CacheHits).To(Equal(2))
		Expect(gen.Calls()).To(BeZero())

		latest, err := drv.LatestNarration(ctx, bookID, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(latest.Content).To(Equal("且说沈青拜别师父。"))

		events, err := drv.ListEvents(ctx, bookID, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
	})

	It("resumes from the boundary checkpoint without replay", func() {
		seedBook(3)
		gen = testutils.NewMockGenerator(
			extractJSON, narrationJSON("且说沈青拜别师父。", "决意下山历练"),
			extractJSON, narrationJSON("沈青夜宿荒庙。", "夜宿荒庙"),
		)

		_, err := newOrchestrator(pipeline.Config{BatchSize: 1}, gen).Run(ctx, bookID, 1, 2)
		Expect(err).NotTo(HaveOccurred())

		gen = testutils.NewMockGenerator(
			extractJSON, narrationJSON("沈青入城听闻传闻。", "沈青入城"),
		)
		sum, err := newOrchestrator(pipeline.Config{BatchSize: 1}, gen).Run(ctx, bookID, 3, 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(sum.Processed).To(Equal(1))
		Expect(gen.Calls()).To(Equal(2))
	})

	It("rounds a mid-batch start down to the batch boundary", func() {
		seedBook(2)
		gen = testutils.NewMockGenerator(
			extractJSON, extractJSON,
			fmt.Sprintf("[%s, %s]",
				narrationJSON("且说沈青拜别师父。", "决意下山历练"),
				narrationJSON("沈青夜宿荒庙。", "夜宿荒庙")),
		)

		sum, err := newOrchestrator(pipeline.Config{BatchSize: 2}, gen).Run(ctx, bookID, 2, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(sum.StartChapter).To(Equal(1))
		Expect(sum.Processed).To(Equal(2))
		Expect(sum.Warnings).To(ContainElement(ContainSubstring("rounded down")))
	})

	It("generates a whole batch in one call against the frozen base state", func() {
		seedBook(2)
		gen = testutils.NewMockGenerator(
			extractJSON, extractJSON,
			fmt.Sprintf("[%s, %s]",
				narrationJSON("且说沈青拜别师父。", "决意下山历练"),
				narrationJSON("沈青夜宿荒庙。", "夜宿荒庙")),
		)

		sum, err := newOrchestrator(pipeline.Config{BatchSize: 2}, gen).Run(ctx, bookID, 1, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(sum.Processed).To(Equal(2))
		Expect(gen.Calls()).To(Equal(3))

		events, err := drv.ListEvents(ctx, bookID, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
		Expect(events[0].ChapterIdx).To(BeNumerically("<=", events[1].ChapterIdx))
	})

	It("bisects a malformed batch down to single chapters", func() {
		seedBook(2)
		gen = testutils.NewMockGenerator(
			extractJSON, extractJSON,
			"not json at all",
			narrationJSON("且说沈青拜别师父。", "决意下山历练"),
			narrationJSON("沈青夜宿荒庙。", "夜宿荒庙"),
		)

		sum, err := newOrchestrator(pipeline.Config{BatchSize: 2}, gen).Run(ctx, bookID, 1, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(sum.Processed).To(Equal(2))
		Expect(gen.Calls()).To(Equal(5))
		Expect(publisher.types()).To(ContainElement(eventstream.EventTypeBatchBisected))

		latest, err := drv.LatestNarration(ctx, bookID, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(latest.Content).To(Equal("沈青夜宿荒庙。"))
	})

	It("degrades a malformed single chapter to a source excerpt", func() {
		seedBook(1)
		gen = testutils.NewMockGenerator(extractJSON, "still not json")

		sum, err := newOrchestrator(pipeline.Config{BatchSize: 1, NarrationRatio: 0.5}, gen).Run(ctx, bookID, 1, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(sum.Processed).To(Equal(1))
		Expect(sum.Degradations).To(ContainElement(ContainSubstring("excerpt fallback")))

		latest, err := drv.LatestNarration(ctx, bookID, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(latest.Content).NotTo(BeEmpty())
		Expect(chapterTexts[0]).To(ContainSubstring(latest.Content))

		events, err := drv.ListEvents(ctx, bookID, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())
	})

	It("drops unsupported and duplicated deltas with warnings", func() {
		seedBook(1)
		result := `{
			"narration": "且说沈青拜别师父。",
			"key_events": [
				{"who": "沈青", "what": "沈青在山门拜别师父", "where": "山门", "outcome": "成行", "impact": 3},
				{"who": "沈青", "what": "沈青在山门拜别师父", "where": "山门", "outcome": "成行", "impact": 3},
				{"who": "龙王", "what": "东海龙王献宝贺寿", "where": "东海", "outcome": "赴宴", "impact": 5}
			],
			"character_updates": [{"name": "沈青", "status": "active", "location": "山门"}],
			"item_updates": [{"name": "青虹剑", "owner": "顾长老", "status": "active"}],
			"facts": []
		}`
		gen = testutils.NewMockGenerator(extractJSON, result)

		sum, err := newOrchestrator(pipeline.Config{BatchSize: 1}, gen).Run(ctx, bookID, 1, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(sum.Processed).To(Equal(1))
		Expect(sum.Warnings).To(ContainElement(ContainSubstring("duplicated key event")))
		Expect(sum.Warnings).To(ContainElement(ContainSubstring("unsupported key event")))
		Expect(sum.Warnings).To(ContainElement(ContainSubstring("unknown owner")))

		events, err := drv.ListEvents(ctx, bookID, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))

		items, err := drv.ListItems(ctx, bookID)
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(BeEmpty())
	})

	It("stops at a chapter boundary on cancellation", func() {
		seedBook(2)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		gen = testutils.NewMockGenerator(
			extractJSON, narrationJSON("且说沈青拜别师父。", "决意下山历练"),
			extractJSON, narrationJSON("沈青夜宿荒庙。", "夜宿荒庙"),
		)
		wrapped := &cancellingGenerator{inner: gen, after: 4, cancel: cancel}

		sum, err := newOrchestrator(pipeline.Config{BatchSize: 1}, wrapped).Run(runCtx, bookID, 1, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(sum.Stopped).To(BeTrue())
		Expect(sum.Processed).To(Equal(1))
	})

	It("commits a chapter's writes as a whole when cancelled mid-commit", func() {
		seedBook(2)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		log := zap.NewNop()
		cstore := &cancellingStore{SQLiteDriver: drv, cancel: cancel}
		embedder := testutils.NewMockEmbedder()
		retriever := memory.NewRetriever(cstore, vec, nil, embedder, memory.RetrieverConfig{
			Alpha: 0.7, Beta: 0.1, TopK: 4, SearchConcurrency: 2,
		}, log)
		archive := memory.NewArchive(cstore, vec, nil, embedder, log)
		cache := gencache.NewCache(cstore, log)
		states := worldstate.NewStore(cstore, log)
		checkpoints := checkpoint.NewManager(cstore, states, log)

		result := `{
			"narration": "且说沈青拜别师父，背起青虹剑。",
			"key_events": [
				{"who": "沈青", "what": "决意下山历练", "where": "山门", "outcome": "成行", "impact": 3},
				{"who": "沈青", "what": "背起青虹剑", "where": "山门", "outcome": "随身", "impact": 2}
			],
			"character_updates": [{"name": "沈青", "status": "active", "location": "山门"}],
			"item_updates": [],
			"facts": []
		}`
		gen = testutils.NewMockGenerator(extractJSON, result)

		orch := pipeline.NewOrchestrator(cstore, states, retriever, archive, cache,
			gen, checkpoints, publisher, pipeline.Config{BatchSize: 1}, log)

		sum, err := orch.Run(runCtx, bookID, 1, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(sum.Stopped).To(BeTrue())
		Expect(sum.Processed).To(Equal(1))

		events, err := drv.ListEvents(ctx, bookID, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))

		cp, err := drv.LatestCheckpointAtOrBefore(ctx, bookID, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(cp.ChapterIdx).To(Equal(1))
	})

	It("applies the long tier treatment to cadence chapters", func() {
		seedBook(1)
		gen = testutils.NewMockGenerator(
			extractJSON,
			narrationJSON("且说沈青拜别师父。", "决意下山历练"),
			`{"narration": "说书人重述第一回，娓娓道来。"}`,
		)

		cfg := pipeline.Config{
			BatchSize: 1,
			Tiering:   pipeline.Tiering{Enabled: true, LongEveryN: 1},
		}
		sum, err := newOrchestrator(cfg, gen).Run(ctx, bookID, 1, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(sum.Processed).To(Equal(1))
		Expect(gen.Calls()).To(Equal(3))

		latest, err := drv.LatestNarration(ctx, bookID, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(latest.Content).To(Equal("说书人重述第一回，娓娓道来。"))
	})

	It("keeps the default tier's settings when no long rule matches", func() {
		seedBook(1)
		gen = testutils.NewMockGenerator(
			extractJSON,
			narrationJSON("且说沈青拜别师父。", "决意下山历练"),
		)

		cfg := pipeline.Config{
			BatchSize: 1,
			Tiering: pipeline.Tiering{
				Enabled:     true,
				DefaultTier: pipeline.TierMedium,
				LongEveryN:  10,
			},
		}
		sum, err := newOrchestrator(cfg, gen).Run(ctx, bookID, 1, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(sum.Processed).To(Equal(1))
		Expect(gen.Calls()).To(Equal(2))

		latest, err := drv.LatestNarration(ctx, bookID, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(latest.Content).To(Equal("且说沈青拜别师父。"))
	})
})
