package fts5_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/lexical"
	"github.com/inkfold/retell/pkg/lexical/fts5"
)

var _ = Describe("FTS5Driver", func() {
	var (
		ctx    context.Context
		driver *fts5.FTS5Driver
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		driver, err = fts5.NewFTS5Driver(fts5.Config{DBPath: ":memory:"}, zap.NewNop())
		if err != nil {
			Skip("fts5 module not available in this SQLite build")
		}
	})

	AfterEach(func() {
		if driver != nil {
			driver.Close()
		}
	})

	It("requires a database path", func() {
		_, err := fts5.NewFTS5Driver(fts5.Config{}, zap.NewNop())
		Expect(err).To(HaveOccurred())
	})

	It("implements lexical.Driver", func() {
		var _ lexical.Driver = (*fts5.FTS5Driver)(nil)
	})

	Describe("Add and Query", func() {
		BeforeEach(func() {
			Expect(driver.Add(ctx, []lexical.Document{
				{ID: "d1", BookID: "b1", ChapterIdx: 1, SourceType: "source",
					Content: "the monkey king was born from a stone egg"},
				{ID: "d2", BookID: "b1", ChapterIdx: 2, SourceType: "source",
					Content: "the dragon king guarded a golden staff"},
				{ID: "d3", BookID: "b1", ChapterIdx: 3, SourceType: "narration",
					Content: "the monkey stole the golden staff from the dragon palace"},
			})).To(Succeed())
		})

		It("returns keyword matches ranked by relevance", func() {
			results, err := driver.Query(ctx, lexical.Query{
				BookID: "b1", Text: "golden staff", TopK: 10,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(len(results)).To(BeNumerically(">=", 2))
			for _, r := range results {
				Expect(r.ID).To(BeElementOf("d2", "d3"))
			}
		})

		It("honors the chapter bound", func() {
			results, err := driver.Query(ctx, lexical.Query{
				BookID: "b1", Text: "golden staff", BeforeChapter: 3, TopK: 10,
			})
			Expect(err).NotTo(HaveOccurred())
			for _, r := range results {
				Expect(r.ChapterIdx).To(BeNumerically("<", 3))
			}
		})

		It("never matches other books", func() {
			results, err := driver.Query(ctx, lexical.Query{
				BookID: "b2", Text: "monkey", TopK: 10,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(BeEmpty())
		})

		It("treats query text as literal tokens", func() {
			// FTS5 operators in user text must not cause syntax errors.
			_, err := driver.Query(ctx, lexical.Query{
				BookID: "b1", Text: `monkey AND "staff NEAR(`, TopK: 10,
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("returns nothing for empty query text", func() {
			results, err := driver.Query(ctx, lexical.Query{BookID: "b1", Text: "   "})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(BeEmpty())
		})
	})

	Describe("MarkSuperseded", func() {
		It("hides superseded documents from queries", func() {
			Expect(driver.Add(ctx, []lexical.Document{
				{ID: "old", BookID: "b1", ChapterIdx: 1, SourceType: "narration", Content: "old telling"},
				{ID: "new", BookID: "b1", ChapterIdx: 1, SourceType: "narration", Content: "new telling"},
			})).To(Succeed())

			Expect(driver.MarkSuperseded(ctx, []string{"old"})).To(Succeed())

			results, err := driver.Query(ctx, lexical.Query{BookID: "b1", Text: "telling", TopK: 10})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(1))
			Expect(results[0].ID).To(Equal("new"))
		})
	})

	Describe("Delete", func() {
		It("removes documents from the index", func() {
			Expect(driver.Add(ctx, []lexical.Document{
				{ID: "d1", BookID: "b1", ChapterIdx: 1, SourceType: "source", Content: "stone egg"},
			})).To(Succeed())
			Expect(driver.Delete(ctx, []string{"d1"})).To(Succeed())

			results, err := driver.Query(ctx, lexical.Query{BookID: "b1", Text: "stone", TopK: 10})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(BeEmpty())
		})
	})
})
