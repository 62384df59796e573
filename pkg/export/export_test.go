package export_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/book"
	"github.com/inkfold/retell/pkg/export"
	"github.com/inkfold/retell/pkg/storage"
	"github.com/inkfold/retell/pkg/storage/sqlite"
)

var _ = Describe("Service", func() {
	var (
		ctx context.Context
		drv *sqlite.SQLiteDriver
		svc *export.Service
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		drv, err = sqlite.NewSQLiteDriver(":memory:")
		Expect(err).NotTo(HaveOccurred())
		svc = export.NewService(drv, zap.NewNop())

		b := &book.Book{ID: "b1", Title: "剑行", ContentHash: book.HashText("剑行")}
		_, err = drv.PutBook(ctx, b)
		Expect(err).NotTo(HaveOccurred())

		chapters := []*book.Chapter{
			{ID: "b1-0001", BookID: "b1", Index: 1, Title: "第一章 下山", Text: "沈青下山。", ContentHash: "h1"},
			{ID: "b1-0002", BookID: "b1", Index: 2, Title: "第二章 荒庙", Text: "夜宿荒庙。", ContentHash: "h2"},
		}
		Expect(drv.PutChapters(ctx, chapters)).To(Succeed())

		_, err = drv.InsertNarration(ctx, &storage.NarrationRecord{
			BookID: "b1", ChapterID: "b1-0001", ChapterIdx: 1,
			PromptVersion: "v1", Model: "m", InputHash: "i1",
			Content: "且说沈青下山。",
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(drv.UpsertCharacter(ctx, &storage.CharacterState{
			BookID: "b1", Name: "沈青", Status: storage.CharacterActive,
			Location: "山门", Aliases: []string{"青儿"},
			FirstSeen: 1, LastSeen: 1,
		})).To(Succeed())

		Expect(drv.UpsertItem(ctx, &storage.ItemState{
			BookID: "b1", Name: "青虹剑", Owner: "沈青",
			Status: storage.ItemActive, LastSeen: 1,
		})).To(Succeed())

		Expect(drv.AppendEvent(ctx, &storage.PlotEvent{
			BookID: "b1", ChapterIdx: 1, Summary: "沈青下山",
			InvolvedCharacters: []string{"沈青"}, EventType: "plot", Impact: 3,
		})).To(Succeed())

		Expect(drv.UpsertFact(ctx, &storage.WorldFact{
			BookID: "b1", Category: "setting", Key: "宗门", Value: "青云宗", SourceIdx: 1,
		})).To(Succeed())
	})

	AfterEach(func() {
		drv.Close()
	})

	It("assembles the final snapshot", func() {
		snap, err := svc.FinalSnapshot(ctx, "b1")
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Book.Title).To(Equal("剑行"))
		Expect(snap.Chapters).To(Equal(2))
		Expect(snap.Narrated).To(Equal(1))
		Expect(snap.Characters).To(HaveLen(1))
		Expect(snap.Items).To(HaveLen(1))
		Expect(snap.Events).To(HaveLen(1))
		Expect(snap.Facts).To(HaveLen(1))
	})

	It("returns the latest narration per chapter", func() {
		_, err := drv.InsertNarration(ctx, &storage.NarrationRecord{
			BookID: "b1", ChapterID: "b1-0001", ChapterIdx: 1,
			PromptVersion: "v1", Model: "m", InputHash: "i2",
			Content: "重写：且说沈青下山。",
		})
		Expect(err).NotTo(HaveOccurred())

		nr, err := svc.LatestNarration(ctx, "b1", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(nr.Content).To(Equal("重写：且说沈青下山。"))
	})

	It("renders the rewritten book with unprocessed chapters marked", func() {
		md, err := svc.RenderBook(ctx, "b1", 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(md).To(ContainSubstring("# 剑行"))
		Expect(md).To(ContainSubstring("## 第一章 下山"))
		Expect(md).To(ContainSubstring("且说沈青下山。"))
		Expect(md).To(ContainSubstring("第2章尚未处理"))
	})

	It("bounds the rendered book to an upper chapter", func() {
		md, err := svc.RenderBook(ctx, "b1", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(md).To(ContainSubstring("且说沈青下山。"))
		Expect(md).NotTo(ContainSubstring("第2章"))
	})

	It("renders the world report", func() {
		md, err := svc.RenderWorldReport(ctx, "b1")
		Expect(err).NotTo(HaveOccurred())
		Expect(md).To(ContainSubstring("### 沈青"))
		Expect(md).To(ContainSubstring("别名：青儿"))
		Expect(md).To(ContainSubstring("青虹剑（持有：沈青）"))
		Expect(md).To(ContainSubstring("第1章：沈青下山"))
		Expect(md).To(ContainSubstring("宗门：青云宗"))
	})
})
