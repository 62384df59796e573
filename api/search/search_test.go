package search_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	apisearch "github.com/inkfold/retell/api/search"
	"github.com/inkfold/retell/pkg/book"
	"github.com/inkfold/retell/pkg/memory"
	"github.com/inkfold/retell/pkg/storage/sqlite"
	testutils "github.com/inkfold/retell/pkg/utils/test"
	"github.com/inkfold/retell/pkg/vector/sqlitevec"
)

var _ = Describe("Search", func() {
	var (
		ctx       context.Context
		drv       *sqlite.SQLiteDriver
		vec       *sqlitevec.SQLiteVecDriver
		retriever *memory.Retriever
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		drv, err = sqlite.NewSQLiteDriver(":memory:")
		Expect(err).NotTo(HaveOccurred())

		vec, err = sqlitevec.NewSQLiteVecDriver(sqlitevec.Config{DBPath: ":memory:", Dimensions: 3}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		embedder := testutils.NewMockEmbedder()
		retriever = memory.NewRetriever(drv, vec, nil, embedder, memory.RetrieverConfig{
			Alpha: 0.7, Beta: 0.1, TopK: 4, SearchConcurrency: 2,
		}, zap.NewNop())

		b := &book.Book{ID: "b1", Title: "剑行", ContentHash: book.HashText("剑行")}
		_, err = drv.PutBook(ctx, b)
		Expect(err).NotTo(HaveOccurred())

		Expect(drv.PutChapters(ctx, []*book.Chapter{
			{ID: "b1-0001", BookID: "b1", Index: 1, Title: "第一章", Text: "沈青下山。", ContentHash: "h1"},
			{ID: "b1-0002", BookID: "b1", Index: 2, Title: "第二章", Text: "夜宿荒庙。", ContentHash: "h2"},
		})).To(Succeed())

		archive := memory.NewArchive(drv, vec, nil, embedder, zap.NewNop())
		Expect(archive.CommitChapter(ctx, "b1", 1, "沈青下山。", "且说沈青下山。")).To(Succeed())
		Expect(archive.CommitChapter(ctx, "b1", 2, "夜宿荒庙。", "且说沈青夜宿荒庙。")).To(Succeed())
	})

	AfterEach(func() {
		vec.Close()
		drv.Close()
	})

	It("returns fragments from the whole book", func() {
		out, err := apisearch.Search(ctx, "沈青", 0, "b1", retriever, drv, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Count).To(BeNumerically(">", 0))
		Expect(out.BookID).To(Equal("b1"))
		for _, res := range out.Results {
			Expect(res.Text).NotTo(BeEmpty())
			Expect(res.ChapterIdx).To(BeNumerically("<=", 2))
		}
	})

	It("caps results at the requested top_k", func() {
		out, err := apisearch.Search(ctx, "沈青", 1, "b1", retriever, drv, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Count).To(Equal(1))
	})
})
