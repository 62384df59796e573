package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gofiber/fiber/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/book"
	"github.com/inkfold/retell/pkg/memory"
	"github.com/inkfold/retell/pkg/storage"
	"github.com/inkfold/retell/pkg/storage/sqlite"
	testutils "github.com/inkfold/retell/pkg/utils/test"
	"github.com/inkfold/retell/pkg/vector/sqlitevec"
)

var _ = Describe("Server", func() {
	var (
		ctx    context.Context
		drv    *sqlite.SQLiteDriver
		vec    *sqlitevec.SQLiteVecDriver
		server *Server
	)

	get := func(path string) (*http.Response, []byte) {
		req, err := http.NewRequest(http.MethodGet, path, nil)
		Expect(err).NotTo(HaveOccurred())
		resp, err := server.app.Test(req)
		Expect(err).NotTo(HaveOccurred())
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp, body
	}

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		drv, err = sqlite.NewSQLiteDriver(":memory:")
		Expect(err).NotTo(HaveOccurred())

		vec, err = sqlitevec.NewSQLiteVecDriver(sqlitevec.Config{DBPath: ":memory:", Dimensions: 3}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		embedder := testutils.NewMockEmbedder()
		retriever := memory.NewRetriever(drv, vec, nil, embedder, memory.RetrieverConfig{
			Alpha: 0.7, Beta: 0.1, TopK: 4, SearchConcurrency: 2,
		}, zap.NewNop())

		server = NewServer(Config{ListenAddr: ":0", SearchTopK: 4}, drv, retriever, zap.NewNop())

		b := &book.Book{ID: "b1", Title: "剑行", ContentHash: book.HashText("剑行")}
		_, err = drv.PutBook(ctx, b)
		Expect(err).NotTo(HaveOccurred())

		Expect(drv.PutChapters(ctx, []*book.Chapter{
			{ID: "b1-0001", BookID: "b1", Index: 1, Title: "第一章", Text: "沈青下山。", ContentHash: "h1"},
		})).To(Succeed())

		_, err = drv.InsertNarration(ctx, &storage.NarrationRecord{
			BookID: "b1", ChapterID: "b1-0001", ChapterIdx: 1,
			PromptVersion: "v1", Model: "m", InputHash: "i1",
			Content: "且说沈青下山。",
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(drv.UpsertCharacter(ctx, &storage.CharacterState{
			BookID: "b1", Name: "沈青", Status: storage.CharacterActive,
			FirstSeen: 1, LastSeen: 1,
		})).To(Succeed())

		Expect(drv.AppendEvent(ctx, &storage.PlotEvent{
			BookID: "b1", ChapterIdx: 1, Summary: "沈青下山", EventType: "plot", Impact: 3,
		})).To(Succeed())
	})

	AfterEach(func() {
		vec.Close()
		drv.Close()
	})

	It("responds to ping", func() {
		resp, _ := get("/ping")
		Expect(resp.StatusCode).To(Equal(fiber.StatusOK))
	})

	It("returns the latest narration for a chapter", func() {
		resp, body := get("/api/v1/books/b1/narrations/1")
		Expect(resp.StatusCode).To(Equal(fiber.StatusOK))

		var nr narrationResponse
		Expect(json.Unmarshal(body, &nr)).To(Succeed())
		Expect(nr.ChapterIdx).To(Equal(1))
		Expect(nr.Content).To(Equal("且说沈青下山。"))
	})

	It("rejects a non-numeric narration index", func() {
		resp, _ := get("/api/v1/books/b1/narrations/abc")
		Expect(resp.StatusCode).To(Equal(fiber.StatusBadRequest))
	})

	It("returns 404 for a chapter without narration", func() {
		resp, _ := get("/api/v1/books/b1/narrations/99")
		Expect(resp.StatusCode).To(Equal(fiber.StatusNotFound))
	})

	It("lists character states", func() {
		resp, body := get("/api/v1/books/b1/characters")
		Expect(resp.StatusCode).To(Equal(fiber.StatusOK))

		var chars []*storage.CharacterState
		Expect(json.Unmarshal(body, &chars)).To(Succeed())
		Expect(chars).To(HaveLen(1))
		Expect(chars[0].Name).To(Equal("沈青"))
	})

	It("returns the event timeline", func() {
		resp, body := get("/api/v1/books/b1/timeline")
		Expect(resp.StatusCode).To(Equal(fiber.StatusOK))

		var events []*storage.PlotEvent
		Expect(json.Unmarshal(body, &events)).To(Succeed())
		Expect(events).To(HaveLen(1))
		Expect(events[0].Summary).To(Equal("沈青下山"))
	})

	It("rejects a search without a query", func() {
		resp, _ := get("/api/v1/books/b1/search")
		Expect(resp.StatusCode).To(Equal(fiber.StatusBadRequest))
	})

	It("reports search unavailable without a retriever", func() {
		server = NewServer(Config{ListenAddr: ":0"}, drv, nil, zap.NewNop())
		resp, _ := get("/api/v1/books/b1/search?query=沈青")
		Expect(resp.StatusCode).To(Equal(fiber.StatusServiceUnavailable))
	})
})
