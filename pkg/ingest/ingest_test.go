package ingest_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/ingest"
	"github.com/inkfold/retell/pkg/storage/sqlite"
)

var _ = Describe("Parser", func() {
	It("splits on Chinese chapter headings and keeps the preface", func() {
		text := ingest.NormalizeText(
			"开篇的引子。\n第一章 山中来客\n少年下山。\n第二章 城里风波\n闹市遇敌。\n")

		chapters := ingest.ParseChapters(text, nil)
		Expect(chapters).To(HaveLen(3))
		Expect(chapters[0].Title).To(Equal("序章"))
		Expect(chapters[0].Text).To(Equal("开篇的引子。"))
		Expect(chapters[1].Index).To(Equal(2))
		Expect(chapters[1].Title).To(Equal("第一章 山中来客"))
		Expect(chapters[1].Text).To(Equal("少年下山。"))
		Expect(chapters[2].Title).To(Equal("第二章 城里风波"))
	})

	It("splits on English chapter headings", func() {
		text := ingest.NormalizeText(
			"Chapter 1 The Road\nA long walk.\nChapter 2 The Inn\nA short rest.\n")

		chapters := ingest.ParseChapters(text, nil)
		Expect(chapters).To(HaveLen(2))
		Expect(chapters[0].Title).To(Equal("Chapter 1 The Road"))
		Expect(chapters[1].Text).To(Equal("A short rest."))
	})

	It("normalizes line endings and fullwidth forms into stable text", func() {
		a := ingest.NormalizeText("第１章\r\n正文。\r\n")
		b := ingest.NormalizeText("第1章\n正文。\n")
		Expect(a).To(Equal(b))
	})

	It("falls back to fixed-size chunks when nothing matches", func() {
		text := "plain text with no headings at all"
		chapters := ingest.ParseChapters(text, nil)
		Expect(chapters).To(HaveLen(1))
		Expect(chapters[0].Title).To(Equal("第1章"))
		Expect(chapters[0].Text).To(Equal(text))
	})
})

var _ = Describe("Service", func() {
	var (
		ctx context.Context
		drv *sqlite.SQLiteDriver
		svc *ingest.Service
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		drv, err = sqlite.NewSQLiteDriver(":memory:")
		Expect(err).NotTo(HaveOccurred())

		svc, err = ingest.NewService(drv, "", zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		drv.Close()
	})

	It("persists a book with ordered, hashed chapters", func() {
		stats, err := svc.IngestText(ctx,
			"第一章 出发\n少年背起行囊。\n第二章 夜雨\n客栈灯火。\n", "试剑")
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Existed).To(BeFalse())
		Expect(stats.Chapters).To(Equal(2))

		chapters, err := drv.ListChapters(ctx, stats.BookID)
		Expect(err).NotTo(HaveOccurred())
		Expect(chapters).To(HaveLen(2))
		Expect(chapters[0].Index).To(Equal(1))
		Expect(chapters[0].Title).To(Equal("第一章 出发"))
		Expect(chapters[0].ContentHash).NotTo(BeEmpty())
		Expect(chapters[1].Index).To(Equal(2))
	})

	It("is a no-op for identical content", func() {
		text := "第一章 出发\n少年背起行囊。\n"

		first, err := svc.IngestText(ctx, text, "试剑")
		Expect(err).NotTo(HaveOccurred())

		second, err := svc.IngestText(ctx, text, "试剑再来")
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Existed).To(BeTrue())
		Expect(second.BookID).To(Equal(first.BookID))
		Expect(second.Chapters).To(Equal(first.Chapters))
	})

	It("rejects empty input", func() {
		_, err := svc.IngestText(ctx, "   \n  ", "空书")
		Expect(err).To(HaveOccurred())
	})
})
