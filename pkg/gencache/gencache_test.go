package gencache_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/gencache"
	"github.com/inkfold/retell/pkg/storage"
	"github.com/inkfold/retell/pkg/storage/sqlite"
)

var _ = Describe("InputHash", func() {
	It("is stable for identical inputs", func() {
		h1 := gencache.InputHash("ch", "v1", "m", 0.3, 0.25, "world")
		h2 := gencache.InputHash("ch", "v1", "m", 0.3, 0.25, "world")
		Expect(h1).To(Equal(h2))
		Expect(h1).To(HaveLen(64))
	})

	It("changes when any input changes", func() {
		base := gencache.InputHash("ch", "v1", "m", 0.3, 0.25, "world")
		Expect(gencache.InputHash("ch2", "v1", "m", 0.3, 0.25, "world")).NotTo(Equal(base))
		Expect(gencache.InputHash("ch", "v2", "m", 0.3, 0.25, "world")).NotTo(Equal(base))
		Expect(gencache.InputHash("ch", "v1", "m2", 0.3, 0.25, "world")).NotTo(Equal(base))
		Expect(gencache.InputHash("ch", "v1", "m", 0.9, 0.25, "world")).NotTo(Equal(base))
		Expect(gencache.InputHash("ch", "v1", "m", 0.3, 0.45, "world")).NotTo(Equal(base))
		Expect(gencache.InputHash("ch", "v1", "m", 0.3, 0.25, "world2")).NotTo(Equal(base))
	})

	It("derives batch hashes from member order", func() {
		h1 := gencache.BatchInputHash([]string{"a", "b"})
		h2 := gencache.BatchInputHash([]string{"b", "a"})
		Expect(h1).NotTo(Equal(h2))
	})
})

var _ = Describe("Cache", func() {
	var (
		ctx    context.Context
		driver *sqlite.SQLiteDriver
		cache  *gencache.Cache
	)

	key := storage.CacheKey{
		Kind:          gencache.KindNarrate,
		Model:         "m",
		PromptVersion: "v1",
		InputHash:     "h",
		Temperature:   0.3,
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		driver, err = sqlite.NewSQLiteDriver(":memory:")
		Expect(err).NotTo(HaveOccurred())
		cache = gencache.NewCache(driver, zap.NewNop())
	})

	AfterEach(func() {
		driver.Close()
	})

	It("misses before a store and hits after", func() {
		_, hit, err := cache.Lookup(ctx, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(hit).To(BeFalse())

		Expect(cache.Store(ctx, key, "output")).To(Succeed())

		out, hit, err := cache.Lookup(ctx, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(hit).To(BeTrue())
		Expect(out).To(Equal("output"))
	})

	It("keeps the first output on replay", func() {
		Expect(cache.Store(ctx, key, "first")).To(Succeed())
		Expect(cache.Store(ctx, key, "second")).To(Succeed())

		out, hit, err := cache.Lookup(ctx, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(hit).To(BeTrue())
		Expect(out).To(Equal("first"))
	})
})
