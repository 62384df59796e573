package checkpoint_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/book"
	"github.com/inkfold/retell/pkg/checkpoint"
	"github.com/inkfold/retell/pkg/storage/sqlite"
	"github.com/inkfold/retell/pkg/worldstate"
)

// chapterReplayer applies one scripted character delta per chapter and
// records which chapters were replayed.
type chapterReplayer struct {
	mu       sync.Mutex
	world    *worldstate.Store
	Replayed []int
}

func (r *chapterReplayer) ReplayChapter(ctx context.Context, bookID string, chapterIdx int) error {
	r.mu.Lock()
	r.Replayed = append(r.Replayed, chapterIdx)
	r.mu.Unlock()

	return r.world.ApplyCharacterDelta(ctx, bookID, worldstate.CharacterDelta{
		Name:       "沈青",
		Location:   locationFor(chapterIdx),
		ChapterIdx: chapterIdx,
	})
}

func locationFor(idx int) string {
	locations := []string{"", "山门", "渡口", "皇城", "北漠"}
	return locations[idx%len(locations)]
}

var _ = Describe("Manager", func() {
	var (
		ctx    context.Context
		drv    *sqlite.SQLiteDriver
		world  *worldstate.Store
		mgr    *checkpoint.Manager
		replay *chapterReplayer
		bookID string
	)

	advance := func(upto int) {
		for i := 1; i <= upto; i++ {
			Expect(replay.ReplayChapter(ctx, bookID, i)).To(Succeed())
		}
	}

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		drv, err = sqlite.NewSQLiteDriver(":memory:")
		Expect(err).NotTo(HaveOccurred())

		b := &book.Book{ID: "b1", Title: "long march", ContentHash: book.HashText("long march")}
		_, err = drv.PutBook(ctx, b)
		Expect(err).NotTo(HaveOccurred())
		bookID = b.ID

		world = worldstate.NewStore(drv, zap.NewNop())
		mgr = checkpoint.NewManager(drv, world, zap.NewNop())
		replay = &chapterReplayer{world: world}
	})

	AfterEach(func() {
		drv.Close()
	})

	It("restores a snapshot bit-identical to the boundary state", func() {
		advance(2)
		cp, err := mgr.Snapshot(ctx, bookID, 2, 2)
		Expect(err).NotTo(HaveOccurred())

		advance(4)

		Expect(mgr.Restore(ctx, cp)).To(Succeed())

		snap, err := world.Snapshot(ctx, bookID)
		Expect(err).NotTo(HaveOccurred())
		_, hash, err := snap.Encode()
		Expect(err).NotTo(HaveOccurred())
		Expect(hash).To(Equal(cp.SnapshotHash))
	})

	It("returns the nearest checkpoint at or before a chapter", func() {
		advance(2)
		_, err := mgr.Snapshot(ctx, bookID, 2, 2)
		Expect(err).NotTo(HaveOccurred())

		advance(4)
		_, err = mgr.Snapshot(ctx, bookID, 4, 2)
		Expect(err).NotTo(HaveOccurred())

		cp, err := mgr.LatestAtOrBefore(ctx, bookID, 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(cp).NotTo(BeNil())
		Expect(cp.ChapterIdx).To(Equal(2))

		none, err := mgr.LatestAtOrBefore(ctx, bookID, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(none).To(BeNil())
	})

	It("rejects restore mid-batch", func() {
		advance(2)
		cp, err := mgr.Snapshot(ctx, bookID, 2, 2)
		Expect(err).NotTo(HaveOccurred())

		mgr.BeginBatch()
		defer mgr.EndBatch()

		Expect(mgr.Restore(ctx, cp)).To(MatchError(checkpoint.ErrMidRun))
	})

	Describe("EnsureBase", func() {
		It("is a no-op when live state already matches the boundary", func() {
			advance(2)
			_, err := mgr.Snapshot(ctx, bookID, 2, 2)
			Expect(err).NotTo(HaveOccurred())

			replay.Replayed = nil
			Expect(mgr.EnsureBase(ctx, bookID, 2, replay)).To(Succeed())
			Expect(replay.Replayed).To(BeEmpty())
		})

		It("restores the nearest checkpoint and replays forward", func() {
			advance(2)
			_, err := mgr.Snapshot(ctx, bookID, 2, 2)
			Expect(err).NotTo(HaveOccurred())

			advance(6)

			replay.Replayed = nil
			Expect(mgr.EnsureBase(ctx, bookID, 4, replay)).To(Succeed())
			Expect(replay.Replayed).To(Equal([]int{3, 4}))

			states, _, err := world.CharacterStates(ctx, bookID, []string{"沈青"})
			Expect(err).NotTo(HaveOccurred())
			Expect(states).To(HaveLen(1))
			Expect(states[0].LastSeen).To(Equal(4))
		})

		It("replays from chapter 1 when no checkpoint exists", func() {
			advance(6)

			replay.Replayed = nil
			Expect(mgr.EnsureBase(ctx, bookID, 3, replay)).To(Succeed())
			Expect(replay.Replayed).To(Equal([]int{1, 2, 3}))
		})

		It("leaves an empty world for base zero", func() {
			advance(3)

			Expect(mgr.EnsureBase(ctx, bookID, 0, replay)).To(Succeed())

			states, _, err := world.CharacterStates(ctx, bookID, []string{"沈青"})
			Expect(err).NotTo(HaveOccurred())
			Expect(states).To(BeEmpty())
		})
	})
})
