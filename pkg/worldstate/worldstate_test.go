package worldstate_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/book"
	"github.com/inkfold/retell/pkg/storage/sqlite"
	"github.com/inkfold/retell/pkg/worldstate"
)

var _ = Describe("Store", func() {
	var (
		ctx    context.Context
		driver *sqlite.SQLiteDriver
		store  *worldstate.Store
		bookID string
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		driver, err = sqlite.NewSQLiteDriver(":memory:")
		Expect(err).NotTo(HaveOccurred())

		b := &book.Book{ID: "b1", Title: "journey", ContentHash: book.HashText("journey")}
		_, err = driver.PutBook(ctx, b)
		Expect(err).NotTo(HaveOccurred())
		bookID = b.ID

		store = worldstate.NewStore(driver, zap.NewNop())
	})

	AfterEach(func() {
		driver.Close()
	})

	Describe("ApplyCharacterDelta", func() {
		It("creates a new character for an unknown name", func() {
			Expect(store.ApplyCharacterDelta(ctx, bookID, worldstate.CharacterDelta{
				Name: "Wukong", Status: "alive", Location: "mountain", ChapterIdx: 1,
			})).To(Succeed())

			states, amb, err := store.CharacterStates(ctx, bookID, []string{"Wukong"})
			Expect(err).NotTo(HaveOccurred())
			Expect(amb).To(BeEmpty())
			Expect(states).To(HaveLen(1))
			Expect(states[0].FirstSeen).To(Equal(1))
			Expect(states[0].LastSeen).To(Equal(1))
		})

		It("resolves aliases case- and width-insensitively", func() {
			Expect(store.ApplyCharacterDelta(ctx, bookID, worldstate.CharacterDelta{
				Name: "Wukong", NewAliases: []string{"Monkey King"}, ChapterIdx: 1,
			})).To(Succeed())

			Expect(store.ApplyCharacterDelta(ctx, bookID, worldstate.CharacterDelta{
				Name: "MONKEY KING", Location: "heaven", ChapterIdx: 3,
			})).To(Succeed())

			states, _, err := store.CharacterStates(ctx, bookID, []string{"monkey king"})
			Expect(err).NotTo(HaveOccurred())
			Expect(states).To(HaveLen(1))
			Expect(states[0].Name).To(Equal("Wukong"))
			Expect(states[0].Location).To(Equal("heaven"))
			Expect(states[0].LastSeen).To(Equal(3))
		})

		It("merges abilities and relationships without clearing prior entries", func() {
			Expect(store.ApplyCharacterDelta(ctx, bookID, worldstate.CharacterDelta{
				Name:          "Wukong",
				NewAbilities:  []string{"72 transformations"},
				Relationships: map[string]string{"Bodhi": "teacher"},
				Motivation:    "immortality",
				ChapterIdx:    1,
			})).To(Succeed())
			Expect(store.ApplyCharacterDelta(ctx, bookID, worldstate.CharacterDelta{
				Name:          "Wukong",
				NewAbilities:  []string{"cloud somersault", "72 transformations"},
				Relationships: map[string]string{"Tang Seng": "master"},
				ChapterIdx:    8,
			})).To(Succeed())

			states, _, err := store.CharacterStates(ctx, bookID, []string{"Wukong"})
			Expect(err).NotTo(HaveOccurred())
			Expect(states[0].Abilities).To(ConsistOf("72 transformations", "cloud somersault"))
			Expect(states[0].Relationships).To(HaveKeyWithValue("Bodhi", "teacher"))
			Expect(states[0].Relationships).To(HaveKeyWithValue("Tang Seng", "master"))
			Expect(states[0].Motivation).To(Equal("immortality"))
		})

		It("merges aliases append-only", func() {
			Expect(store.ApplyCharacterDelta(ctx, bookID, worldstate.CharacterDelta{
				Name: "Wukong", NewAliases: []string{"Monkey King"}, ChapterIdx: 1,
			})).To(Succeed())
			Expect(store.ApplyCharacterDelta(ctx, bookID, worldstate.CharacterDelta{
				Name: "Wukong", NewAliases: []string{"Great Sage", "monkey king"}, ChapterIdx: 2,
			})).To(Succeed())

			states, _, err := store.CharacterStates(ctx, bookID, []string{"Wukong"})
			Expect(err).NotTo(HaveOccurred())
			Expect(states[0].Aliases).To(ConsistOf("Monkey King", "Great Sage"))
		})

		It("is idempotent for a repeated delta", func() {
			d := worldstate.CharacterDelta{Name: "Wukong", Status: "captive", ChapterIdx: 7}
			Expect(store.ApplyCharacterDelta(ctx, bookID, d)).To(Succeed())
			Expect(store.ApplyCharacterDelta(ctx, bookID, d)).To(Succeed())

			states, _, err := store.CharacterStates(ctx, bookID, []string{"Wukong"})
			Expect(err).NotTo(HaveOccurred())
			Expect(states).To(HaveLen(1))
			Expect(states[0].Status).To(Equal("captive"))
			Expect(states[0].LastSeen).To(Equal(7))
		})

		It("does not clear fields on an empty delta value", func() {
			Expect(store.ApplyCharacterDelta(ctx, bookID, worldstate.CharacterDelta{
				Name: "Wukong", Status: "alive", Location: "mountain", ChapterIdx: 1,
			})).To(Succeed())
			Expect(store.ApplyCharacterDelta(ctx, bookID, worldstate.CharacterDelta{
				Name: "Wukong", Location: "heaven", ChapterIdx: 2,
			})).To(Succeed())

			states, _, err := store.CharacterStates(ctx, bookID, []string{"Wukong"})
			Expect(err).NotTo(HaveOccurred())
			Expect(states[0].Status).To(Equal("alive"))
			Expect(states[0].Location).To(Equal("heaven"))
		})

		It("refuses an ambiguous name", func() {
			Expect(store.ApplyCharacterDelta(ctx, bookID, worldstate.CharacterDelta{
				Name: "Wukong", NewAliases: []string{"the sage"}, ChapterIdx: 1,
			})).To(Succeed())
			Expect(store.ApplyCharacterDelta(ctx, bookID, worldstate.CharacterDelta{
				Name: "Laozi", NewAliases: []string{"The Sage"}, ChapterIdx: 1,
			})).To(Succeed())

			err := store.ApplyCharacterDelta(ctx, bookID, worldstate.CharacterDelta{
				Name: "the sage", Status: "missing", ChapterIdx: 2,
			})
			Expect(err).To(BeAssignableToTypeOf(worldstate.AmbiguousNameError{}))

			// Neither character was modified.
			states, amb, err := store.CharacterStates(ctx, bookID, []string{"the sage"})
			Expect(err).NotTo(HaveOccurred())
			Expect(states).To(BeEmpty())
			Expect(amb).To(HaveLen(1))
			Expect(amb[0].Candidates).To(ConsistOf("Wukong", "Laozi"))
		})
	})

	Describe("ApplyItemDelta", func() {
		It("tracks ownership changes across chapters", func() {
			Expect(store.ApplyItemDelta(ctx, bookID, worldstate.ItemDelta{
				Name: "Golden Staff", Owner: "Dragon King", ChapterIdx: 2,
			})).To(Succeed())
			Expect(store.ApplyItemDelta(ctx, bookID, worldstate.ItemDelta{
				Name: "golden staff", Owner: "Wukong", Status: "transferred", ChapterIdx: 3,
			})).To(Succeed())

			states, _, err := store.ItemStates(ctx, bookID, []string{"Golden Staff"})
			Expect(err).NotTo(HaveOccurred())
			Expect(states).To(HaveLen(1))
			Expect(states[0].Owner).To(Equal("Wukong"))
			Expect(states[0].Status).To(Equal("transferred"))
			Expect(states[0].LastSeen).To(Equal(3))
		})
	})

	Describe("RecentEvents", func() {
		BeforeEach(func() {
			for i := 1; i <= 6; i++ {
				Expect(store.AppendEvent(ctx, bookID, worldstate.EventInput{
					ChapterIdx: i, Summary: "event",
				})).To(Succeed())
			}
		})

		It("returns the window tail before the chapter bound", func() {
			events, err := store.RecentEvents(ctx, bookID, 4, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(2))
			Expect(events[0].ChapterIdx).To(Equal(3))
			Expect(events[1].ChapterIdx).To(Equal(4))
		})

		It("returns everything when the window exceeds the timeline", func() {
			events, err := store.RecentEvents(ctx, bookID, 3, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(3))
		})
	})

	Describe("Snapshot", func() {
		It("produces the same hash for the same world regardless of write order", func() {
			Expect(store.ApplyCharacterDelta(ctx, bookID, worldstate.CharacterDelta{
				Name: "Wukong", NewAliases: []string{"b", "a"}, ChapterIdx: 1,
			})).To(Succeed())
			Expect(store.ApplyCharacterDelta(ctx, bookID, worldstate.CharacterDelta{
				Name: "Laozi", ChapterIdx: 1,
			})).To(Succeed())

			snap1, err := store.Snapshot(ctx, bookID)
			Expect(err).NotTo(HaveOccurred())
			_, hash1, err := snap1.Encode()
			Expect(err).NotTo(HaveOccurred())

			snap2, err := store.Snapshot(ctx, bookID)
			Expect(err).NotTo(HaveOccurred())
			_, hash2, err := snap2.Encode()
			Expect(err).NotTo(HaveOccurred())

			Expect(hash1).To(Equal(hash2))
			Expect(hash1).To(HaveLen(64))
		})

		It("round-trips through encode, decode, and restore", func() {
			Expect(store.ApplyCharacterDelta(ctx, bookID, worldstate.CharacterDelta{
				Name: "Wukong", Status: "alive", ChapterIdx: 1,
			})).To(Succeed())
			Expect(store.AppendEvent(ctx, bookID, worldstate.EventInput{
				ChapterIdx: 1, Summary: "birth", EventType: "origin", Impact: 5,
			})).To(Succeed())
			Expect(store.UpsertFact(ctx, bookID, worldstate.FactInput{
				Category: "origin", Key: "Wukong", Value: "stone-born", SourceIdx: 1,
			})).To(Succeed())

			snap, err := store.Snapshot(ctx, bookID)
			Expect(err).NotTo(HaveOccurred())
			data, hash, err := snap.Encode()
			Expect(err).NotTo(HaveOccurred())

			// Mutate the world past the snapshot.
			Expect(store.ApplyCharacterDelta(ctx, bookID, worldstate.CharacterDelta{
				Name: "Wukong", Status: "captive", ChapterIdx: 9,
			})).To(Succeed())
			Expect(store.AppendEvent(ctx, bookID, worldstate.EventInput{
				ChapterIdx: 9, Summary: "capture",
			})).To(Succeed())

			decoded, err := worldstate.DecodeSnapshot(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Restore(ctx, decoded)).To(Succeed())

			restored, err := store.Snapshot(ctx, bookID)
			Expect(err).NotTo(HaveOccurred())
			_, restoredHash, err := restored.Encode()
			Expect(err).NotTo(HaveOccurred())
			Expect(restoredHash).To(Equal(hash))

			states, _, err := store.CharacterStates(ctx, bookID, []string{"Wukong"})
			Expect(err).NotTo(HaveOccurred())
			Expect(states[0].Status).To(Equal("alive"))
		})
	})

	Describe("UpsertFact", func() {
		It("overwrites the value for a repeated category and key", func() {
			f := worldstate.FactInput{Category: "origin", Key: "Wukong", Value: "stone-born", SourceIdx: 1}
			Expect(store.UpsertFact(ctx, bookID, f)).To(Succeed())

			f.Value = "hatched from stone egg"
			Expect(store.UpsertFact(ctx, bookID, f)).To(Succeed())

			facts, err := driver.ListFacts(ctx, bookID)
			Expect(err).NotTo(HaveOccurred())
			Expect(facts).To(HaveLen(1))
			Expect(facts[0].Value).To(Equal("hatched from stone egg"))
		})
	})
})
