package worldstate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/inkfold/retell/pkg/storage"
)

// Snapshot is a point-in-time copy of a book's entire world state, serialized
// for checkpointing. Collections are sorted and row-assigned fields (IDs,
// timestamps) are zeroed so the same world always serializes to the same
// bytes regardless of how it was reached.
type Snapshot struct {
	BookID     string                   `json:"book_id"`
	Characters []storage.CharacterState `json:"characters"`
	Items      []storage.ItemState      `json:"items"`
	Events     []storage.PlotEvent      `json:"events"`
	Facts      []storage.WorldFact      `json:"facts"`
}

// Snapshot captures the current world state of a book.
func (s *Store) Snapshot(ctx context.Context, bookID string) (*Snapshot, error) {
	chars, err := s.driver.ListCharacters(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("listing characters: %w", err)
	}

	items, err := s.driver.ListItems(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}

	events, err := s.driver.ListEvents(ctx, bookID, 0)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}

	facts, err := s.driver.ListFacts(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("listing facts: %w", err)
	}

	snap := &Snapshot{BookID: bookID}

	for _, cs := range chars {
		c := *cs
		c.ID = 0
		c.Abilities = sortedCopy(c.Abilities)
		c.Aliases = sortedCopy(c.Aliases)
		snap.Characters = append(snap.Characters, c)
	}
	sort.Slice(snap.Characters, func(i, j int) bool {
		return snap.Characters[i].Name < snap.Characters[j].Name
	})

	for _, is := range items {
		it := *is
		it.ID = 0
		it.Aliases = sortedCopy(it.Aliases)
		snap.Items = append(snap.Items, it)
	}
	sort.Slice(snap.Items, func(i, j int) bool {
		return snap.Items[i].Name < snap.Items[j].Name
	})

	// Events keep driver order (chapter, insertion) but lose row identity.
	for _, ev := range events {
		e := *ev
		e.ID = 0
		e.CreatedAt = time.Time{}
		snap.Events = append(snap.Events, e)
	}

	for _, f := range facts {
		ff := *f
		ff.ID = 0
		snap.Facts = append(snap.Facts, ff)
	}
	sort.Slice(snap.Facts, func(i, j int) bool {
		if snap.Facts[i].Category != snap.Facts[j].Category {
			return snap.Facts[i].Category < snap.Facts[j].Category
		}
		return snap.Facts[i].Key < snap.Facts[j].Key
	})

	return snap, nil
}

// Encode serializes the snapshot and returns the JSON together with its
// sha256 digest.
func (snap *Snapshot) Encode() (string, string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", "", fmt.Errorf("encoding snapshot: %w", err)
	}

	sum := sha256.Sum256(data)
	return string(data), hex.EncodeToString(sum[:]), nil
}

// DecodeSnapshot parses a serialized snapshot.
func DecodeSnapshot(data string) (*Snapshot, error) {
	snap := &Snapshot{}
	if err := json.Unmarshal([]byte(data), snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snap, nil
}

// Restore replaces the book's world state with the snapshot's collections in
// one transaction.
func (s *Store) Restore(ctx context.Context, snap *Snapshot) error {
	return s.driver.ReplaceWorldState(ctx, snap.BookID, &storage.WorldState{
		Characters: snap.Characters,
		Items:      snap.Items,
		Events:     snap.Events,
		Facts:      snap.Facts,
	})
}

func sortedCopy(ss []string) []string {
	if len(ss) == 0 {
		return nil
	}
	out := make([]string, len(ss))
	copy(out, ss)
	sort.Strings(out)
	return out
}
