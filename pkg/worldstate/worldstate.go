// Package worldstate maintains the evolving story world of a book: character
// and item trajectories, the plot-event timeline, and durable facts. It sits
// on top of the storage driver and owns name normalization, delta
// application, and snapshot serialization.
package worldstate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/storage"
)

// CharacterDelta describes a change to one character observed in a chapter.
// Empty fields leave the stored value unchanged; NewAbilities and
// Relationships merge into what is already recorded.
type CharacterDelta struct {
	Name          string
	Status        string
	Location      string
	NewAbilities  []string
	Relationships map[string]string
	Motivation    string
	NewAliases    []string
	ChapterIdx    int
}

// ItemDelta describes a change to one item observed in a chapter.
// Empty string fields leave the stored value unchanged.
type ItemDelta struct {
	Name        string
	Owner       string
	Status      string
	Description string
	NewAliases  []string
	ChapterIdx  int
}

// EventInput is a new plot event to append to the timeline.
type EventInput struct {
	ChapterIdx         int
	Summary            string
	InvolvedCharacters []string
	EventType          string
	Impact             int
}

// FactInput is a durable world fact keyed by (category, key). Re-recording
// the same key overwrites the value.
type FactInput struct {
	Category  string
	Key       string
	Value     string
	SourceIdx int
}

// Store is the world-state adapter over a storage driver.
type Store struct {
	driver storage.Driver
	log    *zap.Logger
}

func NewStore(driver storage.Driver, log *zap.Logger) *Store {
	return &Store{driver: driver, log: log}
}

// characterIndex builds the folded-name index over a book's characters.
func (s *Store) characterIndex(ctx context.Context, bookID string) (*nameIndex, map[string]*storage.CharacterState, error) {
	chars, err := s.driver.ListCharacters(ctx, bookID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing characters: %w", err)
	}

	idx := newNameIndex()
	byName := make(map[string]*storage.CharacterState, len(chars))
	for _, cs := range chars {
		idx.add(cs.Name, cs.Aliases)
		byName[cs.Name] = cs
	}

	return idx, byName, nil
}

func (s *Store) itemIndex(ctx context.Context, bookID string) (*nameIndex, map[string]*storage.ItemState, error) {
	items, err := s.driver.ListItems(ctx, bookID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing items: %w", err)
	}

	idx := newNameIndex()
	byName := make(map[string]*storage.ItemState, len(items))
	for _, is := range items {
		idx.add(is.Name, is.Aliases)
		byName[is.Name] = is
	}

	return idx, byName, nil
}

// CharacterStates returns the stored states for the requested names, resolved
// through the alias index. Unknown names are skipped (they are new
// characters); ambiguous names are returned separately and never guessed.
func (s *Store) CharacterStates(ctx context.Context, bookID string, names []string) ([]*storage.CharacterState, []AmbiguousNameError, error) {
	idx, byName, err := s.characterIndex(ctx, bookID)
	if err != nil {
		return nil, nil, err
	}

	var (
		states    []*storage.CharacterState
		ambiguous []AmbiguousNameError
		seen      = make(map[string]bool)
	)
	for _, name := range names {
		canonical, err := idx.resolve(name)
		if err != nil {
			var amb AmbiguousNameError
			if errors.As(err, &amb) {
				s.log.Warn("ambiguous character name",
					zap.String("name", name),
					zap.Strings("candidates", amb.Candidates))
				ambiguous = append(ambiguous, amb)
				continue
			}
			return nil, nil, err
		}
		if canonical == "" || seen[canonical] {
			continue
		}
		seen[canonical] = true
		states = append(states, byName[canonical])
	}

	return states, ambiguous, nil
}

// ItemStates is CharacterStates for items.
func (s *Store) ItemStates(ctx context.Context, bookID string, names []string) ([]*storage.ItemState, []AmbiguousNameError, error) {
	idx, byName, err := s.itemIndex(ctx, bookID)
	if err != nil {
		return nil, nil, err
	}

	var (
		states    []*storage.ItemState
		ambiguous []AmbiguousNameError
		seen      = make(map[string]bool)
	)
	for _, name := range names {
		canonical, err := idx.resolve(name)
		if err != nil {
			var amb AmbiguousNameError
			if errors.As(err, &amb) {
				s.log.Warn("ambiguous item name",
					zap.String("name", name),
					zap.Strings("candidates", amb.Candidates))
				ambiguous = append(ambiguous, amb)
				continue
			}
			return nil, nil, err
		}
		if canonical == "" || seen[canonical] {
			continue
		}
		seen[canonical] = true
		states = append(states, byName[canonical])
	}

	return states, ambiguous, nil
}

// RecentEvents returns the last window events at or before uptoChapter,
// oldest first.
func (s *Store) RecentEvents(ctx context.Context, bookID string, uptoChapter, window int) ([]*storage.PlotEvent, error) {
	events, err := s.driver.ListEvents(ctx, bookID, uptoChapter)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}

	if window > 0 && len(events) > window {
		events = events[len(events)-window:]
	}

	return events, nil
}

// ApplyCharacterDelta merges a delta into the character it resolves to, or
// creates a new character when the name is unknown. Re-applying the same
// delta is a no-op. An ambiguous name returns AmbiguousNameError unapplied.
func (s *Store) ApplyCharacterDelta(ctx context.Context, bookID string, d CharacterDelta) error {
	idx, byName, err := s.characterIndex(ctx, bookID)
	if err != nil {
		return err
	}

	canonical, err := idx.resolve(d.Name)
	if err != nil {
		return err
	}

	if canonical == "" {
		cs := &storage.CharacterState{
			BookID:        bookID,
			Name:          d.Name,
			Status:        d.Status,
			Location:      d.Location,
			Abilities:     mergeAliases(nil, d.NewAbilities),
			Relationships: mergeRelationships(nil, d.Relationships),
			Motivation:    d.Motivation,
			Aliases:       mergeAliases(nil, d.NewAliases),
			FirstSeen:     d.ChapterIdx,
			LastSeen:      d.ChapterIdx,
		}
		if cs.Status == "" {
			cs.Status = storage.CharacterActive
		}
		return s.driver.UpsertCharacter(ctx, cs)
	}

	cs := byName[canonical]
	if d.Status != "" {
		cs.Status = d.Status
	}
	if d.Location != "" {
		cs.Location = d.Location
	}
	if d.Motivation != "" {
		cs.Motivation = d.Motivation
	}
	cs.Abilities = mergeAliases(cs.Abilities, d.NewAbilities)
	cs.Relationships = mergeRelationships(cs.Relationships, d.Relationships)
	cs.Aliases = mergeAliases(cs.Aliases, d.NewAliases)
	if d.Name != canonical {
		cs.Aliases = mergeAliases(cs.Aliases, []string{d.Name})
	}
	if d.ChapterIdx > cs.LastSeen {
		cs.LastSeen = d.ChapterIdx
	}

	return s.driver.UpsertCharacter(ctx, cs)
}

// ApplyItemDelta is ApplyCharacterDelta for items.
func (s *Store) ApplyItemDelta(ctx context.Context, bookID string, d ItemDelta) error {
	idx, byName, err := s.itemIndex(ctx, bookID)
	if err != nil {
		return err
	}

	canonical, err := idx.resolve(d.Name)
	if err != nil {
		return err
	}

	if canonical == "" {
		is := &storage.ItemState{
			BookID:      bookID,
			Name:        d.Name,
			Owner:       d.Owner,
			Status:      d.Status,
			Description: d.Description,
			Aliases:     mergeAliases(nil, d.NewAliases),
			LastSeen:    d.ChapterIdx,
		}
		if is.Status == "" {
			is.Status = storage.ItemActive
		}
		return s.driver.UpsertItem(ctx, is)
	}

	is := byName[canonical]
	if d.Owner != "" {
		is.Owner = d.Owner
	}
	if d.Status != "" {
		is.Status = d.Status
	}
	if d.Description != "" {
		is.Description = d.Description
	}
	is.Aliases = mergeAliases(is.Aliases, d.NewAliases)
	if d.Name != canonical {
		is.Aliases = mergeAliases(is.Aliases, []string{d.Name})
	}
	if d.ChapterIdx > is.LastSeen {
		is.LastSeen = d.ChapterIdx
	}

	return s.driver.UpsertItem(ctx, is)
}

// AppendEvent appends a plot event to the book's timeline.
func (s *Store) AppendEvent(ctx context.Context, bookID string, in EventInput) error {
	return s.driver.AppendEvent(ctx, &storage.PlotEvent{
		BookID:             bookID,
		ChapterIdx:         in.ChapterIdx,
		Summary:            in.Summary,
		InvolvedCharacters: in.InvolvedCharacters,
		EventType:          in.EventType,
		Impact:             in.Impact,
	})
}

// UpsertFact records a durable fact; re-recording the same (category, key)
// overwrites the stored value.
func (s *Store) UpsertFact(ctx context.Context, bookID string, in FactInput) error {
	return s.driver.UpsertFact(ctx, &storage.WorldFact{
		BookID:    bookID,
		Category:  in.Category,
		Key:       in.Key,
		Value:     in.Value,
		SourceIdx: in.SourceIdx,
	})
}
