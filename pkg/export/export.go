// Package export builds read models of a processed book: narration
// lookups, world-state snapshots, the event timeline, and the Markdown
// renderings of the rewritten book and its world report.
package export

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/book"
	"github.com/inkfold/retell/pkg/storage"
)

// Service answers export queries over the storage driver. All methods are
// read-only.
type Service struct {
	store storage.Driver
	log   *zap.Logger
}

func NewService(store storage.Driver, log *zap.Logger) *Service {
	return &Service{store: store, log: log}
}

// LatestNarration returns the newest narration for one chapter.
func (s *Service) LatestNarration(ctx context.Context, bookID string, chapterIdx int) (*storage.NarrationRecord, error) {
	nr, err := s.store.LatestNarration(ctx, bookID, chapterIdx)
	if err != nil {
		return nil, fmt.Errorf("loading narration for chapter %d: %w", chapterIdx, err)
	}
	return nr, nil
}

// CharacterStatesSnapshot returns every character state of a book, ordered
// by canonical name.
func (s *Service) CharacterStatesSnapshot(ctx context.Context, bookID string) ([]*storage.CharacterState, error) {
	chars, err := s.store.ListCharacters(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("listing characters: %w", err)
	}
	return chars, nil
}

// ItemStatesSnapshot returns every item state of a book, ordered by name.
func (s *Service) ItemStatesSnapshot(ctx context.Context, bookID string) ([]*storage.ItemState, error) {
	items, err := s.store.ListItems(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	return items, nil
}

// EventTimeline returns a book's plot events in timeline order.
// uptoChapter <= 0 means the whole timeline.
func (s *Service) EventTimeline(ctx context.Context, bookID string, uptoChapter int) ([]*storage.PlotEvent, error) {
	events, err := s.store.ListEvents(ctx, bookID, uptoChapter)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	return events, nil
}

// Snapshot bundles everything known about a processed book.
type Snapshot struct {
	Book       *book.Book
	Chapters   int
	Narrated   int
	Characters []*storage.CharacterState
	Items      []*storage.ItemState
	Events     []*storage.PlotEvent
	Facts      []*storage.WorldFact
	Narrations []*storage.NarrationRecord
}

// FinalSnapshot assembles the full read model of a book: its metadata, the
// latest narration per chapter, and every world-state collection.
func (s *Service) FinalSnapshot(ctx context.Context, bookID string) (*Snapshot, error) {
	b, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("loading book: %w", err)
	}

	count, err := s.store.ChapterCount(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("counting chapters: %w", err)
	}

	narrations, err := s.store.ListLatestNarrations(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("listing narrations: %w", err)
	}

	characters, err := s.store.ListCharacters(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("listing characters: %w", err)
	}

	items, err := s.store.ListItems(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}

	events, err := s.store.ListEvents(ctx, bookID, 0)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}

	facts, err := s.store.ListFacts(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("listing facts: %w", err)
	}

	return &Snapshot{
		Book:       b,
		Chapters:   count,
		Narrated:   len(narrations),
		Characters: characters,
		Items:      items,
		Events:     events,
		Facts:      facts,
		Narrations: narrations,
	}, nil
}
