// Package ingest turns a novel file into an immutable book with ordered,
// content-hashed chapters.
package ingest

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/book"
	"github.com/inkfold/retell/pkg/storage"
)

// Source yields a book's chapters in order. The pipeline reads chapters
// through this interface so processing does not care where text came from.
type Source interface {
	Book(ctx context.Context) (*book.Book, error)
	Chapters(ctx context.Context) ([]*book.Chapter, error)
}

// Stats summarizes one ingest run.
type Stats struct {
	BookID   string
	BookHash string
	Chapters int

	// Existed is true when a book with the same content hash was already
	// stored; the ingest was then a no-op.
	Existed bool
}

// Service parses and persists books.
type Service struct {
	store  storage.Driver
	log    *zap.Logger
	filter *regexp.Regexp
}

// NewService creates an ingest service. pattern overrides the default
// chapter-heading pattern; empty means the default.
func NewService(store storage.Driver, pattern string, log *zap.Logger) (*Service, error) {
	if pattern == "" {
		pattern = DefaultChapterPattern
	}
	filter, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling chapter pattern: %w", err)
	}

	return &Service{store: store, log: log, filter: filter}, nil
}

// IngestFile reads, normalizes, splits, and persists one novel file.
// Re-ingesting a file with identical normalized content is a no-op; the
// stored book and chapters are untouched.
func (s *Service) IngestFile(ctx context.Context, path, title string) (*Stats, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading novel file: %w", err)
	}

	return s.IngestText(ctx, string(raw), title)
}

// IngestText ingests already-loaded text under the given title.
func (s *Service) IngestText(ctx context.Context, text, title string) (*Stats, error) {
	normalized := NormalizeText(text)
	if normalized == "" {
		return nil, fmt.Errorf("ingesting book %q: empty text", title)
	}

	bookHash := book.BookHash(normalized)

	if existing, err := s.store.GetBookByHash(ctx, bookHash); err == nil {
		s.log.Info("book already ingested",
			zap.String("book_id", existing.ID),
			zap.String("content_hash", bookHash))
		count, err := s.store.ChapterCount(ctx, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("counting chapters: %w", err)
		}
		return &Stats{BookID: existing.ID, BookHash: bookHash, Chapters: count, Existed: true}, nil
	}

	raws := ParseChapters(normalized, s.filter)
	if len(raws) == 0 {
		return nil, fmt.Errorf("ingesting book %q: no chapters parsed", title)
	}

	b := &book.Book{
		ID:          bookHash[:12],
		Title:       title,
		ContentHash: bookHash,
	}
	if _, err := s.store.PutBook(ctx, b); err != nil {
		return nil, fmt.Errorf("storing book: %w", err)
	}

	chapters := make([]*book.Chapter, len(raws))
	for i, rc := range raws {
		chapters[i] = &book.Chapter{
			ID:          fmt.Sprintf("%s-%04d", b.ID, rc.Index),
			BookID:      b.ID,
			Index:       rc.Index,
			Title:       rc.Title,
			Text:        rc.Text,
			ContentHash: book.ChapterHash(bookHash, rc.Title, rc.Text),
		}
	}
	if err := s.store.PutChapters(ctx, chapters); err != nil {
		return nil, fmt.Errorf("storing chapters: %w", err)
	}

	s.log.Info("book ingested",
		zap.String("book_id", b.ID),
		zap.String("title", title),
		zap.Int("chapters", len(chapters)))

	return &Stats{BookID: b.ID, BookHash: bookHash, Chapters: len(chapters)}, nil
}

// StoredSource reads a previously ingested book back out of storage.
type StoredSource struct {
	store  storage.Driver
	bookID string
}

// NewStoredSource creates a source over a stored book.
func NewStoredSource(store storage.Driver, bookID string) *StoredSource {
	return &StoredSource{store: store, bookID: bookID}
}

func (s *StoredSource) Book(ctx context.Context) (*book.Book, error) {
	return s.store.GetBook(ctx, s.bookID)
}

func (s *StoredSource) Chapters(ctx context.Context) ([]*book.Chapter, error) {
	return s.store.ListChapters(ctx, s.bookID)
}
