// Package storage
package storage

import (
	"context"

	"github.com/inkfold/retell/pkg/book"
)

// Driver defines the interface for persisting every collection the
// re-narration pipeline touches: books and chapters, per-book world state
// (characters, items, plot events, facts), narration versions, checkpoints,
// and the generation cache. Implementations must make ReplaceWorldState and
// TruncateEventsBeyond transactional.
type Driver interface {
	// PutBook stores a book. Returns true if the book was newly inserted,
	// false if a book with the same content hash already exists.
	PutBook(ctx context.Context, b *book.Book) (bool, error)

	// GetBook retrieves a book by its ID.
	GetBook(ctx context.Context, id string) (*book.Book, error)

	// GetBookByHash retrieves a book by its content hash.
	GetBookByHash(ctx context.Context, hash string) (*book.Book, error)

	// ListBooks returns all stored books.
	ListBooks(ctx context.Context) ([]*book.Book, error)

	// PutChapters stores a book's chapters. Chapters are immutable:
	// a chapter that already exists at the same (book, index) with the
	// same content hash is skipped.
	PutChapters(ctx context.Context, chapters []*book.Chapter) error

	// GetChapter retrieves a chapter by book ID and 1-based index.
	GetChapter(ctx context.Context, bookID string, idx int) (*book.Chapter, error)

	// ListChapters returns a book's chapters ordered by index.
	ListChapters(ctx context.Context, bookID string) ([]*book.Chapter, error)

	// ChapterCount returns the number of chapters stored for a book.
	ChapterCount(ctx context.Context, bookID string) (int, error)

	// UpsertCharacter inserts or updates a character state keyed by
	// (book, canonical name).
	UpsertCharacter(ctx context.Context, cs *CharacterState) error

	// ListCharacters returns all character states for a book, ordered by name.
	ListCharacters(ctx context.Context, bookID string) ([]*CharacterState, error)

	// UpsertItem inserts or updates an item state keyed by (book, name).
	UpsertItem(ctx context.Context, is *ItemState) error

	// ListItems returns all item states for a book, ordered by name.
	ListItems(ctx context.Context, bookID string) ([]*ItemState, error)

	// AppendEvent appends a plot event to the book's timeline.
	AppendEvent(ctx context.Context, ev *PlotEvent) error

	// ListEvents returns a book's events with chapter index at most
	// uptoChapter, in timeline order. uptoChapter <= 0 means no bound.
	ListEvents(ctx context.Context, bookID string, uptoChapter int) ([]*PlotEvent, error)

	// TruncateEventsBeyond removes all events with chapter index greater
	// than chapterIdx, in a single transaction.
	TruncateEventsBeyond(ctx context.Context, bookID string, chapterIdx int) error

	// UpsertFact inserts or overwrites a world fact keyed by
	// (book, category, key). The category of an existing fact never changes.
	UpsertFact(ctx context.Context, f *WorldFact) error

	// ListFacts returns all facts for a book ordered by category then key.
	ListFacts(ctx context.Context, bookID string) ([]*WorldFact, error)

	// InsertNarration appends a narration version and returns its ID.
	// Inserting a record whose identity (chapter, prompt version, model,
	// input hash) already exists returns the existing record's ID.
	InsertNarration(ctx context.Context, nr *NarrationRecord) (int64, error)

	// GetNarrationByIdentity retrieves a narration by its full identity.
	GetNarrationByIdentity(ctx context.Context, chapterID, promptVersion, model, inputHash string) (*NarrationRecord, error)

	// LatestNarration returns the newest narration for a chapter
	// (the record with the highest ID).
	LatestNarration(ctx context.Context, bookID string, chapterIdx int) (*NarrationRecord, error)

	// ListLatestNarrations returns the newest narration per chapter for a
	// book, ordered by chapter index.
	ListLatestNarrations(ctx context.Context, bookID string) ([]*NarrationRecord, error)

	// ListNarrationsUpTo returns the newest narration per chapter with
	// chapter index at most uptoChapter, ordered by chapter index.
	// uptoChapter <= 0 means no bound. Serves bounded exports of the book
	// as of a chapter.
	ListNarrationsUpTo(ctx context.Context, bookID string, uptoChapter int) ([]*NarrationRecord, error)

	// PutFragments stores memory fragments. Re-inserting an existing
	// fragment ID overwrites it.
	PutFragments(ctx context.Context, frags []*MemoryFragment) error

	// GetFragmentsByIDs retrieves fragments by ID, skipping unknown IDs.
	GetFragmentsByIDs(ctx context.Context, ids []string) ([]*MemoryFragment, error)

	// MarkFragmentsSuperseded flags every live fragment of the given
	// source type at (book, chapter) as superseded, and returns their IDs
	// so callers can supersede the matching index entries.
	MarkFragmentsSuperseded(ctx context.Context, bookID string, chapterIdx int, sourceType string) ([]string, error)

	// ListLiveFragments returns a book's non-superseded fragments ordered
	// by chapter index. Used to rebuild retrieval indexes.
	ListLiveFragments(ctx context.Context, bookID string) ([]*MemoryFragment, error)

	// UpsertCheckpoint inserts or overwrites the checkpoint at
	// (book, chapter, step size).
	UpsertCheckpoint(ctx context.Context, cp *Checkpoint) error

	// LatestCheckpointAtOrBefore returns the checkpoint with the highest
	// chapter index not exceeding chapterIdx, regardless of step size.
	LatestCheckpointAtOrBefore(ctx context.Context, bookID string, chapterIdx int) (*Checkpoint, error)

	// GetCacheEntry retrieves a generation-cache row by key.
	GetCacheEntry(ctx context.Context, key CacheKey) (*CacheEntry, error)

	// PutCacheEntry stores a generation-cache row. Writing an existing key
	// keeps the first stored output.
	PutCacheEntry(ctx context.Context, entry *CacheEntry) error

	// ReplaceWorldState atomically replaces every world-state collection of
	// a book with the given state. Either all collections are replaced or
	// none are.
	ReplaceWorldState(ctx context.Context, bookID string, ws *WorldState) error

	// Close closes the store and releases any resources.
	Close() error
}
