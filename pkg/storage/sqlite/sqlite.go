// Package sqlite provides a SQLite-backed storage driver using database/sql.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/inkfold/retell/pkg/book"
	"github.com/inkfold/retell/pkg/storage"
)

// SQLiteDriver implements storage.Driver on a single SQLite database file.
// The relational collections, the FTS5 lexical index, and the sqlite-vec
// index all share the same file; this driver owns the relational schema.
type SQLiteDriver struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS books (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		content_hash TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chapters (
		id TEXT PRIMARY KEY,
		book_id TEXT NOT NULL REFERENCES books(id),
		idx INTEGER NOT NULL,
		title TEXT NOT NULL,
		text TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		UNIQUE(book_id, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS character_states (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		book_id TEXT NOT NULL REFERENCES books(id),
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		abilities TEXT NOT NULL DEFAULT '[]',
		relationships TEXT NOT NULL DEFAULT '{}',
		motivation TEXT NOT NULL DEFAULT '',
		aliases TEXT NOT NULL DEFAULT '[]',
		first_seen INTEGER NOT NULL DEFAULT 0,
		last_seen INTEGER NOT NULL DEFAULT 0,
		UNIQUE(book_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS item_states (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		book_id TEXT NOT NULL REFERENCES books(id),
		name TEXT NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		aliases TEXT NOT NULL DEFAULT '[]',
		last_seen INTEGER NOT NULL DEFAULT 0,
		UNIQUE(book_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS plot_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		book_id TEXT NOT NULL REFERENCES books(id),
		chapter_idx INTEGER NOT NULL,
		summary TEXT NOT NULL,
		characters TEXT NOT NULL DEFAULT '[]',
		event_type TEXT NOT NULL DEFAULT '',
		impact INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_plot_events_book_chapter
		ON plot_events(book_id, chapter_idx)`,
	`CREATE TABLE IF NOT EXISTS world_facts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		book_id TEXT NOT NULL REFERENCES books(id),
		category TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		source_idx INTEGER NOT NULL DEFAULT 0,
		UNIQUE(book_id, category, key)
	)`,
	`CREATE TABLE IF NOT EXISTS narrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		book_id TEXT NOT NULL REFERENCES books(id),
		chapter_id TEXT NOT NULL REFERENCES chapters(id),
		chapter_idx INTEGER NOT NULL,
		prompt_version TEXT NOT NULL,
		model TEXT NOT NULL,
		input_hash TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(chapter_id, prompt_version, model, input_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_narrations_book_chapter
		ON narrations(book_id, chapter_idx)`,
	`CREATE TABLE IF NOT EXISTS memory_fragments (
		id TEXT PRIMARY KEY,
		book_id TEXT NOT NULL REFERENCES books(id),
		chapter_idx INTEGER NOT NULL,
		source_type TEXT NOT NULL,
		text TEXT NOT NULL,
		superseded INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE INDEX IF NOT EXISTS idx_fragments_book_chapter
		ON memory_fragments(book_id, chapter_idx, source_type, superseded)`,

	`CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		book_id TEXT NOT NULL REFERENCES books(id),
		chapter_idx INTEGER NOT NULL,
		step_size INTEGER NOT NULL,
		snapshot_json TEXT NOT NULL,
		snapshot_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(book_id, chapter_idx, step_size)
	)`,
	`CREATE TABLE IF NOT EXISTS gen_cache (
		kind TEXT NOT NULL,
		model TEXT NOT NULL,
		prompt_version TEXT NOT NULL,
		input_hash TEXT NOT NULL,
		temperature REAL NOT NULL,
		output TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY(kind, model, prompt_version, input_hash, temperature)
	)`,
}

// NewSQLiteDriver creates a new SQLite-backed storer.
// The dbPath can be a file path or ":memory:" for an in-memory database.
func NewSQLiteDriver(dbPath string) (*SQLiteDriver, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	return &SQLiteDriver{db: db}, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("executing %s: %w", pragma, err)
		}
	}

	return nil
}

// DB exposes the underlying handle so the lexical and vector indexes can
// share the same database file.
func (s *SQLiteDriver) DB() *sql.DB {
	return s.db
}

func (s *SQLiteDriver) Close() error {
	return s.db.Close()
}

func (s *SQLiteDriver) PutBook(ctx context.Context, b *book.Book) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO books (id, title, content_hash, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING
	`, b.ID, b.Title, b.ContentHash, now())
	if err != nil {
		return false, fmt.Errorf("inserting book: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting book: %w", err)
	}

	return n > 0, nil
}

func (s *SQLiteDriver) GetBook(ctx context.Context, id string) (*book.Book, error) {
	return s.scanBook(s.db.QueryRowContext(ctx,
		`SELECT id, title, content_hash FROM books WHERE id = ?`, id), id)
}

func (s *SQLiteDriver) GetBookByHash(ctx context.Context, hash string) (*book.Book, error) {
	return s.scanBook(s.db.QueryRowContext(ctx,
		`SELECT id, title, content_hash FROM books WHERE content_hash = ?`, hash), hash)
}

func (s *SQLiteDriver) scanBook(row *sql.Row, key string) (*book.Book, error) {
	b := &book.Book{}
	err := row.Scan(&b.ID, &b.Title, &b.ContentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound{Kind: "book", Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("scanning book: %w", err)
	}
	return b, nil
}

func (s *SQLiteDriver) ListBooks(ctx context.Context) ([]*book.Book, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, content_hash FROM books ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing books: %w", err)
	}
	defer rows.Close()

	var books []*book.Book
	for rows.Next() {
		b := &book.Book{}
		if err := rows.Scan(&b.ID, &b.Title, &b.ContentHash); err != nil {
			return nil, fmt.Errorf("scanning book: %w", err)
		}
		books = append(books, b)
	}

	return books, rows.Err()
}

func (s *SQLiteDriver) PutChapters(ctx context.Context, chapters []*book.Chapter) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chapters (id, book_id, idx, title, text, content_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(book_id, idx) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("preparing chapter insert: %w", err)
	}
	defer stmt.Close()

	for _, ch := range chapters {
		if _, err := stmt.ExecContext(ctx, ch.ID, ch.BookID, ch.Index, ch.Title, ch.Text, ch.ContentHash); err != nil {
			return fmt.Errorf("inserting chapter %d: %w", ch.Index, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteDriver) GetChapter(ctx context.Context, bookID string, idx int) (*book.Chapter, error) {
	ch := &book.Chapter{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, book_id, idx, title, text, content_hash
		FROM chapters WHERE book_id = ? AND idx = ?
	`, bookID, idx).Scan(&ch.ID, &ch.BookID, &ch.Index, &ch.Title, &ch.Text, &ch.ContentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound{Kind: "chapter", Key: fmt.Sprintf("%s/%d", bookID, idx)}
	}
	if err != nil {
		return nil, fmt.Errorf("scanning chapter: %w", err)
	}
	return ch, nil
}

func (s *SQLiteDriver) ListChapters(ctx context.Context, bookID string) ([]*book.Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, idx, title, text, content_hash
		FROM chapters WHERE book_id = ? ORDER BY idx
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("listing chapters: %w", err)
	}
	defer rows.Close()

	var chapters []*book.Chapter
	for rows.Next() {
		ch := &book.Chapter{}
		if err := rows.Scan(&ch.ID, &ch.BookID, &ch.Index, &ch.Title, &ch.Text, &ch.ContentHash); err != nil {
			return nil, fmt.Errorf("scanning chapter: %w", err)
		}
		chapters = append(chapters, ch)
	}

	return chapters, rows.Err()
}

func (s *SQLiteDriver) ChapterCount(ctx context.Context, bookID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chapters WHERE book_id = ?`, bookID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting chapters: %w", err)
	}
	return count, nil
}

func (s *SQLiteDriver) UpsertCharacter(ctx context.Context, cs *storage.CharacterState) error {
	abilities, err := marshalStrings(cs.Abilities)
	if err != nil {
		return fmt.Errorf("encoding abilities: %w", err)
	}
	relationships, err := marshalMap(cs.Relationships)
	if err != nil {
		return fmt.Errorf("encoding relationships: %w", err)
	}
	aliases, err := marshalStrings(cs.Aliases)
	if err != nil {
		return fmt.Errorf("encoding aliases: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO character_states
			(book_id, name, status, location, abilities, relationships, motivation, aliases, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(book_id, name) DO UPDATE SET
			status = excluded.status,
			location = excluded.location,
			abilities = excluded.abilities,
			relationships = excluded.relationships,
			motivation = excluded.motivation,
			aliases = excluded.aliases,
			last_seen = excluded.last_seen
	`, cs.BookID, cs.Name, cs.Status, cs.Location, abilities, relationships, cs.Motivation, aliases, cs.FirstSeen, cs.LastSeen)
	if err != nil {
		return fmt.Errorf("upserting character: %w", err)
	}

	return nil
}

func (s *SQLiteDriver) ListCharacters(ctx context.Context, bookID string) ([]*storage.CharacterState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, name, status, location, abilities, relationships, motivation, aliases, first_seen, last_seen
		FROM character_states WHERE book_id = ? ORDER BY name
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("listing characters: %w", err)
	}
	defer rows.Close()

	var out []*storage.CharacterState
	for rows.Next() {
		cs := &storage.CharacterState{}
		var abilities, relationships, aliases string
		if err := rows.Scan(&cs.ID, &cs.BookID, &cs.Name, &cs.Status, &cs.Location,
			&abilities, &relationships, &cs.Motivation, &aliases, &cs.FirstSeen, &cs.LastSeen); err != nil {
			return nil, fmt.Errorf("scanning character: %w", err)
		}
		if cs.Abilities, err = unmarshalStrings(abilities); err != nil {
			return nil, fmt.Errorf("decoding abilities for %q: %w", cs.Name, err)
		}
		if cs.Relationships, err = unmarshalMap(relationships); err != nil {
			return nil, fmt.Errorf("decoding relationships for %q: %w", cs.Name, err)
		}
		if cs.Aliases, err = unmarshalStrings(aliases); err != nil {
			return nil, fmt.Errorf("decoding aliases for %q: %w", cs.Name, err)
		}
		out = append(out, cs)
	}

	return out, rows.Err()
}

func (s *SQLiteDriver) UpsertItem(ctx context.Context, is *storage.ItemState) error {
	aliases, err := marshalStrings(is.Aliases)
	if err != nil {
		return fmt.Errorf("encoding aliases: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO item_states
			(book_id, name, owner, status, description, aliases, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(book_id, name) DO UPDATE SET
			owner = excluded.owner,
			status = excluded.status,
			description = excluded.description,
			aliases = excluded.aliases,
			last_seen = excluded.last_seen
	`, is.BookID, is.Name, is.Owner, is.Status, is.Description, aliases, is.LastSeen)
	if err != nil {
		return fmt.Errorf("upserting item: %w", err)
	}

	return nil
}

func (s *SQLiteDriver) ListItems(ctx context.Context, bookID string) ([]*storage.ItemState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, name, owner, status, description, aliases, last_seen
		FROM item_states WHERE book_id = ? ORDER BY name
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	defer rows.Close()

	var out []*storage.ItemState
	for rows.Next() {
		is := &storage.ItemState{}
		var aliases string
		if err := rows.Scan(&is.ID, &is.BookID, &is.Name, &is.Owner,
			&is.Status, &is.Description, &aliases, &is.LastSeen); err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		if is.Aliases, err = unmarshalStrings(aliases); err != nil {
			return nil, fmt.Errorf("decoding aliases for %q: %w", is.Name, err)
		}
		out = append(out, is)
	}

	return out, rows.Err()
}

func (s *SQLiteDriver) AppendEvent(ctx context.Context, ev *storage.PlotEvent) error {
	characters, err := marshalStrings(ev.InvolvedCharacters)
	if err != nil {
		return fmt.Errorf("encoding characters: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO plot_events (book_id, chapter_idx, summary, characters, event_type, impact, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.BookID, ev.ChapterIdx, ev.Summary, characters, ev.EventType, ev.Impact, now())
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}

	ev.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}

	return nil
}

func (s *SQLiteDriver) ListEvents(ctx context.Context, bookID string, uptoChapter int) ([]*storage.PlotEvent, error) {
	query := `
		SELECT id, book_id, chapter_idx, summary, characters, event_type, impact, created_at
		FROM plot_events WHERE book_id = ?`
	args := []any{bookID}
	if uptoChapter > 0 {
		query += ` AND chapter_idx <= ?`
		args = append(args, uptoChapter)
	}
	query += ` ORDER BY chapter_idx, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var out []*storage.PlotEvent
	for rows.Next() {
		ev := &storage.PlotEvent{}
		var characters, createdAt string
		if err := rows.Scan(&ev.ID, &ev.BookID, &ev.ChapterIdx, &ev.Summary,
			&characters, &ev.EventType, &ev.Impact, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if ev.InvolvedCharacters, err = unmarshalStrings(characters); err != nil {
			return nil, fmt.Errorf("decoding event characters: %w", err)
		}
		ev.CreatedAt = parseTime(createdAt)
		out = append(out, ev)
	}

	return out, rows.Err()
}

func (s *SQLiteDriver) TruncateEventsBeyond(ctx context.Context, bookID string, chapterIdx int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM plot_events WHERE book_id = ? AND chapter_idx > ?`, bookID, chapterIdx)
	if err != nil {
		return fmt.Errorf("truncating events: %w", err)
	}
	return nil
}

func (s *SQLiteDriver) UpsertFact(ctx context.Context, f *storage.WorldFact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO world_facts (book_id, category, key, value, source_idx)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(book_id, category, key) DO UPDATE SET
			value = excluded.value,
			source_idx = excluded.source_idx
	`, f.BookID, f.Category, f.Key, f.Value, f.SourceIdx)
	if err != nil {
		return fmt.Errorf("upserting fact: %w", err)
	}
	return nil
}

func (s *SQLiteDriver) ListFacts(ctx context.Context, bookID string) ([]*storage.WorldFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, category, key, value, source_idx
		FROM world_facts WHERE book_id = ? ORDER BY category, key
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("listing facts: %w", err)
	}
	defer rows.Close()

	var out []*storage.WorldFact
	for rows.Next() {
		f := &storage.WorldFact{}
		if err := rows.Scan(&f.ID, &f.BookID, &f.Category, &f.Key, &f.Value, &f.SourceIdx); err != nil {
			return nil, fmt.Errorf("scanning fact: %w", err)
		}
		out = append(out, f)
	}

	return out, rows.Err()
}

func (s *SQLiteDriver) InsertNarration(ctx context.Context, nr *storage.NarrationRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO narrations
			(book_id, chapter_id, chapter_idx, prompt_version, model, input_hash, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chapter_id, prompt_version, model, input_hash) DO NOTHING
	`, nr.BookID, nr.ChapterID, nr.ChapterIdx, nr.PromptVersion, nr.Model, nr.InputHash, nr.Content, now())
	if err != nil {
		return 0, fmt.Errorf("inserting narration: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("inserting narration: %w", err)
	}

	if n > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("inserting narration: %w", err)
		}
		return id, nil
	}

	// Identity already present: idempotent replay returns the existing row.
	existing, err := s.GetNarrationByIdentity(ctx, nr.ChapterID, nr.PromptVersion, nr.Model, nr.InputHash)
	if err != nil {
		return 0, err
	}
	return existing.ID, nil
}

const narrationColumns = `id, book_id, chapter_id, chapter_idx, prompt_version, model, input_hash, content, created_at`

func (s *SQLiteDriver) GetNarrationByIdentity(ctx context.Context, chapterID, promptVersion, model, inputHash string) (*storage.NarrationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+narrationColumns+` FROM narrations
		WHERE chapter_id = ? AND prompt_version = ? AND model = ? AND input_hash = ?
	`, chapterID, promptVersion, model, inputHash)

	nr, err := scanNarration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound{Kind: "narration", Key: chapterID}
	}
	return nr, err
}

func (s *SQLiteDriver) LatestNarration(ctx context.Context, bookID string, chapterIdx int) (*storage.NarrationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+narrationColumns+` FROM narrations
		WHERE book_id = ? AND chapter_idx = ?
		ORDER BY id DESC LIMIT 1
	`, bookID, chapterIdx)

	nr, err := scanNarration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound{Kind: "narration", Key: fmt.Sprintf("%s/%d", bookID, chapterIdx)}
	}
	return nr, err
}

func (s *SQLiteDriver) ListLatestNarrations(ctx context.Context, bookID string) ([]*storage.NarrationRecord, error) {
	return s.listLatest(ctx, bookID, 0)
}

func (s *SQLiteDriver) ListNarrationsUpTo(ctx context.Context, bookID string, uptoChapter int) ([]*storage.NarrationRecord, error) {
	return s.listLatest(ctx, bookID, uptoChapter)
}

func (s *SQLiteDriver) listLatest(ctx context.Context, bookID string, uptoChapter int) ([]*storage.NarrationRecord, error) {
	// Latest per chapter is the row with the highest id for that chapter.
	query := `
		SELECT ` + narrationColumns + ` FROM narrations
		WHERE book_id = ? AND id IN (
			SELECT MAX(id) FROM narrations WHERE book_id = ? GROUP BY chapter_idx
		)`
	args := []any{bookID, bookID}
	if uptoChapter > 0 {
		query += ` AND chapter_idx <= ?`
		args = append(args, uptoChapter)
	}
	query += ` ORDER BY chapter_idx`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing narrations: %w", err)
	}
	defer rows.Close()

	var out []*storage.NarrationRecord
	for rows.Next() {
		nr, err := scanNarration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, nr)
	}

	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNarration(row scanner) (*storage.NarrationRecord, error) {
	nr := &storage.NarrationRecord{}
	var createdAt string
	err := row.Scan(&nr.ID, &nr.BookID, &nr.ChapterID, &nr.ChapterIdx,
		&nr.PromptVersion, &nr.Model, &nr.InputHash, &nr.Content, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning narration: %w", err)
	}
	nr.CreatedAt = parseTime(createdAt)
	return nr, nil
}

func (s *SQLiteDriver) PutFragments(ctx context.Context, frags []*storage.MemoryFragment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, f := range frags {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_fragments (id, book_id, chapter_idx, source_type, text, superseded)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				book_id = excluded.book_id,
				chapter_idx = excluded.chapter_idx,
				source_type = excluded.source_type,
				text = excluded.text,
				superseded = excluded.superseded
		`, f.ID, f.BookID, f.ChapterIdx, f.SourceType, f.Text, boolToInt(f.Superseded)); err != nil {
			return fmt.Errorf("storing fragment %q: %w", f.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteDriver) GetFragmentsByIDs(ctx context.Context, ids []string) ([]*storage.MemoryFragment, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, chapter_idx, source_type, text, superseded
		FROM memory_fragments WHERE id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing fragments: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*storage.MemoryFragment)
	for rows.Next() {
		f := &storage.MemoryFragment{}
		var superseded int
		if err := rows.Scan(&f.ID, &f.BookID, &f.ChapterIdx, &f.SourceType, &f.Text, &superseded); err != nil {
			return nil, fmt.Errorf("scanning fragment: %w", err)
		}
		f.Superseded = superseded != 0
		byID[f.ID] = f
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Preserve request order.
	out := make([]*storage.MemoryFragment, 0, len(byID))
	for _, id := range ids {
		if f, ok := byID[id]; ok {
			out = append(out, f)
		}
	}

	return out, nil
}

func (s *SQLiteDriver) MarkFragmentsSuperseded(ctx context.Context, bookID string, chapterIdx int, sourceType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM memory_fragments
		WHERE book_id = ? AND chapter_idx = ? AND source_type = ? AND superseded = 0
	`, bookID, chapterIdx, sourceType)
	if err != nil {
		return nil, fmt.Errorf("listing live fragments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning fragment id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE memory_fragments SET superseded = 1
		WHERE book_id = ? AND chapter_idx = ? AND source_type = ? AND superseded = 0
	`, bookID, chapterIdx, sourceType)
	if err != nil {
		return nil, fmt.Errorf("superseding fragments: %w", err)
	}

	return ids, nil
}

func (s *SQLiteDriver) ListLiveFragments(ctx context.Context, bookID string) ([]*storage.MemoryFragment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, chapter_idx, source_type, text, superseded
		FROM memory_fragments WHERE book_id = ? AND superseded = 0
		ORDER BY chapter_idx, id
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("listing fragments: %w", err)
	}
	defer rows.Close()

	var out []*storage.MemoryFragment
	for rows.Next() {
		f := &storage.MemoryFragment{}
		var superseded int
		if err := rows.Scan(&f.ID, &f.BookID, &f.ChapterIdx, &f.SourceType, &f.Text, &superseded); err != nil {
			return nil, fmt.Errorf("scanning fragment: %w", err)
		}
		f.Superseded = superseded != 0
		out = append(out, f)
	}

	return out, rows.Err()
}

func (s *SQLiteDriver) UpsertCheckpoint(ctx context.Context, cp *storage.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (book_id, chapter_idx, step_size, snapshot_json, snapshot_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(book_id, chapter_idx, step_size) DO UPDATE SET
			snapshot_json = excluded.snapshot_json,
			snapshot_hash = excluded.snapshot_hash,
			created_at = excluded.created_at
	`, cp.BookID, cp.ChapterIdx, cp.StepSize, cp.SnapshotJSON, cp.SnapshotHash, now())
	if err != nil {
		return fmt.Errorf("upserting checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteDriver) LatestCheckpointAtOrBefore(ctx context.Context, bookID string, chapterIdx int) (*storage.Checkpoint, error) {
	cp := &storage.Checkpoint{}
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, book_id, chapter_idx, step_size, snapshot_json, snapshot_hash, created_at
		FROM checkpoints
		WHERE book_id = ? AND chapter_idx <= ?
		ORDER BY chapter_idx DESC, id DESC LIMIT 1
	`, bookID, chapterIdx).Scan(&cp.ID, &cp.BookID, &cp.ChapterIdx, &cp.StepSize,
		&cp.SnapshotJSON, &cp.SnapshotHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound{Kind: "checkpoint", Key: fmt.Sprintf("%s/%d", bookID, chapterIdx)}
	}
	if err != nil {
		return nil, fmt.Errorf("scanning checkpoint: %w", err)
	}
	cp.CreatedAt = parseTime(createdAt)
	return cp, nil
}

func (s *SQLiteDriver) GetCacheEntry(ctx context.Context, key storage.CacheKey) (*storage.CacheEntry, error) {
	entry := &storage.CacheEntry{Key: key}
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT output, created_at FROM gen_cache
		WHERE kind = ? AND model = ? AND prompt_version = ? AND input_hash = ? AND temperature = ?
	`, key.Kind, key.Model, key.PromptVersion, key.InputHash, key.Temperature).Scan(&entry.Output, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound{Kind: "cache entry", Key: key.InputHash}
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cache entry: %w", err)
	}
	entry.CreatedAt = parseTime(createdAt)
	return entry, nil
}

func (s *SQLiteDriver) PutCacheEntry(ctx context.Context, entry *storage.CacheEntry) error {
	k := entry.Key
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gen_cache (kind, model, prompt_version, input_hash, temperature, output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, model, prompt_version, input_hash, temperature) DO NOTHING
	`, k.Kind, k.Model, k.PromptVersion, k.InputHash, k.Temperature, entry.Output, now())
	if err != nil {
		return fmt.Errorf("inserting cache entry: %w", err)
	}
	return nil
}

func (s *SQLiteDriver) ReplaceWorldState(ctx context.Context, bookID string, ws *storage.WorldState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"character_states", "item_states", "plot_events", "world_facts"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE book_id = ?`, bookID); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	for _, cs := range ws.Characters {
		abilities, err := marshalStrings(cs.Abilities)
		if err != nil {
			return fmt.Errorf("encoding abilities: %w", err)
		}
		relationships, err := marshalMap(cs.Relationships)
		if err != nil {
			return fmt.Errorf("encoding relationships: %w", err)
		}
		aliases, err := marshalStrings(cs.Aliases)
		if err != nil {
			return fmt.Errorf("encoding aliases: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO character_states
				(book_id, name, status, location, abilities, relationships, motivation, aliases, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, bookID, cs.Name, cs.Status, cs.Location, abilities, relationships, cs.Motivation, aliases, cs.FirstSeen, cs.LastSeen); err != nil {
			return fmt.Errorf("restoring character %q: %w", cs.Name, err)
		}
	}

	for _, is := range ws.Items {
		aliases, err := marshalStrings(is.Aliases)
		if err != nil {
			return fmt.Errorf("encoding aliases: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO item_states
				(book_id, name, owner, status, description, aliases, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, bookID, is.Name, is.Owner, is.Status, is.Description, aliases, is.LastSeen); err != nil {
			return fmt.Errorf("restoring item %q: %w", is.Name, err)
		}
	}

	for _, ev := range ws.Events {
		characters, err := marshalStrings(ev.InvolvedCharacters)
		if err != nil {
			return fmt.Errorf("encoding characters: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO plot_events (book_id, chapter_idx, summary, characters, event_type, impact, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, bookID, ev.ChapterIdx, ev.Summary, characters, ev.EventType, ev.Impact, now()); err != nil {
			return fmt.Errorf("restoring event: %w", err)
		}
	}

	for _, f := range ws.Facts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO world_facts (book_id, category, key, value, source_idx)
			VALUES (?, ?, ?, ?, ?)
		`, bookID, f.Category, f.Key, f.Value, f.SourceIdx); err != nil {
			return fmt.Errorf("restoring fact: %w", err)
		}
	}

	return tx.Commit()
}

func marshalStrings(ss []string) (string, error) {
	if ss == nil {
		ss = []string{}
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStrings(data string) ([]string, error) {
	if data == "" {
		return nil, nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(data), &ss); err != nil {
		return nil, err
	}
	return ss, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMap(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(data string) (map[string]string, error) {
	if data == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
