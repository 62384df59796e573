// Package fts5 provides a SQLite FTS5-backed lexical driver.
package fts5

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/lexical"
)

// FTS5Driver implements lexical.Driver on a SQLite FTS5 virtual table.
type FTS5Driver struct {
	db     *sql.DB
	logger *zap.Logger
}

// Config holds configuration for the FTS5 driver.
type Config struct {
	// DBPath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database.
	DBPath string
}

// NewFTS5Driver opens the database and creates the FTS5 table. Returns an
// error when the SQLite build lacks the FTS5 module; callers treat a failed
// constructor as "no lexical index" and fall back to vector-only retrieval.
func NewFTS5Driver(c Config, logger *zap.Logger) (*FTS5Driver, error) {
	if c.DBPath == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite3", c.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	_, err = db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS lex_fragments USING fts5(
			content,
			doc_id UNINDEXED,
			book_id UNINDEXED,
			chapter_idx UNINDEXED,
			source_type UNINDEXED,
			superseded UNINDEXED
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("fts5 not available: %w", err)
	}

	logger.Info("fts5 lexical driver initialized", zap.String("db_path", c.DBPath))

	return &FTS5Driver{db: db, logger: logger}, nil
}

// Add indexes documents, replacing any existing document with the same ID.
func (d *FTS5Driver) Add(ctx context.Context, docs []lexical.Document) error {
	if len(docs) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, doc := range docs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM lex_fragments WHERE doc_id = ?`, doc.ID); err != nil {
			return fmt.Errorf("replacing document %s: %w", doc.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lex_fragments (content, doc_id, book_id, chapter_idx, source_type, superseded)
			VALUES (?, ?, ?, ?, ?, ?)
		`, doc.Content, doc.ID, doc.BookID, doc.ChapterIdx, doc.SourceType, boolToInt(doc.Superseded)); err != nil {
			return fmt.Errorf("indexing document %s: %w", doc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	d.logger.Debug("indexed documents in fts5", zap.Int("count", len(docs)))

	return nil
}

// Query returns the topK best keyword matches among live documents.
// Scores are negated bm25 values so that higher means more relevant.
func (d *FTS5Driver) Query(ctx context.Context, q lexical.Query) ([]lexical.QueryResult, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = 10
	}

	match := buildMatchQuery(q.Text)
	if match == "" {
		return nil, nil
	}

	query := `
		SELECT doc_id, book_id, chapter_idx, source_type, bm25(lex_fragments)
		FROM lex_fragments
		WHERE lex_fragments MATCH ?
			AND book_id = ?
			AND superseded = 0`
	args := []any{match, q.BookID}
	if q.BeforeChapter > 0 {
		query += ` AND chapter_idx < ?`
		args = append(args, q.BeforeChapter)
	}
	query += ` ORDER BY bm25(lex_fragments) LIMIT ?`
	args = append(args, topK)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying fts5: %w", err)
	}
	defer rows.Close()

	var results []lexical.QueryResult
	for rows.Next() {
		var (
			doc  lexical.Document
			bm25 float64
		)
		if err := rows.Scan(&doc.ID, &doc.BookID, &doc.ChapterIdx, &doc.SourceType, &bm25); err != nil {
			return nil, fmt.Errorf("scanning fts5 result: %w", err)
		}

		// bm25() returns smaller-is-better negative values.
		results = append(results, lexical.QueryResult{
			Document: doc,
			Score:    float32(-bm25),
		})
	}

	return results, rows.Err()
}

// buildMatchQuery turns free-form text into an FTS5 OR query of quoted
// tokens, so user text can never inject FTS5 syntax.
func buildMatchQuery(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}

	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		quoted = append(quoted, `"`+f+`"`)
	}

	return strings.Join(quoted, " OR ")
}

// MarkSuperseded flags documents so Query stops returning them.
func (d *FTS5Driver) MarkSuperseded(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders, args := inArgs(ids)
	query := fmt.Sprintf(
		`UPDATE lex_fragments SET superseded = 1 WHERE doc_id IN (%s)`, placeholders,
	)
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("marking documents superseded: %w", err)
	}

	return nil
}

// Delete removes documents from the index.
func (d *FTS5Driver) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders, args := inArgs(ids)
	query := fmt.Sprintf(
		`DELETE FROM lex_fragments WHERE doc_id IN (%s)`, placeholders,
	)
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting documents: %w", err)
	}

	return nil
}

// Close releases resources held by the driver.
func (d *FTS5Driver) Close() error {
	return d.db.Close()
}

func inArgs(ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
