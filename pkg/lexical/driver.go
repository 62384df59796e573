// Package lexical provides keyword search over memory fragments. The lexical
// index is an optional complement to the vector index: retrieval degrades to
// pure vector search when no lexical driver is available.
package lexical

import "context"

// Document is a fragment indexed for keyword search.
type Document struct {
	ID         string
	BookID     string
	ChapterIdx int
	SourceType string
	Superseded bool
	Content    string
}

// Query is a keyword search scoped to a book with an optional chapter bound.
type Query struct {
	BookID string

	// Text is free-form query text; drivers tokenize it themselves.
	Text string

	// BeforeChapter restricts results to documents with ChapterIdx strictly
	// less than this value. Zero means no bound.
	BeforeChapter int

	TopK int
}

// QueryResult is a match with its relevance score (higher = more relevant).
type QueryResult struct {
	Document

	Score float32
}

// Driver indexes fragments for keyword search.
type Driver interface {
	// Add indexes documents, replacing any existing document with the same ID.
	Add(ctx context.Context, docs []Document) error

	// Query returns the topK best keyword matches among live documents.
	Query(ctx context.Context, q Query) ([]QueryResult, error)

	// MarkSuperseded flags documents so Query stops returning them.
	MarkSuperseded(ctx context.Context, ids []string) error

	// Delete removes documents from the index.
	Delete(ctx context.Context, ids []string) error

	// Close releases any resources held by the driver.
	Close() error
}
