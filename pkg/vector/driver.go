// Package vector provides interfaces and implementations for vector storage
// of memory fragments.
package vector

import "context"

// Document represents a stored fragment embedding with retrieval metadata.
type Document struct {
	// ID is a unique identifier for the document.
	ID string

	// BookID scopes the document to one book.
	BookID string

	// ChapterIdx is the 1-based chapter the fragment came from.
	ChapterIdx int

	// SourceType says what kind of text the fragment is ("source" or
	// "narration").
	SourceType string

	// Superseded marks narration fragments replaced by a newer version.
	// Superseded documents are never returned by Query.
	Superseded bool

	// Embedding is the vector representation of the fragment content.
	Embedding []float32
}

// Query is a KNN search scoped to a book with an optional chapter bound.
type Query struct {
	BookID string

	Embedding []float32

	// BeforeChapter restricts results to documents with ChapterIdx strictly
	// less than this value. Zero means no bound.
	BeforeChapter int

	TopK int
}

// QueryResult represents a search result with similarity score.
type QueryResult struct {
	Document

	// Score represents the similarity score (higher = more similar).
	Score float32
}

// Driver handles storage and retrieval of fragment embeddings.
type Driver interface {
	// Add stores documents with their embeddings.
	// If a document with the same ID already exists, implementers should
	// update the document.
	Add(ctx context.Context, docs []Document) error

	// Query finds the topK most similar live documents under the query's
	// book and chapter constraints.
	Query(ctx context.Context, q Query) ([]QueryResult, error)

	// MarkSuperseded flags documents so Query stops returning them.
	// The embeddings stay stored.
	MarkSuperseded(ctx context.Context, ids []string) error

	// Delete removes documents by their IDs.
	Delete(ctx context.Context, ids []string) error

	// Close releases any resources held by the driver.
	Close() error
}
