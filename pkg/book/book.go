// Package book defines the immutable source-text data model: books and their
// ordered chapters, identified by content hash.
package book

// Book is one ingested source text.
type Book struct {
	// ID is the storage identifier assigned on ingest, derived from the
	// content hash so re-ingesting identical text yields the same ID.
	ID string `json:"id"`

	// Title is a human-readable label, typically the source file name.
	Title string `json:"title"`

	// ContentHash is the SHA-256 digest of the normalized full text.
	ContentHash string `json:"content_hash"`
}

// Chapter is one ordered narrative unit of a book. Chapters are immutable
// once ingested; re-ingesting identical text yields identical content hashes.
type Chapter struct {
	ID     string `json:"id"`
	BookID string `json:"book_id"`

	// Index is 1-based and unique per book.
	Index int `json:"index"`

	Title string `json:"title"`
	Text  string `json:"text"`

	// ContentHash covers the book hash, title, and text, so any upstream
	// change to the source propagates into every downstream cache key.
	ContentHash string `json:"content_hash"`
}
