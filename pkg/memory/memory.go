// Package memory provides long-range recall for the re-narration pipeline.
//
// Chapters are committed as fragments to three places at once: the storage
// driver (fragment text of record), the vector index (semantic search), and
// the optional lexical index (keyword search). Retrieval fuses vector and
// lexical rankings with a chapter-proximity prior and only ever surfaces
// fragments from chapters strictly before the one being narrated.
//
// Memory degrades instead of failing: a missing lexical index means pure
// vector search, and an embedding failure means empty recall. A chapter is
// never blocked on its memories.
package memory

import "github.com/inkfold/retell/pkg/storage"

// Query asks for fragments relevant to one chapter about to be narrated.
type Query struct {
	// BookID scopes the search.
	BookID string

	// Text is the query text, typically the chapter excerpt plus extracted
	// entity names.
	Text string

	// Chapter is the chapter being narrated. Only fragments from chapters
	// strictly before it are eligible.
	Chapter int

	// TopK overrides the retriever's configured fan-out for this query.
	// Positive overrides it, negative disables recall for the query, and
	// zero keeps the configured value.
	TopK int
}

// Recall is one retrieved fragment with its fused relevance score.
type Recall struct {
	Fragment *storage.MemoryFragment
	Score    float64
}
