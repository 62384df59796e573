// Package api provides a read-only HTTP API over processed books: narration
// lookups, world-state queries, the event timeline, and hybrid memory search.
package api

// Config is the API server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8081")
	ListenAddr string

	// SearchTopK caps how many search results one request may ask for.
	SearchTopK int
}
