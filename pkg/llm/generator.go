// Package llm defines the generation client used to produce chapter
// narrations and structured world-state deltas, plus the strict decoding
// layer that turns model output into typed results.
package llm

import "context"

// GenerateRequest is a single completion call. The prompt carries the
// assembled context (world state, recalled memories, chapter text) and the
// expected response schema.
type GenerateRequest struct {
	// System is the system instruction.
	System string

	// Prompt is the user-turn content.
	Prompt string

	// Temperature for sampling.
	Temperature float64
}

// Generator produces completions from a language model.
type Generator interface {
	// Name returns the canonical provider name (e.g., "openai", "ollama").
	Name() string

	// Model returns the model identifier requests are sent to.
	Model() string

	// Generate performs one completion call and returns the raw text.
	// Transient failures are retried internally with backoff before being
	// returned.
	Generate(ctx context.Context, req *GenerateRequest) (string, error)

	// Close releases any resources held by the generator.
	Close() error
}

// KeyEvent is one plot event reported for a chapter.
type KeyEvent struct {
	Who     string `json:"who"`
	What    string `json:"what"`
	Where   string `json:"where"`
	Outcome string `json:"outcome"`
	Impact  int    `json:"impact"`
}

// CharacterUpdate is one observed change to a character.
type CharacterUpdate struct {
	Name          string            `json:"name"`
	Status        string            `json:"status,omitempty"`
	Location      string            `json:"location,omitempty"`
	Abilities     []string          `json:"abilities,omitempty"`
	Relationships map[string]string `json:"relationships,omitempty"`
	Motivation    string            `json:"motivation,omitempty"`
	Aliases       []string          `json:"aliases,omitempty"`
}

// ItemUpdate is one observed change to an item.
type ItemUpdate struct {
	Name        string `json:"name"`
	Owner       string `json:"owner,omitempty"`
	Status      string `json:"status,omitempty"`
	Description string `json:"description,omitempty"`
}

// FactUpdate is one durable world fact reported for a chapter.
type FactUpdate struct {
	Category string `json:"category"`
	Key      string `json:"key"`
	Value    string `json:"value"`
}

// ChapterResult is the structured output of one chapter's generation.
type ChapterResult struct {
	Narration        string            `json:"narration"`
	KeyEvents        []KeyEvent        `json:"key_events"`
	CharacterUpdates []CharacterUpdate `json:"character_updates"`
	ItemUpdates      []ItemUpdate      `json:"item_updates"`
	Facts            []FactUpdate      `json:"facts"`
}

// Extraction is the structured output of the entity-extraction call.
type Extraction struct {
	Characters []string `json:"characters"`
	Locations  []string `json:"locations"`
	Items      []string `json:"items"`
	KeyPhrases []string `json:"key_phrases"`
}
