package llm

import (
	"fmt"
	"strings"
)

// Prompt versions are part of every narration's identity and every cache
// key. Bump them whenever the wording below changes in a way that should
// invalidate cached generations.
const (
	NarrationPromptVersion  = "narrate.v1"
	BatchPromptVersion      = "narrate-batch.v2"
	RefinePromptVersion     = "refine.v1"
	ExtractionPromptVersion = "extract.v1"
)

const narrationSystem = "You are a seasoned oral storyteller rewriting a novel chapter by chapter. " +
	"Your goal is not compression but re-narration: retell the chapter with strong " +
	"narrative drive without deviating from the facts. " +
	"Output strictly valid JSON only. No markdown, no explanations."

const chapterSchema = `{
  "narration": "string",
  "key_events": [{"who": "string", "what": "string", "where": "string", "outcome": "string", "impact": 0}],
  "character_updates": [{"name": "string", "status": "string", "location": "string", "abilities": [], "relationships": {}, "motivation": "string", "aliases": []}],
  "item_updates": [{"name": "string", "owner": "string", "status": "string", "description": "string"}],
  "facts": [{"category": "string", "key": "string", "value": "string"}]
}`

// NarrationContext is the assembled read-only context for one chapter.
type NarrationContext struct {
	CharacterStates string
	ItemStates      string
	RecentEvents    string
	Memories        string
	ChapterTitle    string
	ChapterText     string
}

// NarrationPrompt builds the single-chapter generation request. ratio is the
// target narration length relative to the source text.
func NarrationPrompt(nc NarrationContext, ratio float64) *GenerateRequest {
	var b strings.Builder
	fmt.Fprintf(&b, "Target length relative to the source text: about %.2f.\n\n", ratio)
	b.WriteString("Retell this chapter using the context below.\n\n")
	writeContext(&b, nc)
	b.WriteString("\nOutput JSON schema:\n")
	b.WriteString(chapterSchema)
	b.WriteString("\n")

	return &GenerateRequest{System: narrationSystem, Prompt: b.String()}
}

// BatchNarrationPrompt builds one request covering count consecutive
// chapters. The response must be a JSON array of exactly count chapter
// results, in chapter order. ratios carries one target length per chapter;
// the first entry doubles as the batch-level target.
func BatchNarrationPrompt(contexts []NarrationContext, ratios []float64) *GenerateRequest {
	var b strings.Builder
	fmt.Fprintf(&b, "Retell the following %d consecutive chapters.\n", len(contexts))
	fmt.Fprintf(&b, "Target length relative to each source text: about %.2f.\n", ratios[0])
	fmt.Fprintf(&b, "Output a JSON array of exactly %d objects, one per chapter in order.\n", len(contexts))
	b.WriteString("Each object follows this schema:\n")
	b.WriteString(chapterSchema)
	b.WriteString("\n")

	for i, nc := range contexts {
		fmt.Fprintf(&b, "\n=== Chapter %d of %d (target ratio %.2f) ===\n", i+1, len(contexts), ratios[i])
		writeContext(&b, nc)
	}

	return &GenerateRequest{System: narrationSystem, Prompt: b.String()}
}

// RefinePrompt builds the optional polish pass over a drafted narration.
// The facts in the draft are binding; only the telling may change.
func RefinePrompt(narration string, nc NarrationContext) *GenerateRequest {
	var b strings.Builder
	b.WriteString("Polish the following narration draft. Keep every fact, event, and name ")
	b.WriteString("unchanged; improve pacing and flow only.\n\n")
	b.WriteString("Draft:\n")
	b.WriteString(narration)
	b.WriteString("\n\nWorld state for reference:\n")
	b.WriteString(nc.CharacterStates)
	b.WriteString("\n\nOutput JSON schema:\n{\"narration\": \"string\"}\n")

	return &GenerateRequest{System: narrationSystem, Prompt: b.String()}
}

// ExtractionPrompt builds the entity-extraction request for a chapter.
func ExtractionPrompt(chapterText string) *GenerateRequest {
	var b strings.Builder
	b.WriteString("Extract characters, locations, items, and key phrases from this chapter.\n")
	b.WriteString(`Return JSON: {"characters": [], "locations": [], "items": [], "key_phrases": []}`)
	b.WriteString("\n\n<chapter>\n")
	b.WriteString(chapterText)
	b.WriteString("\n</chapter>\n")

	return &GenerateRequest{
		System: "You are a strict named-entity extractor for novel chapters. Return JSON only.",
		Prompt: b.String(),
	}
}

func writeContext(b *strings.Builder, nc NarrationContext) {
	b.WriteString("1) World state (hard constraints, highest priority):\n")
	b.WriteString(orNone(nc.CharacterStates))
	b.WriteString("\n\n2) Item states:\n")
	b.WriteString(orNone(nc.ItemStates))
	b.WriteString("\n\n3) Recent key events:\n")
	b.WriteString(orNone(nc.RecentEvents))
	b.WriteString("\n\n4) Recalled memories of earlier chapters:\n")
	b.WriteString(orNone(nc.Memories))
	b.WriteString("\n\n5) Chapter source text:\n")
	fmt.Fprintf(b, "Title: %s\n", nc.ChapterTitle)
	b.WriteString(nc.ChapterText)
	b.WriteString("\n")
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
