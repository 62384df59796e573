package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	controlChars   = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)
	trailingCommas = regexp.MustCompile(`,\s*([}\]])`)
)

// stripCodeFence removes a surrounding markdown code fence, if any.
func stripCodeFence(text string) string {
	stripped := strings.TrimSpace(text)
	if strings.HasPrefix(stripped, "```") && strings.HasSuffix(stripped, "```") {
		lines := strings.Split(stripped, "\n")
		if len(lines) >= 2 {
			return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}
	return stripped
}

// sanitizeJSONText normalizes newlines, drops stray control characters, and
// removes trailing commas. Models emit all three.
func sanitizeJSONText(text string) string {
	cleaned := strings.ReplaceAll(text, "\r\n", "\n")
	cleaned = strings.ReplaceAll(cleaned, "\r", "\n")
	cleaned = controlChars.ReplaceAllString(cleaned, "")
	cleaned = trailingCommas.ReplaceAllString(cleaned, "$1")
	return cleaned
}

// decodeSanitized sanitizes text and unmarshals it into v. When the full
// text does not parse, it retries on the outermost opening..closing span, which
// recovers payloads wrapped in prose.
func decodeSanitized(text string, opening, closing byte, v any) error {
	if strings.TrimSpace(text) == "" {
		return ErrMalformedOutput{Reason: "empty output"}
	}

	candidate := sanitizeJSONText(stripCodeFence(text))
	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}

	start := strings.IndexByte(candidate, opening)
	end := strings.LastIndexByte(candidate, closing)
	if start == -1 || end <= start {
		return ErrMalformedOutput{Reason: fmt.Sprintf("no %c...%c span found", opening, closing)}
	}
	if err := json.Unmarshal([]byte(candidate[start:end+1]), v); err != nil {
		return ErrMalformedOutput{Reason: err.Error()}
	}
	return nil
}

// DecodeChapterResult parses one chapter's structured generation output.
// A missing or empty narration counts as malformed.
func DecodeChapterResult(text string) (*ChapterResult, error) {
	result := &ChapterResult{}
	if err := decodeSanitized(text, '{', '}', result); err != nil {
		return nil, err
	}
	if strings.TrimSpace(result.Narration) == "" {
		return nil, ErrMalformedOutput{Reason: "empty narration"}
	}
	return result, nil
}

// DecodeChapterBatch parses a batch response, which must be a JSON array of
// exactly want chapter results, each with a non-empty narration. Anything
// else is malformed and triggers the caller's bisection path.
func DecodeChapterBatch(text string, want int) ([]*ChapterResult, error) {
	var results []*ChapterResult
	if err := decodeSanitized(text, '[', ']', &results); err != nil {
		return nil, err
	}
	if len(results) != want {
		return nil, ErrMalformedOutput{
			Reason: fmt.Sprintf("expected %d chapter results, got %d", want, len(results)),
		}
	}
	for i, r := range results {
		if r == nil || strings.TrimSpace(r.Narration) == "" {
			return nil, ErrMalformedOutput{Reason: fmt.Sprintf("empty narration at position %d", i)}
		}
	}
	return results, nil
}

// DecodeExtraction parses the entity-extraction output.
func DecodeExtraction(text string) (*Extraction, error) {
	ext := &Extraction{}
	if err := decodeSanitized(text, '{', '}', ext); err != nil {
		return nil, err
	}
	return ext, nil
}

// DecodeRefined parses the refine pass output, a single-field object.
func DecodeRefined(text string) (string, error) {
	var out struct {
		Narration string `json:"narration"`
	}
	if err := decodeSanitized(text, '{', '}', &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Narration) == "" {
		return "", ErrMalformedOutput{Reason: "empty refined narration"}
	}
	return out.Narration, nil
}
