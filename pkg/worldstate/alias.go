package worldstate

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/width"
)

var caseFolder = cases.Fold()

// foldName normalizes a character or item name for matching: surrounding
// whitespace trimmed, full-width forms folded to their canonical width, and
// case folded. Matching is exact on the folded form; no fuzzy matching.
func foldName(name string) string {
	return caseFolder.String(width.Fold.String(strings.TrimSpace(name)))
}

// AmbiguousNameError is returned when a name folds to an alias carried by
// more than one canonical entity. Ambiguity is surfaced to the caller,
// never resolved by silently merging.
type AmbiguousNameError struct {
	Name       string
	Candidates []string
}

func (e AmbiguousNameError) Error() string {
	return fmt.Sprintf("name %q matches multiple entities: %s",
		e.Name, strings.Join(e.Candidates, ", "))
}

// nameIndex maps folded names and aliases to canonical names.
type nameIndex struct {
	byFolded map[string][]string
}

func newNameIndex() *nameIndex {
	return &nameIndex{byFolded: make(map[string][]string)}
}

func (idx *nameIndex) add(canonical string, aliases []string) {
	idx.put(canonical, canonical)
	for _, a := range aliases {
		idx.put(a, canonical)
	}
}

func (idx *nameIndex) put(name, canonical string) {
	folded := foldName(name)
	if folded == "" {
		return
	}
	for _, existing := range idx.byFolded[folded] {
		if existing == canonical {
			return
		}
	}
	idx.byFolded[folded] = append(idx.byFolded[folded], canonical)
}

// resolve maps a name to its canonical form. Returns ("", nil) for a name
// with no match, and an AmbiguousNameError when the folded form is claimed
// by more than one canonical entity.
func (idx *nameIndex) resolve(name string) (string, error) {
	matches := idx.byFolded[foldName(name)]
	switch len(matches) {
	case 0:
		return "", nil
	case 1:
		return matches[0], nil
	default:
		candidates := make([]string, len(matches))
		copy(candidates, matches)
		return "", AmbiguousNameError{Name: name, Candidates: candidates}
	}
}

// mergeAliases appends new aliases not already present under folding.
// The existing set is never shrunk.
func mergeAliases(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, a := range existing {
		seen[foldName(a)] = true
	}

	merged := existing
	for _, a := range incoming {
		folded := foldName(a)
		if folded == "" || seen[folded] {
			continue
		}
		seen[folded] = true
		merged = append(merged, strings.TrimSpace(a))
	}

	return merged
}

// mergeRelationships overlays incoming relationship entries on the existing
// map. Keys absent from incoming keep their stored value.
func mergeRelationships(existing, incoming map[string]string) map[string]string {
	if len(incoming) == 0 {
		return existing
	}
	merged := make(map[string]string, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}
