package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/width"

	"github.com/inkfold/retell/pkg/llm"
)

// maxKeyEvents caps how many events one chapter may report.
const maxKeyEvents = 20

// consistencyCheck sanitizes a chapter's structured deltas before any write:
// empty and duplicated events are dropped (including duplicates of recent
// timeline entries), character names are normalized through the alias index
// built from the looked-up states, and no-op updates are removed.
func (o *Orchestrator) consistencyCheck(r *run, w *chapterWork) {
	res := w.result

	recentSet := make(map[string]bool, len(w.recent))
	for _, ev := range w.recent {
		recentSet[normalizeText(ev.Summary)] = true
	}

	aliasIndex := make(map[string]string)
	for _, cs := range w.characters {
		aliasIndex[normalizeNameKey(cs.Name)] = cs.Name
		for _, alias := range cs.Aliases {
			aliasIndex[normalizeNameKey(alias)] = cs.Name
		}
	}

	var events []llm.KeyEvent
	seen := make(map[string]bool)
	for _, ev := range res.KeyEvents {
		what := normalizeText(ev.What)
		if what == "" {
			r.addWarning(fmt.Sprintf("chapter %d: dropped empty key event", w.chapter.Index))
			continue
		}
		if seen[what] || recentSet[what] {
			r.addWarning(fmt.Sprintf("chapter %d: dropped duplicated key event: %s", w.chapter.Index, what))
			continue
		}
		seen[what] = true
		ev.Who = normalizeText(ev.Who)
		ev.What = what
		ev.Where = normalizeText(ev.Where)
		ev.Outcome = normalizeText(ev.Outcome)
		events = append(events, ev)
	}
	if len(events) > maxKeyEvents {
		r.addWarning(fmt.Sprintf("chapter %d: too many key events, truncated to %d", w.chapter.Index, maxKeyEvents))
		events = events[:maxKeyEvents]
	}
	res.KeyEvents = events

	var updates []llm.CharacterUpdate
	for _, cu := range res.CharacterUpdates {
		name := normalizeText(cu.Name)
		if name == "" {
			r.addWarning(fmt.Sprintf("chapter %d: dropped character update without name", w.chapter.Index))
			continue
		}
		if canonical, ok := aliasIndex[normalizeNameKey(name)]; ok && canonical != name {
			cu.Name = canonical
		} else {
			cu.Name = name
		}
		if isNoopCharacterUpdate(cu) {
			r.addWarning(fmt.Sprintf("chapter %d: dropped no-op update for %q", w.chapter.Index, cu.Name))
			continue
		}
		updates = append(updates, cu)
	}
	res.CharacterUpdates = updates

	var itemUpdates []llm.ItemUpdate
	for _, iu := range res.ItemUpdates {
		iu.Name = normalizeText(iu.Name)
		if iu.Name == "" {
			r.addWarning(fmt.Sprintf("chapter %d: dropped item update without name", w.chapter.Index))
			continue
		}
		itemUpdates = append(itemUpdates, iu)
	}
	res.ItemUpdates = itemUpdates
}

func isNoopCharacterUpdate(cu llm.CharacterUpdate) bool {
	return cu.Status == "" && cu.Location == "" && cu.Motivation == "" &&
		len(cu.Abilities) == 0 && len(cu.Relationships) == 0 && len(cu.Aliases) == 0
}

func normalizeText(s string) string {
	return strings.TrimSpace(s)
}

func normalizeNameKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(width.Fold.String(strings.TrimSpace(name))), " ", "")
}

// claimTokenPattern tokenizes claims and sources: short CJK runs or words.
var claimTokenPattern = regexp.MustCompile(`[\p{Han}]{2,8}|[A-Za-z0-9_]{2,20}`)

// evidenceVerify scores each remaining delta against the chapter text and
// the recalled memories, and drops claims below the support threshold. The
// narration itself is never gated, only the structured writes.
func (o *Orchestrator) evidenceVerify(r *run, w *chapterWork) {
	res := w.result
	sources := w.evidenceSources(o.cfg.EvidenceSnippets)

	var events []llm.KeyEvent
	for _, ev := range res.KeyEvents {
		claim := joinClaim(ev.Who, ev.What, ev.Where, ev.Outcome)
		score := bestSupport(claim, []string{ev.What}, sources)
		if score < o.cfg.SupportThreshold {
			r.addWarning(fmt.Sprintf("chapter %d: unsupported key event dropped (%.2f): %s",
				w.chapter.Index, score, ev.What))
			continue
		}
		events = append(events, ev)
	}
	res.KeyEvents = events

	var updates []llm.CharacterUpdate
	for _, cu := range res.CharacterUpdates {
		claim := joinClaim(cu.Name, cu.Status, cu.Location, cu.Motivation)
		score := bestSupport(claim, []string{cu.Name}, sources)
		if score < o.cfg.SupportThreshold {
			r.addWarning(fmt.Sprintf("chapter %d: unsupported character update dropped (%.2f): %s",
				w.chapter.Index, score, cu.Name))
			continue
		}
		updates = append(updates, cu)
	}
	res.CharacterUpdates = updates

	var itemUpdates []llm.ItemUpdate
	for _, iu := range res.ItemUpdates {
		claim := joinClaim(iu.Name, iu.Owner, iu.Description)
		score := bestSupport(claim, []string{iu.Name}, sources)
		if score < o.cfg.SupportThreshold {
			r.addWarning(fmt.Sprintf("chapter %d: unsupported item update dropped (%.2f): %s",
				w.chapter.Index, score, iu.Name))
			continue
		}
		itemUpdates = append(itemUpdates, iu)
	}
	res.ItemUpdates = itemUpdates
}

func (w *chapterWork) evidenceSources(maxSnippets int) []string {
	sources := []string{w.chapter.Text}
	for i, rec := range w.recalls {
		if i >= maxSnippets {
			break
		}
		sources = append(sources, rec.Fragment.Text)
	}
	return sources
}

func joinClaim(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}

// bestSupport returns the highest support score of the claim across the
// sources: 1.0 when a key phrase or the whole claim appears verbatim,
// otherwise the best token-overlap fraction.
func bestSupport(claim string, keyPhrases, sources []string) float64 {
	if claim == "" {
		return 0
	}

	claimTokens := tokenSet(claim)
	best := 0.0

	for _, source := range sources {
		if source == "" {
			continue
		}

		for _, phrase := range keyPhrases {
			if phrase = strings.TrimSpace(phrase); phrase != "" && strings.Contains(source, phrase) {
				return 1
			}
		}
		if strings.Contains(source, claim) {
			return 1
		}

		if len(claimTokens) == 0 {
			continue
		}
		sourceTokens := tokenSet(source)
		overlap := 0
		for t := range claimTokens {
			if sourceTokens[t] {
				overlap++
			}
		}
		if score := float64(overlap) / float64(len(claimTokens)); score > best {
			best = score
		}
	}

	return best
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range claimTokenPattern.FindAllString(text, -1) {
		set[t] = true
	}
	return set
}
