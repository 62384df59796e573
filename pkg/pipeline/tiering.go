package pipeline

import (
	"strings"

	"github.com/inkfold/retell/pkg/book"
)

// Tier names, ordered by how much treatment a chapter gets.
const (
	TierShort  = "short"
	TierMedium = "medium"
	TierLong   = "long"
)

// keywordScanRunes is how much leading chapter text joins the title in the
// keyword-trigger scan.
const keywordScanRunes = 4000

// TierProfile is one tier's generation overrides.
type TierProfile struct {
	// NarrationRatio is the target narration length relative to source
	// for chapters on this tier.
	NarrationRatio float64

	// MemoryTopK is how many memory fragments are recalled per chapter.
	// Zero disables retrieval for the tier.
	MemoryTopK int

	// Refine toggles the polish pass for the tier.
	Refine bool
}

// Tiering selects a generation profile per chapter. Landmark chapters are
// promoted to the long tier by cadence, by length, or by keyword; everything
// else falls to the default tier.
type Tiering struct {
	// Enabled turns per-chapter tiering on. When off every chapter uses
	// the run-level settings.
	Enabled bool

	// DefaultTier is the tier for chapters no long rule matched.
	// Empty means medium.
	DefaultTier string

	// LongEveryN promotes every Nth chapter to the long tier. Zero
	// disables the rule.
	LongEveryN int

	// LongMinChars promotes chapters of at least this many runes. Zero
	// disables the rule.
	LongMinChars int

	// LongKeywords promotes chapters whose title or opening text contains
	// any of these, case-insensitively.
	LongKeywords []string

	Short  TierProfile
	Medium TierProfile
	Long   TierProfile
}

func (t *Tiering) withDefaults() {
	if t.DefaultTier == "" {
		t.DefaultTier = TierMedium
	}
	if t.Short == (TierProfile{}) {
		t.Short = TierProfile{NarrationRatio: 0.16}
	}
	if t.Medium == (TierProfile{}) {
		t.Medium = TierProfile{NarrationRatio: 0.25, MemoryTopK: 4}
	}
	if t.Long == (TierProfile{}) {
		t.Long = TierProfile{NarrationRatio: 0.45, MemoryTopK: 8, Refine: true}
	}
}

// Decide returns the tier for one chapter. The long rules are checked in
// order: the every-N cadence, then chapter length, then keyword triggers.
func (t Tiering) Decide(idx int, title, text string) string {
	if t.LongEveryN > 0 && idx%t.LongEveryN == 0 {
		return TierLong
	}
	if t.LongMinChars > 0 && len([]rune(text)) >= t.LongMinChars {
		return TierLong
	}
	if len(t.LongKeywords) > 0 {
		haystack := strings.ToLower(title + "\n" + truncateRunes(text, keywordScanRunes))
		for _, kw := range t.LongKeywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(haystack, kw) {
				return TierLong
			}
		}
	}

	switch t.DefaultTier {
	case TierShort, TierMedium, TierLong:
		return t.DefaultTier
	}
	return TierMedium
}

// Profile returns the overrides for a tier name.
func (t Tiering) Profile(tier string) TierProfile {
	switch tier {
	case TierShort:
		return t.Short
	case TierLong:
		return t.Long
	}
	return t.Medium
}

// tierFor resolves a chapter's generation profile. With tiering off every
// chapter carries the run-level settings and a zero MemoryTopK, which keeps
// the retriever's own configured fan-out.
func (o *Orchestrator) tierFor(ch *book.Chapter) (string, TierProfile) {
	if !o.cfg.Tiering.Enabled {
		return "", TierProfile{
			NarrationRatio: o.cfg.NarrationRatio,
			Refine:         o.cfg.RefineEnabled,
		}
	}

	tier := o.cfg.Tiering.Decide(ch.Index, ch.Title, ch.Text)
	return tier, o.cfg.Tiering.Profile(tier)
}
