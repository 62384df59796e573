package pipeline_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/inkfold/retell/pkg/pipeline"
)

var _ = Describe("Tiering", func() {
	It("promotes every Nth chapter to the long tier", func() {
		t := pipeline.Tiering{Enabled: true, DefaultTier: pipeline.TierShort, LongEveryN: 10}
		Expect(t.Decide(10, "第十章", "短文")).To(Equal(pipeline.TierLong))
		Expect(t.Decide(20, "第二十章", "短文")).To(Equal(pipeline.TierLong))
		Expect(t.Decide(11, "第十一章", "短文")).To(Equal(pipeline.TierShort))
	})

	It("promotes chapters at or above the length threshold", func() {
		t := pipeline.Tiering{Enabled: true, DefaultTier: pipeline.TierShort, LongMinChars: 12}
		Expect(t.Decide(3, "章", strings.Repeat("沈", 12))).To(Equal(pipeline.TierLong))
		Expect(t.Decide(3, "章", strings.Repeat("沈", 11))).To(Equal(pipeline.TierShort))
	})

	It("promotes on keyword triggers in the title or opening text", func() {
		t := pipeline.Tiering{
			Enabled:      true,
			DefaultTier:  pipeline.TierShort,
			LongKeywords: []string{"大战", " Finale "},
		}
		Expect(t.Decide(3, "决战前夜之大战", "短文")).To(Equal(pipeline.TierLong))
		Expect(t.Decide(3, "章", "一场FINALE落幕")).To(Equal(pipeline.TierLong))
		Expect(t.Decide(3, "章", "平静的一天")).To(Equal(pipeline.TierShort))
	})

	It("falls back to medium when no default tier is set", func() {
		t := pipeline.Tiering{Enabled: true}
		Expect(t.Decide(1, "章", "短文")).To(Equal(pipeline.TierMedium))
	})

	It("returns the matching profile per tier name", func() {
		t := pipeline.Tiering{
			Short:  pipeline.TierProfile{NarrationRatio: 0.16},
			Medium: pipeline.TierProfile{NarrationRatio: 0.25, MemoryTopK: 4},
			Long:   pipeline.TierProfile{NarrationRatio: 0.45, MemoryTopK: 8, Refine: true},
		}
		Expect(t.Profile(pipeline.TierLong).Refine).To(BeTrue())
		Expect(t.Profile(pipeline.TierShort).MemoryTopK).To(BeZero())
		Expect(t.Profile("unknown").NarrationRatio).To(Equal(0.25))
	})
})
