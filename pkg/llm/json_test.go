package llm_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/inkfold/retell/pkg/llm"
)

var _ = Describe("DecodeChapterResult", func() {
	It("decodes a clean chapter result", func() {
		result, err := llm.DecodeChapterResult(`{
			"narration": "The monkey was born from stone.",
			"key_events": [{"who": "Wukong", "what": "born", "where": "mountain", "outcome": "alive", "impact": 5}],
			"character_updates": [{"name": "Wukong", "status": "active"}],
			"item_updates": [],
			"facts": [{"category": "origin", "key": "Wukong", "value": "stone-born"}]
		}`)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Narration).To(ContainSubstring("born from stone"))
		Expect(result.KeyEvents).To(HaveLen(1))
		Expect(result.KeyEvents[0].Impact).To(Equal(5))
		Expect(result.Facts[0].Category).To(Equal("origin"))
	})

	It("strips a markdown code fence", func() {
		result, err := llm.DecodeChapterResult("```json\n{\"narration\": \"text\"}\n```")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Narration).To(Equal("text"))
	})

	It("removes trailing commas and control characters", func() {
		raw := "{\"narration\": \"a\x02b\", \"key_events\": [],}"
		result, err := llm.DecodeChapterResult(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Narration).To(Equal("ab"))
	})

	It("extracts the outermost object from surrounding prose", func() {
		result, err := llm.DecodeChapterResult(
			"Here is the result you asked for:\n{\"narration\": \"text\"}\nHope this helps!")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Narration).To(Equal("text"))
	})

	It("rejects an empty narration as malformed", func() {
		_, err := llm.DecodeChapterResult(`{"narration": "  "}`)
		Expect(err).To(BeAssignableToTypeOf(llm.ErrMalformedOutput{}))
	})

	It("rejects empty output as malformed", func() {
		_, err := llm.DecodeChapterResult("   ")
		Expect(err).To(BeAssignableToTypeOf(llm.ErrMalformedOutput{}))
	})

	It("rejects output with no object span as malformed", func() {
		_, err := llm.DecodeChapterResult("I could not process this chapter.")
		Expect(err).To(BeAssignableToTypeOf(llm.ErrMalformedOutput{}))
	})
})

var _ = Describe("DecodeChapterBatch", func() {
	It("decodes an array of exactly the requested length", func() {
		results, err := llm.DecodeChapterBatch(
			`[{"narration": "one"}, {"narration": "two"}]`, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(HaveLen(2))
		Expect(results[1].Narration).To(Equal("two"))
	})

	It("rejects a length mismatch as malformed", func() {
		_, err := llm.DecodeChapterBatch(`[{"narration": "one"}]`, 2)
		Expect(err).To(BeAssignableToTypeOf(llm.ErrMalformedOutput{}))
	})

	It("rejects any empty narration in the array as malformed", func() {
		_, err := llm.DecodeChapterBatch(
			`[{"narration": "one"}, {"narration": ""}]`, 2)
		Expect(err).To(BeAssignableToTypeOf(llm.ErrMalformedOutput{}))
	})

	It("extracts the outermost array from surrounding prose", func() {
		results, err := llm.DecodeChapterBatch(
			"Sure! [{\"narration\": \"one\"}]", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(HaveLen(1))
	})
})

var _ = Describe("DecodeExtraction", func() {
	It("decodes the extraction schema", func() {
		ext, err := llm.DecodeExtraction(
			`{"characters": ["Wukong"], "locations": ["mountain"], "items": [], "key_phrases": ["stone egg"]}`)
		Expect(err).NotTo(HaveOccurred())
		Expect(ext.Characters).To(ConsistOf("Wukong"))
		Expect(ext.KeyPhrases).To(ConsistOf("stone egg"))
	})
})

var _ = Describe("Prompts", func() {
	nc := llm.NarrationContext{
		CharacterStates: "Wukong: active",
		ChapterTitle:    "Birth",
		ChapterText:     "A stone egg cracked open.",
	}

	It("carries the context and schema in the narration prompt", func() {
		req := llm.NarrationPrompt(nc, 0.35)
		Expect(req.System).NotTo(BeEmpty())
		Expect(req.Prompt).To(ContainSubstring("Wukong: active"))
		Expect(req.Prompt).To(ContainSubstring("A stone egg cracked open."))
		Expect(req.Prompt).To(ContainSubstring(`"narration"`))
		Expect(req.Prompt).To(ContainSubstring("0.35"))
	})

	It("numbers chapters and pins the array length in the batch prompt", func() {
		req := llm.BatchNarrationPrompt([]llm.NarrationContext{nc, nc, nc}, []float64{0.35, 0.35, 0.5})
		Expect(req.Prompt).To(ContainSubstring("exactly 3 objects"))
		Expect(req.Prompt).To(ContainSubstring("Chapter 3 of 3"))
		Expect(req.Prompt).To(ContainSubstring("target ratio 0.50"))
	})

	It("marks empty context sections", func() {
		req := llm.NarrationPrompt(llm.NarrationContext{ChapterText: "text"}, 0.5)
		Expect(req.Prompt).To(ContainSubstring("(none)"))
	})
})

var _ = Describe("DecodeRefined", func() {
	It("extracts the polished narration", func() {
		out, err := llm.DecodeRefined("```json\n{\"narration\": \"改良后的讲述\"}\n```")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("改良后的讲述"))
	})

	It("treats an empty narration as malformed", func() {
		_, err := llm.DecodeRefined(`{"narration": ""}`)
		var malformed llm.ErrMalformedOutput
		Expect(errors.As(err, &malformed)).To(BeTrue())
	})
})
