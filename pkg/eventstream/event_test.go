package eventstream_test

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/inkfold/retell/pkg/eventstream"
)

var _ = Describe("RunEvent", func() {
	It("serializes the header and chapter fields", func() {
		ev := &eventstream.RunEvent{
			SchemaVersion: eventstream.SchemaVersionV1,
			EventType:     eventstream.EventTypeChapterCommitted,
			EventID:       "ev-1",
			EmittedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			RunID:         "run-1",
			BookID:        "b1",
			ChapterIdx:    7,
			CacheHit:      true,
		}

		payload, err := json.Marshal(ev)
		Expect(err).NotTo(HaveOccurred())

		var decoded map[string]any
		Expect(json.Unmarshal(payload, &decoded)).To(Succeed())
		Expect(decoded["schema_version"]).To(BeEquivalentTo(1))
		Expect(decoded["event_type"]).To(Equal("retell.chapter.committed"))
		Expect(decoded["chapter_idx"]).To(BeEquivalentTo(7))
		Expect(decoded["cache_hit"]).To(BeTrue())
	})

	It("omits unset per-type fields", func() {
		ev := &eventstream.RunEvent{
			SchemaVersion: eventstream.SchemaVersionV1,
			EventType:     eventstream.EventTypeRunFinished,
			BookID:        "b1",
			ChaptersProcessed: 12,
		}

		payload, err := json.Marshal(ev)
		Expect(err).NotTo(HaveOccurred())

		var decoded map[string]any
		Expect(json.Unmarshal(payload, &decoded)).To(Succeed())
		Expect(decoded).NotTo(HaveKey("batch_start"))
		Expect(decoded).NotTo(HaveKey("cache_hit"))
		Expect(decoded["chapters_processed"]).To(BeEquivalentTo(12))
	})
})
