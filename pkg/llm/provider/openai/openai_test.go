package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/inkfold/retell/pkg/llm"
	"github.com/inkfold/retell/pkg/llm/provider/openai"
)

func completion(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	}
}

var _ = Describe("Generator", func() {
	It("sends system and user messages and returns the completion", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/v1/chat/completions"))
			Expect(r.Header.Get("Authorization")).To(Equal("Bearer secret"))

			var req struct {
				Model       string  `json:"model"`
				Temperature float64 `json:"temperature"`
				Messages    []struct {
					Role    string `json:"role"`
					Content string `json:"content"`
				} `json:"messages"`
			}
			Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
			Expect(req.Model).To(Equal("test-model"))
			Expect(req.Temperature).To(Equal(0.3))
			Expect(req.Messages).To(HaveLen(2))
			Expect(req.Messages[0].Role).To(Equal("system"))
			Expect(req.Messages[1].Content).To(Equal("retell this"))

			Expect(json.NewEncoder(w).Encode(completion("a story"))).To(Succeed())
		}))
		defer srv.Close()

		g, err := openai.NewGenerator(openai.GeneratorConfig{
			BaseURL: srv.URL, APIKey: "secret", Model: "test-model",
		})
		Expect(err).NotTo(HaveOccurred())
		defer g.Close()

		out, err := g.Generate(context.Background(), &llm.GenerateRequest{
			System: "storyteller", Prompt: "retell this", Temperature: 0.3,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("a story"))
	})

	It("retries transient server errors and rate limits", func() {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch atomic.AddInt32(&calls, 1) {
			case 1:
				http.Error(w, "overloaded", http.StatusInternalServerError)
			case 2:
				http.Error(w, "slow down", http.StatusTooManyRequests)
			default:
				json.NewEncoder(w).Encode(completion("ok"))
			}
		}))
		defer srv.Close()

		g, err := openai.NewGenerator(openai.GeneratorConfig{BaseURL: srv.URL})
		Expect(err).NotTo(HaveOccurred())
		defer g.Close()

		out, err := g.Generate(context.Background(), &llm.GenerateRequest{Prompt: "p"})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("ok"))
		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(3)))
	})

	It("does not retry auth failures", func() {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			http.Error(w, "bad key", http.StatusUnauthorized)
		}))
		defer srv.Close()

		g, err := openai.NewGenerator(openai.GeneratorConfig{BaseURL: srv.URL})
		Expect(err).NotTo(HaveOccurred())
		defer g.Close()

		_, err = g.Generate(context.Background(), &llm.GenerateRequest{Prompt: "p"})
		Expect(err).To(HaveOccurred())
		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(1)))
	})

	It("rejects a response with no choices", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
		}))
		defer srv.Close()

		g, err := openai.NewGenerator(openai.GeneratorConfig{BaseURL: srv.URL})
		Expect(err).NotTo(HaveOccurred())
		defer g.Close()

		_, err = g.Generate(context.Background(), &llm.GenerateRequest{Prompt: "p"})
		Expect(err).To(HaveOccurred())
	})
})
