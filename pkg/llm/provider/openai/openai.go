// Package openai implements pkg/llm's Generator against OpenAI-compatible
// chat-completion APIs, which covers OpenAI itself and the many local
// servers that speak the same protocol.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/inkfold/retell/pkg/llm"
)

const (
	// DefaultBaseURL points at the OpenAI API.
	DefaultBaseURL = "https://api.openai.com"

	// DefaultModel is used when the config names none.
	DefaultModel = "gpt-4o-mini"

	defaultTimeout = 120 * time.Second
	defaultRetries = 3
)

// Generator calls an OpenAI-compatible chat-completion endpoint.
type Generator struct {
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	httpClient *http.Client
}

// GeneratorConfig holds configuration for the OpenAI generator.
type GeneratorConfig struct {
	// BaseURL is the API root (e.g., "https://api.openai.com").
	// Defaults to DefaultBaseURL if empty.
	BaseURL string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// Model is the chat model to use. Defaults to DefaultModel if empty.
	Model string

	// Timeout bounds each HTTP call. Defaults to 120s if zero.
	Timeout time.Duration

	// MaxRetries bounds retries of transient failures. Defaults to 3 if zero.
	MaxRetries int
}

// NewGenerator creates a generator for an OpenAI-compatible endpoint.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultRetries
	}

	return &Generator{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      model,
		maxRetries: maxRetries,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the canonical provider name.
func (g *Generator) Name() string {
	return "openai"
}

// Model returns the model identifier requests are sent to.
func (g *Generator) Model() string {
	return g.model
}

// Generate performs one chat-completion call, retrying transient failures
// with exponential backoff.
func (g *Generator) Generate(ctx context.Context, req *llm.GenerateRequest) (string, error) {
	jsonBody, err := json.Marshal(chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.Prompt},
		},
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	return backoff.Retry(ctx, func() (string, error) {
		return g.generateOnce(ctx, jsonBody)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(g.maxRetries)),
	)
}

func (g *Generator) generateOnce(ctx context.Context, jsonBody []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", g.baseURL+"/v1/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("chat completion returned status %d: %s", resp.StatusCode, string(body))
		// 429 is a rate limit and worth retrying; other 4xx are not.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return "", backoff.Permanent(fmt.Errorf("no choices returned"))
	}

	return chatResp.Choices[0].Message.Content, nil
}

// Close releases resources held by the generator.
func (g *Generator) Close() error {
	// HTTP client doesn't require explicit cleanup
	return nil
}
