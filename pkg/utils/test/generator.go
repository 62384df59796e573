package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/inkfold/retell/pkg/llm"
)

// MockGenerator is a test generator that replays scripted responses in
// order and records the requests it received.
type MockGenerator struct {
	mu sync.Mutex

	// Responses are returned one per Generate call, in order. When
	// exhausted, Generate returns an error.
	Responses []string

	// Err, when non-nil, is returned by every Generate call.
	Err error

	// Requests records every request passed to Generate.
	Requests []*llm.GenerateRequest

	calls int
}

func NewMockGenerator(responses ...string) *MockGenerator {
	return &MockGenerator{Responses: responses}
}

func (m *MockGenerator) Name() string  { return "mock" }
func (m *MockGenerator) Model() string { return "mock-model" }

func (m *MockGenerator) Generate(_ context.Context, req *llm.GenerateRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return "", m.Err
	}
	if m.calls >= len(m.Responses) {
		return "", fmt.Errorf("mock generator: no response scripted for call %d", m.calls+1)
	}

	resp := m.Responses[m.calls]
	m.calls++
	return resp, nil
}

// Calls returns how many times Generate was invoked.
func (m *MockGenerator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockGenerator) Close() error {
	return nil
}
