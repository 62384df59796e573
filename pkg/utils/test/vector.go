package testutils

import (
	"context"
	"sort"
	"sync"

	"github.com/inkfold/retell/pkg/vector"
)

// MockVectorDriver is an in-process vector driver for tests. Ranking is by
// explicit score when set, otherwise all documents score equally.
type MockVectorDriver struct {
	mu     sync.Mutex
	docs   map[string]*vector.Document
	Scores map[string]float32

	// FailQuery causes Query to return an error.
	FailQuery error
}

func NewMockVectorDriver() *MockVectorDriver {
	return &MockVectorDriver{
		docs:   make(map[string]*vector.Document),
		Scores: make(map[string]float32),
	}
}

func (m *MockVectorDriver) Add(_ context.Context, docs []vector.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range docs {
		copied := doc
		m.docs[doc.ID] = &copied
	}
	return nil
}

func (m *MockVectorDriver) Query(_ context.Context, q vector.Query) ([]vector.QueryResult, error) {
	if m.FailQuery != nil {
		return nil, m.FailQuery
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []vector.QueryResult
	for _, doc := range m.docs {
		if doc.BookID != q.BookID || doc.Superseded {
			continue
		}
		if q.BeforeChapter > 0 && doc.ChapterIdx >= q.BeforeChapter {
			continue
		}
		score, ok := m.Scores[doc.ID]
		if !ok {
			score = 1
		}
		out = append(out, vector.QueryResult{Document: *doc, Score: score})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if q.TopK > 0 && len(out) > q.TopK {
		out = out[:q.TopK]
	}

	return out, nil
}

func (m *MockVectorDriver) MarkSuperseded(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if doc, ok := m.docs[id]; ok {
			doc.Superseded = true
		}
	}
	return nil
}

func (m *MockVectorDriver) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.docs, id)
	}
	return nil
}

func (m *MockVectorDriver) Close() error {
	return nil
}
