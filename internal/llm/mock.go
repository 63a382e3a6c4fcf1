package llm

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a scripted provider for tests. Responses are returned in order;
// after the script is exhausted the last response repeats.
type Mock struct {
	mu        sync.Mutex
	name      string
	responses []*Response
	errs      []error
	calls     int
	Requests  []Request
	// EmbedFn overrides embedding behavior; nil yields a unit vector seeded
	// by the text length.
	EmbedFn func(text string) ([]float64, error)
	// Unavailable makes Available report false.
	Unavailable bool
}

// NewMock creates a mock provider named name.
func NewMock(name string) *Mock {
	if name == "" {
		name = "mock"
	}
	return &Mock{name: name}
}

// Enqueue appends a scripted response.
func (m *Mock) Enqueue(resp *Response) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	m.errs = append(m.errs, nil)
	return m
}

// EnqueueError appends a scripted failure.
func (m *Mock) EnqueueError(err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, nil)
	m.errs = append(m.errs, err)
	return m
}

// Calls returns how many completions were requested.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Name implements Provider.
func (m *Mock) Name() string { return m.name }

// ModelFor implements Provider.
func (m *Mock) ModelFor(TaskType) string { return m.name + "-model" }

// Available implements Provider.
func (m *Mock) Available(context.Context) bool { return !m.Unavailable }

// Complete implements Provider.
func (m *Mock) Complete(_ context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	idx := m.calls
	m.calls++
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("mock %s: no scripted responses", m.name)
	}
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	if m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	resp := *m.responses[idx]
	if resp.Model == "" {
		resp.Model = m.ModelFor(req.TaskType)
	}
	resp.Provider = m.name
	return &resp, nil
}

// Embed implements Embedder.
func (m *Mock) Embed(_ context.Context, text string) ([]float64, error) {
	if m.EmbedFn != nil {
		return m.EmbedFn(text)
	}
	vec := make([]float64, 8)
	for i, r := range text {
		vec[i%8] += float64(r%17) / 16.0
	}
	return vec, nil
}
