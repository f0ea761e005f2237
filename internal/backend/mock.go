package backend

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockResponse configures a single response from the mock generator.
type MockResponse struct {
	Data  []byte
	Error error
	Delay time.Duration
}

// MockGenerator is a configurable mock backend for testing.
type MockGenerator struct {
	mu        sync.Mutex
	responses []MockResponse
	callIndex int
	calls     []Request
}

// NewMockGenerator creates a mock generator with a sequence of responses.
// Responses are returned in order; if exhausted, the last response repeats.
func NewMockGenerator(responses ...MockResponse) *MockGenerator {
	return &MockGenerator{responses: responses}
}

// Generate returns the next configured response.
func (m *MockGenerator) Generate(ctx context.Context, req Request) (*Audio, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	if len(m.responses) == 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("mock: no responses configured")
	}
	idx := m.callIndex
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	} else {
		m.callIndex++
	}
	resp := m.responses[idx]
	m.mu.Unlock()

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return nil, TransientError("generation interrupted", ctx.Err())
		}
	}

	if resp.Error != nil {
		return nil, resp.Error
	}
	return &Audio{
		Data:        resp.Data,
		ContentType: "audio/mpeg",
		Duration:    time.Duration(req.DurationSeconds) * time.Second,
	}, nil
}

// Calls returns a copy of the requests seen so far.
func (m *MockGenerator) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
