package platform

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Mock is an in-process adapter for tests and local dry runs. It hands
// out seeded candidates and records what would have been published.
type Mock struct {
	mu         sync.Mutex
	selfID     string
	candidates []Candidate
	search     map[string][]Candidate
	published  []PublishRequest
	failFetch  error
	failNext   int
	failWith   error
	fetches    int
	seq        int
}

// NewMock creates a mock adapter identifying as selfID.
func NewMock(selfID string) *Mock {
	return &Mock{selfID: selfID, search: make(map[string][]Candidate)}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) SelfID() string { return m.selfID }

func (m *Mock) Close() error { return nil }

// Seed replaces the candidate set reply-mode fetches return.
func (m *Mock) Seed(candidates ...Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = candidates
}

// SeedSearch sets the candidates a keyword search for query returns.
func (m *Mock) SeedSearch(query string, candidates ...Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.search[strings.ToLower(query)] = candidates
}

// FailFetches makes every fetch fail with err until reset with nil.
func (m *Mock) FailFetches(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFetch = err
}

// FailPublishes makes the next n publishes fail with err.
func (m *Mock) FailPublishes(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failWith = err
}

// Published returns everything successfully published so far.
func (m *Mock) Published() []PublishRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishRequest, len(m.published))
	copy(out, m.published)
	return out
}

// FetchCalls reports how many fetches were attempted.
func (m *Mock) FetchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// FetchCandidates returns the seeded candidates for the requested mode,
// skipping self-authored ones like a real adapter would.
func (m *Mock) FetchCandidates(_ context.Context, req FetchRequest) ([]Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.failFetch != nil {
		return nil, m.failFetch
	}
	source := m.candidates
	if req.Mode == ModeSearch {
		source = m.search[strings.ToLower(req.Query)]
	}
	out := make([]Candidate, 0, len(source))
	for _, c := range source {
		if c.AuthorID == m.selfID {
			continue
		}
		out = append(out, c)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}

// Publish records the request, or fails when failure injection is armed.
func (m *Mock) Publish(_ context.Context, req PublishRequest) (*PublishResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		if m.failWith != nil {
			return nil, m.failWith
		}
		return nil, &Error{Kind: ErrTransient, Op: "publish", Message: "injected failure"}
	}
	m.seq++
	m.published = append(m.published, req)
	return &PublishResult{RemoteID: fmt.Sprintf("mock-%d", m.seq)}, nil
}
