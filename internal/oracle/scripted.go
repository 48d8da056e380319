package oracle

import (
	"context"
	"fmt"
	"sync"
)

// Scripted is an Oracle that replays canned responses in order. It exists for
// tests and local demos; production wiring supplies a real client.
type Scripted struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	requests  []Request
}

// NewScripted builds a scripted oracle from the given replies. A nil entry in
// errs (or a shorter errs slice) means the corresponding call succeeds.
func NewScripted(responses ...string) *Scripted {
	return &Scripted{responses: responses}
}

// FailWith makes call number idx (0-based) return err instead of content.
func (s *Scripted) FailWith(idx int, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.errs) <= idx {
		s.errs = append(s.errs, nil)
	}
	s.errs[idx] = err
	return s
}

func (s *Scripted) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.calls
	s.calls++
	s.requests = append(s.requests, req)

	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if idx >= len(s.responses) {
		return nil, fmt.Errorf("scripted oracle exhausted after %d calls", len(s.responses))
	}
	return &Response{Content: s.responses[idx]}, nil
}

func (s *Scripted) Model() string { return "scripted" }

// Calls reports how many times Complete was invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Requests returns a copy of the recorded requests.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}
