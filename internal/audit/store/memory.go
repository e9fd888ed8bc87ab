package store

import (
	"context"
	"sync"

	"kyc-gateway/internal/audit"
	id "kyc-gateway/pkg/domain"
)

// InMemory keeps audit entries in a slice. Used by tests and the dev wiring.
type InMemory struct {
	mu      sync.RWMutex
	entries []audit.Entry
}

func NewInMemory() *InMemory {
	return &InMemory{}
}

func (s *InMemory) Append(_ context.Context, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *InMemory) ListBySession(_ context.Context, sessionID id.SessionID) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Entry
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// All returns every recorded entry in append order.
func (s *InMemory) All() []audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}
