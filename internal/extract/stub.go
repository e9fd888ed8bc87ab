package extract

import (
	"context"
	"sync"
)

// Stub is a programmable extractor for tests and local development.
type Stub struct {
	mu       sync.RWMutex
	results  map[string]*Extraction
	errs     map[string]error
	fallback *Extraction
}

func NewStub(fallback *Extraction) *Stub {
	return &Stub{
		results:  make(map[string]*Extraction),
		errs:     make(map[string]error),
		fallback: fallback,
	}
}

func (s *Stub) SetResult(key string, result *Extraction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[key] = result
}

// SetError makes Extract fail for the given key. A nil err clears a
// previously configured failure.
func (s *Stub) SetError(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, key)
		return
	}
	s.errs[key] = err
}

func (s *Stub) Extract(_ context.Context, storageKey string) (*Extraction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err, ok := s.errs[storageKey]; ok {
		return nil, err
	}
	if result, ok := s.results[storageKey]; ok {
		return result, nil
	}
	if s.fallback != nil {
		return s.fallback, nil
	}
	return nil, ErrUnreadable
}
