package scan

import (
	"context"
	"sync"
)

// Stub is a programmable scanner for tests and local development. Keys can
// be pinned to a result or an error; everything else scans clean.
type Stub struct {
	mu      sync.RWMutex
	results map[string]*Result
	errs    map[string]error
}

func NewStub() *Stub {
	return &Stub{
		results: make(map[string]*Result),
		errs:    make(map[string]error),
	}
}

func (s *Stub) SetResult(key string, result *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[key] = result
}

// SetError makes Scan fail for the given key. A nil err clears a
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

func (s *Stub) Scan(_ context.Context, storageKey string) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err, ok := s.errs[storageKey]; ok {
		return nil, err
	}
	if result, ok := s.results[storageKey]; ok {
		return result, nil
	}
	return &Result{Verdict: VerdictClean}, nil
}
