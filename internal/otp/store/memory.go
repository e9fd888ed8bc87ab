package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"kyc-gateway/internal/otp"
	id "kyc-gateway/pkg/domain"
	"kyc-gateway/pkg/platform/sentinel"
)

// InMemory mirrors the Postgres store semantics under a mutex.
type InMemory struct {
	mu         sync.Mutex
	challenges map[id.ChallengeID]*otp.Challenge
}

func NewInMemory() *InMemory {
	return &InMemory{challenges: make(map[id.ChallengeID]*otp.Challenge)}
}

func (s *InMemory) Create(_ context.Context, ch *otp.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *ch
	s.challenges[ch.ID] = &clone
	return nil
}

func (s *InMemory) InvalidateActive(_ context.Context, sessionID id.SessionID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.challenges {
		if ch.SessionID == sessionID && ch.Active(now) {
			invalidated := now
			ch.InvalidatedAt = &invalidated
		}
	}
	return nil
}

func (s *InMemory) FindLatestActive(_ context.Context, sessionID id.SessionID, now time.Time) (*otp.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []*otp.Challenge
	for _, ch := range s.challenges {
		if ch.SessionID == sessionID && ch.Active(now) {
			active = append(active, ch)
		}
	}
	if len(active) == 0 {
		return nil, sentinel.ErrNotFound
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	clone := *active[0]
	return &clone, nil
}

func (s *InMemory) IncrementAttempts(_ context.Context, challengeID id.ChallengeID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[challengeID]
	if !ok {
		return 0, sentinel.ErrNotFound
	}
	ch.Attempts++
	return ch.Attempts, nil
}

func (s *InMemory) MarkVerified(_ context.Context, challengeID id.ChallengeID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[challengeID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if ch.VerifiedAt != nil || ch.InvalidatedAt != nil {
		return sentinel.ErrAlreadyUsed
	}
	verified := now
	ch.VerifiedAt = &verified
	return nil
}
