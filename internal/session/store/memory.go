package store

import (
	"context"
	"sync"
	"time"

	"kyc-gateway/internal/session"
	id "kyc-gateway/pkg/domain"
	"kyc-gateway/pkg/platform/sentinel"
)

// InMemory mirrors the Postgres store's semantics, including the conditional
// transition guard, so services can be unit-tested without a database.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[id.SessionID]*session.Session
}

func NewInMemory() *InMemory {
	return &InMemory{sessions: make(map[id.SessionID]*session.Session)}
}

func (s *InMemory) Create(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.UserID == sess.UserID && existing.Status.Active() {
			return sentinel.ErrConflict
		}
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *InMemory) FindByID(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *InMemory) FindActiveByUser(ctx context.Context, userID id.UserID) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Status.Active() {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) Transition(ctx context.Context, sessionID id.SessionID, from, to session.Status, changes session.Changes) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if sess.Status != from {
		return nil, sentinel.ErrConflict
	}
	sess.Status = to
	sess.UpdatedAt = time.Now()
	if changes.ConsentTimestamp != nil {
		sess.ConsentTimestamp = changes.ConsentTimestamp
	}
	if changes.ConsentVersion != nil {
		sess.ConsentVersion = *changes.ConsentVersion
	}
	if changes.ConsentIP != nil {
		sess.ConsentIP = *changes.ConsentIP
	}
	if changes.SelectedIDType != nil {
		sess.SelectedIDType = *changes.SelectedIDType
	}
	if changes.OTPVerified != nil {
		sess.OTPVerified = *changes.OTPVerified
	}
	if changes.FraudScore != nil {
		sess.FraudScore = changes.FraudScore
	}
	if changes.RejectionReason != nil {
		sess.RejectionReason = *changes.RejectionReason
	}
	cp := *sess
	return &cp, nil
}

func (s *InMemory) CountByUserSince(ctx context.Context, userID id.UserID, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}
