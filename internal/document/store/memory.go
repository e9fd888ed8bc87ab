package store

import (
	"context"
	"sync"
	"time"

	"kyc-gateway/internal/document"
	id "kyc-gateway/pkg/domain"
	"kyc-gateway/pkg/platform/sentinel"
)

// InMemory mirrors the Postgres store semantics, including the one-live-
// document-per-type constraint and the conditional status guards.
type InMemory struct {
	mu     sync.RWMutex
	byID   map[id.DocumentID]*document.Document
	owners map[id.SessionID]id.UserID
}

func NewInMemory() *InMemory {
	return &InMemory{
		byID:   make(map[id.DocumentID]*document.Document),
		owners: make(map[id.SessionID]id.UserID),
	}
}

// SetOwner registers the user behind a session so fingerprint checks can
// exclude the requesting user, standing in for the join the Postgres store
// does against kyc_sessions.
func (s *InMemory) SetOwner(sessionID id.SessionID, userID id.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[sessionID] = userID
}

func (s *InMemory) Create(_ context.Context, doc *document.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.SessionID == doc.SessionID && existing.DocType == doc.DocType && existing.ArchivedAt == nil {
			return sentinel.ErrConflict
		}
	}
	clone := *doc
	s.byID[doc.ID] = &clone
	return nil
}

func (s *InMemory) FindByID(_ context.Context, docID id.DocumentID) (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.byID[docID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	clone := *doc
	return &clone, nil
}

func (s *InMemory) FindLiveBySession(_ context.Context, sessionID id.SessionID) (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.byID {
		if doc.SessionID == sessionID && doc.ArchivedAt == nil {
			clone := *doc
			return &clone, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) FindByStorageKey(_ context.Context, key string) (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.byID {
		if doc.StorageKey == key {
			clone := *doc
			return &clone, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) SetScanResult(_ context.Context, docID id.DocumentID, status document.ScanStatus, threat string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.byID[docID]
	if !ok || doc.ScanStatus != document.ScanPending {
		return sentinel.ErrConflict
	}
	doc.ScanStatus = status
	doc.ScanThreat = threat
	doc.UpdatedAt = time.Now()
	return nil
}

func (s *InMemory) SetExtraction(_ context.Context, docID id.DocumentID, ext document.Extraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.byID[docID]
	if !ok || doc.ScanStatus != document.ScanClean || doc.OCRStatus != document.OCRPending {
		return sentinel.ErrConflict
	}
	doc.OCRStatus = document.OCRDone
	doc.OCRConfidence = &ext.Confidence
	doc.ExtractedBlob = ext.Blob
	doc.DocNumberFP = ext.DocNumberFP
	doc.IDExpiry = ext.IDExpiry
	doc.UpdatedAt = time.Now()
	return nil
}

func (s *InMemory) SetOCRError(_ context.Context, docID id.DocumentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.byID[docID]
	if !ok || doc.OCRStatus != document.OCRPending {
		return sentinel.ErrConflict
	}
	doc.OCRStatus = document.OCRError
	doc.UpdatedAt = time.Now()
	return nil
}

func (s *InMemory) ArchiveBySession(_ context.Context, sessionID id.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, doc := range s.byID {
		if doc.SessionID == sessionID && doc.ArchivedAt == nil {
			archived := now
			doc.ArchivedAt = &archived
			doc.UpdatedAt = now
		}
	}
	return nil
}

func (s *InMemory) FingerprintInUse(_ context.Context, fingerprint string, excludeUser id.UserID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.byID {
		if doc.DocNumberFP != fingerprint || doc.ArchivedAt != nil || doc.DocNumberFP == "" {
			continue
		}
		if s.owners[doc.SessionID] != excludeUser {
			return true, nil
		}
	}
	return false, nil
}
