// Package document holds the uploaded identity document model. A session has
// at most one live document per type; changing ID type archives the old row
// so the audit trail keeps its history.
package document

import (
	"time"

	"kyc-gateway/internal/session"
	id "kyc-gateway/pkg/domain"
)

// ScanStatus is the malware scan outcome for a stored document.
type ScanStatus string

const (
	ScanPending  ScanStatus = "pending"
	ScanClean    ScanStatus = "clean"
	ScanInfected ScanStatus = "infected"
	ScanFailed   ScanStatus = "failed"
)

// OCRStatus is the extraction outcome. It only leaves pending once the scan
// verdict is clean.
type OCRStatus string

const (
	OCRPending OCRStatus = "pending"
	OCRDone    OCRStatus = "done"
	OCRError   OCRStatus = "error"
)

// Document is one uploaded identity document. ExtractedBlob is the encrypted
// PII payload; DocNumberFP is a keyed fingerprint of the document number used
// for duplicate checks without decrypting anything.
type Document struct {
	ID            id.DocumentID
	SessionID     id.SessionID
	DocType       session.IDType
	StorageKey    string
	ScanStatus    ScanStatus
	ScanThreat    string
	OCRStatus     OCRStatus
	OCRConfidence *float64
	ExtractedBlob []byte
	DocNumberFP   string
	IDExpiry      *time.Time
	ArchivedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Extraction is the persisted outcome of a successful OCR pass.
type Extraction struct {
	Blob        []byte
	DocNumberFP string
	Confidence  float64
	IDExpiry    *time.Time
}
