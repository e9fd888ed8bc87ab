// Package extract wraps the OCR collaborator that reads identity fields out
// of a scanned document image.
package extract

import (
	"context"

	"kyc-gateway/internal/pii"
)

// Extraction is the raw OCR outcome before encryption.
type Extraction struct {
	Fields     pii.Fields
	Confidence float64
}

// Extractor obtains identity fields for a stored object. Implementations
// return sentinel.ErrUnavailable for transient collaborator failures, which
// leaves the document retryable.
type Extractor interface {
	Extract(ctx context.Context, storageKey string) (*Extraction, error)
}
