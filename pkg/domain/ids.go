// Package domain defines the typed identifiers shared across the gateway.
// Distinct UUID wrappers keep a session ID from ever being passed where a
// user ID is expected; the compiler enforces the distinction.
package domain

import (
	"github.com/google/uuid"

	dErrors "kyc-gateway/pkg/domain-errors"
)

type (
	// UserID identifies the account undergoing verification.
	UserID uuid.UUID
	// SessionID identifies one verification attempt.
	SessionID uuid.UUID
	// DocumentID identifies one uploaded artifact.
	DocumentID uuid.UUID
	// ChallengeID identifies one issued OTP challenge.
	ChallengeID uuid.UUID
)

// ParseUserID parses and validates a user ID at a trust boundary.
func ParseUserID(s string) (UserID, error) {
	u, err := parseUUID(s, "user id")
	return UserID(u), err
}

// ParseSessionID parses and validates a session ID at a trust boundary.
func ParseSessionID(s string) (SessionID, error) {
	u, err := parseUUID(s, "session id")
	return SessionID(u), err
}

// ParseDocumentID parses and validates a document ID at a trust boundary.
func ParseDocumentID(s string) (DocumentID, error) {
	u, err := parseUUID(s, "document id")
	return DocumentID(u), err
}

// ParseChallengeID parses and validates an OTP challenge ID at a trust boundary.
func ParseChallengeID(s string) (ChallengeID, error) {
	u, err := parseUUID(s, "challenge id")
	return ChallengeID(u), err
}

// parseUUID enforces the shared invariant: IDs must be valid, non-nil UUIDs.
func parseUUID(s, kind string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, kind+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, kind+" is not a valid UUID")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, kind+" must not be the nil UUID")
	}
	return u, nil
}

func (id UserID) String() string      { return uuid.UUID(id).String() }
func (id SessionID) String() string   { return uuid.UUID(id).String() }
func (id DocumentID) String() string  { return uuid.UUID(id).String() }
func (id ChallengeID) String() string { return uuid.UUID(id).String() }

func (id UserID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id SessionID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id DocumentID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id ChallengeID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
