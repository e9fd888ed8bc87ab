// Package session holds the verification session aggregate and its state
// machine. The session service is the only component allowed to mutate
// session status; everything else observes.
package session

import (
	"time"

	id "kyc-gateway/pkg/domain"
)

// Status is the verification session state.
type Status string

const (
	StatusPendingConsent Status = "pending_consent"
	StatusPendingUpload  Status = "pending_upload"
	StatusPendingOTP     Status = "pending_otp"
	StatusProcessing     Status = "processing"
	StatusApproved       Status = "approved"
	StatusRejected       Status = "rejected"
	StatusReview         Status = "review"
)

// Terminal reports whether the status is final. Review is stable but not
// terminal: an operator can still move it.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Active reports whether a session in this status blocks creating another
// one for the same user.
func (s Status) Active() bool {
	return !s.Terminal()
}

// transitions is the allowed edge set. Status only ever advances along these
// edges; every write is guarded by a conditional update on the prior status,
// so a racing request gets a conflict instead of a double-advance.
var transitions = map[Status][]Status{
	StatusPendingConsent: {StatusPendingUpload},
	StatusPendingUpload:  {StatusPendingOTP, StatusRejected, StatusReview},
	StatusPendingOTP:     {StatusProcessing, StatusPendingUpload, StatusRejected, StatusReview},
	StatusProcessing:     {StatusApproved, StatusRejected, StatusReview},
	StatusReview:         {StatusApproved, StatusRejected},
}

// CanTransition reports whether the edge from → to is part of the state
// machine. Rejection and review edges from pending_upload/pending_otp cover
// infected, expired and unscannable documents discovered while the user is
// mid-flow; the pending_otp → pending_upload edge is the ID-type change
// reset.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IDType is a supported identity document type.
type IDType string

const (
	IDTypePassport      IDType = "passport"
	IDTypeDriverLicense IDType = "driver_license"
	IDTypeNationalID    IDType = "national_id"
)

// IDTypes lists the supported document types in display order.
func IDTypes() []IDType {
	return []IDType{IDTypePassport, IDTypeDriverLicense, IDTypeNationalID}
}

// ValidIDType reports whether t is a supported document type.
func ValidIDType(t IDType) bool {
	switch t {
	case IDTypePassport, IDTypeDriverLicense, IDTypeNationalID:
		return true
	}
	return false
}

// Session is one verification attempt. Owned documents and OTP challenges
// are foreign-keyed to it and have no independent lifecycle.
type Session struct {
	ID               id.SessionID
	UserID           id.UserID
	Status           Status
	SelectedIDType   IDType
	ConsentTimestamp *time.Time
	ConsentVersion   string
	ConsentIP        string
	OTPVerified      bool
	FraudScore       *float64
	RejectionReason  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Changes carries the optional field updates applied together with a status
// transition, so transition and payload land in one conditional write.
type Changes struct {
	ConsentTimestamp *time.Time
	ConsentVersion   *string
	ConsentIP        *string
	SelectedIDType   *IDType
	OTPVerified      *bool
	FraudScore       *float64
	RejectionReason  *string
}
