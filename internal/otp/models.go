// Package otp implements the possession-factor challenge tied to a
// verification session. Codes are short-lived, stored only as salted hashes
// and bounded by both a per-challenge attempt cap and a per-user issuance
// rate limit.
package otp

import (
	"time"

	id "kyc-gateway/pkg/domain"
)

// Method is the delivery channel for a challenge.
type Method string

const (
	MethodSMS   Method = "sms"
	MethodEmail Method = "email"
)

// ValidMethod reports whether m is a supported delivery channel.
func ValidMethod(m Method) bool {
	return m == MethodSMS || m == MethodEmail
}

// Challenge is one issued OTP. The plaintext code exists only in the
// delivery message; HashedCode is a bcrypt digest.
type Challenge struct {
	ID                id.ChallengeID
	SessionID         id.SessionID
	HashedCode        string
	Method            Method
	DestinationMasked string
	ExpiresAt         time.Time
	Attempts          int
	MaxAttempts       int
	VerifiedAt        *time.Time
	InvalidatedAt     *time.Time
	CreatedAt         time.Time
}

// Active reports whether the challenge can still be verified at t.
func (c *Challenge) Active(t time.Time) bool {
	return c.VerifiedAt == nil && c.InvalidatedAt == nil && t.Before(c.ExpiresAt)
}
