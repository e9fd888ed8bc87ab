// Package audit provides the append-only record of every security-relevant
// action. Recording never blocks or fails the triggering operation; delivery
// is made durable by a background worker with retries.
package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"

	id "kyc-gateway/pkg/domain"
)

// Actions recorded across the verification flow.
const (
	ActionSessionCreated   = "session_created"
	ActionConsentRecorded  = "consent_recorded"
	ActionIDTypeChanged    = "id_type_changed"
	ActionGrantIssued      = "upload_grant_issued"
	ActionUploadConfirmed  = "upload_confirmed"
	ActionScanCompleted    = "scan_completed"
	ActionScanFailed       = "scan_failed"
	ActionExtractionDone   = "extraction_completed"
	ActionExtractionFailed = "extraction_failed"
	ActionFraudScored      = "fraud_scored"
	ActionOTPIssued        = "otp_issued"
	ActionOTPVerified      = "otp_verified"
	ActionOTPFailed        = "otp_attempt_failed"
	ActionOTPLocked        = "otp_locked"
	ActionSessionFinalized = "session_finalized"
	ActionSessionResolved  = "session_resolved"
)

// Entry is one immutable audit record. Details carries action-specific
// context and must never contain plaintext PII.
type Entry struct {
	ID        uuid.UUID
	SessionID id.SessionID
	UserID    id.UserID
	Action    string
	Details   map[string]any
	IP        string
	UserAgent string
	Timestamp time.Time
}

// SummarizeUserAgent reduces a raw User-Agent header to "browser/version on
// os" so audit rows stay readable and bounded. Unparseable strings are
// truncated rather than dropped.
func SummarizeUserAgent(raw string) string {
	if raw == "" {
		return ""
	}
	ua := useragent.New(raw)
	name, version := ua.Browser()
	if name != "" {
		summary := name
		if version != "" {
			summary += "/" + version
		}
		if os := ua.OS(); os != "" {
			summary += " on " + os
		}
		return summary
	}
	if len(raw) > 120 {
		return strings.TrimSpace(raw[:120])
	}
	return raw
}
