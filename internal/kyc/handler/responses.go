package handler

import (
	"time"

	"kyc-gateway/internal/document"
	"kyc-gateway/internal/otp"
	"kyc-gateway/internal/session"
	sessionService "kyc-gateway/internal/session/service"
	"kyc-gateway/internal/upload"
)

// SessionResponse is the client view of a verification session. Extracted
// identity fields never appear here; only processing state does.
type SessionResponse struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	SelectedIDType  string     `json:"selected_id_type,omitempty"`
	ConsentVersion  string     `json:"consent_version,omitempty"`
	ConsentAt       *time.Time `json:"consent_at,omitempty"`
	OTPVerified     bool       `json:"otp_verified"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// FromSession converts a session to its HTTP representation.
func FromSession(sess *session.Session) *SessionResponse {
	return &SessionResponse{
		ID:              sess.ID.String(),
		Status:          string(sess.Status),
		SelectedIDType:  string(sess.SelectedIDType),
		ConsentVersion:  sess.ConsentVersion,
		ConsentAt:       sess.ConsentTimestamp,
		OTPVerified:     sess.OTPVerified,
		RejectionReason: sess.RejectionReason,
		CreatedAt:       sess.CreatedAt,
		UpdatedAt:       sess.UpdatedAt,
	}
}

// DocumentResponse is the client view of the uploaded document.
type DocumentResponse struct {
	ID         string    `json:"id"`
	DocType    string    `json:"doc_type"`
	ScanStatus string    `json:"scan_status"`
	OCRStatus  string    `json:"ocr_status"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// DetailsResponse is the response for GET /kyc/sessions/{id}.
type DetailsResponse struct {
	Session  *SessionResponse  `json:"session"`
	Document *DocumentResponse `json:"document,omitempty"`
}

// FromDetails converts a session with its live document.
func FromDetails(details *sessionService.Details) *DetailsResponse {
	resp := &DetailsResponse{Session: FromSession(details.Session)}
	if details.Document != nil {
		resp.Document = fromDocument(details.Document)
	}
	return resp
}

func fromDocument(doc *document.Document) *DocumentResponse {
	return &DocumentResponse{
		ID:         doc.ID.String(),
		DocType:    string(doc.DocType),
		ScanStatus: string(doc.ScanStatus),
		OCRStatus:  string(doc.OCRStatus),
		UploadedAt: doc.CreatedAt,
	}
}

// GrantResponse is the response for POST /kyc/sessions/{id}/upload-grant.
type GrantResponse struct {
	UploadURL    string    `json:"upload_url"`
	StorageKey   string    `json:"storage_key"`
	ExpiresAt    time.Time `json:"expires_at"`
	MaxSizeBytes int64     `json:"max_size_bytes"`
}

// FromGrant converts an issued grant.
func FromGrant(grant *upload.Grant) *GrantResponse {
	return &GrantResponse{
		UploadURL:    grant.URL,
		StorageKey:   grant.Key,
		ExpiresAt:    grant.ExpiresAt,
		MaxSizeBytes: grant.MaxSize,
	}
}

// IssueOTPResponse is the response for POST /kyc/sessions/{id}/otp. The
// destination comes back masked; the code itself is only ever delivered
// out of band.
type IssueOTPResponse struct {
	ChallengeID string    `json:"challenge_id"`
	Method      string    `json:"method"`
	Destination string    `json:"destination"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// FromIssueResult converts an issued challenge.
func FromIssueResult(result *otp.IssueResult) *IssueOTPResponse {
	return &IssueOTPResponse{
		ChallengeID: result.ChallengeID.String(),
		Method:      string(result.Method),
		Destination: result.DestinationMasked,
		ExpiresAt:   result.ExpiresAt,
	}
}

// VerifyOTPResponse is the response for POST /kyc/sessions/{id}/otp/verify.
type VerifyOTPResponse struct {
	Verified bool             `json:"verified"`
	Session  *SessionResponse `json:"session"`
}

// IDOption is one supported document type for the selection screen.
type IDOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// IDOptionsResponse is the response for GET /kyc/id-options.
type IDOptionsResponse struct {
	Options []IDOption `json:"options"`
}

var idTypeLabels = map[session.IDType]string{
	session.IDTypePassport:      "Passport",
	session.IDTypeDriverLicense: "Driver's license",
	session.IDTypeNationalID:    "National ID card",
}

// IDOptions lists the supported document types in display order.
func IDOptions() *IDOptionsResponse {
	resp := &IDOptionsResponse{}
	for _, t := range session.IDTypes() {
		resp.Options = append(resp.Options, IDOption{ID: string(t), Label: idTypeLabels[t]})
	}
	return resp
}
