package handler

import (
	"strings"

	"kyc-gateway/internal/otp"
	"kyc-gateway/internal/session"
	"kyc-gateway/internal/upload"
	dErrors "kyc-gateway/pkg/domain-errors"
)

// ConsentRequest is the HTTP request body for POST /kyc/sessions/{id}/consent.
type ConsentRequest struct {
	Version string `json:"version"`
}

func (r *ConsentRequest) Validate() error {
	r.Version = strings.TrimSpace(r.Version)
	if r.Version == "" {
		return dErrors.New(dErrors.CodeValidation, "version is required")
	}
	if len(r.Version) > 32 {
		return dErrors.New(dErrors.CodeValidation, "version must be at most 32 characters")
	}
	return nil
}

// UploadGrantRequest is the HTTP request body for
// POST /kyc/sessions/{id}/upload-grant.
type UploadGrantRequest struct {
	IDType      string `json:"id_type"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`

	// Parsed values (populated by Validate)
	parsedIDType session.IDType
}

func (r *UploadGrantRequest) Validate() error {
	r.IDType = strings.TrimSpace(r.IDType)
	if r.IDType == "" {
		return dErrors.New(dErrors.CodeValidation, "id_type is required")
	}
	idType := session.IDType(r.IDType)
	if !session.ValidIDType(idType) {
		return dErrors.New(dErrors.CodeValidation, "id_type is not a supported document type")
	}
	r.parsedIDType = idType

	if strings.TrimSpace(r.Filename) == "" {
		return dErrors.New(dErrors.CodeValidation, "filename is required")
	}
	if strings.TrimSpace(r.ContentType) == "" {
		return dErrors.New(dErrors.CodeValidation, "content_type is required")
	}
	if r.Size <= 0 {
		return dErrors.New(dErrors.CodeValidation, "size must be positive")
	}
	return nil
}

// GrantRequest converts the validated body to the upload service input.
func (r *UploadGrantRequest) GrantRequest() upload.GrantRequest {
	return upload.GrantRequest{
		IDType:   r.parsedIDType,
		Filename: r.Filename,
		MimeType: r.ContentType,
		Size:     r.Size,
	}
}

// ConfirmUploadRequest is the HTTP request body for
// POST /kyc/sessions/{id}/confirm-upload.
type ConfirmUploadRequest struct {
	StorageKey string `json:"storage_key"`
}

func (r *ConfirmUploadRequest) Validate() error {
	r.StorageKey = strings.TrimSpace(r.StorageKey)
	if r.StorageKey == "" {
		return dErrors.New(dErrors.CodeValidation, "storage_key is required")
	}
	if len(r.StorageKey) > 512 {
		return dErrors.New(dErrors.CodeValidation, "storage_key must be at most 512 characters")
	}
	return nil
}

// IssueOTPRequest is the HTTP request body for POST /kyc/sessions/{id}/otp.
type IssueOTPRequest struct {
	Method      string `json:"method"`
	Destination string `json:"destination"`

	parsedMethod otp.Method
}

func (r *IssueOTPRequest) Validate() error {
	r.Method = strings.TrimSpace(r.Method)
	method := otp.Method(r.Method)
	if !otp.ValidMethod(method) {
		return dErrors.New(dErrors.CodeValidation, "method must be sms or email")
	}
	r.parsedMethod = method

	r.Destination = strings.TrimSpace(r.Destination)
	if r.Destination == "" {
		return dErrors.New(dErrors.CodeValidation, "destination is required")
	}
	return nil
}

// VerifyOTPRequest is the HTTP request body for
// POST /kyc/sessions/{id}/otp/verify.
type VerifyOTPRequest struct {
	Code string `json:"code"`
}

func (r *VerifyOTPRequest) Validate() error {
	r.Code = strings.TrimSpace(r.Code)
	if len(r.Code) != 6 {
		return dErrors.New(dErrors.CodeValidation, "code must be 6 digits")
	}
	for _, c := range r.Code {
		if c < '0' || c > '9' {
			return dErrors.New(dErrors.CodeValidation, "code must be 6 digits")
		}
	}
	return nil
}

// ChangeIDTypeRequest is the HTTP request body for
// POST /kyc/sessions/{id}/change-id-type.
type ChangeIDTypeRequest struct {
	IDType string `json:"id_type"`

	parsedIDType session.IDType
}

func (r *ChangeIDTypeRequest) Validate() error {
	r.IDType = strings.TrimSpace(r.IDType)
	if r.IDType == "" {
		return dErrors.New(dErrors.CodeValidation, "id_type is required")
	}
	idType := session.IDType(r.IDType)
	if !session.ValidIDType(idType) {
		return dErrors.New(dErrors.CodeValidation, "id_type is not a supported document type")
	}
	r.parsedIDType = idType
	return nil
}
