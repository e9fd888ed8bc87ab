// Package handler exposes the user-facing verification endpoints. It is a
// thin translation layer: decode and validate the body, call the service,
// map the coded error or render the response. No business rules live here.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"kyc-gateway/internal/document"
	"kyc-gateway/internal/otp"
	"kyc-gateway/internal/platform/middleware"
	"kyc-gateway/internal/session"
	sessionService "kyc-gateway/internal/session/service"
	"kyc-gateway/internal/upload"
	id "kyc-gateway/pkg/domain"
	dErrors "kyc-gateway/pkg/domain-errors"
	"kyc-gateway/pkg/platform/httputil"
	"kyc-gateway/pkg/requestcontext"
)

// SessionService defines the session operations the handlers need.
type SessionService interface {
	Start(ctx context.Context) (*session.Session, bool, error)
	RecordConsent(ctx context.Context, sessionID id.SessionID, version string) (*session.Session, error)
	ChangeIDType(ctx context.Context, sessionID id.SessionID, idType session.IDType) (*session.Session, error)
	Get(ctx context.Context, sessionID id.SessionID) (*sessionService.Details, error)
}

// UploadService defines the upload broker operations the handlers need.
type UploadService interface {
	RequestGrant(ctx context.Context, sessionID id.SessionID, req upload.GrantRequest) (*upload.Grant, error)
	ConfirmUpload(ctx context.Context, sessionID id.SessionID, key string) (*document.Document, error)
}

// OTPService defines the challenge operations the handlers need.
type OTPService interface {
	Issue(ctx context.Context, sessionID id.SessionID, method otp.Method, destination string) (*otp.IssueResult, error)
	Verify(ctx context.Context, sessionID id.SessionID, code string) (*session.Session, error)
}

// Handler handles the /kyc endpoints.
type Handler struct {
	logger       *slog.Logger
	sessions     SessionService
	uploads      UploadService
	otps         OTPService
	jwtValidator middleware.JWTValidator
}

// New creates a new kyc Handler.
func New(
	sessions SessionService,
	uploads UploadService,
	otps OTPService,
	logger *slog.Logger,
	jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		sessions:     sessions,
		uploads:      uploads,
		otps:         otps,
		jwtValidator: jwtValidator,
	}
}

// Register registers the kyc routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	kycRouter := chi.NewRouter()
	kycRouter.Use(middleware.ContentTypeJSON)
	kycRouter.Use(middleware.RequireAuth(h.jwtValidator, h.logger))

	kycRouter.Get("/id-options", h.handleIDOptions)
	kycRouter.Post("/sessions", h.handleCreateSession)
	kycRouter.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.handleGetSession)
		r.Post("/consent", h.handleConsent)
		r.Post("/upload-grant", h.handleUploadGrant)
		r.Post("/confirm-upload", h.handleConfirmUpload)
		r.Post("/otp", h.handleIssueOTP)
		r.Post("/otp/verify", h.handleVerifyOTP)
		r.Post("/change-id-type", h.handleChangeIDType)
	})

	r.Mount("/kyc", kycRouter)
}

// handleIDOptions lists the supported document types. The catalog is
// static but served from the API so clients never hardcode it.
func (h *Handler) handleIDOptions(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, IDOptions())
}

// handleCreateSession starts a verification session, returning the existing
// active one when the user already has it.
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, created, err := h.sessions.Start(ctx)
	if err != nil {
		h.fail(ctx, w, err, "failed to create session")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, FromSession(sess))
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	details, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		h.fail(ctx, w, err, "failed to load session")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromDetails(details))
}

func (h *Handler) handleConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req ConsentRequest
	if err := httputil.DecodeAndPrepare(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	sess, err := h.sessions.RecordConsent(ctx, sessionID, req.Version)
	if err != nil {
		h.fail(ctx, w, err, "failed to record consent")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromSession(sess))
}

func (h *Handler) handleUploadGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req UploadGrantRequest
	if err := httputil.DecodeAndPrepare(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	grant, err := h.uploads.RequestGrant(ctx, sessionID, req.GrantRequest())
	if err != nil {
		h.fail(ctx, w, err, "failed to issue upload grant")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromGrant(grant))
}

func (h *Handler) handleConfirmUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req ConfirmUploadRequest
	if err := httputil.DecodeAndPrepare(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	doc, err := h.uploads.ConfirmUpload(ctx, sessionID, req.StorageKey)
	if err != nil {
		h.fail(ctx, w, err, "failed to confirm upload")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromDocument(doc))
}

func (h *Handler) handleIssueOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req IssueOTPRequest
	if err := httputil.DecodeAndPrepare(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.otps.Issue(ctx, sessionID, req.parsedMethod, req.Destination)
	if err != nil {
		h.fail(ctx, w, err, "failed to issue verification code")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromIssueResult(result))
}

func (h *Handler) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req VerifyOTPRequest
	if err := httputil.DecodeAndPrepare(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	sess, err := h.otps.Verify(ctx, sessionID, req.Code)
	if err != nil {
		h.fail(ctx, w, err, "failed to verify code")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, VerifyOTPResponse{
		Verified: true,
		Session:  FromSession(sess),
	})
}

func (h *Handler) handleChangeIDType(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req ChangeIDTypeRequest
	if err := httputil.DecodeAndPrepare(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	sess, err := h.sessions.ChangeIDType(ctx, sessionID, req.parsedIDType)
	if err != nil {
		h.fail(ctx, w, err, "failed to change document type")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromSession(sess))
}

// fail logs the error with request correlation and writes the coded
// response. Client-caused outcomes log at warn; internal and collaborator
// failures at error.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	args := []any{
		"error", err.Error(),
		"request_id", requestcontext.RequestID(ctx),
	}
	switch dErrors.CodeOf(err) {
	case dErrors.CodeInternal, dErrors.CodeExternal:
		h.logger.ErrorContext(ctx, msg, args...)
	default:
		h.logger.WarnContext(ctx, msg, args...)
	}
	httputil.WriteError(w, err)
}
