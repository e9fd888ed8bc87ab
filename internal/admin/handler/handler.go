// Package handler exposes the operator endpoints for manual review. Every
// action requires the admin role and lands in the audit trail with the
// operator identity attached.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"kyc-gateway/internal/audit"
	kycHandler "kyc-gateway/internal/kyc/handler"
	"kyc-gateway/internal/platform/middleware"
	"kyc-gateway/internal/session"
	sessionService "kyc-gateway/internal/session/service"
	id "kyc-gateway/pkg/domain"
	dErrors "kyc-gateway/pkg/domain-errors"
	"kyc-gateway/pkg/platform/httputil"
	"kyc-gateway/pkg/requestcontext"
)

// SessionService defines the review operations the admin handlers need.
type SessionService interface {
	GetForReview(ctx context.Context, sessionID id.SessionID) (*sessionService.Details, error)
	Resolve(ctx context.Context, sessionID id.SessionID, outcome session.Status, reason string) (*session.Session, error)
}

// AuditReader reads the per-session audit trail.
type AuditReader interface {
	ListBySession(ctx context.Context, sessionID id.SessionID) ([]audit.Entry, error)
}

// Handler handles the /admin/kyc endpoints.
type Handler struct {
	logger       *slog.Logger
	sessions     SessionService
	trail        AuditReader
	jwtValidator middleware.JWTValidator
}

// New creates a new admin Handler.
func New(
	sessions SessionService,
	trail AuditReader,
	logger *slog.Logger,
	jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		sessions:     sessions,
		trail:        trail,
		jwtValidator: jwtValidator,
	}
}

// Register registers the admin routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	adminRouter := chi.NewRouter()
	adminRouter.Use(middleware.ContentTypeJSON)
	adminRouter.Use(middleware.RequireAdmin(h.jwtValidator, h.logger))

	adminRouter.Route("/kyc/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.handleGetSession)
		r.Get("/audit", h.handleAuditTrail)
		r.Post("/approve", h.handleApprove)
		r.Post("/reject", h.handleReject)
	})

	r.Mount("/admin", adminRouter)
}

// ResolveRequest is the optional HTTP request body for approve/reject.
type ResolveRequest struct {
	Reason string `json:"reason"`
}

func (r *ResolveRequest) Validate() error {
	r.Reason = strings.TrimSpace(r.Reason)
	if len(r.Reason) > 256 {
		return dErrors.New(dErrors.CodeValidation, "reason must be at most 256 characters")
	}
	return nil
}

// ResolveResponse is the response for approve/reject.
type ResolveResponse struct {
	Session    *kycHandler.SessionResponse `json:"session"`
	ResolvedBy string                      `json:"resolved_by"`
	ResolvedAt time.Time                   `json:"resolved_at"`
}

// AuditEntryResponse is one audit record in the trail.
type AuditEntryResponse struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditTrailResponse is the response for GET .../audit.
type AuditTrailResponse struct {
	Entries []AuditEntryResponse `json:"entries"`
}

// handleGetSession returns the session under review with its document
// processing state. Extracted identity fields stay encrypted at rest and
// are not part of this view.
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	details, err := h.sessions.GetForReview(ctx, sessionID)
	if err != nil {
		h.fail(ctx, w, err, "failed to load session for review")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, kycHandler.FromDetails(details))
}

func (h *Handler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	entries, err := h.trail.ListBySession(ctx, sessionID)
	if err != nil {
		h.fail(ctx, w, err, "failed to load audit trail")
		return
	}

	resp := AuditTrailResponse{Entries: make([]AuditEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, AuditEntryResponse{
			ID:        e.ID.String(),
			Action:    e.Action,
			Details:   e.Details,
			IP:        e.IP,
			UserAgent: e.UserAgent,
			Timestamp: e.Timestamp,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, session.StatusApproved)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, session.StatusRejected)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, outcome session.Status) {
	ctx := r.Context()
	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	// The body is optional; an empty one resolves without a stated reason.
	var req ResolveRequest
	if r.ContentLength > 0 {
		if err := httputil.DecodeAndPrepare(r, &req); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}

	sess, err := h.sessions.Resolve(ctx, sessionID, outcome, req.Reason)
	if err != nil {
		h.fail(ctx, w, err, "failed to resolve session")
		return
	}

	h.logger.InfoContext(ctx, "session resolved",
		"session_id", sess.ID.String(),
		"outcome", string(outcome),
		"actor", requestcontext.ActorID(ctx),
		"request_id", requestcontext.RequestID(ctx),
	)
	httputil.WriteJSON(w, http.StatusOK, ResolveResponse{
		Session:    kycHandler.FromSession(sess),
		ResolvedBy: requestcontext.ActorID(ctx),
		ResolvedAt: sess.UpdatedAt,
	})
}

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
