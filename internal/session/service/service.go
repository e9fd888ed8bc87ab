// Package service implements the session state machine. Every status change
// goes through Transition's conditional write, so racing requests surface as
// conflicts instead of double-advances.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"kyc-gateway/internal/audit"
	"kyc-gateway/internal/document"
	"kyc-gateway/internal/platform/metrics"
	"kyc-gateway/internal/session"
	id "kyc-gateway/pkg/domain"
	dErrors "kyc-gateway/pkg/domain-errors"
	"kyc-gateway/pkg/platform/sentinel"
	txcontext "kyc-gateway/pkg/platform/tx"
	"kyc-gateway/pkg/requestcontext"
)

type SessionStore interface {
	Create(ctx context.Context, sess *session.Session) error
	FindByID(ctx context.Context, sessionID id.SessionID) (*session.Session, error)
	FindActiveByUser(ctx context.Context, userID id.UserID) (*session.Session, error)
	Transition(ctx context.Context, sessionID id.SessionID, from, to session.Status, changes session.Changes) (*session.Session, error)
	CountByUserSince(ctx context.Context, userID id.UserID, since time.Time) (int, error)
}

type DocumentStore interface {
	FindLiveBySession(ctx context.Context, sessionID id.SessionID) (*document.Document, error)
	ArchiveBySession(ctx context.Context, sessionID id.SessionID) error
}

// Service owns session lifecycle. It is deliberately free of upload, scan
// and OTP concerns; those components call back into it to advance state.
type Service struct {
	sessions  SessionStore
	documents DocumentStore
	runner    txcontext.Runner
	recorder  audit.Recorder
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithRecorder(recorder audit.Recorder) Option {
	return func(s *Service) { s.recorder = recorder }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New constructs a Service.
func New(sessions SessionStore, documents DocumentStore, runner txcontext.Runner, opts ...Option) *Service {
	s := &Service{
		sessions:  sessions,
		documents: documents,
		runner:    runner,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start returns the caller's active session, creating one in pending_consent
// when none exists. Repeated calls are idempotent: the user never holds two
// active sessions at once.
func (s *Service) Start(ctx context.Context) (*session.Session, bool, error) {
	userID := requestcontext.UserID(ctx)
	if userID.IsNil() {
		return nil, false, dErrors.New(dErrors.CodeSecurity, "missing authenticated user")
	}

	existing, err := s.sessions.FindActiveByUser(ctx, userID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up active session")
	}

	now := requestcontext.Now(ctx)
	sess := &session.Session{
		ID:        id.SessionID(uuid.New()),
		UserID:    userID,
		Status:    session.StatusPendingConsent,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			// A concurrent request won the creation race; hand back its row.
			winner, findErr := s.sessions.FindActiveByUser(ctx, userID)
			if findErr != nil {
				return nil, false, dErrors.Wrap(findErr, dErrors.CodeInternal, "failed to load racing session")
			}
			return winner, false, nil
		}
		return nil, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create session")
	}

	s.emit(ctx, sess, audit.ActionSessionCreated, nil)
	if s.metrics != nil {
		s.metrics.SessionsCreated.Inc()
	}
	return sess, true, nil
}

// RecordConsent captures the user's consent and moves the session to
// pending_upload. The consent timestamp, policy version and client IP are
// stored on the session row itself.
func (s *Service) RecordConsent(ctx context.Context, sessionID id.SessionID, version string) (*session.Session, error) {
	if version == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "consent version is required")
	}
	sess, err := s.ownedSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireEdge(sess.Status, session.StatusPendingUpload); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	ip := requestcontext.ClientIP(ctx)
	updated, err := s.transition(ctx, sessionID, sess.Status, session.StatusPendingUpload, session.Changes{
		ConsentTimestamp: &now,
		ConsentVersion:   &version,
		ConsentIP:        &ip,
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, updated, audit.ActionConsentRecorded, map[string]any{
		"consent_version": version,
	})
	return updated, nil
}

// StampIDType records the document type the user picked for the upcoming
// upload. It is a field update within pending_upload, not a state change.
func (s *Service) StampIDType(ctx context.Context, sessionID id.SessionID, idType session.IDType) (*session.Session, error) {
	if !session.ValidIDType(idType) {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unsupported id type %q", idType))
	}
	sess, err := s.ownedSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusPendingUpload {
		return nil, dErrors.New(dErrors.CodeConflict, "session is not awaiting an upload")
	}
	return s.transition(ctx, sessionID, sess.Status, sess.Status, session.Changes{
		SelectedIDType: &idType,
	})
}

// ChangeIDType archives the session's live documents and resets it to
// pending_upload with the new type, so the user re-uploads from scratch.
// Allowed until processing starts.
func (s *Service) ChangeIDType(ctx context.Context, sessionID id.SessionID, idType session.IDType) (*session.Session, error) {
	if !session.ValidIDType(idType) {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unsupported id type %q", idType))
	}
	sess, err := s.ownedSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusPendingUpload && sess.Status != session.StatusPendingOTP {
		return nil, dErrors.New(dErrors.CodeConflict, "id type can no longer be changed")
	}
	prior := sess.SelectedIDType

	var updated *session.Session
	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.documents.ArchiveBySession(ctx, sessionID); err != nil {
			return err
		}
		updated, err = s.transition(ctx, sessionID, sess.Status, session.StatusPendingUpload, session.Changes{
			SelectedIDType: &idType,
		})
		return err
	})
	if err != nil {
		var dErr *dErrors.Error
		if errors.As(err, &dErr) {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to change id type")
	}

	s.emit(ctx, updated, audit.ActionIDTypeChanged, map[string]any{
		"previous_type": string(prior),
		"new_type":      string(idType),
	})
	return updated, nil
}

// AdvanceOnDocumentConfirmed moves pending_upload → pending_otp once the
// uploaded object has been confirmed in storage.
func (s *Service) AdvanceOnDocumentConfirmed(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	return s.transition(ctx, sessionID, session.StatusPendingUpload, session.StatusPendingOTP, session.Changes{})
}

// AdvanceOnOTPVerified moves pending_otp → processing after a successful
// challenge verification.
func (s *Service) AdvanceOnOTPVerified(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	verified := true
	updated, err := s.transition(ctx, sessionID, session.StatusPendingOTP, session.StatusProcessing, session.Changes{
		OTPVerified: &verified,
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, updated, audit.ActionOTPVerified, nil)
	return updated, nil
}

// Finalize settles a processing session into approved, rejected or review
// with the fraud score that drove the outcome.
func (s *Service) Finalize(ctx context.Context, sessionID id.SessionID, outcome session.Status, score float64, reason string) (*session.Session, error) {
	if outcome != session.StatusApproved && outcome != session.StatusRejected && outcome != session.StatusReview {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("invalid outcome %q", outcome))
	}
	changes := session.Changes{FraudScore: &score}
	if reason != "" {
		changes.RejectionReason = &reason
	}
	updated, err := s.transition(ctx, sessionID, session.StatusProcessing, outcome, changes)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, updated, audit.ActionSessionFinalized, map[string]any{
		"outcome":     string(outcome),
		"fraud_score": score,
		"reason":      reason,
	})
	s.metrics.IncrementFinalized(string(outcome))
	return updated, nil
}

// Fail moves a mid-flow session to rejected or review with a reason. The
// pipeline uses it for infected, expired and unscannable documents found
// before processing starts.
func (s *Service) Fail(ctx context.Context, sessionID id.SessionID, from, to session.Status, reason string) (*session.Session, error) {
	if to != session.StatusRejected && to != session.StatusReview {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("invalid failure status %q", to))
	}
	if err := s.requireEdge(from, to); err != nil {
		return nil, err
	}
	updated, err := s.transition(ctx, sessionID, from, to, session.Changes{
		RejectionReason: &reason,
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, updated, audit.ActionSessionFinalized, map[string]any{
		"outcome": string(to),
		"reason":  reason,
	})
	s.metrics.IncrementFinalized(string(to))
	return updated, nil
}

// Resolve lets an operator settle a session parked in review. The operator
// identity comes from the admin token and lands in the audit trail.
func (s *Service) Resolve(ctx context.Context, sessionID id.SessionID, outcome session.Status, reason string) (*session.Session, error) {
	if outcome != session.StatusApproved && outcome != session.StatusRejected {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("invalid resolution %q", outcome))
	}
	actor := requestcontext.ActorID(ctx)
	if actor == "" {
		return nil, dErrors.New(dErrors.CodeSecurity, "missing operator identity")
	}

	changes := session.Changes{}
	if reason != "" {
		changes.RejectionReason = &reason
	}
	updated, err := s.transition(ctx, sessionID, session.StatusReview, outcome, changes)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, updated, audit.ActionSessionResolved, map[string]any{
		"outcome": string(outcome),
		"reason":  reason,
		"actor":   actor,
	})
	s.metrics.IncrementFinalized(string(outcome))
	return updated, nil
}

// Details is a session joined with its live document, shaped for the status
// endpoint. The document carries no decrypted PII.
type Details struct {
	Session  *session.Session
	Document *document.Document
}

// Get returns the caller's session with its live document, if any.
func (s *Service) Get(ctx context.Context, sessionID id.SessionID) (*Details, error) {
	sess, err := s.ownedSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	doc, err := s.documents.FindLiveBySession(ctx, sessionID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load document")
	}
	return &Details{Session: sess, Document: doc}, nil
}

// GetForReview loads any session without an ownership check. Admin only.
func (s *Service) GetForReview(ctx context.Context, sessionID id.SessionID) (*Details, error) {
	sess, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "session not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}
	doc, err := s.documents.FindLiveBySession(ctx, sessionID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load document")
	}
	return &Details{Session: sess, Document: doc}, nil
}

// Load returns the caller's session, enforcing ownership the same way the
// other operations do. Collaborators like the upload broker use it before
// acting on a session.
func (s *Service) Load(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	return s.ownedSession(ctx, sessionID)
}

// ownedSession loads a session and verifies the caller owns it. A foreign
// session reads as not found so session IDs cannot be probed.
func (s *Service) ownedSession(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	sess, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "session not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}
	if sess.UserID != requestcontext.UserID(ctx) {
		return nil, dErrors.New(dErrors.CodeNotFound, "session not found")
	}
	return sess, nil
}

func (s *Service) requireEdge(from, to session.Status) error {
	if from == to {
		return nil
	}
	if !session.CanTransition(from, to) {
		return dErrors.New(dErrors.CodeConflict,
			fmt.Sprintf("cannot move session from %s to %s", from, to))
	}
	return nil
}

func (s *Service) transition(ctx context.Context, sessionID id.SessionID, from, to session.Status, changes session.Changes) (*session.Session, error) {
	if err := s.requireEdge(from, to); err != nil {
		return nil, err
	}
	updated, err := s.sessions.Transition(ctx, sessionID, from, to, changes)
	if err != nil {
		switch {
		case errors.Is(err, sentinel.ErrConflict):
			return nil, dErrors.New(dErrors.CodeConflict, "session state changed concurrently")
		case errors.Is(err, sentinel.ErrNotFound):
			return nil, dErrors.New(dErrors.CodeNotFound, "session not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update session")
	}
	return updated, nil
}

func (s *Service) emit(ctx context.Context, sess *session.Session, action string, details map[string]any) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(ctx, audit.Entry{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Action:    action,
		Details:   details,
	})
}
