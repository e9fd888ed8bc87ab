package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"kyc-gateway/internal/audit"
	"kyc-gateway/internal/delivery"
	"kyc-gateway/internal/otp/ratelimit"
	"kyc-gateway/internal/platform/config"
	"kyc-gateway/internal/platform/metrics"
	"kyc-gateway/internal/session"
	id "kyc-gateway/pkg/domain"
	dErrors "kyc-gateway/pkg/domain-errors"
	"kyc-gateway/pkg/platform/sentinel"
	"kyc-gateway/pkg/requestcontext"
)

type Store interface {
	Create(ctx context.Context, ch *Challenge) error
	InvalidateActive(ctx context.Context, sessionID id.SessionID, now time.Time) error
	FindLatestActive(ctx context.Context, sessionID id.SessionID, now time.Time) (*Challenge, error)
	IncrementAttempts(ctx context.Context, challengeID id.ChallengeID) (int, error)
	MarkVerified(ctx context.Context, challengeID id.ChallengeID, now time.Time) error
}

type Sessions interface {
	Load(ctx context.Context, sessionID id.SessionID) (*session.Session, error)
}

// Workflow picks up the verification flow once the possession factor is
// proven: advance the session, score it and finalize.
type Workflow interface {
	CompleteAfterOTP(ctx context.Context, sessionID id.SessionID) (*session.Session, error)
}

// Service issues and verifies challenges.
type Service struct {
	store    Store
	sessions Sessions
	limiter  ratelimit.Limiter
	sender   delivery.Sender
	workflow Workflow
	recorder audit.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      config.OTPConfig
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

func New(store Store, sessions Sessions, limiter ratelimit.Limiter, sender delivery.Sender, workflow Workflow, cfg config.OTPConfig, opts ...Option) *Service {
	s := &Service{
		store:    store,
		sessions: sessions,
		limiter:  limiter,
		sender:   sender,
		workflow: workflow,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueResult is the client-visible outcome of issuing a challenge. The
// destination is already masked.
type IssueResult struct {
	ChallengeID       id.ChallengeID
	Method            Method
	DestinationMasked string
	ExpiresAt         time.Time
}

// Issue creates a fresh challenge and delivers its code. Any prior active
// challenge for the session is invalidated first, so exactly one code is
// verifiable at a time. Issuance is rate limited per user over a rolling
// window.
func (s *Service) Issue(ctx context.Context, sessionID id.SessionID, method Method, destination string) (*IssueResult, error) {
	sess, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusPendingOTP {
		return nil, dErrors.New(dErrors.CodeConflict, "session is not awaiting verification")
	}
	if !ValidMethod(method) {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unsupported delivery method %q", method))
	}
	destination = strings.TrimSpace(destination)
	if len(destination) < 6 {
		return nil, dErrors.New(dErrors.CodeValidation, "delivery destination is required")
	}
	if method == MethodEmail && !strings.Contains(destination, "@") {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid email destination")
	}

	allowed, err := s.limiter.Allow(ctx, sess.UserID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "rate limiter unavailable")
	}
	if !allowed {
		return nil, dErrors.New(dErrors.CodeRateLimited, "too many codes requested; try again later")
	}

	code, err := generateCode()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate code")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash code")
	}

	now := requestcontext.Now(ctx)
	if err := s.store.InvalidateActive(ctx, sessionID, now); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to invalidate prior challenges")
	}

	ch := &Challenge{
		ID:                id.ChallengeID(uuid.New()),
		SessionID:         sessionID,
		HashedCode:        string(hashed),
		Method:            method,
		DestinationMasked: MaskDestination(destination),
		ExpiresAt:         now.Add(s.cfg.TTL),
		MaxAttempts:       s.cfg.MaxAttempts,
		CreatedAt:         now,
	}
	if err := s.store.Create(ctx, ch); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store challenge")
	}

	err = s.sender.Send(ctx, delivery.Message{
		Method:      string(method),
		Destination: destination,
		Code:        code,
		TTLMinutes:  int(s.cfg.TTL.Minutes()),
	})
	if err != nil {
		// The code can never reach the user; retire the challenge so it
		// does not count against them.
		if invErr := s.store.InvalidateActive(ctx, sessionID, now); invErr != nil {
			s.logger.Error("failed to invalidate undeliverable challenge",
				"session_id", sessionID.String(), "error", invErr)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeExternal, "could not deliver verification code")
	}

	s.emit(ctx, sess, audit.ActionOTPIssued, map[string]any{
		"method":      string(method),
		"destination": ch.DestinationMasked,
	})
	if s.metrics != nil {
		s.metrics.OTPIssued.Inc()
	}
	return &IssueResult{
		ChallengeID:       ch.ID,
		Method:            method,
		DestinationMasked: ch.DestinationMasked,
		ExpiresAt:         ch.ExpiresAt,
	}, nil
}

// Verify checks a submitted code against the session's active challenge.
// Every submission consumes an attempt before the code is compared; once the
// cap is exceeded the challenge locks regardless of what is submitted.
// Success hands off to the workflow, which drives the session to its final
// outcome.
func (s *Service) Verify(ctx context.Context, sessionID id.SessionID, code string) (*session.Session, error) {
	sess, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusPendingOTP {
		return nil, dErrors.New(dErrors.CodeConflict, "session is not awaiting verification")
	}

	now := requestcontext.Now(ctx)
	ch, err := s.store.FindLatestActive(ctx, sessionID, now)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "no active verification code")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load challenge")
	}

	attempt, err := s.store.IncrementAttempts(ctx, ch.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count attempt")
	}
	if attempt > ch.MaxAttempts {
		s.emit(ctx, sess, audit.ActionOTPLocked, map[string]any{
			"challenge_id": ch.ID.String(),
			"attempt":      attempt,
		})
		s.observeVerify("locked")
		return nil, dErrors.New(dErrors.CodeRateLimited, "too many attempts; request a new code")
	}

	if bcrypt.CompareHashAndPassword([]byte(ch.HashedCode), []byte(code)) != nil {
		s.emit(ctx, sess, audit.ActionOTPFailed, map[string]any{
			"challenge_id": ch.ID.String(),
			"attempt":      attempt,
		})
		s.observeVerify("failed")
		return nil, dErrors.New(dErrors.CodeSecurity, "invalid verification code")
	}

	if err := s.store.MarkVerified(ctx, ch.ID, now); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil, dErrors.New(dErrors.CodeConflict, "verification code already used")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to consume challenge")
	}

	s.observeVerify("ok")
	updated, err := s.workflow.CompleteAfterOTP(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) observeVerify(result string) {
	if s.metrics != nil {
		s.metrics.OTPVerified.WithLabelValues(result).Inc()
	}
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

// generateCode draws a uniform 6-digit code from crypto/rand.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// MaskDestination hides the middle of a phone number or email, keeping just
// enough for the user to recognize where the code went.
func MaskDestination(destination string) string {
	if len(destination) < 8 {
		return strings.Repeat("*", len(destination))
	}
	return destination[:3] + "***" + destination[len(destination)-4:]
}
