package otp_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"kyc-gateway/internal/delivery"
	. "kyc-gateway/internal/otp"
	"kyc-gateway/internal/otp/ratelimit"
	"kyc-gateway/internal/otp/store"
	"kyc-gateway/internal/platform/config"
	"kyc-gateway/internal/session"
	id "kyc-gateway/pkg/domain"
	dErrors "kyc-gateway/pkg/domain-errors"
	"kyc-gateway/pkg/platform/sentinel"
	"kyc-gateway/pkg/requestcontext"
)

// =============================================================================
// OTP Service Test Suite
// =============================================================================
// The attempt-cap ordering (count first, compare second) and the single-
// active-challenge rule are the security-critical behaviors here; both are
// exercised with real bcrypt hashes via the capture sender.

type OTPServiceSuite struct {
	suite.Suite
	store    *store.InMemory
	sessions *stubSessions
	limiter  *ratelimit.InMemory
	sender   *captureSender
	workflow *stubWorkflow
	service  *Service
	userID   id.UserID
}

type stubSessions struct {
	session *session.Session
}

func (s *stubSessions) Load(_ context.Context, sessionID id.SessionID) (*session.Session, error) {
	if s.session == nil || s.session.ID != sessionID {
		return nil, dErrors.New(dErrors.CodeNotFound, "session not found")
	}
	return s.session, nil
}

type captureSender struct {
	messages []delivery.Message
	err      error
}

func (s *captureSender) Send(_ context.Context, msg delivery.Message) error {
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *captureSender) lastCode() string {
	return s.messages[len(s.messages)-1].Code
}

type stubWorkflow struct {
	completed []id.SessionID
	result    *session.Session
	err       error
}

func (w *stubWorkflow) CompleteAfterOTP(_ context.Context, sessionID id.SessionID) (*session.Session, error) {
	if w.err != nil {
		return nil, w.err
	}
	w.completed = append(w.completed, sessionID)
	return w.result, nil
}

func TestOTPServiceSuite(t *testing.T) {
	suite.Run(t, new(OTPServiceSuite))
}

func (s *OTPServiceSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.limiter = ratelimit.NewInMemory(5, time.Hour)
	s.sender = &captureSender{}
	s.userID = id.UserID(uuid.New())

	sess := &session.Session{
		ID:     id.SessionID(uuid.New()),
		UserID: s.userID,
		Status: session.StatusPendingOTP,
	}
	s.sessions = &stubSessions{session: sess}
	s.workflow = &stubWorkflow{result: &session.Session{ID: sess.ID, Status: session.StatusApproved}}

	s.service = New(s.store, s.sessions, s.limiter, s.sender, s.workflow, config.OTPConfig{
		TTL:         10 * time.Minute,
		MaxAttempts: 5,
		IssueLimit:  5,
		IssueWindow: time.Hour,
	})
}

func (s *OTPServiceSuite) ctx() context.Context {
	return requestcontext.WithUserID(context.Background(), s.userID)
}

func (s *OTPServiceSuite) sessionID() id.SessionID {
	return s.sessions.session.ID
}

func (s *OTPServiceSuite) issue() *IssueResult {
	result, err := s.service.Issue(s.ctx(), s.sessionID(), MethodSMS, "+31612345678")
	s.Require().NoError(err)
	return result
}

// =============================================================================
// Issue Tests
// =============================================================================

func (s *OTPServiceSuite) TestIssue() {
	s.Run("issues a challenge and delivers a six digit code", func() {
		result := s.issue()
		s.Equal(MethodSMS, result.Method)
		s.Equal("+31***5678", result.DestinationMasked)

		s.Require().Len(s.sender.messages, 1)
		s.Len(s.sender.lastCode(), 6)

		ch, err := s.store.FindLatestActive(context.Background(), s.sessionID(), time.Now())
		s.Require().NoError(err)
		s.Equal(result.ChallengeID, ch.ID)
		s.NotContains(ch.HashedCode, s.sender.lastCode())
	})

	s.Run("re-issue invalidates the prior challenge", func() {
		first := s.issue()
		second := s.issue()
		s.NotEqual(first.ChallengeID, second.ChallengeID)

		active, err := s.store.FindLatestActive(context.Background(), s.sessionID(), time.Now())
		s.Require().NoError(err)
		s.Equal(second.ChallengeID, active.ID)
	})

	s.Run("sixth issuance within the window is rate limited", func() {
		// Three issued above; two more reach the cap of five.
		s.issue()
		s.issue()
		_, err := s.service.Issue(s.ctx(), s.sessionID(), MethodSMS, "+31612345678")
		s.True(dErrors.HasCode(err, dErrors.CodeRateLimited))
	})

	s.Run("invalid method is rejected", func() {
		_, err := s.service.Issue(s.ctx(), s.sessionID(), "carrier_pigeon", "+31612345678")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("email destination must look like an email", func() {
		_, err := s.service.Issue(s.ctx(), s.sessionID(), MethodEmail, "not-an-email")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("wrong session status is a conflict", func() {
		s.sessions.session.Status = session.StatusProcessing
		defer func() { s.sessions.session.Status = session.StatusPendingOTP }()

		_, err := s.service.Issue(s.ctx(), s.sessionID(), MethodSMS, "+31612345678")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *OTPServiceSuite) TestIssueDeliveryFailure() {
	s.sender.err = sentinel.ErrUnavailable

	_, err := s.service.Issue(s.ctx(), s.sessionID(), MethodSMS, "+31612345678")
	s.True(dErrors.HasCode(err, dErrors.CodeExternal))

	// The undeliverable challenge must not linger as verifiable.
	_, err = s.store.FindLatestActive(context.Background(), s.sessionID(), time.Now())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

// =============================================================================
// Verify Tests
// =============================================================================

func (s *OTPServiceSuite) TestVerify() {
	s.Run("correct code completes the workflow", func() {
		s.issue()
		updated, err := s.service.Verify(s.ctx(), s.sessionID(), s.sender.lastCode())
		s.Require().NoError(err)
		s.Equal(session.StatusApproved, updated.Status)
		s.Require().Len(s.workflow.completed, 1)
		s.Equal(s.sessionID(), s.workflow.completed[0])
	})

	s.Run("wrong code is a security error and consumes an attempt", func() {
		s.issue()
		_, err := s.service.Verify(s.ctx(), s.sessionID(), "000000")
		s.True(dErrors.HasCode(err, dErrors.CodeSecurity))

		ch, findErr := s.store.FindLatestActive(context.Background(), s.sessionID(), time.Now())
		s.Require().NoError(findErr)
		s.Equal(1, ch.Attempts)
	})

	s.Run("no active challenge is not found", func() {
		s.sessions.session = &session.Session{
			ID:     id.SessionID(uuid.New()),
			UserID: s.userID,
			Status: session.StatusPendingOTP,
		}
		_, err := s.service.Verify(s.ctx(), s.sessionID(), "123456")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *OTPServiceSuite) TestVerifyLocksAfterMaxAttempts() {
	s.issue()
	code := s.sender.lastCode()

	for i := 0; i < 5; i++ {
		_, err := s.service.Verify(s.ctx(), s.sessionID(), "000000")
		s.True(dErrors.HasCode(err, dErrors.CodeSecurity), "attempt %d", i+1)
	}

	// The sixth submission locks even with the correct code.
	_, err := s.service.Verify(s.ctx(), s.sessionID(), code)
	s.True(dErrors.HasCode(err, dErrors.CodeRateLimited))
	s.Empty(s.workflow.completed)
}

func (s *OTPServiceSuite) TestVerifyExpiredChallenge() {
	s.issue()
	code := s.sender.lastCode()

	// An expired challenge is no longer active, so there is nothing to
	// verify against.
	late := requestcontext.WithTime(s.ctx(), time.Now().Add(11*time.Minute))
	_, err := s.service.Verify(late, s.sessionID(), code)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *OTPServiceSuite) TestVerifyReissuedCode() {
	s.issue()
	oldCode := s.sender.lastCode()
	s.issue()

	// The superseded code no longer matches the only active challenge.
	_, err := s.service.Verify(s.ctx(), s.sessionID(), oldCode)
	s.True(dErrors.HasCode(err, dErrors.CodeSecurity))

	_, err = s.service.Verify(s.ctx(), s.sessionID(), s.sender.lastCode())
	s.NoError(err)
}
