package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"kyc-gateway/internal/audit"
	auditStore "kyc-gateway/internal/audit/store"
	"kyc-gateway/internal/document"
	docStore "kyc-gateway/internal/document/store"
	"kyc-gateway/internal/session"
	sessionStore "kyc-gateway/internal/session/store"
	id "kyc-gateway/pkg/domain"
	dErrors "kyc-gateway/pkg/domain-errors"
	txcontext "kyc-gateway/pkg/platform/tx"
	"kyc-gateway/pkg/requestcontext"
)

// =============================================================================
// Session Service Test Suite
// =============================================================================
// The state machine's guarded transitions, the ownership checks and the
// audit emission are unit-tested here against the in-memory stores; the
// Postgres stores get the same semantics covered by integration tests.

type SessionServiceSuite struct {
	suite.Suite
	sessions  *sessionStore.InMemory
	documents *docStore.InMemory
	auditLog  *auditStore.InMemory
	service   *Service
	userID    id.UserID
}

func TestSessionServiceSuite(t *testing.T) {
	suite.Run(t, new(SessionServiceSuite))
}

func (s *SessionServiceSuite) SetupTest() {
	s.sessions = sessionStore.NewInMemory()
	s.documents = docStore.NewInMemory()
	s.auditLog = auditStore.NewInMemory()
	s.userID = id.UserID(uuid.New())
	s.service = New(s.sessions, s.documents, txcontext.PassthroughRunner{},
		WithRecorder(syncRecorder{store: s.auditLog}),
	)
}

// syncRecorder persists entries inline so tests can assert on them without a
// background worker.
type syncRecorder struct {
	store *auditStore.InMemory
}

func (r syncRecorder) Record(ctx context.Context, entry audit.Entry) {
	_ = r.store.Append(ctx, entry)
}

func (s *SessionServiceSuite) ctx() context.Context {
	return requestcontext.WithUserID(context.Background(), s.userID)
}

// seed inserts a session directly in the given status. Each seed gets a
// fresh user so the one-active-session constraint never trips across
// subtests; s.ctx() always refers to the most recently seeded user.
func (s *SessionServiceSuite) seed(status session.Status, idType session.IDType) *session.Session {
	s.userID = id.UserID(uuid.New())
	now := time.Now()
	sess := &session.Session{
		ID:             id.SessionID(uuid.New()),
		UserID:         s.userID,
		Status:         status,
		SelectedIDType: idType,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.Require().NoError(s.sessions.Create(context.Background(), sess))
	return sess
}

func (s *SessionServiceSuite) lastAudit(sessionID id.SessionID) audit.Entry {
	entries, err := s.auditLog.ListBySession(context.Background(), sessionID)
	s.Require().NoError(err)
	s.Require().NotEmpty(entries)
	return entries[len(entries)-1]
}

// =============================================================================
// Start Tests
// =============================================================================

func (s *SessionServiceSuite) TestStart() {
	s.Run("creates a session in pending_consent", func() {
		sess, created, err := s.service.Start(s.ctx())
		s.Require().NoError(err)
		s.True(created)
		s.Equal(session.StatusPendingConsent, sess.Status)
		s.Equal(s.userID, sess.UserID)

		entry := s.lastAudit(sess.ID)
		s.Equal(audit.ActionSessionCreated, entry.Action)
	})

	s.Run("second call returns the existing active session", func() {
		first, _, err := s.service.Start(s.ctx())
		s.Require().NoError(err)

		second, created, err := s.service.Start(s.ctx())
		s.Require().NoError(err)
		s.False(created)
		s.Equal(first.ID, second.ID)
	})

	s.Run("missing user in context is a security error", func() {
		_, _, err := s.service.Start(context.Background())
		s.Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeSecurity))
	})
}

// =============================================================================
// Consent Tests
// =============================================================================

func (s *SessionServiceSuite) TestRecordConsent() {
	s.Run("moves pending_consent to pending_upload and stamps consent", func() {
		sess := s.seed(session.StatusPendingConsent, "")
		ctx := requestcontext.WithClientMetadata(s.ctx(), "203.0.113.9", "test-agent")

		updated, err := s.service.RecordConsent(ctx, sess.ID, "v2")
		s.Require().NoError(err)
		s.Equal(session.StatusPendingUpload, updated.Status)
		s.Equal("v2", updated.ConsentVersion)
		s.Equal("203.0.113.9", updated.ConsentIP)
		s.NotNil(updated.ConsentTimestamp)

		entry := s.lastAudit(sess.ID)
		s.Equal(audit.ActionConsentRecorded, entry.Action)
		s.Equal("v2", entry.Details["consent_version"])
	})

	s.Run("empty version is rejected", func() {
		sess := s.seed(session.StatusPendingConsent, "")
		_, err := s.service.RecordConsent(s.ctx(), sess.ID, "")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("consent on an advanced session is a conflict", func() {
		sess := s.seed(session.StatusPendingOTP, session.IDTypePassport)
		_, err := s.service.RecordConsent(s.ctx(), sess.ID, "v2")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("another user's session reads as not found", func() {
		sess := s.seed(session.StatusPendingConsent, "")
		stranger := requestcontext.WithUserID(context.Background(), id.UserID(uuid.New()))
		_, err := s.service.RecordConsent(stranger, sess.ID, "v2")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

// =============================================================================
// ID Type Tests
// =============================================================================

func (s *SessionServiceSuite) TestStampIDType() {
	s.Run("records the selected type during pending_upload", func() {
		sess := s.seed(session.StatusPendingUpload, "")
		updated, err := s.service.StampIDType(s.ctx(), sess.ID, session.IDTypeDriverLicense)
		s.Require().NoError(err)
		s.Equal(session.IDTypeDriverLicense, updated.SelectedIDType)
		s.Equal(session.StatusPendingUpload, updated.Status)
	})

	s.Run("unsupported type is a validation error", func() {
		sess := s.seed(session.StatusPendingUpload, "")
		_, err := s.service.StampIDType(s.ctx(), sess.ID, "voter_card")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *SessionServiceSuite) TestChangeIDType() {
	s.Run("archives documents and resets to pending_upload", func() {
		sess := s.seed(session.StatusPendingOTP, session.IDTypePassport)
		docID := id.DocumentID(uuid.New())
		s.Require().NoError(s.documents.Create(context.Background(), &document.Document{
			ID:         docID,
			SessionID:  sess.ID,
			DocType:    session.IDTypePassport,
			StorageKey: "kyc/u/passport/doc.jpg",
			ScanStatus: document.ScanClean,
			OCRStatus:  document.OCRPending,
		}))

		updated, err := s.service.ChangeIDType(s.ctx(), sess.ID, session.IDTypeNationalID)
		s.Require().NoError(err)
		s.Equal(session.StatusPendingUpload, updated.Status)
		s.Equal(session.IDTypeNationalID, updated.SelectedIDType)

		archived, err := s.documents.FindByID(context.Background(), docID)
		s.Require().NoError(err)
		s.NotNil(archived.ArchivedAt)

		entry := s.lastAudit(sess.ID)
		s.Equal(audit.ActionIDTypeChanged, entry.Action)
		s.Equal("passport", entry.Details["previous_type"])
	})

	s.Run("not allowed once processing started", func() {
		sess := s.seed(session.StatusProcessing, session.IDTypePassport)
		_, err := s.service.ChangeIDType(s.ctx(), sess.ID, session.IDTypeNationalID)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

// =============================================================================
// Finalize and Resolve Tests
// =============================================================================

func (s *SessionServiceSuite) TestFinalize() {
	s.Run("settles a processing session with its score", func() {
		sess := s.seed(session.StatusProcessing, session.IDTypePassport)
		updated, err := s.service.Finalize(s.ctx(), sess.ID, session.StatusApproved, 0.1, "")
		s.Require().NoError(err)
		s.Equal(session.StatusApproved, updated.Status)
		s.Require().NotNil(updated.FraudScore)
		s.InDelta(0.1, *updated.FraudScore, 1e-9)
	})

	s.Run("records the rejection reason", func() {
		sess := s.seed(session.StatusProcessing, session.IDTypePassport)
		updated, err := s.service.Finalize(s.ctx(), sess.ID, session.StatusRejected, 0.8, "duplicate_document")
		s.Require().NoError(err)
		s.Equal("duplicate_document", updated.RejectionReason)

		entry := s.lastAudit(sess.ID)
		s.Equal(audit.ActionSessionFinalized, entry.Action)
		s.Equal("rejected", entry.Details["outcome"])
	})

	s.Run("double finalize is a conflict", func() {
		sess := s.seed(session.StatusProcessing, session.IDTypePassport)
		_, err := s.service.Finalize(s.ctx(), sess.ID, session.StatusApproved, 0.1, "")
		s.Require().NoError(err)
		_, err = s.service.Finalize(s.ctx(), sess.ID, session.StatusRejected, 0.9, "late")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("pending_upload is not finalizable", func() {
		sess := s.seed(session.StatusPendingUpload, session.IDTypePassport)
		_, err := s.service.Finalize(s.ctx(), sess.ID, session.StatusApproved, 0.0, "")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *SessionServiceSuite) TestFail() {
	s.Run("rejects a mid-flow session for an infected document", func() {
		sess := s.seed(session.StatusPendingOTP, session.IDTypePassport)
		updated, err := s.service.Fail(s.ctx(), sess.ID, session.StatusPendingOTP, session.StatusRejected, "document_infected")
		s.Require().NoError(err)
		s.Equal(session.StatusRejected, updated.Status)
		s.Equal("document_infected", updated.RejectionReason)
	})

	s.Run("parks a session in review when the scan backend is down", func() {
		sess := s.seed(session.StatusPendingOTP, session.IDTypePassport)
		updated, err := s.service.Fail(s.ctx(), sess.ID, session.StatusPendingOTP, session.StatusReview, "scan_failed")
		s.Require().NoError(err)
		s.Equal(session.StatusReview, updated.Status)
	})

	s.Run("stale prior status is a conflict", func() {
		sess := s.seed(session.StatusPendingOTP, session.IDTypePassport)
		_, err := s.service.Fail(s.ctx(), sess.ID, session.StatusPendingUpload, session.StatusRejected, "document_expired")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *SessionServiceSuite) TestResolve() {
	adminCtx := func() context.Context {
		return requestcontext.WithActorID(context.Background(), "ops@example.com")
	}

	s.Run("operator approves a review session", func() {
		sess := s.seed(session.StatusReview, session.IDTypePassport)
		updated, err := s.service.Resolve(adminCtx(), sess.ID, session.StatusApproved, "manual check passed")
		s.Require().NoError(err)
		s.Equal(session.StatusApproved, updated.Status)

		entry := s.lastAudit(sess.ID)
		s.Equal(audit.ActionSessionResolved, entry.Action)
		s.Equal("ops@example.com", entry.Details["actor"])
	})

	s.Run("missing operator identity is a security error", func() {
		sess := s.seed(session.StatusReview, session.IDTypePassport)
		_, err := s.service.Resolve(context.Background(), sess.ID, session.StatusApproved, "")
		s.True(dErrors.HasCode(err, dErrors.CodeSecurity))
	})

	s.Run("review cannot resolve back into review", func() {
		sess := s.seed(session.StatusReview, session.IDTypePassport)
		_, err := s.service.Resolve(adminCtx(), sess.ID, session.StatusReview, "")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

// =============================================================================
// Get Tests
// =============================================================================

func (s *SessionServiceSuite) TestGet() {
	s.Run("returns the session with its live document", func() {
		sess := s.seed(session.StatusPendingOTP, session.IDTypePassport)
		s.Require().NoError(s.documents.Create(context.Background(), &document.Document{
			ID:         id.DocumentID(uuid.New()),
			SessionID:  sess.ID,
			DocType:    session.IDTypePassport,
			StorageKey: "kyc/u/passport/doc.jpg",
			ScanStatus: document.ScanClean,
			OCRStatus:  document.OCRDone,
		}))

		details, err := s.service.Get(s.ctx(), sess.ID)
		s.Require().NoError(err)
		s.Equal(sess.ID, details.Session.ID)
		s.Require().NotNil(details.Document)
		s.Equal(document.ScanClean, details.Document.ScanStatus)
	})

	s.Run("no document is not an error", func() {
		sess := s.seed(session.StatusPendingConsent, "")
		details, err := s.service.Get(s.ctx(), sess.ID)
		s.Require().NoError(err)
		s.Nil(details.Document)
	})

	s.Run("unknown session is not found", func() {
		_, err := s.service.Get(s.ctx(), id.SessionID(uuid.New()))
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}
