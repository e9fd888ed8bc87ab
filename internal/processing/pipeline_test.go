package processing

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"kyc-gateway/internal/document"
	docStore "kyc-gateway/internal/document/store"
	"kyc-gateway/internal/extract"
	"kyc-gateway/internal/fraud"
	"kyc-gateway/internal/pii"
	"kyc-gateway/internal/scan"
	"kyc-gateway/internal/session"
	sessionService "kyc-gateway/internal/session/service"
	sessionStore "kyc-gateway/internal/session/store"
	id "kyc-gateway/pkg/domain"
	"kyc-gateway/pkg/platform/sentinel"
	txcontext "kyc-gateway/pkg/platform/tx"
)

// =============================================================================
// Pipeline Test Suite
// =============================================================================
// Exercises the full verification scenarios end to end against the in-memory
// stores: clean approval, infected rejection, expired rejection, unavailable
// scanner parking the session for review, and the duplicate-document check.

type PipelineSuite struct {
	suite.Suite
	sessions  *sessionStore.InMemory
	documents *docStore.InMemory
	scanner   *scan.Stub
	extractor *extract.Stub
	codec     *pii.Codec
	service   *Service
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.sessions = sessionStore.NewInMemory()
	s.documents = docStore.NewInMemory()
	s.scanner = scan.NewStub()
	s.extractor = extract.NewStub(&extract.Extraction{
		Fields: pii.Fields{
			FullName:       "John Doe",
			DateOfBirth:    "1990-01-01",
			DocumentNumber: "P7654321",
			ExpiryDate:     time.Now().AddDate(5, 0, 0).Format("2006-01-02"),
			Nationality:    "GB",
		},
		Confidence: 0.95,
	})

	key := make([]byte, 32)
	_, err := rand.Read(key)
	s.Require().NoError(err)
	s.codec, err = pii.NewCodec(base64.StdEncoding.EncodeToString(key), "fp-key")
	s.Require().NoError(err)

	sessSvc := sessionService.New(s.sessions, s.documents, txcontext.PassthroughRunner{})
	detector := fraud.NewDetector(s.documents, s.sessions, slog.Default())
	s.service = New(sessSvc, s.sessions, s.documents, s.scanner, s.extractor, s.codec, detector)
}

// seed creates a pending_otp session with a confirmed, unscanned document.
func (s *PipelineSuite) seed() (*session.Session, *document.Document) {
	now := time.Now().Add(-48 * time.Hour)
	sess := &session.Session{
		ID:             id.SessionID(uuid.New()),
		UserID:         id.UserID(uuid.New()),
		Status:         session.StatusPendingOTP,
		SelectedIDType: session.IDTypePassport,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.Require().NoError(s.sessions.Create(context.Background(), sess))
	s.documents.SetOwner(sess.ID, sess.UserID)

	doc := &document.Document{
		ID:         id.DocumentID(uuid.New()),
		SessionID:  sess.ID,
		DocType:    session.IDTypePassport,
		StorageKey: "kyc/" + sess.UserID.String() + "/passport/1-abcd.jpg",
		ScanStatus: document.ScanPending,
		OCRStatus:  document.OCRPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.Require().NoError(s.documents.Create(context.Background(), doc))
	return sess, doc
}

func (s *PipelineSuite) sessionStatus(sessID id.SessionID) session.Status {
	sess, err := s.sessions.FindByID(context.Background(), sessID)
	s.Require().NoError(err)
	return sess.Status
}

// =============================================================================
// Intake Tests
// =============================================================================

func (s *PipelineSuite) TestProcessDocumentClean() {
	sess, doc := s.seed()

	s.Require().NoError(s.service.ProcessDocument(context.Background(), doc.ID))

	got, err := s.documents.FindByID(context.Background(), doc.ID)
	s.Require().NoError(err)
	s.Equal(document.ScanClean, got.ScanStatus)
	s.Equal(document.OCRDone, got.OCRStatus)
	s.NotEmpty(got.DocNumberFP)
	s.NotEmpty(got.ExtractedBlob)
	s.Require().NotNil(got.OCRConfidence)
	s.InDelta(0.95, *got.OCRConfidence, 1e-9)

	// Extracted fields are sealed, not stored in the clear.
	fields, err := s.codec.DecryptFields(got.ExtractedBlob)
	s.Require().NoError(err)
	s.Equal("John Doe", fields.FullName)

	s.Equal(session.StatusPendingOTP, s.sessionStatus(sess.ID))
}

func (s *PipelineSuite) TestProcessDocumentInfected() {
	sess, doc := s.seed()
	s.scanner.SetResult(doc.StorageKey, &scan.Result{
		Verdict: scan.VerdictInfected,
		Threat:  "Trojan.Generic.Test",
	})

	s.Require().NoError(s.service.ProcessDocument(context.Background(), doc.ID))

	got, err := s.documents.FindByID(context.Background(), doc.ID)
	s.Require().NoError(err)
	s.Equal(document.ScanInfected, got.ScanStatus)
	s.Equal("Trojan.Generic.Test", got.ScanThreat)
	s.Equal(document.OCRPending, got.OCRStatus)

	final, err := s.sessions.FindByID(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Equal(session.StatusRejected, final.Status)
	s.Equal(ReasonInfected, final.RejectionReason)
}

func (s *PipelineSuite) TestProcessDocumentScannerDown() {
	sess, doc := s.seed()
	s.scanner.SetError(doc.StorageKey, sentinel.ErrUnavailable)

	s.Require().NoError(s.service.ProcessDocument(context.Background(), doc.ID))

	got, err := s.documents.FindByID(context.Background(), doc.ID)
	s.Require().NoError(err)
	s.Equal(document.ScanFailed, got.ScanStatus)

	final, err := s.sessions.FindByID(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Equal(session.StatusReview, final.Status)
	s.Equal(ReasonScanFailed, final.RejectionReason)
}

func (s *PipelineSuite) TestProcessDocumentExpired() {
	sess, doc := s.seed()
	s.extractor.SetResult(doc.StorageKey, &extract.Extraction{
		Fields: pii.Fields{
			FullName:       "John Doe",
			DocumentNumber: "P7654321",
			ExpiryDate:     "2019-06-01",
		},
		Confidence: 0.95,
	})

	s.Require().NoError(s.service.ProcessDocument(context.Background(), doc.ID))

	final, err := s.sessions.FindByID(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Equal(session.StatusRejected, final.Status)
	s.Equal(ReasonExpired, final.RejectionReason)
}

func (s *PipelineSuite) TestProcessDocumentExtractorTransient() {
	sess, doc := s.seed()
	s.extractor.SetError(doc.StorageKey, sentinel.ErrUnavailable)

	s.Require().NoError(s.service.ProcessDocument(context.Background(), doc.ID))

	got, err := s.documents.FindByID(context.Background(), doc.ID)
	s.Require().NoError(err)
	s.Equal(document.ScanClean, got.ScanStatus)
	s.Equal(document.OCRPending, got.OCRStatus)
	s.Equal(session.StatusPendingOTP, s.sessionStatus(sess.ID))
}

func (s *PipelineSuite) TestProcessDocumentUnreadable() {
	sess, doc := s.seed()
	s.extractor.SetError(doc.StorageKey, extract.ErrUnreadable)

	s.Require().NoError(s.service.ProcessDocument(context.Background(), doc.ID))

	got, err := s.documents.FindByID(context.Background(), doc.ID)
	s.Require().NoError(err)
	s.Equal(document.OCRError, got.OCRStatus)

	final, err := s.sessions.FindByID(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Equal(session.StatusReview, final.Status)
	s.Equal(ReasonExtractionFailed, final.RejectionReason)
}

// =============================================================================
// Completion Tests
// =============================================================================

func (s *PipelineSuite) TestCompleteAfterOTPApproves() {
	sess, doc := s.seed()
	s.Require().NoError(s.service.ProcessDocument(context.Background(), doc.ID))

	final, err := s.service.CompleteAfterOTP(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Equal(session.StatusApproved, final.Status)
	s.True(final.OTPVerified)
	s.Require().NotNil(final.FraudScore)
	s.Zero(*final.FraudScore)
}

func (s *PipelineSuite) TestCompleteAfterOTPDuplicateDocument() {
	// First user verifies with the document number.
	otherSess, otherDoc := s.seed()
	s.Require().NoError(s.service.ProcessDocument(context.Background(), otherDoc.ID))
	_, err := s.service.CompleteAfterOTP(context.Background(), otherSess.ID)
	s.Require().NoError(err)

	// Second user shows up with the same number.
	sess, doc := s.seed()
	s.Require().NoError(s.service.ProcessDocument(context.Background(), doc.ID))

	final, err := s.service.CompleteAfterOTP(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Equal(session.StatusRejected, final.Status)
	s.Equal(fraud.FlagDuplicateDocument, final.RejectionReason)
	s.Require().NotNil(final.FraudScore)
	s.InDelta(0.6, *final.FraudScore, 1e-9)
}

func (s *PipelineSuite) TestCompleteAfterOTPLowConfidence() {
	sess, doc := s.seed()
	s.extractor.SetResult(doc.StorageKey, &extract.Extraction{
		Fields:     pii.Fields{FullName: "Blurry Scan", DocumentNumber: "X0000001"},
		Confidence: 0.4,
	})
	s.Require().NoError(s.service.ProcessDocument(context.Background(), doc.ID))

	final, err := s.service.CompleteAfterOTP(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Equal(session.StatusReview, final.Status)
}

func (s *PipelineSuite) TestCompleteAfterOTPRetriesExtraction() {
	sess, doc := s.seed()
	s.extractor.SetError(doc.StorageKey, sentinel.ErrUnavailable)
	s.Require().NoError(s.service.ProcessDocument(context.Background(), doc.ID))

	// Extractor recovers before the user verifies.
	s.extractor.SetResult(doc.StorageKey, &extract.Extraction{
		Fields:     pii.Fields{FullName: "John Doe", DocumentNumber: "P7654321"},
		Confidence: 0.9,
	})
	// Stub error must be cleared so the retry can succeed.
	s.extractor.SetError(doc.StorageKey, nil)

	final, err := s.service.CompleteAfterOTP(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Equal(session.StatusApproved, final.Status)
}

func (s *PipelineSuite) TestCompleteAfterOTPRunsPendingScan() {
	// The user verifies before the background intake has touched the
	// document. The scan and extraction run inline and the clean document
	// still reaches approval.
	sess, doc := s.seed()

	final, err := s.service.CompleteAfterOTP(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Equal(session.StatusApproved, final.Status)

	got, err := s.documents.FindByID(context.Background(), doc.ID)
	s.Require().NoError(err)
	s.Equal(document.ScanClean, got.ScanStatus)
	s.Equal(document.OCRDone, got.OCRStatus)
}

func (s *PipelineSuite) TestCompleteAfterOTPPendingScanInfected() {
	sess, doc := s.seed()
	s.scanner.SetResult(doc.StorageKey, &scan.Result{
		Verdict: scan.VerdictInfected,
		Threat:  "Trojan.Generic.Test",
	})

	final, err := s.service.CompleteAfterOTP(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Equal(session.StatusRejected, final.Status)
	s.Equal(ReasonInfected, final.RejectionReason)

	got, err := s.documents.FindByID(context.Background(), doc.ID)
	s.Require().NoError(err)
	s.Equal(document.ScanInfected, got.ScanStatus)
}

func (s *PipelineSuite) TestCompleteAfterOTPPendingScanScannerDown() {
	sess, doc := s.seed()
	s.scanner.SetError(doc.StorageKey, sentinel.ErrUnavailable)

	final, err := s.service.CompleteAfterOTP(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Equal(session.StatusReview, final.Status)
	s.Equal(ReasonScanFailed, final.RejectionReason)

	got, err := s.documents.FindByID(context.Background(), doc.ID)
	s.Require().NoError(err)
	s.Equal(document.ScanFailed, got.ScanStatus)
}
