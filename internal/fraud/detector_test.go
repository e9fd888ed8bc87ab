package fraud

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"kyc-gateway/internal/document"
	"kyc-gateway/internal/session"
	id "kyc-gateway/pkg/domain"
)

type DetectorSuite struct {
	suite.Suite
	fingerprints *stubFingerprints
	sessions     *stubCounter
	detector     *Detector
}

type stubFingerprints struct {
	inUse bool
	err   error
}

func (s *stubFingerprints) FingerprintInUse(_ context.Context, _ string, _ id.UserID) (bool, error) {
	return s.inUse, s.err
}

type stubCounter struct {
	count int
	err   error
}

func (s *stubCounter) CountByUserSince(_ context.Context, _ id.UserID, _ time.Time) (int, error) {
	return s.count, s.err
}

func TestDetectorSuite(t *testing.T) {
	suite.Run(t, new(DetectorSuite))
}

func (s *DetectorSuite) SetupTest() {
	s.fingerprints = &stubFingerprints{}
	s.sessions = &stubCounter{count: 1}
	s.detector = NewDetector(s.fingerprints, s.sessions, slog.Default())
}

func (s *DetectorSuite) assess(confidence float64) *Assessment {
	sess := &session.Session{
		ID:     id.SessionID(uuid.New()),
		UserID: id.UserID(uuid.New()),
		Status: session.StatusProcessing,
	}
	doc := &document.Document{
		ID:            id.DocumentID(uuid.New()),
		SessionID:     sess.ID,
		ScanStatus:    document.ScanClean,
		OCRStatus:     document.OCRDone,
		OCRConfidence: &confidence,
		DocNumberFP:   "fp-test",
	}
	assessment, err := s.detector.Assess(context.Background(), sess, doc)
	s.Require().NoError(err)
	return assessment
}

func (s *DetectorSuite) TestAssess() {
	s.Run("clean document with no flags is approved", func() {
		a := s.assess(0.95)
		s.Equal(session.StatusApproved, a.Outcome)
		s.Zero(a.Score)
		s.Empty(a.Flags)
	})

	s.Run("duplicate document is always rejected", func() {
		s.fingerprints.inUse = true
		defer func() { s.fingerprints.inUse = false }()

		a := s.assess(0.95)
		s.Equal(session.StatusRejected, a.Outcome)
		s.Equal(FlagDuplicateDocument, a.Reason)
		s.InDelta(0.6, a.Score, 1e-9)
	})

	s.Run("low confidence alone goes to review", func() {
		a := s.assess(0.5)
		s.Equal(session.StatusReview, a.Outcome)
		s.Contains(a.Flags, FlagLowOCRConfidence)
		s.InDelta(0.3, a.Score, 1e-9)
	})

	s.Run("velocity alone goes to review", func() {
		s.sessions.count = 3
		defer func() { s.sessions.count = 1 }()

		a := s.assess(0.95)
		s.Equal(session.StatusReview, a.Outcome)
		s.Contains(a.Flags, FlagVelocity)
		s.InDelta(0.2, a.Score, 1e-9)
	})

	s.Run("stacked signals cross the rejection threshold", func() {
		s.fingerprints.inUse = true
		s.sessions.count = 5
		defer func() {
			s.fingerprints.inUse = false
			s.sessions.count = 1
		}()

		a := s.assess(0.5)
		s.Equal(session.StatusRejected, a.Outcome)
		s.InDelta(1.1, a.Score, 1e-9)
		s.Len(a.Flags, 3)
	})

	s.Run("confidence exactly at the floor passes", func() {
		a := s.assess(0.75)
		s.Equal(session.StatusApproved, a.Outcome)
	})

	s.Run("signal source failure aborts instead of approving", func() {
		s.sessions.err = errors.New("db down")
		defer func() { s.sessions.err = nil }()

		sess := &session.Session{ID: id.SessionID(uuid.New()), UserID: id.UserID(uuid.New())}
		confidence := 0.95
		doc := &document.Document{OCRConfidence: &confidence, DocNumberFP: "fp"}
		_, err := s.detector.Assess(context.Background(), sess, doc)
		s.Error(err)
	})
}
