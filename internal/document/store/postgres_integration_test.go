//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"kyc-gateway/internal/document"
	"kyc-gateway/internal/document/store"
	"kyc-gateway/internal/session"
	sessionStore "kyc-gateway/internal/session/store"
	id "kyc-gateway/pkg/domain"
	"kyc-gateway/pkg/platform/sentinel"
	"kyc-gateway/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.Postgres
	sessions *sessionStore.Postgres
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
	s.sessions = sessionStore.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	err := s.postgres.TruncateTables(ctx, "otp_challenges", "kyc_documents", "kyc_sessions")
	s.Require().NoError(err)
}

// seedSession creates the owning session a document row needs.
func (s *PostgresStoreSuite) seedSession() *session.Session {
	now := time.Now().UTC().Truncate(time.Microsecond)
	sess := &session.Session{
		ID:             id.SessionID(uuid.New()),
		UserID:         id.UserID(uuid.New()),
		Status:         session.StatusPendingUpload,
		SelectedIDType: session.IDTypePassport,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.Require().NoError(s.sessions.Create(context.Background(), sess))
	return sess
}

func (s *PostgresStoreSuite) newDocument(sess *session.Session) *document.Document {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &document.Document{
		ID:         id.DocumentID(uuid.New()),
		SessionID:  sess.ID,
		DocType:    session.IDTypePassport,
		StorageKey: "kyc/" + sess.UserID.String() + "/passport/" + uuid.NewString() + ".jpg",
		ScanStatus: document.ScanPending,
		OCRStatus:  document.OCRPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (s *PostgresStoreSuite) TestCreateAndFind() {
	ctx := context.Background()
	sess := s.seedSession()
	doc := s.newDocument(sess)

	s.Require().NoError(s.store.Create(ctx, doc))

	got, err := s.store.FindByID(ctx, doc.ID)
	s.Require().NoError(err)
	s.Equal(doc.StorageKey, got.StorageKey)
	s.Equal(document.ScanPending, got.ScanStatus)

	live, err := s.store.FindLiveBySession(ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(doc.ID, live.ID)

	byKey, err := s.store.FindByStorageKey(ctx, doc.StorageKey)
	s.Require().NoError(err)
	s.Equal(doc.ID, byKey.ID)
}

func (s *PostgresStoreSuite) TestOneLiveDocumentPerType() {
	ctx := context.Background()
	sess := s.seedSession()
	s.Require().NoError(s.store.Create(ctx, s.newDocument(sess)))

	s.ErrorIs(s.store.Create(ctx, s.newDocument(sess)), sentinel.ErrConflict)
}

func (s *PostgresStoreSuite) TestScanResultOnlyFromPending() {
	ctx := context.Background()
	sess := s.seedSession()
	doc := s.newDocument(sess)
	s.Require().NoError(s.store.Create(ctx, doc))

	s.Require().NoError(s.store.SetScanResult(ctx, doc.ID, document.ScanClean, ""))

	// The scan verdict is written once; a repeated write is a conflict.
	s.ErrorIs(s.store.SetScanResult(ctx, doc.ID, document.ScanInfected, "Eicar-Test"), sentinel.ErrConflict)

	got, err := s.store.FindByID(ctx, doc.ID)
	s.Require().NoError(err)
	s.Equal(document.ScanClean, got.ScanStatus)
}

func (s *PostgresStoreSuite) TestExtractionRequiresCleanScan() {
	ctx := context.Background()
	sess := s.seedSession()
	doc := s.newDocument(sess)
	s.Require().NoError(s.store.Create(ctx, doc))

	expiry := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
	ext := document.Extraction{
		Blob:        []byte("sealed"),
		DocNumberFP: "fp-abc123",
		Confidence:  0.92,
		IDExpiry:    &expiry,
	}

	// Scan still pending: no extraction may land.
	s.ErrorIs(s.store.SetExtraction(ctx, doc.ID, ext), sentinel.ErrConflict)

	s.Require().NoError(s.store.SetScanResult(ctx, doc.ID, document.ScanClean, ""))
	s.Require().NoError(s.store.SetExtraction(ctx, doc.ID, ext))

	got, err := s.store.FindByID(ctx, doc.ID)
	s.Require().NoError(err)
	s.Equal(document.OCRDone, got.OCRStatus)
	s.Equal("fp-abc123", got.DocNumberFP)
	s.Equal([]byte("sealed"), got.ExtractedBlob)

	// Extraction is also write-once.
	s.ErrorIs(s.store.SetExtraction(ctx, doc.ID, ext), sentinel.ErrConflict)
}

func (s *PostgresStoreSuite) TestSetOCRError() {
	ctx := context.Background()
	sess := s.seedSession()
	doc := s.newDocument(sess)
	s.Require().NoError(s.store.Create(ctx, doc))

	s.Require().NoError(s.store.SetOCRError(ctx, doc.ID))
	s.ErrorIs(s.store.SetOCRError(ctx, doc.ID), sentinel.ErrConflict)

	got, err := s.store.FindByID(ctx, doc.ID)
	s.Require().NoError(err)
	s.Equal(document.OCRError, got.OCRStatus)
}

func (s *PostgresStoreSuite) TestArchiveBySession() {
	ctx := context.Background()
	sess := s.seedSession()
	doc := s.newDocument(sess)
	s.Require().NoError(s.store.Create(ctx, doc))

	s.Require().NoError(s.store.ArchiveBySession(ctx, sess.ID))

	_, err := s.store.FindLiveBySession(ctx, sess.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)

	// The archived row itself survives.
	got, err := s.store.FindByID(ctx, doc.ID)
	s.Require().NoError(err)
	s.NotNil(got.ArchivedAt)

	// A replacement of the same type is allowed now.
	s.Require().NoError(s.store.Create(ctx, s.newDocument(sess)))
}

func (s *PostgresStoreSuite) TestFingerprintInUse() {
	ctx := context.Background()
	other := s.seedSession()
	otherDoc := s.newDocument(other)
	s.Require().NoError(s.store.Create(ctx, otherDoc))
	s.Require().NoError(s.store.SetScanResult(ctx, otherDoc.ID, document.ScanClean, ""))
	s.Require().NoError(s.store.SetExtraction(ctx, otherDoc.ID, document.Extraction{
		Blob:        []byte("sealed"),
		DocNumberFP: "fp-shared",
		Confidence:  0.9,
	}))

	// Another user presenting the same document number is flagged.
	inUse, err := s.store.FingerprintInUse(ctx, "fp-shared", id.UserID(uuid.New()))
	s.Require().NoError(err)
	s.True(inUse)

	// The owner's own sessions never count against them.
	inUse, err = s.store.FingerprintInUse(ctx, "fp-shared", other.UserID)
	s.Require().NoError(err)
	s.False(inUse)

	inUse, err = s.store.FingerprintInUse(ctx, "fp-unknown", id.UserID(uuid.New()))
	s.Require().NoError(err)
	s.False(inUse)
}
