//go:build integration

package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"kyc-gateway/internal/otp"
	"kyc-gateway/internal/otp/store"
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
	now      time.Time
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
	s.now = time.Now().UTC().Truncate(time.Microsecond)
}

func (s *PostgresStoreSuite) seedSession() *session.Session {
	sess := &session.Session{
		ID:             id.SessionID(uuid.New()),
		UserID:         id.UserID(uuid.New()),
		Status:         session.StatusPendingOTP,
		SelectedIDType: session.IDTypePassport,
		CreatedAt:      s.now,
		UpdatedAt:      s.now,
	}
	s.Require().NoError(s.sessions.Create(context.Background(), sess))
	return sess
}

func (s *PostgresStoreSuite) newChallenge(sess *session.Session, createdAt time.Time) *otp.Challenge {
	return &otp.Challenge{
		ID:                id.ChallengeID(uuid.New()),
		SessionID:         sess.ID,
		HashedCode:        "$2a$10$" + uuid.NewString(),
		Method:            otp.MethodSMS,
		DestinationMasked: "+31***5678",
		ExpiresAt:         createdAt.Add(5 * time.Minute),
		MaxAttempts:       5,
		CreatedAt:         createdAt,
	}
}

func (s *PostgresStoreSuite) TestCreateAndFindLatestActive() {
	ctx := context.Background()
	sess := s.seedSession()

	older := s.newChallenge(sess, s.now.Add(-time.Minute))
	newer := s.newChallenge(sess, s.now)
	s.Require().NoError(s.store.Create(ctx, older))
	s.Require().NoError(s.store.Create(ctx, newer))

	got, err := s.store.FindLatestActive(ctx, sess.ID, s.now)
	s.Require().NoError(err)
	s.Equal(newer.ID, got.ID)
	s.Equal(otp.MethodSMS, got.Method)
	s.Equal("+31***5678", got.DestinationMasked)
}

func (s *PostgresStoreSuite) TestFindLatestActiveMissing() {
	sess := s.seedSession()

	_, err := s.store.FindLatestActive(context.Background(), sess.ID, s.now)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestExpiredChallengeNotReturned() {
	ctx := context.Background()
	sess := s.seedSession()

	ch := s.newChallenge(sess, s.now.Add(-10*time.Minute))
	s.Require().NoError(s.store.Create(ctx, ch))

	_, err := s.store.FindLatestActive(ctx, sess.ID, s.now)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestInvalidateActive() {
	ctx := context.Background()
	sess := s.seedSession()

	first := s.newChallenge(sess, s.now.Add(-time.Minute))
	s.Require().NoError(s.store.Create(ctx, first))

	s.Require().NoError(s.store.InvalidateActive(ctx, sess.ID, s.now))

	_, err := s.store.FindLatestActive(ctx, sess.ID, s.now)
	s.ErrorIs(err, sentinel.ErrNotFound)

	// A fresh challenge after invalidation becomes the one verifiable code.
	second := s.newChallenge(sess, s.now)
	s.Require().NoError(s.store.Create(ctx, second))

	got, err := s.store.FindLatestActive(ctx, sess.ID, s.now)
	s.Require().NoError(err)
	s.Equal(second.ID, got.ID)
}

func (s *PostgresStoreSuite) TestIncrementAttempts() {
	ctx := context.Background()
	sess := s.seedSession()
	ch := s.newChallenge(sess, s.now)
	s.Require().NoError(s.store.Create(ctx, ch))

	n, err := s.store.IncrementAttempts(ctx, ch.ID)
	s.Require().NoError(err)
	s.Equal(1, n)

	n, err = s.store.IncrementAttempts(ctx, ch.ID)
	s.Require().NoError(err)
	s.Equal(2, n)

	_, err = s.store.IncrementAttempts(ctx, id.ChallengeID(uuid.New()))
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestConcurrentIncrementsAreDistinct() {
	ctx := context.Background()
	sess := s.seedSession()
	ch := s.newChallenge(sess, s.now)
	s.Require().NoError(s.store.Create(ctx, ch))

	const workers = 10
	results := make([]int, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			n, err := s.store.IncrementAttempts(ctx, ch.ID)
			s.NoError(err)
			results[i] = n
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool, workers)
	for _, n := range results {
		s.False(seen[n], "attempt number %d observed twice", n)
		seen[n] = true
	}
	s.Len(seen, workers)
}

func (s *PostgresStoreSuite) TestMarkVerifiedOnce() {
	ctx := context.Background()
	sess := s.seedSession()
	ch := s.newChallenge(sess, s.now)
	s.Require().NoError(s.store.Create(ctx, ch))

	s.Require().NoError(s.store.MarkVerified(ctx, ch.ID, s.now))
	s.ErrorIs(s.store.MarkVerified(ctx, ch.ID, s.now), sentinel.ErrAlreadyUsed)

	// A verified challenge is no longer active.
	_, err := s.store.FindLatestActive(ctx, sess.ID, s.now)
	s.ErrorIs(err, sentinel.ErrNotFound)
}
