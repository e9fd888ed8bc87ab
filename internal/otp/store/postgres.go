// Package store provides OTP challenge persistence.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kyc-gateway/internal/otp"
	id "kyc-gateway/pkg/domain"
	"kyc-gateway/pkg/platform/sentinel"
	txcontext "kyc-gateway/pkg/platform/tx"
)

// Postgres implements the challenge store on otp_challenges. Attempt counting
// is a single atomic increment so concurrent verify calls each observe a
// distinct attempt number.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Postgres) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const challengeColumns = `id, session_id, hashed_code, method, destination_masked,
	expires_at, attempts, max_attempts, verified_at, invalidated_at, created_at`

// Create inserts a new challenge.
func (s *Postgres) Create(ctx context.Context, ch *otp.Challenge) error {
	query := `
		INSERT INTO otp_challenges (` + challengeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(ch.ID),
		uuid.UUID(ch.SessionID),
		ch.HashedCode,
		string(ch.Method),
		ch.DestinationMasked,
		ch.ExpiresAt,
		ch.Attempts,
		ch.MaxAttempts,
		ch.VerifiedAt,
		ch.InvalidatedAt,
		ch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

// InvalidateActive expires every still-active challenge for the session, so
// a re-send leaves exactly one verifiable code.
func (s *Postgres) InvalidateActive(ctx context.Context, sessionID id.SessionID, now time.Time) error {
	query := `
		UPDATE otp_challenges
		SET invalidated_at = $2
		WHERE session_id = $1
		  AND verified_at IS NULL
		  AND invalidated_at IS NULL
		  AND expires_at > $2
	`
	if _, err := s.execer(ctx).ExecContext(ctx, query, uuid.UUID(sessionID), now); err != nil {
		return fmt.Errorf("invalidate challenges: %w", err)
	}
	return nil
}

// FindLatestActive returns the session's newest verifiable challenge.
func (s *Postgres) FindLatestActive(ctx context.Context, sessionID id.SessionID, now time.Time) (*otp.Challenge, error) {
	query := `
		SELECT ` + challengeColumns + `
		FROM otp_challenges
		WHERE session_id = $1
		  AND verified_at IS NULL
		  AND invalidated_at IS NULL
		  AND expires_at > $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	row := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(sessionID), now)
	return scanChallenge(row)
}

// IncrementAttempts bumps the attempt counter and returns the new value.
// The increment and read are one statement, so two concurrent verifies get
// distinct attempt numbers.
func (s *Postgres) IncrementAttempts(ctx context.Context, challengeID id.ChallengeID) (int, error) {
	query := `
		UPDATE otp_challenges
		SET attempts = attempts + 1
		WHERE id = $1
		RETURNING attempts
	`
	var attempts int
	err := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(challengeID)).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, sentinel.ErrNotFound
		}
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

// MarkVerified stamps the challenge as consumed. A challenge can only be
// consumed once.
func (s *Postgres) MarkVerified(ctx context.Context, challengeID id.ChallengeID, now time.Time) error {
	query := `
		UPDATE otp_challenges
		SET verified_at = $2
		WHERE id = $1 AND verified_at IS NULL AND invalidated_at IS NULL
	`
	res, err := s.execer(ctx).ExecContext(ctx, query, uuid.UUID(challengeID), now)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrAlreadyUsed
	}
	return nil
}

func scanChallenge(row *sql.Row) (*otp.Challenge, error) {
	var (
		ch          otp.Challenge
		challengeID uuid.UUID
		sessionID   uuid.UUID
		method      string
	)
	err := row.Scan(
		&challengeID,
		&sessionID,
		&ch.HashedCode,
		&method,
		&ch.DestinationMasked,
		&ch.ExpiresAt,
		&ch.Attempts,
		&ch.MaxAttempts,
		&ch.VerifiedAt,
		&ch.InvalidatedAt,
		&ch.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan challenge: %w", err)
	}
	ch.ID = id.ChallengeID(challengeID)
	ch.SessionID = id.SessionID(sessionID)
	ch.Method = otp.Method(method)
	return &ch, nil
}
