// Package store provides the session persistence implementations. The
// Postgres store is authoritative; the in-memory store backs unit tests.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"kyc-gateway/internal/session"
	id "kyc-gateway/pkg/domain"
	"kyc-gateway/pkg/platform/sentinel"
	txcontext "kyc-gateway/pkg/platform/tx"
)

const uniqueViolation = "23505"

// Postgres implements the session store on kyc_sessions. All transitions are
// conditional updates keyed on the expected prior status; zero rows affected
// surfaces as sentinel.ErrConflict.
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

const sessionColumns = `id, user_id, status, selected_id_type, consent_timestamp,
	consent_version, consent_ip, otp_verified, fraud_score, rejection_reason,
	created_at, updated_at`

// Create inserts a new session. The partial unique index on active sessions
// turns a second active session for the same user into ErrConflict.
func (s *Postgres) Create(ctx context.Context, sess *session.Session) error {
	query := `
		INSERT INTO kyc_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, NULLIF($10, ''), $11, $12)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(sess.ID),
		uuid.UUID(sess.UserID),
		string(sess.Status),
		string(sess.SelectedIDType),
		sess.ConsentTimestamp,
		sess.ConsentVersion,
		sess.ConsentIP,
		sess.OTPVerified,
		sess.FraudScore,
		sess.RejectionReason,
		sess.CreatedAt,
		sess.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// FindByID loads a session by ID.
func (s *Postgres) FindByID(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM kyc_sessions WHERE id = $1`
	row := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(sessionID))
	return scanSession(row)
}

// FindActiveByUser returns the user's non-terminal session, if any.
func (s *Postgres) FindActiveByUser(ctx context.Context, userID id.UserID) (*session.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM kyc_sessions
		WHERE user_id = $1 AND status NOT IN ('approved', 'rejected')
	`
	row := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(userID))
	return scanSession(row)
}

// Transition applies a status change plus optional field updates as a single
// conditional write. Zero rows affected means another request already moved
// the session: sentinel.ErrConflict.
func (s *Postgres) Transition(ctx context.Context, sessionID id.SessionID, from, to session.Status, changes session.Changes) (*session.Session, error) {
	sets := []string{"status = $3", "updated_at = NOW()"}
	args := []any{uuid.UUID(sessionID), string(from), string(to)}

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if changes.ConsentTimestamp != nil {
		add("consent_timestamp", *changes.ConsentTimestamp)
	}
	if changes.ConsentVersion != nil {
		add("consent_version", *changes.ConsentVersion)
	}
	if changes.ConsentIP != nil {
		add("consent_ip", *changes.ConsentIP)
	}
	if changes.SelectedIDType != nil {
		add("selected_id_type", string(*changes.SelectedIDType))
	}
	if changes.OTPVerified != nil {
		add("otp_verified", *changes.OTPVerified)
	}
	if changes.FraudScore != nil {
		add("fraud_score", *changes.FraudScore)
	}
	if changes.RejectionReason != nil {
		add("rejection_reason", *changes.RejectionReason)
	}

	query := fmt.Sprintf(`
		UPDATE kyc_sessions
		SET %s
		WHERE id = $1 AND status = $2
		RETURNING `+sessionColumns, strings.Join(sets, ", "))

	row := s.execer(ctx).QueryRowContext(ctx, query, args...)
	updated, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			// Either the session does not exist or its status moved on.
			// Distinguish for the caller: a missing row is NotFound, a
			// changed status is the concurrency conflict.
			if _, findErr := s.FindByID(ctx, sessionID); findErr != nil {
				return nil, findErr
			}
			return nil, sentinel.ErrConflict
		}
		return nil, err
	}
	return updated, nil
}

// CountByUserSince counts the user's sessions created after the cutoff,
// feeding the fraud detector's velocity check.
func (s *Postgres) CountByUserSince(ctx context.Context, userID id.UserID, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM kyc_sessions WHERE user_id = $1 AND created_at > $2`
	var count int
	err := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(userID), since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

func scanSession(row *sql.Row) (*session.Session, error) {
	var (
		sess            session.Session
		sessionID       uuid.UUID
		userID          uuid.UUID
		status          string
		idType          sql.NullString
		consentVersion  sql.NullString
		consentIP       sql.NullString
		rejectionReason sql.NullString
	)
	err := row.Scan(
		&sessionID,
		&userID,
		&status,
		&idType,
		&sess.ConsentTimestamp,
		&consentVersion,
		&consentIP,
		&sess.OTPVerified,
		&sess.FraudScore,
		&rejectionReason,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.ID = id.SessionID(sessionID)
	sess.UserID = id.UserID(userID)
	sess.Status = session.Status(status)
	sess.SelectedIDType = session.IDType(idType.String)
	sess.ConsentVersion = consentVersion.String
	sess.ConsentIP = consentIP.String
	sess.RejectionReason = rejectionReason.String
	return &sess, nil
}
