// Package store provides audit persistence. The Postgres store writes the
// append-only log plus a transactional outbox row; the Kafka forwarder ships
// outbox rows downstream.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kyc-gateway/internal/audit"
	id "kyc-gateway/pkg/domain"
	txcontext "kyc-gateway/pkg/platform/tx"
)

// Postgres implements audit.Store on kyc_audit_log and outbox.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// outboxPayload is the JSON structure forwarded to Kafka. Field names match
// audit.Entry for consumer-side deserialization.
type outboxPayload struct {
	ID        string         `json:"ID"`
	SessionID string         `json:"SessionID,omitempty"`
	UserID    string         `json:"UserID,omitempty"`
	Action    string         `json:"Action"`
	Details   map[string]any `json:"Details,omitempty"`
	IP        string         `json:"IP,omitempty"`
	UserAgent string         `json:"UserAgent,omitempty"`
	Timestamp string         `json:"Timestamp"`
}

// Append writes the audit row and its outbox row in one transaction, joining
// a caller transaction when present so a state transition and its audit entry
// commit together.
func (s *Postgres) Append(ctx context.Context, entry audit.Entry) error {
	if tx, ok := txcontext.From(ctx); ok {
		return s.append(ctx, tx, entry)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	if err := s.append(ctx, tx, entry); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Postgres) append(ctx context.Context, tx *sql.Tx, entry audit.Entry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO kyc_audit_log (id, session_id, user_id, action, details, ip, user_agent, timestamp)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
	`,
		entry.ID,
		nullUUID(uuid.UUID(entry.SessionID)),
		nullUUID(uuid.UUID(entry.UserID)),
		entry.Action,
		details,
		entry.IP,
		entry.UserAgent,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	payload := outboxPayload{
		ID:        entry.ID.String(),
		Action:    entry.Action,
		Details:   entry.Details,
		IP:        entry.IP,
		UserAgent: entry.UserAgent,
		Timestamp: entry.Timestamp.Format(time.RFC3339Nano),
	}
	if !entry.SessionID.IsNil() {
		payload.SessionID = entry.SessionID.String()
	}
	if !entry.UserID.IsNil() {
		payload.UserID = entry.UserID.String()
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), entry.Action, payloadBytes, time.Now())
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// ListBySession returns a session's audit trail, oldest first.
func (s *Postgres) ListBySession(ctx context.Context, sessionID id.SessionID) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, action, details, ip, user_agent, timestamp
		FROM kyc_audit_log
		WHERE session_id = $1
		ORDER BY timestamp ASC
	`, uuid.UUID(sessionID))
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			entry     audit.Entry
			sessID    *uuid.UUID
			userID    *uuid.UUID
			details   []byte
			ip        sql.NullString
			userAgent sql.NullString
		)
		if err := rows.Scan(&entry.ID, &sessID, &userID, &entry.Action, &details, &ip, &userAgent, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if sessID != nil {
			entry.SessionID = id.SessionID(*sessID)
		}
		if userID != nil {
			entry.UserID = id.UserID(*userID)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("unmarshal audit details: %w", err)
			}
		}
		entry.IP = ip.String
		entry.UserAgent = userAgent.String
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// UnpublishedOutbox returns up to limit pending outbox rows, oldest first.
func (s *Postgres) UnpublishedOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, payload
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var pending []OutboxRow
	for rows.Next() {
		var row OutboxRow
		if err := rows.Scan(&row.ID, &row.EventType, &row.Payload); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		pending = append(pending, row)
	}
	return pending, rows.Err()
}

// MarkPublished stamps outbox rows as delivered.
func (s *Postgres) MarkPublished(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET published_at = NOW() WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

// OutboxRow is one pending outbox record.
type OutboxRow struct {
	ID        uuid.UUID
	EventType string
	Payload   []byte
}

func nullUUID(u uuid.UUID) *uuid.UUID {
	if u == uuid.Nil {
		return nil
	}
	return &u
}
