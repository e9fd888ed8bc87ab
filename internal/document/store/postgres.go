// Package store provides the document persistence implementations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"kyc-gateway/internal/document"
	"kyc-gateway/internal/session"
	id "kyc-gateway/pkg/domain"
	"kyc-gateway/pkg/platform/sentinel"
	txcontext "kyc-gateway/pkg/platform/tx"
)

const uniqueViolation = "23505"

// Postgres implements the document store on kyc_documents. Scan and OCR
// status changes are conditional updates so concurrent pipeline runs cannot
// overwrite a settled verdict.
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

const documentColumns = `id, session_id, doc_type, storage_key, scan_status, scan_threat,
	ocr_status, ocr_confidence, extracted_blob, doc_number_fp, id_expiry,
	archived_at, created_at, updated_at`

// Create inserts a new document row. The partial unique index on live
// documents turns a second live document for the same session and type into
// ErrConflict.
func (s *Postgres) Create(ctx context.Context, doc *document.Document) error {
	query := `
		INSERT INTO kyc_documents (id, session_id, doc_type, storage_key, scan_status, ocr_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(doc.ID),
		uuid.UUID(doc.SessionID),
		string(doc.DocType),
		doc.StorageKey,
		string(doc.ScanStatus),
		string(doc.OCRStatus),
		doc.CreatedAt,
		doc.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// FindByID loads a document by ID.
func (s *Postgres) FindByID(ctx context.Context, docID id.DocumentID) (*document.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM kyc_documents WHERE id = $1`
	row := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(docID))
	return scanDocument(row)
}

// FindLiveBySession returns the session's non-archived document, if any.
func (s *Postgres) FindLiveBySession(ctx context.Context, sessionID id.SessionID) (*document.Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM kyc_documents
		WHERE session_id = $1 AND archived_at IS NULL
	`
	row := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(sessionID))
	return scanDocument(row)
}

// FindByStorageKey looks a document up by its object storage key. Used for
// the idempotent confirm-upload path.
func (s *Postgres) FindByStorageKey(ctx context.Context, key string) (*document.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM kyc_documents WHERE storage_key = $1`
	row := s.execer(ctx).QueryRowContext(ctx, query, key)
	return scanDocument(row)
}

// SetScanResult records the scan verdict, conditional on the document still
// being unscanned. Zero rows affected means the verdict already settled.
func (s *Postgres) SetScanResult(ctx context.Context, docID id.DocumentID, status document.ScanStatus, threat string) error {
	query := `
		UPDATE kyc_documents
		SET scan_status = $2, scan_threat = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1 AND scan_status = 'pending'
	`
	res, err := s.execer(ctx).ExecContext(ctx, query, uuid.UUID(docID), string(status), threat)
	if err != nil {
		return fmt.Errorf("update scan result: %w", err)
	}
	return requireOneRow(res)
}

// SetExtraction stores the encrypted extraction outcome. The guard requires a
// clean scan and a pending OCR status, so extraction can never land on an
// infected or already-extracted document.
func (s *Postgres) SetExtraction(ctx context.Context, docID id.DocumentID, ext document.Extraction) error {
	query := `
		UPDATE kyc_documents
		SET ocr_status = 'done', ocr_confidence = $2, extracted_blob = $3,
		    doc_number_fp = $4, id_expiry = $5, updated_at = NOW()
		WHERE id = $1 AND scan_status = 'clean' AND ocr_status = 'pending'
	`
	res, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(docID), ext.Confidence, ext.Blob, ext.DocNumberFP, ext.IDExpiry)
	if err != nil {
		return fmt.Errorf("update extraction: %w", err)
	}
	return requireOneRow(res)
}

// SetOCRError marks extraction as permanently failed for the document.
func (s *Postgres) SetOCRError(ctx context.Context, docID id.DocumentID) error {
	query := `
		UPDATE kyc_documents
		SET ocr_status = 'error', updated_at = NOW()
		WHERE id = $1 AND ocr_status = 'pending'
	`
	res, err := s.execer(ctx).ExecContext(ctx, query, uuid.UUID(docID))
	if err != nil {
		return fmt.Errorf("update ocr status: %w", err)
	}
	return requireOneRow(res)
}

// ArchiveBySession archives every live document for the session. Used when
// the user changes ID type and must re-upload.
func (s *Postgres) ArchiveBySession(ctx context.Context, sessionID id.SessionID) error {
	query := `
		UPDATE kyc_documents
		SET archived_at = NOW(), updated_at = NOW()
		WHERE session_id = $1 AND archived_at IS NULL
	`
	if _, err := s.execer(ctx).ExecContext(ctx, query, uuid.UUID(sessionID)); err != nil {
		return fmt.Errorf("archive documents: %w", err)
	}
	return nil
}

// FingerprintInUse reports whether another user's live document carries the
// same document number fingerprint.
func (s *Postgres) FingerprintInUse(ctx context.Context, fingerprint string, excludeUser id.UserID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM kyc_documents d
			JOIN kyc_sessions s ON s.id = d.session_id
			WHERE d.doc_number_fp = $1
			  AND d.archived_at IS NULL
			  AND s.user_id <> $2
		)
	`
	var exists bool
	err := s.execer(ctx).QueryRowContext(ctx, query, fingerprint, uuid.UUID(excludeUser)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check fingerprint: %w", err)
	}
	return exists, nil
}

func requireOneRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

func scanDocument(row *sql.Row) (*document.Document, error) {
	var (
		doc        document.Document
		docID      uuid.UUID
		sessionID  uuid.UUID
		docType    string
		scanStatus string
		scanThreat sql.NullString
		ocrStatus  string
		fp         sql.NullString
	)
	err := row.Scan(
		&docID,
		&sessionID,
		&docType,
		&doc.StorageKey,
		&scanStatus,
		&scanThreat,
		&ocrStatus,
		&doc.OCRConfidence,
		&doc.ExtractedBlob,
		&fp,
		&doc.IDExpiry,
		&doc.ArchivedAt,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.ID = id.DocumentID(docID)
	doc.SessionID = id.SessionID(sessionID)
	doc.DocType = session.IDType(docType)
	doc.ScanStatus = document.ScanStatus(scanStatus)
	doc.ScanThreat = scanThreat.String
	doc.OCRStatus = document.OCRStatus(ocrStatus)
	doc.DocNumberFP = fp.String
	return &doc, nil
}
