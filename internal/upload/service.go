package upload

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"kyc-gateway/internal/audit"
	"kyc-gateway/internal/document"
	"kyc-gateway/internal/objectstore"
	"kyc-gateway/internal/session"
	id "kyc-gateway/pkg/domain"
	dErrors "kyc-gateway/pkg/domain-errors"
	"kyc-gateway/pkg/platform/sentinel"
	"kyc-gateway/pkg/requestcontext"
)

// magicSniffLen covers the longest signature in magicPrefixes.
const magicSniffLen = 8

type Sessions interface {
	Load(ctx context.Context, sessionID id.SessionID) (*session.Session, error)
	StampIDType(ctx context.Context, sessionID id.SessionID, idType session.IDType) (*session.Session, error)
	AdvanceOnDocumentConfirmed(ctx context.Context, sessionID id.SessionID) (*session.Session, error)
}

type DocumentStore interface {
	Create(ctx context.Context, doc *document.Document) error
	FindByStorageKey(ctx context.Context, key string) (*document.Document, error)
}

// Pipeline is notified once a document is confirmed so scanning and
// extraction can start in the background.
type Pipeline interface {
	HandleDocumentConfirmed(docID id.DocumentID)
}

// Service issues upload grants and confirms completed uploads.
type Service struct {
	storage   objectstore.Storage
	sessions  Sessions
	documents DocumentStore
	pipeline  Pipeline
	recorder  audit.Recorder
	logger    *slog.Logger
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithRecorder(recorder audit.Recorder) Option {
	return func(s *Service) { s.recorder = recorder }
}

func WithPipeline(pipeline Pipeline) Option {
	return func(s *Service) { s.pipeline = pipeline }
}

func New(storage objectstore.Storage, sessions Sessions, documents DocumentStore, opts ...Option) *Service {
	s := &Service{
		storage:   storage,
		sessions:  sessions,
		documents: documents,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GrantRequest is the client's declared upload metadata.
type GrantRequest struct {
	IDType   session.IDType
	Filename string
	MimeType string
	Size     int64
}

// Grant is the issued upload permission.
type Grant struct {
	URL       string
	Key       string
	ExpiresAt time.Time
	MaxSize   int64
}

// RequestGrant validates the declared metadata and returns a presigned PUT
// URL. The selected ID type is stamped on the session so confirmation knows
// what document to expect. Re-requesting a grant before confirming simply
// issues a fresh one.
func (s *Service) RequestGrant(ctx context.Context, sessionID id.SessionID, req GrantRequest) (*Grant, error) {
	sess, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusPendingUpload {
		return nil, dErrors.New(dErrors.CodeConflict, "session is not awaiting an upload")
	}

	ext, err := ValidateMetadata(req.Filename, req.MimeType, req.Size)
	if err != nil {
		return nil, err
	}
	if _, err := s.sessions.StampIDType(ctx, sessionID, req.IDType); err != nil {
		return nil, err
	}

	key, err := s.storageKey(ctx, sess.UserID, req.IDType, ext)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to build storage key")
	}
	grant, err := s.storage.PresignPut(ctx, key, req.MimeType, req.Size)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeExternal, "object storage unavailable")
	}

	s.emit(ctx, sess, audit.ActionGrantIssued, map[string]any{
		"filename": SanitizeFilename(req.Filename),
		"mime":     req.MimeType,
		"size":     req.Size,
		"key":      key,
	})
	return &Grant{
		URL:       grant.URL,
		Key:       grant.Key,
		ExpiresAt: grant.ExpiresAt,
		MaxSize:   MaxFileSize,
	}, nil
}

// ConfirmUpload verifies the object landed in the bucket, registers the
// document and advances the session to pending_otp. Confirming the same key
// twice is idempotent: the second call returns the existing document without
// re-advancing.
func (s *Service) ConfirmUpload(ctx context.Context, sessionID id.SessionID, key string) (*document.Document, error) {
	sess, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(key, fmt.Sprintf("kyc/%s/", sess.UserID)) {
		return nil, dErrors.New(dErrors.CodeValidation, "storage key does not belong to this session")
	}

	if existing, err := s.documents.FindByStorageKey(ctx, key); err == nil {
		if existing.SessionID != sessionID {
			return nil, dErrors.New(dErrors.CodeConflict, "storage key already registered")
		}
		// A failure between document creation and the advance leaves the
		// session behind; a repeated confirm repairs it.
		if sess.Status == session.StatusPendingUpload {
			if _, err := s.sessions.AdvanceOnDocumentConfirmed(ctx, sessionID); err != nil && !dErrors.HasCode(err, dErrors.CodeConflict) {
				return nil, err
			}
			if s.pipeline != nil {
				s.pipeline.HandleDocumentConfirmed(existing.ID)
			}
		}
		return existing, nil
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check document")
	}

	if sess.Status != session.StatusPendingUpload {
		return nil, dErrors.New(dErrors.CodeConflict, "session is not awaiting an upload")
	}
	if sess.SelectedIDType == "" {
		return nil, dErrors.New(dErrors.CodeConflict, "no upload grant was issued for this session")
	}

	info, err := s.storage.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "uploaded object not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeExternal, "object storage unavailable")
	}
	if info.Size > MaxFileSize {
		return nil, dErrors.New(dErrors.CodeValidation, "uploaded object exceeds the size limit")
	}
	if _, allowed := allowedTypes[info.ContentType]; !allowed {
		return nil, dErrors.New(dErrors.CodeValidation, "uploaded object has a disallowed content type")
	}
	head, err := s.storage.ReadPrefix(ctx, key, magicSniffLen)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeExternal, "object storage unavailable")
	}
	if !MatchesMagic(info.ContentType, head) {
		return nil, dErrors.New(dErrors.CodeValidation, "uploaded object does not match its declared type")
	}

	now := requestcontext.Now(ctx)
	doc := &document.Document{
		ID:         id.DocumentID(uuid.New()),
		SessionID:  sessionID,
		DocType:    sess.SelectedIDType,
		StorageKey: key,
		ScanStatus: document.ScanPending,
		OCRStatus:  document.OCRPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.documents.Create(ctx, doc); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "session already has a confirmed document")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to register document")
	}

	if _, err := s.sessions.AdvanceOnDocumentConfirmed(ctx, sessionID); err != nil {
		return nil, err
	}

	s.emit(ctx, sess, audit.ActionUploadConfirmed, map[string]any{
		"key":  key,
		"size": info.Size,
		"mime": info.ContentType,
	})
	if s.pipeline != nil {
		s.pipeline.HandleDocumentConfirmed(doc.ID)
	}
	return doc, nil
}

// storageKey builds the object key: kyc/{user}/{type}/{millis}-{rand}{ext}.
func (s *Service) storageKey(ctx context.Context, userID id.UserID, idType session.IDType, ext string) (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	return fmt.Sprintf("kyc/%s/%s/%d-%s%s",
		userID, idType, requestcontext.Now(ctx).UnixMilli(), hex.EncodeToString(suffix), ext), nil
}

func (s *Service) emit(ctx context.Context, sess *session.Session, action string, details map[string]any) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(ctx, audit.Entry{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Action:    action,
		Details:   details,
	})
}
