// Package processing orchestrates the document pipeline: malware scan and
// field extraction after upload confirmation, then scoring and the final
// decision once the possession factor is proven. It owns no state of its
// own; every step lands in the session and document stores through guarded
// writes, so a crashed or repeated run can never double-apply.
package processing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kyc-gateway/internal/audit"
	"kyc-gateway/internal/document"
	"kyc-gateway/internal/extract"
	"kyc-gateway/internal/fraud"
	"kyc-gateway/internal/pii"
	"kyc-gateway/internal/platform/metrics"
	"kyc-gateway/internal/scan"
	"kyc-gateway/internal/session"
	id "kyc-gateway/pkg/domain"
	dErrors "kyc-gateway/pkg/domain-errors"
	"kyc-gateway/pkg/platform/sentinel"
	"kyc-gateway/pkg/requestcontext"
)

const intakeTimeout = 2 * time.Minute

// Rejection and review reasons surfaced on the session.
const (
	ReasonInfected         = "document_infected"
	ReasonExpired          = "document_expired"
	ReasonScanFailed       = "scan_failed"
	ReasonExtractionFailed = "extraction_failed"
)

type Sessions interface {
	AdvanceOnOTPVerified(ctx context.Context, sessionID id.SessionID) (*session.Session, error)
	Finalize(ctx context.Context, sessionID id.SessionID, outcome session.Status, score float64, reason string) (*session.Session, error)
	Fail(ctx context.Context, sessionID id.SessionID, from, to session.Status, reason string) (*session.Session, error)
}

type SessionReader interface {
	FindByID(ctx context.Context, sessionID id.SessionID) (*session.Session, error)
}

type DocumentStore interface {
	FindByID(ctx context.Context, docID id.DocumentID) (*document.Document, error)
	FindLiveBySession(ctx context.Context, sessionID id.SessionID) (*document.Document, error)
	SetScanResult(ctx context.Context, docID id.DocumentID, status document.ScanStatus, threat string) error
	SetExtraction(ctx context.Context, docID id.DocumentID, ext document.Extraction) error
	SetOCRError(ctx context.Context, docID id.DocumentID) error
}

type Assessor interface {
	Assess(ctx context.Context, sess *session.Session, doc *document.Document) (*fraud.Assessment, error)
}

// Service is the pipeline orchestrator. It also implements the OTP
// service's Workflow.
type Service struct {
	sessions  Sessions
	reader    SessionReader
	documents DocumentStore
	scanner   scan.Scanner
	extractor extract.Extractor
	codec     *pii.Codec
	assessor  Assessor
	recorder  audit.Recorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithRecorder(recorder audit.Recorder) Option {
	return func(s *Service) { s.recorder = recorder }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(sessions Sessions, reader SessionReader, documents DocumentStore, scanner scan.Scanner, extractor extract.Extractor, codec *pii.Codec, assessor Assessor, opts ...Option) *Service {
	s := &Service{
		sessions:  sessions,
		reader:    reader,
		documents: documents,
		scanner:   scanner,
		extractor: extractor,
		codec:     codec,
		assessor:  assessor,
		logger:    slog.Default(),
		tracer:    otel.Tracer("kyc-gateway/processing"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleDocumentConfirmed kicks off intake in the background. The upload
// request returns immediately; the session sits in pending_otp while the
// scan and extraction run.
func (s *Service) HandleDocumentConfirmed(docID id.DocumentID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), intakeTimeout)
		defer cancel()
		if err := s.ProcessDocument(ctx, docID); err != nil {
			s.logger.Error("document intake failed",
				"document_id", docID.String(), "error", err)
		}
	}()
}

// ProcessDocument runs scan and extraction for a confirmed document. Safe to
// re-run: settled scan verdicts and extractions are guarded by conditional
// writes.
func (s *Service) ProcessDocument(ctx context.Context, docID id.DocumentID) error {
	ctx, span := s.tracer.Start(ctx, "pipeline.intake",
		trace.WithAttributes(attribute.String("document.id", docID.String())))
	defer span.End()
	start := time.Now()

	doc, err := s.documents.FindByID(ctx, docID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	sess, err := s.reader.FindByID(ctx, doc.SessionID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if doc.ScanStatus == document.ScanPending {
		proceed, err := s.runScan(ctx, sess, doc)
		if err != nil || !proceed {
			if err != nil {
				span.RecordError(err)
			}
			return err
		}
		doc.ScanStatus = document.ScanClean
	}
	if doc.ScanStatus != document.ScanClean {
		return nil
	}

	if doc.OCRStatus == document.OCRPending {
		if err := s.runExtraction(ctx, sess, doc); err != nil {
			span.RecordError(err)
			return err
		}
	}

	s.metrics.ObservePipeline(time.Since(start))
	return nil
}

// runScan obtains the verdict and settles infected/unavailable outcomes.
// It reports whether the pipeline should continue to extraction.
func (s *Service) runScan(ctx context.Context, sess *session.Session, doc *document.Document) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.scan")
	defer span.End()

	result, err := s.scanner.Scan(ctx, doc.StorageKey)
	if err != nil {
		// No verdict means no progress. The document is marked failed and
		// the session parked for an operator; clean is never assumed.
		s.metrics.IncrementScan("failed")
		if markErr := s.documents.SetScanResult(ctx, doc.ID, document.ScanFailed, ""); markErr != nil {
			return false, markErr
		}
		if _, failErr := s.sessions.Fail(ctx, sess.ID, sess.Status, session.StatusReview, ReasonScanFailed); failErr != nil {
			return false, failErr
		}
		s.emit(ctx, sess, audit.ActionScanFailed, map[string]any{
			"document_id": doc.ID.String(),
		})
		if errors.Is(err, sentinel.ErrUnavailable) {
			return false, nil
		}
		return false, err
	}

	s.metrics.IncrementScan(string(result.Verdict))
	switch result.Verdict {
	case scan.VerdictInfected:
		if err := s.documents.SetScanResult(ctx, doc.ID, document.ScanInfected, result.Threat); err != nil {
			return false, err
		}
		if _, err := s.sessions.Fail(ctx, sess.ID, sess.Status, session.StatusRejected, ReasonInfected); err != nil {
			return false, err
		}
		s.emit(ctx, sess, audit.ActionScanCompleted, map[string]any{
			"document_id": doc.ID.String(),
			"verdict":     "infected",
			"threat":      result.Threat,
		})
		return false, nil
	case scan.VerdictClean:
		if err := s.documents.SetScanResult(ctx, doc.ID, document.ScanClean, ""); err != nil {
			return false, err
		}
		s.emit(ctx, sess, audit.ActionScanCompleted, map[string]any{
			"document_id": doc.ID.String(),
			"verdict":     "clean",
		})
		return true, nil
	}
	return false, nil
}

// runExtraction pulls identity fields out of a clean document, encrypts
// them and checks document expiry. Transient extractor failures leave the
// OCR status pending so a later run can retry.
func (s *Service) runExtraction(ctx context.Context, sess *session.Session, doc *document.Document) error {
	ctx, span := s.tracer.Start(ctx, "pipeline.extract")
	defer span.End()

	extraction, err := s.extractor.Extract(ctx, doc.StorageKey)
	if err != nil {
		if errors.Is(err, sentinel.ErrUnavailable) {
			s.logger.Warn("extractor unavailable, will retry",
				"document_id", doc.ID.String())
			return nil
		}
		// Permanently unreadable document.
		if markErr := s.documents.SetOCRError(ctx, doc.ID); markErr != nil {
			return markErr
		}
		if _, failErr := s.sessions.Fail(ctx, sess.ID, sess.Status, session.StatusReview, ReasonExtractionFailed); failErr != nil {
			return failErr
		}
		s.emit(ctx, sess, audit.ActionExtractionFailed, map[string]any{
			"document_id": doc.ID.String(),
		})
		return nil
	}

	blob, err := s.codec.EncryptFields(extraction.Fields)
	if err != nil {
		return err
	}
	stored := document.Extraction{
		Blob:        blob,
		DocNumberFP: s.codec.Fingerprint(extraction.Fields.DocumentNumber),
		Confidence:  extraction.Confidence,
	}
	expiry, expired := parseExpiry(extraction.Fields.ExpiryDate, requestcontext.Now(ctx))
	if expiry != nil {
		stored.IDExpiry = expiry
	}
	if err := s.documents.SetExtraction(ctx, doc.ID, stored); err != nil {
		return err
	}
	s.emit(ctx, sess, audit.ActionExtractionDone, map[string]any{
		"document_id": doc.ID.String(),
		"confidence":  extraction.Confidence,
	})

	if expired {
		if _, err := s.sessions.Fail(ctx, sess.ID, sess.Status, session.StatusRejected, ReasonExpired); err != nil {
			return err
		}
	}
	return nil
}

// CompleteAfterOTP advances the session to processing, makes sure the
// document made it through extraction, scores the session and finalizes it.
// Called synchronously from OTP verification so the user gets the outcome
// in the verify response.
func (s *Service) CompleteAfterOTP(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.complete",
		trace.WithAttributes(attribute.String("session.id", sessionID.String())))
	defer span.End()
	start := time.Now()

	sess, err := s.sessions.AdvanceOnOTPVerified(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	doc, err := s.documents.FindLiveBySession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load document")
	}

	// The background intake may not have run yet when the code arrives
	// quickly; run the outstanding scan synchronously so the verify response
	// carries the real outcome instead of parking a clean document.
	if doc.ScanStatus == document.ScanPending {
		proceed, err := s.runScan(ctx, sess, doc)
		switch {
		case errors.Is(err, sentinel.ErrConflict):
			// The background run settled the verdict first; read it back.
			if doc, err = s.documents.FindByID(ctx, doc.ID); err != nil {
				return nil, err
			}
		case err != nil:
			span.RecordError(err)
			return nil, err
		case !proceed:
			// runScan settled the session (infected or scanner down).
			return s.reader.FindByID(ctx, sessionID)
		default:
			doc.ScanStatus = document.ScanClean
		}
	}
	if doc.ScanStatus != document.ScanClean {
		return s.sessions.Finalize(ctx, sessionID, session.StatusReview, 0, ReasonScanFailed)
	}

	// Extraction may still be pending if the background run hit a transient
	// failure; give it one synchronous try before deciding.
	if doc.OCRStatus == document.OCRPending {
		if err := s.runExtraction(ctx, sess, doc); err != nil {
			span.RecordError(err)
			return nil, err
		}
		doc, err = s.documents.FindByID(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
		// The retry may have settled the session itself (unreadable or
		// expired document); report that outcome instead of re-finalizing.
		sess, err = s.reader.FindByID(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess.Status != session.StatusProcessing {
			return sess, nil
		}
	}
	if doc.OCRStatus != document.OCRDone {
		return s.sessions.Finalize(ctx, sessionID, session.StatusReview, 0, ReasonExtractionFailed)
	}

	assessment, err := s.assessor.Assess(ctx, sess, doc)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.emit(ctx, sess, audit.ActionFraudScored, map[string]any{
		"score": assessment.Score,
		"flags": assessment.Flags,
	})

	final, err := s.sessions.Finalize(ctx, sessionID, assessment.Outcome, assessment.Score, assessment.Reason)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.metrics.ObservePipeline(time.Since(start))
	return final, nil
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

// parseExpiry reads an expiry date in either plain date or RFC 3339 form and
// reports whether it is in the past. Missing or unparseable dates are left
// to the extraction confidence signal.
func parseExpiry(value string, now time.Time) (*time.Time, bool) {
	if value == "" {
		return nil, false
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, t.Before(now)
		}
	}
	return nil, false
}
