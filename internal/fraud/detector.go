// Package fraud scores a verified session before the final decision. Signals
// are additive: a duplicate document number weighs heaviest, followed by low
// extraction confidence and re-verification velocity.
package fraud

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"kyc-gateway/internal/document"
	"kyc-gateway/internal/session"
	id "kyc-gateway/pkg/domain"
	dErrors "kyc-gateway/pkg/domain-errors"
	"kyc-gateway/pkg/requestcontext"
)

// Signal flags and weights.
const (
	FlagDuplicateDocument = "duplicate_document"
	FlagLowOCRConfidence  = "low_ocr_confidence"
	FlagVelocity          = "velocity"

	weightDuplicate  = 0.6
	weightConfidence = 0.3
	weightVelocity   = 0.2

	confidenceFloor = 0.75
	velocityWindow  = 24 * time.Hour
	velocityLimit   = 3
)

// Decision thresholds: below approveBelow with no flags is approved, at or
// above rejectAt (or any duplicate flag) is rejected, everything else goes
// to manual review.
const (
	approveBelow = 0.3
	rejectAt     = 0.7
)

// Assessment is the scored outcome for one session.
type Assessment struct {
	Score   float64
	Flags   []string
	Outcome session.Status
	Reason  string
}

type FingerprintChecker interface {
	FingerprintInUse(ctx context.Context, fingerprint string, excludeUser id.UserID) (bool, error)
}

type SessionCounter interface {
	CountByUserSince(ctx context.Context, userID id.UserID, since time.Time) (int, error)
}

// Detector gathers fraud signals concurrently and folds them into a score.
type Detector struct {
	fingerprints FingerprintChecker
	sessions     SessionCounter
	logger       *slog.Logger
}

func NewDetector(fingerprints FingerprintChecker, sessions SessionCounter, logger *slog.Logger) *Detector {
	return &Detector{
		fingerprints: fingerprints,
		sessions:     sessions,
		logger:       logger,
	}
}

// Assess scores the session's document and history. Signal sources run in
// parallel; any source failing aborts the assessment rather than approving
// on partial evidence.
func (d *Detector) Assess(ctx context.Context, sess *session.Session, doc *document.Document) (*Assessment, error) {
	var (
		duplicate   bool
		recentCount int
	)

	g, gctx := errgroup.WithContext(ctx)

	if doc.DocNumberFP != "" {
		g.Go(func() error {
			inUse, err := d.fingerprints.FingerprintInUse(gctx, doc.DocNumberFP, sess.UserID)
			if err != nil {
				return err
			}
			duplicate = inUse
			return nil
		})
	}

	g.Go(func() error {
		since := requestcontext.Now(ctx).Add(-velocityWindow)
		count, err := d.sessions.CountByUserSince(gctx, sess.UserID, since)
		if err != nil {
			return err
		}
		recentCount = count
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "fraud signal gathering failed")
	}

	var (
		score float64
		flags []string
	)
	if duplicate {
		score += weightDuplicate
		flags = append(flags, FlagDuplicateDocument)
	}
	if doc.OCRConfidence != nil && *doc.OCRConfidence < confidenceFloor {
		score += weightConfidence
		flags = append(flags, FlagLowOCRConfidence)
	}
	if recentCount >= velocityLimit {
		score += weightVelocity
		flags = append(flags, FlagVelocity)
	}

	assessment := decide(score, flags)
	d.logger.Info("fraud assessment completed",
		"session_id", sess.ID.String(),
		"score", assessment.Score,
		"flags", assessment.Flags,
		"outcome", assessment.Outcome,
	)
	return assessment, nil
}

// decide folds the score and flags into an outcome. A duplicate document is
// an unconditional rejection regardless of the numeric score.
func decide(score float64, flags []string) *Assessment {
	a := &Assessment{Score: score, Flags: flags}
	switch {
	case contains(flags, FlagDuplicateDocument):
		a.Outcome = session.StatusRejected
		a.Reason = FlagDuplicateDocument
	case score >= rejectAt:
		a.Outcome = session.StatusRejected
		a.Reason = "risk_score"
	case score < approveBelow && len(flags) == 0:
		a.Outcome = session.StatusApproved
	default:
		a.Outcome = session.StatusReview
		a.Reason = "manual_review"
	}
	return a
}

func contains(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
