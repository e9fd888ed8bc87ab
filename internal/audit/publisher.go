package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	id "kyc-gateway/pkg/domain"
	"kyc-gateway/pkg/requestcontext"
)

// Store is the audit persistence contract.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	ListBySession(ctx context.Context, sessionID id.SessionID) ([]Entry, error)
}

// Recorder is the interface services depend on. Record is fire-and-forget
// from the caller's perspective.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

// Publisher accepts audit entries and hands them to the background worker
// through a buffered channel. The caller is never blocked: when the buffer is
// full the entry is written synchronously as a last resort so nothing is
// silently dropped.
type Publisher struct {
	store  Store
	inbox  chan Entry
	logger *slog.Logger
}

func NewPublisher(store Store, bufferSize int, logger *slog.Logger) *Publisher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Publisher{
		store:  store,
		inbox:  make(chan Entry, bufferSize),
		logger: logger,
	}
}

// Record stamps the entry with request metadata from context and enqueues it.
func (p *Publisher) Record(ctx context.Context, entry Entry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = requestcontext.Now(ctx)
	}
	if entry.IP == "" {
		entry.IP = requestcontext.ClientIP(ctx)
	}
	if entry.UserAgent == "" {
		entry.UserAgent = SummarizeUserAgent(requestcontext.UserAgent(ctx))
	}

	select {
	case p.inbox <- entry:
	default:
		// Inbox saturated. Fall back to a direct write on a detached
		// context so the entry still lands; the triggering request is not
		// failed either way.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := p.store.Append(ctx, entry); err != nil {
				p.logger.Error("audit fallback write failed",
					"action", entry.Action,
					"session_id", entry.SessionID.String(),
					"error", err,
				)
			}
		}()
	}
}

// Inbox exposes the channel for the worker.
func (p *Publisher) Inbox() <-chan Entry { return p.inbox }

// Worker consumes audit entries from the publisher and persists them with
// per-entry retries and exponential backoff. Exhausted retries are logged
// locally with the full entry, never silently dropped.
type Worker struct {
	store      Store
	inbox      <-chan Entry
	logger     *slog.Logger
	maxRetries int
}

func NewWorker(store Store, inbox <-chan Entry, maxRetries int, logger *slog.Logger) *Worker {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Worker{store: store, inbox: inbox, logger: logger, maxRetries: maxRetries}
}

// Run drains the inbox until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry := <-w.inbox:
			w.persist(ctx, entry)
		}
	}
}

func (w *Worker) persist(ctx context.Context, entry Entry) {
	backoff := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := w.store.Append(ctx, entry)
		if err == nil {
			return
		}
		if attempt >= w.maxRetries {
			w.logger.Error("audit entry dropped after retries",
				"action", entry.Action,
				"session_id", entry.SessionID.String(),
				"user_id", entry.UserID.String(),
				"details", entry.Details,
				"error", err,
			)
			return
		}
		select {
		case <-ctx.Done():
			w.logger.Error("audit entry dropped on shutdown",
				"action", entry.Action,
				"session_id", entry.SessionID.String(),
			)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
