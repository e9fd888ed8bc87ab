package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"kyc-gateway/internal/pii"
	"kyc-gateway/internal/platform/config"
	"kyc-gateway/pkg/platform/circuit"
	"kyc-gateway/pkg/platform/sentinel"
)

// HTTPExtractor calls the OCR sidecar. Transport failures and 5xx responses
// map to sentinel.ErrUnavailable so the pipeline treats them as transient;
// a 422 means the document itself is unreadable and extraction will never
// succeed.
type HTTPExtractor struct {
	baseURL string
	client  *http.Client
	breaker *circuit.Breaker
	logger  *slog.Logger
}

func NewHTTPExtractor(cfg config.ExtractConfig, logger *slog.Logger) *HTTPExtractor {
	return &HTTPExtractor{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: circuit.New("extractor"),
		logger:  logger,
	}
}

type extractRequest struct {
	StorageKey string `json:"storage_key"`
}

type extractResponse struct {
	FullName       string  `json:"full_name"`
	DateOfBirth    string  `json:"date_of_birth"`
	DocumentNumber string  `json:"document_number"`
	ExpiryDate     string  `json:"expiry_date"`
	Nationality    string  `json:"nationality"`
	Confidence     float64 `json:"confidence"`
}

// ErrUnreadable marks a document the OCR backend permanently cannot parse.
var ErrUnreadable = fmt.Errorf("document unreadable")

// probeTimeout caps a single call while the circuit is open so a dead
// sidecar does not add its full timeout to every document.
const probeTimeout = 2 * time.Second

func (e *HTTPExtractor) Extract(ctx context.Context, storageKey string) (*Extraction, error) {
	payload, err := json.Marshal(extractRequest{StorageKey: storageKey})
	if err != nil {
		return nil, fmt.Errorf("marshal extract request: %w", err)
	}

	if e.breaker.IsOpen() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, probeTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/extract", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.fail("extractor unreachable", storageKey, "error", err)
		return nil, sentinel.ErrUnavailable
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// The upstream is healthy; the document is the problem.
		e.breaker.RecordSuccess()
		return nil, ErrUnreadable
	default:
		e.fail("extractor returned unexpected status", storageKey, "status", resp.StatusCode)
		return nil, sentinel.ErrUnavailable
	}

	var body extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		e.fail("extractor response unreadable", storageKey, "error", err)
		return nil, sentinel.ErrUnavailable
	}

	if _, change := e.breaker.RecordSuccess(); change.Closed {
		e.logger.Info("extractor circuit closed", "key", storageKey)
	}

	return &Extraction{
		Fields: pii.Fields{
			FullName:       body.FullName,
			DateOfBirth:    body.DateOfBirth,
			DocumentNumber: body.DocumentNumber,
			ExpiryDate:     body.ExpiryDate,
			Nationality:    body.Nationality,
		},
		Confidence: body.Confidence,
	}, nil
}

func (e *HTTPExtractor) fail(msg, storageKey string, args ...any) {
	e.logger.Warn(msg, append([]any{"key", storageKey}, args...)...)
	if _, change := e.breaker.RecordFailure(); change.Opened {
		e.logger.Error("extractor circuit opened", "key", storageKey)
	}
}
