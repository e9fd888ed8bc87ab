package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"kyc-gateway/internal/platform/config"
	"kyc-gateway/pkg/platform/circuit"
	"kyc-gateway/pkg/platform/sentinel"
	strutil "kyc-gateway/pkg/platform/strings"
)

// HTTPScanner talks to a ClamAV-style REST sidecar. Any transport failure,
// timeout or unexpected status collapses into sentinel.ErrUnavailable so the
// pipeline can only ever fail closed. A breaker short-circuits calls while
// the sidecar is down so a dead scanner does not add its timeout to every
// document.
type HTTPScanner struct {
	baseURL string
	client  *http.Client
	breaker *circuit.Breaker
	logger  *slog.Logger
}

func NewHTTPScanner(cfg config.ScannerConfig, logger *slog.Logger) *HTTPScanner {
	return &HTTPScanner{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: circuit.New("scanner"),
		logger:  logger,
	}
}

type scanRequest struct {
	StorageKey string `json:"storage_key"`
}

type scanResponse struct {
	Status  string   `json:"status"`
	Threats []string `json:"threats"`
}

// probeTimeout caps the wait for a single call while the circuit is open, so
// a dead sidecar does not add its full timeout to every document.
const probeTimeout = 2 * time.Second

func (s *HTTPScanner) Scan(ctx context.Context, storageKey string) (*Result, error) {
	payload, err := json.Marshal(scanRequest{StorageKey: storageKey})
	if err != nil {
		return nil, fmt.Errorf("marshal scan request: %w", err)
	}

	if s.breaker.IsOpen() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, probeTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/scan", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build scan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.fail("scanner unreachable", storageKey, "error", err)
		return nil, sentinel.ErrUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.fail("scanner returned unexpected status", storageKey, "status", resp.StatusCode)
		return nil, sentinel.ErrUnavailable
	}

	var body scanResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		s.fail("scanner response unreadable", storageKey, "error", err)
		return nil, sentinel.ErrUnavailable
	}

	if _, change := s.breaker.RecordSuccess(); change.Closed {
		s.logger.Info("scanner circuit closed", "key", storageKey)
	}

	switch body.Status {
	case "clean":
		s.logger.Info("scan completed", "key", storageKey, "verdict", "clean",
			"duration", time.Since(start))
		return &Result{Verdict: VerdictClean}, nil
	case "infected":
		// Multi-engine sidecars report the same signature once per engine.
		threats := strutil.DedupeAndTrim(body.Threats)
		threat := strings.Join(threats, ", ")
		s.logger.Warn("scan found threat", "key", storageKey, "threat", threat)
		return &Result{Verdict: VerdictInfected, Threat: threat}, nil
	default:
		s.logger.Warn("scanner returned unknown verdict", "key", storageKey, "status", body.Status)
		return nil, sentinel.ErrUnavailable
	}
}

func (s *HTTPScanner) fail(msg, storageKey string, args ...any) {
	s.logger.Warn(msg, append([]any{"key", storageKey}, args...)...)
	if _, change := s.breaker.RecordFailure(); change.Opened {
		s.logger.Error("scanner circuit opened", "key", storageKey)
	}
}
