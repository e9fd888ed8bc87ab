// Package delivery dispatches OTP codes to the user through SMS or email
// webhooks. The gateway never stores the plaintext code; it lives only in
// the outbound message.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"kyc-gateway/internal/platform/config"
	"kyc-gateway/pkg/platform/sentinel"
)

// Message is one OTP delivery.
type Message struct {
	Method      string
	Destination string
	Code        string
	TTLMinutes  int
}

// Sender delivers a challenge code. Implementations return
// sentinel.ErrUnavailable when the channel is down so issuance can fail
// without leaving a dangling challenge the user can never receive.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Webhook posts deliveries to per-channel webhook endpoints (a Twilio or
// SendGrid bridge in production).
type Webhook struct {
	smsURL   string
	emailURL string
	client   *http.Client
	logger   *slog.Logger
}

func NewWebhook(cfg config.DeliveryConfig, logger *slog.Logger) *Webhook {
	return &Webhook{
		smsURL:   cfg.SMSWebhookURL,
		emailURL: cfg.EmailWebhookURL,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}
}

type webhookPayload struct {
	Destination string `json:"destination"`
	Body        string `json:"body"`
}

func (w *Webhook) Send(ctx context.Context, msg Message) error {
	var url string
	switch msg.Method {
	case "sms":
		url = w.smsURL
	case "email":
		url = w.emailURL
	}
	if url == "" {
		w.logger.Warn("delivery channel not configured", "method", msg.Method)
		return sentinel.ErrUnavailable
	}

	body := fmt.Sprintf(
		"Your verification code is %s. Valid for %d minutes. If you did not request this, contact support.",
		msg.Code, msg.TTLMinutes,
	)
	payload, err := json.Marshal(webhookPayload{Destination: msg.Destination, Body: body})
	if err != nil {
		return fmt.Errorf("marshal delivery payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("delivery webhook unreachable", "method", msg.Method, "error", err)
		return sentinel.ErrUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.logger.Warn("delivery webhook rejected message",
			"method", msg.Method, "status", resp.StatusCode)
		return sentinel.ErrUnavailable
	}
	return nil
}

// Log writes deliveries to the process log instead of a real channel. The
// code itself is never logged.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Send(_ context.Context, msg Message) error {
	l.logger.Info("otp delivery (dev sender)",
		"method", msg.Method,
		"destination", msg.Destination,
	)
	return nil
}
