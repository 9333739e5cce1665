// Package notify delivers user-facing messages to the bot process.
//
// Delivery is fire-and-forget: the ledger outcome is already committed
// by the time a notification goes out, so failures are logged and
// counted, never propagated.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/genbot/starledger/internal/metrics"
	"github.com/genbot/starledger/internal/retry"
)

// Sender pushes a message to a user through whatever channel the bot
// process exposes.
type Sender interface {
	Notify(ctx context.Context, userID, message string)
}

// Message is the payload posted to the bot's notify endpoint.
type Message struct {
	UserID    string    `json:"userId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// HTTPSender posts notifications to the bot process over HTTP, with an
// HMAC-SHA256 signature header when a secret is configured.
type HTTPSender struct {
	url       string
	secret    string
	client    *http.Client
	logger    *slog.Logger
	retryBase time.Duration
}

func NewHTTPSender(url, secret string, logger *slog.Logger) *HTTPSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSender{
		url:       url,
		secret:    secret,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
		retryBase: 500 * time.Millisecond,
	}
}

func (s *HTTPSender) Notify(ctx context.Context, userID, message string) {
	payload, err := json.Marshal(Message{
		UserID:    userID,
		Text:      message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.fail(userID, fmt.Sprintf("marshal: %v", err))
		return
	}

	// Transient failures get retried; a 4xx means the endpoint rejected
	// the message and retrying will not help.
	err = retry.Do(ctx, 3, s.retryBase, func() error {
		return s.deliver(ctx, payload)
	})
	if err != nil {
		s.fail(userID, err.Error())
		return
	}
	metrics.NotifyDeliveriesTotal.WithLabelValues("delivered").Inc()
}

func (s *HTTPSender) deliver(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", s.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set("X-Starledger-Signature", sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (s *HTTPSender) fail(userID, reason string) {
	metrics.NotifyDeliveriesTotal.WithLabelValues("failed").Inc()
	s.logger.Warn("notification delivery failed", "user_id", userID, "reason", reason)
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// LogSender writes notifications to the log. Used when no notify
// endpoint is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Notify(ctx context.Context, userID, message string) {
	metrics.NotifyDeliveriesTotal.WithLabelValues("logged").Inc()
	s.logger.Info("user notification", "user_id", userID, "message", message)
}
