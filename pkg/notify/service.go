// Package notify delivers outbound webhook notifications when a session
// reaches a terminal state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// ServiceConfig configures the webhook destination. An empty URL disables
// notifications entirely.
type ServiceConfig struct {
	URL     string
	Timeout time.Duration
}

// SessionCompletedInput describes a session that has reached a terminal
// status (completed, failed, or cancelled).
type SessionCompletedInput struct {
	SessionID  string
	Status     string
	TotalItems int
	FailReason string
}

// Service posts session-completion events to a configured webhook.
// Nil-safe: all methods are no-ops when service is nil, so callers can
// wire it unconditionally without branching on whether it's configured.
type Service struct {
	client  *http.Client
	url     string
	timeout time.Duration
	logger  *slog.Logger
}

// NewService returns nil when cfg.URL is empty, giving callers a safe
// no-op notifier by default.
func NewService(cfg ServiceConfig) *Service {
	if cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		client:  &http.Client{Timeout: timeout},
		url:     cfg.URL,
		timeout: timeout,
		logger:  slog.Default().With("component", "notify-service"),
	}
}

type webhookPayload struct {
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
	TotalItems int    `json:"total_items"`
	FailReason string `json:"fail_reason,omitempty"`
}

// NotifySessionCompleted posts the terminal session state to the webhook.
// Delivery failures are logged and swallowed: a slow or unreachable
// webhook endpoint must never block or fail session processing.
func (s *Service) NotifySessionCompleted(ctx context.Context, input SessionCompletedInput) {
	if s == nil {
		return
	}

	body, err := json.Marshal(webhookPayload{
		SessionID:  input.SessionID,
		Status:     input.Status,
		TotalItems: input.TotalItems,
		FailReason: input.FailReason,
	})
	if err != nil {
		s.logger.Error("marshal webhook payload", "session_id", input.SessionID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("build webhook request", "session_id", input.SessionID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("webhook delivery failed", "session_id", input.SessionID, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		s.logger.Warn("webhook rejected", "session_id", input.SessionID, "status", resp.StatusCode)
	}
}
