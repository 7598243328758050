// Package notify tells collaborators about sync events that need a person,
// mainly conflicts left Pending under a manual policy.
//
// Notifiers are fed from the engine's event hub on their own goroutine, so
// a slow webhook never delays the sync actor.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/vaultsync/internal/config"
	"github.com/roach88/vaultsync/internal/engine"
)

// Notification is one message to collaborators.
type Notification struct {
	Type       engine.EventType `json:"type"`
	NodeID     string           `json:"node_id"`
	At         time.Time        `json:"at"`
	PeerID     string           `json:"peer_id,omitempty"`
	ConflictID string           `json:"conflict_id,omitempty"`
	EntityType string           `json:"entity_type,omitempty"`
	EntityID   string           `json:"entity_id,omitempty"`
	Kind       string           `json:"conflict_kind,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop drops every notification.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notification) error { return nil }

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("sync needs attention",
		"type", string(n.Type),
		"peer_id", n.PeerID,
		"conflict_id", n.ConflictID,
		"entity_type", n.EntityType,
		"entity_id", n.EntityID,
		"kind", n.Kind,
		"error", n.Error)
	return nil
}

// WebhookNotifier POSTs notifications as JSON, retrying server errors.
type WebhookNotifier struct {
	url        string
	client     *http.Client
	maxRetries uint64
	newBackoff func() backoff.BackOff
}

// NewWebhookNotifier creates a notifier posting to url. Each attempt is
// bounded by timeout; failed attempts are retried up to three times.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		maxRetries: 3,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(w.newBackoff(), w.maxRetries), ctx)
	return backoff.Retry(func() error { return w.send(ctx, payload) }, policy)
}

func (w *WebhookNotifier) send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
	return nil
}

// New builds the notifier cfg selects.
func New(cfg config.NotifyConfig, logger *slog.Logger) (Notifier, error) {
	switch cfg.Kind {
	case "", "log":
		return LogNotifier{Logger: logger}, nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("notify: webhook_url is required")
		}
		return NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout), nil
	case "none":
		return Nop{}, nil
	}
	return nil, fmt.Errorf("notify: unknown kind %q", cfg.Kind)
}
