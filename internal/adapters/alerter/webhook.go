// Package alerter delivers alert events to an HTTP webhook. With no webhook
// configured the alerts are logged and dropped, so callers never need to
// care whether a sink is wired.
package alerter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"stockHftBot/internal/domain"
	"stockHftBot/internal/metrics"
	"stockHftBot/internal/ports"
)

// Config holds the webhook settings.
type Config struct {
	WebhookURL string // empty disables delivery, alerts are logged only
	Timeout    time.Duration
	Logger     ports.Logger
}

// Webhook posts alerts as JSON to the configured URL. It implements
// ports.AlertSink.
type Webhook struct {
	cfg    Config
	client *http.Client
}

// New creates the webhook sink.
func New(cfg Config) (*Webhook, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for alert webhook")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Send delivers one alert. Delivery failures are returned to the caller but
// never retried here; alerting must not add backpressure to the trade path.
func (w *Webhook) Send(ctx context.Context, alert domain.Alert) error {
	metrics.CountAlert(string(alert.Level))

	if w.cfg.WebhookURL == "" {
		w.cfg.Logger.Info(ctx, "Alert (no webhook configured)", map[string]interface{}{
			"title":   alert.Title,
			"content": alert.Content,
			"level":   string(alert.Level),
		})
		return nil
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encoding alert %q: %w", alert.Title, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering alert %q: %w", alert.Title, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d for %q", resp.StatusCode, alert.Title)
	}

	w.cfg.Logger.Debug(ctx, "Alert delivered", map[string]interface{}{
		"title": alert.Title, "level": string(alert.Level),
	})
	return nil
}
