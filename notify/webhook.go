package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookConfig configures an outbound webhook channel.
type WebhookConfig struct {
	// URL receives a JSON POST per notification.
	URL string `json:"url"`
	// Secret, when set, signs the request body with HMAC-SHA256 in an
	// X-Signature-256 header (GitHub-style "sha256=<hex>").
	Secret string `json:"secret,omitempty"`
	// Timeout bounds each POST. Default: 10 seconds.
	Timeout time.Duration `json:"-"`
}

// Webhook POSTs notifications to an external HTTP endpoint.
type Webhook struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhook creates a webhook notifier.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Webhook{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (w *Webhook) Type() string { return "webhook" }

type webhookBody struct {
	Message string `json:"message"`
	Event   Event  `json:"event"`
}

func (w *Webhook) Send(ctx context.Context, message string, ev Event) error {
	body, err := json.Marshal(webhookBody{Message: message, Event: ev})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.config.Secret != "" {
		mac := hmac.New(sha256.New, []byte(w.config.Secret))
		mac.Write(body)
		req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
