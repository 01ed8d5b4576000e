package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// Webhook defaults
const (
	DefaultWebhookTimeout = 10 * time.Second
	// SecretHeader carries the shared service secret on outbound and inbound requests.
	SecretHeader = "X-Service-Secret"
)

// WebhookSink POSTs each event as JSON to a fixed URL.
type WebhookSink struct {
	client *resty.Client
	url    string
}

// NewWebhookSink creates a sink for url. secret, when set, is sent in SecretHeader.
func NewWebhookSink(url, secret string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if secret != "" {
		client.SetHeader(SecretHeader, secret)
	}
	slog.Debug("WebhookSink created", "url", url, "timeout", timeout)
	return &WebhookSink{client: client, url: url}
}

// Send delivers e. Any non-2xx response is an error.
func (w *WebhookSink) Send(ctx context.Context, e Event) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(e).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("failed to post event: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode(), resp.String())
	}
	slog.Debug("WebhookSink.Send: delivered", "type", e.Type, "status", resp.StatusCode(), "duration", resp.Time())
	return nil
}

// Close is a no-op; the underlying HTTP client needs no teardown.
func (w *WebhookSink) Close() error { return nil }

var _ Sink = (*WebhookSink)(nil)
