package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/mergelock/internal/core"
	"pkt.systems/mergelock/internal/version"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerEventKind     = "X-Mergelock-Event"
	headerEventID       = "X-Mergelock-Event-Id"

	// DefaultWebhookTimeout bounds a single delivery.
	DefaultWebhookTimeout = 10 * time.Second
)

// WebhookConfig configures webhook delivery.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	// Client overrides the HTTP client; its transport is wrapped for tracing.
	Client *http.Client
}

// Webhook POSTs each event as JSON to a fixed URL.
type Webhook struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// StatusError reports a non-2xx webhook response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("publish: webhook returned %d", e.StatusCode)
	}
	return fmt.Sprintf("publish: webhook returned %d: %s", e.StatusCode, e.Body)
}

// NewWebhook validates cfg and returns a Webhook publisher.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("publish: webhook url required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("publish: parse webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("publish: webhook url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("publish: webhook url %q has no host", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	base := http.DefaultTransport
	if cfg.Client != nil && cfg.Client.Transport != nil {
		base = cfg.Client.Transport
	}
	client := &http.Client{
		Transport: otelhttp.NewTransport(base,
			otelhttp.WithSpanNameFormatter(func(string, *http.Request) string { return "mergelock.webhook" }),
		),
	}
	return &Webhook{url: u.String(), timeout: timeout, client: client}, nil
}

// Publish delivers ev. Redirects are followed by the client; any final
// status outside 2xx is returned as *StatusError.
func (w *Webhook) Publish(ctx context.Context, ev core.ChangeEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("publish: encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("publish: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mergelock/"+version.Current())
	req.Header.Set(headerEventKind, string(ev.Kind))
	req.Header.Set(headerEventID, ev.ID)
	if ev.CorrelationID != "" {
		req.Header.Set(headerCorrelationID, ev.CorrelationID)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish: webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
