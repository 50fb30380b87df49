package hooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookSink posts each event as JSON to a configured HTTP endpoint, with
// optional HMAC-SHA256 signing. Grounded on internal/notify/webhook.go.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSink builds a WebhookSink posting to url, signing with secret
// when non-empty.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{url: url, secret: secret, client: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WebhookSink) Name() string        { return "webhook" }
func (w *WebhookSink) IsConfigured() bool { return w.url != "" }

func (w *WebhookSink) Dispatch(ctx context.Context, evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("hooks: marshaling webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("hooks: building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		mac := hmac.New(sha256.New, []byte(w.secret))
		mac.Write(b)
		req.Header.Set("X-Steroids-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := w.client.Do(req) // #nosec G107 -- URL is operator-configured, not user input
	if err != nil {
		return fmt.Errorf("hooks: posting webhook event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("hooks: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
