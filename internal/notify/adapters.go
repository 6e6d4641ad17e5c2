package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"time"
)

// WebhookAdapter POSTs a JSON payload to a fixed URL, e.g. a Slack or
// Discord incoming webhook. Payload-shape specifics are left to the
// receiving endpoint; this adapter only guarantees title/message/level
// make it across and applies no per-platform templating.
type WebhookAdapter struct {
	url    string
	client *http.Client
}

// NewWebhookAdapter constructs a WebhookAdapter posting to url.
func NewWebhookAdapter(url string) *WebhookAdapter {
	return &WebhookAdapter{url: url, client: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WebhookAdapter) Name() string { return "webhook" }

func (w *WebhookAdapter) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(map[string]string{
		"title":   n.Title,
		"message": n.Message,
		"level":   string(n.Level),
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

// ExternalAdapter hands a notification to a user-supplied executable on
// stdin as JSON, e.g. for an OS-toast helper or a custom chat
// integration, per spec's "adapter interface is the only extension
// point" contract.
type ExternalAdapter struct {
	path string
}

// NewExternalAdapter constructs an ExternalAdapter invoking the
// executable at path for every notification.
func NewExternalAdapter(path string) *ExternalAdapter {
	return &ExternalAdapter{path: path}
}

func (e *ExternalAdapter) Name() string { return "external:" + e.path }

func (e *ExternalAdapter) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.path)
	cmd.Stdin = bytes.NewReader(body)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("external adapter %q: %w (output: %s)", e.path, err, out)
	}
	return nil
}
