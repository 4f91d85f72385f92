package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// DefaultTextField matches Discord's webhook body.
const DefaultTextField = "content"

// WebhookNotifier posts {"<TextField>": text} to a generic JSON webhook.
type WebhookNotifier struct {
	URL       string
	TextField string
	Client    *http.Client
}

// NewWebhookNotifier creates a JSON webhook notifier.
func NewWebhookNotifier(url, textField string, client *http.Client) *WebhookNotifier {
	if textField == "" {
		textField = DefaultTextField
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookNotifier{URL: url, TextField: textField, Client: client}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

// Notify sends the message. Any non-2xx answer is an error.
func (n *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(map[string]string{n.TextField: msg.Text()})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
