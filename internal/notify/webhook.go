package notify

import (
	"context"
	"net/http"
	"time"
)

// WebhookSender delivers notifications to an arbitrary JSON webhook, such as
// a Discord or Slack incoming webhook or an internal relay.
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender creates a WebhookSender for the given URL. It uses a
// default HTTP client with a 10-second timeout.
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the title and message as a JSON body. The "content" field keeps
// Discord-style webhooks working out of the box.
func (w *WebhookSender) Send(ctx context.Context, title, message string) error {
	payload := map[string]string{
		"title":   title,
		"message": message,
		"content": "**" + title + "**\n" + message,
	}
	return postJSON(ctx, w.client, "webhook", w.url, payload)
}

// Name returns the sender identifier.
func (w *WebhookSender) Name() string {
	return "webhook"
}
