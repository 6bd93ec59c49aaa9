package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/esbmeter/esbmeter/pkg/common"
)

// Event is the payload sent by the webhook and AMQP dispatchers.
type Event struct {
	Type         string        `json:"type"`
	ID           string        `json:"id"`
	Notification *Notification `json:"notification,omitempty"`
	Sent         time.Time     `json:"sent"`
}

const (
	EventCreate  = "create"
	EventDismiss = "dismiss"
)

// WebhookDispatcher POSTs each event as JSON to a URL.
type WebhookDispatcher struct {
	url    string
	client *http.Client
	now    func() time.Time
}

var _ Dispatcher = (*WebhookDispatcher)(nil)

// WebhookOption configures a WebhookDispatcher.
type WebhookOption func(*WebhookDispatcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookDispatcher) {
		w.client = c
	}
}

// NewWebhookDispatcher returns a dispatcher posting to url.
func NewWebhookDispatcher(url string, opts ...WebhookOption) *WebhookDispatcher {
	w := &WebhookDispatcher{
		url:    url,
		client: common.HTTPClient(10 * time.Second),
		now:    time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *WebhookDispatcher) Notify(ctx context.Context, n Notification) error {
	if n.Created.IsZero() {
		n.Created = w.now()
	}
	return w.post(ctx, Event{Type: EventCreate, ID: n.ID, Notification: &n, Sent: w.now()})
}

func (w *WebhookDispatcher) Dismiss(ctx context.Context, id string) error {
	return w.post(ctx, Event{Type: EventDismiss, ID: id, Sent: w.now()})
}

func (w *WebhookDispatcher) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal notification event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
