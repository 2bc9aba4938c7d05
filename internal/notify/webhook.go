package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// WebhookNotifier POSTs events as JSON to the event's callback URL, falling
// back to a configured default. Outbound sends are throttled so a flapping
// target cannot flood its own callback endpoint.
type WebhookNotifier struct {
	defaultURL string
	client     *http.Client
	limiter    *rate.Limiter
}

// NewWebhookNotifier creates a webhook sink. defaultURL may be empty, in
// which case only events carrying their own URL are delivered.
func NewWebhookNotifier(defaultURL string, ratePerSec int) *WebhookNotifier {
	if ratePerSec < 1 {
		ratePerSec = 1
	}
	return &WebhookNotifier{
		defaultURL: defaultURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
	}
}

func (n *WebhookNotifier) Send(ctx context.Context, event Event) error {
	target := event.URL
	if target == "" {
		target = n.defaultURL
	}
	if target == "" {
		return nil
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notification rate wait: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification sink returned status %d", resp.StatusCode)
	}
	return nil
}
