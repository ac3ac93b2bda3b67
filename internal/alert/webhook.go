package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loopvault/risk-engine/internal/model"
	"github.com/loopvault/risk-engine/internal/resilient"
)

// Webhook posts new alerts as JSON to an HTTP endpoint.
type Webhook struct {
	URL    string
	HTTP   *http.Client
	client *resilient.Client
}

// NewWebhook creates a notifier. client may be nil for a single attempt.
func NewWebhook(url string, client *resilient.Client) *Webhook {
	if client == nil {
		client = resilient.New(resilient.Config{Name: "alert-webhook", MaxAttempts: 1})
	}
	return &Webhook{
		URL:    url,
		HTTP:   &http.Client{Timeout: 10 * time.Second},
		client: client,
	}
}

type webhookPayload struct {
	Event   string               `json:"event"`
	Alert   model.EmergencyAlert `json:"alert"`
	Text    string               `json:"text"`
	Content string               `json:"content"` // Discord
}

func (w *Webhook) Notify(ctx context.Context, a model.EmergencyAlert) error {
	text := fmt.Sprintf("[%s] %s: %s", a.Severity, a.Type, a.Message)
	body, err := json.Marshal(webhookPayload{
		Event:   "alert.created",
		Alert:   a,
		Text:    text,
		Content: text,
	})
	if err != nil {
		return err
	}

	_, err = resilient.Do(ctx, w.client, func(ctx context.Context) (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, resilient.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.HTTP.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return struct{}{}, fmt.Errorf("alert: webhook returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return struct{}{}, resilient.Permanent(fmt.Errorf("alert: webhook returned %d", resp.StatusCode))
		}
		return struct{}{}, nil
	})
	return err
}
