package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPChannel posts a JSON envelope to a configured callback URL, the
// way outpost's httpAlertNotifier does for operator notifications.
type HTTPChannel struct {
	client      *http.Client
	callbackURL string
}

func NewHTTPChannel(callbackURL string, timeout time.Duration) *HTTPChannel {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPChannel{
		client:      &http.Client{Timeout: timeout},
		callbackURL: callbackURL,
	}
}

type httpAlertEnvelope struct {
	Timestamp time.Time `json:"timestamp"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
}

func (c *HTTPChannel) Send(ctx context.Context, subject, body string) error {
	payload, err := json.Marshal(httpAlertEnvelope{Timestamp: time.Now(), Subject: subject, Message: body})
	if err != nil {
		return fmt.Errorf("marshal alert envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("alert callback responded with status %d", resp.StatusCode)
	}
	return nil
}
