// internal/service/notification/sms.go
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SMSWebhookSender posts SMS requests to an HTTP gateway as
// {"to": "...", "message": "..."}.
type SMSWebhookSender struct {
	url    string
	token  string
	client *http.Client
}

func NewSMSWebhookSender(url, token string, timeout time.Duration) *SMSWebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SMSWebhookSender{url: url, token: token, client: &http.Client{Timeout: timeout}}
}

func (s *SMSWebhookSender) Enabled() bool {
	return s.url != ""
}

func (s *SMSWebhookSender) SendSMS(ctx context.Context, to, message string) error {
	if !s.Enabled() {
		return fmt.Errorf("sms webhook not configured")
	}

	body, err := json.Marshal(map[string]string{"to": to, "message": message})
	if err != nil {
		return fmt.Errorf("failed to encode sms: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms webhook failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms webhook returned %d", resp.StatusCode)
	}
	return nil
}
