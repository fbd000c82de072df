package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookSender posts relay payloads to an HTTP endpoint. To carries the
// target URL; Body the request body (defaulting to {subject, text}).
type WebhookSender struct {
	client *http.Client
	logger *zap.Logger
}

type WebhookConfig struct {
	DefaultTimeout time.Duration
}

// NewWebhookSender creates a new webhook sender
func NewWebhookSender(logger *zap.Logger, cfg WebhookConfig) *WebhookSender {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookSender{
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Send posts the payload to the webhook URL.
func (s *WebhookSender) Send(ctx context.Context, payload RelayPayload) error {
	if payload.Channel != ChannelWebhook {
		return fmt.Errorf("webhook sender only supports webhooks, got: %s", payload.Channel)
	}
	if payload.To == "" {
		return fmt.Errorf("webhook payload missing url")
	}

	body := payload.Body
	if len(body) == 0 {
		var err error
		body, err = json.Marshal(map[string]string{
			"subject": payload.Subject,
			"text":    payload.Text,
		})
		if err != nil {
			return fmt.Errorf("encode webhook body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.To, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Pushgate/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respPreview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(respPreview))
	}

	s.logger.Info("webhook delivered",
		zap.String("url", payload.To),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

// SupportsChannel checks if this sender supports webhooks
func (s *WebhookSender) SupportsChannel(channel string) bool {
	return channel == ChannelWebhook
}
