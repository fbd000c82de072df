package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Relay transport kinds routable by the multi-sender.
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
)

// RelayPayload is the channel-send payload carried by a DeliveryJob.
// To is an email address, a phone number, or a webhook URL depending on
// Channel. HTML defaults to Text when the producer has no rich body.
// NotificationID ties the job back to the notification whose relay channel
// it serves, so the terminal job outcome can be recorded there.
type RelayPayload struct {
	Channel        string          `json:"channel"`
	To             string          `json:"to"`
	Subject        string          `json:"subject"`
	Text           string          `json:"text"`
	HTML           string          `json:"html,omitempty"`
	Body           json.RawMessage `json:"body,omitempty"` // webhook request body
	NotificationID string          `json:"notification_id,omitempty"`
}

// Sender is the unified interface for relay transports.
// Implementations: email (SES), SMS (SNS), webhooks.
type Sender interface {
	Send(ctx context.Context, payload RelayPayload) error
	SupportsChannel(channel string) bool
}

// MultiSender routes a payload to the first sender that supports its channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over the given senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the payload to the appropriate sender based on channel
func (m *MultiSender) Send(ctx context.Context, payload RelayPayload) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(payload.Channel) {
			m.logger.Debug("routing relay payload to sender",
				zap.String("channel", payload.Channel),
			)
			return sender.Send(ctx, payload)
		}
	}

	return fmt.Errorf("no sender found for channel: %s", payload.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs payloads instead of sending them (development mode).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, payload RelayPayload) error {
	s.logger.Info("logging relay payload (development mode)",
		zap.String("channel", payload.Channel),
		zap.String("to", payload.To),
		zap.String("subject", payload.Subject),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == ChannelEmail || channel == ChannelSMS || channel == ChannelWebhook
}
