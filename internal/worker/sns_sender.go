package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// SNSSender delivers SMS relay payloads through AWS SNS.
type SNSSender struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send sends an SMS via AWS SNS. To carries the phone number.
func (s *SNSSender) Send(ctx context.Context, payload RelayPayload) error {
	if payload.Channel != ChannelSMS {
		return fmt.Errorf("SNS sender only supports SMS, got: %s", payload.Channel)
	}
	if payload.To == "" {
		return fmt.Errorf("SMS payload missing 'to' field")
	}
	if payload.Text == "" {
		return fmt.Errorf("SMS payload missing 'text' field")
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(payload.To),
		Message:     aws.String(payload.Text),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("to", payload.To),
		zap.String("message_id", *result.MessageId),
	)

	return nil
}

// SupportsChannel checks if this sender supports the SMS channel
func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == ChannelSMS
}
