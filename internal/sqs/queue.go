// Package sqs mirrors delivery job ids onto an SQS queue. The jobs table in
// Postgres stays authoritative; SQS is a wakeup feed that lets idle workers
// pick a job up without waiting for the next poll tick.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// announcement is the queue payload. It carries the job id only; workers
// load the job row from Postgres before touching it.
type announcement struct {
	JobID      string `json:"job_id"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// Producer announces newly enqueued job ids on SQS.
type Producer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Announce mirrors a job id onto the queue. Failures are reported but must
// be treated as non-fatal by callers: polling will still find the job.
func (p *Producer) Announce(ctx context.Context, jobID uuid.UUID) error {
	body, err := json.Marshal(announcement{
		JobID:      jobID.String(),
		EnqueuedAt: time.Now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal announcement: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		p.logger.Warn("failed to announce job on sqs",
			zap.Error(err),
			zap.String("job_id", jobID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	return nil
}

// Consumer reads job id announcements with long polling. It satisfies the
// worker's job source contract.
type Consumer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// ReceiveJobID retrieves one announcement with long polling. ok is false
// when the wait elapsed with no message.
func (c *Consumer) ReceiveJobID(ctx context.Context) (uuid.UUID, string, bool, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return uuid.Nil, "", false, fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return uuid.Nil, "", false, nil
	}

	msg := result.Messages[0]

	var ann announcement
	if err := json.Unmarshal([]byte(*msg.Body), &ann); err != nil {
		c.logger.Error("dropping malformed sqs announcement", zap.Error(err))
		// Drop the poison message so it is not redelivered forever.
		_ = c.Delete(ctx, *msg.ReceiptHandle)
		return uuid.Nil, "", false, nil
	}

	jobID, err := uuid.Parse(ann.JobID)
	if err != nil {
		c.logger.Error("dropping sqs announcement with bad job id",
			zap.String("job_id", ann.JobID),
		)
		_ = c.Delete(ctx, *msg.ReceiptHandle)
		return uuid.Nil, "", false, nil
	}

	return jobID, *msg.ReceiptHandle, true, nil
}

// Delete acknowledges a processed announcement.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}
