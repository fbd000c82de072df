package sqs

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/dstarikov/pushgate/internal/db"
)

// JobEnqueuer is the persistent queue being mirrored.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, payload json.RawMessage, priority, maxAttempts int, delay time.Duration) (*db.DeliveryJob, error)
}

// MirroredQueue enqueues jobs in Postgres and announces the id on SQS so an
// idle worker wakes up immediately. An announce failure is logged and
// swallowed: polling still picks the job up.
type MirroredQueue struct {
	queue    JobEnqueuer
	producer *Producer
	logger   *zap.Logger
}

// NewMirroredQueue wraps queue with an SQS announcement per enqueue.
func NewMirroredQueue(queue JobEnqueuer, producer *Producer, logger *zap.Logger) *MirroredQueue {
	return &MirroredQueue{
		queue:    queue,
		producer: producer,
		logger:   logger,
	}
}

// Enqueue persists the job, then mirrors its id.
func (m *MirroredQueue) Enqueue(ctx context.Context, payload json.RawMessage, priority, maxAttempts int, delay time.Duration) (*db.DeliveryJob, error) {
	job, err := m.queue.Enqueue(ctx, payload, priority, maxAttempts, delay)
	if err != nil {
		return nil, err
	}

	if delay == 0 {
		_ = m.producer.Announce(ctx, job.ID)
	}

	return job, nil
}
