package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dstarikov/pushgate/internal/db"
	"github.com/dstarikov/pushgate/internal/metrics"
)

// JobStore is the durable queue the worker consumes from. Dequeued jobs are
// already marked active; every job reaches a terminal state or is
// rescheduled with a delay.
type JobStore interface {
	DequeueBatch(ctx context.Context, limit int) ([]*db.DeliveryJob, error)
	TryActivate(ctx context.Context, id uuid.UUID) (*db.DeliveryJob, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, attempt int) error
	Reschedule(ctx context.Context, id uuid.UUID, attempt int, lastError string, nextAttemptAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempt int, lastError string) error
}

// JobSource is an optional wakeup feed of job ids (the SQS mirror). ok is
// false when the receive timed out with no message.
type JobSource interface {
	ReceiveJobID(ctx context.Context) (id uuid.UUID, handle string, ok bool, err error)
	Delete(ctx context.Context, handle string) error
}

// StatusRecorder writes the relay channel outcome back onto the originating
// notification once its job reaches a terminal state. A notification's relay
// status may read queued only while its job is still non-terminal.
type StatusRecorder interface {
	SetChannelStatus(ctx context.Context, id uuid.UUID, channel string, status db.ChannelStatus) error
}

type Worker struct {
	jobs     JobStore
	sender   Sender
	statuses StatusRecorder
	config   Config
	logger   *zap.Logger
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Consumers    int
	BackoffBase  time.Duration
}

func New(jobs JobStore, sender Sender, statuses StatusRecorder, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.Consumers == 0 {
		cfg.Consumers = 4
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 30 * time.Second
	}

	return &Worker{
		jobs:     jobs,
		sender:   sender,
		statuses: statuses,
		config:   cfg,
		logger:   logger,
	}
}

// Start runs the poll loop until ctx is cancelled. Each batch is processed
// by a bounded set of consumer slots; a slow transport call blocks only its
// slot, never the producers.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	jobs, err := w.jobs.DequeueBatch(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to dequeue delivery jobs", zap.Error(err))
		return
	}
	if len(jobs) == 0 {
		return
	}

	slots := make(chan struct{}, w.config.Consumers)
	var wg sync.WaitGroup

	for _, job := range jobs {
		slots <- struct{}{}
		wg.Add(1)
		go func(job *db.DeliveryJob) {
			defer wg.Done()
			defer func() { <-slots }()
			w.processJob(ctx, job)
		}(job)
	}

	wg.Wait()
}

// RunSource consumes job-id wakeups from the SQS mirror until ctx is
// cancelled. The jobs table stays authoritative: an id that is no longer
// queued here (already leased by a poll tick, or on another instance) is
// simply acknowledged and dropped.
func (w *Worker) RunSource(ctx context.Context, source JobSource) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, handle, ok, err := source.ReceiveJobID(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive job wakeup", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		if job, err := w.jobs.TryActivate(ctx, id); err == nil {
			w.processJob(ctx, job)
		}

		if err := source.Delete(ctx, handle); err != nil {
			w.logger.Warn("failed to ack job wakeup", zap.Error(err))
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job *db.DeliveryJob) {
	var payload RelayPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		// Malformed payloads can never succeed, so don't burn attempts.
		w.logger.Error("invalid job payload",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
		_ = w.jobs.MarkFailed(ctx, job.ID, job.Attempt, "invalid payload: "+err.Error())
		metrics.RecordJobProcessed("invalid")
		return
	}

	attempt := job.Attempt + 1

	start := time.Now()
	err := w.sender.Send(ctx, payload)
	metrics.RecordJobAttemptDuration(time.Since(start))

	if err == nil {
		if err := w.jobs.MarkCompleted(ctx, job.ID, attempt); err != nil {
			w.logger.Error("failed to mark job completed",
				zap.Error(err),
				zap.String("job_id", job.ID.String()),
			)
		}
		w.recordOutcome(ctx, payload, db.OutcomeSent, "")
		metrics.RecordJobProcessed("completed")
		w.logger.Info("delivery job completed",
			zap.String("job_id", job.ID.String()),
			zap.Int("attempt", attempt),
		)
		return
	}

	errMsg := err.Error()

	if attempt >= job.MaxAttempts {
		if err := w.jobs.MarkFailed(ctx, job.ID, attempt, errMsg); err != nil {
			w.logger.Error("failed to mark job failed",
				zap.Error(err),
				zap.String("job_id", job.ID.String()),
			)
		}
		w.recordOutcome(ctx, payload, db.OutcomeFailed, errMsg)
		metrics.RecordJobProcessed("failed")
		w.logger.Error("delivery job exhausted",
			zap.String("job_id", job.ID.String()),
			zap.Int("attempts", attempt),
			zap.String("last_error", errMsg),
		)
		return
	}

	nextAttempt := time.Now().Add(w.backoff(attempt))
	if err := w.jobs.Reschedule(ctx, job.ID, attempt, errMsg, nextAttempt); err != nil {
		w.logger.Error("failed to reschedule job",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
	}
	metrics.RecordJobProcessed("retried")
	w.logger.Warn("delivery job attempt failed, rescheduled",
		zap.String("job_id", job.ID.String()),
		zap.Int("attempt", attempt),
		zap.Time("next_attempt_at", nextAttempt),
		zap.String("error", errMsg),
	)
}

// recordOutcome moves the originating notification's relay status off queued
// once the job is terminal. A rescheduled job records nothing: its channel
// stays queued until the retries are spent or one succeeds.
func (w *Worker) recordOutcome(ctx context.Context, payload RelayPayload, outcome, detail string) {
	if w.statuses == nil || payload.NotificationID == "" {
		return
	}

	notifID, err := uuid.Parse(payload.NotificationID)
	if err != nil {
		w.logger.Warn("job payload carries a bad notification id",
			zap.String("notification_id", payload.NotificationID),
		)
		return
	}

	status := db.ChannelStatus{
		Outcome:   outcome,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := w.statuses.SetChannelStatus(ctx, notifID, db.ChannelRelay, status); err != nil {
		w.logger.Warn("failed to record relay outcome",
			zap.Error(err),
			zap.String("notification_id", payload.NotificationID),
			zap.String("outcome", outcome),
		)
	}
}

// backoff doubles the base delay on every attempt: base, 2*base, 4*base...
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.config.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
