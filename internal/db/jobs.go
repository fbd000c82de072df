package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// JobRepository is the durable delivery queue. Jobs are leased with
// FOR UPDATE SKIP LOCKED so multiple consumers never double-process a row,
// and queued rows survive process restarts.
type JobRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB, logger *zap.Logger) *JobRepository {
	return &JobRepository{
		db:     db,
		logger: logger,
	}
}

// Enqueue inserts a queued job. A non-zero delay pushes next_attempt_at into
// the future; higher priority jobs are consumed first.
func (r *JobRepository) Enqueue(ctx context.Context, payload json.RawMessage, priority, maxAttempts int, delay time.Duration) (*DeliveryJob, error) {
	job := &DeliveryJob{
		ID:          uuid.New(),
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		State:       JobQueued,
	}

	var nextAttempt *time.Time
	if delay > 0 {
		t := time.Now().Add(delay)
		nextAttempt = &t
	}

	query := `
		INSERT INTO delivery_jobs (
			id, payload, priority, attempt, max_attempts, state, next_attempt_at
		) VALUES ($1, $2, $3, 0, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		job.ID,
		job.Payload,
		job.Priority,
		job.MaxAttempts,
		job.State,
		nextAttempt,
	).Scan(&job.CreatedAt, &job.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to enqueue delivery job",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
		return nil, fmt.Errorf("insert delivery job: %w", err)
	}

	job.NextAttemptAt = nextAttempt

	return job, nil
}

// DequeueBatch leases up to limit due jobs, marking them active. Higher
// priority first, then oldest first.
func (r *JobRepository) DequeueBatch(ctx context.Context, limit int) ([]*DeliveryJob, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		UPDATE delivery_jobs
		SET state = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM delivery_jobs
			WHERE state = $2 AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
			ORDER BY priority DESC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payload, priority, attempt, max_attempts, state, last_error, next_attempt_at, created_at, updated_at
	`

	rows, err := tx.Query(ctx, query, JobActive, JobQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue jobs: %w", err)
	}

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return jobs, nil
}

// TryActivate moves a single queued job to active. Returns pgx.ErrNoRows via
// a not-found error when the job is missing or already claimed, which lets an
// SQS-fed consumer skip duplicate wakeups.
func (r *JobRepository) TryActivate(ctx context.Context, id uuid.UUID) (*DeliveryJob, error) {
	query := `
		UPDATE delivery_jobs
		SET state = $1, updated_at = NOW()
		WHERE id = $2 AND state = $3
		RETURNING id, payload, priority, attempt, max_attempts, state, last_error, next_attempt_at, created_at, updated_at
	`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, JobActive, id, JobQueued))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("job not queued: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("activate job: %w", err)
	}

	return job, nil
}

// MarkCompleted records a terminal successful delivery.
func (r *JobRepository) MarkCompleted(ctx context.Context, id uuid.UUID, attempt int) error {
	return r.transition(ctx, id, JobCompleted, attempt, nil, nil)
}

// Reschedule puts a job back in the queue after a failed attempt, due again
// after the backoff delay.
func (r *JobRepository) Reschedule(ctx context.Context, id uuid.UUID, attempt int, lastError string, nextAttemptAt time.Time) error {
	return r.transition(ctx, id, JobQueued, attempt, &lastError, &nextAttemptAt)
}

// MarkFailed records terminal exhaustion. The job is never retried again
// except by explicit operator action.
func (r *JobRepository) MarkFailed(ctx context.Context, id uuid.UUID, attempt int, lastError string) error {
	return r.transition(ctx, id, JobFailed, attempt, &lastError, nil)
}

func (r *JobRepository) transition(ctx context.Context, id uuid.UUID, state string, attempt int, lastError *string, nextAttemptAt *time.Time) error {
	query := `
		UPDATE delivery_jobs
		SET state = $1, attempt = $2, last_error = $3, next_attempt_at = $4, updated_at = NOW()
		WHERE id = $5
	`

	result, err := r.db.Pool().Exec(ctx, query, state, attempt, lastError, nextAttemptAt, id)
	if err != nil {
		r.logger.Error("failed to update job state",
			zap.Error(err),
			zap.String("job_id", id.String()),
			zap.String("state", state),
		)
		return fmt.Errorf("update job state: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("job not found: %s", id)
	}

	return nil
}

// Get retrieves a job by ID
func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*DeliveryJob, error) {
	query := `
		SELECT id, payload, priority, attempt, max_attempts, state, last_error, next_attempt_at, created_at, updated_at
		FROM delivery_jobs
		WHERE id = $1
	`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}

	return job, nil
}

// ListFailed lists terminally failed jobs for operator inspection.
func (r *JobRepository) ListFailed(ctx context.Context, limit, offset int) ([]*DeliveryJob, error) {
	query := `
		SELECT id, payload, priority, attempt, max_attempts, state, last_error, next_attempt_at, created_at, updated_at
		FROM delivery_jobs
		WHERE state = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, JobFailed, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query failed jobs: %w", err)
	}

	return collectJobs(rows)
}

// RetryFailed re-enqueues a terminally failed job with a fresh attempt
// budget. Only failed jobs can be retried this way.
func (r *JobRepository) RetryFailed(ctx context.Context, id uuid.UUID) (*DeliveryJob, error) {
	query := `
		UPDATE delivery_jobs
		SET state = $1, attempt = 0, last_error = NULL, next_attempt_at = NULL, updated_at = NOW()
		WHERE id = $2 AND state = $3
		RETURNING id, payload, priority, attempt, max_attempts, state, last_error, next_attempt_at, created_at, updated_at
	`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, JobQueued, id, JobFailed))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("job not failed or not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("retry job: %w", err)
	}

	r.logger.Info("failed job re-enqueued",
		zap.String("job_id", id.String()),
	)

	return job, nil
}

func collectJobs(rows pgx.Rows) ([]*DeliveryJob, error) {
	defer rows.Close()

	var jobs []*DeliveryJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return jobs, nil
}

func scanJob(row pgx.Row) (*DeliveryJob, error) {
	var job DeliveryJob
	err := row.Scan(
		&job.ID,
		&job.Payload,
		&job.Priority,
		&job.Attempt,
		&job.MaxAttempts,
		&job.State,
		&job.LastError,
		&job.NextAttemptAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
