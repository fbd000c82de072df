package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dstarikov/pushgate/internal/db"
)

var errTransportDown = errors.New("transport down")

// fakeJobStore is an in-memory jobs table. Scheduling delays are ignored so
// tests can drive attempts by calling processBatch repeatedly.
type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*db.DeliveryJob
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[uuid.UUID]*db.DeliveryJob)}
}

func (s *fakeJobStore) add(payload RelayPayload, maxAttempts int) *db.DeliveryJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, _ := json.Marshal(payload)
	job := &db.DeliveryJob{
		ID:          uuid.New(),
		Payload:     data,
		MaxAttempts: maxAttempts,
		State:       db.JobQueued,
	}
	s.jobs[job.ID] = job
	return job
}

func (s *fakeJobStore) addRaw(payload []byte, maxAttempts int) *db.DeliveryJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &db.DeliveryJob{
		ID:          uuid.New(),
		Payload:     payload,
		MaxAttempts: maxAttempts,
		State:       db.JobQueued,
	}
	s.jobs[job.ID] = job
	return job
}

func (s *fakeJobStore) DequeueBatch(ctx context.Context, limit int) ([]*db.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []*db.DeliveryJob
	for _, job := range s.jobs {
		if job.State != db.JobQueued {
			continue
		}
		job.State = db.JobActive
		copied := *job
		batch = append(batch, &copied)
		if len(batch) == limit {
			break
		}
	}
	return batch, nil
}

func (s *fakeJobStore) TryActivate(ctx context.Context, id uuid.UUID) (*db.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.State != db.JobQueued {
		return nil, errors.New("not queued")
	}
	job.State = db.JobActive
	copied := *job
	return &copied, nil
}

func (s *fakeJobStore) MarkCompleted(ctx context.Context, id uuid.UUID, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].State = db.JobCompleted
	s.jobs[id].Attempt = attempt
	return nil
}

func (s *fakeJobStore) Reschedule(ctx context.Context, id uuid.UUID, attempt int, lastError string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.State = db.JobQueued
	job.Attempt = attempt
	job.LastError = &lastError
	job.NextAttemptAt = &nextAttemptAt
	return nil
}

func (s *fakeJobStore) MarkFailed(ctx context.Context, id uuid.UUID, attempt int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.State = db.JobFailed
	job.Attempt = attempt
	job.LastError = &lastError
	return nil
}

func (s *fakeJobStore) get(id uuid.UUID) db.DeliveryJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

// flakySender fails the first failures calls, then succeeds.
type flakySender struct {
	mu       sync.Mutex
	failures int
	sends    int
}

func (f *flakySender) Send(ctx context.Context, payload RelayPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.sends <= f.failures {
		return errTransportDown
	}
	return nil
}

func (f *flakySender) SupportsChannel(channel string) bool { return true }

func (f *flakySender) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

// fakeStatusRecorder captures per-channel delivery status writes.
type fakeStatusRecorder struct {
	mu      sync.Mutex
	records []recordedStatus
}

type recordedStatus struct {
	id      uuid.UUID
	channel string
	status  db.ChannelStatus
}

func (r *fakeStatusRecorder) SetChannelStatus(ctx context.Context, id uuid.UUID, channel string, status db.ChannelStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recordedStatus{id: id, channel: channel, status: status})
	return nil
}

func (r *fakeStatusRecorder) all() []recordedStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedStatus(nil), r.records...)
}

func newTestWorker(store *fakeJobStore, sender Sender) *Worker {
	return newTestWorkerWithStatuses(store, sender, nil)
}

func newTestWorkerWithStatuses(store *fakeJobStore, sender Sender, statuses StatusRecorder) *Worker {
	return New(store, sender, statuses, Config{
		PollInterval: time.Hour, // batches are driven manually
		BatchSize:    10,
		Consumers:    2,
		BackoffBase:  time.Second,
	}, zap.NewNop())
}

func TestWorker_CompletesOnFirstAttempt(t *testing.T) {
	store := newFakeJobStore()
	sender := &flakySender{}
	w := newTestWorker(store, sender)

	job := store.add(RelayPayload{Channel: ChannelEmail, To: "a@example.com"}, 3)

	w.processBatch(context.Background())

	got := store.get(job.ID)
	if got.State != db.JobCompleted {
		t.Errorf("expected completed, got %s", got.State)
	}
	if got.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", got.Attempt)
	}
}

func TestWorker_SucceedsOnSecondAttempt(t *testing.T) {
	store := newFakeJobStore()
	sender := &flakySender{failures: 1}
	w := newTestWorker(store, sender)

	job := store.add(RelayPayload{Channel: ChannelEmail, To: "a@example.com"}, 3)

	w.processBatch(context.Background())

	got := store.get(job.ID)
	if got.State != db.JobQueued {
		t.Fatalf("expected requeue after first failure, got %s", got.State)
	}
	if got.NextAttemptAt == nil {
		t.Fatal("expected a scheduled next attempt")
	}

	w.processBatch(context.Background())

	got = store.get(job.ID)
	if got.State != db.JobCompleted {
		t.Errorf("expected completed, got %s", got.State)
	}
	if got.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", got.Attempt)
	}
}

func TestWorker_ExhaustedJobFailsTerminally(t *testing.T) {
	store := newFakeJobStore()
	sender := &flakySender{failures: 100}
	w := newTestWorker(store, sender)

	job := store.add(RelayPayload{Channel: ChannelEmail, To: "a@example.com"}, 3)

	for i := 0; i < 3; i++ {
		w.processBatch(context.Background())
	}

	got := store.get(job.ID)
	if got.State != db.JobFailed {
		t.Fatalf("expected failed after max attempts, got %s", got.State)
	}
	if got.Attempt != 3 {
		t.Errorf("expected 3 attempts, got %d", got.Attempt)
	}
	if got.LastError == nil || *got.LastError != errTransportDown.Error() {
		t.Errorf("expected last error recorded, got %v", got.LastError)
	}

	// A failed job must never be attempted again.
	w.processBatch(context.Background())
	if sender.sendCount() != 3 {
		t.Errorf("expected exactly 3 sends, got %d", sender.sendCount())
	}
}

func TestWorker_RecordsRelaySentOnCompletion(t *testing.T) {
	store := newFakeJobStore()
	sender := &flakySender{}
	recorder := &fakeStatusRecorder{}
	w := newTestWorkerWithStatuses(store, sender, recorder)

	notifID := uuid.New()
	job := store.add(RelayPayload{
		Channel:        ChannelEmail,
		To:             "a@example.com",
		NotificationID: notifID.String(),
	}, 3)

	w.processBatch(context.Background())

	if got := store.get(job.ID); got.State != db.JobCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
	records := recorder.all()
	if len(records) != 1 {
		t.Fatalf("expected one status write, got %d", len(records))
	}
	rec := records[0]
	if rec.id != notifID {
		t.Errorf("status written for notification %s, want %s", rec.id, notifID)
	}
	if rec.channel != db.ChannelRelay {
		t.Errorf("expected channel %q, got %q", db.ChannelRelay, rec.channel)
	}
	if rec.status.Outcome != db.OutcomeSent {
		t.Errorf("expected outcome %q, got %q", db.OutcomeSent, rec.status.Outcome)
	}
}

func TestWorker_RecordsRelayFailedOnExhaustion(t *testing.T) {
	store := newFakeJobStore()
	sender := &flakySender{failures: 100}
	recorder := &fakeStatusRecorder{}
	w := newTestWorkerWithStatuses(store, sender, recorder)

	notifID := uuid.New()
	store.add(RelayPayload{
		Channel:        ChannelEmail,
		To:             "a@example.com",
		NotificationID: notifID.String(),
	}, 3)

	w.processBatch(context.Background())

	// Retries in flight leave the notification status untouched.
	if records := recorder.all(); len(records) != 0 {
		t.Fatalf("expected no status write while retrying, got %d", len(records))
	}

	w.processBatch(context.Background())
	w.processBatch(context.Background())

	records := recorder.all()
	if len(records) != 1 {
		t.Fatalf("expected one status write after exhaustion, got %d", len(records))
	}
	rec := records[0]
	if rec.id != notifID {
		t.Errorf("status written for notification %s, want %s", rec.id, notifID)
	}
	if rec.status.Outcome != db.OutcomeFailed {
		t.Errorf("expected outcome %q, got %q", db.OutcomeFailed, rec.status.Outcome)
	}
	if rec.status.Detail != errTransportDown.Error() {
		t.Errorf("expected failure detail %q, got %q", errTransportDown.Error(), rec.status.Detail)
	}
}

func TestWorker_NoStatusWriteWithoutNotificationID(t *testing.T) {
	store := newFakeJobStore()
	sender := &flakySender{}
	recorder := &fakeStatusRecorder{}
	w := newTestWorkerWithStatuses(store, sender, recorder)

	job := store.add(RelayPayload{Channel: ChannelEmail, To: "a@example.com"}, 3)

	w.processBatch(context.Background())

	if got := store.get(job.ID); got.State != db.JobCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
	if records := recorder.all(); len(records) != 0 {
		t.Errorf("expected no status writes for a payload without a notification id, got %d", len(records))
	}
}

func TestWorker_InvalidPayloadFailsWithoutSend(t *testing.T) {
	store := newFakeJobStore()
	sender := &flakySender{}
	w := newTestWorker(store, sender)

	job := store.addRaw([]byte("{not json"), 3)

	w.processBatch(context.Background())

	got := store.get(job.ID)
	if got.State != db.JobFailed {
		t.Errorf("expected immediate terminal failure, got %s", got.State)
	}
	if sender.sendCount() != 0 {
		t.Errorf("malformed payload must never reach the transport, got %d sends", sender.sendCount())
	}
}

func TestWorker_BackoffDoublesPerAttempt(t *testing.T) {
	w := newTestWorker(newFakeJobStore(), &flakySender{})

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}

	for _, tc := range cases {
		if got := w.backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

// fakeJobSource hands out one job id, then reports the context as done.
type fakeJobSource struct {
	id      uuid.UUID
	served  bool
	deleted []string
	cancel  context.CancelFunc
}

func (s *fakeJobSource) ReceiveJobID(ctx context.Context) (uuid.UUID, string, bool, error) {
	if s.served {
		s.cancel()
		return uuid.Nil, "", false, ctx.Err()
	}
	s.served = true
	return s.id, "handle-1", true, nil
}

func (s *fakeJobSource) Delete(ctx context.Context, handle string) error {
	s.deleted = append(s.deleted, handle)
	return nil
}

func TestWorker_RunSourceProcessesAnnouncedJob(t *testing.T) {
	store := newFakeJobStore()
	sender := &flakySender{}
	w := newTestWorker(store, sender)

	job := store.add(RelayPayload{Channel: ChannelEmail, To: "a@example.com"}, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &fakeJobSource{id: job.ID, cancel: cancel}

	w.RunSource(ctx, source)

	got := store.get(job.ID)
	if got.State != db.JobCompleted {
		t.Errorf("expected completed, got %s", got.State)
	}
	if len(source.deleted) != 1 || source.deleted[0] != "handle-1" {
		t.Errorf("expected the wakeup to be acknowledged, got %v", source.deleted)
	}
}
