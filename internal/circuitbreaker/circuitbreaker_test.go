package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dstarikov/pushgate/internal/worker"
)

func newTestBreaker(maxFailures int, recovery time.Duration) *CircuitBreaker {
	return New(Config{
		Name:                "test",
		MaxFailures:         maxFailures,
		RecoveryTimeout:     recovery,
		HalfOpenMaxRequests: 1,
	}, zap.NewNop())
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if !cb.Allow() {
			t.Fatalf("expected closed breaker to allow after %d failures", i+1)
		}
	}

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Errorf("expected open after 3 failures, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Error("expected open breaker to reject requests")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.GetState() != StateClosed {
		t.Errorf("expected closed after success reset the count, got %s", cb.GetState())
	}
}

func TestBreaker_ProbeAfterRecoveryTimeout(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected probe request after recovery timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("expected half-open during probe, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Error("expected second probe to be rejected while half-open")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected probe request")
	}
	cb.RecordSuccess()

	if cb.GetState() != StateClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Error("expected closed breaker to allow requests")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected probe request")
	}
	cb.RecordFailure()

	if cb.GetState() != StateOpen {
		t.Errorf("expected open after failed probe, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Error("expected re-opened breaker to reject requests")
	}
}

type stubSender struct {
	err   error
	calls int
}

func (s *stubSender) Send(ctx context.Context, payload worker.RelayPayload) error {
	s.calls++
	return s.err
}

func (s *stubSender) SupportsChannel(channel string) bool { return channel == "email" }

func TestProtectedSender_FailsFastWhenOpen(t *testing.T) {
	inner := &stubSender{err: errors.New("smtp down")}
	cb := newTestBreaker(2, time.Minute)
	ps := NewProtectedSender(inner, cb, zap.NewNop())

	payload := worker.RelayPayload{Channel: worker.ChannelEmail, To: "a@example.com"}

	for i := 0; i < 2; i++ {
		if err := ps.Send(context.Background(), payload); err == nil {
			t.Fatal("expected send error")
		}
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 sends before the circuit opened, got %d", inner.calls)
	}

	err := ps.Send(context.Background(), payload)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("expected no send while open, got %d calls", inner.calls)
	}
}

func TestProtectedSender_SuccessPassesThrough(t *testing.T) {
	inner := &stubSender{}
	ps := NewProtectedSender(inner, newTestBreaker(2, time.Minute), zap.NewNop())

	err := ps.Send(context.Background(), worker.RelayPayload{Channel: worker.ChannelEmail, To: "a@example.com"})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 call, got %d", inner.calls)
	}

	if !ps.SupportsChannel("email") {
		t.Error("expected SupportsChannel to delegate")
	}
	if ps.SupportsChannel("sms") {
		t.Error("expected unsupported channel to be rejected")
	}
}
