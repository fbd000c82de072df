package stream

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func testEvent(t *testing.T, name string) Event {
	t.Helper()
	ev, err := NewEvent(name, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("failed to build event: %v", err)
	}
	return ev
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	userID := uuid.New()

	conn := NewConnection(userID, "", 4)
	reg.Register(conn)

	got, ok := reg.Get(userID)
	if !ok {
		t.Fatal("expected connection to be registered")
	}
	if got != conn {
		t.Error("expected Get to return the registered connection")
	}
	if reg.Len() != 1 {
		t.Errorf("expected 1 connection, got %d", reg.Len())
	}
}

func TestRegistry_ReplacementClosesPrior(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	userID := uuid.New()

	first := NewConnection(userID, "", 4)
	second := NewConnection(userID, "", 4)

	reg.Register(first)
	reg.Register(second)

	// The replaced connection must be closed so its goroutine unblocks.
	select {
	case <-first.Done():
	default:
		t.Error("expected prior connection to be closed on replacement")
	}

	got, ok := reg.Get(userID)
	if !ok || got != second {
		t.Fatal("expected the newest connection to win")
	}
	if reg.Len() != 1 {
		t.Errorf("expected 1 connection, got %d", reg.Len())
	}

	// Pushing to the replaced connection must fail without affecting the
	// current one.
	if err := first.Push(testEvent(t, EventMessage)); err == nil {
		t.Error("expected push to replaced connection to fail")
	}
	if err := second.Push(testEvent(t, EventMessage)); err != nil {
		t.Errorf("push to current connection failed: %v", err)
	}
}

func TestRegistry_UnregisterIsIdentityGuarded(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	userID := uuid.New()

	first := NewConnection(userID, "", 4)
	second := NewConnection(userID, "", 4)

	reg.Register(first)
	reg.Register(second)

	// A stale unregister for the replaced connection must not remove the
	// current one.
	reg.Unregister(first)

	if _, ok := reg.Get(userID); !ok {
		t.Fatal("stale unregister removed the current connection")
	}

	reg.Unregister(second)
	if _, ok := reg.Get(userID); ok {
		t.Fatal("expected connection to be removed")
	}

	// Unregister is idempotent.
	reg.Unregister(second)
	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
}

func TestConnection_PushAfterCloseFails(t *testing.T) {
	conn := NewConnection(uuid.New(), "", 4)
	conn.Close()
	conn.Close() // second close is a no-op

	if err := conn.Push(testEvent(t, EventNotification)); err != ErrConnectionClosed {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestConnection_PushFullBufferFails(t *testing.T) {
	conn := NewConnection(uuid.New(), "", 1)

	if err := conn.Push(testEvent(t, EventMessage)); err != nil {
		t.Fatalf("first push failed: %v", err)
	}
	if err := conn.Push(testEvent(t, EventMessage)); err != ErrConnectionClosed {
		t.Errorf("expected full buffer to report an unwritable sink, got %v", err)
	}
}

func TestRegistry_ConcurrentRegisterUnregister(t *testing.T) {
	reg := NewRegistry(zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			userID := uuid.New()
			for j := 0; j < 50; j++ {
				conn := NewConnection(userID, "room-1", 4)
				reg.Register(conn)
				reg.Snapshot()
				reg.Unregister(conn)
			}
		}()
	}
	wg.Wait()

	if reg.Len() != 0 {
		t.Errorf("expected empty registry after churn, got %d", reg.Len())
	}
}

func TestEvent_DataIsValidJSON(t *testing.T) {
	ev, err := NewEvent(EventMessage, map[string]int{"id": 7})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}

	var decoded map[string]int
	if err := json.Unmarshal(ev.Data, &decoded); err != nil {
		t.Fatalf("event data is not valid JSON: %v", err)
	}
	if decoded["id"] != 7 {
		t.Errorf("expected id 7, got %d", decoded["id"])
	}
}
