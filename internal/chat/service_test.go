package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dstarikov/pushgate/internal/db"
	"github.com/dstarikov/pushgate/internal/stream"
)

var errStoreDown = errors.New("store down")

// fakeMessageStore keeps messages in memory with ascending ids. onList runs
// inside ListMessagesAfter, after stream registration, which lets tests
// simulate a message arriving mid-replay.
type fakeMessageStore struct {
	mu       sync.Mutex
	messages []*db.ChatMessage
	nextID   int64
	failList bool
	onList   func()
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{nextID: 1}
}

func (s *fakeMessageStore) InsertMessage(ctx context.Context, msg *db.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.ID = s.nextID
	s.nextID++
	msg.AuthorName = "tester"
	msg.CreatedAt = time.Now()

	copied := *msg
	s.messages = append(s.messages, &copied)
	return nil
}

func (s *fakeMessageStore) ListMessagesAfter(ctx context.Context, roomID string, afterID int64) ([]*db.ChatMessage, error) {
	if s.onList != nil {
		s.onList()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failList {
		return nil, errStoreDown
	}

	var result []*db.ChatMessage
	for _, m := range s.messages {
		if m.RoomID == roomID && m.ID > afterID {
			result = append(result, m)
		}
	}
	return result, nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	rooms  []string
	events []stream.Event
}

func (b *fakeBroadcaster) BroadcastRoom(roomID string, ev stream.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms = append(b.rooms, roomID)
	b.events = append(b.events, ev)
	return 1
}

type fakeFanOut struct {
	mu       sync.Mutex
	entities []string
	authors  []uuid.UUID
	called   chan struct{}
}

func newFakeFanOut() *fakeFanOut {
	return &fakeFanOut{called: make(chan struct{}, 8)}
}

func (f *fakeFanOut) FanOutMessage(ctx context.Context, entityID string, authorID uuid.UUID, title, message string) error {
	f.mu.Lock()
	f.entities = append(f.entities, entityID)
	f.authors = append(f.authors, authorID)
	f.mu.Unlock()
	f.called <- struct{}{}
	return nil
}

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestService(store *fakeMessageStore, registry *stream.Registry) (*Service, *fakeBroadcaster, *fakeFanOut) {
	broadcaster := &fakeBroadcaster{}
	fanout := newFakeFanOut()
	svc := NewService(store, broadcaster, fanout, registry, Config{
		HeartbeatInterval: time.Hour, // keep heartbeats out of assertions
		EventBufferSize:   16,
	}, zap.NewNop())
	return svc, broadcaster, fanout
}

func TestPostMessage_Validation(t *testing.T) {
	svc, _, _ := newTestService(newFakeMessageStore(), stream.NewRegistry(zap.NewNop()))
	author := uuid.New()

	cases := []struct {
		name       string
		roomID     string
		categoryID int
		body       string
		wantErr    error
	}{
		{"empty body", "room-1", 1, "", ErrEmptyMessage},
		{"empty room", "", 1, "hi", ErrEmptyRoom},
		{"zero category", "room-1", 0, "hi", ErrInvalidCategory},
		{"negative category", "room-1", -2, "hi", ErrInvalidCategory},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.PostMessage(context.Background(), author, tc.roomID, tc.categoryID, tc.body)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestPostMessage_BroadcastsThenFansOut(t *testing.T) {
	store := newFakeMessageStore()
	svc, broadcaster, fanout := newTestService(store, stream.NewRegistry(zap.NewNop()))
	author := uuid.New()

	msg, err := svc.PostMessage(context.Background(), author, "room-1", 3, "hello")
	if err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	if msg.ID == 0 {
		t.Fatal("expected assigned message id")
	}

	// The room broadcast is synchronous with the post.
	broadcaster.mu.Lock()
	if len(broadcaster.rooms) != 1 || broadcaster.rooms[0] != "room-1" {
		t.Errorf("expected one broadcast to room-1, got %v", broadcaster.rooms)
	}
	if len(broadcaster.events) == 1 && broadcaster.events[0].SeqID != msg.ID {
		t.Errorf("expected event seq %d, got %d", msg.ID, broadcaster.events[0].SeqID)
	}
	broadcaster.mu.Unlock()

	// Fan-out is detached but must eventually run with the right subject.
	select {
	case <-fanout.called:
	case <-time.After(2 * time.Second):
		t.Fatal("fan-out was never invoked")
	}

	fanout.mu.Lock()
	defer fanout.mu.Unlock()
	if fanout.entities[0] != "room-1" {
		t.Errorf("expected fan-out entity room-1, got %q", fanout.entities[0])
	}
	if fanout.authors[0] != author {
		t.Errorf("expected fan-out author %s, got %s", author, fanout.authors[0])
	}
}

func waitForOutput(t *testing.T, buf *syncBuffer, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), substr) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("output never contained %q:\n%s", substr, buf.String())
}

func TestStreamRoom_ReplaysHistoryInOrder(t *testing.T) {
	store := newFakeMessageStore()
	registry := stream.NewRegistry(zap.NewNop())
	svc, _, _ := newTestService(store, registry)

	author := uuid.New()
	for i := 0; i < 5; i++ {
		if _, err := svc.PostMessage(context.Background(), author, "room-1", 1, fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("seed post failed: %v", err)
		}
	}

	buf := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.StreamRoom(ctx, buf, func() {}, uuid.New(), "room-1", 2)
	}()

	waitForOutput(t, buf, "id: 5")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("StreamRoom returned error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "event: connected") {
		t.Error("expected a connected event first")
	}
	for _, id := range []int64{3, 4, 5} {
		if !strings.Contains(out, fmt.Sprintf("id: %d\n", id)) {
			t.Errorf("expected replay of message %d", id)
		}
	}
	for _, id := range []int64{1, 2} {
		if strings.Contains(out, fmt.Sprintf("id: %d\n", id)) {
			t.Errorf("message %d is at or before the cursor and must not replay", id)
		}
	}
}

func TestStreamRoom_DropsEventsAlreadyReplayed(t *testing.T) {
	store := newFakeMessageStore()
	registry := stream.NewRegistry(zap.NewNop())
	svc, _, _ := newTestService(store, registry)

	author := uuid.New()
	for i := 0; i < 5; i++ {
		if _, err := svc.PostMessage(context.Background(), author, "room-1", 1, fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("seed post failed: %v", err)
		}
	}

	viewer := uuid.New()

	// Simulate a message landing between registration and the history
	// query: the live push carries id 5, which the replay also returns.
	store.onList = func() {
		conn, ok := registry.Get(viewer)
		if !ok {
			t.Error("connection must be registered before the history query")
			return
		}
		dup, _ := stream.NewEvent(stream.EventMessage, map[string]int64{"id": 5})
		dup.SeqID = 5
		_ = conn.Push(dup)

		fresh, _ := stream.NewEvent(stream.EventMessage, map[string]int64{"id": 6})
		fresh.SeqID = 6
		_ = conn.Push(fresh)
	}

	buf := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.StreamRoom(ctx, buf, func() {}, viewer, "room-1", 0)
	}()

	waitForOutput(t, buf, "id: 6")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("StreamRoom returned error: %v", err)
	}

	out := buf.String()
	if got := strings.Count(out, "id: 5\n"); got != 1 {
		t.Errorf("message 5 must appear exactly once, got %d", got)
	}
	if got := strings.Count(out, "id: 6\n"); got != 1 {
		t.Errorf("message 6 must appear exactly once, got %d", got)
	}
}

func TestStreamRoom_ReplayErrorEndsStream(t *testing.T) {
	store := newFakeMessageStore()
	store.failList = true
	registry := stream.NewRegistry(zap.NewNop())
	svc, _, _ := newTestService(store, registry)

	viewer := uuid.New()
	buf := &syncBuffer{}
	err := svc.StreamRoom(context.Background(), buf, func() {}, viewer, "room-1", 0)
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}

	// The connection must be unregistered on the way out.
	if _, ok := registry.Get(viewer); ok {
		t.Error("expected connection to be unregistered after stream error")
	}
}

func TestStreamUser_DeliversLiveEvents(t *testing.T) {
	store := newFakeMessageStore()
	registry := stream.NewRegistry(zap.NewNop())
	svc, _, _ := newTestService(store, registry)

	viewer := uuid.New()
	buf := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.StreamUser(ctx, buf, func() {}, viewer)
	}()

	waitForOutput(t, buf, "event: connected")

	conn, ok := registry.Get(viewer)
	if !ok {
		t.Fatal("expected registered connection")
	}
	ev, _ := stream.NewEvent(stream.EventNotification, map[string]string{"title": "hi"})
	if err := conn.Push(ev); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	waitForOutput(t, buf, "event: notification")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("StreamUser returned error: %v", err)
	}
}
