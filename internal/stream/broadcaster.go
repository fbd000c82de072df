package stream

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dstarikov/pushgate/internal/metrics"
)

// Publisher forwards envelopes to other process instances. Implemented by
// the Redis bridge; nil in single-instance deployments.
type Publisher interface {
	PublishUser(userID uuid.UUID, ev Event)
	PublishRoom(roomID string, ev Event)
}

// Broadcaster pushes typed events at registered connections. A failed write
// means the sink is broken: the entry is evicted and the push reported as
// undelivered. It never panics at callers.
type Broadcaster struct {
	registry  *Registry
	publisher Publisher
	logger    *zap.Logger
}

// NewBroadcaster creates a broadcaster over the registry. publisher may be
// nil.
func NewBroadcaster(registry *Registry, publisher Publisher, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		registry:  registry,
		publisher: publisher,
		logger:    logger,
	}
}

// SendToUser pushes an event to the user's open live channel. Returns false
// when the user has no open channel here or the write fails; a broken sink
// is evicted from the registry. When a publisher is configured the event is
// also forwarded so another instance holding the user's channel can deliver.
func (b *Broadcaster) SendToUser(userID uuid.UUID, ev Event) bool {
	delivered := b.deliverUser(userID, ev)

	if !delivered && b.publisher != nil {
		b.publisher.PublishUser(userID, ev)
	}

	return delivered
}

// DeliverLocal pushes to the local registry only. Used by the bridge when
// re-delivering an envelope that originated elsewhere, so it is never
// republished.
func (b *Broadcaster) DeliverLocal(userID uuid.UUID, ev Event) bool {
	return b.deliverUser(userID, ev)
}

func (b *Broadcaster) deliverUser(userID uuid.UUID, ev Event) bool {
	conn, ok := b.registry.Get(userID)
	if !ok {
		return false
	}

	if err := conn.Push(ev); err != nil {
		b.registry.Unregister(conn)
		b.logger.Debug("evicted broken live connection",
			zap.String("user_id", userID.String()),
			zap.String("event", ev.Name),
		)
		metrics.RecordEventPush(ev.Name, "evicted")
		return false
	}

	metrics.RecordEventPush(ev.Name, "delivered")
	return true
}

// Broadcast pushes an event to every open connection, evicting broken sinks.
// Returns the number of successful writes. Iterates a snapshot, so
// concurrent register/unregister is fine.
func (b *Broadcaster) Broadcast(ev Event) int {
	sent := 0
	for _, conn := range b.registry.Snapshot() {
		if err := conn.Push(ev); err != nil {
			b.registry.Unregister(conn)
			metrics.RecordEventPush(ev.Name, "evicted")
			continue
		}
		metrics.RecordEventPush(ev.Name, "delivered")
		sent++
	}
	return sent
}

// BroadcastRoom pushes an event to every connection scoped to roomID and
// returns the successful write count. Forwarded to other instances when a
// publisher is configured.
func (b *Broadcaster) BroadcastRoom(roomID string, ev Event) int {
	sent := b.deliverRoom(roomID, ev)

	if b.publisher != nil {
		b.publisher.PublishRoom(roomID, ev)
	}

	return sent
}

// DeliverRoomLocal is BroadcastRoom without republication, for the bridge.
func (b *Broadcaster) DeliverRoomLocal(roomID string, ev Event) int {
	return b.deliverRoom(roomID, ev)
}

func (b *Broadcaster) deliverRoom(roomID string, ev Event) int {
	sent := 0
	for _, conn := range b.registry.Snapshot() {
		if conn.RoomID() != roomID {
			continue
		}
		if err := conn.Push(ev); err != nil {
			b.registry.Unregister(conn)
			metrics.RecordEventPush(ev.Name, "evicted")
			continue
		}
		metrics.RecordEventPush(ev.Name, "delivered")
		sent++
	}
	return sent
}
