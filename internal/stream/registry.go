package stream

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrConnectionClosed is returned when pushing to a connection whose handler
// has gone away or whose buffer is full. Either way the sink is unusable and
// the registry entry should be evicted.
var ErrConnectionClosed = errors.New("connection closed or unwritable")

// Connection is one open live channel. The owning HTTP handler drains
// Events(); everyone else pushes through Push, which never blocks.
type Connection struct {
	userID uuid.UUID
	roomID string // "" for user-scoped notification channels

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection creates a connection for userID. roomID scopes the
// connection to a chat room; pass "" for a notification channel.
func NewConnection(userID uuid.UUID, roomID string, buffer int) *Connection {
	if buffer <= 0 {
		buffer = 64
	}
	return &Connection{
		userID: userID,
		roomID: roomID,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// UserID returns the owning user.
func (c *Connection) UserID() uuid.UUID { return c.userID }

// RoomID returns the room scope, or "" for user channels.
func (c *Connection) RoomID() string { return c.roomID }

// Events is the channel the handler goroutine drains.
func (c *Connection) Events() <-chan Event { return c.events }

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Push delivers an event into the connection buffer without blocking.
// A closed connection or a full buffer (handler stuck or gone) fails.
func (c *Connection) Push(ev Event) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.events <- ev:
		return nil
	default:
		return ErrConnectionClosed
	}
}

// Close marks the connection unusable. Safe to call more than once and from
// any goroutine.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Registry is the process-local table of open live channels: at most one per
// user. It is an injected component, not package state, so each process
// instance owns an independent table.
type Registry struct {
	mu     sync.RWMutex
	conns  map[uuid.UUID]*Connection
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]*Connection),
		logger: logger,
	}
}

// Register stores conn as the user's live channel. A prior connection for
// the same user is closed before being replaced, so a second open from the
// same user tears down the first instead of leaking it.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	prior := r.conns[conn.userID]
	r.conns[conn.userID] = conn
	r.mu.Unlock()

	if prior != nil && prior != conn {
		prior.Close()
		r.logger.Debug("replaced live connection",
			zap.String("user_id", conn.userID.String()),
		)
	}
}

// Unregister removes the user's entry if it is still this connection, and
// closes conn either way. The identity check keeps a replaced connection's
// deferred cleanup from evicting its replacement. Idempotent.
func (r *Registry) Unregister(conn *Connection) {
	r.mu.Lock()
	if current, ok := r.conns[conn.userID]; ok && current == conn {
		delete(r.conns, conn.userID)
	}
	r.mu.Unlock()

	conn.Close()
}

// Get returns the user's open connection, if any.
func (r *Registry) Get(userID uuid.UUID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// Snapshot returns the current connections. Iterating the snapshot is safe
// under concurrent register/unregister.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
