// Package chat implements room message posting and the room-scoped live
// channel: replay from a cursor, then live fan-out until disconnect.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dstarikov/pushgate/internal/db"
	"github.com/dstarikov/pushgate/internal/metrics"
	"github.com/dstarikov/pushgate/internal/stream"
)

// Validation errors surfaced to the API layer as client errors.
var (
	ErrEmptyMessage    = errors.New("message must not be empty")
	ErrEmptyRoom       = errors.New("room id must not be empty")
	ErrInvalidCategory = errors.New("category id must be positive")
)

// MessageStore is the persisted room history. Assigned message ids are the
// replay cursor.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *db.ChatMessage) error
	ListMessagesAfter(ctx context.Context, roomID string, afterID int64) ([]*db.ChatMessage, error)
}

// FanOut triggers notification fan-out for a posted message.
type FanOut interface {
	FanOutMessage(ctx context.Context, entityID string, authorID uuid.UUID, title, message string) error
}

// Broadcaster pushes room events at open live channels.
type Broadcaster interface {
	BroadcastRoom(roomID string, ev stream.Event) int
}

// Config tunes the chat service.
type Config struct {
	HeartbeatInterval time.Duration
	EventBufferSize   int
	// FanOutTimeout bounds the detached notification dispatch.
	FanOutTimeout time.Duration
}

// Service owns the chat flows: posting (persist -> broadcast -> async
// fan-out) and the replay-then-live stream.
type Service struct {
	store       MessageStore
	broadcaster Broadcaster
	fanout      FanOut
	registry    *stream.Registry
	config      Config
	logger      *zap.Logger
}

// NewService creates a chat service.
func NewService(store MessageStore, broadcaster Broadcaster, fanout FanOut, registry *stream.Registry, cfg Config, logger *zap.Logger) *Service {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.EventBufferSize == 0 {
		cfg.EventBufferSize = 64
	}
	if cfg.FanOutTimeout == 0 {
		cfg.FanOutTimeout = 30 * time.Second
	}

	return &Service{
		store:       store,
		broadcaster: broadcaster,
		fanout:      fanout,
		registry:    registry,
		config:      cfg,
		logger:      logger,
	}
}

// PostMessage validates, persists and broadcasts a message, then hands
// notification fan-out to a detached task. The broadcast happens before the
// fan-out so live viewers see the message independent of resolver and
// notification persistence latency; fan-out failures never fail the post.
func (s *Service) PostMessage(ctx context.Context, authorID uuid.UUID, roomID string, categoryID int, body string) (*db.ChatMessage, error) {
	if body == "" {
		return nil, ErrEmptyMessage
	}
	if roomID == "" {
		return nil, ErrEmptyRoom
	}
	if categoryID <= 0 {
		return nil, ErrInvalidCategory
	}

	msg := &db.ChatMessage{
		AuthorID:   authorID,
		RoomID:     roomID,
		CategoryID: categoryID,
		Body:       body,
	}

	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	ev, err := messageEvent(msg)
	if err != nil {
		s.logger.Error("failed to encode message event",
			zap.Error(err),
			zap.Int64("message_id", msg.ID),
		)
	} else {
		s.broadcaster.BroadcastRoom(roomID, ev)
	}

	s.dispatchFanOut(msg)

	return msg, nil
}

// dispatchFanOut runs notification fan-out in its own goroutine with its own
// error boundary and deadline, detached from the request context: a panic or
// error here must never be mistaken for a failure of the post itself.
func (s *Service) dispatchFanOut(msg *db.ChatMessage) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in notification fan-out",
					zap.Any("panic", r),
					zap.Int64("message_id", msg.ID),
				)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.FanOutTimeout)
		defer cancel()

		title := fmt.Sprintf("New message from %s", msg.AuthorName)
		if err := s.fanout.FanOutMessage(ctx, msg.RoomID, msg.AuthorID, title, msg.Body); err != nil {
			s.logger.Error("notification fan-out aborted",
				zap.Error(err),
				zap.String("room_id", msg.RoomID),
				zap.Int64("message_id", msg.ID),
			)
		}
	}()
}

// StreamRoom serves a room-scoped live channel: a connected event, then the
// history with id > lastSeq in ascending order, then live events until ctx
// is done or the connection is replaced. flush is called after every frame.
//
// The connection is registered before the history query runs, so live events
// published during replay land in the connection buffer; anything the replay
// already covered is dropped by comparing against the room-monotonic id.
func (s *Service) StreamRoom(ctx context.Context, w io.Writer, flush func(), userID uuid.UUID, roomID string, lastSeq int64) error {
	conn := stream.NewConnection(userID, roomID, s.config.EventBufferSize)
	s.registry.Register(conn)
	defer s.registry.Unregister(conn)

	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	if err := s.writeConnected(w, flush); err != nil {
		return err
	}

	history, err := s.store.ListMessagesAfter(ctx, roomID, lastSeq)
	if err != nil {
		return fmt.Errorf("replay room history: %w", err)
	}

	highWater := lastSeq
	for _, msg := range history {
		ev, err := messageEvent(msg)
		if err != nil {
			return err
		}
		if err := stream.WriteEvent(w, ev); err != nil {
			return err
		}
		highWater = msg.ID
	}
	flush()

	return s.serveLive(ctx, w, flush, conn, highWater)
}

// StreamUser serves the user-scoped notification channel: no replay, just a
// connected event, live pushes and heartbeats.
func (s *Service) StreamUser(ctx context.Context, w io.Writer, flush func(), userID uuid.UUID) error {
	conn := stream.NewConnection(userID, "", s.config.EventBufferSize)
	s.registry.Register(conn)
	defer s.registry.Unregister(conn)

	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	if err := s.writeConnected(w, flush); err != nil {
		return err
	}

	return s.serveLive(ctx, w, flush, conn, 0)
}

func (s *Service) serveLive(ctx context.Context, w io.Writer, flush func(), conn *stream.Connection, highWater int64) error {
	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-conn.Done():
			// Replaced by a newer connection for the same user.
			return nil

		case ev := <-conn.Events():
			if ev.SeqID != 0 && ev.SeqID <= highWater {
				// Already delivered during replay.
				continue
			}
			if ev.SeqID > highWater {
				highWater = ev.SeqID
			}
			if err := stream.WriteEvent(w, ev); err != nil {
				return err
			}
			flush()

		case <-heartbeat.C:
			if err := stream.WriteHeartbeat(w); err != nil {
				return err
			}
			flush()
		}
	}
}

func (s *Service) writeConnected(w io.Writer, flush func()) error {
	ev, err := stream.NewEvent(stream.EventConnected, map[string]bool{"connected": true})
	if err != nil {
		return err
	}
	if err := stream.WriteEvent(w, ev); err != nil {
		return err
	}
	flush()
	return nil
}

func messageEvent(msg *db.ChatMessage) (stream.Event, error) {
	ev, err := stream.NewEvent(stream.EventMessage, msg)
	if err != nil {
		return stream.Event{}, fmt.Errorf("encode message event: %w", err)
	}
	ev.SeqID = msg.ID
	return ev, nil
}
