package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dstarikov/pushgate/internal/stream"
)

const bridgeChannel = "pushgate:events"

// LocalDeliverer re-delivers bridged envelopes to local connections without
// republishing them. Implemented by stream.Broadcaster.
type LocalDeliverer interface {
	DeliverLocal(userID uuid.UUID, ev stream.Event) bool
	DeliverRoomLocal(roomID string, ev stream.Event) int
}

// envelope is the wire form of a bridged event. Origin carries the
// publishing instance id so an instance never re-delivers its own traffic.
type envelope struct {
	Origin string       `json:"origin"`
	UserID string       `json:"user_id,omitempty"`
	RoomID string       `json:"room_id,omitempty"`
	Event  stream.Event `json:"event"`
}

// Bridge fans live events out across process instances over Redis pub/sub.
// Each instance publishes envelopes it could not (or should not only)
// deliver locally and subscribes to everyone else's.
type Bridge struct {
	client     *Client
	instanceID string
	logger     *zap.Logger
}

// NewBridge creates a bridge with a fresh instance identity.
func NewBridge(client *Client, logger *zap.Logger) *Bridge {
	return &Bridge{
		client:     client,
		instanceID: uuid.NewString(),
		logger:     logger,
	}
}

// PublishUser forwards a user-addressed event to other instances.
func (b *Bridge) PublishUser(userID uuid.UUID, ev stream.Event) {
	b.publish(envelope{Origin: b.instanceID, UserID: userID.String(), Event: ev})
}

// PublishRoom forwards a room-addressed event to other instances.
func (b *Bridge) PublishRoom(roomID string, ev stream.Event) {
	b.publish(envelope{Origin: b.instanceID, RoomID: roomID, Event: ev})
}

func (b *Bridge) publish(env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("failed to marshal bridge envelope", zap.Error(err))
		return
	}

	if err := b.client.rdb.Publish(context.Background(), bridgeChannel, data).Err(); err != nil {
		b.logger.Warn("bridge publish failed",
			zap.Error(err),
			zap.String("event", env.Event.Name),
		)
	}
}

// Run subscribes to the bridge channel and re-delivers foreign envelopes
// through dst until ctx is done. Malformed payloads are logged and skipped.
func (b *Bridge) Run(ctx context.Context, dst LocalDeliverer) error {
	sub := b.client.rdb.Subscribe(ctx, bridgeChannel)
	defer sub.Close()

	// Force the subscription before reporting ready.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("bridge subscribe failed: %w", err)
	}

	b.logger.Info("event bridge subscribed",
		zap.String("channel", bridgeChannel),
		zap.String("instance_id", b.instanceID),
	)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(msg.Payload, dst)
		}
	}
}

func (b *Bridge) handle(payload string, dst LocalDeliverer) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn("dropping malformed bridge envelope", zap.Error(err))
		return
	}

	if env.Origin == b.instanceID {
		return
	}

	switch {
	case env.RoomID != "":
		dst.DeliverRoomLocal(env.RoomID, env.Event)
	case env.UserID != "":
		userID, err := uuid.Parse(env.UserID)
		if err != nil {
			b.logger.Warn("dropping bridge envelope with bad user id",
				zap.String("user_id", env.UserID),
			)
			return
		}
		dst.DeliverLocal(userID, env.Event)
	}
}
