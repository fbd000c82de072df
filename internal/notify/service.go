package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dstarikov/pushgate/internal/db"
	"github.com/dstarikov/pushgate/internal/metrics"
	"github.com/dstarikov/pushgate/internal/stream"
	"github.com/dstarikov/pushgate/internal/worker"
)

// Job priorities. Security-class notifications preempt ordinary ones in
// consumption order.
const (
	PriorityDefault = 0
	PriorityHigh    = 10
)

// NotificationStore persists notification records and their per-channel
// delivery outcomes.
type NotificationStore interface {
	Create(ctx context.Context, notif *db.Notification) error
	UpdateDeliveryStatus(ctx context.Context, id uuid.UUID, statuses map[string]db.ChannelStatus) error
}

// ContactStore resolves a recipient's relay address. "" means the user has
// no address on file.
type ContactStore interface {
	ContactAddress(ctx context.Context, userID uuid.UUID) (string, error)
}

// JobQueue buffers relay sends so Notify never blocks on transport latency.
type JobQueue interface {
	Enqueue(ctx context.Context, payload json.RawMessage, priority, maxAttempts int, delay time.Duration) (*db.DeliveryJob, error)
}

// LivePusher pushes an event at a user's open live channel, reporting
// whether a write happened.
type LivePusher interface {
	SendToUser(userID uuid.UUID, ev stream.Event) bool
}

// Config tunes the notification service.
type Config struct {
	// DefaultDeliveryType is used by fan-outs that don't choose one.
	DefaultDeliveryType string
	// JobMaxAttempts is the attempt budget given to enqueued relay jobs.
	JobMaxAttempts int
}

// Service is the notification orchestrator: it persists a record per
// recipient, pushes the live channel, enqueues the relay channel, and records
// per-channel outcomes. Live goes first so the fast path is never delayed by
// the queueing call.
type Service struct {
	store    NotificationStore
	contacts ContactStore
	queue    JobQueue
	pusher   LivePusher
	resolver *Resolver
	config   Config
	logger   *zap.Logger
}

// NewService creates a notification service.
func NewService(store NotificationStore, contacts ContactStore, queue JobQueue, pusher LivePusher, resolver *Resolver, cfg Config, logger *zap.Logger) *Service {
	if cfg.DefaultDeliveryType == "" {
		cfg.DefaultDeliveryType = db.DeliveryBoth
	}
	if cfg.JobMaxAttempts == 0 {
		cfg.JobMaxAttempts = 5
	}

	return &Service{
		store:    store,
		contacts: contacts,
		queue:    queue,
		pusher:   pusher,
		resolver: resolver,
		config:   cfg,
		logger:   logger,
	}
}

// Notify creates and dispatches one notification for one recipient. Channel
// failures are recorded, never raised: a notification with a failed channel
// is a valid terminal state. Only the initial persist can fail the call.
func (s *Service) Notify(ctx context.Context, recipient uuid.UUID, title, message string, htmlMessage *string, deliveryType string, priority int) (*db.Notification, error) {
	if deliveryType == "" {
		deliveryType = s.config.DefaultDeliveryType
	}

	notif := &db.Notification{
		ID:              uuid.New(),
		RecipientUserID: recipient,
		Title:           title,
		Message:         message,
		HTMLMessage:     htmlMessage,
		DeliveryType:    deliveryType,
		DeliveryStatus:  map[string]db.ChannelStatus{},
		Priority:        priority,
	}

	if err := s.store.Create(ctx, notif); err != nil {
		return nil, fmt.Errorf("persist notification: %w", err)
	}

	if deliveryType == db.DeliveryLive || deliveryType == db.DeliveryBoth {
		s.dispatchLive(notif)
	}

	if deliveryType == db.DeliveryRelay || deliveryType == db.DeliveryBoth {
		s.dispatchRelay(ctx, notif, priority)
	}

	if err := s.store.UpdateDeliveryStatus(ctx, notif.ID, notif.DeliveryStatus); err != nil {
		// The queue's own state stays authoritative for delivery; the
		// recorded status is an audit convenience and may lag.
		s.logger.Warn("failed to persist delivery status",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
	}

	return notif, nil
}

// NotifyMany applies Notify once per recipient. Recipients are independent:
// one failure never blocks the rest, and there is no rollback.
func (s *Service) NotifyMany(ctx context.Context, recipients []uuid.UUID, title, message string, htmlMessage *string, deliveryType string, priority int) {
	for _, recipient := range recipients {
		if _, err := s.Notify(ctx, recipient, title, message, htmlMessage, deliveryType, priority); err != nil {
			s.logger.Error("failed to notify recipient",
				zap.Error(err),
				zap.String("recipient_id", recipient.String()),
			)
		}
	}
}

// FanOutMessage resolves the audience for a posted message and notifies
// everyone in it. A resolver error aborts the whole fan-out for this event:
// a lookup failure must not masquerade as an empty audience.
func (s *Service) FanOutMessage(ctx context.Context, entityID string, authorID uuid.UUID, title, message string) error {
	recipients, err := s.resolver.Resolve(ctx, entityID, authorID)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}

	metrics.RecordFanoutSize(len(recipients))
	if len(recipients) == 0 {
		return nil
	}

	s.NotifyMany(ctx, recipients, title, message, nil, s.config.DefaultDeliveryType, PriorityDefault)
	return nil
}

func (s *Service) dispatchLive(notif *db.Notification) {
	ev, err := stream.NewEvent(stream.EventNotification, notif)
	if err != nil {
		notif.DeliveryStatus[db.ChannelLive] = channelStatus(db.OutcomeFailed, err.Error())
		metrics.RecordNotificationDispatch(db.ChannelLive, db.OutcomeFailed)
		return
	}

	if s.pusher.SendToUser(notif.RecipientUserID, ev) {
		notif.DeliveryStatus[db.ChannelLive] = channelStatus(db.OutcomeSent, "")
		metrics.RecordNotificationDispatch(db.ChannelLive, db.OutcomeSent)
		return
	}

	// No open channel is the normal case for offline users, not an error.
	notif.DeliveryStatus[db.ChannelLive] = channelStatus(db.OutcomeFailed, "not connected")
	metrics.RecordNotificationDispatch(db.ChannelLive, db.OutcomeFailed)
	s.logger.Debug("live delivery skipped, recipient not connected",
		zap.String("recipient_id", notif.RecipientUserID.String()),
	)
}

func (s *Service) dispatchRelay(ctx context.Context, notif *db.Notification, priority int) {
	address, err := s.contacts.ContactAddress(ctx, notif.RecipientUserID)
	if err != nil {
		notif.DeliveryStatus[db.ChannelRelay] = channelStatus(db.OutcomeFailed, "address lookup failed")
		metrics.RecordNotificationDispatch(db.ChannelRelay, db.OutcomeFailed)
		s.logger.Error("failed to resolve contact address",
			zap.Error(err),
			zap.String("recipient_id", notif.RecipientUserID.String()),
		)
		return
	}

	if address == "" {
		notif.DeliveryStatus[db.ChannelRelay] = channelStatus(db.OutcomeFailed, "no address")
		metrics.RecordNotificationDispatch(db.ChannelRelay, db.OutcomeFailed)
		return
	}

	html := notif.Message
	if notif.HTMLMessage != nil {
		html = *notif.HTMLMessage
	}

	payload, err := json.Marshal(worker.RelayPayload{
		Channel:        worker.ChannelEmail,
		To:             address,
		Subject:        notif.Title,
		Text:           notif.Message,
		HTML:           html,
		NotificationID: notif.ID.String(),
	})
	if err != nil {
		notif.DeliveryStatus[db.ChannelRelay] = channelStatus(db.OutcomeFailed, "payload encoding failed")
		metrics.RecordNotificationDispatch(db.ChannelRelay, db.OutcomeFailed)
		return
	}

	job, err := s.queue.Enqueue(ctx, payload, priority, s.config.JobMaxAttempts, 0)
	if err != nil {
		notif.DeliveryStatus[db.ChannelRelay] = channelStatus(db.OutcomeFailed, "enqueue failed")
		metrics.RecordNotificationDispatch(db.ChannelRelay, db.OutcomeFailed)
		s.logger.Error("failed to enqueue relay job",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return
	}

	notif.DeliveryStatus[db.ChannelRelay] = channelStatus(db.OutcomeQueued, job.ID.String())
	metrics.RecordNotificationDispatch(db.ChannelRelay, db.OutcomeQueued)
}

func channelStatus(outcome, detail string) db.ChannelStatus {
	return db.ChannelStatus{
		Outcome:   outcome,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}
