package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// NotificationRepository handles database operations for notifications
type NotificationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *DB, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new notification. DeliveryStatus is stored as JSONB and
// may be empty at creation time.
func (r *NotificationRepository) Create(ctx context.Context, notif *Notification) error {
	if notif.DeliveryStatus == nil {
		notif.DeliveryStatus = map[string]ChannelStatus{}
	}

	status, err := json.Marshal(notif.DeliveryStatus)
	if err != nil {
		return fmt.Errorf("marshal delivery status: %w", err)
	}

	query := `
		INSERT INTO notifications (
			id, recipient_user_id, title, message, html_message,
			delivery_type, delivery_status, priority
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING created_at
	`

	err = r.db.Pool().QueryRow(
		ctx,
		query,
		notif.ID,
		notif.RecipientUserID,
		notif.Title,
		notif.Message,
		notif.HTMLMessage,
		notif.DeliveryType,
		status,
		notif.Priority,
	).Scan(&notif.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	return nil
}

// UpdateDeliveryStatus overwrites the per-channel delivery outcomes of a
// notification. Entries are only ever added or overwritten per channel.
func (r *NotificationRepository) UpdateDeliveryStatus(ctx context.Context, id uuid.UUID, statuses map[string]ChannelStatus) error {
	status, err := json.Marshal(statuses)
	if err != nil {
		return fmt.Errorf("marshal delivery status: %w", err)
	}

	query := `UPDATE notifications SET delivery_status = $1 WHERE id = $2`

	result, err := r.db.Pool().Exec(ctx, query, status, id)
	if err != nil {
		r.logger.Error("failed to update delivery status",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return fmt.Errorf("update delivery status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification not found: %s", id)
	}

	return nil
}

// SetChannelStatus merges one channel's outcome into a notification's
// delivery status, leaving the other channels untouched. Used by the relay
// worker, which owns no view of the live channel's entry.
func (r *NotificationRepository) SetChannelStatus(ctx context.Context, id uuid.UUID, channel string, status ChannelStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal channel status: %w", err)
	}

	query := `
		UPDATE notifications
		SET delivery_status = delivery_status || jsonb_build_object($1::text, $2::jsonb)
		WHERE id = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, channel, payload, id)
	if err != nil {
		r.logger.Error("failed to set channel status",
			zap.Error(err),
			zap.String("notification_id", id.String()),
			zap.String("channel", channel),
		)
		return fmt.Errorf("set channel status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification not found: %s", id)
	}

	return nil
}

// Get retrieves a notification by ID
func (r *NotificationRepository) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `
		SELECT
			id, recipient_user_id, title, message, html_message,
			delivery_type, delivery_status, priority, created_at
		FROM notifications
		WHERE id = $1
	`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("notification not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return notif, nil
}

// ListByRecipient retrieves a recipient's notifications, newest first.
func (r *NotificationRepository) ListByRecipient(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT
			id, recipient_user_id, title, message, html_message,
			delivery_type, delivery_status, priority, created_at
		FROM notifications
		WHERE recipient_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, recipientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var notif Notification
	var status []byte

	err := row.Scan(
		&notif.ID,
		&notif.RecipientUserID,
		&notif.Title,
		&notif.Message,
		&notif.HTMLMessage,
		&notif.DeliveryType,
		&status,
		&notif.Priority,
		&notif.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	notif.DeliveryStatus = map[string]ChannelStatus{}
	if len(status) > 0 {
		if err := json.Unmarshal(status, &notif.DeliveryStatus); err != nil {
			return nil, fmt.Errorf("unmarshal delivery status: %w", err)
		}
	}

	return &notif, nil
}
