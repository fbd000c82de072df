package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeliveryType controls which channels a notification is dispatched over.
const (
	DeliveryLive  = "live"
	DeliveryRelay = "relay"
	DeliveryBoth  = "both"
)

// Channel names used as keys in a notification's delivery status.
const (
	ChannelLive  = "live"
	ChannelRelay = "relay"
)

// Per-channel delivery outcomes.
const (
	OutcomeSent   = "sent"
	OutcomeQueued = "queued"
	OutcomeFailed = "failed"
)

// ChannelStatus records the outcome of one delivery channel for a notification.
type ChannelStatus struct {
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification is a per-recipient notification record. DeliveryStatus holds
// one entry per channel implied by DeliveryType, written only by the
// notification service.
type Notification struct {
	ID              uuid.UUID                `json:"id"`
	RecipientUserID uuid.UUID                `json:"recipient_user_id"`
	Title           string                   `json:"title"`
	Message         string                   `json:"message"`
	HTMLMessage     *string                  `json:"html_message,omitempty"`
	DeliveryType    string                   `json:"delivery_type"`
	DeliveryStatus  map[string]ChannelStatus `json:"delivery_status"`
	Priority        int                      `json:"priority"`
	CreatedAt       time.Time                `json:"created_at"`
}

// DeliveryJob state machine: queued -> active -> completed, or
// active -> queued (rescheduled with backoff) until MaxAttempts, then failed.
const (
	JobQueued    = "queued"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// DeliveryJob is a unit of work for the relay worker. The jobs table is the
// durable queue: rows survive process restarts and are leased via
// FOR UPDATE SKIP LOCKED.
type DeliveryJob struct {
	ID            uuid.UUID       `json:"id"`
	Payload       json.RawMessage `json:"payload"`
	Priority      int             `json:"priority"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"max_attempts"`
	State         string          `json:"state"`
	LastError     *string         `json:"last_error,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ChatMessage is a persisted room message. ID is assigned by the store and
// doubles as the replay cursor: within one room ids are strictly increasing.
type ChatMessage struct {
	ID         int64     `json:"id"`
	AuthorID   uuid.UUID `json:"author_id"`
	AuthorName string    `json:"author_name"`
	RoomID     string    `json:"room_id"`
	CategoryID int       `json:"category_id"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}
