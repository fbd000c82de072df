// Package api exposes the HTTP surface: message posting, the SSE live
// channels, the internal push endpoint and the operator job views.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dstarikov/pushgate/internal/auth"
	"github.com/dstarikov/pushgate/internal/chat"
	"github.com/dstarikov/pushgate/internal/db"
	"github.com/dstarikov/pushgate/internal/redis"
	"github.com/dstarikov/pushgate/internal/sqs"
	"github.com/dstarikov/pushgate/internal/stream"
)

// ChatService posts messages and serves the live channels.
type ChatService interface {
	PostMessage(ctx context.Context, authorID uuid.UUID, roomID string, categoryID int, body string) (*db.ChatMessage, error)
	StreamRoom(ctx context.Context, w io.Writer, flush func(), userID uuid.UUID, roomID string, lastSeq int64) error
	StreamUser(ctx context.Context, w io.Writer, flush func(), userID uuid.UUID) error
}

// Notifier dispatches notifications on behalf of trusted internal callers.
type Notifier interface {
	Notify(ctx context.Context, recipient uuid.UUID, title, message string, htmlMessage *string, deliveryType string, priority int) (*db.Notification, error)
	NotifyMany(ctx context.Context, recipients []uuid.UUID, title, message string, htmlMessage *string, deliveryType string, priority int)
}

// EventPusher writes a single event at a user's open live channel.
type EventPusher interface {
	SendToUser(userID uuid.UUID, ev stream.Event) bool
}

// NotificationReader lists a recipient's notification history.
type NotificationReader interface {
	ListByRecipient(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*db.Notification, error)
}

// JobAdmin exposes the operator view of the delivery queue.
type JobAdmin interface {
	ListFailed(ctx context.Context, limit, offset int) ([]*db.DeliveryJob, error)
	RetryFailed(ctx context.Context, id uuid.UUID) (*db.DeliveryJob, error)
}

// MessageRequest is the incoming message post body.
type MessageRequest struct {
	CategoryID int    `json:"category_id"`
	Body       string `json:"body"`
}

// PushRequest is the internal notification dispatch body. Exactly one of
// UserID or UserIDs must be set.
type PushRequest struct {
	UserID       string   `json:"user_id,omitempty"`
	UserIDs      []string `json:"user_ids,omitempty"`
	Title        string   `json:"title"`
	Message      string   `json:"message"`
	HTMLMessage  *string  `json:"html_message,omitempty"`
	DeliveryType string   `json:"delivery_type,omitempty"`
	Priority     int      `json:"priority,omitempty"`
}

// EventRequest is the raw live-channel push body.
type EventRequest struct {
	UserID string          `json:"user_id"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// EventResponse reports whether a live channel received the event.
type EventResponse struct {
	Delivered bool `json:"delivered"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger        *zap.Logger
	chat          ChatService
	notifier      Notifier
	pusher        EventPusher
	notifications NotificationReader
	jobs          JobAdmin
	idempotency   *redis.IdempotencyService // nil if Redis not configured
	producer      *sqs.Producer             // nil if SQS not configured
}

// NewHandler creates a new API handler. idempotency and producer may be nil.
func NewHandler(logger *zap.Logger, chatSvc ChatService, notifier Notifier, pusher EventPusher, notifications NotificationReader, jobs JobAdmin, idempotency *redis.IdempotencyService, producer *sqs.Producer) *Handler {
	return &Handler{
		logger:        logger,
		chat:          chatSvc,
		notifier:      notifier,
		pusher:        pusher,
		notifications: notifications,
		jobs:          jobs,
		idempotency:   idempotency,
		producer:      producer,
	}
}

// PostMessage handles POST /v1/rooms/{roomID}/messages.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal, ok := auth.PrincipalFrom(ctx)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", "")
		return
	}

	roomID := chi.URLParam(r, "roomID")
	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, principal.UserID.String(), idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	msg, err := h.chat.PostMessage(ctx, principal.UserID, roomID, req.CategoryID, req.Body)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyMessage):
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Empty message", "body must not be empty")
		case errors.Is(err, chat.ErrEmptyRoom):
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing room", "room id must not be empty")
		case errors.Is(err, chat.ErrInvalidCategory):
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid category", "category_id must be positive")
		default:
			h.logger.Error("failed to post message",
				zap.Error(err),
				zap.String("room_id", roomID),
				zap.String("author_id", principal.UserID.String()),
			)
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to post message", "")
		}
		return
	}

	h.logger.Info("message posted",
		zap.Int64("id", msg.ID),
		zap.String("room_id", roomID),
		zap.String("author_id", principal.UserID.String()),
	)

	// The response carries the persisted message with the author's resolved
	// display name, not just the assigned id.
	body, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode message response", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "encoding_error", "Failed to encode message", "")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			MessageID:  msg.ID,
			Body:       body,
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, principal.UserID.String(), idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

// InternalPush handles POST /internal/push: notification dispatch for
// trusted in-cluster callers.
func (h *Handler) InternalPush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Title == "" || req.Message == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "title and message are required")
		return
	}

	switch req.DeliveryType {
	case "", db.DeliveryLive, db.DeliveryRelay, db.DeliveryBoth:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid delivery_type",
			"delivery_type must be live, relay, or both")
		return
	}

	if req.UserID == "" && len(req.UserIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipient", "user_id or user_ids is required")
		return
	}
	if req.UserID != "" && len(req.UserIDs) > 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Ambiguous recipient", "set user_id or user_ids, not both")
		return
	}

	if req.UserID != "" {
		recipient, err := uuid.Parse(req.UserID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
			return
		}

		notif, err := h.notifier.Notify(ctx, recipient, req.Title, req.Message, req.HTMLMessage, req.DeliveryType, req.Priority)
		if err != nil {
			h.logger.Error("failed to dispatch notification",
				zap.Error(err),
				zap.String("user_id", req.UserID),
			)
			h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to dispatch notification", "")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(notif)
		return
	}

	recipients := make([]uuid.UUID, 0, len(req.UserIDs))
	for _, raw := range req.UserIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_ids entry", raw+" is not a valid UUID")
			return
		}
		recipients = append(recipients, id)
	}

	h.notifier.NotifyMany(ctx, recipients, req.Title, req.Message, req.HTMLMessage, req.DeliveryType, req.Priority)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int{"recipients": len(recipients)})
}

// InternalEvent handles POST /internal/events: pushes a raw event at one
// user's open live channel and reports whether the write landed. Meant for
// in-cluster callers that are not the holder of the user's connection, such
// as a background worker. No channel is a normal outcome, not an error.
func (h *Handler) InternalEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Event == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing event name", "event is required")
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	data := req.Data
	if data == nil {
		data = json.RawMessage("{}")
	}

	delivered := h.pusher.SendToUser(userID, stream.Event{Name: req.Event, Data: data})

	h.logger.Debug("internal event push",
		zap.String("user_id", req.UserID),
		zap.String("event", req.Event),
		zap.Bool("delivered", delivered),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(EventResponse{Delivered: delivered})
}

// ListNotifications handles GET /v1/notifications?limit=20&offset=0 for the
// authenticated user.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal, ok := auth.PrincipalFrom(ctx)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", "")
		return
	}

	limit, offset := pagination(r)

	notifications, err := h.notifications.ListByRecipient(ctx, principal.UserID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("user_id", principal.UserID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// ListFailedJobs handles GET /v1/jobs/failed?limit=20&offset=0.
func (h *Handler) ListFailedJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, offset := pagination(r)

	jobs, err := h.jobs.ListFailed(ctx, limit, offset)
	if err != nil {
		h.logger.Error("failed to list failed jobs", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list failed jobs", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   jobs,
		"limit":  limit,
		"offset": offset,
		"count":  len(jobs),
	})
}

// RetryJob handles POST /v1/jobs/{id}/retry: moves a failed job back to the
// queue with a fresh attempt budget.
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	jobID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid job ID", "ID must be a valid UUID")
		return
	}

	job, err := h.jobs.RetryFailed(ctx, jobID)
	if err != nil {
		h.logger.Error("failed to retry job",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusNotFound, "not_found", "Failed job not found", "")
		return
	}

	if h.producer != nil {
		_ = h.producer.Announce(ctx, job.ID)
	}

	h.logger.Info("failed job requeued",
		zap.String("id", idStr),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":    idStr,
		"state": job.State,
	})
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
