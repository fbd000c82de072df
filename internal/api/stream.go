package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dstarikov/pushgate/internal/auth"
)

// RoomEvents handles GET /v1/rooms/{roomID}/events: an SSE stream replaying
// room history after the client's cursor, then live events. The cursor comes
// from the lastEventId query parameter or the Last-Event-ID header set by
// EventSource reconnects.
func (h *Handler) RoomEvents(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", "")
		return
	}

	roomID := chi.URLParam(r, "roomID")
	if roomID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing room", "room id must not be empty")
		return
	}

	lastSeq, err := parseCursor(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid cursor", "lastEventId must be a non-negative integer")
		return
	}

	flusher, ok := beginStream(w)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming unsupported", "")
		return
	}

	err = h.chat.StreamRoom(r.Context(), w, flusher.Flush, principal.UserID, roomID, lastSeq)
	if err != nil {
		// Headers are already out; all we can do is log and drop.
		h.logger.Warn("room stream ended with error",
			zap.Error(err),
			zap.String("room_id", roomID),
			zap.String("user_id", principal.UserID.String()),
		)
	}
}

// UserEvents handles GET /v1/events: the user-scoped SSE notification
// stream.
func (h *Handler) UserEvents(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", "")
		return
	}

	flusher, ok := beginStream(w)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming unsupported", "")
		return
	}

	if err := h.chat.StreamUser(r.Context(), w, flusher.Flush, principal.UserID); err != nil {
		h.logger.Warn("user stream ended with error",
			zap.Error(err),
			zap.String("user_id", principal.UserID.String()),
		)
	}
}

// beginStream sets the SSE response headers and returns the flusher. ok is
// false when the underlying writer cannot stream.
func beginStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return flusher, true
}

func parseCursor(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("lastEventId")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
