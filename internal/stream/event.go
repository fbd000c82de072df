// Package stream holds the live push channel machinery: the per-user
// connection registry, the event broadcaster, and SSE wire framing.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
)

// Well-known event names on the live channel.
const (
	EventConnected    = "connected"
	EventMessage      = "message"
	EventNotification = "notification"
	EventPing         = "ping"
)

// Event is a named, JSON-encoded payload pushed over a live channel.
// SeqID is set for room message events and carries the replay cursor;
// it is zero for every other event kind.
type Event struct {
	Name  string
	SeqID int64
	Data  json.RawMessage
}

// NewEvent marshals v into an event payload.
func NewEvent(name string, v any) (Event, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return Event{Name: name, Data: data}, nil
}

// WriteEvent writes one SSE frame. Events with a sequence id carry an "id:"
// line so EventSource reconnects resend the cursor in Last-Event-ID.
func WriteEvent(w io.Writer, ev Event) error {
	if ev.SeqID != 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.SeqID); err != nil {
			return fmt.Errorf("write event frame: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data); err != nil {
		return fmt.Errorf("write event frame: %w", err)
	}
	return nil
}

// WriteHeartbeat writes an SSE comment frame used as a keep-alive, so
// intermediaries don't tear down an idle stream.
func WriteHeartbeat(w io.Writer) error {
	if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
		return fmt.Errorf("write heartbeat frame: %w", err)
	}
	return nil
}
