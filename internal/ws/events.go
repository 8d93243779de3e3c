package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peterje/conductor/internal/events"
)

const (
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// EventsHandler pushes every bus event to the client as a JSON text frame
// {"event": name, "payload": ...}. With ?session=<id> only that session's
// events and the process-wide ones (sdk-ready, session-created) are sent.
type EventsHandler struct {
	log *slog.Logger
	bus Subscriber
}

func NewEventsHandler(log *slog.Logger, bus Subscriber) *EventsHandler {
	return &EventsHandler{log: log.With("component", "ws"), bus: bus}
}

// sessionFilter matches events for id and events that belong to no
// session. The id is compared whole, so "b" does not match "sdk-text-a-b".
func sessionFilter(id string) func(name string) bool {
	if id == "" {
		return nil
	}
	return func(name string) bool {
		owner, ok := events.SessionOf(name)
		return !ok || owner == id
	}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, unsub := h.bus.SubscribeFunc(sessionFilter(session))
	defer unsub()

	h.log.Info("Event stream attached", "session_filter", session)

	// The client never sends anything useful; reading only detects close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug("Event write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			h.log.Info("Event stream detached")
			return
		}
	}
}
