// Package ws serves the websocket side of the UI bridge: a global event
// stream, an attachable terminal, and a speech audio uplink.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peterje/conductor/internal/events"
	"github.com/peterje/conductor/internal/pty"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Subscriber is satisfied by *events.Bus.
type Subscriber interface {
	SubscribeFunc(match func(name string) bool) (<-chan events.Event, func())
}

// syncInterval bounds how long output can sit unsent if wake-up events were
// dropped.
var syncInterval = 250 * time.Millisecond

type resizeMsg struct {
	Type string `json:"type"`
	Data struct {
		Rows uint16 `json:"rows"`
		Cols uint16 `json:"cols"`
	} `json:"data"`
}

// TerminalHandler attaches a websocket to one pty session: buffered output
// first, then live output as binary frames. Bytes are read from the
// session's output stream by offset; bus events only say when to look, so a
// dropped event delays output but never loses it. Binary frames from the
// client are keystrokes, text frames are control messages.
type TerminalHandler struct {
	log     *slog.Logger
	manager pty.SessionManager
	bus     Subscriber
}

func NewTerminalHandler(log *slog.Logger, manager pty.SessionManager, bus Subscriber) *TerminalHandler {
	return &TerminalHandler{log: log.With("component", "ws"), manager: manager, bus: bus}
}

// clearScreen (RIS) precedes a resend when the client fell further behind
// than the replay buffer reaches.
var clearScreen = []byte("\x1bc")

func (h *TerminalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	log := h.log.With("session_id", sessionID)

	if _, ok := h.manager.Session(sessionID); !ok {
		log.Info("Terminal not found")
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	outputTopic := events.Topic("terminal-output", sessionID)
	closedTopic := events.Topic("terminal-closed", sessionID)
	eventsCh, unsub := h.bus.SubscribeFunc(func(name string) bool {
		return name == outputTopic || name == closedTopic
	})
	defer unsub()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	log.Info("Client attached to terminal")

	var offset uint64
	// flush sends everything past offset. It reports false when the
	// session is gone or the client cannot be written to.
	flush := func() bool {
		out, err := h.manager.ReadFrom(sessionID, offset)
		if err != nil {
			return false
		}
		if out.Reset && offset > 0 {
			log.Warn("Client fell behind the replay buffer, redrawing", "offset", offset, "next", out.Next)
			if err := conn.WriteMessage(websocket.BinaryMessage, clearScreen); err != nil {
				return false
			}
		}
		offset = out.Next
		if len(out.Data) == 0 {
			return true
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, out.Data); err != nil {
			log.Debug("Write to client failed", "error", err)
			return false
		}
		return true
	}
	finished := func() bool {
		info, ok := h.manager.Session(sessionID)
		return !ok || info.Status == pty.StatusCompleted || info.Status == pty.StatusFailed
	}

	// Send replay buffer first (for reconnection)
	if !flush() {
		return
	}

	var wg sync.WaitGroup
	done := make(chan struct{})
	ended := make(chan struct{})

	// Terminal output -> WebSocket. ended also closes when the session
	// disappears or the client stops accepting writes.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(ended)
		ticker := time.NewTicker(syncInterval)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-eventsCh:
				if !ok {
					return
				}
				if !flush() || ev.Name == closedTopic {
					return
				}
			case <-ticker.C:
				// Output is appended before the status changes, so a
				// finished session is fully flushed here.
				over := finished()
				if !flush() || over {
					return
				}
			case <-done:
				return
			}
		}
	}()

	// WebSocket -> terminal (binary = input, text = control)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				log.Debug("Read from client failed", "error", err)
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				if err := h.manager.Write(sessionID, msg); err != nil {
					log.Debug("Terminal write failed", "error", err)
				}
			case websocket.TextMessage:
				var resize resizeMsg
				if json.Unmarshal(msg, &resize) == nil && resize.Type == "resize" {
					if err := h.manager.Resize(sessionID, resize.Data.Rows, resize.Data.Cols); err != nil {
						log.Debug("Resize rejected", "error", err)
					}
				}
			}
		}
	}()

	// Wait for session to end or WebSocket to close
	select {
	case <-done:
		log.Info("Client detached from terminal")
	case <-ended:
		select {
		case <-done:
			log.Info("Client detached from terminal")
		default:
			log.Info("Terminal ended")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
		}
	}

	conn.Close()
	wg.Wait()
}
