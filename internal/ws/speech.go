package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/peterje/conductor/internal/speech"
)

// AudioSink is the part of speech.Manager the audio uplink needs.
type AudioSink interface {
	SendAudio(ctx context.Context, id string, samples []int16) error
	CloseSession(ctx context.Context, id string) (string, error)
}

// SpeechHandler streams microphone audio into an existing speech session.
// Binary frames are little-endian 16-bit PCM. A {"type":"stop"} text frame
// finalizes the session; the reply is {"text": ...} and the socket closes.
type SpeechHandler struct {
	log     *slog.Logger
	manager AudioSink
}

func NewSpeechHandler(log *slog.Logger, manager AudioSink) *SpeechHandler {
	return &SpeechHandler{log: log.With("component", "ws"), manager: manager}
}

func (h *SpeechHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	log := h.log.With("session_id", sessionID)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			log.Debug("Audio uplink closed", "error", err)
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := h.manager.SendAudio(ctx, sessionID, speech.DecodePCM(msg)); err != nil {
				log.Warn("Forwarding audio failed", "error", err)
				h.closeWith(conn, websocket.CloseInternalServerErr, err.Error())
				return
			}

		case websocket.TextMessage:
			var ctl struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(msg, &ctl) != nil || ctl.Type != "stop" {
				continue
			}
			text, err := h.manager.CloseSession(ctx, sessionID)
			if err != nil {
				conn.WriteJSON(map[string]string{"error": err.Error()})
			} else {
				conn.WriteJSON(map[string]string{"text": text})
			}
			h.closeWith(conn, websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (h *SpeechHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	if len(reason) > 120 {
		reason = reason[:120]
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
