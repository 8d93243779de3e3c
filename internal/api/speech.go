package api

import (
	"context"
	"net/http"

	"github.com/peterje/conductor/internal/speech"
)

// Speech is the part of speech.Manager the bridge drives.
type Speech interface {
	CreateSession(ctx context.Context, id, endpoint string, sampleRate int) error
	SendAudio(ctx context.Context, id string, samples []int16) error
	CloseSession(ctx context.Context, id string) (string, error)
	TestConnection(ctx context.Context, endpoint string, sampleRate int) speech.ConnectionResult
	Sessions() []string
}

var _ Speech = (*speech.Manager)(nil)

// SpeechSettings are the recognizer defaults from configuration.
type SpeechSettings struct {
	Enabled    bool
	Endpoint   string
	SampleRate int
}

type SpeechHandler struct {
	manager  Speech
	settings SpeechSettings
}

func NewSpeechHandler(manager Speech, settings SpeechSettings) *SpeechHandler {
	return &SpeechHandler{manager: manager, settings: settings}
}

type speechTarget struct {
	Endpoint   string `json:"endpoint,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

func (h *SpeechHandler) resolve(t speechTarget) (string, int) {
	endpoint, rate := t.Endpoint, t.SampleRate
	if endpoint == "" {
		endpoint = h.settings.Endpoint
	}
	if rate <= 0 {
		rate = h.settings.SampleRate
	}
	return endpoint, rate
}

func (h *SpeechHandler) enabled(w http.ResponseWriter) bool {
	if !h.settings.Enabled {
		WriteError(w, http.StatusServiceUnavailable, "speech recognition is disabled")
		return false
	}
	return true
}

func (h *SpeechHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	var body struct {
		ID string `json:"id"`
		speechTarget
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ID == "" {
		WriteError(w, http.StatusBadRequest, "id is required")
		return
	}
	endpoint, rate := h.resolve(body.speechTarget)
	if err := h.manager.CreateSession(r.Context(), body.ID, endpoint, rate); err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"id": body.ID})
}

func (h *SpeechHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.manager.Sessions())
}

func (h *SpeechHandler) HandleAudio(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	var body struct {
		Samples []int16 `json:"samples"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.manager.SendAudio(r.Context(), r.PathValue("id"), body.Samples); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SpeechHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	text, err := h.manager.CloseSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"text": text})
}

// HandleTest always answers 200; a disabled recognizer is reported in the
// result rather than as an error status.
func (h *SpeechHandler) HandleTest(w http.ResponseWriter, r *http.Request) {
	if !h.settings.Enabled {
		WriteJSON(w, http.StatusOK, speech.ConnectionResult{Error: "Vosk is not enabled"})
		return
	}
	var body speechTarget
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}
	endpoint, rate := h.resolve(body)
	WriteJSON(w, http.StatusOK, h.manager.TestConnection(r.Context(), endpoint, rate))
}
