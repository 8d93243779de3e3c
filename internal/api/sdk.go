package api

import (
	"net/http"

	"github.com/peterje/conductor/internal/sidecar"
)

// Sidecar is the part of sidecar.Manager the bridge drives.
type Sidecar interface {
	Start() error
	IsStarted() bool
	Shutdown()
	Create(c sidecar.CreateCommand) error
	Query(id, prompt string, images []sidecar.ImageData) error
	Stop(id string) error
	UpdateModel(id, model string) error
	UpdateThinking(id string, maxTokens *uint32) error
	Close(id string) error
}

var _ Sidecar = (*sidecar.Manager)(nil)

type SdkHandler struct {
	sidecar Sidecar
}

func NewSdkHandler(s Sidecar) *SdkHandler {
	return &SdkHandler{sidecar: s}
}

func (h *SdkHandler) HandleStart(w http.ResponseWriter, _ *http.Request) {
	if err := h.sidecar.Start(); err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"started": true})
}

// HandleShutdown kills the sidecar. A crashed sidecar has to be shut down
// before it can be started again.
func (h *SdkHandler) HandleShutdown(w http.ResponseWriter, _ *http.Request) {
	h.sidecar.Shutdown()
	WriteJSON(w, http.StatusOK, map[string]bool{"started": false})
}

func (h *SdkHandler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]bool{"started": h.sidecar.IsStarted()})
}

func (h *SdkHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body sidecar.CreateCommand
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ID == "" || body.Cwd == "" {
		WriteError(w, http.StatusBadRequest, "id and cwd are required")
		return
	}
	h.reply(w, h.sidecar.Create(body))
}

func (h *SdkHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt string              `json:"prompt"`
		Images []sidecar.ImageData `json:"images,omitempty"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	h.reply(w, h.sidecar.Query(r.PathValue("id"), body.Prompt, body.Images))
}

func (h *SdkHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.reply(w, h.sidecar.Stop(r.PathValue("id")))
}

func (h *SdkHandler) HandleModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Model == "" {
		WriteError(w, http.StatusBadRequest, "model is required")
		return
	}
	h.reply(w, h.sidecar.UpdateModel(r.PathValue("id"), body.Model))
}

// HandleThinking sets the thinking budget; a null budget turns thinking off.
func (h *SdkHandler) HandleThinking(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MaxThinkingTokens *uint32 `json:"max_thinking_tokens"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	h.reply(w, h.sidecar.UpdateThinking(r.PathValue("id"), body.MaxThinkingTokens))
}

func (h *SdkHandler) HandleClose(w http.ResponseWriter, r *http.Request) {
	h.reply(w, h.sidecar.Close(r.PathValue("id")))
}

// reply answers 202: the outcome arrives later as sdk-* events.
func (h *SdkHandler) reply(w http.ResponseWriter, err error) {
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
