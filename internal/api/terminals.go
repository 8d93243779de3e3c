package api

import (
	"net/http"

	"github.com/peterje/conductor/internal/pty"
)

// TerminalDefaults fill in what a create request leaves out.
type TerminalDefaults struct {
	Mode            pty.Mode
	Model           string
	SkipPermissions bool
}

type TerminalsHandler struct {
	manager  pty.SessionManager
	defaults TerminalDefaults
}

func NewTerminalsHandler(manager pty.SessionManager, defaults TerminalDefaults) *TerminalsHandler {
	return &TerminalsHandler{manager: manager, defaults: defaults}
}

func (h *TerminalsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RepoPath string `json:"repo_path"`
		Prompt   string `json:"prompt"`
		Mode     string `json:"mode,omitempty"`
		Model    string `json:"model,omitempty"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.RepoPath == "" {
		WriteError(w, http.StatusBadRequest, "repo_path is required")
		return
	}

	opts := pty.CreateOptions{
		WorkDir:         body.RepoPath,
		Prompt:          body.Prompt,
		Mode:            h.defaults.Mode,
		Model:           h.defaults.Model,
		SkipPermissions: h.defaults.SkipPermissions,
	}
	switch pty.Mode(body.Mode) {
	case "":
	case pty.ModeInteractive, pty.ModePrompt:
		opts.Mode = pty.Mode(body.Mode)
	default:
		WriteError(w, http.StatusBadRequest, "mode must be 'interactive' or 'prompt'")
		return
	}
	if body.Model != "" {
		opts.Model = body.Model
	}

	id, err := h.manager.CreateSession(opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	info, _ := h.manager.Session(id)
	WriteJSON(w, http.StatusCreated, info)
}

func (h *TerminalsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.manager.Sessions())
}

func (h *TerminalsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	info, ok := h.manager.Session(r.PathValue("id"))
	if !ok {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	WriteJSON(w, http.StatusOK, info)
}

func (h *TerminalsHandler) HandleInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data string `json:"data"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.manager.Write(r.PathValue("id"), []byte(body.Data)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TerminalsHandler) HandleResize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rows uint16 `json:"rows"`
		Cols uint16 `json:"cols"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.manager.Resize(r.PathValue("id"), body.Rows, body.Cols); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TerminalsHandler) HandleReplay(w http.ResponseWriter, r *http.Request) {
	data, err := h.manager.Replay(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (h *TerminalsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Close(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
