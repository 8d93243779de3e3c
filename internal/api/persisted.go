package api

import (
	"context"
	"net/http"

	"github.com/peterje/conductor/internal/models"
	"github.com/peterje/conductor/internal/store"
)

// PersistedStore saves the UI's session list between runs.
type PersistedStore interface {
	SavePersisted(ctx context.Context, p models.PersistedSessions, maxSessions int) error
	LoadPersisted(ctx context.Context) (models.PersistedSessions, error)
	ClearPersisted(ctx context.Context) error
}

// UsageStore reads the usage ledger.
type UsageStore interface {
	UsageSummary(ctx context.Context) ([]models.SessionUsage, error)
}

var (
	_ PersistedStore = (*store.Store)(nil)
	_ UsageStore     = (*store.Store)(nil)
)

type PersistedHandler struct {
	store       PersistedStore
	maxSessions int
}

func NewPersistedHandler(s PersistedStore, maxSessions int) *PersistedHandler {
	return &PersistedHandler{store: s, maxSessions: maxSessions}
}

func (h *PersistedHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.LoadPersisted(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

func (h *PersistedHandler) HandlePut(w http.ResponseWriter, r *http.Request) {
	var body models.PersistedSessions
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.store.SavePersisted(r.Context(), body, h.maxSessions); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PersistedHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ClearPersisted(r.Context()); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type UsageHandler struct {
	store UsageStore
}

func NewUsageHandler(s UsageStore) *UsageHandler {
	return &UsageHandler{store: s}
}

func (h *UsageHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.store.UsageSummary(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}
