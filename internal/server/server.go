// Package server wires the JSON API and websocket handlers into one
// http.Handler.
package server

import (
	"log/slog"
	"net/http"

	"github.com/peterje/conductor/internal/api"
	"github.com/peterje/conductor/internal/models"
	"github.com/peterje/conductor/internal/pty"
	"github.com/peterje/conductor/internal/ws"
)

// Deps are the backends the bridge exposes. Store may be nil, which
// disables the persistence and usage routes.
type Deps struct {
	Log      *slog.Logger
	Bus      ws.Subscriber
	Sidecar  api.Sidecar
	Terminal pty.SessionManager
	Speech   api.Speech
	Store    interface {
		api.PersistedStore
		api.UsageStore
	}

	Tools            []models.CLIStatus
	TerminalDefaults api.TerminalDefaults
	SpeechSettings   api.SpeechSettings
	MaxSessions      int
}

type Server struct {
	mux  *http.ServeMux
	deps Deps
}

func New(deps Deps) *Server {
	s := &Server{
		mux:  http.NewServeMux(),
		deps: deps,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handler returns the server wrapped in logging and panic recovery.
func (s *Server) Handler() http.Handler {
	return loggingMiddleware(s.deps.Log, recoveryMiddleware(s.deps.Log, s))
}

func (s *Server) routes() {
	d := s.deps
	sdk := api.NewSdkHandler(d.Sidecar)
	terminals := api.NewTerminalsHandler(d.Terminal, d.TerminalDefaults)
	speechAPI := api.NewSpeechHandler(d.Speech, d.SpeechSettings)

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Sidecar sessions
	s.mux.HandleFunc("POST /api/sdk/start", sdk.HandleStart)
	s.mux.HandleFunc("POST /api/sdk/shutdown", sdk.HandleShutdown)
	s.mux.HandleFunc("GET /api/sdk/status", sdk.HandleStatus)
	s.mux.HandleFunc("POST /api/sdk/sessions", sdk.HandleCreate)
	s.mux.HandleFunc("POST /api/sdk/sessions/{id}/query", sdk.HandleQuery)
	s.mux.HandleFunc("POST /api/sdk/sessions/{id}/stop", sdk.HandleStop)
	s.mux.HandleFunc("PUT /api/sdk/sessions/{id}/model", sdk.HandleModel)
	s.mux.HandleFunc("PUT /api/sdk/sessions/{id}/thinking", sdk.HandleThinking)
	s.mux.HandleFunc("DELETE /api/sdk/sessions/{id}", sdk.HandleClose)

	// Terminals
	s.mux.HandleFunc("GET /api/terminals", terminals.HandleList)
	s.mux.HandleFunc("POST /api/terminals", terminals.HandleCreate)
	s.mux.HandleFunc("GET /api/terminals/{id}", terminals.HandleGet)
	s.mux.HandleFunc("POST /api/terminals/{id}/input", terminals.HandleInput)
	s.mux.HandleFunc("POST /api/terminals/{id}/resize", terminals.HandleResize)
	s.mux.HandleFunc("GET /api/terminals/{id}/replay", terminals.HandleReplay)
	s.mux.HandleFunc("DELETE /api/terminals/{id}", terminals.HandleDelete)

	// Speech
	s.mux.HandleFunc("GET /api/speech/sessions", speechAPI.HandleList)
	s.mux.HandleFunc("POST /api/speech/sessions", speechAPI.HandleCreate)
	s.mux.HandleFunc("POST /api/speech/sessions/{id}/audio", speechAPI.HandleAudio)
	s.mux.HandleFunc("DELETE /api/speech/sessions/{id}", speechAPI.HandleStop)
	s.mux.HandleFunc("POST /api/speech/test", speechAPI.HandleTest)

	// Persistence
	if d.Store != nil {
		persisted := api.NewPersistedHandler(d.Store, d.MaxSessions)
		usage := api.NewUsageHandler(d.Store)
		s.mux.HandleFunc("GET /api/persisted-sessions", persisted.HandleGet)
		s.mux.HandleFunc("PUT /api/persisted-sessions", persisted.HandlePut)
		s.mux.HandleFunc("DELETE /api/persisted-sessions", persisted.HandleDelete)
		s.mux.HandleFunc("GET /api/usage", usage.HandleSummary)
	}

	// WebSocket
	s.mux.Handle("GET /ws/events", ws.NewEventsHandler(d.Log, d.Bus))
	s.mux.Handle("GET /ws/terminal/{id}", ws.NewTerminalHandler(d.Log, d.Terminal, d.Bus))
	s.mux.Handle("GET /ws/speech/{id}", ws.NewSpeechHandler(d.Log, d.Speech))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	tools := s.deps.Tools
	if tools == nil {
		tools = []models.CLIStatus{}
	}
	api.WriteJSON(w, http.StatusOK, models.HealthResponse{
		Status:         "ok",
		Tools:          tools,
		SidecarStarted: s.deps.Sidecar.IsStarted(),
		SpeechEnabled:  s.deps.SpeechSettings.Enabled,
	})
}
