package models

import (
	"encoding/json"
	"time"
)

// PersistedSdkMessage is one rendered message in a saved agent transcript.
type PersistedSdkMessage struct {
	Type      string          `json:"type"`
	Content   *string         `json:"content,omitempty"`
	Tool      *string         `json:"tool,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    *string         `json:"output,omitempty"`
	Timestamp uint64          `json:"timestamp"`
}

type PersistedSdkSession struct {
	ID        string                `json:"id"`
	Cwd       string                `json:"cwd"`
	Model     string                `json:"model"`
	Messages  []PersistedSdkMessage `json:"messages"`
	Status    string                `json:"status"`
	CreatedAt uint64                `json:"createdAt"`
	StartedAt *uint64               `json:"startedAt,omitempty"`
}

type PersistedTerminalSession struct {
	ID        string `json:"id"`
	RepoPath  string `json:"repo_path"`
	Prompt    string `json:"prompt"`
	Status    string `json:"status"`
	CreatedAt uint64 `json:"created_at"`
	// OutputBuffer keeps terminal output for read-only viewing after restart.
	OutputBuffer *string `json:"output_buffer,omitempty"`
}

// PersistedSessions is the document the UI saves and restores across
// restarts. Timestamps are unix milliseconds.
type PersistedSessions struct {
	SdkSessions             []PersistedSdkSession      `json:"sdk_sessions"`
	TerminalSessions        []PersistedTerminalSession `json:"terminal_sessions"`
	ActiveSdkSessionID      *string                    `json:"active_sdk_session_id"`
	ActiveTerminalSessionID *string                    `json:"active_terminal_session_id"`
	SavedAt                 uint64                     `json:"saved_at"`
}

// UsageRecord is one completed agent turn's token and cost accounting.
type UsageRecord struct {
	ID                  string    `json:"id"`
	SessionID           string    `json:"session_id"`
	InputTokens         uint64    `json:"input_tokens"`
	OutputTokens        uint64    `json:"output_tokens"`
	CacheReadTokens     uint64    `json:"cache_read_tokens"`
	CacheCreationTokens uint64    `json:"cache_creation_tokens"`
	CostUSD             float64   `json:"cost_usd"`
	DurationMs          uint64    `json:"duration_ms"`
	NumTurns            uint64    `json:"num_turns"`
	CreatedAt           time.Time `json:"created_at"`
}

// SessionUsage aggregates UsageRecords for one session.
type SessionUsage struct {
	SessionID    string    `json:"session_id"`
	Records      int       `json:"records"`
	InputTokens  uint64    `json:"input_tokens"`
	OutputTokens uint64    `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

type CLIStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

type HealthResponse struct {
	Status         string      `json:"status"`
	Tools          []CLIStatus `json:"tools"`
	SidecarStarted bool        `json:"sidecar_started"`
	SpeechEnabled  bool        `json:"speech_enabled"`
}
