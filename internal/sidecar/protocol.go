package sidecar

import (
	"encoding/json"
	"fmt"
)

// Command tags for messages written to the sidecar's stdin.
const (
	cmdCreate         = "create"
	cmdQuery          = "query"
	cmdStop           = "stop"
	cmdUpdateModel    = "update_model"
	cmdUpdateThinking = "update_thinking"
	cmdClose          = "close"
)

// Event tags for messages read from the sidecar's stdout.
const (
	evtReady            = "ready"
	evtCreated          = "created"
	evtText             = "text"
	evtToolStart        = "tool_start"
	evtToolResult       = "tool_result"
	evtDone             = "done"
	evtUsage            = "usage"
	evtProgressiveUsage = "progressive_usage"
	evtModelUpdated     = "model_updated"
	evtThinkingUpdated  = "thinking_updated"
	evtClosed           = "closed"
	evtError            = "error"
	evtDebug            = "debug"
	evtSubagentStart    = "subagent_start"
	evtSubagentStop     = "subagent_stop"
)

// Wire format: one JSON object per line, UTF-8, discriminated by "type".
// Every object except the process-wide {"type":"ready"} carries the
// session "id" it belongs to.

// Command is a message for the sidecar. The set is closed: only the types
// in this file implement it.
type Command interface {
	json.Marshaler
	SessionID() string
	command()
}

// ImageData is an inline image attached to a query.
type ImageData struct {
	MediaType  string `json:"mediaType"`
	Base64Data string `json:"base64Data"`
	Width      *int   `json:"width,omitempty"`
	Height     *int   `json:"height,omitempty"`
}

// HistoryMessage is one item of a conversation replayed into a restored
// session. Type is one of "user", "assistant", "tool_use", "tool_result".
type HistoryMessage struct {
	Type    string          `json:"type"`
	Content string          `json:"content,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  string          `json:"output,omitempty"`
}

type CreateCommand struct {
	ID           string           `json:"id"`
	Cwd          string           `json:"cwd"`
	Model        string           `json:"model,omitempty"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Messages     []HistoryMessage `json:"messages,omitempty"`
	PlanMode     *bool            `json:"plan_mode,omitempty"`
}

type QueryCommand struct {
	ID     string      `json:"id"`
	Prompt string      `json:"prompt"`
	Images []ImageData `json:"images,omitempty"`
}

type StopCommand struct {
	ID string `json:"id"`
}

type UpdateModelCommand struct {
	ID    string `json:"id"`
	Model string `json:"model"`
}

// UpdateThinkingCommand sets the thinking budget; nil disables thinking.
type UpdateThinkingCommand struct {
	ID                string  `json:"id"`
	MaxThinkingTokens *uint32 `json:"maxThinkingTokens"`
}

type CloseCommand struct {
	ID string `json:"id"`
}

func (c CreateCommand) SessionID() string         { return c.ID }
func (c QueryCommand) SessionID() string          { return c.ID }
func (c StopCommand) SessionID() string           { return c.ID }
func (c UpdateModelCommand) SessionID() string    { return c.ID }
func (c UpdateThinkingCommand) SessionID() string { return c.ID }
func (c CloseCommand) SessionID() string          { return c.ID }

func (CreateCommand) command()         {}
func (QueryCommand) command()          {}
func (StopCommand) command()           {}
func (UpdateModelCommand) command()    {}
func (UpdateThinkingCommand) command() {}
func (CloseCommand) command()          {}

func (c CreateCommand) MarshalJSON() ([]byte, error) {
	type body CreateCommand
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{cmdCreate, body(c)})
}

func (c QueryCommand) MarshalJSON() ([]byte, error) {
	type body QueryCommand
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{cmdQuery, body(c)})
}

func (c StopCommand) MarshalJSON() ([]byte, error) {
	type body StopCommand
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{cmdStop, body(c)})
}

func (c UpdateModelCommand) MarshalJSON() ([]byte, error) {
	type body UpdateModelCommand
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{cmdUpdateModel, body(c)})
}

func (c UpdateThinkingCommand) MarshalJSON() ([]byte, error) {
	type body UpdateThinkingCommand
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{cmdUpdateThinking, body(c)})
}

func (c CloseCommand) MarshalJSON() ([]byte, error) {
	type body CloseCommand
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{cmdClose, body(c)})
}

// Event is a message from the sidecar. The set is closed: only the types in
// this file implement it, and Decode returns nothing else.
type Event interface {
	// SessionID is empty only for Ready.
	SessionID() string
	event()
}

type session struct {
	ID string `json:"id"`
}

func (s session) SessionID() string { return s.ID }
func (session) event()              {}

// Ready is sent once when the sidecar has accepted its first command.
type Ready struct{}

func (Ready) SessionID() string { return "" }
func (Ready) event()            {}

type Created struct{ session }

type Text struct {
	session
	Content string `json:"content"`
}

type ToolStart struct {
	session
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

type ToolResult struct {
	session
	Tool   string `json:"tool"`
	Output string `json:"output"`
}

type Done struct{ session }

// TokenCounts are the running token totals reported while a query streams.
type TokenCounts struct {
	InputTokens         uint64 `json:"inputTokens"`
	OutputTokens        uint64 `json:"outputTokens"`
	CacheReadTokens     uint64 `json:"cacheReadTokens"`
	CacheCreationTokens uint64 `json:"cacheCreationTokens"`
}

// UsageStats are the final counters for a finished query.
type UsageStats struct {
	TokenCounts
	TotalCostUSD  float64 `json:"totalCostUsd"`
	DurationMs    uint64  `json:"durationMs"`
	DurationAPIMs uint64  `json:"durationApiMs"`
	NumTurns      uint64  `json:"numTurns"`
	ContextWindow uint64  `json:"contextWindow"`
}

type Usage struct {
	session
	UsageStats
}

type ProgressiveUsage struct {
	session
	TokenCounts
}

type ModelUpdated struct {
	session
	Model string `json:"model"`
}

type ThinkingUpdated struct {
	session
	MaxThinkingTokens uint64 `json:"maxThinkingTokens"`
}

type Closed struct{ session }

type Error struct {
	session
	Message string `json:"message"`
}

type Debug struct {
	session
	Message string `json:"message"`
}

type SubagentStart struct {
	session
	AgentID   string `json:"agentId"`
	AgentType string `json:"agentType"`
}

type SubagentStop struct {
	session
	AgentID        string `json:"agentId"`
	TranscriptPath string `json:"transcriptPath"`
}

// Decode parses one stdout line into its Event.
func Decode(line []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return nil, &DecodeError{Line: string(line), Err: err}
	}

	var ev Event
	switch envelope.Type {
	case evtReady:
		return Ready{}, nil
	case evtCreated:
		ev = &Created{}
	case evtText:
		ev = &Text{}
	case evtToolStart:
		ev = &ToolStart{}
	case evtToolResult:
		ev = &ToolResult{}
	case evtDone:
		ev = &Done{}
	case evtUsage:
		ev = &Usage{}
	case evtProgressiveUsage:
		ev = &ProgressiveUsage{}
	case evtModelUpdated:
		ev = &ModelUpdated{}
	case evtThinkingUpdated:
		ev = &ThinkingUpdated{}
	case evtClosed:
		ev = &Closed{}
	case evtError:
		ev = &Error{}
	case evtDebug:
		ev = &Debug{}
	case evtSubagentStart:
		ev = &SubagentStart{}
	case evtSubagentStop:
		ev = &SubagentStop{}
	default:
		return nil, &DecodeError{Line: string(line), Err: fmt.Errorf("%w %q", ErrUnknownEvent, envelope.Type)}
	}

	if err := json.Unmarshal(line, ev); err != nil {
		return nil, &DecodeError{Line: string(line), Err: err}
	}
	if ev.SessionID() == "" {
		return nil, &DecodeError{Line: string(line), Err: fmt.Errorf("%s event without session id", envelope.Type)}
	}
	return ev, nil
}
