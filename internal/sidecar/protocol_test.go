package sidecar

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommand_MarshalTagsType(t *testing.T) {
	budget := uint32(2048)
	planMode := true

	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{
			name: "create",
			cmd: CreateCommand{
				ID: "s1", Cwd: "/repo", Model: "sonnet", PlanMode: &planMode,
				Messages: []HistoryMessage{{Type: "user", Content: "hi"}},
			},
			want: `{"type":"create","id":"s1","cwd":"/repo","model":"sonnet","messages":[{"type":"user","content":"hi"}],"plan_mode":true}`,
		},
		{
			name: "create omits optional fields",
			cmd:  CreateCommand{ID: "s1", Cwd: "/repo"},
			want: `{"type":"create","id":"s1","cwd":"/repo"}`,
		},
		{
			name: "query with image",
			cmd: QueryCommand{ID: "s1", Prompt: "look", Images: []ImageData{
				{MediaType: "image/png", Base64Data: "AAAA"},
			}},
			want: `{"type":"query","id":"s1","prompt":"look","images":[{"mediaType":"image/png","base64Data":"AAAA"}]}`,
		},
		{
			name: "stop",
			cmd:  StopCommand{ID: "s1"},
			want: `{"type":"stop","id":"s1"}`,
		},
		{
			name: "update model",
			cmd:  UpdateModelCommand{ID: "s1", Model: "opus"},
			want: `{"type":"update_model","id":"s1","model":"opus"}`,
		},
		{
			name: "update thinking",
			cmd:  UpdateThinkingCommand{ID: "s1", MaxThinkingTokens: &budget},
			want: `{"type":"update_thinking","id":"s1","maxThinkingTokens":2048}`,
		},
		{
			name: "disable thinking",
			cmd:  UpdateThinkingCommand{ID: "s1"},
			want: `{"type":"update_thinking","id":"s1","maxThinkingTokens":null}`,
		},
		{
			name: "close",
			cmd:  CloseCommand{ID: "s1"},
			want: `{"type":"close","id":"s1"}`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := json.Marshal(tc.cmd)
			require.NoError(t, err)
			require.JSONEq(t, tc.want, string(got))
			require.Equal(t, "s1", tc.cmd.SessionID())
		})
	}
}

func TestDecode_AllEventKinds(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"ready"}`))
	require.NoError(t, err)
	require.Equal(t, Ready{}, ev)
	require.Empty(t, ev.SessionID())

	ev, err = Decode([]byte(`{"type":"text","id":"s1","content":"hello"}`))
	require.NoError(t, err)
	text, ok := ev.(*Text)
	require.True(t, ok)
	require.Equal(t, "s1", text.SessionID())
	require.Equal(t, "hello", text.Content)

	ev, err = Decode([]byte(`{"type":"tool_start","id":"s1","tool":"Read","input":{"path":"a.go"}}`))
	require.NoError(t, err)
	start := ev.(*ToolStart)
	require.Equal(t, "Read", start.Tool)
	require.JSONEq(t, `{"path":"a.go"}`, string(start.Input))

	ev, err = Decode([]byte(`{"type":"usage","id":"s1","inputTokens":10,"outputTokens":20,
		"cacheReadTokens":1,"cacheCreationTokens":2,"totalCostUsd":0.5,"durationMs":900,
		"durationApiMs":800,"numTurns":3,"contextWindow":200000}`))
	require.NoError(t, err)
	usage := ev.(*Usage)
	require.Equal(t, uint64(10), usage.InputTokens)
	require.Equal(t, uint64(20), usage.OutputTokens)
	require.InDelta(t, 0.5, usage.TotalCostUSD, 1e-9)
	require.Equal(t, uint64(200000), usage.ContextWindow)

	ev, err = Decode([]byte(`{"type":"subagent_stop","id":"s1","agentId":"a1","transcriptPath":"/tmp/t.jsonl"}`))
	require.NoError(t, err)
	stop := ev.(*SubagentStop)
	require.Equal(t, "a1", stop.AgentID)
	require.Equal(t, "/tmp/t.jsonl", stop.TranscriptPath)

	for _, line := range []string{
		`{"type":"created","id":"s1"}`,
		`{"type":"tool_result","id":"s1","tool":"Read","output":"ok"}`,
		`{"type":"done","id":"s1"}`,
		`{"type":"progressive_usage","id":"s1","inputTokens":1,"outputTokens":2,"cacheReadTokens":0,"cacheCreationTokens":0}`,
		`{"type":"model_updated","id":"s1","model":"opus"}`,
		`{"type":"thinking_updated","id":"s1","maxThinkingTokens":1024}`,
		`{"type":"closed","id":"s1"}`,
		`{"type":"error","id":"s1","message":"boom"}`,
		`{"type":"debug","id":"s1","message":"trace"}`,
		`{"type":"subagent_start","id":"s1","agentId":"a1","agentType":"general"}`,
	} {
		ev, err := Decode([]byte(line))
		require.NoError(t, err, line)
		require.Equal(t, "s1", ev.SessionID(), line)
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		unknown bool
	}{
		{name: "not json", line: `not json at all`},
		{name: "truncated", line: `{"type":"text","id":"s1"`},
		{name: "unknown type", line: `{"type":"mystery","id":"s1"}`, unknown: true},
		{name: "missing session id", line: `{"type":"text","content":"orphan"}`},
		{name: "wrong field type", line: `{"type":"usage","id":"s1","inputTokens":"many"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Decode([]byte(tc.line))
			require.Nil(t, ev)

			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr))
			require.Equal(t, tc.line, decodeErr.Line)
			require.Equal(t, tc.unknown, errors.Is(err, ErrUnknownEvent))
		})
	}
}
