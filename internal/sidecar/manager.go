// Package sidecar multiplexes many logical agent sessions over the stdin and
// stdout of one long-lived child process.
//
// The manager holds no per-session state. Every stdout line is decoded into
// an Event and fanned out to a "sdk-<kind>-<id>" topic; commands for any
// session are written to the same stdin under one lock so that lines never
// interleave.
//
// There is no per-session cancellation below the protocol level: Shutdown
// kills the process and with it every session it was serving.
package sidecar

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/peterje/conductor/internal/events"
)

// Options configures how the sidecar process is located and launched.
type Options struct {
	// Runtime is the interpreter executable. Defaults to "node".
	Runtime string
	// RuntimeArgs are passed before the script path.
	RuntimeArgs []string
	// Candidates are script paths tried in order. See DefaultCandidates.
	Candidates []string
	// Env is appended to the parent environment.
	Env []string
}

// Manager owns the sidecar process.
type Manager struct {
	log     *slog.Logger
	emitter events.Emitter
	opts    Options

	started atomic.Bool

	mu    sync.Mutex // serializes Start and Shutdown
	cmd   *exec.Cmd
	pumps *errgroup.Group
	done  chan struct{}

	stdinMu sync.Mutex // one line at a time
	stdin   io.WriteCloser
}

func New(log *slog.Logger, emitter events.Emitter, opts Options) *Manager {
	if opts.Runtime == "" {
		opts.Runtime = "node"
	}
	return &Manager{
		log:     log.With("component", "sidecar"),
		emitter: emitter,
		opts:    opts,
	}
}

// Start locates and spawns the sidecar. It is a no-op if the process is
// already running.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started.Load() {
		return nil
	}

	for _, p := range m.opts.Candidates {
		m.log.Debug("Checking sidecar path", "path", p)
	}
	script, err := locate(m.opts.Candidates)
	if err != nil {
		return err
	}
	m.log.Info("Using sidecar", "script", script, "base_dir", baseDir(script))

	args := append(append([]string{}, m.opts.RuntimeArgs...), script)
	cmd := exec.Command(m.opts.Runtime, args...)
	cmd.Dir = baseDir(script)
	cmd.Env = append(os.Environ(), m.opts.Env...)

	spawnErr := func(err error) error {
		return &SpawnError{Runtime: m.opts.Runtime, Script: script, Err: err}
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return spawnErr(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return spawnErr(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return spawnErr(fmt.Errorf("stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return spawnErr(err)
	}
	m.log.Info("Sidecar started", "pid", cmd.Process.Pid)

	done := make(chan struct{})
	pumps := &errgroup.Group{}
	pumps.Go(func() error {
		defer close(done)
		m.readStdout(stdout)
		return nil
	})
	pumps.Go(func() error {
		m.readStderr(stderr)
		return nil
	})

	m.stdinMu.Lock()
	m.stdin = stdin
	m.stdinMu.Unlock()

	m.cmd = cmd
	m.pumps = pumps
	m.done = done
	m.started.Store(true)
	return nil
}

// IsStarted reports whether Start succeeded and Shutdown has not been called.
func (m *Manager) IsStarted() bool {
	return m.started.Load()
}

// Done is closed when the stdout pump exits, i.e. the process is gone. It
// returns a closed channel if the sidecar is not running.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.done
}

// Send writes one command as a single JSON line.
func (m *Manager) Send(cmd Command) error {
	line, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", cmd, err)
	}
	line = append(line, '\n')

	m.stdinMu.Lock()
	defer m.stdinMu.Unlock()

	if m.stdin == nil {
		return ErrNotStarted
	}
	if _, err := m.stdin.Write(line); err != nil {
		m.log.Error("Failed to write to sidecar", "session_id", cmd.SessionID(), "error", err)
		return fmt.Errorf("%w: %w", ErrBrokenPipe, err)
	}
	m.log.Debug("Sent command", "session_id", cmd.SessionID(), "bytes", len(line))
	return nil
}

func (m *Manager) Create(c CreateCommand) error { return m.Send(c) }

func (m *Manager) Query(id, prompt string, images []ImageData) error {
	return m.Send(QueryCommand{ID: id, Prompt: prompt, Images: images})
}

func (m *Manager) Stop(id string) error {
	return m.Send(StopCommand{ID: id})
}

func (m *Manager) UpdateModel(id, model string) error {
	return m.Send(UpdateModelCommand{ID: id, Model: model})
}

func (m *Manager) UpdateThinking(id string, maxTokens *uint32) error {
	return m.Send(UpdateThinkingCommand{ID: id, MaxThinkingTokens: maxTokens})
}

func (m *Manager) Close(id string) error {
	return m.Send(CloseCommand{ID: id})
}

// Shutdown kills and reaps the process. Both pumps end on the resulting EOF.
// Safe to call more than once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd == nil {
		return
	}
	m.log.Info("Shutting down sidecar", "pid", m.cmd.Process.Pid)
	m.started.Store(false)

	if err := m.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.log.Warn("Failed to kill sidecar", "error", err)
	}

	m.stdinMu.Lock()
	_ = m.stdin.Close()
	m.stdin = nil
	m.stdinMu.Unlock()

	// Pipes must be drained before Wait.
	_ = m.pumps.Wait()
	_ = m.cmd.Wait()

	m.cmd = nil
	m.pumps = nil
	m.done = nil
}

func (m *Manager) readStdout(r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			m.handleLine(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				m.log.Warn("Sidecar stdout read failed", "error", err)
			}
			break
		}
	}
	m.log.Info("Sidecar reader exited")
}

func (m *Manager) handleLine(line []byte) {
	line = trimLine(line)
	if len(line) == 0 {
		return
	}
	ev, err := Decode(line)
	if err != nil {
		m.log.Warn("Dropping sidecar line", "error", err, "line", string(line))
		return
	}
	m.dispatch(ev)
}

func (m *Manager) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m.log.Info(scanner.Text(), "stream", "stderr")
	}
	if err := scanner.Err(); err != nil {
		m.log.Debug("Sidecar stderr scanner error", "error", err)
	}
}

// dispatch routes one decoded event to its topic.
func (m *Manager) dispatch(ev Event) {
	id := ev.SessionID()
	emit := func(kind string, payload any) {
		m.emitter.Emit(events.Topic("sdk-"+kind, id), payload)
	}

	switch e := ev.(type) {
	case Ready:
		m.log.Info("Sidecar ready")
		m.emitter.Emit("sdk-ready", nil)
	case *Created:
		emit("created", nil)
	case *Text:
		m.log.Debug("Text chunk", "session_id", id, "bytes", len(e.Content))
		emit("text", e.Content)
	case *ToolStart:
		emit("tool-start", map[string]any{"tool": e.Tool, "input": e.Input})
	case *ToolResult:
		emit("tool-result", map[string]any{"tool": e.Tool, "output": e.Output})
	case *Done:
		emit("done", nil)
	case *Usage:
		m.log.Info("Usage", "session_id", id,
			"input_tokens", e.InputTokens, "output_tokens", e.OutputTokens, "cost_usd", e.TotalCostUSD)
		emit("usage", e.UsageStats)
	case *ProgressiveUsage:
		emit("progressive-usage", e.TokenCounts)
	case *ModelUpdated:
		m.log.Info("Model updated", "session_id", id, "model", e.Model)
		emit("model-updated", e.Model)
	case *ThinkingUpdated:
		m.log.Info("Thinking updated", "session_id", id, "max_thinking_tokens", e.MaxThinkingTokens)
		emit("thinking-updated", e.MaxThinkingTokens)
	case *Closed:
		emit("closed", nil)
	case *Error:
		emit("error", e.Message)
	case *Debug:
		m.log.Debug(e.Message, "session_id", id, "stream", "sidecar-debug")
	case *SubagentStart:
		m.log.Info("Subagent started", "session_id", id, "agent_id", e.AgentID, "agent_type", e.AgentType)
		emit("subagent-start", map[string]any{"agentId": e.AgentID, "agentType": e.AgentType})
	case *SubagentStop:
		m.log.Info("Subagent stopped", "session_id", id, "agent_id", e.AgentID)
		emit("subagent-stop", map[string]any{"agentId": e.AgentID, "transcriptPath": e.TranscriptPath})
	default:
		m.log.Warn("Unhandled sidecar event", "type", fmt.Sprintf("%T", ev))
	}
}

func trimLine(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
