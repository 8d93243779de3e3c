// Package pty runs an interactive CLI inside one pseudo-terminal per
// session and streams its output as "terminal-output-<id>" events.
package pty

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/peterje/conductor/internal/events"
)

const (
	replayBufSize = 100 * 1024 // 100KB replay buffer
	readBufSize   = 4096

	// MinSize and MaxSize bound both terminal dimensions, inclusive.
	MinSize = 1
	MaxSize = 500
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSize     = errors.New("invalid terminal size")
)

type Status string

const (
	StatusStarting  Status = "Starting"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// Mode selects how the initial prompt reaches the CLI.
type Mode string

const (
	// ModeInteractive starts the CLI bare and types the prompt once it has
	// had time to draw its own input line.
	ModeInteractive Mode = "interactive"
	// ModePrompt passes the prompt as a startup argument (-p).
	ModePrompt Mode = "prompt"
)

// SessionInfo is the public record of a terminal session.
type SessionInfo struct {
	ID        string    `json:"id"`
	RepoPath  string    `json:"repo_path"`
	Prompt    string    `json:"prompt"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateOptions describes a new terminal session.
type CreateOptions struct {
	WorkDir         string
	Prompt          string
	Model           string
	Mode            Mode
	SkipPermissions bool
}

// Options configures a Manager.
type Options struct {
	// Command is the CLI to run. Defaults to "claude".
	Command string
	// Rows and Cols are the initial window size. Default 24x80.
	Rows, Cols uint16
	// PromptDelay is how long interactive mode waits before typing the
	// initial prompt. Defaults to one second.
	PromptDelay time.Duration
	// Env is appended to the parent environment.
	Env []string
}

type Session struct {
	cmd  *exec.Cmd
	ptmx *os.File

	// stopping is set by Close before the session leaves the registry.
	stopping atomic.Bool
	done     chan struct{} // closed when the pump exits

	infoMu sync.Mutex
	info   SessionInfo

	writeMu sync.Mutex

	// Replay buffer for reconnection. written counts every byte ever
	// appended, so replayBuf holds stream offsets [written-len, written).
	replayMu  sync.Mutex
	replayBuf []byte
	written   uint64
}

func (s *Session) snapshot() SessionInfo {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	return s.info
}

func (s *Session) setStatus(st Status) {
	s.infoMu.Lock()
	s.info.Status = st
	s.infoMu.Unlock()
}

func (s *Session) appendReplay(data []byte) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	s.replayBuf = append(s.replayBuf, data...)
	s.written += uint64(len(data))
	if len(s.replayBuf) > replayBufSize {
		s.replayBuf = s.replayBuf[len(s.replayBuf)-replayBufSize:]
	}
}

func (s *Session) replay() []byte {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	cp := make([]byte, len(s.replayBuf))
	copy(cp, s.replayBuf)
	return cp
}

// Output is a window of a session's output stream.
type Output struct {
	Data []byte
	// Next is the stream offset just past Data.
	Next uint64
	// Reset means the requested offset had already left the replay buffer
	// and Data restarts at the oldest byte still held.
	Reset bool
}

func (s *Session) readFrom(offset uint64) Output {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	start := s.written - uint64(len(s.replayBuf))
	out := Output{Next: s.written}
	switch {
	case offset < start:
		out.Reset = true
		offset = start
	case offset > s.written:
		offset = s.written
	}
	out.Data = append([]byte(nil), s.replayBuf[offset-start:]...)
	return out
}

func (s *Session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.ptmx == nil {
		return fmt.Errorf("session %s has no terminal", s.info.ID)
	}
	if _, err := s.ptmx.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

type Manager struct {
	log     *slog.Logger
	emitter events.Emitter
	opts    Options

	mu       sync.RWMutex
	sessions map[string]*Session

	beforeStart func(id string) // test hook, runs between registration and spawn
}

func NewManager(log *slog.Logger, emitter events.Emitter, opts Options) *Manager {
	if opts.Command == "" {
		opts.Command = "claude"
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	if opts.Cols == 0 {
		opts.Cols = 80
	}
	if opts.PromptDelay == 0 {
		opts.PromptDelay = time.Second
	}
	return &Manager{
		log:      log.With("component", "pty"),
		emitter:  emitter,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// buildArgs returns the CLI arguments for a session.
func buildArgs(opts CreateOptions) []string {
	var args []string
	if opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Mode == ModePrompt {
		args = append(args, "-p", opts.Prompt)
	}
	return args
}

// CreateSession starts the CLI in a new pty and returns the session id.
func (m *Manager) CreateSession(opts CreateOptions) (string, error) {
	if opts.Mode == "" {
		opts.Mode = ModeInteractive
	}
	id := uuid.NewString()
	sess := &Session{
		done: make(chan struct{}),
		info: SessionInfo{
			ID:        id,
			RepoPath:  opts.WorkDir,
			Prompt:    opts.Prompt,
			Status:    StatusStarting,
			CreatedAt: time.Now(),
		},
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	cmd := exec.Command(m.opts.Command, buildArgs(opts)...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")
	cmd.Env = append(cmd.Env, m.opts.Env...)

	if m.beforeStart != nil {
		m.beforeStart(id)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: m.opts.Rows, Cols: m.opts.Cols})
	if err != nil {
		sess.setStatus(StatusFailed)
		close(sess.done)
		m.log.Error("Failed to start session", "session_id", id, "command", m.opts.Command, "error", err)
		return "", fmt.Errorf("start pty: %w", err)
	}

	// Close may have run while the process was starting. It found no
	// terminal to release, so the cleanup is ours.
	sess.writeMu.Lock()
	if sess.stopping.Load() {
		sess.writeMu.Unlock()
		ptmx.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		sess.setStatus(StatusFailed)
		close(sess.done)
		m.log.Info("Session closed while starting", "session_id", id)
		return "", fmt.Errorf("%w: %s was closed while starting", ErrSessionNotFound, id)
	}
	sess.cmd = cmd
	sess.ptmx = ptmx
	sess.writeMu.Unlock()
	sess.setStatus(StatusRunning)

	m.log.Info("Session started", "session_id", id, "pid", cmd.Process.Pid, "mode", opts.Mode, "work_dir", opts.WorkDir)

	// Reap the process
	go func() {
		_ = cmd.Wait()
		m.log.Debug("Session process exited", "session_id", id)
	}()

	go m.pump(id, sess)

	if opts.Mode == ModeInteractive && opts.Prompt != "" {
		go m.typePrompt(id, sess, opts.Prompt)
	}

	m.emitter.Emit("session-created", sess.snapshot())
	return id, nil
}

// typePrompt writes the initial prompt after a fixed grace period. The CLI
// gives no readiness signal, so this is best effort.
func (m *Manager) typePrompt(id string, sess *Session, prompt string) {
	timer := time.NewTimer(m.opts.PromptDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-sess.done:
		return
	}
	if sess.stopping.Load() {
		return
	}
	if err := sess.write([]byte(prompt + "\n")); err != nil {
		m.log.Debug("Initial prompt not delivered", "session_id", id, "error", err)
	}
}

// pump owns the read side of the pty for the lifetime of the session.
func (m *Manager) pump(id string, sess *Session) {
	defer close(sess.done)

	outputTopic := events.Topic("terminal-output", id)
	status := StatusCompleted
	buf := make([]byte, readBufSize)
	var pending []byte

	for !sess.stopping.Load() {
		n, err := sess.ptmx.Read(buf)
		if sess.stopping.Load() {
			break
		}
		if n > 0 {
			sess.appendReplay(buf[:n])
			var text string
			text, pending = decodeChunk(append(pending, buf[:n]...))
			if text != "" {
				m.emitter.Emit(outputTopic, text)
			}
		}
		if err != nil {
			if !isEndOfStream(err) {
				m.log.Error("Terminal read failed", "session_id", id, "error", err)
				status = StatusFailed
			}
			break
		}
	}

	if sess.stopping.Load() {
		m.log.Debug("Session pump stopped on request", "session_id", id)
	} else if len(pending) > 0 {
		m.emitter.Emit(outputTopic, string([]rune(string(pending))))
	}
	sess.setStatus(status)
	m.emitter.Emit(events.Topic("terminal-closed", id), nil)
}

// decodeChunk converts raw pty bytes to a valid UTF-8 string, holding back a
// trailing partial rune so it can be completed by the next read.
func decodeChunk(b []byte) (string, []byte) {
	cut := len(b)
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				cut = i
			}
			break
		}
	}
	rest := append([]byte(nil), b[cut:]...)
	return toValidUTF8(b[:cut]), rest
}

func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return string([]rune(string(b)))
}

// isEndOfStream reports whether a read error just means the child is gone.
// On Linux a pty master returns EIO once the last slave fd closes.
func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}

func (m *Manager) getSession(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Write sends data to the session's terminal. Concurrent writes to one
// session are serialized.
func (m *Manager) Write(id string, data []byte) error {
	sess := m.getSession(id)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.write(data)
}

// Resize changes the window size. Both dimensions must lie in
// [MinSize, MaxSize]; the check happens before any lookup or syscall.
func (m *Manager) Resize(id string, rows, cols uint16) error {
	if rows < MinSize || rows > MaxSize || cols < MinSize || cols > MaxSize {
		return fmt.Errorf("%w: %dx%d (rows and cols must be %d-%d)", ErrInvalidSize, rows, cols, MinSize, MaxSize)
	}
	sess := m.getSession(id)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if sess.ptmx == nil {
		return fmt.Errorf("session %s has no terminal", id)
	}
	if err := pty.Setsize(sess.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resize: %w", err)
	}
	return nil
}

// Close stops the pump, removes the session and releases its terminal.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.stopping.Store(true)
	delete(m.sessions, id)
	m.mu.Unlock()

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if sess.ptmx != nil {
		sess.ptmx.Close()
	}
	if sess.cmd != nil && sess.cmd.Process != nil {
		// os.ErrProcessDone if it already exited.
		_ = sess.cmd.Process.Signal(syscall.SIGTERM)
	}
	m.log.Info("Session closed", "session_id", id)
	return nil
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// Sessions returns all known sessions, oldest first.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) Session(id string) (SessionInfo, bool) {
	sess := m.getSession(id)
	if sess == nil {
		return SessionInfo{}, false
	}
	return sess.snapshot(), true
}

// ReadFrom returns the session's output from stream offset onwards, as far
// as the replay buffer still holds it. Offset 0 reads the whole buffer.
func (m *Manager) ReadFrom(id string, offset uint64) (Output, error) {
	sess := m.getSession(id)
	if sess == nil {
		return Output{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.readFrom(offset), nil
}

// Replay returns the most recent output of a session.
func (m *Manager) Replay(id string) ([]byte, error) {
	sess := m.getSession(id)
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.replay(), nil
}
