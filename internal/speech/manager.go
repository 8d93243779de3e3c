// Package speech streams PCM audio to a remote speech recognizer over one
// websocket per session and relays its transcripts as events.
//
// Each session has a pump goroutine that polls for recognizer frames with a
// short timeout. Before every poll the pump checks that the registry still
// maps the session's ID to that exact session; removal from the registry is
// the normal way a pump is told to stop.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peterje/conductor/internal/events"
)

var ErrSessionNotFound = errors.New("speech session not found")

type Options struct {
	PollInterval         time.Duration // default 10ms
	IdleBackoff          time.Duration // default 50ms; also used when the session is locked
	ErrorBackoff         time.Duration // default 100ms
	MaxConsecutiveErrors int           // default 5
	FinalizeTimeout      time.Duration // default 10s
	Dialer               *websocket.Dialer
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Millisecond
	}
	if o.IdleBackoff <= 0 {
		o.IdleBackoff = 50 * time.Millisecond
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = 100 * time.Millisecond
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = 5
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
}

type Manager struct {
	log     *slog.Logger
	emitter events.Emitter
	opts    Options

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(log *slog.Logger, emitter events.Emitter, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		log:      log.With("component", "speech"),
		emitter:  emitter,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// CreateSession connects to the recognizer at endpoint. An existing session
// with the same id is torn down first and its pump has exited by the time
// this returns.
func (m *Manager) CreateSession(ctx context.Context, id, endpoint string, sampleRate int) error {
	if old := m.remove(id); old != nil {
		m.log.Info("Replacing existing speech session", "session_id", id)
		m.teardown(old)
	}

	conn, _, err := m.opts.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("connect to recognizer %s: %w", endpoint, err)
	}
	sess := newSession(id, sampleRate, conn)

	m.mu.Lock()
	raced := m.sessions[id]
	m.sessions[id] = sess
	m.mu.Unlock()
	if raced != nil {
		raced.markGone()
		m.teardown(raced)
	}

	m.log.Info("Speech session started", "session_id", id, "endpoint", endpoint, "sample_rate", sampleRate)
	go m.pump(sess)
	return nil
}

// teardown closes a session that is already out of the registry and waits
// for its pump.
func (m *Manager) teardown(sess *Session) {
	sess.close()
	<-sess.pumpDone
}

func (m *Manager) get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) remove(id string) *Session {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if sess != nil {
		sess.markGone()
	}
	return sess
}

// removeIfCurrent deletes id only if it still maps to sess.
func (m *Manager) removeIfCurrent(sess *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[sess.id] != sess {
		return false
	}
	delete(m.sessions, sess.id)
	sess.markGone()
	return true
}

func (m *Manager) owns(sess *Session) bool {
	return m.get(sess.id) == sess
}

// SendAudio streams samples as one binary frame. The config frame goes out
// before the first one.
func (m *Manager) SendAudio(ctx context.Context, id string, samples []int16) error {
	sess := m.get(id)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := sess.ensureConfigured(ctx); err != nil {
		return err
	}
	if err := sess.write(ctx, websocket.BinaryMessage, encodePCM(samples)); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

// CloseSession asks the recognizer to finalize and returns the final
// transcript. The session leaves the registry before anything is sent, so
// its pump exits without an event.
func (m *Manager) CloseSession(ctx context.Context, id string) (string, error) {
	sess := m.remove(id)
	if sess == nil {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	defer sess.close()

	ctx, cancel := context.WithTimeout(ctx, m.opts.FinalizeTimeout)
	defer cancel()

	sess.mu.Lock()
	text, err := sess.finalize(ctx)
	sess.mu.Unlock()
	if err != nil {
		m.log.Warn("Speech session finalize failed", "session_id", id, "error", err)
		return "", err
	}

	m.log.Info("Speech session closed", "session_id", id, "final_chars", len(text))
	m.emitter.Emit(events.Topic("vosk-final", id), map[string]string{"text": text})
	return text, nil
}

// CloseAll drops every session without finalizing.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		all = append(all, sess)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, sess := range all {
		sess.markGone()
		m.teardown(sess)
	}
}

// Sessions returns the ids of live sessions.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (m *Manager) pump(sess *Session) {
	defer close(sess.pumpDone)

	id := sess.id
	log := m.log.With("session_id", id)
	errorCount := 0

	for {
		if !m.owns(sess) {
			log.Debug("Speech pump exiting, session removed")
			return
		}

		if !sess.mu.TryLock() {
			if !m.sleep(sess, m.opts.IdleBackoff) {
				return
			}
			continue
		}
		if !m.owns(sess) {
			sess.mu.Unlock()
			return
		}
		res, ok, err := sess.poll(m.opts.PollInterval)
		sess.mu.Unlock()

		switch {
		case errors.Is(err, ErrRemoteClosed):
			log.Info("Recognizer closed the stream")
			m.terminate(sess, err)
			return

		case err != nil:
			errorCount++
			log.Warn("Speech receive failed", "error", err, "consecutive", errorCount)
			m.emitter.Emit(events.Topic("vosk-error", id), map[string]string{"error": err.Error()})
			if errorCount >= m.opts.MaxConsecutiveErrors {
				log.Error("Too many consecutive speech errors, giving up", "errors", errorCount)
				m.terminate(sess, err)
				return
			}
			if !m.sleep(sess, m.opts.ErrorBackoff) {
				return
			}

		case !ok:
			errorCount = 0
			if !m.sleep(sess, m.opts.IdleBackoff) {
				return
			}

		case res.Kind == Partial:
			errorCount = 0
			m.emitter.Emit(events.Topic("vosk-partial", id), map[string]string{"partial": res.Text})

		default:
			errorCount = 0
			log.Debug("Final transcript", "chars", len(res.Text))
			m.emitter.Emit(events.Topic("vosk-final", id), map[string]string{"text": res.Text})
		}
	}
}

// sleep waits for d or until sess leaves the registry. It reports whether
// the pump should keep going.
func (m *Manager) sleep(sess *Session, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-sess.gone:
		return false
	}
}

// terminate ends a session from inside its pump. If someone else removed it
// first, that caller owns the teardown and no event is emitted.
func (m *Manager) terminate(sess *Session, cause error) {
	if !m.removeIfCurrent(sess) {
		return
	}
	sess.close()
	m.emitter.Emit(events.Topic("vosk-closed", sess.id), map[string]string{"reason": cause.Error()})
}

// ConnectionResult reports whether a recognizer endpoint is reachable.
type ConnectionResult struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// TestConnection connects, sends a config and an end-of-stream frame, and
// disconnects.
func (m *Manager) TestConnection(ctx context.Context, endpoint string, sampleRate int) ConnectionResult {
	conn, _, err := m.opts.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return ConnectionResult{Error: fmt.Sprintf("connection failed: %v", err)}
	}
	defer conn.Close()

	cfg, err := encodeConfig(sampleRate)
	if err == nil {
		err = conn.WriteMessage(websocket.TextMessage, cfg)
	}
	if err != nil {
		return ConnectionResult{Error: fmt.Sprintf("failed to send config: %v", err)}
	}
	_ = conn.WriteMessage(websocket.TextMessage, eofFrame)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return ConnectionResult{Connected: true}
}
