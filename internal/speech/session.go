package speech

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrRemoteClosed means the recognizer ended the stream with a close frame.
var ErrRemoteClosed = errors.New("recognizer closed the connection")

type inbound struct {
	res Result
	err error
}

// Session is one live recognizer connection. A single reader goroutine owns
// conn's read side and feeds frames; writes happen under mu.
type Session struct {
	id         string
	sampleRate int
	conn       *websocket.Conn

	// mu is the write lock. The pump only ever TryLocks it.
	mu         sync.Mutex
	configured bool

	frames  chan inbound
	readErr error // set before frames is closed

	gone     chan struct{} // closed when the session leaves the registry
	goneOnce sync.Once

	pumpDone  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(id string, sampleRate int, conn *websocket.Conn) *Session {
	s := &Session{
		id:         id,
		sampleRate: sampleRate,
		conn:       conn,
		frames:     make(chan inbound, 64),
		gone:       make(chan struct{}),
		pumpDone:   make(chan struct{}),
		closed:     make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// readLoop turns websocket messages into frames. A gorilla connection is
// unusable after its first read error, so the loop exits there.
func (s *Session) readLoop() {
	defer close(s.frames)
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.readErr = ErrRemoteClosed
			} else {
				s.readErr = fmt.Errorf("websocket error: %w", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		res, err := parseFrame(data)
		select {
		case s.frames <- inbound{res: res, err: err}:
		case <-s.closed:
			return
		}
	}
}

// poll waits up to timeout for one frame. ok is false when nothing arrived.
func (s *Session) poll(timeout time.Duration) (res Result, ok bool, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case in, open := <-s.frames:
		if !open {
			return Result{}, false, s.readErr
		}
		if in.err != nil {
			return Result{}, false, in.err
		}
		return in.res, true, nil
	case <-timer.C:
		return Result{}, false, nil
	}
}

// write sends one message, honouring ctx's deadline. Caller holds mu.
func (s *Session) write(ctx context.Context, typ int, data []byte) error {
	deadline, _ := ctx.Deadline()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(typ, data)
}

// ensureConfigured sends the config frame the first time. Caller holds mu.
func (s *Session) ensureConfigured(ctx context.Context) error {
	if s.configured {
		return nil
	}
	cfg, err := encodeConfig(s.sampleRate)
	if err != nil {
		return err
	}
	if err := s.write(ctx, websocket.TextMessage, cfg); err != nil {
		return fmt.Errorf("send config: %w", err)
	}
	s.configured = true
	return nil
}

func (s *Session) markGone() {
	s.goneOnce.Do(func() { close(s.gone) })
}

// close tears down the socket. Safe to call from any goroutine, any number
// of times; it does not take mu so it cannot deadlock with a writer.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

// finalize sends end-of-stream and waits for the final transcript. A close
// without a final result yields "". Caller holds mu.
func (s *Session) finalize(ctx context.Context) (string, error) {
	if err := s.write(ctx, websocket.TextMessage, eofFrame); err != nil {
		return "", fmt.Errorf("send eof: %w", err)
	}
	for {
		select {
		case in, open := <-s.frames:
			if !open {
				if errors.Is(s.readErr, ErrRemoteClosed) {
					return "", nil
				}
				return "", s.readErr
			}
			if in.err == nil && in.res.Kind == Final {
				return in.res.Text, nil
			}
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for final result: %w", ctx.Err())
		}
	}
}
