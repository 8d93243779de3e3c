package pty

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"

	"github.com/peterje/conductor/internal/events"
)

func requirePTY(t *testing.T) {
	t.Helper()
	f, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	f.Close()
	tty.Close()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, command string) (*Manager, <-chan events.Event) {
	t.Helper()
	requirePTY(t)
	if _, err := exec.LookPath(command); err != nil {
		t.Skipf("%s not on PATH", command)
	}

	bus := events.NewBus()
	ch, unsub := bus.Subscribe()
	t.Cleanup(unsub)

	m := NewManager(quietLogger(), bus, Options{
		Command:     command,
		PromptDelay: 50 * time.Millisecond,
	})
	t.Cleanup(m.CloseAll)
	return m, ch
}

// collectOutput gathers terminal output for id until want appears or the
// session closes.
func collectOutput(t *testing.T, ch <-chan events.Event, id, want string) string {
	t.Helper()
	var out strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			switch ev.Name {
			case "terminal-output-" + id:
				out.WriteString(ev.Payload.(string))
				if want != "" && strings.Contains(out.String(), want) {
					return out.String()
				}
			case "terminal-closed-" + id:
				return out.String()
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q, got %q", want, out.String())
		}
	}
}

func waitClosed(t *testing.T, ch <-chan events.Event, id string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Name == "terminal-closed-"+id {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for terminal-closed-%s", id)
		}
	}
}

func TestCreateSession_EchoesInput(t *testing.T) {
	m, ch := newTestManager(t, "cat")

	id, err := m.CreateSession(CreateOptions{WorkDir: t.TempDir()})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	info, ok := m.Session(id)
	require.True(t, ok)
	require.Equal(t, StatusRunning, info.Status)

	require.NoError(t, m.Write(id, []byte("ping\n")))
	got := collectOutput(t, ch, id, "ping")
	require.Contains(t, got, "ping")

	replay, err := m.Replay(id)
	require.NoError(t, err)
	require.Contains(t, string(replay), "ping")
}

func TestCreateSession_EmitsSessionCreated(t *testing.T) {
	m, ch := newTestManager(t, "cat")

	id, err := m.CreateSession(CreateOptions{WorkDir: t.TempDir(), Prompt: "p"})
	require.NoError(t, err)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Name != "session-created" {
				continue
			}
			info := ev.Payload.(SessionInfo)
			require.Equal(t, id, info.ID)
			require.Equal(t, "p", info.Prompt)
			return
		case <-timeout:
			t.Fatal("no session-created event")
		}
	}
}

func TestPromptMode_PassesPromptAsArgument(t *testing.T) {
	m, ch := newTestManager(t, "echo")

	id, err := m.CreateSession(CreateOptions{
		WorkDir: t.TempDir(),
		Prompt:  "hello",
		Mode:    ModePrompt,
		Model:   "opus",
	})
	require.NoError(t, err)

	got := collectOutput(t, ch, id, "")
	require.Contains(t, got, "--model opus -p hello")

	require.Eventually(t, func() bool {
		info, ok := m.Session(id)
		return ok && info.Status == StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestInteractiveMode_TypesPromptAfterDelay(t *testing.T) {
	m, ch := newTestManager(t, "cat")

	id, err := m.CreateSession(CreateOptions{WorkDir: t.TempDir(), Prompt: "delayed prompt"})
	require.NoError(t, err)

	got := collectOutput(t, ch, id, "delayed prompt")
	require.Contains(t, got, "delayed prompt")
}

func TestClose(t *testing.T) {
	m, ch := newTestManager(t, "cat")

	id, err := m.CreateSession(CreateOptions{WorkDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, m.Close(id))
	waitClosed(t, ch, id)

	_, ok := m.Session(id)
	require.False(t, ok)
	require.Empty(t, m.Sessions())

	require.ErrorIs(t, m.Close(id), ErrSessionNotFound)
	require.ErrorIs(t, m.Write(id, []byte("x")), ErrSessionNotFound)
	_, err = m.Replay(id)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessions_OrderedByCreation(t *testing.T) {
	m, _ := newTestManager(t, "cat")

	first, err := m.CreateSession(CreateOptions{WorkDir: t.TempDir()})
	require.NoError(t, err)
	second, err := m.CreateSession(CreateOptions{WorkDir: t.TempDir()})
	require.NoError(t, err)

	list := m.Sessions()
	require.Len(t, list, 2)
	require.Equal(t, first, list[0].ID)
	require.Equal(t, second, list[1].ID)

	m.CloseAll()
	require.Empty(t, m.Sessions())
}

func TestResize_Bounds(t *testing.T) {
	m, _ := newTestManager(t, "cat")

	id, err := m.CreateSession(CreateOptions{WorkDir: t.TempDir()})
	require.NoError(t, err)

	tests := []struct {
		name       string
		rows, cols uint16
		wantErr    error
	}{
		{name: "minimum", rows: 1, cols: 1},
		{name: "maximum", rows: 500, cols: 500},
		{name: "typical", rows: 40, cols: 120},
		{name: "zero rows", rows: 0, cols: 80, wantErr: ErrInvalidSize},
		{name: "zero cols", rows: 24, cols: 0, wantErr: ErrInvalidSize},
		{name: "too many rows", rows: 501, cols: 80, wantErr: ErrInvalidSize},
		{name: "too many cols", rows: 24, cols: 1000, wantErr: ErrInvalidSize},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := m.Resize(id, tc.rows, tc.cols)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}

	// Size is validated before the lookup.
	require.ErrorIs(t, m.Resize("missing", 0, 0), ErrInvalidSize)
	require.ErrorIs(t, m.Resize("missing", 24, 80), ErrSessionNotFound)
}

func TestCreateSession_SpawnFailure(t *testing.T) {
	requirePTY(t)
	m := NewManager(quietLogger(), events.NewBus(), Options{Command: "/nonexistent/cli"})

	id, err := m.CreateSession(CreateOptions{WorkDir: t.TempDir()})
	require.Error(t, err)
	require.Empty(t, id)

	list := m.Sessions()
	require.Len(t, list, 1)
	require.Equal(t, StatusFailed, list[0].Status)
}

// Writes larger than PIPE_BUF are not atomic on a pipe, so this only holds
// if the manager serializes them.
func TestWrite_ConcurrentWritesDoNotInterleave(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	sess := &Session{ptmx: w, done: make(chan struct{}), info: SessionInfo{ID: "s1"}}
	m := NewManager(quietLogger(), events.NewBus(), Options{})
	m.sessions["s1"] = sess

	const (
		writers = 8
		size    = 64 * 1024
	)
	read := make(chan []byte)
	go func() {
		data, _ := io.ReadAll(r)
		read <- data
	}()

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			errs <- m.Write("s1", []byte(strings.Repeat(string(b), size)))
		}(byte('a' + i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	w.Close()

	data := <-read
	require.Len(t, data, writers*size)
	for off := 0; off < len(data); off += size {
		chunk := data[off : off+size]
		require.Equal(t, strings.Repeat(string(chunk[0]), size), string(chunk), "chunk at %d interleaved", off)
	}
}

func TestDecodeChunk(t *testing.T) {
	euro := []byte("€") // 3 bytes

	text, rest := decodeChunk([]byte("plain"))
	require.Equal(t, "plain", text)
	require.Empty(t, rest)

	text, rest = decodeChunk(append([]byte("a"), euro[:2]...))
	require.Equal(t, "a", text)
	require.Equal(t, euro[:2], rest)

	text, rest = decodeChunk(append(rest, euro[2:]...))
	require.Equal(t, "€", text)
	require.Empty(t, rest)

	text, rest = decodeChunk([]byte{'x', 0xff, 'y'})
	require.Equal(t, "x�y", text)
	require.Empty(t, rest)
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name string
		opts CreateOptions
		want []string
	}{
		{name: "bare interactive", opts: CreateOptions{Prompt: "hi"}, want: nil},
		{
			name: "skip permissions and model",
			opts: CreateOptions{SkipPermissions: true, Model: "sonnet"},
			want: []string{"--dangerously-skip-permissions", "--model", "sonnet"},
		},
		{
			name: "prompt mode",
			opts: CreateOptions{Mode: ModePrompt, Prompt: "fix it"},
			want: []string{"-p", "fix it"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, buildArgs(tc.opts))
		})
	}
}

func TestCreateSession_ClosedWhileStarting(t *testing.T) {
	m, _ := newTestManager(t, "cat")
	m.beforeStart = func(id string) {
		require.NoError(t, m.Close(id))
	}

	id, err := m.CreateSession(CreateOptions{WorkDir: t.TempDir()})
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.Empty(t, id)
	require.Empty(t, m.Sessions())
}

func TestReadFrom_Offsets(t *testing.T) {
	sess := &Session{}
	sess.appendReplay([]byte("hello "))
	sess.appendReplay([]byte("world"))

	out := sess.readFrom(0)
	require.Equal(t, "hello world", string(out.Data))
	require.Equal(t, uint64(11), out.Next)
	require.False(t, out.Reset)

	out = sess.readFrom(6)
	require.Equal(t, "world", string(out.Data))

	out = sess.readFrom(11)
	require.Empty(t, out.Data)
	require.Equal(t, uint64(11), out.Next)

	out = sess.readFrom(99)
	require.Empty(t, out.Data)
	require.Equal(t, uint64(11), out.Next)
}

func TestReadFrom_ResetAfterEviction(t *testing.T) {
	sess := &Session{}
	sess.appendReplay([]byte("old"))
	sess.appendReplay([]byte(strings.Repeat("x", replayBufSize)))

	out := sess.readFrom(1)
	require.True(t, out.Reset)
	require.Len(t, out.Data, replayBufSize)
	require.Equal(t, uint64(replayBufSize+3), out.Next)

	out = sess.readFrom(out.Next - 2)
	require.False(t, out.Reset)
	require.Equal(t, "xx", string(out.Data))
}

func TestReadFrom_FollowsLiveOutput(t *testing.T) {
	m, ch := newTestManager(t, "cat")

	id, err := m.CreateSession(CreateOptions{WorkDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, m.Write(id, []byte("first\n")))
	collectOutput(t, ch, id, "first")

	out, err := m.ReadFrom(id, 0)
	require.NoError(t, err)
	require.Contains(t, string(out.Data), "first")

	require.NoError(t, m.Write(id, []byte("second\n")))
	collectOutput(t, ch, id, "second")

	next, err := m.ReadFrom(id, out.Next)
	require.NoError(t, err)
	require.Contains(t, string(next.Data), "second")
	require.Greater(t, next.Next, out.Next)

	_, err = m.ReadFrom("missing", 0)
	require.ErrorIs(t, err, ErrSessionNotFound)
}
