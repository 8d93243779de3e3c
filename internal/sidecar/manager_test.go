package sidecar

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peterje/conductor/internal/events"
)

const fakeSidecarEnv = "CONDUCTOR_FAKE_SIDECAR"

// TestHelperProcess is not a real test. The manager tests re-exec the test
// binary with fakeSidecarEnv set, and this function then plays the sidecar.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(fakeSidecarEnv) != "1" {
		return
	}
	runFakeSidecar(os.Stdin, os.Stdout)
	os.Exit(0)
}

func runFakeSidecar(in io.Reader, out io.Writer) {
	send := func(format string, args ...any) {
		fmt.Fprintf(out, format+"\n", args...)
	}

	fmt.Fprintln(os.Stderr, "fake sidecar booting")
	send("this line is not json")
	send(`{"type":"ready"}`)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		var msg struct {
			Type   string `json:"type"`
			ID     string `json:"id"`
			Prompt string `json:"prompt"`
			Model  string `json:"model"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			send(`{"type":"error","id":"?","message":"bad command"}`)
			continue
		}

		switch msg.Type {
		case "create":
			send(`{"type":"created","id":%q}`, msg.ID)
		case "query":
			if msg.Prompt == "exit now" {
				os.Exit(3)
			}
			send(`{"type":"text","id":%q`, msg.ID) // truncated on purpose
			send(`{"type":"mystery","id":%q}`, msg.ID)
			send(`{"type":"text","id":%q,"content":%q}`, msg.ID, "echo: "+msg.Prompt)
			send(`{"type":"progressive_usage","id":%q,"inputTokens":1,"outputTokens":2,"cacheReadTokens":0,"cacheCreationTokens":0}`, msg.ID)
			send(`{"type":"usage","id":%q,"inputTokens":3,"outputTokens":4,"cacheReadTokens":0,"cacheCreationTokens":0,"totalCostUsd":0.01,"durationMs":5,"durationApiMs":4,"numTurns":1,"contextWindow":1000}`, msg.ID)
			send(`{"type":"done","id":%q}`, msg.ID)
		case "update_model":
			send(`{"type":"model_updated","id":%q,"model":%q}`, msg.ID, msg.Model)
		case "stop":
			send(`{"type":"done","id":%q}`, msg.ID)
		case "close":
			send(`{"type":"closed","id":%q}`, msg.ID)
		}
	}
}

func newTestManager(t *testing.T) (*Manager, *events.Bus) {
	t.Helper()

	dir := t.TempDir()
	script := filepath.Join(dir, "sidecar", "dist", "index.js")
	require.NoError(t, os.MkdirAll(filepath.Dir(script), 0o755))
	require.NoError(t, os.WriteFile(script, []byte("// fake"), 0o644))

	bus := events.NewBus()
	m := New(slog.New(slog.NewTextHandler(io.Discard, nil)), bus, Options{
		Runtime:     os.Args[0],
		RuntimeArgs: []string{"-test.run=^TestHelperProcess$", "--"},
		Candidates:  []string{filepath.Join(dir, "missing.js"), script},
		Env:         []string{fakeSidecarEnv + "=1"},
	})
	t.Cleanup(m.Shutdown)
	return m, bus
}

// waitFor drains ch until an event named name arrives.
func waitFor(t *testing.T, ch <-chan events.Event, name string) events.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed while waiting for %s", name)
			if ev.Name == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func TestStart_NotFoundListsCandidates(t *testing.T) {
	m := New(slog.Default(), events.NewBus(), Options{
		Candidates: []string{"/nonexistent/a/dist/index.js", "/nonexistent/b/dist/index.js"},
	})

	err := m.Start()

	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	require.Equal(t, []string{"/nonexistent/a/dist/index.js", "/nonexistent/b/dist/index.js"}, nf.Tried)
	require.Contains(t, err.Error(), "/nonexistent/a/dist/index.js")
	require.Contains(t, err.Error(), "/nonexistent/b/dist/index.js")
	require.False(t, m.IsStarted())
}

func TestStart_SpawnFailure(t *testing.T) {
	script := filepath.Join(t.TempDir(), "index.js")
	require.NoError(t, os.WriteFile(script, nil, 0o644))

	m := New(slog.Default(), events.NewBus(), Options{
		Runtime:    "/nonexistent/runtime-binary",
		Candidates: []string{script},
	})

	err := m.Start()

	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
	require.Equal(t, script, spawnErr.Script)
	require.False(t, m.IsStarted())
}

func TestSend_BeforeStart(t *testing.T) {
	m := New(slog.Default(), events.NewBus(), Options{})
	require.ErrorIs(t, m.Query("s1", "hi", nil), ErrNotStarted)

	// Shutdown of a never-started manager is a no-op.
	m.Shutdown()
	m.Shutdown()
}

func TestEndToEnd_QueryThenClose(t *testing.T) {
	m, bus := newTestManager(t)
	ch, unsub := bus.Subscribe()
	defer unsub()

	require.NoError(t, m.Start())
	require.True(t, m.IsStarted())
	require.NoError(t, m.Start(), "second Start is a no-op")

	waitFor(t, ch, "sdk-ready")

	require.NoError(t, m.Create(CreateCommand{ID: "s1", Cwd: t.TempDir()}))
	waitFor(t, ch, "sdk-created-s1")

	require.NoError(t, m.Send(QueryCommand{ID: "s1", Prompt: "hi"}))

	// The truncated and unknown lines before the text chunk are dropped
	// without stopping the reader.
	text := waitFor(t, ch, "sdk-text-s1")
	require.Equal(t, "echo: hi", text.Payload)

	progress := waitFor(t, ch, "sdk-progressive-usage-s1")
	require.Equal(t, TokenCounts{InputTokens: 1, OutputTokens: 2}, progress.Payload)

	usage := waitFor(t, ch, "sdk-usage-s1")
	stats, ok := usage.Payload.(UsageStats)
	require.True(t, ok)
	require.Equal(t, uint64(3), stats.InputTokens)
	require.Equal(t, uint64(1000), stats.ContextWindow)

	waitFor(t, ch, "sdk-done-s1")

	require.NoError(t, m.Close("s1"))
	waitFor(t, ch, "sdk-closed-s1")

	// Nothing else arrives for s1.
	select {
	case ev := <-ch:
		require.False(t, strings.HasSuffix(ev.Name, "-s1"), "unexpected event %s", ev.Name)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSessionsAreMultiplexed(t *testing.T) {
	m, bus := newTestManager(t)
	ch, unsub := bus.Subscribe()
	defer unsub()

	require.NoError(t, m.Start())
	waitFor(t, ch, "sdk-ready")

	require.NoError(t, m.UpdateModel("a", "opus"))
	require.NoError(t, m.UpdateModel("b", "haiku"))

	got := map[string]any{}
	for len(got) < 2 {
		select {
		case ev := <-ch:
			if strings.HasPrefix(ev.Name, "sdk-model-updated-") {
				got[ev.Name] = ev.Payload
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for model updates")
		}
	}
	require.Equal(t, map[string]any{
		"sdk-model-updated-a": "opus",
		"sdk-model-updated-b": "haiku",
	}, got)
}

func TestSend_ConcurrentLinesDoNotInterleave(t *testing.T) {
	m, bus := newTestManager(t)
	ch, unsub := bus.Subscribe()
	defer unsub()

	require.NoError(t, m.Start())
	waitFor(t, ch, "sdk-ready")

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- m.Stop(fmt.Sprintf("s%d", i))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Each stop yields exactly one done; a torn line would yield an
	// error event from the fake or a dropped line instead.
	seen := map[string]bool{}
	for len(seen) < n {
		select {
		case ev := <-ch:
			require.NotEqual(t, "sdk-error-?", ev.Name)
			if strings.HasPrefix(ev.Name, "sdk-done-") {
				seen[ev.Name] = true
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, got %d of %d done events", len(seen), n)
		}
	}
}

func TestProcessDeath_SurfacesOnSend(t *testing.T) {
	m, bus := newTestManager(t)
	ch, unsub := bus.Subscribe()
	defer unsub()

	require.NoError(t, m.Start())
	waitFor(t, ch, "sdk-ready")

	require.NoError(t, m.Query("s1", "exit now", nil))

	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stdout pump did not exit after process death")
	}

	err := m.Query("s1", "anyone there?", nil)
	require.ErrorIs(t, err, ErrBrokenPipe)

	// No automatic restart: a new Start only happens after Shutdown.
	require.True(t, m.IsStarted())
	m.Shutdown()
	require.False(t, m.IsStarted())
	require.ErrorIs(t, m.Stop("s1"), ErrNotStarted)

	require.NoError(t, m.Start())
	waitFor(t, ch, "sdk-ready")
}

func TestShutdown_Idempotent(t *testing.T) {
	m, bus := newTestManager(t)
	ch, unsub := bus.Subscribe()
	defer unsub()

	require.NoError(t, m.Start())
	waitFor(t, ch, "sdk-ready")
	done := m.Done()

	m.Shutdown()
	m.Shutdown()

	select {
	case <-done:
	default:
		t.Fatal("pumps still running after Shutdown")
	}
	require.False(t, m.IsStarted())
}

func TestDefaultCandidates(t *testing.T) {
	got := DefaultCandidates("/res")
	require.GreaterOrEqual(t, len(got), 2)
	require.Equal(t, filepath.Join("/res", "dist", "index.js"), got[0])
	require.Equal(t, filepath.Join("/res", "sidecar", "dist", "index.js"), got[1])

	for _, p := range DefaultCandidates("") {
		require.False(t, strings.HasPrefix(p, "/res"))
	}
}

func TestBaseDir(t *testing.T) {
	require.Equal(t, filepath.Join("/app", "sidecar"), baseDir(filepath.Join("/app", "sidecar", "dist", "index.js")))
}
