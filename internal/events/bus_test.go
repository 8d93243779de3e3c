package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopic(t *testing.T) {
	require.Equal(t, "sdk-text-s1", Topic("sdk-text", "s1"))
	require.Equal(t, "terminal-closed-abc", Topic("terminal-closed", "abc"))
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus()

	a, unsubA := bus.Subscribe()
	defer unsubA()
	b, unsubB := bus.Subscribe()
	defer unsubB()

	bus.Emit("sdk-text-s1", "hello")

	for _, ch := range []<-chan Event{a, b} {
		ev := <-ch
		require.Equal(t, "sdk-text-s1", ev.Name)
		require.Equal(t, "hello", ev.Payload)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe()

	unsub()
	unsub() // second call is a no-op

	_, ok := <-ch
	require.False(t, ok)

	// Emitting with no subscribers must not panic.
	bus.Emit("x", nil)
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Emit("terminal-output-s1", i)
	}

	require.Len(t, ch, subscriberBuffer)
	first := <-ch
	require.Equal(t, 0, first.Payload)
}

func TestBus_Close(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	bus.Close()

	_, ok := <-ch
	require.False(t, ok)

	late, _ := bus.Subscribe()
	_, ok = <-late
	require.False(t, ok)

	bus.Emit("after-close", nil)
}

func TestBus_FilteredSubscriberIsNotCrowdedOut(t *testing.T) {
	bus := NewBus()
	usage, unsub := bus.SubscribeFunc(func(name string) bool {
		return name == "sdk-usage-s1"
	})
	defer unsub()

	for i := 0; i < 50; i++ {
		bus.Emit("sdk-usage-s1", i)
		for j := 0; j < 300; j++ {
			bus.Emit("terminal-output-x", "noise")
		}
	}

	require.Len(t, usage, 50)
}

func TestMulti_DeliversEveryEvent(t *testing.T) {
	var got []string
	rec := emitterFunc(func(name string, _ any) { got = append(got, name) })
	bus := NewBus()
	m := Multi{bus, rec}

	for i := 0; i < 3*subscriberBuffer; i++ {
		m.Emit("terminal-output-x", i)
	}
	require.Len(t, got, 3*subscriberBuffer)
}

type emitterFunc func(name string, payload any)

func (f emitterFunc) Emit(name string, payload any) { f(name, payload) }

func TestSessionOf(t *testing.T) {
	tests := []struct {
		name   string
		wantID string
		wantOK bool
	}{
		{"sdk-text-s1", "s1", true},
		{"sdk-text-a-b", "a-b", true},
		{"sdk-progressive-usage-s1", "s1", true},
		{"sdk-tool-start-x", "x", true},
		{"terminal-output-0d6e-4a", "0d6e-4a", true},
		{"vosk-final-mic", "mic", true},
		{"sdk-ready", "", false},
		{"session-created", "", false},
		{"sdk-text-", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := SessionOf(tt.name)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.wantID, id)
		})
	}
}
