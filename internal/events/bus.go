// Package events carries session output from the backend pumps to whoever
// owns the UI side. Event names are session-suffixed topics such as
// "sdk-text-<id>" or "terminal-closed-<id>".
package events

import (
	"strings"
	"sync"
)

// Emitter is the sink every backend pump writes to. Implementations must not
// block for long: pumps call Emit from their read loops.
type Emitter interface {
	Emit(name string, payload any)
}

// Event is one named push notification.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Topic joins an event kind and a session id into a topic name.
func Topic(kind, id string) string {
	return kind + "-" + id
}

// sessionKinds are the event kinds that carry a session id suffix.
var sessionKinds = []string{
	"sdk-created", "sdk-text", "sdk-tool-start", "sdk-tool-result", "sdk-done",
	"sdk-usage", "sdk-progressive-usage", "sdk-model-updated",
	"sdk-thinking-updated", "sdk-closed", "sdk-error",
	"sdk-subagent-start", "sdk-subagent-stop",
	"terminal-output", "terminal-closed",
	"vosk-partial", "vosk-final", "vosk-error", "vosk-closed",
}

// SessionOf splits a topic built by Topic back into its session id. ok is
// false for process-wide events such as "sdk-ready" or "session-created".
func SessionOf(name string) (id string, ok bool) {
	for _, kind := range sessionKinds {
		if rest, found := strings.CutPrefix(name, kind+"-"); found && rest != "" {
			return rest, true
		}
	}
	return "", false
}

// Multi calls every emitter in order. Pumps emit through it when a
// consumer must see every event, which a Bus subscriber does not.
type Multi []Emitter

func (m Multi) Emit(name string, payload any) {
	for _, e := range m {
		e.Emit(name, payload)
	}
}

const subscriberBuffer = 256

type subscriber struct {
	match func(name string) bool // nil matches everything
}

// Bus fans events out to any number of subscribers. A subscriber that falls
// subscriberBuffer events behind loses events; use Multi for consumers that
// cannot.
type Bus struct {
	mu     sync.Mutex
	subs   map[chan Event]subscriber
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]subscriber)}
}

// Emit implements Emitter.
func (b *Bus) Emit(name string, payload any) {
	ev := Event{Name: name, Payload: payload}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch, sub := range b.subs {
		if sub.match != nil && !sub.match(name) {
			continue
		}
		select {
		case ch <- ev:
		default:
			// Slow subscriber, drop event
		}
	}
}

// Subscribe returns a channel of every event and an unsubscribe function.
// The channel is closed on unsubscribe or when the bus is closed.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	return b.SubscribeFunc(nil)
}

// SubscribeFunc is Subscribe limited to events whose name satisfies match.
// Filtering happens before buffering, so unrelated traffic cannot crowd
// the subscriber out.
func (b *Bus) SubscribeFunc(match func(name string) bool) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = subscriber{match: match}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
	return ch, unsub
}

// Close closes every subscriber channel. Later Emit calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
