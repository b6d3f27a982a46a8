// Package signals implements the UI-facing event bus the core uses for
// "Signals emitted to the UI" (spec.md §6): account_changing, account_changed,
// nostr_ready, mls_message_received, mls_message_processed, relay_status,
// invite_accepted. Grounded on the teacher bridge's LogBroadcaster
// (internal/server/logbroadcast.go) — a ring buffer plus fan-out to
// subscriber channels, slow consumers dropped rather than blocking the
// publisher.
package signals

import "sync"

// Name identifies a signal kind. Strings, not an enum, so the command
// surface can forward them to the UI bridge unchanged.
type Name string

const (
	AccountChanging    Name = "account_changing"
	AccountChanged     Name = "account_changed"
	NostrReady         Name = "nostr_ready"
	MLSMessageReceived Name = "mls_message_received"
	MLSMessageProcessed Name = "mls_message_processed"
	RelayStatus        Name = "relay_status"
	InviteAccepted     Name = "invite_accepted"
)

// Signal is one emitted event, carrying a free-form payload the UI bridge
// type-switches on by Name.
type Signal struct {
	Name    Name
	Payload interface{}
}

const historySize = 256

// Bus fans out signals to every active subscriber. A subscriber whose
// channel is full misses that one signal rather than blocking the emitter;
// it stays subscribed and receives later signals once it has room — the
// same backpressure policy the teacher's log broadcaster uses.
type Bus struct {
	mu      sync.Mutex
	history []Signal
	subs    []chan Signal
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{history: make([]Signal, 0, historySize)}
}

// Emit publishes a signal to every current subscriber.
func (b *Bus) Emit(name Name, payload interface{}) {
	sig := Signal{Name: name, Payload: payload}

	b.mu.Lock()
	b.history = append(b.history, sig)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
	for _, ch := range b.subs {
		select {
		case ch <- sig:
		default: // slow consumer: drop rather than block the emitter
		}
	}
	b.mu.Unlock()
}

// Subscribe returns a channel of future signals and a cancel func that must
// be called when the subscriber is done.
func (b *Bus) Subscribe() (ch <-chan Signal, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := make(chan Signal, 128)
	b.subs = append(b.subs, c)

	cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == c {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		close(c)
	}
	return c, cancel
}

// Recent returns a snapshot of the most recently emitted signals.
func (b *Bus) Recent() []Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Signal, len(b.history))
	copy(out, b.history)
	return out
}
