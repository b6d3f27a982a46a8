// Package relaypool implements the Relay Pool (C2): per-relay connection
// state, capped-exponential-backoff reconnection, subscription re-install,
// publish-with-ack-from-any-relay, and a bounded inbound event queue.
// Grounded on the teacher bridge's internal/nostr/relay.go (RelayPool,
// Publisher, relayCircuit) — the circuit-breaker cooldown there is
// generalized here into a jittered exponential backoff schedule per
// SPEC_FULL.md, and the per-relay breaker becomes an explicit state
// machine so relay_status (§6 signal) can report more than open/closed.
package relaypool

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"

	"github.com/nostrmls/core/internal/codec"
)

// State is a relay connection's position in its lifecycle FSM (§4.2):
// Pending -> Initialized -> Connecting -> Connected <-> Disconnected -> Terminated.
type State string

const (
	Pending      State = "pending"
	Initialized  State = "initialized"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Disconnected State = "disconnected"
	Terminated   State = "terminated"
)

const (
	eventConcurrency = 20
	publishTimeout   = 15 * time.Second
	publishRateLimit = rate.Limit(2)
	publishRateBurst = 5
)

// Status is the relay_status signal payload (§6).
type Status struct {
	URL           string
	State         State
	FailCount     int
	NextRetryAt   time.Time
}

// relayConn tracks one relay's backoff/state.
type relayConn struct {
	mu          sync.Mutex
	state       State
	failCount   int
	nextAttempt time.Time
}

func newRelayConn() *relayConn {
	return &relayConn{state: Pending}
}

func (r *relayConn) snapshot(url string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{URL: url, State: r.state, FailCount: r.failCount, NextRetryAt: r.nextAttempt}
}

func (r *relayConn) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// backoffDelay returns a capped-exponential, fully-jittered delay for the
// given failure count (AWS "full jitter" schedule: uniform in [0, cap]).
func backoffDelay(initial, cap time.Duration, factor float64, failCount int) time.Duration {
	if failCount <= 0 {
		return 0
	}
	raw := float64(initial) * math.Pow(factor, float64(failCount-1))
	if raw > float64(cap) {
		raw = float64(cap)
	}
	return time.Duration(rand.Int63n(int64(raw) + 1))
}

func (r *relayConn) recordFailure(initial, capD time.Duration, factor float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCount++
	r.state = Disconnected
	r.nextAttempt = time.Now().Add(backoffDelay(initial, capD, factor, r.failCount))
}

func (r *relayConn) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCount = 0
	r.state = Connected
	r.nextAttempt = time.Time{}
}

func (r *relayConn) readyToRetry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != Terminated && (r.nextAttempt.IsZero() || time.Now().After(r.nextAttempt))
}

// InboundEvent is a raw event delivered off a relay subscription, tagged
// with the relay it arrived from.
type InboundEvent struct {
	Event *codec.Event
	Relay string
}

// Config bundles the tunables from internal/config the pool needs, kept
// decoupled from the config package to avoid an import cycle and to make
// the pool trivially testable with small values.
type Config struct {
	BackoffInitial time.Duration
	BackoffCap     time.Duration
	BackoffFactor  float64
	InboxQueueSize int
	PublishTimeout time.Duration
}

// DefaultConfig mirrors the defaults in internal/config.
func DefaultConfig() Config {
	return Config{
		BackoffInitial: time.Second,
		BackoffCap:     60 * time.Second,
		BackoffFactor:  2.0,
		InboxQueueSize: 1024,
		PublishTimeout: 15 * time.Second,
	}
}

// Pool manages a set of relays on behalf of one account: subscriptions for
// inbound traffic and best-effort-to-all-write-relays publish.
type Pool struct {
	cfg Config

	mu        sync.RWMutex
	relays    map[string]*relayConn // url -> conn
	writeSet  map[string]bool       // subset of relays usable for publish
	readSet   map[string]bool       // subset of relays usable for subscription
	restartCh chan struct{}

	limiter *rate.Limiter
	pool    *gonostr.SimplePool
	once    sync.Once

	inbox    chan InboundEvent
	dropped  int64
	dropMu   sync.Mutex
}

// New builds an empty Pool; relays are added with AddRelay.
func New(cfg Config) *Pool {
	if cfg.InboxQueueSize <= 0 {
		cfg.InboxQueueSize = 1024
	}
	return &Pool{
		cfg:       cfg,
		relays:    make(map[string]*relayConn),
		writeSet:  make(map[string]bool),
		readSet:   make(map[string]bool),
		restartCh: make(chan struct{}, 1),
		limiter:   rate.NewLimiter(publishRateLimit, publishRateBurst),
		inbox:     make(chan InboundEvent, cfg.InboxQueueSize),
	}
}

// Inbox exposes the bounded inbound event channel for the inbox pipeline
// (C6) to drain.
func (p *Pool) Inbox() <-chan InboundEvent { return p.inbox }

// DroppedCount reports how many inbound events were dropped because the
// inbox queue was full when they arrived (§4.2 "oldest dropped on overflow").
func (p *Pool) DroppedCount() int64 {
	p.dropMu.Lock()
	defer p.dropMu.Unlock()
	return p.dropped
}

// AddRelay registers url for reading, writing, or both. Idempotent.
func (p *Pool) AddRelay(url string, read, write bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.relays[url]; !ok {
		rc := newRelayConn()
		rc.setState(Initialized)
		p.relays[url] = rc
	}
	if read {
		p.readSet[url] = true
	}
	if write {
		p.writeSet[url] = true
	}
	p.signalRestart()
}

// RemoveRelay terminates a relay and drops it from read/write sets.
func (p *Pool) RemoveRelay(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rc, ok := p.relays[url]; ok {
		rc.setState(Terminated)
	}
	delete(p.readSet, url)
	delete(p.writeSet, url)
	p.signalRestart()
}

func (p *Pool) signalRestart() {
	select {
	case p.restartCh <- struct{}{}:
	default:
	}
}

// Statuses returns a snapshot of every known relay's state, for the
// relay_status UI signal.
func (p *Pool) Statuses() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Status, 0, len(p.relays))
	for url, rc := range p.relays {
		out = append(out, rc.snapshot(url))
	}
	return out
}

func (p *Pool) readRelays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.readSet))
	for url := range p.readSet {
		out = append(out, url)
	}
	return out
}

func (p *Pool) writeRelays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.writeSet))
	for url := range p.writeSet {
		if rc := p.relays[url]; rc != nil && rc.readyToRetry() {
			out = append(out, url)
		}
	}
	return out
}

func (p *Pool) conn(url string) *relayConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	rc, ok := p.relays[url]
	if !ok {
		rc = newRelayConn()
		p.relays[url] = rc
	}
	return rc
}

func (p *Pool) sharedPool() *gonostr.SimplePool {
	p.once.Do(func() {
		p.pool = gonostr.NewSimplePool(context.Background())
	})
	return p.pool
}

// FilterFunc builds the go-nostr filter set to subscribe with; it is
// re-evaluated on every (re)subscription so the inbox pipeline can widen
// the `h`-tag scope as the account joins more groups without restarting
// the whole pool.
type FilterFunc func() gonostr.Filters

// Run subscribes to the read relay set and forwards decoded events into
// Inbox() until ctx is cancelled, reconnecting with jittered backoff and
// re-installing subscriptions whenever the relay list changes or a
// subscription drops. Grounded on the teacher's RelayPool.Start loop.
func (p *Pool) Run(ctx context.Context, filters FilterFunc) {
	sem := make(chan struct{}, eventConcurrency)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		relays := p.readRelays()
		if len(relays) == 0 {
			slog.Warn("relaypool: no read relays configured")
			select {
			case <-ctx.Done():
				return
			case <-p.restartCh:
				continue
			case <-time.After(time.Second):
				continue
			}
		}

		for _, url := range relays {
			p.conn(url).setState(Connecting)
		}

		subCtx, subCancel := context.WithCancel(ctx)
		restarted := make(chan struct{}, 1)
		go func() {
			select {
			case <-p.restartCh:
				select {
				case restarted <- struct{}{}:
				default:
				}
				subCancel()
			case <-subCtx.Done():
			}
		}()

		for ev := range p.sharedPool().SubMany(subCtx, relays, filters()) {
			if ev.Event == nil {
				continue
			}
			p.conn(ev.Relay.URL).recordSuccess()
			e := codec.FromGoNostr(ev.Event)

			select {
			case sem <- struct{}{}:
				go func(e *codec.Event, relay string) {
					defer func() { <-sem }()
					p.deliver(InboundEvent{Event: e, Relay: relay})
				}(e, ev.Relay.URL)
			default:
				p.deliver(InboundEvent{Event: e, Relay: ev.Relay.URL})
			}
		}
		subCancel()

		for _, url := range relays {
			if p.conn(url).snapshot(url).State != Terminated {
				p.conn(url).recordFailure(p.cfg.BackoffInitial, p.cfg.BackoffCap, p.cfg.BackoffFactor)
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-restarted:
			continue
		default:
		}

		// Wait until the earliest per-relay retry time recorded above, so the
		// delay grows with each relay's consecutive failures.
		var next time.Time
		for _, url := range relays {
			if st := p.conn(url).snapshot(url); st.State != Terminated && (next.IsZero() || st.NextRetryAt.Before(next)) {
				next = st.NextRetryAt
			}
		}
		delay := time.Until(next)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// deliver pushes e onto the bounded inbox, dropping the oldest queued
// event (not e itself) on overflow, per §4.2.
func (p *Pool) deliver(e InboundEvent) {
	select {
	case p.inbox <- e:
		return
	default:
	}
	select {
	case <-p.inbox:
		p.dropMu.Lock()
		p.dropped++
		p.dropMu.Unlock()
	default:
	}
	select {
	case p.inbox <- e:
	default:
	}
}

// Publish sends ev to every ready write relay and returns nil if at least
// one relay acknowledged it (ack-from-any-write-relay semantics, §4.2).
func (p *Pool) Publish(ctx context.Context, ev *codec.Event) error {
	relays := p.writeRelays()
	if len(relays) == 0 {
		return fmt.Errorf("relaypool: no write relays ready")
	}
	return p.PublishTo(ctx, relays, ev)
}

// PublishTo sends ev to an explicit relay set rather than the pool's own
// write set — used for destinations this pool does not itself track, such
// as a welcome recipient's inbox relays or another account's key-package
// relays (§4.8, §4.4). Shares the same ack-from-any, rate-limited,
// deadline-bound delivery as Publish; relays outside the pool's own known
// set are not tracked for backoff/state purposes.
func (p *Pool) PublishTo(ctx context.Context, relays []string, ev *codec.Event) error {
	if len(relays) == 0 {
		return fmt.Errorf("relaypool: no destination relays given")
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("relaypool: rate limit wait: %w", err)
	}

	timeout := p.cfg.PublishTimeout
	if timeout <= 0 {
		timeout = publishTimeout
	}
	pubCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-pubCtx.Done():
		}
	}()

	gev := codec.ToGoNostr(ev)

	var acked, failed int
	for res := range p.sharedPool().PublishMany(pubCtx, relays, gev) {
		p.mu.RLock()
		rc := p.relays[res.RelayURL] // nil for relays this pool does not track
		p.mu.RUnlock()
		if res.Error != nil {
			switch {
			case rc == nil:
			case isPolicyRejection(res.Error):
				rc.recordSuccess()
			default:
				rc.recordFailure(p.cfg.BackoffInitial, p.cfg.BackoffCap, p.cfg.BackoffFactor)
			}
			failed++
			slog.Debug("relaypool: publish failed", "relay", res.RelayURL, "id", ev.ID, "error", res.Error)
			continue
		}
		if rc != nil {
			rc.recordSuccess()
		}
		acked++
	}

	if acked == 0 {
		return fmt.Errorf("relaypool: publish failed on all %d ready relays", failed)
	}
	return nil
}

// QueryOne fetches a single event matching filter from relays, returning
// an error if none responds before ctx is done. Used for one-shot lookups
// that fall outside the standing subscriptions (key-package fetch for
// create_group/add_member, kind-0 metadata for contact enrichment).
// Grounded on the teacher pack's pool.QuerySingle usage
// (pinpox-nitrous/nostr.go fetchProfileCmd/getPeerRelays), which treats
// the returned value as a plain *nostr.Event (re.Content, re.Tags).
func (p *Pool) QueryOne(ctx context.Context, relays []string, filter gonostr.Filter) (*codec.Event, error) {
	re := p.sharedPool().QuerySingle(ctx, relays, filter)
	if re == nil {
		return nil, fmt.Errorf("relaypool: no relay returned a matching event")
	}
	return codec.FromGoNostr(re), nil
}

func isPolicyRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "msg: blocked:") || strings.Contains(msg, "msg: invalid:")
}
