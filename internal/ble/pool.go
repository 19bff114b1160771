package ble

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/batteryhawk/battery-hawk/internal/bherrors"
	"github.com/batteryhawk/battery-hawk/internal/metrics"
	"github.com/batteryhawk/battery-hawk/internal/model"
)

// connEntry is the pool's bookkeeping record for one device's session
// plus its connection-state history (§4.1, §3).
type connEntry struct {
	mu      sync.Mutex
	mac     string
	state   model.ConnState
	session *Session
	lastErr string
	history []model.StateTransition

	connectedAt time.Time
	attempts    int

	// serviceUUID/writeUUID/notifyUUID remember the characteristics
	// used to establish the session so a background reconnect can
	// redial without the caller supplying them again.
	serviceUUID, writeUUID, notifyUUID string

	cfg          model.ConnectionConfig
	reconnecting bool
}

func (e *connEntry) transition(state model.ConnState) {
	e.state = state
	e.history = append(e.history, model.StateTransition{State: state, Timestamp: time.Now()})
	if len(e.history) > model.MaxStateHistory {
		e.history = e.history[len(e.history)-model.MaxStateHistory:]
	}
}

// connRequest is one waiter in the pool's FIFO connect queue.
type connRequest struct {
	mac    string
	result chan connOutcome
}

type connOutcome struct {
	session *Session
	err     error
}

// Pool bounds concurrent BLE connections, serializes per-device connects
// behind a pending-set, and runs a background cleanup loop that reaps
// stale connections and drives reconnection with backoff (§4.1, §5).
//
// The semantics are carried over from a connection pool that used a
// global asyncio semaphore plus a pending-connections set to avoid two
// goroutines racing to dial the same device; here the same shape is
// built from a buffered channel semaphore and a mutex-guarded map.
type Pool struct {
	transport *Transport

	maxConcurrent int
	sem           chan struct{}

	// initSem is the single binary semaphore guarding scan and
	// connect-initiation (§4.1): at most one Scan or in-flight connect
	// dial runs against the adapter at any instant (§8 invariant 5).
	initSem chan struct{}

	mu      sync.Mutex
	entries map[string]*connEntry
	pending map[string]bool
	queue   []connRequest

	cleanupInterval time.Duration
	staleAfter      time.Duration

	onReconnectError func(mac string, attempt int, err error)

	closed  chan struct{}
	closeMu sync.Once
}

// NewPool creates a Pool bounded to maxConcurrent simultaneous sessions.
func NewPool(transport *Transport, maxConcurrent int) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	p := &Pool{
		transport:       transport,
		maxConcurrent:   maxConcurrent,
		sem:             make(chan struct{}, maxConcurrent),
		initSem:         make(chan struct{}, 1),
		entries:         make(map[string]*connEntry),
		pending:         make(map[string]bool),
		cleanupInterval: 30 * time.Second,
		staleAfter:      5 * time.Minute,
		closed:          make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// OnReconnectError registers a callback invoked after every failed
// background reconnect attempt (§5, S5), letting the caller surface a
// device_error event without the pool depending on the engine's event
// bus.
func (p *Pool) OnReconnectError(fn func(mac string, attempt int, err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReconnectError = fn
}

// SetConnectionConfig stores the per-device ConnectionConfig. Reconnect
// reads its RetryAttempts, and the background sweep reads
// ReconnectEnabled when a device lands in the error state. RetryBackoff
// and ReconnectionDelay are not read: the delay between reconnect
// attempts always comes from backoffDelay's fixed 2s base. Safe to call
// repeatedly as a device's configuration changes.
func (p *Pool) SetConnectionConfig(mac string, cfg model.ConnectionConfig) {
	e := p.entry(mac)
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Close stops the pool's background cleanup loop and disconnects every
// live session.
func (p *Pool) Close() {
	p.closeMu.Do(func() { close(p.closed) })

	p.mu.Lock()
	entries := make([]*connEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.session != nil {
			e.session.close()
		}
		e.mu.Unlock()
	}
}

func (p *Pool) entry(mac string) *connEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[mac]
	if !ok {
		e = &connEntry{mac: mac, state: model.ConnDisconnected}
		p.entries[mac] = e
	}
	return e
}

// Connect returns a live Session for mac, reusing one already open. A
// second caller racing to connect the same mac is queued behind the
// first via the pending-set rather than double-dialing.
func (p *Pool) Connect(ctx context.Context, mac, serviceUUID, writeUUID, notifyUUID string) (*Session, error) {
	if mac == "" {
		return nil, bherrors.New(bherrors.KindConnection, mac, "empty mac")
	}

	e := p.entry(mac)

	e.mu.Lock()
	if e.state == model.ConnConnected && e.session != nil {
		sess := e.session
		e.mu.Unlock()
		return sess, nil
	}
	e.mu.Unlock()

	p.mu.Lock()
	if p.pending[mac] {
		req := connRequest{mac: mac, result: make(chan connOutcome, 1)}
		p.queue = append(p.queue, req)
		p.mu.Unlock()

		select {
		case out := <-req.result:
			return out.session, out.err
		case <-ctx.Done():
			return nil, bherrors.Wrap(bherrors.KindTimeout, mac, ctx.Err())
		}
	}
	p.pending[mac] = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, mac)
		waiters := make([]connRequest, 0)
		remaining := p.queue[:0]
		for _, r := range p.queue {
			if r.mac == mac {
				waiters = append(waiters, r)
			} else {
				remaining = append(remaining, r)
			}
		}
		p.queue = remaining
		p.mu.Unlock()

		if len(waiters) == 0 {
			return
		}
		e.mu.Lock()
		sess := e.session
		state := e.state
		lastErr := e.lastErr
		e.mu.Unlock()
		var err error
		if state != model.ConnConnected {
			err = bherrors.New(bherrors.KindConnection, mac, lastErr)
		}
		for _, w := range waiters {
			w.result <- connOutcome{session: sess, err: err}
		}
	}()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, bherrors.Wrap(bherrors.KindTimeout, mac, ctx.Err())
	}
	defer func() { <-p.sem }()

	metrics.PoolActiveConnections.Set(float64(p.activeCount() + 1))

	e.mu.Lock()
	e.transition(model.ConnConnecting)
	e.attempts++
	e.serviceUUID, e.writeUUID, e.notifyUUID = serviceUUID, writeUUID, notifyUUID
	e.mu.Unlock()

	select {
	case p.initSem <- struct{}{}:
	case <-ctx.Done():
		return nil, bherrors.Wrap(bherrors.KindTimeout, mac, ctx.Err())
	}
	sess, err := p.transport.Connect(ctx, mac, serviceUUID, writeUUID, notifyUUID)
	<-p.initSem

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.transition(model.ConnError)
		e.lastErr = err.Error()
		metrics.ReconnectAttempts.WithLabelValues(mac, metrics.OutcomeFailure).Inc()
		return nil, err
	}

	e.session = sess
	e.connectedAt = time.Now()
	e.transition(model.ConnConnected)
	e.lastErr = ""
	metrics.ReconnectAttempts.WithLabelValues(mac, metrics.OutcomeSuccess).Inc()
	metrics.PoolActiveConnections.Set(float64(p.activeCount()))
	return sess, nil
}

// Reconnect redials mac up to maxAttempts times, sleeping
// backoffDelay(attempt) between failures (§4.1, S5). maxAttempts<=0
// falls back to the device's configured RetryAttempts, or the pool
// default if none was set. Each failed attempt invokes the
// OnReconnectError callback, if registered, so the caller can surface a
// device_error event; the final error is returned if every attempt
// fails.
func (p *Pool) Reconnect(ctx context.Context, mac string, maxAttempts int) (*Session, error) {
	if mac == "" {
		return nil, bherrors.New(bherrors.KindConnection, mac, "empty mac")
	}

	e := p.entry(mac)
	e.mu.Lock()
	serviceUUID, writeUUID, notifyUUID := e.serviceUUID, e.writeUUID, e.notifyUUID
	cfg := e.cfg
	e.mu.Unlock()

	if maxAttempts <= 0 {
		maxAttempts = cfg.RetryAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultConnectionConfig().RetryAttempts
	}

	p.mu.Lock()
	onErr := p.onReconnectError
	p.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sess, err := p.Connect(ctx, mac, serviceUUID, writeUUID, notifyUUID)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		if onErr != nil {
			onErr(mac, attempt, err)
		}
		if attempt == maxAttempts {
			break
		}

		select {
		case <-time.After(backoffDelay(attempt)):
		case <-ctx.Done():
			return nil, bherrors.Wrap(bherrors.KindTimeout, mac, ctx.Err())
		}
	}
	return nil, lastErr
}

// Disconnect closes mac's session, if any, and marks it disconnected.
func (p *Pool) Disconnect(mac string) {
	e := p.entry(mac)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transition(model.ConnDisconnecting)
	if e.session != nil {
		e.session.close()
		e.session = nil
	}
	e.transition(model.ConnDisconnected)
}

// State returns the current connection state for mac.
func (p *Pool) State(mac string) model.ConnState {
	e := p.entry(mac)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Health returns the state, history, and last error for mac, used by the
// status HTTP surface and by the discovery/health probes (§6).
func (p *Pool) Health(mac string) (state model.ConnState, history []model.StateTransition, lastErr string) {
	e := p.entry(mac)
	e.mu.Lock()
	defer e.mu.Unlock()
	hist := make([]model.StateTransition, len(e.history))
	copy(hist, e.history)
	return e.state, hist, e.lastErr
}

func (p *Pool) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		e.mu.Lock()
		if e.state == model.ConnConnected {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Scan delegates to the transport, holding the same binary
// scan/connect-initiation semaphore Connect briefly holds while dialing,
// so a scan and an in-flight connect dial never run concurrently against
// the adapter (§4.1, §8 invariant 5).
func (p *Pool) Scan(ctx context.Context, duration time.Duration, onResult func(ScanResult) bool) error {
	select {
	case p.initSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.initSem }()
	return p.transport.Scan(ctx, duration, onResult)
}

// cleanupLoop periodically closes sessions open longer than staleAfter and
// reconnects any device whose last known state was error, applying
// exponential backoff with jitter between attempts (§4.1).
func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	entries := make([]*connEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, e := range entries {
		e.mu.Lock()
		state := e.state
		connectedAt := e.connectedAt
		mac := e.mac
		cfg := e.cfg
		alreadyReconnecting := e.reconnecting
		e.mu.Unlock()

		if state == model.ConnConnected && now.Sub(connectedAt) > p.staleAfter {
			p.Disconnect(mac)
			continue
		}
		if state == model.ConnError && cfg.ReconnectEnabled && !alreadyReconnecting {
			e.mu.Lock()
			e.reconnecting = true
			e.mu.Unlock()
			go func(mac string) {
				defer func() {
					ee := p.entry(mac)
					ee.mu.Lock()
					ee.reconnecting = false
					ee.mu.Unlock()
				}()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				defer cancel()
				_, _ = p.Reconnect(ctx, mac, 0)
			}(mac)
		}
	}
}

// backoffDelay computes the exponential-backoff-with-jitter delay for
// the given attempt count: base * 2^(attempt-1) +/- 10% jitter, the same
// formula a reconnect loop built against asyncio used.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := 2 * time.Second
	delay := base
	for i := 1; i < attempt && i < 6; i++ {
		delay *= 2
	}
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	jitter := time.Duration(float64(delay) * 0.1 * (rand.Float64()*2 - 1))
	return delay + jitter
}
