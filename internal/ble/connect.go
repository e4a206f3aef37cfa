package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultConnectRetryInterval = time.Second
)

// ConnectOptions is the retry budget of one connect call.
type ConnectOptions struct {
	Timeout       time.Duration // per attempt
	RetryCount    int           // extra attempts after the first
	RetryInterval time.Duration
	AutoReconnect bool // reconnect after a link drop not caused by Disconnect
}

func (o ConnectOptions) withDefaults() ConnectOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultConnectTimeout
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.RetryInterval < 0 {
		o.RetryInterval = 0
	}
	return o
}

// ConnectEventType tags a ConnectEvent.
type ConnectEventType int

const (
	ConnectStart ConnectEventType = iota
	ConnectFail
	Disconnecting
	Disconnected
	ConnectSuccess
)

func (t ConnectEventType) String() string {
	switch t {
	case ConnectStart:
		return "connect start"
	case ConnectFail:
		return "connect fail"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	case ConnectSuccess:
		return "connect success"
	default:
		return "unknown"
	}
}

// ConnectEvent is one entry of a connection observer's stream.
type ConnectEvent struct {
	Type          ConnectEventType
	Device        Device
	Attempt       int
	UserInitiated bool  // Disconnecting, Disconnected
	Err           error // ConnectFail, always a *ConnectError
}

// ScanStopper is the part of the Scanner the Connector needs.
type ScanStopper interface {
	Stop()
}

// Connector owns one connection session per device address.
type Connector struct {
	adapter Adapter
	scanner ScanStopper
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*connSession
}

type connSession struct {
	device Device
	opts   ConnectOptions
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed by retire, after the last radio call returned

	mu        sync.Mutex
	state     State
	conn      Connection
	observers []*stream[ConnectEvent]
	stopping  bool // Disconnect or Release was called
	retired   bool
}

// NewConnector creates a Connector. scanner may be nil when no Scanner
// shares the radio.
func NewConnector(adapter Adapter, scanner ScanStopper, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		adapter:  adapter,
		scanner:  scanner,
		logger:   logger,
		sessions: make(map[string]*connSession),
	}
}

// Connect starts a connect cycle for dev and returns an observer stream.
// When a session for the address already exists no second radio connect is
// issued: the observer joins that session and its options are ignored. If the
// session is already connected the observer receives ConnectSuccess at once.
// A session that is still being torn down is not joined: the new session
// waits for it to finish before its first radio connect.
// The stream is closed when the session ends or RemoveCallbacks is called.
func (c *Connector) Connect(dev Device, opts ConnectOptions) <-chan ConnectEvent {
	dev.Address = normalizeAddress(dev.Address)
	obs := newStream[ConnectEvent]()

	c.mu.Lock()
	prev, ok := c.sessions[dev.Address]
	if ok && prev.live() {
		c.mu.Unlock()
		prev.attach(obs)
		c.logger.Debug("[BLE] connect joined existing session", "address", dev.Address)
		return obs.C()
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &connSession{
		device:    dev,
		opts:      opts.withDefaults(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateIdle,
		observers: []*stream[ConnectEvent]{obs},
	}
	c.sessions[dev.Address] = sess
	c.mu.Unlock()

	go c.start(sess, prev)
	return obs.C()
}

// start runs the first connect cycle once prev, the session being torn down
// for the same address, has released the radio.
func (c *Connector) start(sess, prev *connSession) {
	if prev != nil {
		c.logger.Debug("[BLE] waiting for previous session to end", "address", sess.device.Address)
		select {
		case <-prev.done:
		case <-sess.ctx.Done():
			c.fail(sess, CauseCancelled, 0, nil)
			return
		}
	}
	c.connectLoop(sess)
}

// connectLoop runs one connect cycle: the first attempt plus up to
// RetryCount retries.
func (c *Connector) connectLoop(sess *connSession) {
	addr := sess.device.Address
	for attempt := 1; ; attempt++ {
		if !c.beginAttempt(sess, attempt) {
			c.fail(sess, CauseCancelled, attempt-1, nil)
			return
		}

		if c.scanner != nil {
			c.scanner.Stop()
		}
		c.logger.Debug("[BLE] connecting", "address", addr, "attempt", attempt)

		ctx, cancel := context.WithTimeout(sess.ctx, sess.opts.Timeout)
		conn, err := c.adapter.Connect(ctx, addr)
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			c.onConnected(sess, conn, attempt)
			return
		}

		var cause ConnectFailCause
		switch {
		case sess.ctx.Err() != nil:
			cause = CauseCancelled
		case timedOut:
			cause = CauseTimeout
		default:
			cause = connectCause(err)
		}
		if cause == CauseCancelled || attempt > sess.opts.RetryCount {
			c.fail(sess, cause, attempt, err)
			return
		}

		c.logger.Warn("[BLE] connect attempt failed, retrying",
			"address", addr, "attempt", attempt, "cause", cause.String(), "error", err)
		sess.mu.Lock()
		sess.setState(StateDisconnected)
		sess.mu.Unlock()

		if !sleepCtx(sess.ctx, sess.opts.RetryInterval) {
			c.fail(sess, CauseCancelled, attempt, nil)
			return
		}
	}
}

// beginAttempt moves the session to Connecting. ConnectStart is emitted once
// per cycle, on its first attempt.
func (c *Connector) beginAttempt(sess *connSession, attempt int) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.stopping {
		return false
	}
	if !sess.setState(StateConnecting) {
		c.logger.Error("[BLE] illegal state transition", "address", sess.device.Address,
			"from", sess.state.String(), "to", StateConnecting.String())
		return false
	}
	if attempt == 1 {
		sess.emitLocked(ConnectEvent{Type: ConnectStart, Attempt: attempt})
	}
	return true
}

func (c *Connector) onConnected(sess *connSession, conn Connection, attempt int) {
	conn.OnDisconnect(func() { c.onLinkDropped(sess, conn) })

	sess.mu.Lock()
	if sess.stopping {
		sess.mu.Unlock()
		if err := conn.Disconnect(); err != nil {
			c.logger.Warn("[BLE] disconnect after cancelled connect failed", "address", sess.device.Address, "error", err)
		}
		c.fail(sess, CauseCancelled, attempt, nil)
		return
	}
	sess.setState(StateConnected)
	sess.conn = conn
	sess.emitLocked(ConnectEvent{Type: ConnectSuccess, Attempt: attempt})
	sess.mu.Unlock()

	c.logger.Info("[BLE] connected", "address", sess.device.Address, "attempt", attempt)
}

// fail ends a connect cycle with ConnectFail and retires the session.
func (c *Connector) fail(sess *connSession, cause ConnectFailCause, attempts int, err error) {
	cerr := &ConnectError{Address: sess.device.Address, Cause: cause, Attempts: attempts, Err: err}
	c.logger.Warn("[BLE] connect failed", "address", sess.device.Address, "cause", cause.String(), "attempts", attempts, "error", err)

	sess.mu.Lock()
	if sess.state != StateDisconnected {
		sess.setState(StateDisconnected)
	}
	sess.emitLocked(ConnectEvent{Type: ConnectFail, Attempt: attempts, Err: cerr})
	sess.mu.Unlock()
	c.retire(sess)
}

// onLinkDropped handles a disconnect the transport reported on its own.
func (c *Connector) onLinkDropped(sess *connSession, conn Connection) {
	sess.mu.Lock()
	if sess.stopping || sess.state != StateConnected || sess.conn != conn {
		sess.mu.Unlock()
		return
	}
	sess.setState(StateDisconnecting)
	sess.emitLocked(ConnectEvent{Type: Disconnecting})
	sess.setState(StateDisconnected)
	sess.conn = nil
	sess.emitLocked(ConnectEvent{Type: Disconnected})
	auto := sess.opts.AutoReconnect
	sess.mu.Unlock()

	c.logger.Warn("[BLE] link dropped", "address", sess.device.Address, "auto_reconnect", auto)
	if !auto {
		c.retire(sess)
		return
	}
	go c.reconnectAfter(sess)
}

// reconnectAfter waits out the retry interval and starts a new connect
// cycle. Disconnect during the wait retires the session without further
// events, since Disconnected was already delivered.
func (c *Connector) reconnectAfter(sess *connSession) {
	if !sleepCtx(sess.ctx, sess.opts.RetryInterval) {
		c.retire(sess)
		return
	}
	c.logger.Info("[BLE] reconnecting", "address", sess.device.Address)
	c.connectLoop(sess)
}

// Disconnect tears down the session for address. A connected link goes
// through Disconnecting and Disconnected with UserInitiated set; a pending
// connect ends with ConnectFail(CauseCancelled); a pending auto-reconnect is
// cancelled silently. The session keeps its table entry until the radio
// call in flight has returned, so a following Connect cannot overlap it.
func (c *Connector) Disconnect(address string) error {
	address = normalizeAddress(address)
	c.mu.Lock()
	sess, ok := c.sessions[address]
	c.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	sess.mu.Lock()
	if sess.stopping {
		sess.mu.Unlock()
		return nil
	}
	sess.stopping = true
	sess.cancel()
	if sess.state != StateConnected {
		sess.mu.Unlock()
		return nil
	}
	conn := sess.conn
	sess.setState(StateDisconnecting)
	sess.emitLocked(ConnectEvent{Type: Disconnecting, UserInitiated: true})
	sess.mu.Unlock()

	err := conn.Disconnect()
	if err != nil {
		c.logger.Warn("[BLE] disconnect failed", "address", address, "error", err)
	}

	sess.mu.Lock()
	sess.setState(StateDisconnected)
	sess.conn = nil
	sess.emitLocked(ConnectEvent{Type: Disconnected, UserInitiated: true})
	sess.mu.Unlock()
	c.retire(sess)

	c.logger.Info("[BLE] disconnected", "address", address)
	return err
}

// retire removes the session from the table and closes its observers.
func (c *Connector) retire(sess *connSession) {
	c.mu.Lock()
	if c.sessions[sess.device.Address] == sess {
		delete(c.sessions, sess.device.Address)
	}
	c.mu.Unlock()
	sess.cancel()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.retired {
		return
	}
	sess.retired = true
	for _, obs := range sess.observers {
		obs.close()
	}
	sess.observers = nil
	close(sess.done)
}

// IsConnected requires both the transport link state and the session state
// to say connected. The link can still report connected for a moment after
// the session has been torn down.
func (c *Connector) IsConnected(address string) bool {
	address = normalizeAddress(address)
	return c.State(address) == StateConnected && c.adapter.LinkConnected(address)
}

// State returns the session state for address, StateIdle when there is none.
func (c *Connector) State(address string) State {
	c.mu.Lock()
	sess, ok := c.sessions[normalizeAddress(address)]
	c.mu.Unlock()
	if !ok {
		return StateIdle
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state
}

// Connection returns the open connection for address.
func (c *Connector) Connection(address string) (Connection, bool) {
	c.mu.Lock()
	sess, ok := c.sessions[normalizeAddress(address)]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StateConnected || sess.conn == nil {
		return nil, false
	}
	return sess.conn, true
}

// RemoveCallbacks closes every observer stream of address. The session
// itself is unaffected.
func (c *Connector) RemoveCallbacks(address string) {
	c.mu.Lock()
	sess, ok := c.sessions[normalizeAddress(address)]
	c.mu.Unlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	for _, obs := range sess.observers {
		obs.discard()
	}
	sess.observers = nil
	sess.mu.Unlock()
}

// Release drops the observers of address and disconnects it without
// delivering further events.
func (c *Connector) Release(address string) error {
	c.RemoveCallbacks(address)
	err := c.Disconnect(address)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// ReleaseAll releases every session concurrently. A failing release does not
// stop the others; all failures are joined into the returned error. When ctx
// ends first ReleaseAll returns ctx.Err() while the releases run to
// completion in the background.
func (c *Connector) ReleaseAll(ctx context.Context) error {
	addresses := c.Addresses()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, addr := range addresses {
		addr := addr
		g.Go(func() error {
			if err := c.Release(addr); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("ble: release %s: %w", addr, err))
				mu.Unlock()
			}
			return nil
		})
	}

	released := make(chan struct{})
	go func() {
		g.Wait()
		close(released)
	}()
	select {
	case <-released:
	case <-ctx.Done():
		return ctx.Err()
	}
	return errors.Join(errs...)
}

// Addresses lists the addresses that currently have a session.
func (c *Connector) Addresses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for addr := range c.sessions {
		out = append(out, addr)
	}
	return out
}

// live reports whether the session still accepts observers.
func (sess *connSession) live() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return !sess.stopping && !sess.retired
}

func (sess *connSession) attach(obs *stream[ConnectEvent]) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.retired {
		obs.close()
		return
	}
	sess.observers = append(sess.observers, obs)
	if sess.state == StateConnected {
		obs.emit(ConnectEvent{Type: ConnectSuccess, Device: sess.device})
	}
}

// setState applies a legal transition; callers hold sess.mu.
func (sess *connSession) setState(to State) bool {
	if !sess.state.CanTransition(to) {
		return false
	}
	sess.state = to
	return true
}

// emitLocked fans ev out to every observer; callers hold sess.mu.
func (sess *connSession) emitLocked(ev ConnectEvent) {
	ev.Device = sess.device
	for _, obs := range sess.observers {
		obs.emit(ev)
	}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
