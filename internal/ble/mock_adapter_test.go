package ble

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

const (
	testServiceUUID = "0000fff0-0000-1000-8000-00805f9b34fb"
	testCharUUID    = "0000fff1-0000-1000-8000-00805f9b34fb"
)

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	attempts int
	failAt   map[int]error // 1-based write attempt → error
	value    []byte
	callback func([]byte)
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if err := c.failAt[c.attempts]; err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.value...), nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

func (c *mockCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = nil
	return nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *mockCharacteristic) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// mockConnection simulates a BLE connection.
type mockConnection struct {
	adapter *mockAdapter
	address string

	mu           sync.Mutex
	char         *mockCharacteristic
	mtu          int
	mtuErr        error
	disconnectErr error
	disconnectCb  func()
	disconnected  bool
}

func newMockConnection() *mockConnection {
	return &mockConnection{char: &mockCharacteristic{}, mtu: 23}
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	if NormalizeUUID(serviceUUID) != testServiceUUID || NormalizeUUID(charUUID) != testCharUUID {
		return nil, fmt.Errorf("mock: unknown characteristic %s/%s", serviceUUID, charUUID)
	}
	return c.char, nil
}

func (c *mockConnection) MTU() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu, c.mtuErr
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	c.disconnected = true
	err := c.disconnectErr
	c.mu.Unlock()
	if c.adapter != nil {
		c.adapter.SetLink(c.address, false)
	}
	return err
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect drops the link and triggers the disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	if c.adapter != nil {
		c.adapter.SetLink(c.address, false)
	}
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *mockConnection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// scanStep scripts one scan attempt.
type scanStep struct {
	advs []Advertisement
	err  error
}

// mockAdapter simulates the BLE adapter.
type mockAdapter struct {
	mu        sync.Mutex
	supported bool
	enabled   bool

	scanScript []scanStep
	scanCalls  int
	stopScans  int

	connectErrs    []error       // per Connect call; nil entry means success
	connectBlock   chan struct{} // when set, Connect waits for it to close
	ignoreCancel   bool          // Connect waits for connectBlock even after ctx ends
	connectCalls   int
	inflight       map[string]int
	maxInflight    int
	disconnectErrs map[string]error // per address, returned by the connection's Disconnect
	links          map[string]bool
	connections    []*mockConnection
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		supported: true,
		enabled:   true,
		inflight:  make(map[string]int),
		links:     make(map[string]bool),
	}
}

func (a *mockAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = true
	return nil
}

func (a *mockAdapter) Supported() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.supported
}

func (a *mockAdapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *mockAdapter) Scan(ctx context.Context, filter ScanFilter, handler func(Advertisement)) error {
	a.mu.Lock()
	idx := a.scanCalls
	a.scanCalls++
	var step scanStep
	if idx < len(a.scanScript) {
		step = a.scanScript[idx]
	}
	a.mu.Unlock()

	for _, adv := range step.advs {
		if filter.Match(adv) {
			handler(adv)
		}
	}
	if step.err != nil {
		return step.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (a *mockAdapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopScans++
	return nil
}

func (a *mockAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	a.mu.Lock()
	idx := a.connectCalls
	a.connectCalls++
	block := a.connectBlock
	ignoreCancel := a.ignoreCancel
	var err error
	if idx < len(a.connectErrs) {
		err = a.connectErrs[idx]
	}
	a.inflight[address]++
	if a.inflight[address] > a.maxInflight {
		a.maxInflight = a.inflight[address]
	}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.inflight[address]--
		a.mu.Unlock()
	}()

	if block != nil {
		if ignoreCancel {
			<-block
		} else {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err != nil {
		return nil, err
	}

	conn := newMockConnection()
	conn.adapter = a
	conn.address = address
	a.mu.Lock()
	conn.disconnectErr = a.disconnectErrs[address]
	a.links[address] = true
	a.connections = append(a.connections, conn)
	a.mu.Unlock()
	return conn, nil
}

func (a *mockAdapter) LinkConnected(address string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.links[address]
}

// SetLink overrides the transport-level link state.
func (a *mockAdapter) SetLink(address string, up bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.links[address] = up
}

func (a *mockAdapter) scanCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanCalls
}

func (a *mockAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectCalls
}

// maxConcurrentConnects is the highest number of radio connects that were
// outstanding for one address at the same time.
func (a *mockAdapter) maxConcurrentConnects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxInflight
}

func (a *mockAdapter) allConnections() []*mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*mockConnection(nil), a.connections...)
}

// latestConnection returns the most recently created connection (thread-safe).
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.connections) == 0 {
		return nil
	}
	return a.connections[len(a.connections)-1]
}

// mockEnv is a configurable Environment.
type mockEnv struct {
	permission bool
	location   bool
}

func (e mockEnv) PermissionGranted() bool      { return e.permission }
func (e mockEnv) LocationServiceEnabled() bool { return e.location }

// countingStopper counts Stop calls made by the Connector.
type countingStopper struct {
	mu    sync.Mutex
	stops int
}

func (s *countingStopper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *countingStopper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

const testWait = 2 * time.Second

// collect drains ch until it is closed.
func collect[T any](t *testing.T, ch <-chan T) []T {
	t.Helper()
	var out []T
	deadline := time.After(testWait)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("stream not closed after %v; got %d events", testWait, len(out))
		}
	}
}

// next reads one event from ch.
func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("stream closed early")
		}
		return ev
	case <-time.After(testWait):
		t.Fatalf("no event after %v", testWait)
	}
	var zero T
	return zero
}

// eventually polls cond until it holds.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}
