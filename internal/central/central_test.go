package central

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xixiha5230/BleCore/internal/ble"
)

const (
	svcUUID  = "0000fff0-0000-1000-8000-00805f9b34fb"
	charUUID = "0000fff1-0000-1000-8000-00805f9b34fb"
	addr     = "AA:BB:CC:DD:EE:FF"
)

type fakeChar struct {
	mu      sync.Mutex
	writes  [][]byte
	value   []byte
	handler func([]byte)
}

func (c *fakeChar) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeChar) Read() ([]byte, error) { return c.value, nil }

func (c *fakeChar) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = cb
	return nil
}

func (c *fakeChar) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = nil
	return nil
}

func (c *fakeChar) notify(data []byte) {
	c.mu.Lock()
	cb := c.handler
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

type fakeConn struct {
	adapter *fakeAdapter
	address string
	char    *fakeChar
}

func (c *fakeConn) DiscoverCharacteristic(svc, char string) (ble.Characteristic, error) {
	if ble.NormalizeUUID(svc) != svcUUID || ble.NormalizeUUID(char) != charUUID {
		return nil, fmt.Errorf("fake: no characteristic %s", char)
	}
	return c.char, nil
}

func (c *fakeConn) MTU() (int, error) { return 23, nil }

func (c *fakeConn) Disconnect() error {
	c.adapter.mu.Lock()
	defer c.adapter.mu.Unlock()
	delete(c.adapter.links, c.address)
	return nil
}

func (c *fakeConn) OnDisconnect(func()) {}

type fakeAdapter struct {
	mu       sync.Mutex
	enabled  bool
	advs     []ble.Advertisement
	links    map[string]bool
	char     *fakeChar
	scanning bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{links: make(map[string]bool), char: &fakeChar{value: []byte{0x42}}}
}

func (a *fakeAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = true
	return nil
}

func (a *fakeAdapter) Supported() bool { return true }

func (a *fakeAdapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *fakeAdapter) Scan(ctx context.Context, filter ble.ScanFilter, handler func(ble.Advertisement)) error {
	a.mu.Lock()
	a.scanning = true
	advs := a.advs
	a.mu.Unlock()
	for _, adv := range advs {
		if filter.Match(adv) {
			handler(adv)
		}
	}
	<-ctx.Done()
	a.mu.Lock()
	a.scanning = false
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) StopScan() error { return nil }

func (a *fakeAdapter) Connect(_ context.Context, address string) (ble.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.links[address] = true
	return &fakeConn{adapter: a, address: address, char: a.char}, nil
}

func (a *fakeAdapter) LinkConnected(address string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.links[address]
}

func drain[T any](t *testing.T, ch <-chan T) []T {
	t.Helper()
	var out []T
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream not closed; got %d events", len(out))
		}
	}
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.Scan.Timeout = 5 * time.Millisecond
	opts.Connect.Timeout = time.Second
	return opts
}

func newInitialized(t *testing.T) (*Central, *fakeAdapter) {
	t.Helper()
	adapter := newFakeAdapter()
	c := New(adapter, nil, fastOptions(), nil)
	if err := c.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return c, adapter
}

func connect(t *testing.T, c *Central, address string) {
	t.Helper()
	ch, err := c.ConnectAddress(address, nil)
	if err != nil {
		t.Fatalf("ConnectAddress() error = %v", err)
	}
	for ev := range ch {
		if ev.Type == ble.ConnectSuccess {
			return
		}
		if ev.Type == ble.ConnectFail {
			t.Fatalf("connect failed: %v", ev.Err)
		}
	}
	t.Fatal("connect stream closed without success")
}

func TestCallsBeforeInit(t *testing.T) {
	c := New(newFakeAdapter(), nil, DefaultOptions(), nil)
	dev := ble.DeviceFromAddress(addr)

	if _, err := c.StartScan(nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("StartScan() error = %v", err)
	}
	if err := c.StopScan(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("StopScan() error = %v", err)
	}
	if _, err := c.Connect(dev, nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Connect() error = %v", err)
	}
	if err := c.Disconnect(dev); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Disconnect() error = %v", err)
	}
	if _, err := c.Write(context.Background(), dev, svcUUID, charUUID, nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Write() error = %v", err)
	}
	if _, err := c.Read(dev, svcUUID, charUUID); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Read() error = %v", err)
	}
	if err := c.Release(dev); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Release() error = %v", err)
	}
	if err := c.ReleaseAll(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("ReleaseAll() error = %v", err)
	}
	if c.IsScanning() || c.IsConnected(dev) {
		t.Error("uninitialized central reports activity")
	}
}

func TestInitEnablesAdapter(t *testing.T) {
	c, adapter := newInitialized(t)
	if !adapter.Enabled() {
		t.Error("adapter not enabled by Init")
	}
	if err := c.Init(); err != nil {
		t.Errorf("second Init() error = %v", err)
	}
	if c.Options().Scan.Timeout != 5*time.Millisecond {
		t.Errorf("Options() = %+v", c.Options())
	}
}

func TestStartScanUsesDefaults(t *testing.T) {
	c, adapter := newInitialized(t)
	adapter.advs = []ble.Advertisement{{Address: "aa:00:00:00:00:01", Name: "one"}}

	ch, err := c.StartScan(nil)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	events := drain(t, ch)
	last := events[len(events)-1]
	if last.Type != ble.ScanCompleted || len(last.Unique) != 1 {
		t.Fatalf("last event = %v with %d devices", last.Type, len(last.Unique))
	}
	if last.Unique[0].Address != "AA:00:00:00:00:01" {
		t.Errorf("address = %s", last.Unique[0].Address)
	}
}

func TestConnectStopsActiveScan(t *testing.T) {
	c, _ := newInitialized(t)

	scan, err := c.StartScan(&ble.ScanOptions{Timeout: time.Minute})
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if !c.IsScanning() {
		t.Fatal("IsScanning() = false")
	}

	connect(t, c, addr)
	events := drain(t, scan)
	if events[len(events)-1].Type != ble.ScanCompleted {
		t.Errorf("scan did not complete after connect")
	}
	if c.IsScanning() {
		t.Error("IsScanning() = true after connect")
	}
	if !c.IsConnected(ble.DeviceFromAddress(addr)) {
		t.Error("IsConnected() = false")
	}
}

func TestRadioStateAndConnection(t *testing.T) {
	adapter := newFakeAdapter()
	c := New(adapter, nil, DefaultOptions(), nil)
	dev := ble.DeviceFromAddress(addr)

	if !c.Supported() {
		t.Error("Supported() = false")
	}
	if c.Enabled() {
		t.Error("Enabled() = true before Init")
	}
	if _, ok := c.Connection(dev); ok {
		t.Error("Connection() found a link before Init")
	}

	if err := c.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if !c.Enabled() {
		t.Error("Enabled() = false after Init")
	}
	connect(t, c, addr)

	conn, ok := c.Connection(dev)
	if !ok || conn == nil {
		t.Fatal("Connection() = false while connected")
	}
	if _, err := conn.DiscoverCharacteristic(svcUUID, charUUID); err != nil {
		t.Errorf("DiscoverCharacteristic() error = %v", err)
	}

	if err := c.Disconnect(dev); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if _, ok := c.Connection(dev); ok {
		t.Error("Connection() found a link after Disconnect")
	}
}

func TestWriteFragments(t *testing.T) {
	c, adapter := newInitialized(t)
	connect(t, c, addr)

	payload := bytes.Repeat([]byte{7}, 45)
	ch, err := c.Write(context.Background(), ble.DeviceFromAddress(addr), svcUUID, charUUID, payload)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	events := drain(t, ch)
	if last := events[len(events)-1]; last.Type != ble.WriteComplete || !last.AllSucceeded {
		t.Fatalf("last event = %+v", last)
	}
	adapter.char.mu.Lock()
	defer adapter.char.mu.Unlock()
	if len(adapter.char.writes) != 3 {
		t.Errorf("got %d packets, want 3", len(adapter.char.writes))
	}
}

func TestWriteNotConnected(t *testing.T) {
	c, _ := newInitialized(t)

	ch, err := c.Write(context.Background(), ble.DeviceFromAddress(addr), svcUUID, charUUID, []byte("x"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	events := drain(t, ch)
	if len(events) != 1 || !errors.Is(events[0].Err, ble.ErrNotConnected) {
		t.Errorf("events = %+v, want one ErrNotConnected completion", events)
	}
}

func TestReadAndNotify(t *testing.T) {
	c, adapter := newInitialized(t)
	dev := ble.DeviceFromAddress(addr)

	if _, err := c.Read(dev, svcUUID, charUUID); !errors.Is(err, ble.ErrNotConnected) {
		t.Errorf("Read() before connect error = %v", err)
	}
	connect(t, c, addr)

	data, err := c.Read(dev, svcUUID, charUUID)
	if err != nil || !bytes.Equal(data, []byte{0x42}) {
		t.Errorf("Read() = %v, %v", data, err)
	}

	got := make(chan []byte, 1)
	if err := c.Notify(dev, "FFF0", "fff1", func(b []byte) { got <- b }); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	adapter.char.notify([]byte("hi"))
	select {
	case b := <-got:
		if string(b) != "hi" {
			t.Errorf("notification = %q", b)
		}
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}

	stopped, err := c.StopNotify(dev, svcUUID, charUUID)
	if err != nil || !stopped {
		t.Errorf("StopNotify() = %v, %v", stopped, err)
	}
	if stopped, _ := c.StopNotify(dev, svcUUID, charUUID); stopped {
		t.Error("second StopNotify() reported a subscription")
	}
}

func TestDisconnectAddress(t *testing.T) {
	c, _ := newInitialized(t)
	connect(t, c, addr)

	if err := c.DisconnectAddress("aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("DisconnectAddress() error = %v", err)
	}
	if c.IsConnected(ble.DeviceFromAddress(addr)) {
		t.Error("IsConnected() = true after disconnect")
	}
}

func TestReleaseAllUninitializes(t *testing.T) {
	c, _ := newInitialized(t)
	connect(t, c, addr)
	connect(t, c, "AA:BB:CC:DD:EE:00")

	if err := c.ReleaseAll(context.Background()); err != nil {
		t.Fatalf("ReleaseAll() error = %v", err)
	}
	if _, err := c.StartScan(nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("StartScan() after ReleaseAll error = %v", err)
	}
	if err := c.Init(); err != nil {
		t.Fatalf("re-Init() error = %v", err)
	}
	if c.IsConnected(ble.DeviceFromAddress(addr)) {
		t.Error("device still connected after ReleaseAll")
	}
}

func TestRelease(t *testing.T) {
	c, _ := newInitialized(t)
	connect(t, c, addr)
	dev := ble.DeviceFromAddress(addr)

	if err := c.Release(dev); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if c.IsConnected(dev) {
		t.Error("IsConnected() = true after Release")
	}
	if err := c.Release(dev); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}
