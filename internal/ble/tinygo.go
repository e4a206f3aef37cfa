package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// maxAttributeBytes bounds a characteristic read (ATT max attribute length).
const maxAttributeBytes = 512

// stopScanRetry paces StopScan calls that land before the radio scan has
// started.
const stopScanRetry = 10 * time.Millisecond

// TinygoAdapter implements Adapter on tinygo.org/x/bluetooth. On macOS device
// addresses are CoreBluetoothUUIDs rather than MAC addresses; both are
// carried as strings.
type TinygoAdapter struct {
	adapter *bluetooth.Adapter

	mu          sync.Mutex
	enabled     bool
	scanning    bool
	connections map[string]*tinygoConnection // keyed by normalized address
	pending     map[string]chan struct{}      // radio connects still running, by address
}

// NewTinygoAdapter wraps the platform default adapter.
func NewTinygoAdapter() *TinygoAdapter {
	return &TinygoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinygoConnection),
		pending:     make(map[string]chan struct{}),
	}
}

func (a *TinygoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// tinygo fires the adapter-level handler with connected=false when a
	// peripheral drops.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := normalizeAddress(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[addr]
		if ok {
			delete(a.connections, addr)
		}
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	a.mu.Lock()
	a.enabled = true
	a.mu.Unlock()
	return nil
}

// Supported reports whether a platform adapter is present. A missing
// controller behind it surfaces as an Enable error.
func (a *TinygoAdapter) Supported() bool { return a.adapter != nil }

func (a *TinygoAdapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *TinygoAdapter) Scan(ctx context.Context, filter ScanFilter, handler func(Advertisement)) error {
	var uuids []bluetooth.UUID
	for _, s := range filter.ServiceUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("ble: parse service uuid: %w", err)
		}
		uuids = append(uuids, u)
	}

	if ctx.Err() != nil {
		return nil
	}

	a.mu.Lock()
	a.scanning = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
	}()

	done := make(chan struct{})
	defer close(done)
	go stopOnCancel(ctx, done, stopScanRetry, a.adapter.StopScan)

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		adv := Advertisement{
			Address:     result.Address.String(),
			Name:        result.LocalName(),
			RSSI:        int(result.RSSI),
			Connectable: true,
			Handle:      result.Address,
		}
		for i, u := range uuids {
			if result.HasServiceUUID(u) {
				adv.ServiceUUIDs = append(adv.ServiceUUIDs, filter.ServiceUUIDs[i])
			}
		}
		if filter.Match(adv) {
			handler(adv)
		}
	})
	if err != nil && ctx.Err() == nil {
		return &TransportError{Code: -1, Err: err}
	}
	return nil
}

// stopOnCancel calls stop once ctx ends and keeps retrying every interval
// until stop succeeds or done is closed. tinygo rejects StopScan before its
// scan loop is running, so a single call can be lost.
func stopOnCancel(ctx context.Context, done <-chan struct{}, interval time.Duration, stop func() error) {
	select {
	case <-ctx.Done():
	case <-done:
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := stop(); err == nil {
			return
		}
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (a *TinygoAdapter) StopScan() error {
	a.mu.Lock()
	scanning := a.scanning
	a.mu.Unlock()
	if !scanning {
		return nil
	}
	return a.adapter.StopScan()
}

func (a *TinygoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	address = normalizeAddress(address)
	var addr bluetooth.Address
	addr.Set(address)

	// A radio connect abandoned on ctx keeps running inside tinygo; the next
	// one for the same address waits for it.
	inflight := make(chan struct{})
	for {
		a.mu.Lock()
		prev, busy := a.pending[address]
		if !busy {
			a.pending[address] = inflight
			a.mu.Unlock()
			break
		}
		a.mu.Unlock()
		select {
		case <-prev:
		case <-ctx.Done():
			return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
		}
	}

	// tinygo's Connect blocks with its own timeout; ctx only bounds our wait.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		a.mu.Lock()
		delete(a.pending, address)
		a.mu.Unlock()
		close(inflight)
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// A late success still holds a link; drop it.
			if result := <-ch; result.err == nil {
				result.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, &TransportError{Code: -1, Err: fmt.Errorf("connect to %s: %w", address, result.err)}
		}
		conn := &tinygoConnection{adapter: a, address: address, device: result.device}
		a.mu.Lock()
		a.connections[address] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

func (a *TinygoAdapter) LinkConnected(address string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.connections[normalizeAddress(address)]
	return ok
}

var _ Adapter = (*TinygoAdapter)(nil)

type tinygoConnection struct {
	adapter *TinygoAdapter
	address string
	device  bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
	chars        []*tinygoCharacteristic
}

func (c *tinygoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcID, err := bluetooth.ParseUUID(NormalizeUUID(serviceUUID))
	if err != nil {
		return nil, err
	}
	charID, err := bluetooth.ParseUUID(NormalizeUUID(charUUID))
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	char := &tinygoCharacteristic{char: chars[0]}
	c.mu.Lock()
	c.chars = append(c.chars, char)
	c.mu.Unlock()
	return char, nil
}

// MTU asks a discovered characteristic, since tinygo reports the MTU per
// characteristic. Before any discovery the MTU is unknown.
func (c *tinygoConnection) MTU() (int, error) {
	c.mu.Lock()
	var char *tinygoCharacteristic
	if len(c.chars) > 0 {
		char = c.chars[0]
	}
	c.mu.Unlock()
	if char == nil {
		return 0, errors.New("ble: mtu unknown before characteristic discovery")
	}
	mtu, err := char.char.GetMTU()
	if err != nil {
		return 0, err
	}
	return int(mtu), nil
}

func (c *tinygoConnection) Disconnect() error {
	c.adapter.mu.Lock()
	if c.adapter.connections[c.address] == c {
		delete(c.adapter.connections, c.address)
	}
	c.adapter.mu.Unlock()
	return c.device.Disconnect()
}

func (c *tinygoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinygoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinygoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinygoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxAttributeBytes)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cp := make([]byte, len(buf))
		copy(cp, buf)
		cb(cp)
	})
}

func (c *tinygoCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
