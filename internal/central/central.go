// Package central is the entry point applications use: one handle that owns
// the scan, connection and write engines for a single radio adapter.
package central

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xixiha5230/BleCore/internal/ble"
)

// ErrNotInitialized is returned by every call made before Init or after
// ReleaseAll.
var ErrNotInitialized = errors.New("central: not initialized")

// Options are the defaults applied when a call does not pass its own.
type Options struct {
	Scan    ble.ScanOptions
	Connect ble.ConnectOptions
	Write   ble.WriteOptions
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		Scan: ble.ScanOptions{
			Timeout:       ble.DefaultScanTimeout,
			RetryInterval: ble.DefaultScanRetryInterval,
		},
		Connect: ble.ConnectOptions{
			Timeout:       ble.DefaultConnectTimeout,
			RetryInterval: ble.DefaultConnectRetryInterval,
		},
		Write: ble.DefaultWriteOptions(),
	}
}

type notifyKey struct {
	address, service, char string
}

// Central coordinates the engines over one adapter.
type Central struct {
	adapter ble.Adapter
	env     ble.Environment
	opts    Options
	logger  *slog.Logger

	mu          sync.Mutex
	initialized bool
	scanner     *ble.Scanner
	connector   *ble.Connector
	writer      *ble.Writer
	notifying   map[notifyKey]ble.Characteristic
}

// New creates a Central. Nothing touches the radio until Init.
func New(adapter ble.Adapter, env ble.Environment, opts Options, logger *slog.Logger) *Central {
	if env == nil {
		env = ble.HostEnvironment{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Central{
		adapter: adapter,
		env:     env,
		opts:    opts,
		logger:  logger,
	}
}

// Init powers on the adapter and builds the engines. A radio that fails to
// power on is not fatal: scans then report the radio as disabled.
func (c *Central) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	if c.adapter == nil {
		return errors.New("central: nil adapter")
	}
	if err := c.adapter.Enable(); err != nil {
		c.logger.Warn("[BLE] adapter enable failed", "error", err)
	}

	c.scanner = ble.NewScanner(c.adapter, c.env, c.logger)
	c.connector = ble.NewConnector(c.adapter, c.scanner, c.logger)
	c.writer = ble.NewWriter(c.opts.Write, c.logger)
	c.notifying = make(map[notifyKey]ble.Characteristic)
	c.initialized = true
	c.logger.Debug("[BLE] central initialized")
	return nil
}

// Supported reports whether the platform has a BLE radio. It does not need
// Init.
func (c *Central) Supported() bool {
	return c.adapter != nil && c.adapter.Supported()
}

// Enabled reports whether the radio is powered on.
func (c *Central) Enabled() bool {
	return c.adapter != nil && c.adapter.Enabled()
}

// Options returns the defaults the Central was created with.
func (c *Central) Options() Options { return c.opts }

// engines returns the engines, or ErrNotInitialized.
func (c *Central) engines() (*ble.Scanner, *ble.Connector, *ble.Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, nil, nil, ErrNotInitialized
	}
	return c.scanner, c.connector, c.writer, nil
}

// StartScan starts a scan session. A nil opts uses Options().Scan.
func (c *Central) StartScan(opts *ble.ScanOptions) (<-chan ble.ScanEvent, error) {
	scanner, _, _, err := c.engines()
	if err != nil {
		return nil, err
	}
	o := c.opts.Scan
	if opts != nil {
		o = *opts
	}
	return scanner.Start(o), nil
}

// StopScan cancels the active scan, if any.
func (c *Central) StopScan() error {
	scanner, _, _, err := c.engines()
	if err != nil {
		return err
	}
	scanner.Stop()
	return nil
}

// IsScanning reports whether a scan session is active.
func (c *Central) IsScanning() bool {
	scanner, _, _, err := c.engines()
	if err != nil {
		return false
	}
	return scanner.IsScanning()
}

// Connect connects to dev. A nil opts uses Options().Connect.
func (c *Central) Connect(dev ble.Device, opts *ble.ConnectOptions) (<-chan ble.ConnectEvent, error) {
	_, connector, _, err := c.engines()
	if err != nil {
		return nil, err
	}
	o := c.opts.Connect
	if opts != nil {
		o = *opts
	}
	return connector.Connect(dev, o), nil
}

// ConnectAddress connects to a known address without scanning first.
func (c *Central) ConnectAddress(address string, opts *ble.ConnectOptions) (<-chan ble.ConnectEvent, error) {
	return c.Connect(ble.DeviceFromAddress(address), opts)
}

// Disconnect tears down the connection to dev.
func (c *Central) Disconnect(dev ble.Device) error {
	return c.DisconnectAddress(dev.Address)
}

// DisconnectAddress tears down the connection to address.
func (c *Central) DisconnectAddress(address string) error {
	_, connector, _, err := c.engines()
	if err != nil {
		return err
	}
	c.forgetNotifications(address)
	return connector.Disconnect(address)
}

// IsConnected reports whether dev is connected at both the link and the
// session level.
func (c *Central) IsConnected(dev ble.Device) bool {
	_, connector, _, err := c.engines()
	if err != nil {
		return false
	}
	return connector.IsConnected(dev.Address)
}

// Connection returns the open link to dev for direct GATT access.
func (c *Central) Connection(dev ble.Device) (ble.Connection, bool) {
	_, connector, _, err := c.engines()
	if err != nil {
		return nil, false
	}
	return connector.Connection(dev.Address)
}

// RemoveCallbacks closes every connection event stream of dev.
func (c *Central) RemoveCallbacks(dev ble.Device) error {
	_, connector, _, err := c.engines()
	if err != nil {
		return err
	}
	connector.RemoveCallbacks(dev.Address)
	return nil
}

// Write sends payload to a characteristic of a connected device. A device
// that is not connected yields a stream with a single failed WriteComplete.
func (c *Central) Write(ctx context.Context, dev ble.Device, serviceUUID, charUUID string, payload []byte) (<-chan ble.WriteEvent, error) {
	_, connector, writer, err := c.engines()
	if err != nil {
		return nil, err
	}
	conn, _ := connector.Connection(dev.Address)
	return writer.Write(ctx, conn, serviceUUID, charUUID, payload), nil
}

func (c *Central) characteristic(address, serviceUUID, charUUID string) (ble.Characteristic, error) {
	_, connector, _, err := c.engines()
	if err != nil {
		return nil, err
	}
	conn, ok := connector.Connection(address)
	if !ok {
		return nil, ble.ErrNotConnected
	}
	char, err := conn.DiscoverCharacteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, fmt.Errorf("central: discover %s: %w", charUUID, err)
	}
	return char, nil
}

// Read returns the current value of a characteristic.
func (c *Central) Read(dev ble.Device, serviceUUID, charUUID string) ([]byte, error) {
	char, err := c.characteristic(dev.Address, serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	data, err := char.Read()
	if err != nil {
		return nil, fmt.Errorf("central: read %s: %w", charUUID, err)
	}
	return data, nil
}

// Notify subscribes handler to notifications of a characteristic. A second
// subscription to the same characteristic replaces the first.
func (c *Central) Notify(dev ble.Device, serviceUUID, charUUID string, handler func([]byte)) error {
	char, err := c.characteristic(dev.Address, serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if err := char.Subscribe(handler); err != nil {
		return fmt.Errorf("central: subscribe %s: %w", charUUID, err)
	}

	key := notifyKey{ble.DeviceFromAddress(dev.Address).Address, ble.NormalizeUUID(serviceUUID), ble.NormalizeUUID(charUUID)}
	c.mu.Lock()
	if c.notifying != nil {
		c.notifying[key] = char
	}
	c.mu.Unlock()
	c.logger.Debug("[BLE] notifications enabled", "address", key.address, "char", key.char)
	return nil
}

// StopNotify unsubscribes from a characteristic. It reports false when no
// subscription existed.
func (c *Central) StopNotify(dev ble.Device, serviceUUID, charUUID string) (bool, error) {
	if _, _, _, err := c.engines(); err != nil {
		return false, err
	}
	key := notifyKey{ble.DeviceFromAddress(dev.Address).Address, ble.NormalizeUUID(serviceUUID), ble.NormalizeUUID(charUUID)}
	c.mu.Lock()
	char, ok := c.notifying[key]
	delete(c.notifying, key)
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := char.Unsubscribe(); err != nil {
		return true, fmt.Errorf("central: unsubscribe %s: %w", charUUID, err)
	}
	return true, nil
}

func (c *Central) forgetNotifications(address string) {
	address = ble.DeviceFromAddress(address).Address
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.notifying {
		if key.address == address {
			delete(c.notifying, key)
		}
	}
}

// Release disconnects dev and drops its streams and subscriptions without
// delivering further events.
func (c *Central) Release(dev ble.Device) error {
	_, connector, _, err := c.engines()
	if err != nil {
		return err
	}
	c.forgetNotifications(dev.Address)
	if err := connector.Release(dev.Address); err != nil {
		return err
	}
	c.logger.Info("[BLE] released", "address", dev.Address)
	return nil
}

// ReleaseAll stops scanning, releases every device and returns the Central
// to its uninitialized state.
func (c *Central) ReleaseAll(ctx context.Context) error {
	scanner, connector, _, err := c.engines()
	if err != nil {
		return err
	}
	scanner.Stop()
	err = connector.ReleaseAll(ctx)

	c.mu.Lock()
	c.initialized = false
	c.notifying = nil
	c.mu.Unlock()

	c.logger.Info("[BLE] all resources released")
	return err
}
