// Package ble is the central-role engine: it scans for peripherals, keeps one
// connection state machine per device address and writes payloads over GATT
// characteristics in MTU-sized packets. The radio itself is reached through
// the Adapter interface so every engine can run against a mock.
package ble

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends one packet to the characteristic and returns once the
	// platform reports the outcome.
	Write(data []byte) error
	// Read returns the current value of the characteristic.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notifications.
	Unsubscribe() error
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// MTU returns the negotiated ATT MTU. Zero or an error means unknown.
	MTU() (int, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Advertisement is one scan result as reported by the radio.
type Advertisement struct {
	Address      string
	Name         string
	RSSI         int
	Connectable  bool
	ServiceUUIDs []string
	Handle       any
}

// ScanFilter is handed to the radio when a scan starts. An advertisement
// matches when no filter is set, or when any service UUID or any address
// matches.
type ScanFilter struct {
	ServiceUUIDs []string
	Addresses    []string
}

// Match reports whether adv passes the filter.
func (f ScanFilter) Match(adv Advertisement) bool {
	if len(f.ServiceUUIDs) == 0 && len(f.Addresses) == 0 {
		return true
	}
	for _, addr := range f.Addresses {
		if strings.EqualFold(addr, adv.Address) {
			return true
		}
	}
	for _, want := range f.ServiceUUIDs {
		want = NormalizeUUID(want)
		for _, have := range adv.ServiceUUIDs {
			if NormalizeUUID(have) == want {
				return true
			}
		}
	}
	return false
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Supported reports whether the host has usable BLE hardware.
	Supported() bool
	// Enabled reports whether the radio is powered on.
	Enabled() bool
	// Scan reports advertisements matching filter to handler until ctx is
	// done or StopScan is called.
	Scan(ctx context.Context, filter ScanFilter, handler func(Advertisement)) error
	// StopScan aborts a running Scan.
	StopScan() error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
	// LinkConnected reports the transport-level link state for address.
	LinkConnected(address string) bool
}

// Environment supplies the host preconditions the radio cannot report itself.
type Environment interface {
	PermissionGranted() bool
	LocationServiceEnabled() bool
}

// HostEnvironment is the Environment for desktop hosts, which gate BLE
// behind neither a runtime permission nor a location service.
type HostEnvironment struct{}

func (HostEnvironment) PermissionGranted() bool      { return true }
func (HostEnvironment) LocationServiceEnabled() bool { return true }

// bluetoothBaseUUID completes 16- and 32-bit assigned numbers.
const bluetoothBaseUUID = "-0000-1000-8000-00805f9b34fb"

// ParseUUID parses a full 128-bit UUID or a 16/32-bit Bluetooth assigned
// number ("180d", "0000180d") and returns its canonical lower-case form.
func ParseUUID(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 4:
		s = "0000" + s + bluetoothBaseUUID
	case 8:
		s = s + bluetoothBaseUUID
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// NormalizeUUID is ParseUUID for values already validated. Malformed input
// is lower-cased and returned as is.
func NormalizeUUID(s string) string {
	u, err := ParseUUID(s)
	if err != nil {
		return strings.ToLower(s)
	}
	return u
}
