package ble

import (
	"fmt"
	"strings"
	"time"
)

// Device is a discovered or known peripheral. Identity is the address;
// every other field is whatever the last advertisement said.
type Device struct {
	Address      string
	Name         string // empty when the advertisement carried no name
	RSSI         int
	Connectable  bool
	ServiceUUIDs []string
	SeenAt       time.Time
	Handle       any // opaque platform handle, never inspected by the engine
}

// DeviceFromAdvertisement builds a Device from a scan result.
func DeviceFromAdvertisement(adv Advertisement, seenAt time.Time) Device {
	services := make([]string, len(adv.ServiceUUIDs))
	for i, s := range adv.ServiceUUIDs {
		services[i] = NormalizeUUID(s)
	}
	return Device{
		Address:      normalizeAddress(adv.Address),
		Name:         adv.Name,
		RSSI:         adv.RSSI,
		Connectable:  adv.Connectable,
		ServiceUUIDs: services,
		SeenAt:       seenAt,
		Handle:       adv.Handle,
	}
}

// DeviceFromAddress builds a Device for connecting to a known address
// without scanning first.
func DeviceFromAddress(address string) Device {
	return Device{Address: normalizeAddress(address), Connectable: true}
}

// Named reports whether the device advertised a name.
func (d Device) Named() bool { return d.Name != "" }

// Equal reports whether d and other refer to the same peripheral.
func (d Device) Equal(other Device) bool {
	return normalizeAddress(d.Address) == normalizeAddress(other.Address)
}

func (d Device) String() string {
	if d.Named() {
		return fmt.Sprintf("%s (%s, %d dBm)", d.Address, d.Name, d.RSSI)
	}
	return fmt.Sprintf("%s (%d dBm)", d.Address, d.RSSI)
}

// normalizeAddress upper-cases MAC addresses so "aa:bb" and "AA:BB" key the
// same session. CoreBluetooth UUID identifiers are treated the same way.
func normalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
