// Package ble defines the platform adapter boundary for Bluetooth Low
// Energy peripherals. The transport core talks to hardware exclusively
// through the Adapter interface; backends are selected once at
// construction time.
package ble

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAdapterUnavailable is returned when the underlying radio is not
	// initialized or has been disabled.
	ErrAdapterUnavailable = errors.New("ble: adapter unavailable")

	// ErrDeviceNotFound is returned when an operation references a device
	// id that is not connected or was never discovered.
	ErrDeviceNotFound = errors.New("ble: device not found")

	// ErrCharacteristicNotFound is returned when the requested GATT
	// characteristic is absent from the peripheral.
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
)

// Well-known GATT UUIDs for serial-style receipt printers. Most ESC/POS
// printers expose the 18F0 printing service; battery level follows the
// standard Battery Service profile.
const (
	DefaultPrintServiceUUID = "000018f0-0000-1000-8000-00805f9b34fb"
	DefaultWriteCharUUID    = "00002af1-0000-1000-8000-00805f9b34fb"
	DefaultNotifyCharUUID   = "00002af0-0000-1000-8000-00805f9b34fb"

	BatteryServiceUUID = "0000180f-0000-1000-8000-00805f9b34fb"
	BatteryLevelUUID   = "00002a19-0000-1000-8000-00805f9b34fb"
)

// DeviceRecord describes a peripheral observed during discovery. Records
// are immutable per scan cycle and keyed by ID.
type DeviceRecord struct {
	ID            string
	Name          string
	RSSI          int
	Advertisement []byte
	LastSeen      time.Time
}

// DiscoveryOptions control a scan cycle.
type DiscoveryOptions struct {
	// ServiceUUID filters advertisements to peripherals exposing the
	// given service. Empty means no filter.
	ServiceUUID string

	// Duration bounds the scan. Zero means scan until StopDiscovery.
	Duration time.Duration
}

// DisconnectFunc is invoked when a connected device drops. unexpected is
// true when the link was lost without a local Disconnect call. Handlers
// run on the adapter's callback goroutine and must not block.
type DisconnectFunc func(deviceID string, unexpected bool)

// DeviceFoundFunc is invoked once per newly discovered device.
type DeviceFoundFunc func(DeviceRecord)

// Adapter is the per-platform BLE capability interface consumed by the
// transport core. Implementations must be safe for use from a single
// goroutine at a time; the core serializes all calls.
type Adapter interface {
	// Init powers up the radio. Must be called before any other method.
	Init(ctx context.Context) error

	// Reset tears the radio down and brings it back up. Used by the
	// troubleshooting escalation path.
	Reset(ctx context.Context) error

	StartDiscovery(ctx context.Context, opts DiscoveryOptions) error
	StopDiscovery() error
	DiscoveredDevices() []DeviceRecord

	Connect(ctx context.Context, deviceID string) error
	Disconnect(deviceID string) error

	// Write sends data to a characteristic. The write either completes
	// or fails as a unit; there is no partial delivery.
	Write(ctx context.Context, deviceID, serviceUUID, charUUID string, data []byte) error
	Read(ctx context.Context, deviceID, serviceUUID, charUUID string) ([]byte, error)
	SetNotify(ctx context.Context, deviceID, serviceUUID, charUUID string, enabled bool) error

	// SignalStrength reports the last observed RSSI for a device in dBm.
	SignalStrength(deviceID string) (int, error)

	OnDisconnect(fn DisconnectFunc)
	OnDeviceFound(fn DeviceFoundFunc)
}
