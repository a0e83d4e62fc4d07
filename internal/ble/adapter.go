// Package ble is the companion side of tag provisioning. It finds tags whose
// provisioning window is open and uploads advertisement keys to them over
// GATT.
package ble

import (
	"context"

	"github.com/chaz8081/heystack-tag/internal/ble/protocol"
)

// Provisioning service UUIDs, in the string form central stacks expect.
var (
	ServiceUUID  = protocol.ServiceUUID
	KeyWriteUUID = protocol.KeyWriteUUID
	KeyCountUUID = protocol.KeyCountUUID
)

// Characteristic represents a BLE GATT characteristic on a remote tag.
type Characteristic interface {
	// Write sends data and waits for the write response.
	Write(data []byte) error
	// Read returns the current value.
	Read() ([]byte, error)
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers peripherals whose local name contains name, or all
	// peripherals when name is empty. It returns when ctx is done.
	Scan(ctx context.Context, name string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
