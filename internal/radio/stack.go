// Package radio defines the single capability the tag core needs from a BLE
// radio stack and the Configurator that sequences advertising changes
// against it. Concrete stacks live in sub-packages.
package radio

import (
	"errors"
	"time"

	"github.com/chaz8081/heystack-tag/internal/beacon"
)

var (
	// ErrInvalidState is returned by a stack when the request does not apply
	// to its current state, e.g. stopping advertising that is not running.
	ErrInvalidState = errors.New("radio: invalid state")
	// ErrNotSupported is returned for requests a stack cannot honour.
	ErrNotSupported = errors.New("radio: not supported")
	// ErrTxPowerExhausted is returned when no candidate transmit power level
	// was accepted.
	ErrTxPowerExhausted = errors.New("radio: no transmit power level accepted")
)

// Handle identifies a link-layer connection.
type Handle uint16

// NoConn means no connection.
const NoConn Handle = 0xFFFF

// AttrHandle identifies a GATT attribute.
type AttrHandle uint16

// AdvType selects the advertising PDU type.
type AdvType int

const (
	// AdvNonConnectable is non-connectable, non-scannable undirected advertising.
	AdvNonConnectable AdvType = iota
	// AdvConnectable is connectable, scannable undirected advertising.
	AdvConnectable
)

func (t AdvType) String() string {
	if t == AdvConnectable {
		return "connectable"
	}
	return "non-connectable"
}

// AdvParams are the advertising parameters for one session.
type AdvParams struct {
	Type     AdvType
	Interval time.Duration
}

// ConnParams are the preferred peripheral connection parameters.
type ConnParams struct {
	MinInterval        time.Duration
	MaxInterval        time.Duration
	SlaveLatency       uint16
	SupervisionTimeout time.Duration
}

// ScanParams configure passive scanning.
type ScanParams struct {
	Active   bool
	Interval time.Duration
	Window   time.Duration
}

// SecStatus is the status used to answer a security parameters request.
type SecStatus uint8

// SecPairingNotSupported rejects pairing.
const SecPairingNotSupported SecStatus = 0x85

// DisconnectReason is an HCI disconnect reason code.
type DisconnectReason uint8

// RemoteUserTerminated is the reason used when the tag drops a peer.
const RemoteUserTerminated DisconnectReason = 0x13

// UUID128 is a 128-bit vendor UUID base, most significant byte first.
type UUID128 [16]byte

// UUIDType identifies a registered vendor UUID base.
type UUIDType uint8

// UUID is a 16-bit UUID relative to a registered base.
type UUID struct {
	Type  UUIDType
	Value uint16
}

// CharProps are GATT characteristic properties.
type CharProps uint8

const (
	PropRead CharProps = 1 << iota
	PropWrite
	PropWriteNoResponse
)

// CharParams describe a characteristic to add to a service.
type CharParams struct {
	UUID      UUID
	Props     CharProps
	InitValue []byte
	MaxLen    int
}

// CharHandles are the handles assigned to an added characteristic.
type CharHandles struct {
	Value AttrHandle
}

// Advertiser is the advertising and GAP-configuration part of a stack.
type Advertiser interface {
	// SetAddress sets the random static device address.
	SetAddress(addr beacon.Address) error
	// ConfigureAdvertising sets parameters, advertising data and scan
	// response data. scanRsp may be nil.
	ConfigureAdvertising(params AdvParams, data, scanRsp []byte) error
	// StartAdvertising starts the configured advertising set.
	StartAdvertising() error
	// StopAdvertising stops advertising. Returns ErrInvalidState when not
	// advertising.
	StopAdvertising() error
	// SetTxPower sets the advertising transmit power in dBm.
	SetTxPower(dBm int8) error
}

// GAP covers device-level connection management.
type GAP interface {
	SetDeviceName(name string) error
	SetPreferredConnParams(p ConnParams) error
	Disconnect(conn Handle, reason DisconnectReason) error
	ReplySecParams(conn Handle, status SecStatus) error
	StartScan(p ScanParams) error
}

// GATTServer is the attribute-table part of a stack.
type GATTServer interface {
	AddVendorUUID(base UUID128) (UUIDType, error)
	AddService(uuid UUID) (AttrHandle, error)
	AddCharacteristic(service AttrHandle, p CharParams) (CharHandles, error)
	// SetValue updates the stored value of an attribute. conn may be NoConn.
	SetValue(conn Handle, attr AttrHandle, value []byte) error
	// SetSystemAttributes answers a missing system attributes request;
	// nil data means none are stored.
	SetSystemAttributes(conn Handle, data []byte) error
}

// Stack is everything the tag needs from a radio stack.
type Stack interface {
	Advertiser
	GAP
	GATTServer
	// Events delivers inbound stack events. The channel is owned by the stack.
	Events() <-chan Event
}
