package radio

import (
	"fmt"

	"github.com/chaz8081/heystack-tag/internal/beacon"
)

// EventKind tags an inbound stack event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventSecParamsRequest
	EventSysAttrMissing
	EventWrite
	EventAdvReport
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventSecParamsRequest:
		return "sec-params-request"
	case EventSysAttrMissing:
		return "sys-attr-missing"
	case EventWrite:
		return "write"
	case EventAdvReport:
		return "adv-report"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// WriteParams carry a GATT write.
type WriteParams struct {
	Handle AttrHandle
	Offset int
	Data   []byte
}

// AdvReport is a single scan result.
type AdvReport struct {
	Peer beacon.Address
	RSSI int8
	Data []byte
}

// Event is one inbound stack event. Only the field matching Kind is set.
type Event struct {
	Kind   EventKind
	Conn   Handle
	Reason DisconnectReason
	Write  WriteParams
	Report AdvReport
}
