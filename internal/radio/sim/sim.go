// Package sim is an in-memory radio stack. It behaves like a single-role
// SoftDevice: one advertising set, strict state checks and a bounded transmit
// power range. It records every request so callers can assert ordering, and
// lets callers inject peer activity as stack events.
package sim

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/heystack-tag/internal/beacon"
	"github.com/chaz8081/heystack-tag/internal/radio"
)

// ErrInvalidParam is returned for out-of-range requests such as an
// unsupported transmit power.
var ErrInvalidParam = errors.New("sim: invalid parameter")

// DefaultMaxTxPower matches a +4 dBm radio.
const DefaultMaxTxPower int8 = 4

// Call is one recorded stack request and its outcome.
type Call struct {
	Op  string
	Arg string
	Err error
}

type characteristic struct {
	uuid  radio.UUID
	props radio.CharProps
	value []byte
}

// Stack is a simulated radio stack. Safe for concurrent use.
type Stack struct {
	mu sync.Mutex

	calls    []Call
	failures map[string][]error

	maxTxPower int8
	txPower    int8

	address     beacon.Address
	deviceName  string
	connParams  radio.ConnParams
	advParams   radio.AdvParams
	advData     []byte
	scanRsp     []byte
	configured  bool
	advertising bool
	scanning    bool

	vendorUUIDs []radio.UUID128
	services    map[radio.AttrHandle]radio.UUID
	chars       map[radio.AttrHandle]*characteristic
	nextHandle  radio.AttrHandle

	conns map[radio.Handle]bool

	events chan radio.Event
}

// New returns a simulated stack with an event buffer of the given size.
func New(buffer int) *Stack {
	if buffer <= 0 {
		buffer = 64
	}
	return &Stack{
		failures:   make(map[string][]error),
		maxTxPower: DefaultMaxTxPower,
		services:   make(map[radio.AttrHandle]radio.UUID),
		chars:      make(map[radio.AttrHandle]*characteristic),
		nextHandle: 1,
		conns:      make(map[radio.Handle]bool),
		events:     make(chan radio.Event, buffer),
	}
}

// Compile-time check that Stack implements radio.Stack.
var _ radio.Stack = (*Stack)(nil)

// SetMaxTxPower changes the highest accepted transmit power.
func (s *Stack) SetMaxTxPower(dBm int8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxTxPower = dBm
}

// FailNext makes the next call to op return err. Calls queue up.
func (s *Stack) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// record must be called with mu held. It consumes an injected failure for
// op, if any, and otherwise returns the natural result.
func (s *Stack) record(op, arg string, natural func() error) error {
	var err error
	if q := s.failures[op]; len(q) > 0 {
		err = q[0]
		s.failures[op] = q[1:]
	} else {
		err = natural()
	}
	s.calls = append(s.calls, Call{Op: op, Arg: arg, Err: err})
	return err
}

func (s *Stack) SetAddress(addr beacon.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("SetAddress", addr.String(), func() error {
		if s.advertising {
			return radio.ErrInvalidState
		}
		s.address = addr
		return nil
	})
}

func (s *Stack) ConfigureAdvertising(params radio.AdvParams, data, scanRsp []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("ConfigureAdvertising", params.Type.String(), func() error {
		if s.advertising {
			return radio.ErrInvalidState
		}
		if len(data) > 31 || len(scanRsp) > 31 {
			return ErrInvalidParam
		}
		s.advParams = params
		s.advData = append([]byte(nil), data...)
		s.scanRsp = append([]byte(nil), scanRsp...)
		s.configured = true
		return nil
	})
}

func (s *Stack) StartAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("StartAdvertising", "", func() error {
		if !s.configured || s.advertising {
			return radio.ErrInvalidState
		}
		s.advertising = true
		return nil
	})
}

func (s *Stack) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("StopAdvertising", "", func() error {
		if !s.advertising {
			return radio.ErrInvalidState
		}
		s.advertising = false
		return nil
	})
}

func (s *Stack) SetTxPower(dBm int8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("SetTxPower", fmt.Sprint(dBm), func() error {
		if dBm > s.maxTxPower {
			return ErrInvalidParam
		}
		s.txPower = dBm
		return nil
	})
}

func (s *Stack) SetDeviceName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("SetDeviceName", name, func() error {
		s.deviceName = name
		return nil
	})
}

func (s *Stack) SetPreferredConnParams(p radio.ConnParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("SetPreferredConnParams", "", func() error {
		if p.MinInterval > p.MaxInterval {
			return ErrInvalidParam
		}
		s.connParams = p
		return nil
	})
}

// Disconnect drops conn and queues the matching disconnected event, as a
// real stack reports the link loss asynchronously.
func (s *Stack) Disconnect(conn radio.Handle, reason radio.DisconnectReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.record("Disconnect", fmt.Sprint(conn), func() error {
		if !s.conns[conn] {
			return radio.ErrInvalidState
		}
		delete(s.conns, conn)
		return nil
	})
	if err == nil {
		s.push(radio.Event{Kind: radio.EventDisconnected, Conn: conn, Reason: reason})
	}
	return err
}

func (s *Stack) ReplySecParams(conn radio.Handle, status radio.SecStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("ReplySecParams", fmt.Sprintf("%d/0x%02x", conn, uint8(status)), func() error {
		if !s.conns[conn] {
			return radio.ErrInvalidState
		}
		return nil
	})
}

func (s *Stack) StartScan(p radio.ScanParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("StartScan", "", func() error {
		if s.scanning {
			return radio.ErrInvalidState
		}
		s.scanning = true
		return nil
	})
}

func (s *Stack) AddVendorUUID(base radio.UUID128) (radio.UUIDType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var typ radio.UUIDType
	err := s.record("AddVendorUUID", fmt.Sprintf("%x", base[:]), func() error {
		s.vendorUUIDs = append(s.vendorUUIDs, base)
		// Type 1 is the Bluetooth SIG base.
		typ = radio.UUIDType(len(s.vendorUUIDs) + 1)
		return nil
	})
	return typ, err
}

func (s *Stack) AddService(uuid radio.UUID) (radio.AttrHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var h radio.AttrHandle
	err := s.record("AddService", fmt.Sprintf("0x%04X", uuid.Value), func() error {
		h = s.allocHandle()
		s.services[h] = uuid
		return nil
	})
	return h, err
}

func (s *Stack) AddCharacteristic(service radio.AttrHandle, p radio.CharParams) (radio.CharHandles, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hs radio.CharHandles
	err := s.record("AddCharacteristic", fmt.Sprintf("0x%04X", p.UUID.Value), func() error {
		if _, ok := s.services[service]; !ok {
			return ErrInvalidParam
		}
		s.allocHandle() // declaration
		hs.Value = s.allocHandle()
		s.chars[hs.Value] = &characteristic{
			uuid:  p.UUID,
			props: p.Props,
			value: append([]byte(nil), p.InitValue...),
		}
		return nil
	})
	return hs, err
}

func (s *Stack) SetValue(conn radio.Handle, attr radio.AttrHandle, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("SetValue", fmt.Sprint(attr), func() error {
		c, ok := s.chars[attr]
		if !ok {
			return ErrInvalidParam
		}
		c.value = append([]byte(nil), value...)
		return nil
	})
}

func (s *Stack) SetSystemAttributes(conn radio.Handle, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("SetSystemAttributes", fmt.Sprint(conn), func() error {
		if !s.conns[conn] {
			return radio.ErrInvalidState
		}
		return nil
	})
}

func (s *Stack) Events() <-chan radio.Event {
	return s.events
}

func (s *Stack) allocHandle() radio.AttrHandle {
	h := s.nextHandle
	s.nextHandle++
	return h
}

// push must be called with mu held. Events are dropped when the buffer is
// full, like a stack whose event queue overflowed.
func (s *Stack) push(ev radio.Event) {
	select {
	case s.events <- ev:
	default:
		slog.Warn("[SIM] event queue full, dropping event", "kind", ev.Kind.String())
	}
}

// Connect simulates a central connecting on conn.
func (s *Stack) Connect(conn radio.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = true
	s.advertising = false // connectable advertising ends on connection
	s.push(radio.Event{Kind: radio.EventConnected, Conn: conn})
}

// PeerDisconnect simulates the central dropping the link.
func (s *Stack) PeerDisconnect(conn radio.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	s.push(radio.Event{Kind: radio.EventDisconnected, Conn: conn, Reason: radio.RemoteUserTerminated})
}

// Write simulates a central writing data to attr over conn.
func (s *Stack) Write(conn radio.Handle, attr radio.AttrHandle, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.push(radio.Event{
		Kind:  radio.EventWrite,
		Conn:  conn,
		Write: radio.WriteParams{Handle: attr, Data: append([]byte(nil), data...)},
	})
}

// Inject queues an arbitrary event.
func (s *Stack) Inject(ev radio.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.push(ev)
}

// Calls returns a copy of the recorded requests.
func (s *Stack) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Ops returns the names of the recorded requests in order.
func (s *Stack) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]string, len(s.calls))
	for i, c := range s.calls {
		ops[i] = c.Op
	}
	return ops
}

// ResetCalls clears the request log.
func (s *Stack) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// Snapshot is the observable radio state.
type Snapshot struct {
	Address     beacon.Address
	DeviceName  string
	ConnParams  radio.ConnParams
	AdvParams   radio.AdvParams
	AdvData     []byte
	ScanRsp     []byte
	Advertising bool
	Scanning    bool
	TxPower     int8
	Conns       int
}

// State returns the current radio state.
func (s *Stack) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Address:     s.address,
		DeviceName:  s.deviceName,
		ConnParams:  s.connParams,
		AdvParams:   s.advParams,
		AdvData:     append([]byte(nil), s.advData...),
		ScanRsp:     append([]byte(nil), s.scanRsp...),
		Advertising: s.advertising,
		Scanning:    s.scanning,
		TxPower:     s.txPower,
		Conns:       len(s.conns),
	}
}

// Value returns the stored value of a characteristic.
func (s *Stack) Value(attr radio.AttrHandle) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chars[attr]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), c.value...), true
}

// FindCharacteristic returns the value handle of the characteristic with
// the given 16-bit UUID value.
func (s *Stack) FindCharacteristic(uuid uint16) (radio.AttrHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, c := range s.chars {
		if c.uuid.Value == uuid {
			return h, true
		}
	}
	return 0, false
}

// Props returns the properties of a characteristic.
func (s *Stack) Props(attr radio.AttrHandle) radio.CharProps {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chars[attr]; ok {
		return c.props
	}
	return 0
}
