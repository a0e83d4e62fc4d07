package provisioning_test

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/chaz8081/heystack-tag/internal/ble/protocol"
	"github.com/chaz8081/heystack-tag/internal/provisioning"
	"github.com/chaz8081/heystack-tag/internal/radio"
	"github.com/chaz8081/heystack-tag/internal/radio/sim"
)

// recordingHandler records every key it is handed.
type recordingHandler struct {
	keys [][]byte
	err  error
}

func (h *recordingHandler) HandleKey(key []byte) error {
	h.keys = append(h.keys, key)
	return h.err
}

func newService(t *testing.T, handler provisioning.KeyHandler) (*provisioning.Service, *sim.Stack) {
	t.Helper()
	stack := sim.New(8)
	svc, err := provisioning.New(stack, &provisioning.Config{KeyHandler: handler, InitialKeyCount: 3})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc, stack
}

func writeEvent(attr radio.AttrHandle, data []byte) radio.Event {
	return radio.Event{Kind: radio.EventWrite, Conn: 1, Write: radio.WriteParams{Handle: attr, Data: data}}
}

func TestNewNullArguments(t *testing.T) {
	if _, err := provisioning.New(nil, &provisioning.Config{}); !errors.Is(err, provisioning.ErrNullArgument) {
		t.Errorf("New(nil, cfg) error = %v, want ErrNullArgument", err)
	}
	if _, err := provisioning.New(sim.New(1), nil); !errors.Is(err, provisioning.ErrNullArgument) {
		t.Errorf("New(stack, nil) error = %v, want ErrNullArgument", err)
	}
}

func TestNewRegistersAttributes(t *testing.T) {
	svc, stack := newService(t, nil)

	want := []string{"AddVendorUUID", "AddService", "AddCharacteristic", "AddCharacteristic"}
	if got := stack.Ops(); !reflect.DeepEqual(got, want) {
		t.Errorf("ops = %v, want %v", got, want)
	}

	writeHandle, ok := stack.FindCharacteristic(protocol.KeyWriteID)
	if !ok || writeHandle != svc.KeyWriteHandle() {
		t.Errorf("Key-Write handle = %d (found %v), want %d", writeHandle, ok, svc.KeyWriteHandle())
	}
	if props := stack.Props(writeHandle); props != radio.PropWrite|radio.PropWriteNoResponse {
		t.Errorf("Key-Write props = %b, want write|write-no-response", props)
	}

	countHandle, ok := stack.FindCharacteristic(protocol.KeyCountID)
	if !ok || countHandle != svc.KeyCountHandle() {
		t.Errorf("Key-Count handle = %d (found %v), want %d", countHandle, ok, svc.KeyCountHandle())
	}
	if props := stack.Props(countHandle); props != radio.PropRead {
		t.Errorf("Key-Count props = %b, want read", props)
	}
	if v, _ := stack.Value(countHandle); !bytes.Equal(v, []byte{3, 0}) {
		t.Errorf("Key-Count initial value = %x, want 0300", v)
	}
}

func TestNewStopsAtFirstFailure(t *testing.T) {
	for _, op := range []string{"AddVendorUUID", "AddService", "AddCharacteristic"} {
		t.Run(op, func(t *testing.T) {
			stack := sim.New(1)
			boom := errors.New("no memory")
			stack.FailNext(op, boom)
			_, err := provisioning.New(stack, &provisioning.Config{})
			if !errors.Is(err, boom) {
				t.Fatalf("New() error = %v, want %v", err, boom)
			}
			ops := stack.Ops()
			if ops[len(ops)-1] != op {
				t.Errorf("last op = %q, want %q (no steps after the failure)", ops[len(ops)-1], op)
			}
		})
	}
}

func TestKeyWriteWrongLengthDropped(t *testing.T) {
	h := &recordingHandler{}
	svc, _ := newService(t, h)

	for _, n := range []int{0, 27, 29, 64} {
		if err := svc.HandleEvent(writeEvent(svc.KeyWriteHandle(), make([]byte, n))); err != nil {
			t.Fatalf("HandleEvent(%d bytes) error = %v", n, err)
		}
	}
	if len(h.keys) != 0 {
		t.Errorf("handler called %d times, want 0", len(h.keys))
	}
}

func TestKeyWriteExactLengthInvokesHandlerOnce(t *testing.T) {
	h := &recordingHandler{}
	svc, _ := newService(t, h)

	data := bytes.Repeat([]byte{0x5A}, protocol.KeyLen)
	data[0] = 0x01
	if err := svc.HandleEvent(writeEvent(svc.KeyWriteHandle(), data)); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if len(h.keys) != 1 {
		t.Fatalf("handler called %d times, want 1", len(h.keys))
	}
	if !bytes.Equal(h.keys[0], data) {
		t.Errorf("handler got %x, want %x", h.keys[0], data)
	}

	// The handler owns its copy.
	data[0] = 0xFF
	if h.keys[0][0] != 0x01 {
		t.Error("handler key aliases the event buffer")
	}
}

func TestWriteToOtherAttributeIgnored(t *testing.T) {
	h := &recordingHandler{}
	svc, _ := newService(t, h)
	if err := svc.HandleEvent(writeEvent(svc.KeyCountHandle(), make([]byte, protocol.KeyLen))); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if len(h.keys) != 0 {
		t.Errorf("handler called %d times, want 0", len(h.keys))
	}
}

func TestHandlerErrorPropagates(t *testing.T) {
	boom := errors.New("store full")
	svc, _ := newService(t, &recordingHandler{err: boom})
	err := svc.HandleEvent(writeEvent(svc.KeyWriteHandle(), make([]byte, protocol.KeyLen)))
	if !errors.Is(err, boom) {
		t.Errorf("HandleEvent() error = %v, want %v", err, boom)
	}
}

func TestNilHandlerAcceptsWrite(t *testing.T) {
	svc, _ := newService(t, nil)
	if err := svc.HandleEvent(writeEvent(svc.KeyWriteHandle(), make([]byte, protocol.KeyLen))); err != nil {
		t.Errorf("HandleEvent() error = %v", err)
	}
}

func TestKeyHandlerFunc(t *testing.T) {
	called := 0
	svc, _ := newService(t, provisioning.KeyHandlerFunc(func(key []byte) error {
		called++
		return nil
	}))
	_ = svc.HandleEvent(writeEvent(svc.KeyWriteHandle(), make([]byte, protocol.KeyLen)))
	if called != 1 {
		t.Errorf("KeyHandlerFunc called %d times, want 1", called)
	}
}

func TestConnectionTracking(t *testing.T) {
	svc, _ := newService(t, nil)
	if svc.Conn() != radio.NoConn {
		t.Fatalf("Conn() = %d, want NoConn", svc.Conn())
	}
	_ = svc.HandleEvent(radio.Event{Kind: radio.EventConnected, Conn: 7})
	if svc.Conn() != 7 {
		t.Errorf("Conn() = %d, want 7", svc.Conn())
	}
	_ = svc.HandleEvent(radio.Event{Kind: radio.EventDisconnected, Conn: 7})
	if svc.Conn() != radio.NoConn {
		t.Errorf("Conn() after disconnect = %d, want NoConn", svc.Conn())
	}
}

func TestDetachForgetsConnection(t *testing.T) {
	svc, _ := newService(t, nil)
	_ = svc.HandleEvent(radio.Event{Kind: radio.EventConnected, Conn: 4})
	svc.Detach()
	if svc.Conn() != radio.NoConn {
		t.Errorf("Conn() after Detach = %d, want NoConn", svc.Conn())
	}
	// Detaching twice is harmless.
	svc.Detach()
}

func TestSetKeyCountPushesValue(t *testing.T) {
	svc, stack := newService(t, nil)
	_ = svc.HandleEvent(radio.Event{Kind: radio.EventConnected, Conn: 4})

	stack.ResetCalls()
	if err := svc.SetKeyCount(300); err != nil {
		t.Fatalf("SetKeyCount() error = %v", err)
	}
	if svc.KeyCount() != 300 {
		t.Errorf("KeyCount() = %d, want 300", svc.KeyCount())
	}
	v, _ := stack.Value(svc.KeyCountHandle())
	if !bytes.Equal(v, []byte{0x2C, 0x01}) {
		t.Errorf("Key-Count value = %x, want 2c01", v)
	}
	if ops := stack.Ops(); !reflect.DeepEqual(ops, []string{"SetValue"}) {
		t.Errorf("ops = %v, want [SetValue]", ops)
	}
}

func TestSetKeyCountError(t *testing.T) {
	svc, stack := newService(t, nil)
	stack.FailNext("SetValue", sim.ErrInvalidParam)
	if err := svc.SetKeyCount(1); !errors.Is(err, sim.ErrInvalidParam) {
		t.Errorf("SetKeyCount() error = %v, want ErrInvalidParam", err)
	}
}
