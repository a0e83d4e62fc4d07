// Package provisioning implements the tag-side provisioning GATT service: a
// write-only Key-Write characteristic that accepts a new advertisement key
// and a read-only Key-Count characteristic.
package provisioning

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/chaz8081/heystack-tag/internal/ble/protocol"
	"github.com/chaz8081/heystack-tag/internal/radio"
)

// ErrNullArgument is returned when New is called without a GATT server or
// configuration.
var ErrNullArgument = errors.New("provisioning: null argument")

// KeyHandler receives every Key-Write of the correct length. It decides
// whether and when the key is applied.
type KeyHandler interface {
	HandleKey(key []byte) error
}

// KeyHandlerFunc adapts a function to KeyHandler.
type KeyHandlerFunc func(key []byte) error

func (f KeyHandlerFunc) HandleKey(key []byte) error { return f(key) }

// Config configures the service.
type Config struct {
	// KeyHandler may be nil, in which case valid writes are only logged.
	KeyHandler      KeyHandler
	InitialKeyCount uint16
}

// Service is the provisioning GATT service. Not safe for concurrent use.
type Service struct {
	gatt    radio.GATTServer
	handler KeyHandler

	uuidType      radio.UUIDType
	serviceHandle radio.AttrHandle
	keyWrite      radio.CharHandles
	keyCount      radio.CharHandles

	conn  radio.Handle
	count uint16
}

// New registers the vendor UUID base, the service and both characteristics.
// The first failing step is returned as is; already registered attributes
// are not removed, the stack must be restarted.
func New(gatt radio.GATTServer, cfg *Config) (*Service, error) {
	if gatt == nil || cfg == nil {
		return nil, ErrNullArgument
	}

	s := &Service{
		gatt:    gatt,
		handler: cfg.KeyHandler,
		conn:    radio.NoConn,
		count:   cfg.InitialKeyCount,
	}

	var err error
	s.uuidType, err = gatt.AddVendorUUID(radio.UUID128(protocol.UUIDBase))
	if err != nil {
		return nil, fmt.Errorf("provisioning: add vendor uuid: %w", err)
	}

	s.serviceHandle, err = gatt.AddService(radio.UUID{Type: s.uuidType, Value: protocol.ServiceID})
	if err != nil {
		return nil, fmt.Errorf("provisioning: add service: %w", err)
	}

	s.keyWrite, err = gatt.AddCharacteristic(s.serviceHandle, radio.CharParams{
		UUID:   radio.UUID{Type: s.uuidType, Value: protocol.KeyWriteID},
		Props:  radio.PropWrite | radio.PropWriteNoResponse,
		MaxLen: protocol.KeyLen,
	})
	if err != nil {
		return nil, fmt.Errorf("provisioning: add key write characteristic: %w", err)
	}

	s.keyCount, err = gatt.AddCharacteristic(s.serviceHandle, radio.CharParams{
		UUID:      radio.UUID{Type: s.uuidType, Value: protocol.KeyCountID},
		Props:     radio.PropRead,
		InitValue: protocol.EncodeKeyCount(cfg.InitialKeyCount),
		MaxLen:    protocol.KeyCountLen,
	})
	if err != nil {
		return nil, fmt.Errorf("provisioning: add key count characteristic: %w", err)
	}

	slog.Info("[PROV] service initialized", "key_count", s.count)
	return s, nil
}

// KeyWriteHandle returns the value handle of the Key-Write characteristic.
func (s *Service) KeyWriteHandle() radio.AttrHandle { return s.keyWrite.Value }

// KeyCountHandle returns the value handle of the Key-Count characteristic.
func (s *Service) KeyCountHandle() radio.AttrHandle { return s.keyCount.Value }

// KeyCount returns the last published key count.
func (s *Service) KeyCount() uint16 { return s.count }

// Conn returns the connection the service is tracking, or radio.NoConn.
func (s *Service) Conn() radio.Handle { return s.conn }

// Detach forgets the tracked connection. The controller calls it when it
// drops the peer itself, since the later disconnect event no longer reaches
// the service.
func (s *Service) Detach() {
	if s.conn != radio.NoConn {
		slog.Info("[PROV] detached", "conn", s.conn)
	}
	s.conn = radio.NoConn
}

// HandleEvent processes one stack event. Only errors returned by the key
// handler are propagated.
func (s *Service) HandleEvent(ev radio.Event) error {
	switch ev.Kind {
	case radio.EventConnected:
		s.conn = ev.Conn
		slog.Info("[PROV] connected", "conn", ev.Conn)
	case radio.EventDisconnected:
		s.conn = radio.NoConn
		slog.Info("[PROV] disconnected", "conn", ev.Conn)
	case radio.EventWrite:
		return s.onWrite(ev.Write)
	}
	return nil
}

func (s *Service) onWrite(w radio.WriteParams) error {
	if w.Handle != s.keyWrite.Value {
		return nil
	}
	// Wrong-length writes are dropped without telling the peer.
	if len(w.Data) != protocol.KeyLen {
		slog.Warn("[PROV] invalid key length", "len", len(w.Data), "expected", protocol.KeyLen)
		return nil
	}
	if s.handler == nil {
		slog.Info("[PROV] key received, no handler registered")
		return nil
	}
	key := make([]byte, len(w.Data))
	copy(key, w.Data)
	if err := s.handler.HandleKey(key); err != nil {
		return fmt.Errorf("provisioning: key handler: %w", err)
	}
	return nil
}

// SetKeyCount publishes a new key count, updating the value cached for the
// current connection.
func (s *Service) SetKeyCount(n uint16) error {
	s.count = n
	if err := s.gatt.SetValue(s.conn, s.keyCount.Value, protocol.EncodeKeyCount(n)); err != nil {
		return fmt.Errorf("provisioning: set key count: %w", err)
	}
	return nil
}
