//go:build linux

package tinyble

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/heystack-tag/internal/beacon"
	"github.com/chaz8081/heystack-tag/internal/radio"
)

type pendingChar struct {
	value  radio.AttrHandle
	config bluetooth.CharacteristicConfig
	handle *bluetooth.Characteristic
	init   []byte
}

type pendingService struct {
	uuid  bluetooth.UUID
	chars []*pendingChar
}

// Stack is a radio.Stack on a BlueZ controller. Safe for concurrent use.
type Stack struct {
	adapter *bluetooth.Adapter
	adv     *bluetooth.Advertisement

	mu          sync.Mutex
	deviceName  string
	configured  bool
	advertising bool
	scanning    bool

	bases      []radio.UUID128
	services   map[radio.AttrHandle]*pendingService
	order      []radio.AttrHandle
	chars      map[radio.AttrHandle]*pendingChar
	nextHandle radio.AttrHandle
	registered bool

	conns    map[string]radio.Handle
	devices  map[radio.Handle]bluetooth.Device
	current  radio.Handle
	nextConn radio.Handle

	events chan radio.Event
}

// Compile-time check that Stack implements radio.Stack.
var _ radio.Stack = (*Stack)(nil)

// Open enables the adapter (hci0 when id is empty) and returns it as a
// radio.Stack.
func Open(id string, buffer int) (radio.Stack, error) {
	return New(id, buffer)
}

// New enables the adapter and installs the connection handler.
func New(id string, buffer int) (*Stack, error) {
	if id == "" {
		id = "hci0"
	}
	if buffer <= 0 {
		buffer = 64
	}
	s := &Stack{
		adapter:    bluetooth.NewAdapter(id),
		services:   make(map[radio.AttrHandle]*pendingService),
		chars:      make(map[radio.AttrHandle]*pendingChar),
		nextHandle: 1,
		conns:      make(map[string]radio.Handle),
		devices:    make(map[radio.Handle]bluetooth.Device),
		current:    radio.NoConn,
		events:     make(chan radio.Event, buffer),
	}

	slog.Info("[RADIO] enabling adapter", "adapter", id)
	if err := s.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("tinyble: enable %s: %w", id, err)
	}
	s.adv = s.adapter.DefaultAdvertisement()
	s.adapter.SetConnectHandler(s.onConnect)
	return s, nil
}

func (s *Stack) onConnect(device bluetooth.Device, connected bool) {
	id := device.Address.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if connected {
		h := s.nextConn
		s.nextConn++
		if s.nextConn == radio.NoConn {
			s.nextConn = 0
		}
		s.conns[id] = h
		s.devices[h] = device
		s.current = h
		s.push(radio.Event{Kind: radio.EventConnected, Conn: h})
		return
	}

	h, ok := s.conns[id]
	if !ok {
		return
	}
	delete(s.conns, id)
	delete(s.devices, h)
	if s.current == h {
		s.current = radio.NoConn
	}
	s.push(radio.Event{Kind: radio.EventDisconnected, Conn: h, Reason: radio.RemoteUserTerminated})
}

// SetAddress is accepted but not applied: BlueZ owns the controller address.
func (s *Stack) SetAddress(addr beacon.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advertising {
		return radio.ErrInvalidState
	}
	slog.Warn("[RADIO] address override not supported by host stack", "addr", addr.String())
	return nil
}

func (s *Stack) ConfigureAdvertising(params radio.AdvParams, data, scanRsp []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advertising {
		return radio.ErrInvalidState
	}
	opts, err := advOptions(params, data, scanRsp, s.deviceName)
	if err != nil {
		return err
	}
	if err := s.adv.Configure(opts); err != nil {
		return fmt.Errorf("tinyble: configure advertisement: %w", err)
	}
	s.configured = true
	return nil
}

func (s *Stack) StartAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured || s.advertising {
		return radio.ErrInvalidState
	}
	if err := s.registerLocked(); err != nil {
		return err
	}
	if err := s.adv.Start(); err != nil {
		return fmt.Errorf("tinyble: start advertisement: %w", err)
	}
	s.advertising = true
	return nil
}

func (s *Stack) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.advertising {
		return radio.ErrInvalidState
	}
	if err := s.adv.Stop(); err != nil {
		return fmt.Errorf("tinyble: stop advertisement: %w", err)
	}
	s.advertising = false
	return nil
}

// SetTxPower is accepted but not applied.
func (s *Stack) SetTxPower(dBm int8) error {
	slog.Debug("[RADIO] tx power left to host stack", "dbm", dBm)
	return nil
}

func (s *Stack) SetDeviceName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceName = name
	return nil
}

// SetPreferredConnParams is recorded only; BlueZ negotiates parameters.
func (s *Stack) SetPreferredConnParams(p radio.ConnParams) error {
	if p.MinInterval > p.MaxInterval {
		return fmt.Errorf("tinyble: min interval %v above max %v", p.MinInterval, p.MaxInterval)
	}
	slog.Debug("[RADIO] preferred connection parameters", "min", p.MinInterval, "max", p.MaxInterval,
		"latency", p.SlaveLatency, "timeout", p.SupervisionTimeout)
	return nil
}

func (s *Stack) Disconnect(conn radio.Handle, _ radio.DisconnectReason) error {
	s.mu.Lock()
	device, ok := s.devices[conn]
	s.mu.Unlock()
	if !ok {
		return radio.ErrInvalidState
	}
	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("tinyble: disconnect %d: %w", conn, err)
	}
	return nil
}

// ReplySecParams is a no-op: pairing requests are answered by BlueZ.
func (s *Stack) ReplySecParams(conn radio.Handle, _ radio.SecStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[conn]; !ok {
		return radio.ErrInvalidState
	}
	return nil
}

func (s *Stack) StartScan(p radio.ScanParams) error {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return radio.ErrInvalidState
	}
	s.scanning = true
	s.mu.Unlock()

	go func() {
		err := s.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
			var data []byte
			for _, md := range r.ManufacturerData() {
				data = append(data, byte(len(md.Data)+3), radio.ADTypeManufacturerData,
					byte(md.CompanyID), byte(md.CompanyID>>8))
				data = append(data, md.Data...)
			}
			s.mu.Lock()
			s.push(radio.Event{
				Kind: radio.EventAdvReport,
				Conn: radio.NoConn,
				Report: radio.AdvReport{
					Peer: beacon.Address(r.Address.MAC),
					RSSI: clampRSSI(r.RSSI),
					Data: data,
				},
			})
			s.mu.Unlock()
		})
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
		if err != nil {
			slog.Error("[RADIO] scan stopped", "error", err)
		}
	}()
	return nil
}

func (s *Stack) AddVendorUUID(base radio.UUID128) (radio.UUIDType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bases = append(s.bases, base)
	return radio.UUIDType(len(s.bases) + 1), nil
}

func (s *Stack) AddService(uuid radio.UUID) (radio.AttrHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registered {
		return 0, radio.ErrInvalidState
	}
	full, err := fullUUID(s.bases, uuid)
	if err != nil {
		return 0, err
	}
	h := s.allocHandle()
	s.services[h] = &pendingService{uuid: full}
	s.order = append(s.order, h)
	return h, nil
}

func (s *Stack) AddCharacteristic(service radio.AttrHandle, p radio.CharParams) (radio.CharHandles, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[service]
	if !ok || s.registered {
		return radio.CharHandles{}, radio.ErrInvalidState
	}
	full, err := fullUUID(s.bases, p.UUID)
	if err != nil {
		return radio.CharHandles{}, err
	}

	s.allocHandle() // declaration
	value := s.allocHandle()
	pc := &pendingChar{
		value:  value,
		handle: new(bluetooth.Characteristic),
		init:   append([]byte(nil), p.InitValue...),
	}
	pc.config = bluetooth.CharacteristicConfig{
		Handle: pc.handle,
		UUID:   full,
		Flags:  charFlags(p.Props),
	}
	if p.Props&(radio.PropWrite|radio.PropWriteNoResponse) != 0 {
		pc.config.WriteEvent = func(_ bluetooth.Connection, offset int, data []byte) {
			s.onWrite(value, offset, data)
		}
	}
	svc.chars = append(svc.chars, pc)
	s.chars[value] = pc
	return radio.CharHandles{Value: value}, nil
}

func (s *Stack) onWrite(attr radio.AttrHandle, offset int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.push(radio.Event{
		Kind: radio.EventWrite,
		Conn: s.current,
		Write: radio.WriteParams{
			Handle: attr,
			Offset: offset,
			Data:   append([]byte(nil), data...),
		},
	})
}

func (s *Stack) SetValue(_ radio.Handle, attr radio.AttrHandle, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.chars[attr]
	if !ok {
		return fmt.Errorf("tinyble: unknown attribute %d", attr)
	}
	if !s.registered {
		pc.init = append([]byte(nil), value...)
		return nil
	}
	if _, err := pc.handle.Write(value); err != nil {
		return fmt.Errorf("tinyble: set value %d: %w", attr, err)
	}
	return nil
}

func (s *Stack) SetSystemAttributes(conn radio.Handle, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[conn]; !ok {
		return radio.ErrInvalidState
	}
	return nil
}

func (s *Stack) Events() <-chan radio.Event {
	return s.events
}

// Close stops advertising and scanning.
func (s *Stack) Close() error {
	s.mu.Lock()
	advertising, scanning := s.advertising, s.scanning
	s.advertising = false
	s.mu.Unlock()

	var firstErr error
	if advertising {
		if err := s.adv.Stop(); err != nil {
			firstErr = err
		}
	}
	if scanning {
		if err := s.adapter.StopScan(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// registerLocked commits the buffered attribute table on first use. The
// library only accepts whole services.
func (s *Stack) registerLocked() error {
	if s.registered {
		return nil
	}
	for _, h := range s.order {
		svc := s.services[h]
		bs := &bluetooth.Service{UUID: svc.uuid}
		for _, pc := range svc.chars {
			cfg := pc.config
			cfg.Value = pc.init
			bs.Characteristics = append(bs.Characteristics, cfg)
		}
		if err := s.adapter.AddService(bs); err != nil {
			return fmt.Errorf("tinyble: add service %s: %w", svc.uuid.String(), err)
		}
	}
	s.registered = true
	slog.Info("[RADIO] attribute table registered", "services", len(s.order))
	return nil
}

func (s *Stack) allocHandle() radio.AttrHandle {
	h := s.nextHandle
	s.nextHandle++
	return h
}

// push must be called with mu held.
func (s *Stack) push(ev radio.Event) {
	select {
	case s.events <- ev:
	default:
		slog.Warn("[RADIO] event queue full, dropping event", "kind", ev.Kind.String())
	}
}

func clampRSSI(v int16) int8 {
	if v < math.MinInt8 {
		return math.MinInt8
	}
	if v > math.MaxInt8 {
		return math.MaxInt8
	}
	return int8(v)
}
