// Package tag is the operating-mode state machine of the locator tag. It
// owns the broadcast identity, drives the radio through the Provisioning and
// Broadcasting modes and routes stack events to the provisioning service
// while provisioning is open.
package tag

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/heystack-tag/internal/beacon"
	"github.com/chaz8081/heystack-tag/internal/ble/protocol"
	"github.com/chaz8081/heystack-tag/internal/provisioning"
	"github.com/chaz8081/heystack-tag/internal/radio"
)

// ErrAlreadyBooted is returned by a second call to Boot.
var ErrAlreadyBooted = errors.New("tag: already booted")

// Mode is the operating mode.
type Mode int

const (
	// ModeProvisioning advertises connectably and accepts key writes.
	ModeProvisioning Mode = iota
	// ModeBroadcasting advertises the offline finding payload only.
	ModeBroadcasting
)

func (m Mode) String() string {
	if m == ModeBroadcasting {
		return "broadcasting"
	}
	return "provisioning"
}

// Options configures a Controller.
type Options struct {
	DeviceName           string
	ProvisioningInterval time.Duration
	BroadcastInterval    time.Duration
	ConnParams           radio.ConnParams
	TxPowers             []int8
	InitialKeyCount      uint16
	// KeyHandler receives accepted Key-Write payloads. It usually persists
	// the key and then calls SetKey.
	KeyHandler provisioning.KeyHandler
}

// DefaultOptions returns the parameters the tag ships with.
func DefaultOptions() Options {
	return Options{
		DeviceName:           protocol.DeviceName,
		ProvisioningInterval: 100 * time.Millisecond,
		BroadcastInterval:    1000 * time.Millisecond,
		ConnParams: radio.ConnParams{
			MinInterval:        100 * time.Millisecond,
			MaxInterval:        200 * time.Millisecond,
			SlaveLatency:       0,
			SupervisionTimeout: 4 * time.Second,
		},
		TxPowers: radio.DefaultTxPowers,
	}
}

// state is everything the controller mutates.
type state struct {
	booted  bool
	mode    Mode
	conn    radio.Handle
	hasKey  bool
	address beacon.Address
	payload beacon.Payload
	status  *beacon.Status
}

// Controller is the tag state machine. It is confined to one goroutine:
// callers must serialize Boot, SetKey, SwitchToBroadcasting, Dispatch and the
// status setters.
type Controller struct {
	stack radio.Stack
	radio *radio.Configurator
	prov  *provisioning.Service
	opts  Options

	st state
}

// New registers the provisioning service on stack and returns a controller
// in ModeProvisioning. Advertising starts with Boot.
func New(stack radio.Stack, opts Options) (*Controller, error) {
	if stack == nil {
		return nil, provisioning.ErrNullArgument
	}
	if opts.DeviceName == "" {
		opts.DeviceName = protocol.DeviceName
	}

	prov, err := provisioning.New(stack, &provisioning.Config{
		KeyHandler:      opts.KeyHandler,
		InitialKeyCount: opts.InitialKeyCount,
	})
	if err != nil {
		return nil, err
	}

	c := &Controller{
		stack: stack,
		radio: radio.NewConfigurator(stack, opts.TxPowers),
		prov:  prov,
		opts:  opts,
		st: state{
			mode:    ModeProvisioning,
			conn:    radio.NoConn,
			payload: beacon.NewPayload(),
		},
	}
	c.st.status = beacon.NewStatus(&c.st.payload)
	return c, nil
}

// Boot performs the power-on transition into ModeProvisioning: device name,
// preferred connection parameters, connectable advertising.
func (c *Controller) Boot() error {
	if c.st.booted {
		return ErrAlreadyBooted
	}
	c.st.booted = true
	c.st.mode = ModeProvisioning

	if err := c.stack.SetDeviceName(c.opts.DeviceName); err != nil {
		return fmt.Errorf("tag: set device name: %w", err)
	}
	if err := c.stack.SetPreferredConnParams(c.opts.ConnParams); err != nil {
		return fmt.Errorf("tag: set connection parameters: %w", err)
	}
	if err := c.radio.Apply(c.advConfig()); err != nil {
		return fmt.Errorf("tag: start provisioning advertising: %w", err)
	}
	slog.Info("[TAG] provisioning advertising started", "name", c.opts.DeviceName)
	return nil
}

// SetKey derives the identity for key and pushes it to the radio. The mode
// does not change: while provisioning the advertising stays connectable.
func (c *Controller) SetKey(key beacon.Key) error {
	c.st.address = beacon.Derive(key, &c.st.payload)
	c.st.hasKey = true
	slog.Info("[TAG] key applied", "addr", c.st.address.String(), "mode", c.st.mode.String())

	if err := c.radio.Apply(c.advConfig()); err != nil {
		return fmt.Errorf("tag: apply key: %w", err)
	}
	return nil
}

// SwitchToBroadcasting drops any provisioning peer and moves to
// non-connectable advertising. It is safe to call repeatedly; there is no
// way back to ModeProvisioning short of a restart.
func (c *Controller) SwitchToBroadcasting() error {
	if c.st.conn != radio.NoConn {
		err := c.stack.Disconnect(c.st.conn, radio.RemoteUserTerminated)
		if err != nil && !errors.Is(err, radio.ErrInvalidState) {
			return fmt.Errorf("tag: disconnect %d: %w", c.st.conn, err)
		}
		slog.Info("[TAG] provisioning peer disconnected", "conn", c.st.conn)
		c.st.conn = radio.NoConn
	}
	c.prov.Detach()

	if err := c.radio.Stop(); err != nil {
		return fmt.Errorf("tag: stop provisioning advertising: %w", err)
	}
	c.st.mode = ModeBroadcasting

	if !c.st.hasKey {
		// Nothing to broadcast yet; the first SetKey starts advertising.
		if err := c.radio.Configure(c.advConfig()); err != nil {
			return fmt.Errorf("tag: configure broadcasting: %w", err)
		}
		slog.Warn("[TAG] switched to broadcasting without a key, advertising is off")
		return nil
	}
	if err := c.radio.Apply(c.advConfig()); err != nil {
		return fmt.Errorf("tag: start broadcasting: %w", err)
	}
	slog.Info("[TAG] switched to broadcasting", "addr", c.st.address.String())
	return nil
}

// Dispatch handles one stack event. Generic connection bookkeeping happens
// first; the event then reaches the provisioning service only while in
// ModeProvisioning.
func (c *Controller) Dispatch(ev radio.Event) error {
	slog.Debug("[TAG] event", "kind", ev.Kind.String(), "conn", ev.Conn, "mode", c.st.mode.String())

	switch ev.Kind {
	case radio.EventConnected:
		c.st.conn = ev.Conn
		slog.Info("[TAG] connected", "conn", ev.Conn)

	case radio.EventDisconnected:
		c.st.conn = radio.NoConn
		slog.Info("[TAG] disconnected", "conn", ev.Conn, "reason", fmt.Sprintf("0x%02x", uint8(ev.Reason)))

	case radio.EventSecParamsRequest:
		slog.Info("[TAG] rejecting pairing request", "conn", ev.Conn)
		if err := c.stack.ReplySecParams(ev.Conn, radio.SecPairingNotSupported); err != nil {
			slog.Warn("[TAG] pairing reply failed", "conn", ev.Conn, "error", err)
		}

	case radio.EventSysAttrMissing:
		if err := c.stack.SetSystemAttributes(ev.Conn, nil); err != nil {
			slog.Warn("[TAG] system attributes reply failed", "conn", ev.Conn, "error", err)
		}

	case radio.EventAdvReport:
		slog.Debug("[TAG] adv report", "peer", ev.Report.Peer.String(), "rssi", ev.Report.RSSI, "len", len(ev.Report.Data))
	}

	if c.st.mode != ModeProvisioning {
		return nil
	}
	return c.prov.HandleEvent(ev)
}

// SetBattery updates the battery tier and republishes the payload.
func (c *Controller) SetBattery(level uint8) error {
	c.st.status.SetBattery(level)
	return c.refresh()
}

// SetStatusBits updates the low six status bits and republishes the payload.
func (c *Controller) SetStatusBits(bits uint8) error {
	c.st.status.SetBits(bits)
	return c.refresh()
}

// SetRawStatus overwrites the status byte and republishes the payload.
func (c *Controller) SetRawStatus(raw uint8) error {
	c.st.status.SetRaw(raw)
	return c.refresh()
}

// SetKeyCount publishes the number of provisioned keys.
func (c *Controller) SetKeyCount(n uint16) error {
	return c.prov.SetKeyCount(n)
}

// StartScan starts passive scanning; reports arrive through Dispatch.
func (c *Controller) StartScan(p radio.ScanParams) error {
	if err := c.stack.StartScan(p); err != nil {
		return fmt.Errorf("tag: start scan: %w", err)
	}
	slog.Info("[TAG] scanning started")
	return nil
}

// refresh pushes the current payload to the radio once it carries a key and
// the tag is running.
func (c *Controller) refresh() error {
	if !c.st.hasKey || !c.st.booted {
		return nil
	}
	if err := c.radio.Apply(c.advConfig()); err != nil {
		return fmt.Errorf("tag: refresh payload: %w", err)
	}
	return nil
}

// advConfig returns the advertising configuration for the current mode.
func (c *Controller) advConfig() radio.AdvConfig {
	if c.st.mode == ModeBroadcasting {
		cfg := radio.AdvConfig{
			Params: radio.AdvParams{Type: radio.AdvNonConnectable, Interval: c.opts.BroadcastInterval},
			Data:   c.payloadBytes(),
		}
		if c.st.hasKey {
			addr := c.st.address
			cfg.Address = &addr
		}
		return cfg
	}

	params := radio.AdvParams{Type: radio.AdvConnectable, Interval: c.opts.ProvisioningInterval}
	if !c.st.hasKey {
		return radio.AdvConfig{Params: params, Data: radio.DiscoverableData(c.opts.DeviceName)}
	}
	// The payload fills the advertising packet; the name moves to the scan
	// response so provisioning clients still find the tag.
	addr := c.st.address
	return radio.AdvConfig{
		Address:      &addr,
		Params:       params,
		Data:         c.payloadBytes(),
		ScanResponse: radio.NameData(c.opts.DeviceName, 0),
	}
}

func (c *Controller) payloadBytes() []byte {
	out := make([]byte, beacon.PayloadLen)
	copy(out, c.st.payload[:])
	return out
}

// Mode returns the current operating mode.
func (c *Controller) Mode() Mode { return c.st.mode }

// Conn returns the active connection handle or radio.NoConn.
func (c *Controller) Conn() radio.Handle { return c.st.conn }

// Address returns the derived device address, if a key has been applied.
func (c *Controller) Address() (beacon.Address, bool) { return c.st.address, c.st.hasKey }

// Payload returns a copy of the advertisement payload.
func (c *Controller) Payload() beacon.Payload { return c.st.payload }

// Provisioning returns the provisioning service.
func (c *Controller) Provisioning() *provisioning.Service { return c.prov }

// Snapshot is a point-in-time view of the tag for diagnostics.
type Snapshot struct {
	Mode       string `json:"mode"`
	Address    string `json:"address,omitempty"`
	Connected  bool   `json:"connected"`
	StatusByte uint8  `json:"status"`
	Battery    string `json:"battery"`
	KeyCount   uint16 `json:"key_count"`
	TxPower    *int8  `json:"tx_power_dbm,omitempty"`
}

// Snapshot returns the current diagnostics view.
func (c *Controller) Snapshot() Snapshot {
	s := Snapshot{
		Mode:       c.st.mode.String(),
		Connected:  c.st.conn != radio.NoConn,
		StatusByte: c.st.status.Byte(),
		Battery:    c.st.status.Tier().String(),
		KeyCount:   c.prov.KeyCount(),
	}
	if c.st.hasKey {
		s.Address = c.st.address.String()
	}
	if p, ok := c.radio.TxPower(); ok {
		s.TxPower = &p
	}
	return s
}
