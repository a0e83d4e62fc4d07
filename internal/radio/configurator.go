package radio

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/chaz8081/heystack-tag/internal/beacon"
)

// DefaultTxPowers are tried highest first until the stack accepts one.
var DefaultTxPowers = []int8{8, 7, 6, 5, 4}

// AdvConfig is one complete advertising configuration.
type AdvConfig struct {
	// Address is pushed before the data when set; nil keeps the current one.
	Address      *beacon.Address
	Params       AdvParams
	Data         []byte
	ScanResponse []byte
}

// Configurator applies advertising configurations in the order radios
// require: stop, address, data, start, transmit power. Not safe for
// concurrent use.
type Configurator struct {
	adv        Advertiser
	candidates []int8

	configured bool
	txPower    int8
	txPowerSet bool
}

// NewConfigurator returns a Configurator driving adv. An empty candidate
// list falls back to DefaultTxPowers.
func NewConfigurator(adv Advertiser, txPowers []int8) *Configurator {
	if len(txPowers) == 0 {
		txPowers = DefaultTxPowers
	}
	cp := make([]int8, len(txPowers))
	copy(cp, txPowers)
	return &Configurator{adv: adv, candidates: cp}
}

// Stop stops advertising if a set has been configured. A stack reporting
// that advertising is already stopped is not an error.
func (c *Configurator) Stop() error {
	if !c.configured {
		return nil
	}
	if err := c.adv.StopAdvertising(); err != nil {
		if errors.Is(err, ErrInvalidState) {
			slog.Debug("[RADIO] advertising already stopped")
			return nil
		}
		return fmt.Errorf("radio: stop advertising: %w", err)
	}
	slog.Debug("[RADIO] advertising stopped")
	return nil
}

// Configure stops any running advertising, then pushes the address and the
// advertising data without starting.
func (c *Configurator) Configure(cfg AdvConfig) error {
	if err := c.Stop(); err != nil {
		return err
	}
	if cfg.Address != nil {
		if err := c.adv.SetAddress(*cfg.Address); err != nil {
			return fmt.Errorf("radio: set address %s: %w", cfg.Address, err)
		}
		slog.Info("[RADIO] address set", "addr", cfg.Address.String())
	}
	if err := c.adv.ConfigureAdvertising(cfg.Params, cfg.Data, cfg.ScanResponse); err != nil {
		return fmt.Errorf("radio: configure advertising: %w", err)
	}
	c.configured = true
	return nil
}

// Start starts the configured advertising set and applies transmit power.
func (c *Configurator) Start() error {
	if err := c.adv.StartAdvertising(); err != nil {
		return fmt.Errorf("radio: start advertising: %w", err)
	}
	return c.applyTxPower()
}

// Apply runs Configure then Start.
func (c *Configurator) Apply(cfg AdvConfig) error {
	if err := c.Configure(cfg); err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}
	slog.Info("[RADIO] advertising started", "type", cfg.Params.Type.String(), "interval", cfg.Params.Interval)
	return nil
}

// TxPower returns the negotiated transmit power, if any.
func (c *Configurator) TxPower() (int8, bool) {
	return c.txPower, c.txPowerSet
}

// applyTxPower negotiates once, then reapplies the cached level.
func (c *Configurator) applyTxPower() error {
	if c.txPowerSet {
		if err := c.adv.SetTxPower(c.txPower); err != nil {
			return fmt.Errorf("radio: set tx power %d dBm: %w", c.txPower, err)
		}
		return nil
	}

	var lastErr error
	for _, p := range c.candidates {
		if err := c.adv.SetTxPower(p); err != nil {
			slog.Info("[RADIO] tx power rejected", "dbm", p, "error", err)
			lastErr = err
			continue
		}
		c.txPower = p
		c.txPowerSet = true
		slog.Info("[RADIO] tx power set", "dbm", p)
		return nil
	}
	return fmt.Errorf("%w: last error: %v", ErrTxPowerExhausted, lastErr)
}
