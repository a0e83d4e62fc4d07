// Package app runs a tag: it owns the controller goroutine, closes the
// provisioning window, persists provisioned keys and reports battery and
// status changes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/chaz8081/heystack-tag/internal/beacon"
	"github.com/chaz8081/heystack-tag/internal/keystore"
	"github.com/chaz8081/heystack-tag/internal/radio"
	"github.com/chaz8081/heystack-tag/internal/tag"
	"github.com/chaz8081/heystack-tag/internal/telemetry"
)

// ErrEventsClosed is returned by Run when the stack closes its event channel.
var ErrEventsClosed = errors.New("app: stack event channel closed")

// KeyStore persists provisioned keys.
type KeyStore interface {
	Add(key beacon.Key) (bool, error)
	Latest() (keystore.Record, bool, error)
	Count() (int, error)
}

// BatterySource reports the current battery level, 0-100.
type BatterySource interface {
	Level() (uint8, error)
}

// Config configures an App.
type Config struct {
	Tag tag.Options
	// ProvisioningWindow is how long provisioning stays open after boot.
	// Zero switches to broadcasting right after boot.
	ProvisioningWindow time.Duration
	// FallbackKey is broadcast when the store holds no key.
	FallbackKey *beacon.Key

	BatteryLevel uint8
	StatusBits   uint8
	// Battery, when set, is polled every BatteryPoll.
	Battery     BatterySource
	BatteryPoll time.Duration

	// Scan starts passive scanning after boot.
	Scan bool
}

// App drives one tag.
type App struct {
	stack radio.Stack
	store KeyStore
	pub   telemetry.Publisher
	cfg   Config
	ctrl  *tag.Controller
}

// New builds the controller on stack. The key count published on the
// Key-Count characteristic starts at the number of stored keys.
func New(stack radio.Stack, store KeyStore, pub telemetry.Publisher, cfg Config) (*App, error) {
	if store == nil {
		return nil, errors.New("app: nil key store")
	}
	if pub == nil {
		pub = telemetry.Nop{}
	}

	n, err := store.Count()
	if err != nil {
		return nil, fmt.Errorf("app: count stored keys: %w", err)
	}

	a := &App{stack: stack, store: store, pub: pub, cfg: cfg}
	opts := cfg.Tag
	opts.KeyHandler = a
	if stored := clampCount(n); stored > opts.InitialKeyCount {
		opts.InitialKeyCount = stored
	}

	ctrl, err := tag.New(stack, opts)
	if err != nil {
		return nil, fmt.Errorf("app: create controller: %w", err)
	}
	a.ctrl = ctrl
	return a, nil
}

// Run boots the tag and serves stack events until ctx is done. All
// controller calls happen on the calling goroutine. A radio rejection while
// applying a key or a status change ends Run with an error; the tag is
// expected to be restarted by its supervisor.
func (a *App) Run(ctx context.Context) error {
	if err := a.boot(); err != nil {
		return err
	}

	window := time.NewTimer(a.cfg.ProvisioningWindow)
	defer window.Stop()

	var poll <-chan time.Time
	if a.cfg.Battery != nil && a.cfg.BatteryPoll > 0 {
		ticker := time.NewTicker(a.cfg.BatteryPoll)
		defer ticker.Stop()
		poll = ticker.C
	}

	events := a.stack.Events()
	for {
		select {
		case <-ctx.Done():
			slog.Info("[TAG] shutting down", "mode", a.ctrl.Mode().String())
			return nil

		case ev, ok := <-events:
			if !ok {
				return ErrEventsClosed
			}
			if err := a.ctrl.Dispatch(ev); err != nil {
				return fmt.Errorf("app: handle %s event: %w", ev.Kind, err)
			}
			if ev.Kind == radio.EventConnected || ev.Kind == radio.EventDisconnected {
				a.publish(ev.Kind.String())
			}

		case <-window.C:
			slog.Info("[TAG] provisioning window closed", "after", a.cfg.ProvisioningWindow)
			if err := a.ctrl.SwitchToBroadcasting(); err != nil {
				return fmt.Errorf("app: close provisioning window: %w", err)
			}
			a.publish("broadcasting")

		case <-poll:
			if err := a.pollBattery(); err != nil {
				return err
			}
		}
	}
}

func (a *App) boot() error {
	// Status first so the first advertised payload already carries it.
	if err := a.ctrl.SetBattery(a.cfg.BatteryLevel); err != nil {
		return fmt.Errorf("app: set battery: %w", err)
	}
	if err := a.ctrl.SetStatusBits(a.cfg.StatusBits); err != nil {
		return fmt.Errorf("app: set status bits: %w", err)
	}

	if err := a.ctrl.Boot(); err != nil {
		return fmt.Errorf("app: boot: %w", err)
	}

	rec, ok, err := a.store.Latest()
	if err != nil {
		return fmt.Errorf("app: load stored key: %w", err)
	}
	switch {
	case ok:
		slog.Info("[TAG] restoring stored key", "id", rec.ID, "added", rec.AddedAt)
		if err := a.ctrl.SetKey(rec.Key); err != nil {
			return fmt.Errorf("app: restore key: %w", err)
		}
	case a.cfg.FallbackKey != nil:
		slog.Info("[TAG] using configured key")
		if err := a.ctrl.SetKey(*a.cfg.FallbackKey); err != nil {
			return fmt.Errorf("app: apply configured key: %w", err)
		}
	default:
		slog.Warn("[TAG] no key stored, waiting for provisioning")
	}

	if a.cfg.Scan {
		if err := a.ctrl.StartScan(radio.ScanParams{Interval: 100 * time.Millisecond, Window: 50 * time.Millisecond}); err != nil {
			slog.Warn("[TAG] scanning unavailable", "error", err)
		}
	}

	a.publish("boot")
	return nil
}

// HandleKey stores a provisioned key, applies it and publishes the new
// key count. It runs on the Run goroutine through Dispatch.
func (a *App) HandleKey(raw []byte) error {
	key, err := beacon.ParseKey(raw)
	if err != nil {
		return err
	}

	added, err := a.store.Add(key)
	if err != nil {
		return fmt.Errorf("app: store key: %w", err)
	}
	if !added {
		slog.Info("[TAG] key already stored, re-applying")
	}

	if err := a.ctrl.SetKey(key); err != nil {
		return err
	}

	n, err := a.store.Count()
	if err != nil {
		return fmt.Errorf("app: count stored keys: %w", err)
	}
	if err := a.ctrl.SetKeyCount(clampCount(n)); err != nil {
		return err
	}

	a.publish("key")
	return nil
}

// pollBattery reads the battery source and republishes the payload. A failed
// read is only logged; a failed republish is returned.
func (a *App) pollBattery() error {
	level, err := a.cfg.Battery.Level()
	if err != nil {
		slog.Warn("[TAG] battery read failed", "error", err)
		return nil
	}
	before := a.ctrl.Snapshot().Battery
	if err := a.ctrl.SetBattery(level); err != nil {
		return fmt.Errorf("app: battery update to %d%%: %w", level, err)
	}
	if after := a.ctrl.Snapshot().Battery; after != before {
		slog.Info("[TAG] battery tier changed", "from", before, "to", after, "level", level)
		a.publish("battery")
	}
	return nil
}

func (a *App) publish(event string) {
	err := a.pub.Publish(telemetry.Status{Snapshot: a.ctrl.Snapshot(), Event: event})
	if err != nil {
		slog.Debug("[TAG] telemetry not sent", "event", event, "error", err)
	}
}

func clampCount(n int) uint16 {
	if n > math.MaxUint16 {
		return math.MaxUint16
	}
	if n < 0 {
		return 0
	}
	return uint16(n)
}
