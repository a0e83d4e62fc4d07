package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chaz8081/heystack-tag/internal/ble/protocol"
)

var (
	// ErrNoKeysWritten is returned when a session wrote none of its keys.
	ErrNoKeysWritten = errors.New("ble: no keys written")
	// ErrDisconnected is returned when the tag dropped the link mid-upload.
	ErrDisconnected = errors.New("ble: tag disconnected")
)

// ProvisionOptions configures a provisioning session.
type ProvisionOptions struct {
	ConnectTimeout  time.Duration // per connection attempt
	ConnectAttempts int           // attempts before giving up
	RetryBase       time.Duration // first backoff delay, doubled per attempt
	RetryMax        time.Duration // backoff cap
	InterKeyDelay   time.Duration // pause between key writes
}

// DefaultProvisionOptions returns sensible defaults for production use.
func DefaultProvisionOptions() ProvisionOptions {
	return ProvisionOptions{
		ConnectTimeout:  20 * time.Second,
		ConnectAttempts: 3,
		RetryBase:       time.Second,
		RetryMax:        8 * time.Second,
		InterKeyDelay:   20 * time.Millisecond,
	}
}

// Result summarises a provisioning session.
type Result struct {
	DeviceMAC    string
	InitialCount uint16
	FinalCount   uint16
	CountKnown   bool // both counts were read successfully
	Written      int
	Skipped      int // keys with an invalid length
	Failed       int // writes the tag rejected
}

// ScanForTags scans for tags advertising the provisioning name.
func ScanForTags(adapter Adapter, timeout time.Duration) ([]Device, error) {
	return scan(adapter, protocol.DeviceName, timeout)
}

// ScanAll scans for every advertising peripheral, for diagnostics.
func ScanAll(adapter Adapter, timeout time.Duration) ([]Device, error) {
	return scan(adapter, "", timeout)
}

func scan(adapter Adapter, name string, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

// Provision connects to the tag at mac, reads its key count, writes every
// key to Key-Write with response and reads the final count.
func Provision(ctx context.Context, adapter Adapter, mac string, keys [][]byte, opts ProvisionOptions) (*Result, error) {
	opts = withDefaults(opts)

	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	conn, err := connectWithRetry(ctx, adapter, mac, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Disconnect() }()

	var dropped atomic.Bool
	conn.OnDisconnect(func() {
		slog.Warn("[BLE] tag dropped the connection", "mac", mac)
		dropped.Store(true)
	})

	writeChar, err := conn.DiscoverCharacteristic(ServiceUUID, KeyWriteUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: discover key write characteristic: %w", err)
	}
	countChar, err := conn.DiscoverCharacteristic(ServiceUUID, KeyCountUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: discover key count characteristic: %w", err)
	}

	res := &Result{DeviceMAC: mac}
	initialOK := false
	if n, err := readCount(countChar); err != nil {
		slog.Warn("[BLE] could not read key count", "error", err)
	} else {
		res.InitialCount = n
		initialOK = true
		slog.Info("[BLE] current key count", "count", n)
	}

	for i, key := range keys {
		if dropped.Load() {
			return res, fmt.Errorf("%w after %d of %d keys", ErrDisconnected, res.Written, len(keys))
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if len(key) != protocol.KeyLen {
			slog.Warn("[BLE] skipping key with invalid length", "index", i, "len", len(key))
			res.Skipped++
			continue
		}
		if err := writeChar.Write(key); err != nil {
			slog.Error("[BLE] key write failed", "index", i, "error", err)
			res.Failed++
			continue
		}
		res.Written++
		slog.Info("[BLE] wrote key", "n", i+1, "total", len(keys))

		if i < len(keys)-1 && opts.InterKeyDelay > 0 {
			time.Sleep(opts.InterKeyDelay)
		}
	}

	if n, err := readCount(countChar); err != nil {
		slog.Warn("[BLE] could not read final key count", "error", err)
	} else {
		res.FinalCount = n
		res.CountKnown = initialOK
		slog.Info("[BLE] final key count", "count", n)
	}

	if res.Written == 0 && len(keys) > 0 {
		return res, ErrNoKeysWritten
	}
	return res, nil
}

func readCount(c Characteristic) (uint16, error) {
	data, err := c.Read()
	if err != nil {
		return 0, err
	}
	return protocol.DecodeKeyCount(data)
}

// connectWithRetry tries up to opts.ConnectAttempts times with exponential
// backoff between attempts.
func connectWithRetry(ctx context.Context, adapter Adapter, mac string, opts ProvisionOptions) (Connection, error) {
	var lastErr error
	for attempt := 0; attempt < opts.ConnectAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, opts.RetryBase, opts.RetryMax)
			slog.Info("[BLE] connect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
		conn, err := adapter.Connect(attemptCtx, mac)
		cancel()
		if err == nil {
			slog.Info("[BLE] connected", "mac", mac)
			return conn, nil
		}
		lastErr = err
		slog.Warn("[BLE] connect failed", "error", err, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("ble: connect to %s after %d attempts: %w", mac, opts.ConnectAttempts, lastErr)
}

// backoffDelay returns the delay before retry n, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

func withDefaults(opts ProvisionOptions) ProvisionOptions {
	def := DefaultProvisionOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = def.ConnectAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = def.RetryBase
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = def.RetryMax
	}
	if opts.InterKeyDelay < 0 {
		opts.InterKeyDelay = 0
	}
	return opts
}
