// Command heystack-provision uploads advertisement keys to a tag whose
// provisioning window is open.
//
// Usage:
//
//	heystack-provision --keys batch.bin [--address C1:02:03:04:05:06] [--scan-timeout 10s]
//	heystack-provision --scan
//
// Key files: .bin holds concatenated 28-byte keys, .txt one hex key per
// line, .keys a single key file written by heystack-keys.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/heystack-tag/internal/ble"
	"github.com/chaz8081/heystack-tag/internal/ble/protocol"
	"github.com/chaz8081/heystack-tag/internal/config"
	"github.com/chaz8081/heystack-tag/internal/keys"
	"github.com/chaz8081/heystack-tag/internal/logging"
)

func main() {
	keyPath := flag.String("keys", "", "key file (.bin, .txt or .keys)")
	address := flag.String("address", "", "tag address; scans for "+protocol.DeviceName+" when empty")
	scanOnly := flag.Bool("scan", false, "list nearby tags and exit")
	scanTimeout := flag.Duration("scan-timeout", 0, "scan duration (default from config, 10s)")
	delay := flag.Duration("delay", -1, "pause between key writes (default from config, 20ms)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(logging.New(os.Stderr, level, "text"))

	pcfg := provisionConfig()
	if *scanTimeout > 0 {
		pcfg.ScanTimeout = *scanTimeout
	}
	if *delay >= 0 {
		pcfg.InterKeyDelay = *delay
	}

	adapter := ble.NewTinyGoAdapter()
	if err := adapter.Enable(); err != nil {
		log.Fatalf("Failed to enable Bluetooth: %v", err)
	}

	if *scanOnly {
		devices, err := ble.ScanForTags(adapter, pcfg.ScanTimeout)
		if err != nil {
			log.Fatalf("Scan failed: %v", err)
		}
		printDevices(devices)
		return
	}

	if *keyPath == "" {
		log.Fatal("--keys is required")
	}
	batch, err := loadKeys(*keyPath)
	if err != nil {
		log.Fatalf("Failed to read keys: %v", err)
	}
	if len(batch) == 0 {
		log.Fatalf("No usable keys in %s", *keyPath)
	}
	fmt.Printf("Loaded %d key(s) from %s\n", len(batch), *keyPath)

	mac := *address
	if mac == "" {
		fmt.Printf("Scanning %s for %s...\n", pcfg.ScanTimeout, protocol.DeviceName)
		devices, err := ble.ScanForTags(adapter, pcfg.ScanTimeout)
		if err != nil {
			log.Fatalf("Scan failed: %v", err)
		}
		switch len(devices) {
		case 0:
			log.Fatal("No tag found. Power-cycle the tag to reopen its provisioning window.")
		case 1:
			mac = devices[0].MAC
		default:
			printDevices(devices)
			log.Fatal("Several tags found, pick one with --address")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := ble.DefaultProvisionOptions()
	opts.ConnectTimeout = pcfg.ConnectTimeout
	opts.InterKeyDelay = pcfg.InterKeyDelay

	fmt.Printf("Provisioning %s...\n", mac)
	start := time.Now()
	res, err := ble.Provision(ctx, adapter, mac, batch, opts)
	if res != nil {
		printResult(res, time.Since(start))
	}
	if err != nil {
		log.Fatalf("Provisioning failed: %v", err)
	}
}

// provisionConfig reads the provision section of the default config file,
// if there is one.
func provisionConfig() config.ProvisionConfig {
	path := config.DefaultConfigPath()
	if _, err := os.Stat(path); err != nil {
		return config.Default().Provision
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Warn("Ignoring unreadable config", "path", path, "error", err)
		return config.Default().Provision
	}
	return cfg.Provision
}

func loadKeys(path string) ([][]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".hex":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return protocol.ReadHexKeys(f)
	case ".keys":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		k, err := keys.ReadKeysFile(f)
		if err != nil {
			return nil, err
		}
		return [][]byte{k[:]}, nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return protocol.SplitKeys(data), nil
	}
}

func printDevices(devices []ble.Device) {
	if len(devices) == 0 {
		fmt.Println("No tags found.")
		return
	}
	fmt.Println("Tags in provisioning mode:")
	for _, d := range devices {
		fmt.Printf("  %s  %-20s %d dBm\n", d.MAC, d.Name, d.RSSI)
	}
}

func printResult(res *ble.Result, elapsed time.Duration) {
	fmt.Println("=== provisioning result ===")
	fmt.Printf("  Tag:      %s\n", res.DeviceMAC)
	fmt.Printf("  Written:  %d\n", res.Written)
	if res.Skipped > 0 {
		fmt.Printf("  Skipped:  %d (invalid length)\n", res.Skipped)
	}
	if res.Failed > 0 {
		fmt.Printf("  Failed:   %d\n", res.Failed)
	}
	if res.CountKnown {
		fmt.Printf("  Count:    %d -> %d\n", res.InitialCount, res.FinalCount)
	}
	fmt.Printf("  Took:     %s\n", elapsed.Round(time.Millisecond))
	fmt.Println("===========================")
}
