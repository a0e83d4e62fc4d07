// Command heystack-tag runs an offline-finding tag on a BLE radio.
//
// Usage:
//
//	heystack-tag [--config path] [--backend sim|tinyble] [--init]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/heystack-tag/internal/app"
	"github.com/chaz8081/heystack-tag/internal/beacon"
	"github.com/chaz8081/heystack-tag/internal/config"
	"github.com/chaz8081/heystack-tag/internal/keystore"
	"github.com/chaz8081/heystack-tag/internal/logging"
	"github.com/chaz8081/heystack-tag/internal/radio"
	"github.com/chaz8081/heystack-tag/internal/radio/sim"
	"github.com/chaz8081/heystack-tag/internal/radio/tinyble"
	"github.com/chaz8081/heystack-tag/internal/tag"
	"github.com/chaz8081/heystack-tag/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/heystack-tag/config.yaml)")
	backend := flag.String("backend", "", "radio backend override: sim or tinyble")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *backend != "" {
		cfg.Radio.Backend = *backend
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(logging.New(os.Stderr, config.ParseLogLevel(cfg.LogLevel), cfg.LogFormat))
	printBanner(cfg)

	store, err := keystore.Open(cfg.Keystore.Path)
	if err != nil {
		log.Fatalf("Failed to open key store: %v", err)
	}
	defer store.Close()

	stack, err := openStack(cfg.Radio)
	if err != nil {
		log.Fatalf("Failed to open radio: %v", err)
	}
	if c, ok := stack.(io.Closer); ok {
		defer c.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pub := openTelemetry(ctx, cfg.Telemetry)
	defer pub.Close()

	a, err := app.New(stack, store, pub, appConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to start tag: %v", err)
	}

	slog.Info("Ready! Ctrl+C to quit.")
	if err := a.Run(ctx); err != nil {
		slog.Error("tag stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("Goodbye!")
}

func openStack(cfg config.RadioConfig) (radio.Stack, error) {
	switch cfg.Backend {
	case "tinyble":
		return tinyble.Open(cfg.AdapterID, cfg.EventBuf)
	default:
		slog.Warn("Using the simulated radio, nothing is transmitted")
		return sim.New(cfg.EventBuf), nil
	}
}

// openTelemetry connects the MQTT publisher. A broker that cannot be reached
// at startup disables telemetry rather than the tag.
func openTelemetry(ctx context.Context, cfg config.TelemetryConfig) telemetry.Publisher {
	if !cfg.Enabled {
		return telemetry.Nop{}
	}
	client := telemetry.NewClient(telemetry.Config{
		Broker:   cfg.Broker,
		Topic:    cfg.Topic,
		ClientID: cfg.ClientID,
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  cfg.Timeout,
	})
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		slog.Warn("Telemetry disabled", "broker", cfg.Broker, "error", err)
		client.Close()
		return telemetry.Nop{}
	}
	return client
}

func appConfig(cfg *config.Config) app.Config {
	d := cfg.Device
	opts := tag.DefaultOptions()
	opts.DeviceName = d.Name
	opts.ProvisioningInterval = d.ProvisioningInterval
	opts.BroadcastInterval = d.BroadcastInterval
	opts.ConnParams = radio.ConnParams{
		MinInterval:        d.ConnMinInterval,
		MaxInterval:        d.ConnMaxInterval,
		SlaveLatency:       d.ConnLatency,
		SupervisionTimeout: d.ConnTimeout,
	}
	opts.TxPowers = d.TxPowers
	opts.InitialKeyCount = d.InitialKeyCount

	out := app.Config{
		Tag:                opts,
		ProvisioningWindow: d.ProvisioningWindow,
		BatteryLevel:       cfg.Battery.Level,
		StatusBits:         cfg.Battery.StatusBits,
		BatteryPoll:        cfg.Battery.PollInterval,
		Scan:               d.Scan,
	}
	if cfg.Battery.Source != "" {
		out.Battery = app.FileBattery(cfg.Battery.Source)
	}
	if d.Key != "" {
		// Validate has already parsed it once.
		k, _ := config.ParseKey(d.Key)
		out.FallbackKey = &k
	}
	return out
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== heystack-tag ===")
	fmt.Printf("  Name:      %s\n", cfg.Device.Name)
	fmt.Printf("  Radio:     %s %s\n", cfg.Radio.Backend, cfg.Radio.AdapterID)
	fmt.Printf("  Window:    %s\n", cfg.Device.ProvisioningWindow)
	fmt.Printf("  Interval:  %s provisioning, %s broadcasting\n",
		cfg.Device.ProvisioningInterval.Round(time.Millisecond), cfg.Device.BroadcastInterval.Round(time.Millisecond))
	fmt.Printf("  Battery:   %d%% (%s)\n", cfg.Battery.Level, beacon.TierForLevel(cfg.Battery.Level))
	fmt.Printf("  Keys:      %s\n", cfg.Keystore.Path)
	fmt.Printf("  Telemetry: %v\n", cfg.Telemetry.Enabled)
	fmt.Printf("  Log:       %s (%s)\n", cfg.LogLevel, cfg.LogFormat)
	fmt.Println("====================")
}
