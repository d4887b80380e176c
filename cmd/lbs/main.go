// Command lbs runs one side of the ON/OFF link, or both sides over the
// in-process radio.
//
// Usage:
//
//	lbs [--config path] [--role central|peripheral|demo] [--adapter tinygo|sim]
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/blelbs/internal/ble"
	"github.com/chaz8081/blelbs/internal/ble/sim"
	"github.com/chaz8081/blelbs/internal/button"
	"github.com/chaz8081/blelbs/internal/central"
	"github.com/chaz8081/blelbs/internal/config"
	"github.com/chaz8081/blelbs/internal/gpio"
	"github.com/chaz8081/blelbs/internal/peripheral"
	"github.com/chaz8081/blelbs/internal/status"
	"github.com/chaz8081/blelbs/internal/workq"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blelbs/config.yaml)")
	role := flag.String("role", "", "override role: central, peripheral, or demo")
	adapter := flag.String("adapter", "", "override adapter: tinygo or sim")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *role != "" {
		cfg.Role = *role
	}
	if *adapter != "" {
		cfg.Adapter = *adapter
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
	slog.Info("Goodbye!")
	// Exit directly to avoid gohook's C cleanup crash.
	os.Exit(0)
}

// radios holds the radio for each role that runs.
type radios struct {
	central    ble.Central
	peripheral ble.Peripheral
	air        *sim.Air // nil on real hardware
}

func newRadios(cfg *config.Config, service uuid.UUID) radios {
	if cfg.Adapter == "tinygo" {
		a := ble.NewTinyGoAdapter(service)
		return radios{central: a, peripheral: a}
	}
	air := sim.NewAir()
	r := radios{air: air}
	if cfg.Role == "central" || cfg.Role == "demo" {
		r.central = air.NewDevice("C0:FF:EE:00:00:01")
	}
	if cfg.Role == "peripheral" || cfg.Role == "demo" {
		r.peripheral = air.NewDevice("C0:FF:EE:00:00:02")
	}
	return r
}

func run(ctx context.Context, cfg *config.Config) error {
	service, action, read, err := cfg.ServiceUUIDs()
	if err != nil {
		return fmt.Errorf("uuids: %w", err)
	}
	r := newRadios(cfg, service)

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				slog.Error("[MAIN] loop stopped", "loop", name, "error", err)
			}
		}()
	}
	if r.air != nil {
		goRun("air", r.air.Run)
		goRun("advertising", func(ctx context.Context) error {
			return r.air.Advertise(ctx, sim.DefaultAdvInterval)
		})
	}

	runsCentral := cfg.Role == "central" || cfg.Role == "demo"
	if cfg.Role == "peripheral" || cfg.Role == "demo" {
		// In the demo the peripheral's LED is the logged one; the configured
		// output belongs to the central.
		out := gpio.Output(&gpio.LogOutput{Name: "peripheral"})
		if !runsCentral {
			out = newOutput(cfg)
		}
		q := workq.New(workq.RealClock)
		sig := newSignal(out, cfg)
		defer sig.Stop()
		ctrl := peripheral.New(r.peripheral, q, sig, peripheral.Options{
			Name:    cfg.DeviceName,
			Service: service,
			Action:  action,
			Read:    read,
			Policy:  cfg.Policy(),
			Logger:  slog.Default().With("role", "peripheral"),
		})
		if err := ctrl.Start(); err != nil {
			return err
		}
		goRun("peripheral", q.Run)
	}

	if runsCentral {
		q := workq.New(workq.RealClock)
		sig := newSignal(newOutput(cfg), cfg)
		defer sig.Stop()
		ctrl := central.New(r.central, q, sig, central.Options{
			Service: service,
			Action:  action,
			Policy:  cfg.Policy(),
			Logger:  slog.Default().With("role", "central"),
		})
		if err := ctrl.Start(); err != nil {
			return err
		}
		goRun("central", q.Run)

		stopButton := startButton(ctx, cfg, q, ctrl.Press)
		defer stopButton()
	}

	slog.Info("[MAIN] running, Ctrl+C to quit", "role", cfg.Role)
	<-ctx.Done()
	return nil
}

// newOutput builds the configured status LED. A device that fails to
// configure degrades to absent; the signal then skips every write.
func newOutput(cfg *config.Config) gpio.Output {
	var out gpio.Output
	switch cfg.Status.Output {
	case "capslock":
		out = gpio.NewCapsLockOutput()
	case "log":
		out = &gpio.LogOutput{Name: "status", ActiveLow: cfg.Status.ActiveLow}
	default:
		return gpio.Absent{}
	}
	if err := out.Configure(); err != nil {
		slog.Warn("[MAIN] status LED not ready, continuing without it", "error", err)
		return gpio.Absent{}
	}
	return out
}

func newSignal(out gpio.Output, cfg *config.Config) *status.Signal {
	return status.New(out, workq.RealClock, cfg.Status.BlinkPeriod)
}

// startButton attaches the configured button to press through the
// debouncer and returns a function that releases it.
func startButton(ctx context.Context, cfg *config.Config, q *workq.Queue, press func()) func() {
	var in gpio.Input
	stop := func() {}
	switch cfg.Button.Input {
	case "hotkey":
		h := gpio.NewHotkeyInput(cfg.Button.Keys)
		in = h
		stop = h.Stop
	case "manual":
		m := &gpio.ManualInput{}
		in = m
		go readPresses(ctx, m, cfg.Button.Debounce)
	default:
		in = gpio.Absent{}
	}

	deb := button.New(q, in, cfg.Button.Debounce, press)
	if err := deb.Attach(); err != nil {
		slog.Warn("[MAIN] button not ready, continuing without it", "error", err)
		return func() {}
	}
	if h, ok := in.(*gpio.HotkeyInput); ok {
		go h.Start()
		slog.Info("[MAIN] button ready", "keys", strings.Join(cfg.Button.Keys, "+"))
	} else {
		slog.Info("[MAIN] button ready, press Enter to toggle")
	}
	return stop
}

// readPresses turns each line on stdin into a press held past the
// debounce interval.
func readPresses(ctx context.Context, m *gpio.ManualInput, debounce time.Duration) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		m.Press()
		time.Sleep(2 * debounce)
		m.Release()
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== blelbs ===")
	fmt.Printf("  Role:     %s (%s radio)\n", cfg.Role, cfg.Adapter)
	fmt.Printf("  Name:     %s\n", cfg.DeviceName)
	fmt.Printf("  Service:  %s\n", cfg.UUIDs.Service)
	fmt.Printf("  Backoff:  %s..%s\n", cfg.Backoff.Base, cfg.Backoff.Max)
	fmt.Printf("  Status:   %s\n", cfg.Status.Output)
	fmt.Printf("  Button:   %s\n", cfg.Button.Input)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("==============")
}
