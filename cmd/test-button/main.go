// Command test-button is a manual test for the debounced button and the
// status LED. Run it, then press Ctrl+Shift+B: every confirmed press
// cycles the LED through solid-on, solid-off and blinking.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-button [--keys ctrl+shift+b] [--debounce 30ms] [--led log|capslock]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/blelbs/internal/button"
	"github.com/chaz8081/blelbs/internal/gpio"
	"github.com/chaz8081/blelbs/internal/status"
	"github.com/chaz8081/blelbs/internal/workq"
)

func main() {
	keys := flag.String("keys", "ctrl+shift+b", "button key combination, joined with +")
	debounce := flag.Duration("debounce", button.DefaultDebounce, "debounce interval")
	led := flag.String("led", "log", "status LED: log or capslock")
	flag.Parse()

	var out gpio.Output = &gpio.LogOutput{Name: "test"}
	if *led == "capslock" {
		out = gpio.NewCapsLockOutput()
	}
	if err := out.Configure(); err != nil {
		fmt.Fprintf(os.Stderr, "LED: %v\n", err)
		os.Exit(1)
	}

	q := workq.New(workq.RealClock)
	sig := status.New(out, workq.RealClock, status.DefaultBlinkPeriod)
	defer sig.Stop()

	modes := []status.Mode{status.SolidOn, status.SolidOff, status.Blink2Hz}
	presses := 0
	start := time.Now()
	in := gpio.NewHotkeyInput(strings.Split(*keys, "+"))
	deb := button.New(q, in, *debounce, func() {
		mode := modes[presses%len(modes)]
		presses++
		sig.SetMode(mode)
		fmt.Printf(">>> PRESS %d at %s, LED %s\n", presses, time.Since(start).Round(time.Millisecond), mode)
	})
	if err := deb.Attach(); err != nil {
		fmt.Fprintf(os.Stderr, "button: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Listening for %s (debounce %s)...\n", *keys, *debounce)
	fmt.Println("Press Ctrl+C to exit.")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	// Handle Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		in.Stop()
	}()

	// Blocks until stopped
	in.Start()
	fmt.Println("Done.")
}
