package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eiannone/keyboard"

	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/atem"
	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/canlink"
	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/control"
	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/dji"
	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/gamepad"
	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/gimbal"
	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/pazgimbal/config.yaml", "Path to config file")
	controlPath := flag.String("control", "", "Override control table file")
	demo := flag.Bool("demo", false, "Run with a simulated gamepad")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	console := flag.Bool("console", true, "Enable the keyboard debug console")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] pazgimbal starting")

	cfg := server.LoadConfig(*configPath)

	if *controlPath != "" {
		cfg.ControlFile = *controlPath
	}
	if *demo {
		cfg.Gamepad.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	// Bring up the gimbal engines
	engines := make([]*dji.Engine, 0, len(cfg.Gimbals))
	for _, gc := range cfg.Gimbals {
		dev, err := deviceFor(gc)
		if err != nil {
			log.Printf("[main] %s: %v", gc.Name, err)
			continue
		}

		e := dji.New(gc.Name, dev)
		if err := connectWithRetry(ctx, e, 5); err != nil {
			log.Printf("[main] %s: giving up: %v", gc.Name, err)
			continue
		}
		engines = append(engines, e)
	}
	defer func() {
		for _, e := range engines {
			e.Release()
		}
	}()

	// The switcher SDK is not linked in; camera verbs go to the log so the
	// rest of the control path can be exercised end to end.
	atem.DialerSet(func(id string) (atem.CameraControl, error) {
		log.Printf("[main] ATEM %q attached in dry-run mode", id)
		return dryRunCameraControl{}, nil
	})

	// Control mapper
	link := control.NewLink()
	if cfg.ControlFile != "" {
		if err := link.ReadConfigFile(cfg.ControlFile); err != nil {
			log.Printf("[main] control file %s: %v", cfg.ControlFile, err)
		}
	}

	var pad gamepad.Source
	switch cfg.Gamepad.Type {
	case "demo":
		pad = gamepad.NewDemo()
	default:
		pad = gamepad.NewSDL()
	}
	if err := link.GamepadSet(pad); err != nil {
		log.Fatalf("[main] gamepad: %v", err)
	}

	if err := link.GimbalsSet(&engineProvider{engines: engines}); err != nil {
		log.Fatalf("[main] gimbal bindings: %v", err)
	}

	if err := link.Start(); err != nil {
		log.Fatalf("[main] start: %v", err)
	}
	defer func() {
		link.Stop()
		link.Release()
	}()

	if *console {
		go consoleLoop(cancel, engines)
	}

	srv := server.New(cfg, engines)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// deviceFor builds the CAN attachment for one gimbal config.
func deviceFor(gc server.GimbalConfig) (canlink.Device, error) {
	switch gc.Link {
	case "tcp", "":
		return canlink.NewTCPBridge(gc.Address), nil
	case "socketcan":
		return canlink.NewSocketCAN(gc.Interface, gc.BitRate), nil
	case "slcan":
		return canlink.NewSLCAN(gc.PortPath, gc.BaudRate, gc.BitRate), nil
	}
	return nil, fmt.Errorf("unknown link type %q", gc.Link)
}

// connectWithRetry attempts to connect with exponential backoff, starting at
// 1s and doubling up to 30s.
func connectWithRetry(ctx context.Context, e *dji.Engine, maxAttempts int) error {
	delay := 1 * time.Second
	maxDelay := 30 * time.Second

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err = e.Connect(); err == nil {
			log.Printf("[main] %s connected (attempt %d)", e.Name(), attempt)
			return nil
		}
		log.Printf("[main] %s connect attempt %d/%d failed: %v (retry in %v)",
			e.Name(), attempt, maxAttempts, err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return err
}

// engineProvider resolves control-config gimbal references against the
// connected engines.
type engineProvider struct {
	engines []*dji.Engine
}

func (p *engineProvider) GimbalByIndex(index uint) gimbal.Gimbal {
	if int(index) >= len(p.engines) {
		return nil
	}
	return p.engines[index]
}

func (p *engineProvider) GimbalByIPv4(addr string) gimbal.Gimbal {
	want, ok := parseIPv4(addr)
	if !ok {
		log.Printf("[main] invalid IPv4 address %q", addr)
		return nil
	}
	for _, e := range p.engines {
		if e.InfoGet().IPv4Address == want {
			return e
		}
	}
	return nil
}

// parseIPv4 packs a dotted quad with the first octet in the low byte,
// matching the bridge's representation.
func parseIPv4(addr string) (uint32, bool) {
	parts := strings.Split(addr, ".")
	if len(parts) != 4 {
		return 0, false
	}
	var out uint32
	for i, p := range parts {
		var octet int
		if _, err := fmt.Sscanf(p, "%d", &octet); err != nil || octet < 0 || octet > 255 {
			return 0, false
		}
		out |= uint32(octet) << (uint(i) * 8)
	}
	return out, true
}

// consoleLoop is the interactive debug console: d dumps engine state,
// s stops all motion, q quits.
func consoleLoop(cancel context.CancelFunc, engines []*dji.Engine) {
	if err := keyboard.Open(); err != nil {
		log.Printf("[main] console disabled: %v", err)
		return
	}
	defer keyboard.Close()

	fmt.Println("console: [d]ebug  [s]top motion  [q]uit")

	for {
		ch, key, err := keyboard.GetKey()
		if err != nil {
			return
		}

		switch {
		case ch == 'd':
			for _, e := range engines {
				e.Debug(os.Stdout)
			}

		case ch == 's':
			for _, e := range engines {
				if err := e.SpeedStop(); err != nil {
					log.Printf("[main] %s: stop: %v", e.Name(), err)
				}
			}

		case ch == 'q' || key == keyboard.KeyEsc || key == keyboard.KeyCtrlC:
			cancel()
			return
		}
	}
}

// dryRunCameraControl satisfies atem.CameraControl without a switcher.
type dryRunCameraControl struct{}

func (dryRunCameraControl) SetFloats(dest, category, param uint8, values []float64) error {
	log.Printf("[atem] SetFloats(dest=%d cat=%d param=%d values=%v)", dest, category, param, values)
	return nil
}

func (dryRunCameraControl) OffsetFloats(dest, category, param uint8, offsets []float64) error {
	log.Printf("[atem] OffsetFloats(dest=%d cat=%d param=%d offsets=%v)", dest, category, param, offsets)
	return nil
}

func (dryRunCameraControl) SetFlags(dest, category, param uint8) error {
	log.Printf("[atem] SetFlags(dest=%d cat=%d param=%d)", dest, category, param)
	return nil
}

func (dryRunCameraControl) Close() error { return nil }
