package server

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))

	if len(cfg.Gimbals) != 1 || cfg.Gimbals[0].Link != "tcp" {
		t.Errorf("default gimbals = %+v", cfg.Gimbals)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Gamepad.Type != "sdl" {
		t.Errorf("gamepad type = %q", cfg.Gamepad.Type)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
gimbals:
  - name: stage-left
    link: socketcan
    interface: can0
    bit_rate: 1000000
  - name: stage-right
    link: slcan
    port_path: /dev/ttyACM0
    baud_rate: 115200
gamepad:
  type: demo
control_file: /tmp/control.conf
server:
  listen_addr: ":9000"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := LoadConfig(path)

	if len(cfg.Gimbals) != 2 {
		t.Fatalf("%d gimbals, want 2", len(cfg.Gimbals))
	}
	if cfg.Gimbals[0].Name != "stage-left" || cfg.Gimbals[0].Link != "socketcan" {
		t.Errorf("gimbal 0 = %+v", cfg.Gimbals[0])
	}
	if cfg.Gimbals[1].PortPath != "/dev/ttyACM0" {
		t.Errorf("gimbal 1 = %+v", cfg.Gimbals[1])
	}
	if cfg.Gamepad.Type != "demo" {
		t.Errorf("gamepad type = %q", cfg.Gamepad.Type)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.ControlFile != "/tmp/control.conf" {
		t.Errorf("control file = %q", cfg.ControlFile)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":7777")
	t.Setenv("GAMEPAD_TYPE", "demo")
	t.Setenv("LOG_ENABLED", "true")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))

	if cfg.Server.ListenAddr != ":7777" {
		t.Errorf("listen addr = %q, want :7777", cfg.Server.ListenAddr)
	}
	if cfg.Gamepad.Type != "demo" {
		t.Errorf("gamepad type = %q, want demo", cfg.Gamepad.Type)
	}
	if !cfg.Logging.Enabled {
		t.Error("logging not enabled")
	}
}
