package server

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration. The control mapping table lives in
// its own line-oriented file (ControlFile); this YAML covers the links and
// the daemon surfaces.
type Config struct {
	Gimbals []GimbalConfig `yaml:"gimbals" json:"gimbals"`

	Gamepad GamepadConfig `yaml:"gamepad" json:"gamepad"`

	// ControlFile is the control mapping table path.
	ControlFile string `yaml:"control_file" json:"controlFile"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`

	Server ServerConfig `yaml:"server" json:"server"`
}

// GimbalConfig describes one gimbal attachment.
type GimbalConfig struct {
	Name string `yaml:"name" json:"name"`
	Link string `yaml:"link" json:"link"` // "tcp", "socketcan" or "slcan"

	// tcp
	Address string `yaml:"address" json:"address"`

	// socketcan
	Interface string `yaml:"interface" json:"interface"`

	// slcan
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`

	BitRate uint32 `yaml:"bit_rate" json:"bitRate"`
}

type GamepadConfig struct {
	Type string `yaml:"type" json:"type"` // "sdl" or "demo"
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Gimbals: []GimbalConfig{
			{
				Name:    "gimbal0",
				Link:    "tcp",
				Address: "192.168.0.100:3489",
				BitRate: 1000000,
			},
		},
		Gamepad: GamepadConfig{
			Type: "sdl",
		},
		ControlFile: "/etc/pazgimbal/control.conf",
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     "/var/log/pazgimbal",
			Interval: 100,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. Falls back to defaults if the YAML is
// missing or broken.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: LISTEN_ADDR, CONTROL_FILE, GAMEPAD_TYPE, LOG_ENABLED, LOG_PATH,
// LOG_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("CONTROL_FILE"); v != "" {
		c.ControlFile = v
	}
	if v := os.Getenv("GAMEPAD_TYPE"); v != "" {
		c.Gamepad.Type = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Interval = n
		}
	}
}
