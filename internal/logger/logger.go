// Package logger records timestamped gimbal motion to CSV files with
// automatic rotation.
package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/dji"
)

// Logger writes one row per gimbal snapshot, at most once per interval.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	file   *os.File
	writer *csv.Writer
	lastTs map[string]time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const maxRowsPerFile = 100_000 // Rotate after 100k rows

var csvHeader = []string{
	"timestamp", "gimbal", "state", "position_state",
	"pitch_deg", "roll_deg", "yaw_deg",
	"pitch_deg_s", "roll_deg_s", "yaw_deg_s",
	"focus_pc",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/pazgimbal"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		lastTs:   make(map[string]time.Time),
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// Record writes a snapshot row if the minimum interval has elapsed for that
// gimbal.
func (l *Logger) Record(snap dji.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := time.Now()
	if now.Sub(l.lastTs[snap.Name]) < l.interval {
		return
	}
	l.lastTs[snap.Name] = now

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	row := []string{
		now.Format(time.RFC3339Nano),
		snap.Name,
		snap.State,
		snap.PositionState,
		fmt.Sprintf("%.1f", snap.Position.AxisDeg[0]),
		fmt.Sprintf("%.1f", snap.Position.AxisDeg[1]),
		fmt.Sprintf("%.1f", snap.Position.AxisDeg[2]),
		fmt.Sprintf("%.1f", snap.Speed.AxisDegS[0]),
		fmt.Sprintf("%.1f", snap.Speed.AxisDegS[1]),
		fmt.Sprintf("%.1f", snap.Speed.AxisDegS[2]),
		fmt.Sprintf("%.1f", snap.FocusPc),
	}
	if err := l.writer.Write(row); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	path := filepath.Join(l.dir, fmt.Sprintf("pazgimbal_%s.csv", now.Format("2006-01-02_150405")))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
