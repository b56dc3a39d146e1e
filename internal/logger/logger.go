package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the daemon log and where supervised subprocess output goes.
// Rotation parameters follow lumberjack semantics and apply to every file.
type Config struct {
	Level      string `toml:"level" mapstructure:"level"`             // debug, info, warn, error
	Format     string `toml:"format" mapstructure:"format"`           // text, json, color
	File       string `toml:"file" mapstructure:"file"`               // daemon log file; empty logs to stderr only
	ProcessDir string `toml:"process_dir" mapstructure:"process_dir"` // <dir>/<name>.stdout.log for subprocesses
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// ParseLevel maps a level name to slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
}

// New builds the daemon logger. Records go to w and, when File is set, to a
// rotating file as well. The returned closer releases the file and may be nil.
func (c Config) New(w io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	var closer io.Closer
	if c.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f := c.rotating(c.File)
		closer = f
		w = io.MultiWriter(w, f)
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "color":
		h = NewColorTextHandler(w, opts, true)
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", c.Format)
	}
	return slog.New(h), closer, nil
}

// ProcessWriters returns rotating writers for a subprocess's stdout and stderr.
// Both are nil when ProcessDir is empty.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	if c.ProcessDir == "" {
		return nil, nil, nil
	}
	if err := os.MkdirAll(c.ProcessDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create process log dir: %w", err)
	}
	outW := c.rotating(filepath.Join(c.ProcessDir, fmt.Sprintf("%s.stdout.log", name)))
	errW := c.rotating(filepath.Join(c.ProcessDir, fmt.Sprintf("%s.stderr.log", name)))
	return outW, errW, nil
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
