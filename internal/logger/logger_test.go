package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestProcessWritersWithDir(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{ProcessDir: filepath.Join(dir, "procs")}
	outW, errW, err := cfg.ProcessWriters("main")
	if err != nil {
		t.Fatalf("ProcessWriters: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	for _, name := range []string{"main.stdout.log", "main.stderr.log"} {
		if _, err := os.Stat(filepath.Join(dir, "procs", name)); err != nil {
			t.Fatalf("%s not created: %v", name, err)
		}
	}
}

func TestProcessWritersDisabled(t *testing.T) {
	outW, errW, err := Config{}.ProcessWriters("main")
	if err != nil || outW != nil || errW != nil {
		t.Fatalf("expected nil writers, got %v %v %v", outW, errW, err)
	}
}

func TestRotationDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	outW, _, _ := Config{ProcessDir: dir}.ProcessWriters("n")
	ol := outW.(*lj.Logger)
	if ol.MaxSize != DefaultMaxSizeMB || ol.MaxBackups != DefaultMaxBackups || ol.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", ol.MaxSize, ol.MaxBackups, ol.MaxAge)
	}
	cfg := Config{ProcessDir: dir, MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}
	outW, _, _ = cfg.ProcessWriters("n")
	ol = outW.(*lj.Logger)
	if ol.MaxSize != 1 || ol.MaxBackups != 9 || ol.MaxAge != 11 || !ol.Compress {
		t.Fatalf("overrides not applied: %+v", ol)
	}
}

func TestNewFormats(t *testing.T) {
	for _, format := range []string{"", "text", "json", "color"} {
		var buf bytes.Buffer
		l, closer, err := Config{Format: format, Level: "debug"}.New(&buf)
		if err != nil {
			t.Fatalf("%q: %v", format, err)
		}
		if closer != nil {
			t.Fatalf("%q: unexpected closer without file", format)
		}
		l.With("component", "test").Debug("hello", "k", "v")
		if !strings.Contains(buf.String(), "hello") {
			t.Fatalf("%q: output missing message: %q", format, buf.String())
		}
	}
	if _, _, err := (Config{Format: "xml"}).New(io.Discard); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if _, _, err := (Config{Level: "loud"}).New(io.Discard); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "gitview.log")
	l, closer, err := Config{File: path, Format: "json"}.New(io.Discard)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("to-file")
	closeIf(closer)
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), "to-file") {
		t.Fatalf("file missing record: %q", b)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, _, err := Config{Level: "warn"}.New(&buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("quiet")
	l.Warn("loud")
	if strings.Contains(buf.String(), "quiet") || !strings.Contains(buf.String(), "loud") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestColorHandlerDropsTime(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, nil, false))
	l.Error("boom")
	out := buf.String()
	if strings.Contains(out, "time=") {
		t.Fatalf("time attribute should be dropped: %q", out)
	}
	if !strings.Contains(out, "\033[31m") {
		t.Fatalf("missing error color: %q", out)
	}
}
