package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Meta is the second line of a pid file.
type Meta struct {
	StartUnix int64  `json:"start_unix"`
	Name      string `json:"name,omitempty"`
	Port      int    `json:"port,omitempty"`
	Dir       string `json:"dir,omitempty"`
}

// PIDFile is the decoded content of a pid file.
type PIDFile struct {
	PID  int
	Meta Meta
}

// WritePIDFile records pid under path. The start time is sampled now so a
// later reader can tell a reused pid from the original process.
func WritePIDFile(path string, pid int, meta Meta) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if meta.StartUnix == 0 {
		meta.StartUnix = procStartUnix(pid)
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	body := strconv.Itoa(pid) + "\n" + string(mb) + "\n"
	return os.WriteFile(path, []byte(body), 0o600)
}

// ReadPIDFile parses path. A missing meta line leaves Meta zero.
func ReadPIDFile(path string) (PIDFile, error) {
	// #nosec G304
	data, err := os.ReadFile(path)
	if err != nil {
		return PIDFile{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return PIDFile{}, fmt.Errorf("invalid pid in %s", path)
	}
	pf := PIDFile{PID: pid}
	if len(lines) > 1 && strings.TrimSpace(lines[1]) != "" {
		if err := json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &pf.Meta); err != nil {
			return PIDFile{}, fmt.Errorf("invalid meta in %s: %w", path, err)
		}
	}
	return pf, nil
}

// PIDFileDetector detects a process through its pid file.
type PIDFileDetector struct {
	Path string
}

// Inspect reads the pid file and reports whether the recorded process is
// still the one that wrote it. A missing file is not an error.
func (d PIDFileDetector) Inspect() (PIDFile, bool, error) {
	pf, err := ReadPIDFile(d.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return PIDFile{}, false, nil
		}
		return PIDFile{}, false, err
	}
	if !pidAlive(pf.PID) {
		return pf, false, nil
	}
	if pf.Meta.StartUnix > 0 {
		if cur := procStartUnix(pf.PID); cur > 0 && !sameStart(cur, pf.Meta.StartUnix) {
			return pf, false, nil // pid reused
		}
	}
	return pf, true, nil
}

func (d PIDFileDetector) Alive() (bool, error) {
	_, alive, err := d.Inspect()
	return alive, err
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.Path }

// PIDDetector checks a bare pid.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }

// start times derived from clock ticks can round differently between reads
func sameStart(a, b int64) bool {
	d := a - b
	return d >= -1 && d <= 1
}
