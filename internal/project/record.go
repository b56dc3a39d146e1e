// Package project holds the registered-project model shared by the registry,
// the persistence stores and the HTTP layer.
package project

import (
	"fmt"
	"time"

	"github.com/loykin/gitview/internal/stack"
)

// Status is the lifecycle state of a registered project.
type Status string

const (
	StatusStopped    Status = "stopped"
	StatusInstalling Status = "installing"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusError      Status = "error"
)

// Busy reports whether a run attempt currently owns the project.
func (s Status) Busy() bool {
	return s == StatusInstalling || s == StatusStarting || s == StatusRunning
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusStopped, StatusInstalling, StatusStarting, StatusRunning, StatusError:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// Record is one registered source tree and the state of its dev server.
type Record struct {
	ID           string        `json:"id"`
	SourcePath   string        `json:"source_path"`
	OriginURL    string        `json:"origin_url,omitempty"`
	Stack        stack.Profile `json:"stack"`
	Status       Status        `json:"status"`
	AssignedPort int           `json:"assigned_port"`
	PreviewURL   string        `json:"preview_url,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// PreviewURL returns the local address a dev server on port is reachable at.
func PreviewURL(port int) string {
	return fmt.Sprintf("http://localhost:%d", port)
}

// Validate checks the status-dependent field invariants.
func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record has empty id")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("record %s: invalid status %q", r.ID, r.Status)
	}
	hasPort := r.Status == StatusStarting || r.Status == StatusRunning
	if (r.AssignedPort != 0) != hasPort {
		return fmt.Errorf("record %s: port %d inconsistent with status %s", r.ID, r.AssignedPort, r.Status)
	}
	if (r.PreviewURL != "") != (r.Status == StatusRunning) {
		return fmt.Errorf("record %s: preview url inconsistent with status %s", r.ID, r.Status)
	}
	if (r.LastError != "") != (r.Status == StatusError) {
		return fmt.Errorf("record %s: last error inconsistent with status %s", r.ID, r.Status)
	}
	return nil
}
