package client

import (
	"fmt"
	"time"
)

// Stack describes the detected stack of a project.
type Stack struct {
	Kind           string `json:"kind"`
	Label          string `json:"label"`
	InstallCommand string `json:"install_command"`
	RunCommand     string `json:"run_command"`
	DefaultPort    int    `json:"default_port"`
}

// Project is a registered project as returned by the daemon.
type Project struct {
	ID           string    `json:"id"`
	SourcePath   string    `json:"source_path"`
	OriginURL    string    `json:"origin_url,omitempty"`
	Stack        Stack     `json:"stack"`
	Status       string    `json:"status"`
	AssignedPort int       `json:"assigned_port"`
	PreviewURL   string    `json:"preview_url,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Usage is the resource usage of a running dev server.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumThreads int32   `json:"num_threads"`
}

// StatusView is the live status of one project.
type StatusView struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Port       int    `json:"port"`
	PreviewURL string `json:"preview_url,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	PID        int    `json:"pid,omitempty"`
	Alive      bool   `json:"alive"`
	Usage      *Usage `json:"usage,omitempty"`
}

// RegisterRequest registers an existing directory.
type RegisterRequest struct {
	ID         string `json:"id"`
	SourcePath string `json:"source_path"`
	OriginURL  string `json:"origin_url,omitempty"`
}

// CloneRequest asks the daemon to clone or refresh a branch.
type CloneRequest struct {
	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch"`
	BaseDir string `json:"base_dir,omitempty"`
	Run     bool   `json:"run,omitempty"`
}

// CloneResult is the daemon's answer to a CloneRequest.
type CloneResult struct {
	Project   Project `json:"project"`
	Path      string  `json:"path"`
	Refreshed bool    `json:"refreshed"`
}

// DeleteResult reports whether the source tree was removed along with the record.
type DeleteResult struct {
	Deleted bool   `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string   `json:"error"`
	Project *Project `json:"project,omitempty"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	// Project is the record after a failed run, when the daemon includes it.
	Project *Project
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}
