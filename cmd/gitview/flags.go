package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Token      string
	CACert     string
	Insecure   bool
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

// RegisterFlags holds flags for the register command.
type RegisterFlags struct {
	ID     string
	Path   string
	Origin string
}

// CloneFlags holds flags for the clone command.
type CloneFlags struct {
	Repo    string
	Branch  string
	BaseDir string
	Run     bool
}

// ProjectFlags holds the project selector used by run, stop, delete and status.
type ProjectFlags struct {
	ID string
}
