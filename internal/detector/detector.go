// Package detector finds dev servers that outlived the daemon that started them.
package detector

// Detector reports whether a process is still running.
type Detector interface {
	Alive() (bool, error)
	Describe() string
}
