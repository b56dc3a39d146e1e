package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// daemonChildEnv marks the re-executed child so it does not daemonize again.
const daemonChildEnv = "GITVIEW_DAEMON_CHILD"

func isDaemonChild() bool { return os.Getenv(daemonChildEnv) == "1" }

// daemonArgs strips --daemonize from args; the child inherits everything else,
// including --pidfile and --logfile in either "--flag value" or "--flag=value" form.
func daemonArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == "--daemonize" || strings.HasPrefix(arg, "--daemonize=") {
			continue
		}
		out = append(out, arg)
	}
	return out
}

// daemonize re-executes the binary detached from the terminal and exits the parent.
// In the child it returns nil straight away.
func daemonize(logFile string) error {
	if isDaemonChild() {
		return nil
	}
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	// #nosec G204
	child := exec.Command(self, daemonArgs(os.Args[1:])...)
	child.Env = append(os.Environ(), daemonChildEnv+"=1")
	configureDaemonAttrs(child)
	if logFile != "" {
		// #nosec G304
		out, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		child.Stdout, child.Stderr = out, out
	}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	fmt.Printf("gitview daemon started (pid %d)\n", child.Process.Pid)
	os.Exit(0)
	return nil
}

// claimPidFile records the current pid at path while holding an exclusive lock on
// path+".lock", so a second daemon pointed at the same file refuses to start.
// The returned release removes the pid file and drops the lock.
func claimPidFile(path string) (release func(), err error) {
	if path == "" {
		return func() {}, nil
	}
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock pid file: %w", err)
	}
	if !ok {
		if pid, perr := readPidFile(path); perr == nil {
			return nil, fmt.Errorf("daemon already running (pid %d)", pid)
		}
		return nil, errors.New("daemon already running")
	}
	// #nosec G306
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return func() {
		_ = os.Remove(path)
		_ = lock.Unlock()
	}, nil
}

func readPidFile(path string) (int, error) {
	// #nosec G304
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}
