package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/gitview/internal/detector"
	"github.com/loykin/gitview/internal/env"
	"github.com/loykin/gitview/internal/logger"
)

// DefaultGraceWindow is how long a server must survive after launch to count as started.
const DefaultGraceWindow = 2 * time.Second

// Config tunes the supervisor.
type Config struct {
	GraceWindow    time.Duration // zero means DefaultGraceWindow
	InstallTimeout time.Duration // zero disables the deadline
	KillTimeout    time.Duration // SIGTERM grace before SIGKILL; zero kills immediately
	Env            *env.Env      // base environment; nil uses the daemon's environment
	Log            logger.Config // ProcessDir enables per-project output files
	RunDir         string        // pid files of live servers; empty disables orphan tracking
}

// Supervisor spawns install steps and dev servers through the platform shell.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
}

func NewSupervisor(cfg Config, l *slog.Logger) *Supervisor {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.Env == nil {
		cfg.Env = env.New(nil)
	}
	if l == nil {
		l = slog.Default()
	}
	return &Supervisor{cfg: cfg, logger: l.With("component", "supervisor")}
}

// GraceWindow returns the effective grace window.
func (s *Supervisor) GraceWindow() time.Duration { return s.cfg.GraceWindow }

// RunInstall runs command in dir and blocks until it exits. Cancelling ctx
// kills the install tree and returns ctx.Err(). An empty command is a no-op.
func (s *Supervisor) RunInstall(ctx context.Context, name, dir, command string) error {
	if strings.TrimSpace(command) == "" {
		return nil
	}
	runCtx := ctx
	if s.cfg.InstallTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.InstallTimeout)
		defer cancel()
	}
	cmd := s.command(dir, command, s.cfg.Env.Merge())
	closers := s.attachOutput(cmd, name+".install")
	log := s.logger.With("name", name, "dir", dir, "command", command)
	log.Info("running install")
	started := time.Now()
	if err := cmd.Start(); err != nil {
		closeAll(closers)
		return &InstallFailure{ExitCode: -1, Err: err}
	}
	h := newHandle(cmd, 0, closers)
	select {
	case <-h.Done():
	case <-runCtx.Done():
		_ = h.Terminate()
		if ctx.Err() != nil {
			log.Warn("install cancelled", "pid", h.PID())
			return ctx.Err()
		}
		log.Warn("install timed out", "pid", h.PID(), "timeout", s.cfg.InstallTimeout)
		return &InstallFailure{ExitCode: -1, Err: fmt.Errorf("%w after %s", ErrInstallTimeout, s.cfg.InstallTimeout)}
	}
	if code := h.ExitCode(); code != 0 {
		log.Warn("install failed", "exit_code", code, "elapsed", time.Since(started))
		return &InstallFailure{ExitCode: code}
	}
	log.Info("install finished", "elapsed", time.Since(started))
	return nil
}

// StartServer launches command in dir bound to port and waits out the grace
// window. A process that exits within the window yields ErrStartupFailure.
func (s *Supervisor) StartServer(ctx context.Context, name, dir, command string, port int) (*Handle, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("%w: empty run command", ErrStartupFailure)
	}
	cmdline := InjectPort(command, port)
	cmd := s.command(dir, cmdline, s.cfg.Env.Merge("PORT="+strconv.Itoa(port)))
	closers := s.attachOutput(cmd, name)
	log := s.logger.With("name", name, "dir", dir, "command", cmdline, "port", port)
	if err := cmd.Start(); err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("%w: %v", ErrStartupFailure, err)
	}
	if pf := s.pidFile(name); pf != "" {
		meta := detector.Meta{Name: name, Port: port, Dir: dir}
		if err := detector.WritePIDFile(pf, cmd.Process.Pid, meta); err != nil {
			log.Warn("pid file not written", "path", pf, "error", err)
		} else {
			closers = append(closers, pidFileCloser(pf))
		}
	}
	h := newHandle(cmd, s.cfg.KillTimeout, closers)
	log.Info("server launched", "pid", h.PID(), "grace", s.cfg.GraceWindow)

	timer := time.NewTimer(s.cfg.GraceWindow)
	defer timer.Stop()
	select {
	case <-h.Done():
		log.Warn("server exited within grace window", "exit_code", h.ExitCode())
		if err := h.exitErr(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStartupFailure, err)
		}
		return nil, fmt.Errorf("%w: exited with status 0", ErrStartupFailure)
	case <-ctx.Done():
		_ = h.Terminate()
		return nil, ctx.Err()
	case <-timer.C:
	}
	return h, nil
}

// ReapOrphan kills a server for name left running by an earlier daemon, as
// recorded in its pid file, and returns the killed pid. It returns 0 when
// there is nothing to reap or RunDir is unset.
func (s *Supervisor) ReapOrphan(name string) (int, error) {
	pf := s.pidFile(name)
	if pf == "" {
		return 0, nil
	}
	rec, alive, err := detector.PIDFileDetector{Path: pf}.Inspect()
	if err != nil {
		_ = os.Remove(pf)
		return 0, fmt.Errorf("inspect %s: %w", pf, err)
	}
	if !alive {
		if err := os.Remove(pf); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, err
		}
		return 0, nil
	}
	s.logger.Warn("killing orphaned server", "name", name, "pid", rec.PID, "port", rec.Meta.Port)
	if err := killTree(rec.PID); err != nil {
		return 0, fmt.Errorf("kill orphan %d: %w", rec.PID, err)
	}
	_ = os.Remove(pf)
	return rec.PID, nil
}

func (s *Supervisor) pidFile(name string) string {
	if s.cfg.RunDir == "" {
		return ""
	}
	return filepath.Join(s.cfg.RunDir, name+".pid")
}

// pidFileCloser removes the pid file once the server has been reaped.
type pidFileCloser string

func (p pidFileCloser) Close() error {
	err := os.Remove(string(p))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Supervisor) command(dir, script string, environ []string) *exec.Cmd {
	cmd := shellCommand(script)
	cmd.Dir = dir
	cmd.Env = environ
	configureSysProcAttr(cmd)
	return cmd
}

// attachOutput wires stdout/stderr to rotating files when configured, else to the null device.
func (s *Supervisor) attachOutput(cmd *exec.Cmd, name string) []io.Closer {
	outW, errW, err := s.cfg.Log.ProcessWriters(name)
	if err != nil {
		s.logger.Warn("process output disabled", "name", name, "error", err)
	}
	if outW == nil || errW == nil {
		null, nerr := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if nerr != nil {
			return nil
		}
		cmd.Stdout, cmd.Stderr = null, null
		return []io.Closer{null}
	}
	cmd.Stdout, cmd.Stderr = outW, errW
	return []io.Closer{outW, errW}
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}

// IsInstallFailure reports whether err is an install failure and returns it.
func IsInstallFailure(err error) (*InstallFailure, bool) {
	var f *InstallFailure
	ok := errors.As(err, &f)
	return f, ok
}
