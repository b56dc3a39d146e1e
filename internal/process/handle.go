package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// terminateWait bounds how long Terminate waits for the tree to be reaped.
const terminateWait = 5 * time.Second

// Handle is a supervised subprocess. Only liveness and termination are exposed.
type Handle struct {
	cmd         *exec.Cmd
	pid         int
	started     time.Time
	killTimeout time.Duration
	closers     []io.Closer
	// leader creation time in ms as gopsutil reports it; 0 when unknown
	leaderStart int64

	done    chan struct{}
	mu      sync.Mutex
	waitErr error
}

func newHandle(cmd *exec.Cmd, killTimeout time.Duration, closers []io.Closer) *Handle {
	h := &Handle{
		cmd:         cmd,
		pid:         cmd.Process.Pid,
		started:     time.Now(),
		killTimeout: killTimeout,
		closers:     closers,
		done:        make(chan struct{}),
	}
	// sampled before wait can reap the leader, so the pid still names it
	h.leaderStart, _ = createTime(h.pid)
	go h.wait()
	return h
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.waitErr = err
	h.mu.Unlock()
	for _, c := range h.closers {
		_ = c.Close()
	}
	close(h.done)
}

// PID returns the process id of the shell wrapper, which also leads its process group.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns when the process was launched.
func (h *Handle) StartedAt() time.Time { return h.started }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Alive reports whether the process has not exited yet.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit status, or -1 while running or when killed by a signal.
func (h *Handle) ExitCode() int {
	if h.Alive() {
		return -1
	}
	h.mu.Lock()
	err := h.waitErr
	h.mu.Unlock()
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func (h *Handle) exitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// Terminate kills the process and its descendants. It is safe to call more
// than once and on a process that already exited.
func (h *Handle) Terminate() error {
	if h.killTimeout > 0 && h.Alive() {
		_ = interruptTree(h.pid)
		select {
		case <-h.done:
		case <-time.After(h.killTimeout):
		}
	}
	// The leader may be gone while group members survive, so signal unless the
	// pid has since been handed to an unrelated process.
	if !h.Alive() && h.leaderReplaced() {
		return nil
	}
	if err := killTree(h.pid); err != nil && h.Alive() {
		return fmt.Errorf("kill process %d: %w", h.pid, err)
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(terminateWait):
		return fmt.Errorf("process %d did not exit within %s", h.pid, terminateWait)
	}
}

// leaderReplaced reports whether the reaped leader's pid now belongs to a newer
// process. A pid is not reissued while it still names a live process group, so
// a replacement also means none of our group survived.
func (h *Handle) leaderReplaced() bool {
	if h.leaderStart == 0 {
		return false
	}
	ct, err := createTime(h.pid)
	return err == nil && ct != h.leaderStart
}

func createTime(pid int) (int64, error) {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	return p.CreateTime()
}

// Usage is a point-in-time resource sample of the process tree leader.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumThreads int32   `json:"num_threads"`
}

// Usage samples CPU and memory of the leader process.
func (h *Handle) Usage() (Usage, error) {
	if !h.Alive() {
		return Usage{}, fmt.Errorf("process %d is not running", h.pid)
	}
	p, err := gopsproc.NewProcess(int32(h.pid))
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		u.RSSBytes = mem.RSS
	}
	if n, err := p.NumThreads(); err == nil {
		u.NumThreads = n
	}
	return u, nil
}
