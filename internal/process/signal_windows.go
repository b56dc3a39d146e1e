//go:build windows

package process

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// interruptTree is a no-op: console-less process groups cannot receive Ctrl+Break reliably.
func interruptTree(pid int) error { return nil }

// killTree kills pid and all of its descendants. cmd /c does not take its
// children down with it, so the tree is walked explicitly, leaves first.
func killTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		// already gone
		return nil
	}
	return killDescendants(p)
}

func killDescendants(p *gopsproc.Process) error {
	children, _ := p.Children()
	for _, c := range children {
		_ = killDescendants(c)
	}
	if err := p.Kill(); err != nil {
		if ok, _ := gopsproc.PidExists(p.Pid); !ok {
			return nil
		}
		return err
	}
	return nil
}
