//go:build unix
// +build unix

package job

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup places the worker in its own process group so that
// termination signals reach every descendant, not just the direct child.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalTerm asks the worker tree to exit gracefully. The runner
// escalates to killHard after the grace window. Setpgid makes the
// worker's pid its pgid, so the negative pid addresses the whole group;
// if the group is already gone, fall back to the direct child.
func signalTerm(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGTERM); err == nil {
		return nil
	}
	return p.Signal(syscall.SIGTERM)
}

// killHard force-kills the worker's whole process group.
func killHard(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return p.Kill()
}

// killedByCPULimit reports whether the worker died from the kernel's
// CPU-time ceiling (SIGXCPU on soft-limit breach).
func killedByCPULimit(ps *os.ProcessState) bool {
	if ps == nil {
		return false
	}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return false
	}
	return ws.Signal() == syscall.SIGXCPU
}

// termSignalName names the signal that terminated the worker, or "".
func termSignalName(ps *os.ProcessState) string {
	if ps == nil {
		return ""
	}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return ws.Signal().String()
}
