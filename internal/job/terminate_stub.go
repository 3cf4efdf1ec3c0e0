//go:build !unix
// +build !unix

package job

import (
	"os"
	"os/exec"
)

// Platforms without POSIX process groups run the worker unmodified.
func setProcessGroup(_ *exec.Cmd) {}

// Platforms without POSIX signals get a hard kill only; the grace window
// still applies between the two calls but both take the same path.
func signalTerm(p *os.Process) error {
	return p.Kill()
}

func killHard(p *os.Process) error {
	return p.Kill()
}

func killedByCPULimit(_ *os.ProcessState) bool { return false }

func termSignalName(_ *os.ProcessState) string { return "" }
