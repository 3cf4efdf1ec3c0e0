//go:build unix
// +build unix

package rlimit

import (
	"golang.org/x/sys/unix"

	logx "mediadash/pkg/logx"
)

// Supported reports whether setrlimit primitives exist on this platform.
func Supported() bool { return true }

func apply(log logx.Logger, addressSpaceMB, cpuSeconds int) {
	if addressSpaceMB > 0 {
		limit := uint64(addressSpaceMB) * 1024 * 1024
		rl := unix.Rlimit{Cur: limit, Max: limit}
		if err := unix.Setrlimit(unix.RLIMIT_AS, &rl); err != nil {
			if !log.IsZero() {
				log.Warn("setrlimit(RLIMIT_AS) failed; address space unbounded", logx.Int("mb", addressSpaceMB), logx.Err(err))
			}
		} else if !log.IsZero() {
			log.Debug("address-space ceiling applied", logx.Int("mb", addressSpaceMB))
		}
	}

	if cpuSeconds > 0 {
		// Soft limit delivers SIGXCPU at the ceiling; the hard limit a few
		// seconds later is the kernel's SIGKILL backstop if the worker
		// ignores it.
		soft := uint64(cpuSeconds)
		rl := unix.Rlimit{Cur: soft, Max: soft + 5}
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &rl); err != nil {
			if !log.IsZero() {
				log.Warn("setrlimit(RLIMIT_CPU) failed; cpu time unbounded", logx.Int("sec", cpuSeconds), logx.Err(err))
			}
		} else if !log.IsZero() {
			log.Debug("cpu-time ceiling applied", logx.Int("sec", cpuSeconds))
		}
	}
}
