//go:build !unix
// +build !unix

package rlimit

import logx "mediadash/pkg/logx"

// Supported reports whether setrlimit primitives exist on this platform.
func Supported() bool { return false }

// Unreachable: Apply short-circuits when Supported() is false. Kept so both
// platform files expose the same surface.
func apply(_ logx.Logger, _, _ int) {}
