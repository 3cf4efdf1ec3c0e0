// Package logx provides the process-wide structured logging facade.
//
// It wraps zerolog behind a small Field/Logger API so call sites stay
// stable while sinks (console, file) and levels can be swapped at runtime
// via Service.Apply during config hot reload.
package logx
