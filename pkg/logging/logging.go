// Package logging provides the module-wide structured logger.
//
// It mirrors the call shape used throughout the teacher codebase
// (Debugf/Infof/Warnf/Errorf plus a structured *w variant) but is backed
// directly by log/slog rather than a bespoke wrapper, since nothing in this
// module needs more than level-gated structured output.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// SetLogger replaces the package-level logger. Embedding applications that
// already run a slog.Logger can call this once at startup to route this
// module's logs into their own handler.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	logger.Store(l)
}

// L returns the current package-level logger.
func L() *slog.Logger {
	return logger.Load()
}

func Debugf(format string, args ...any) { L().Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { L().Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { L().Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { L().Error(fmt.Sprintf(format, args...)) }

// Debugw, Infow, Warnw and Errorw log a message with structured key/value
// pairs, e.g. logging.Warnw("refresh failed", "attempt", n, "code", code).
func Debugw(msg string, kv ...any) { L().Debug(msg, kv...) }
func Infow(msg string, kv ...any)  { L().Info(msg, kv...) }
func Warnw(msg string, kv ...any)  { L().Warn(msg, kv...) }
func Errorw(msg string, kv ...any) { L().Error(msg, kv...) }
