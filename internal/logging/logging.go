// Package logging holds the process-wide logger used by the IMAP client and
// its transports.
package logging

import (
	"log/slog"
	"os"
	"sync/atomic"
)

// Component is attached to every logger handed out by this package.
const Component = "imap/agent"

// Logger defines the minimal logging interface used by the IMAP client.
//
// Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	WithAttrs(args ...any) Logger
}

var global atomic.Value // stores Logger

func init() {
	global.Store(defaultLogger())
}

func defaultLogger() Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return Slog(slog.New(handler)).WithAttrs("component", Component)
}

// Set replaces the global logger. Passing nil restores the built-in slog
// logger.
func Set(logger Logger) {
	if logger == nil {
		global.Store(defaultLogger())
		return
	}
	global.Store(logger.WithAttrs("component", Component))
}

// Get returns the currently configured logger.
func Get() Logger {
	if l, ok := global.Load().(Logger); ok {
		return l
	}
	l := defaultLogger()
	global.Store(l)
	return l
}

// Slog adapts a *slog.Logger to the Logger interface.
func Slog(logger *slog.Logger) Logger {
	if logger == nil {
		return nil
	}
	return slogAdapter{logger: logger}
}

type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Debug(msg string, args ...any) { s.logger.Debug(msg, args...) }

func (s slogAdapter) Info(msg string, args ...any) { s.logger.Info(msg, args...) }

func (s slogAdapter) Warn(msg string, args ...any) { s.logger.Warn(msg, args...) }

func (s slogAdapter) Error(msg string, args ...any) { s.logger.Error(msg, args...) }

func (s slogAdapter) WithAttrs(args ...any) Logger {
	return slogAdapter{logger: s.logger.With(args...)}
}

// Discard returns a Logger that drops everything.
func Discard() Logger {
	return slogAdapter{logger: slog.New(slog.DiscardHandler)}
}
