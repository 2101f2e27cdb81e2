package imap

import (
	"log/slog"

	"github.com/rs/zerolog"

	"github.com/mailiner/go-imap/internal/logging"
)

// Logger defines the minimal logging interface used by the IMAP client.
//
// Implementations must be safe for concurrent use.
type Logger = logging.Logger

// SetLogger replaces the global logger used by the package. Passing nil
// restores the built-in slog logger.
func SetLogger(logger Logger) {
	logging.Set(logger)
}

// SetSlogLogger is a convenience helper for using a *slog.Logger directly.
func SetSlogLogger(logger *slog.Logger) {
	SetLogger(SlogLogger(logger))
}

// SlogLogger adapts a *slog.Logger to the Logger interface.
func SlogLogger(logger *slog.Logger) Logger {
	return logging.Slog(logger)
}

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
func ZerologLogger(logger zerolog.Logger) Logger {
	return logging.Zerolog(logger)
}

// sessionLogger adds per-session context to the configured logger.
func sessionLogger(session, mailbox string) Logger {
	args := []any{"session", session}
	if mailbox != "" {
		args = append(args, "mailbox", mailbox)
	}
	return logging.Get().WithAttrs(args...)
}

// debugLog emits a debug log entry when verbose logging is enabled.
func (s *Session) debugLog(msg string, args ...any) {
	if !Verbose {
		return
	}
	sessionLogger(s.id, s.mailbox).Debug(msg, args...)
}

func (s *Session) warnLog(msg string, args ...any) {
	sessionLogger(s.id, s.mailbox).Warn(msg, args...)
}
