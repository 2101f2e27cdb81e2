package logging

import "github.com/rs/zerolog"

// Zerolog adapts a zerolog.Logger to the Logger interface. Attribute args are
// key/value pairs, as with slog.
func Zerolog(logger zerolog.Logger) Logger {
	return zerologAdapter{logger: logger}
}

type zerologAdapter struct {
	logger zerolog.Logger
}

func (z zerologAdapter) Debug(msg string, args ...any) { z.emit(z.logger.Debug(), msg, args) }

func (z zerologAdapter) Info(msg string, args ...any) { z.emit(z.logger.Info(), msg, args) }

func (z zerologAdapter) Warn(msg string, args ...any) { z.emit(z.logger.Warn(), msg, args) }

func (z zerologAdapter) Error(msg string, args ...any) { z.emit(z.logger.Error(), msg, args) }

func (z zerologAdapter) emit(e *zerolog.Event, msg string, args []any) {
	if len(args) != 0 {
		e = e.Fields(pairs(args))
	}
	e.Msg(msg)
}

func (z zerologAdapter) WithAttrs(args ...any) Logger {
	return zerologAdapter{logger: z.logger.With().Fields(pairs(args)).Logger()}
}

// pairs drops a dangling key so zerolog does not see an odd-length list.
func pairs(args []any) []any {
	if len(args)%2 == 1 {
		return args[:len(args)-1]
	}
	return args
}
