// Package logger provides the structured logging interface used by loops,
// acceptors, and sessions, with zerolog-backed implementations.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Field represents a key-value pair for structured log output.
type Field struct {
	Key   string
	Value any
}

// Logger is an interface for structured logging. Components derive scoped
// loggers with With so every entry carries the loop name or session ID.
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	//
	// Parameters:
	//   - msg: The log message
	//   - fields: Optional key-value pairs to include in the log entry
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	//
	// Parameters:
	//   - msg: The log message
	//   - fields: Optional key-value pairs to include in the log entry
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level with optional structured fields.
	//
	// Parameters:
	//   - msg: The log message
	//   - fields: Optional key-value pairs to include in the log entry
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	//
	// Parameters:
	//   - msg: The log message
	//   - fields: Optional key-value pairs to include in the log entry
	Error(msg string, fields ...Field)

	// With returns a new Logger that includes the given fields in all
	// subsequent log entries. The original Logger is unchanged.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - A new Logger with the specified fields
	With(fields ...Field) Logger
}

type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger builds a Logger that wraps the given zerolog.Logger,
// adding a component name and timestamp to all entries and filtering by level.
//
// Parameters:
//   - l: The zerolog.Logger to wrap
//   - component: Name added as the "component" field to every entry
//   - level: Minimum level to log (e.g. zerolog.InfoLevel)
//
// Returns:
//   - A Logger that writes through the given zerolog instance
func NewZerologLogger(l zerolog.Logger, component string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("component", component).Timestamp().Logger().Level(level),
	}
}

// NewWriterLogger creates a Logger that writes JSON lines to w.
//
// Parameters:
//   - w: Destination of log entries
//   - component: Name added as the "component" field to every entry
//   - level: Minimum level to log
//
// Returns:
//   - A Logger writing to w
func NewWriterLogger(w io.Writer, component string, level zerolog.Level) Logger {
	return NewZerologLogger(zerolog.New(w), component, level)
}

// NewConsoleLogger creates a Logger with human-readable output on stderr.
//
// Parameters:
//   - component: Name added as the "component" field to every entry
//   - level: Minimum level to log
//
// Returns:
//   - A Logger writing to stderr
func NewConsoleLogger(component string, level zerolog.Level) Logger {
	return NewZerologLogger(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}), component, level)
}

// NewNopLogger returns a Logger that discards everything. Components fall back
// to it when no logger is configured.
func NewNopLogger() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// OrNop returns l, or a nop logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NewNopLogger()
	}

	return l
}

// Debug implements Logger.
func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

// Info implements Logger.
func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

// Warn implements Logger.
func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

// Error implements Logger.
func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

// With implements Logger.
func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{
		logger: z.logger.With().Fields(toMap(fields)).Logger(),
	}
}

// toMap converts a slice of Field into a map for zerolog.
func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}
