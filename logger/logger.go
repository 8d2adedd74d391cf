// Package logger provides the structured logging interface used across
// filesfer, backed by zerolog, with optional daily-rotated log files.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// Logger is the structured logger used by every filesfer component.
// Component and connection loggers are derived with With.
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	Error(msg string, fields ...Field)

	// With returns a Logger that adds fields to every entry. The receiver
	// is unchanged.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - A new Logger with the specified fields
	With(fields ...Field) Logger

	// Close releases resources held by the logger (e.g. file handles).
	// Derived loggers never close the parent's files.
	Close() error
}

// Options configures New.
type Options struct {
	// Service is added as the "service" field of every entry.
	Service string

	// Level is a zerolog level name: debug, info, warn, error.
	Level string

	// Format is "json" or "console".
	Format string

	// Dir, when set, additionally writes JSON entries to daily-rotated files
	// named {Service}_{date}.log in this directory.
	Dir string

	// Output overrides stdout. Used by tests.
	Output io.Writer
}

type zerologLogger struct {
	logger         zerolog.Logger
	fileWriter     *DailyFileWriter
	ownsFileWriter bool
}

// New builds a Logger from Options.
//
// Parameters:
//   - opts: Service name, level, format and optional log directory
//
// Returns:
//   - The Logger
//   - An error if the level is unknown or the log directory cannot be used
func New(opts Options) (Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	if opts.Output != nil {
		out = opts.Output
	}

	if strings.EqualFold(opts.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	var fileWriter *DailyFileWriter
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		fileWriter, err = NewDailyFileWriter(opts.Service, opts.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to create file writer: %w", err)
		}

		out = zerolog.MultiLevelWriter(out, fileWriter)
	}

	return &zerologLogger{
		logger:         zerolog.New(out).With().Str("service", opts.Service).Timestamp().Logger().Level(level),
		fileWriter:     fileWriter,
		ownsFileWriter: fileWriter != nil,
	}, nil
}

// NewZerologLogger wraps an existing zerolog.Logger, adding the service name
// and a timestamp to every entry.
//
// Parameters:
//   - l: The zerolog.Logger to wrap
//   - serviceName: Name added as the "service" field
//   - level: Minimum level to log
//
// Returns:
//   - A Logger that writes through l
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level),
	}
}

// NewNop returns a Logger that discards everything.
func NewNop() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// ParseLevel maps a level name to a zerolog level. An empty name means info.
func ParseLevel(name string) (zerolog.Level, error) {
	if strings.TrimSpace(name) == "" {
		return zerolog.InfoLevel, nil
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", name, err)
	}

	return level, nil
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
		logger:     z.logger.With().Fields(toMap(fields)).Logger(),
		fileWriter: z.fileWriter,
	}
}

// Close implements Logger.
func (z *zerologLogger) Close() error {
	if z.fileWriter != nil && z.ownsFileWriter {
		return z.fileWriter.Close()
	}

	return nil
}

func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			m[f.Key] = err.Error()
			continue
		}

		m[f.Key] = f.Value
	}

	return m
}
