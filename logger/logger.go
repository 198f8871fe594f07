// Package logger provides the structured logging interface used across the
// server, backed by zerolog. Loggers can write to stdout as JSON, to a
// human-friendly console, or to stdout plus daily-rotated files.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field represents a key-value pair for structured log output.
type Field struct {
	Key   string
	Value any
}

// Logger is the structured logging contract shared by every package.
// Components receive one and derive scoped children with With, typically
// one per session.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a child Logger that adds fields to every entry. The
	// receiver is not modified.
	With(fields ...Field) Logger

	// Close releases the log files opened by the constructor. Children
	// returned by With never own files, so closing them is a no-op.
	Close() error
}

// zlog adapts a zerolog.Logger to Logger.
type zlog struct {
	zl    zerolog.Logger
	files io.Closer
}

// ParseLevel converts a configuration level name (debug, info, warn, error;
// case-insensitive) into a zerolog level.
//
// Parameters:
//   - level: The level name
//
// Returns:
//   - The matching zerolog.Level, or an error for unknown names
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewZerologLogger builds a Logger that wraps the given zerolog.Logger,
// adding a service name and timestamp to all entries and filtering by level.
//
// Parameters:
//   - l: The zerolog.Logger to wrap
//   - serviceName: Name of the service, added as a field to every log entry
//   - level: Minimum level to log
//
// Returns:
//   - A Logger that writes through the given zerolog instance
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zlog{zl: l.With().Str("service", serviceName).Timestamp().Logger().Level(level)}
}

// NewWriterLogger builds a JSON Logger writing to w.
func NewWriterLogger(w io.Writer, serviceName string, level zerolog.Level) Logger {
	return NewZerologLogger(zerolog.New(w), serviceName, level)
}

// NewConsoleLogger builds a Logger that writes colourised, human-readable
// lines to stderr.
func NewConsoleLogger(serviceName string, level zerolog.Level) Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return NewZerologLogger(zerolog.New(out), serviceName, level)
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return &zlog{zl: zerolog.Nop()}
}

// NewZerologFileLogger creates a Logger that writes to both stdout and
// daily-rotated log files in logDir, named {serviceName}_{date}.log.
//
// Parameters:
//   - serviceName: Name of the service, used in log entries and file names
//   - logDir: Directory for log files; created if it does not exist
//   - level: Minimum level to log
//
// Returns:
//   - A Logger that writes to stdout and rotating files
//   - An error if the directory or the first file cannot be created
func NewZerologFileLogger(serviceName string, logDir string, level zerolog.Level) (Logger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	fileWriter, err := NewDailyFileWriter(serviceName, logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create file writer: %w", err)
	}

	out := zerolog.New(io.MultiWriter(os.Stdout, fileWriter))
	l := NewZerologLogger(out, serviceName, level).(*zlog)
	l.files = fileWriter
	return l, nil
}

func (l *zlog) Debug(msg string, fields ...Field) { emit(l.zl.Debug(), msg, fields) }
func (l *zlog) Info(msg string, fields ...Field)  { emit(l.zl.Info(), msg, fields) }
func (l *zlog) Warn(msg string, fields ...Field)  { emit(l.zl.Warn(), msg, fields) }
func (l *zlog) Error(msg string, fields ...Field) { emit(l.zl.Error(), msg, fields) }

func (l *zlog) With(fields ...Field) Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &zlog{zl: ctx.Logger()}
}

func (l *zlog) Close() error {
	if l.files == nil {
		return nil
	}
	return l.files.Close()
}

// emit writes fields in call order. A nil event means the level is disabled.
func emit(ev *zerolog.Event, msg string, fields []Field) {
	if ev == nil {
		return
	}
	for _, f := range fields {
		ev = ev.Interface(f.Key, f.Value)
	}
	ev.Msg(msg)
}
