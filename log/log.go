// Package log provides structured logging for the block processing pipeline.
// It wraps go.uber.org/zap with per-module child loggers and key-value
// style call sites.
package log

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a leveled, structured logger. Methods take a message followed by
// alternating key/value pairs.
type Logger struct {
	inner *zap.SugaredLogger
	level zap.AtomicLevel
}

var defaultLogger *Logger

func init() {
	defaultLogger = New(zapcore.InfoLevel)
}

// Format selects the encoder used for log lines.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// New creates a Logger that writes JSON to stderr at the given level.
func New(level zapcore.Level) *Logger {
	return NewWithWriter(os.Stderr, level, FormatJSON)
}

// NewWithWriter creates a Logger writing to w with the chosen encoder.
func NewWithWriter(w io.Writer, level zapcore.Level, format Format) *Logger {
	atom := zap.NewAtomicLevelAt(level)
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "t"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch format {
	case FormatConsole:
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(w), atom)
	return &Logger{inner: zap.New(core).Sugar(), level: atom}
}

// NewFromConfig parses a level name ("debug", "info", ...) and format.
func NewFromConfig(level, format string) (*Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log: %w", err)
	}
	switch Format(format) {
	case "", FormatJSON, FormatConsole:
	default:
		return nil, fmt.Errorf("log: unknown format %q", format)
	}
	return NewWithWriter(os.Stderr, lvl, Format(format)), nil
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return &Logger{inner: zap.NewNop().Sugar(), level: zap.NewAtomicLevelAt(zapcore.FatalLevel)}
}

// SetDefault replaces the package-level default logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Default returns the current package-level default logger.
func Default() *Logger {
	return defaultLogger
}

// Module returns a child logger tagged with a "module" field.
func (l *Logger) Module(name string) *Logger {
	return &Logger{inner: l.inner.With("module", name), level: l.level}
}

// With returns a child logger with additional key-value context.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{inner: l.inner.With(args...), level: l.level}
}

// SetLevel changes the level of this logger and all loggers derived from it.
func (l *Logger) SetLevel(level zapcore.Level) { l.level.SetLevel(level) }

// Enabled reports whether the logger emits entries at level.
func (l *Logger) Enabled(level zapcore.Level) bool { return l.level.Enabled(level) }

func (l *Logger) Debug(msg string, args ...any) { l.inner.Debugw(msg, args...) }

func (l *Logger) Info(msg string, args ...any) { l.inner.Infow(msg, args...) }

func (l *Logger) Warn(msg string, args ...any) { l.inner.Warnw(msg, args...) }

func (l *Logger) Error(msg string, args ...any) { l.inner.Errorw(msg, args...) }

// Sync flushes buffered entries.
func (l *Logger) Sync() error { return l.inner.Sync() }

// Debug logs at debug level using the default logger.
func Debug(msg string, args ...any) { defaultLogger.Debug(msg, args...) }

// Info logs at info level using the default logger.
func Info(msg string, args ...any) { defaultLogger.Info(msg, args...) }

// Warn logs at warn level using the default logger.
func Warn(msg string, args ...any) { defaultLogger.Warn(msg, args...) }

// Error logs at error level using the default logger.
func Error(msg string, args ...any) { defaultLogger.Error(msg, args...) }
