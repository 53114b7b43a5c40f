// Package logging provides the component-scoped structured logger shared by
// the scheduler packages.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Logger wraps zap.SugaredLogger with component context
type Logger struct {
	sugar     *zap.SugaredLogger
	component string
}

// NewLogger creates a JSON logger writing to stderr for the given component
func NewLogger(component string, level LogLevel) *Logger {
	return NewWriterLogger(os.Stderr, component, level)
}

// NewWriterLogger creates a JSON logger writing to w
func NewWriterLogger(w io.Writer, component string, level LogLevel) *Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "time"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(zapcore.AddSync(w)),
		ParseLevel(level),
	)

	return FromZap(zap.New(core), component)
}

// FromZap wraps an existing zap logger
func FromZap(base *zap.Logger, component string) *Logger {
	return &Logger{
		sugar:     base.Sugar(),
		component: component,
	}
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return FromZap(zap.NewNop(), "")
}

// ParseLevel maps a configured level name to a zap level, defaulting to info
func ParseLevel(level LogLevel) zapcore.Level {
	switch level {
	case LogLevelDebug:
		return zapcore.DebugLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// WithComponent creates a logger with component context
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		sugar:     l.sugar,
		component: component,
	}
}

// WithResource creates a logger bound to a rate-limited resource key
func (l *Logger) WithResource(key string) *Logger {
	return &Logger{
		sugar:     l.sugar.With("resource_key", key),
		component: l.component,
	}
}

// WithItem creates a logger bound to a work item
func (l *Logger) WithItem(itemID string) *Logger {
	return &Logger{
		sugar:     l.sugar.With("item_id", itemID),
		component: l.component,
	}
}

func (l *Logger) fields(args []any) []any {
	if l.component == "" {
		return args
	}
	return append([]any{"component", l.component}, args...)
}

func (l *Logger) Debug(msg string, args ...any) {
	l.sugar.Debugw(msg, l.fields(args)...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.sugar.Infow(msg, l.fields(args)...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.sugar.Warnw(msg, l.fields(args)...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.sugar.Errorw(msg, l.fields(args)...)
}

// LogError logs a failed operation with context
func (l *Logger) LogError(operation string, err error, context ...any) {
	args := append([]any{"operation", operation, "error", err.Error()}, context...)
	l.Error("operation failed", args...)
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
