package zap

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/LerianStudio/lib-resilience/resilience/log"
)

// Logger is the zap-backed implementation of log.Logger.
type Logger struct {
	sugared *zap.SugaredLogger
}

// Compile-time assertion: *Logger implements log.Logger.
var _ log.Logger = (*Logger)(nil)

// NewLogger creates a production zap logger at the given level. Invalid level
// strings fall back to info.
func NewLogger(level string) *Logger {
	zapLevel := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(level); err == nil {
		zapLevel = parsed
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.DisableStacktrace = true

	base, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		base = zap.NewNop()
	}

	return &Logger{sugared: base.Sugar()}
}

// FromZap wraps an existing zap logger, letting callers reuse a logger they
// already configured elsewhere.
func FromZap(base *zap.Logger) *Logger {
	if base == nil {
		base = zap.NewNop()
	}

	return &Logger{sugared: base.Sugar()}
}

func (l *Logger) must() *zap.SugaredLogger {
	if l == nil || l.sugared == nil {
		return zap.NewNop().Sugar()
	}

	return l.sugared
}

// Info implements the Info Logger interface function.
func (l *Logger) Info(args ...any) { l.must().Info(args...) }

// Infof implements the Infof Logger interface function.
func (l *Logger) Infof(format string, args ...any) { l.must().Infof(format, args...) }

// Warn implements the Warn Logger interface function.
func (l *Logger) Warn(args ...any) { l.must().Warn(args...) }

// Warnf implements the Warnf Logger interface function.
func (l *Logger) Warnf(format string, args ...any) { l.must().Warnf(format, args...) }

// Error implements the Error Logger interface function.
func (l *Logger) Error(args ...any) { l.must().Error(args...) }

// Errorf implements the Errorf Logger interface function.
func (l *Logger) Errorf(format string, args ...any) { l.must().Errorf(format, args...) }

// Debug implements the Debug Logger interface function.
func (l *Logger) Debug(args ...any) { l.must().Debug(args...) }

// Debugf implements the Debugf Logger interface function.
func (l *Logger) Debugf(format string, args ...any) { l.must().Debugf(format, args...) }

// WithFields returns a child logger with key/value pairs attached.
//
//nolint:ireturn
func (l *Logger) WithFields(fields ...any) log.Logger {
	return &Logger{sugared: l.must().With(fields...)}
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	return l.must().Sync()
}
