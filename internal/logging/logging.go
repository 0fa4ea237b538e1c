// Package logging provides structured logging via zap, configured once at
// startup and used through package-level functions.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "console"
}

var logger = zap.NewNop()

// Init configures the global logger. Must be called before any logging.
func Init(cfg Config) error {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	l, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	logger = l
	return nil
}

// Sync flushes buffered log entries. Call via defer in main.
func Sync() {
	_ = logger.Sync()
}

// With returns a child logger carrying the given fields.
func With(fields ...zap.Field) *zap.Logger {
	return logger.With(fields...)
}

// Debug logs a debug message.
func Debug(msg string, fields ...zap.Field) { logger.Debug(msg, fields...) }

// Info logs an info message.
func Info(msg string, fields ...zap.Field) { logger.Info(msg, fields...) }

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) { logger.Warn(msg, fields...) }

// Error logs an error message.
func Error(msg string, fields ...zap.Field) { logger.Error(msg, fields...) }

// Fatal logs a fatal message and exits.
func Fatal(msg string, fields ...zap.Field) { logger.Fatal(msg, fields...) }
