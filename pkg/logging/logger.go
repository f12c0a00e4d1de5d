// Package logging provides the structured logger used by every component of
// the adaptive learning core.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel represents the severity level of a log entry.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds configuration for the structured logger.
type Config struct {
	Level       LogLevel `json:"level" yaml:"level"`
	Format      string   `json:"format" yaml:"format"` // "json" or "text"
	ServiceName string   `json:"service_name" yaml:"service_name"`
	AddSource   bool     `json:"add_source" yaml:"add_source"`
	TimeFormat  string   `json:"time_format" yaml:"time_format"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig(serviceName string) Config {
	return Config{
		Level:       LevelInfo,
		Format:      "json",
		ServiceName: serviceName,
		TimeFormat:  time.RFC3339,
	}
}

// StructuredLogger wraps slog with service and component context.
type StructuredLogger struct {
	*slog.Logger
	serviceName string
	component   string
}

// NewStructuredLogger creates a logger writing to stdout.
func NewStructuredLogger(config Config) *StructuredLogger {
	return NewStructuredLoggerTo(os.Stdout, config)
}

// NewStructuredLoggerTo creates a logger writing to w. Used by tests to
// capture output.
func NewStructuredLoggerTo(w io.Writer, config Config) *StructuredLogger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(config.Level),
		AddSource: config.AddSource,
	}
	if config.TimeFormat != "" {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(config.TimeFormat))
			}
			return a
		}
	}

	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	if config.ServiceName != "" {
		logger = logger.With("service", config.ServiceName)
	}

	return &StructuredLogger{
		Logger:      logger,
		serviceName: config.ServiceName,
	}
}

// WithComponent creates a logger scoped to a specific component.
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return &StructuredLogger{
		Logger:      sl.Logger.With("component", component),
		serviceName: sl.serviceName,
		component:   component,
	}
}

// LogOperation logs the start and completion (or failure) of an operation
// and returns the operation's error unchanged.
func (sl *StructuredLogger) LogOperation(operationName string, fn func() error) error {
	start := time.Now()
	sl.Debug("operation started", "operation", operationName)

	err := fn()
	duration := time.Since(start)

	if err != nil {
		sl.Error("operation failed",
			"operation", operationName,
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
	} else {
		sl.Info("operation completed",
			"operation", operationName,
			"duration_ms", duration.Milliseconds(),
		)
	}
	return err
}

// Slog returns the underlying slog logger for components that accept a
// plain *slog.Logger.
func (sl *StructuredLogger) Slog() *slog.Logger {
	return sl.Logger
}

// NopLogger returns a logger that discards everything. Useful default when
// the caller supplies no logger.
func NopLogger() *StructuredLogger {
	return NewStructuredLoggerTo(io.Discard, Config{Level: LevelError, Format: "text"})
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level LogLevel) slog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
