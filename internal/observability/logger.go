// Package observability provides structured logging, correlation-id
// propagation, and tracing bootstrap for the aggregator.
package observability

import (
	"context"
	"io"
	"log/slog"
)

// Logger wraps slog.Logger with correlation-id support.
type Logger struct {
	*slog.Logger
}

// LoggerConfig contains configuration for the logger.
type LoggerConfig struct {
	Level      slog.Level
	Output     io.Writer
	AddSource  bool
	JSONFormat bool
}

// NewLogger creates a new structured logger.
func NewLogger(cfg LoggerConfig) *Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSONFormat {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// ParseLevel maps a config string to a slog level. Unknown values
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRequestID returns a logger tagged with the correlation id from ctx.
func (l *Logger) WithRequestID(ctx context.Context) *Logger {
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		return l
	}
	return &Logger{Logger: l.Logger.With("request_id", requestID)}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.Logger
}
