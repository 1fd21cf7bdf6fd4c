package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Format represents the log output format
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Level represents log levels
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level  Level
	Format Format
	Output io.Writer // defaults to os.Stdout if nil
}

// DefaultConfig returns a default logging configuration
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatConsole,
		Output: os.Stdout,
	}
}

var defaultLogger *slog.Logger

func init() {
	// Initialize with default console logger
	cfg := DefaultConfig()
	defaultLogger = New(cfg)
}

// New creates a new structured logger with the given configuration
func New(cfg Config) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	level := parseLevel(cfg.Level)

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	default:
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

// ParseLevel validates a level name (case-insensitive)
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(s)); l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return l, nil
	}
	return "", fmt.Errorf("invalid log level %q (want debug, info, warn or error)", s)
}

// ParseFormat validates a format name; "text" is accepted for console
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "console", "text":
		return FormatConsole, nil
	}
	return "", fmt.Errorf("invalid log format %q (want json or console)", s)
}

// parseLevel converts a Level string to slog.Level
func parseLevel(level Level) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault sets the default logger for the package
func SetDefault(logger *slog.Logger) {
	defaultLogger = logger
	slog.SetDefault(logger)
}

// Default returns the default logger
func Default() *slog.Logger {
	return defaultLogger
}

// Context keys for logging
type contextKey string

const (
	// ContextKeySessionID is the context key for the run's session ID
	ContextKeySessionID contextKey = "session_id"
	// ContextKeyStore is the context key for the store path
	ContextKeyStore contextKey = "store"
)

// WithSessionID adds session ID to context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// SessionID returns the session ID stored in ctx, or ""
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeySessionID).(string)
	return id
}

// WithStore adds the store path to context
func WithStore(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, ContextKeyStore, path)
}

// FromContext returns logger annotated with the session and store found in ctx
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := SessionID(ctx); id != "" {
		logger = logger.With(slog.String("session_id", id))
	}
	if store, ok := ctx.Value(ContextKeyStore).(string); ok && store != "" {
		logger = logger.With(slog.String("store", store))
	}
	return logger
}

// TickAttrs returns common attributes for tick logging
func TickAttrs(seq uint64, samples int, duration time.Duration) []slog.Attr {
	return []slog.Attr{
		slog.Uint64("tick", seq),
		slog.Int("samples", samples),
		slog.Int64("duration_ms", duration.Milliseconds()),
	}
}

// QueryAttrs returns common attributes for per-query logging
func QueryAttrs(label, target, metricID string) []slog.Attr {
	return []slog.Attr{
		slog.String("label", label),
		slog.String("target", target),
		slog.String("oid", metricID),
	}
}

// ErrorAttrs returns common attributes for error logging
func ErrorAttrs(err error) []slog.Attr {
	if err == nil {
		return nil
	}
	return []slog.Attr{
		slog.String("error", err.Error()),
		slog.String("error_type", errorType(err)),
	}
}

// errorType attempts to determine the type of error
func errorType(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", err)
}

// LogQueryError logs one failed query with standard fields
func LogQueryError(logger *slog.Logger, label, target, metricID string, err error) {
	attrs := QueryAttrs(label, target, metricID)
	attrs = append(attrs, ErrorAttrs(err)...)
	logger.LogAttrs(context.Background(), slog.LevelWarn, "Query failed", attrs...)
}
