package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"dns-proxy/pkg/config"
)

// Logger wraps slog.Logger with proxy specific functionality.
// It is passed explicitly to every component; there is no package-level logger.
type Logger struct {
	*slog.Logger
	cfg *config.LoggingConfig
}

// New creates a new logger from configuration
func New(cfg *config.LoggingConfig) (*Logger, error) {
	var output io.Writer
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, err
		}
		output = f
	default:
		output = os.Stdout
	}

	return NewWithWriter(cfg, output), nil
}

// NewWithWriter creates a logger writing to w, ignoring cfg.Output
func NewWithWriter(cfg *config.LoggingConfig, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		cfg:    cfg,
	}
}

// NewDefault creates a logger with sensible defaults (info level, text format, stdout)
func NewDefault() *Logger {
	return NewWithWriter(&config.LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	}, os.Stdout)
}

// NewDiscard returns a logger that drops everything. Useful in tests.
func NewDiscard() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:    &config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"},
	}
}

// WithField creates a new logger with an additional field
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{
		Logger: l.Logger.With(key, value),
		cfg:    l.cfg,
	}
}

// QueriesEnabled reports whether per-query records are emitted
func (l *Logger) QueriesEnabled() bool {
	return l != nil && l.cfg != nil && l.cfg.LogQueries
}

// Query emits one record describing how a query was answered.
// It is a no-op unless logging.log_queries is set.
func (l *Logger) Query(ctx context.Context, msg string, args ...any) {
	if !l.QueriesEnabled() {
		return
	}
	l.Logger.With("category", "query").InfoContext(ctx, msg, args...)
}

// parseLevel converts string level to slog.Level
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
