// Package logging provides structured logging for the mail store core.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog with store-specific functionality.
type Logger struct {
	*slog.Logger
}

// Config configures the logger.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (json, text).
	Format string
	// Output is the output destination (stdout, stderr, or file path).
	Output string
	// AddSource adds source code location to log entries.
	AddSource bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    "json",
		Output:    "stderr",
		AddSource: false,
	}
}

// New creates a new Logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "stderr", "":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		output = f
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler)}, nil
}

// Default returns a default logger.
func Default() *Logger {
	logger, _ := New(DefaultConfig())
	return logger
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{Logger: l.Logger.With("error", err.Error())}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithMailbox returns a logger scoped to a mailbox.
func (l *Logger) WithMailbox(name string) *Logger {
	return &Logger{Logger: l.Logger.With("mailbox", name)}
}

// Index returns a logger configured for index operations.
func (l *Logger) Index() *Logger {
	return &Logger{Logger: l.Logger.With("component", "index")}
}

// Cache returns a logger configured for cache file operations.
func (l *Logger) Cache() *Logger {
	return &Logger{Logger: l.Logger.With("component", "cache")}
}

// Maildir returns a logger configured for maildir operations.
func (l *Logger) Maildir() *Logger {
	return &Logger{Logger: l.Logger.With("component", "maildir")}
}

// Dsync returns a logger configured for dsync operations.
func (l *Logger) Dsync() *Logger {
	return &Logger{Logger: l.Logger.With("component", "dsync")}
}

// Queue returns a logger configured for queue operations.
func (l *Logger) Queue() *Logger {
	return &Logger{Logger: l.Logger.With("component", "queue")}
}
