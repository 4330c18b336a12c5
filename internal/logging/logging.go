// Package logging wires up structured logging for the engine and threads a
// logger through context.Context the way request-scoped fields are usually
// carried in server code.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger is the process-wide default, replaced by New during CLI startup
// once flags are parsed.
var Logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

func init() {
	slog.SetDefault(Logger)
}

// Options configures the handler New builds.
type Options struct {
	JSON    bool
	Level   slog.Level
	Verbose int // count of -v flags, raises verbosity below Info
	Quiet   int // count of -q flags, lowers verbosity below Warn
	Out     io.Writer
}

// New builds a logger per Options and installs it as both the package
// default and slog's global default.
func New(opts Options) *slog.Logger {
	level := opts.Level
	if opts.Verbose > 0 {
		level = slog.LevelDebug
	}
	if opts.Quiet > 0 {
		level = slog.LevelError
	}
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	logger := slog.New(handler)
	Logger = logger
	slog.SetDefault(logger)
	return logger
}

type contextKey string

const loggerKey contextKey = "logger"

// FromContext retrieves the logger carried on ctx, falling back to the
// package default when ctx carries none.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return Logger
}

// WithLogger returns a context carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithField returns a context whose logger has key/value attached.
func WithField(ctx context.Context, key string, value any) context.Context {
	return WithLogger(ctx, FromContext(ctx).With(key, value))
}
