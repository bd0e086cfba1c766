package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	sinkMu sync.Mutex
	sink   *lumberjack.Logger
)

// New returns a JSON logger writing to stdout. When file is set, records are
// also written to a size-rotated file.
func New(appEnv, file string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stdout
	if file != "" {
		sinkMu.Lock()
		sink = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		w = io.MultiWriter(os.Stdout, sink)
		sinkMu.Unlock()
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	return FromOr(ctx, nil)
}

// FromOr prefers the request-scoped logger in ctx over fallback.
func FromOr(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// ShutdownFlush closes the rotating file sink, if one was opened.
func ShutdownFlush(ctx context.Context, timeout time.Duration) error {
	sinkMu.Lock()
	s := sink
	sink = nil
	sinkMu.Unlock()
	if s == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- s.Close() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}
