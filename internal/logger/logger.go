package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
)

// New returns the process logger and installs it as the slog default.
// Production logs JSON at info level; everything else logs text at debug
// level. Extra handlers (nil ones are ignored) receive every record too.
func New(environment string, extra ...slog.Handler) *slog.Logger {
	return NewWithWriter(os.Stdout, environment, extra...)
}

func NewWithWriter(w io.Writer, environment string, extra ...slog.Handler) *slog.Logger {
	var console slog.Handler
	if environment == "production" {
		console = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo, AddSource: true})
	} else {
		console = slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	}

	handlers := []slog.Handler{console}
	for _, h := range extra {
		if h != nil {
			handlers = append(handlers, h)
		}
	}

	var handler slog.Handler = console
	if len(handlers) > 1 {
		handler = NewMultiHandler(handlers...)
	}

	logger := slog.New(handler).With("environment", environment)
	slog.SetDefault(logger)
	return logger
}

// Level is the minimum level New logs at for environment.
func Level(environment string) slog.Level {
	if environment == "production" {
		return slog.LevelInfo
	}
	return slog.LevelDebug
}

// MultiHandler sends logs to multiple handlers
type MultiHandler struct {
	handlers []slog.Handler
}

func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

// Enabled reports whether any handler handles records at the given level
func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle sends the record to every handler that accepts its level and
// returns the joined errors.
func (h *MultiHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, record.Level) {
			if err := handler.Handle(ctx, record.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, 0, len(h.handlers))
	for _, handler := range h.handlers {
		next = append(next, handler.WithAttrs(attrs))
	}
	return &MultiHandler{handlers: next}
}

func (h *MultiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, 0, len(h.handlers))
	for _, handler := range h.handlers {
		next = append(next, handler.WithGroup(name))
	}
	return &MultiHandler{handlers: next}
}
