package obs

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

// LogOptions selects the shared logger's output.
type LogOptions struct {
	Level   string
	Format  string // json (default) or text
	Service string
	Version string
}

// NewLogger builds a slog logger writing to w with default service/version attrs.
func NewLogger(w io.Writer, opts LogOptions) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "text":
		handler = slog.NewTextHandler(w, hopts)
	default:
		handler = slog.NewJSONHandler(w, hopts)
	}
	service := opts.Service
	if service == "" {
		service = "draftline-auth"
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return slog.New(handler.WithAttrs([]slog.Attr{
		slog.String("service", service),
		slog.String("version", version),
	}))
}

// Logger returns the shared structured logger used across the service.
func Logger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	l := NewLogger(os.Stdout, LogOptions{})
	if logger.CompareAndSwap(nil, l) {
		return l
	}
	return logger.Load()
}

// SetLogger replaces the shared logger and returns the previous one.
func SetLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Logger()
	}
	prev := Logger()
	logger.Store(l)
	return prev
}

// ParseLevel maps debug, info, warn and error; anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
