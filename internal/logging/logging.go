// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured logging facade used
// throughout flywall. It wraps log/slog so call sites never depend on
// a concrete handler, and adds a syslog sink for remote log shipment.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Config controls the root logger's behavior.
type Config struct {
	Level  string `hcl:"level,optional"`  // debug, info, warn, error
	Format string `hcl:"format,optional"` // text, json
	Syslog *SyslogConfig `hcl:"syslog,block"`
}

// DefaultConfig returns the default logging configuration: info level,
// text format, syslog disabled.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
	}
}

func levelFromString(s string) slog.Level {
	switch s {
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

// Logger wraps *slog.Logger with a chainable, component-scoped API
// matching the rest of the codebase's call style
// (logging.WithComponent("dhcp").Debug(...)).
type Logger struct {
	base *slog.Logger
}

var (
	rootMu   sync.RWMutex
	root     *Logger
	initOnce sync.Once
)

func defaultRoot() *Logger {
	initOnce.Do(func() {
		rootMu.Lock()
		defer rootMu.Unlock()
		if root == nil {
			root = New(DefaultConfig())
		}
	})
	rootMu.RLock()
	defer rootMu.RUnlock()
	return root
}

// New builds a Logger from Config. A non-nil, enabled Syslog block
// adds a syslog handler alongside stderr; syslog write failures never
// fail startup, they're logged to stderr and the handler is dropped.
func New(cfg Config) *Logger {
	level := levelFromString(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	if cfg.Syslog != nil && cfg.Syslog.Enabled {
		if w, err := NewSyslogWriter(*cfg.Syslog); err == nil {
			handler = newFanoutHandler(handler, slog.NewTextHandler(w, opts))
		} else {
			fmt.Fprintf(os.Stderr, "logging: syslog sink disabled: %v\n", err)
		}
	}

	return &Logger{base: slog.New(handler)}
}

// SetDefault replaces the package-level root logger used by
// WithComponent. Intended for process bootstrap.
func SetDefault(l *Logger) {
	rootMu.Lock()
	defer rootMu.Unlock()
	root = l
}

// WithComponent returns a Logger scoped to the given component name,
// derived from the package-level root logger.
func WithComponent(name string) *Logger {
	return defaultRoot().With("component", name)
}

// With returns a derived Logger with the given key/value pairs
// attached to every subsequent record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{base: l.base.With(args...)}
}

// WithError returns a derived Logger with an "error" attribute set.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.With("error", err.Error())
}

func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	if l == nil || l.base == nil {
		return
	}
	l.base.Log(context.Background(), level, msg, args...)
}

// Slog returns the underlying *slog.Logger for callers that need the
// raw slog API (e.g. passing into a library that accepts one).
func (l *Logger) Slog() *slog.Logger { return l.base }

// Debug, Info, Warn and Error log a printf-formatted message on the
// package-level root logger. They exist for call sites that predate
// the structured With()/WithComponent() style and still format their
// own messages.
func Debug(format string, args ...any) { defaultRoot().log(slog.LevelDebug, fmt.Sprintf(format, args...)) }
func Info(format string, args ...any)  { defaultRoot().log(slog.LevelInfo, fmt.Sprintf(format, args...)) }
func Warn(format string, args ...any)  { defaultRoot().log(slog.LevelWarn, fmt.Sprintf(format, args...)) }
func Error(format string, args ...any) { defaultRoot().log(slog.LevelError, fmt.Sprintf(format, args...)) }

// fanoutHandler writes every record to each of its handlers,
// continuing past a failing handler instead of aborting the record.
type fanoutHandler struct {
	handlers []slog.Handler
}

func newFanoutHandler(hs ...slog.Handler) slog.Handler {
	return &fanoutHandler{handlers: hs}
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}
