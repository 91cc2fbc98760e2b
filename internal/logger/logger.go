package logger

// Package logger builds the process-wide slog.Logger: text records go to a
// rotating local file and, when running under a service manager, to the
// system log as well.

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/kardianos/service"
	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps a config level name to a slog.Level. Unknown names fall
// back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Setup configures the global slog.Logger to write to logFile and, if svc is
// not nil, to the service logger. Records below level are dropped by both.
func Setup(svc service.Logger, logFile io.Writer, level string) *slog.Logger {
	lvl := ParseLevel(level)

	handlers := []slog.Handler{
		slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: lvl}),
	}
	if svc != nil {
		handlers = append(handlers, &ServiceHandler{svc: svc, level: lvl})
	}

	logger := slog.New(slogmulti.Fanout(handlers...))
	slog.SetDefault(logger)
	return logger
}

// ServiceHandler forwards records to a kardianos service.Logger (event log,
// syslog or journald), which adds its own time and level.
type ServiceHandler struct {
	svc    service.Logger
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewServiceHandler creates a handler for svc at the given minimum level.
func NewServiceHandler(svc service.Logger, level slog.Leveler) *ServiceHandler {
	return &ServiceHandler{svc: svc, level: level}
}

func (h *ServiceHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.level == nil {
		return true
	}
	return level >= h.level.Level()
}

func (h *ServiceHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.svc == nil {
		return nil
	}

	var buf bytes.Buffer
	var handler slog.Handler = slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && (a.Key == slog.TimeKey || a.Key == slog.LevelKey) {
				return slog.Attr{}
			}
			return a
		},
	})
	for _, g := range h.groups {
		handler = handler.WithGroup(g)
	}
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	if err := handler.Handle(ctx, r); err != nil {
		return err
	}

	msg := strings.TrimSpace(buf.String())
	switch {
	case r.Level >= slog.LevelError:
		return h.svc.Error(msg)
	case r.Level >= slog.LevelWarn:
		return h.svc.Warning(msg)
	default:
		return h.svc.Info(msg)
	}
}

func (h *ServiceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *ServiceHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}
