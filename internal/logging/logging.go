// Package logging configures the process-wide slog logger.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup configures the global slog.Default() logger writing to stderr.
// format: "text" (human-readable) or "json" (structured).
// level: "debug", "info", "warn", "error".
// When s is non-nil every record is scrubbed through it.
func Setup(format, level string, s Scrubber) *slog.Logger {
	logger := New(os.Stderr, format, level)
	if s != nil {
		logger = Scrub(logger, s)
	}
	slog.SetDefault(logger)
	return logger
}

// New builds a logger for w without touching the global default.
func New(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel converts a level string to slog.Level.
// Defaults to slog.LevelInfo for unrecognized values.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ForNode returns a child logger tagged with the node and component names.
func ForNode(logger *slog.Logger, node, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("node", node, "component", component)
}

// Discard returns a *slog.Logger that discards all output.
// Useful for tests that don't need log output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Scrubber removes secrets from text. *redact.Redactor satisfies it.
type Scrubber interface {
	Redact(string) string
}

// Scrub returns a logger whose messages, string attributes and error
// attributes pass through s before they are formatted.
func Scrub(logger *slog.Logger, s Scrubber) *slog.Logger {
	return slog.New(&scrubHandler{next: logger.Handler(), s: s})
}

type scrubHandler struct {
	next slog.Handler
	s    Scrubber
}

func (h *scrubHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *scrubHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, h.s.Redact(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.scrub(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *scrubHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = h.scrub(a)
	}
	return &scrubHandler{next: h.next.WithAttrs(scrubbed), s: h.s}
}

func (h *scrubHandler) WithGroup(name string) slog.Handler {
	return &scrubHandler{next: h.next.WithGroup(name), s: h.s}
}

func (h *scrubHandler) scrub(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()
	switch a.Value.Kind() {
	case slog.KindString:
		a.Value = slog.StringValue(h.s.Redact(a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		out := make([]slog.Attr, len(group))
		for i, g := range group {
			out[i] = h.scrub(g)
		}
		a.Value = slog.GroupValue(out...)
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			a.Value = slog.StringValue(h.s.Redact(err.Error()))
		}
	}
	return a
}
