package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyComponent   = "component"
	KeyPrincipalID = "principalId"
	KeyReason      = "reason"
	KeyState       = "state"
	KeyRequestID   = "requestId"
	KeyDurationMs  = "durationMs"
	KeyError       = "error"
)

// sensitiveKeys are attribute keys whose values never reach a log sink.
var sensitiveKeys = map[string]bool{
	"token":         true,
	"sessionToken":  true,
	"accessToken":   true,
	"authorization": true,
	"Authorization": true,
}

type contextKey struct{}

// lateBoundHandler forwards to whatever handler Init installed last, so
// package-level loggers built from L() before Init still honour the
// configured format and level.
type lateBoundHandler struct {
	target *atomic.Pointer[slog.Handler]
	attrs  []slog.Attr
	groups []string
}

func newLateBoundHandler(h slog.Handler) *lateBoundHandler {
	target := &atomic.Pointer[slog.Handler]{}
	target.Store(&h)
	return &lateBoundHandler{target: target}
}

func (h *lateBoundHandler) swap(handler slog.Handler) {
	h.target.Store(&handler)
}

func (h *lateBoundHandler) resolve() slog.Handler {
	handler := *h.target.Load()
	for _, group := range h.groups {
		handler = handler.WithGroup(group)
	}
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	return handler
}

func (h *lateBoundHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *lateBoundHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *lateBoundHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &lateBoundHandler{
		target: h.target,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: append([]string{}, h.groups...),
	}
}

func (h *lateBoundHandler) WithGroup(name string) slog.Handler {
	return &lateBoundHandler{
		target: h.target,
		attrs:  append([]slog.Attr{}, h.attrs...),
		groups: append(append([]string{}, h.groups...), name),
	}
}

var (
	rootHandler   = newLateBoundHandler(newBaseHandler("text", slog.LevelInfo, os.Stdout))
	defaultLogger = slog.New(rootHandler)
)

func init() {
	slog.SetDefault(defaultLogger)
}

// Init configures the global logger. Call once after config is loaded.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
// output: writer to log to (nil = os.Stdout)
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}
	rootHandler.swap(newBaseHandler(format, parseLevel(level), output))
	slog.SetDefault(defaultLogger)
}

func newBaseHandler(format string, level slog.Level, output io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redact,
	}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(output, opts)
	}
	return slog.NewTextHandler(output, opts)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[a.Key] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithPrincipal returns a child logger carrying the principal id.
func WithPrincipal(logger *slog.Logger, principalID string) *slog.Logger {
	return logger.With(slog.String(KeyPrincipalID, principalID))
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

func parseLevel(s string) slog.Level {
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
