package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	patientIDKey
	moduleKey
	stateKey
)

// correlationKeys maps context keys to log attribute names, in output order.
var correlationKeys = []struct {
	key  ctxKey
	attr string
}{
	{runIDKey, "run_id"},
	{patientIDKey, "patient_id"},
	{moduleKey, "module"},
	{stateKey, "state"},
}

// WithRunID returns a context carrying the run ID.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithPatientID returns a context carrying the patient ID.
func WithPatientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, patientIDKey, id)
}

// WithModule returns a context carrying the executing module name.
func WithModule(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, moduleKey, name)
}

// WithState returns a context carrying the current state name.
func WithState(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stateKey, name)
}

func RunID(ctx context.Context) string     { return value(ctx, runIDKey) }
func PatientID(ctx context.Context) string { return value(ctx, patientIDKey) }
func Module(ctx context.Context) string    { return value(ctx, moduleKey) }
func State(ctx context.Context) string     { return value(ctx, stateKey) }

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, ck := range correlationKeys {
		if v := value(ctx, ck.key); v != "" {
			attrs = append(attrs, slog.String(ck.attr, v))
		}
	}
	return attrs
}

// LogWith returns a logger enriched with the correlation values in ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and adds the correlation values
// found in the record's context.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner with correlation injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps "debug", "info", "warn" and "error" onto slog levels.
// Anything else is info.
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

// New builds a correlated logger writing to w. format is "json" or "text".
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
