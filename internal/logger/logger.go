// Package logger builds the process slog logger and attaches run/job/trace fields from context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/stageflow/pkg/types"
)

// Config selects level and output format.
type Config struct {
	Level  string // debug | info | warn | error
	Format string // json | text
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// New creates a logger writing to stdout.
func New(cfg Config) (*slog.Logger, error) {
	return NewWithWriter(os.Stdout, cfg)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(w io.Writer, cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(contextHandler{h}), nil
}

// Setup builds the logger and installs it as slog.Default, which every package logs through.
func Setup(cfg Config) (*slog.Logger, error) {
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return l, nil
}

type runIDKey struct{}
type jobIDKey struct{}

// WithRunID returns a context whose log records carry run_id.
func WithRunID(ctx context.Context, id types.RunID) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// WithJobID returns a context whose log records carry job_id.
func WithJobID(ctx context.Context, id types.JobID) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// RunIDFromContext extracts the run ID from the context.
func RunIDFromContext(ctx context.Context) types.RunID {
	if v, ok := ctx.Value(runIDKey{}).(types.RunID); ok {
		return v
	}
	return ""
}

// JobIDFromContext extracts the job ID from the context.
func JobIDFromContext(ctx context.Context) types.JobID {
	if v, ok := ctx.Value(jobIDKey{}).(types.JobID); ok {
		return v
	}
	return ""
}

// FromContext returns base with the context fields attached, for code that logs without
// passing ctx to every call.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	return base.With(contextAttrs(ctx)...)
}

func contextAttrs(ctx context.Context) []any {
	var attrs []any
	if id := RunIDFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("run_id", string(id)))
	}
	if id := JobIDFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("job_id", string(id)))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()))
	}
	return attrs
}

// contextHandler adds context fields to records logged with the *Context methods.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		for _, a := range contextAttrs(ctx) {
			r.AddAttrs(a.(slog.Attr))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}
