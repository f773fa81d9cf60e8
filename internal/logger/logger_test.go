package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestContextFieldsAreAttached(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(&buf, Config{Level: "debug", Format: "json"})
	require.NoError(t, err)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled,
	}))
	ctx = WithRunID(ctx, "run-1")
	ctx = WithJobID(ctx, "job-1")

	l.DebugContext(ctx, "hello", "k", "v")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "run-1", rec["run_id"])
	assert.Equal(t, "job-1", rec["job_id"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rec["trace_id"])
	assert.Equal(t, "v", rec["k"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(&buf, Config{Level: "warn", Format: "text"})
	require.NoError(t, err)
	l.Info("dropped")
	assert.Empty(t, buf.String())
	l.With("component", "sweeper").Warn("kept")
	assert.Contains(t, buf.String(), "component=sweeper")
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	base, err := NewWithWriter(&buf, Config{Format: "json"})
	require.NoError(t, err)

	assert.NotNil(t, FromContext(context.Background(), base))

	ctx := WithRunID(context.Background(), "r9")
	assert.Equal(t, "r9", string(RunIDFromContext(ctx)))
	assert.Empty(t, JobIDFromContext(ctx))
	FromContext(ctx, base).Info("x")
	assert.Contains(t, buf.String(), `"run_id":"r9"`)
}
