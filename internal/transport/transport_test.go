package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ChuLiYu/stageflow/pkg/types"
)

func testRunAndJob() (*types.Run, *types.Job) {
	run := &types.Run{
		ID: types.NewRunID(),
		Stages: []types.StageConfig{
			{Type: types.StageAnalyze, Config: []byte(`{"depth":2}`)},
			{Type: types.StageScan},
		},
		Labels: map[string]string{"transport.image": "v2", "team": "core"},
	}
	job := &types.Job{ID: types.NewJobID(), RunID: run.ID, StageIndex: 0, Stage: types.StageAnalyze, Attempt: 1}
	return run, job
}

func TestAddresses(t *testing.T) {
	assert.Equal(t, Address("stage.scan"), DispatchAddress(types.StageScan))
	assert.Equal(t, Address("stage.scan.result"), ResultAddress(types.StageScan))

	st, ok := ResultAddress(types.StageReport).Stage()
	require.True(t, ok)
	assert.Equal(t, types.StageReport, st)
	assert.True(t, ResultAddress(types.StageReport).IsResult())
	assert.False(t, DispatchAddress(types.StageReport).IsResult())

	assert.NoError(t, RunCreatedAddress.Validate())
	assert.NoError(t, CancelAddress.Validate())
	assert.NoError(t, DispatchAddress(types.StageNotify).Validate())
	assert.Error(t, Address("queue.foo").Validate())
	assert.Error(t, Address("stage.").Validate())
}

func TestNewDispatch(t *testing.T) {
	run, job := testRunAndJob()
	env := NewDispatch(run, job)

	require.NoError(t, env.Validate())
	assert.Equal(t, KindDispatch, env.Kind)
	assert.Equal(t, job.ID, env.CorrelationID)
	assert.Equal(t, `{"depth":2}`, string(env.Payload.Data))
	assert.Equal(t, ContentTypeJSON, env.Payload.ContentType)
	assert.Equal(t, map[string]string{"image": "v2"}, env.TransportProperties())
	assert.NotContains(t, env.Headers, "team")
	assert.NotEmpty(t, env.ID)
}

func TestNewResult(t *testing.T) {
	run, job := testRunAndJob()
	dispatch := NewDispatch(run, job)
	dispatch.Headers[HeaderTraceID] = "abc"

	ok := NewResult(dispatch, []byte(`{"findings":0}`), nil)
	assert.Equal(t, KindSucceeded, ok.Kind)
	assert.Equal(t, job.ID, ok.CorrelationID)
	assert.Equal(t, 1, ok.Attempt)
	assert.Equal(t, "abc", ok.TraceID())
	assert.Empty(t, ok.FailureReason())

	failed := NewResult(dispatch, nil, errors.New("tool crashed"))
	assert.Equal(t, KindFailed, failed.Kind)
	assert.Equal(t, "tool crashed", failed.FailureReason())
	assert.NoError(t, failed.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		ok   bool
	}{
		{"run created", Envelope{Kind: KindRunCreated, RunID: "r"}, true},
		{"cancel", Envelope{Kind: KindCancel, RunID: "r"}, true},
		{"missing run", Envelope{Kind: KindRunCreated}, false},
		{"dispatch ok", Envelope{Kind: KindDispatch, RunID: "r", CorrelationID: "j", Attempt: 1, Stage: "scan"}, true},
		{"dispatch no stage", Envelope{Kind: KindDispatch, RunID: "r", CorrelationID: "j", Attempt: 1}, false},
		{"result no correlation", Envelope{Kind: KindSucceeded, RunID: "r", Attempt: 1}, false},
		{"result zero attempt", Envelope{Kind: KindFailed, RunID: "r", CorrelationID: "j"}, false},
		{"unknown kind", Envelope{Kind: "bogus", RunID: "r"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrContractViolation)
			}
		})
	}
}

func TestJSONCodec(t *testing.T) {
	run, job := testRunAndJob()
	env := NewDispatch(run, job)

	data, err := DefaultCodec.Marshal(env)
	require.NoError(t, err)
	got, err := DefaultCodec.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, env.CorrelationID, got.CorrelationID)
	assert.Equal(t, env.Payload, got.Payload)
	assert.True(t, env.EnqueuedAt.Equal(got.EnqueuedAt))

	_, err = DefaultCodec.Unmarshal([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrContractViolation)

	_, err = DefaultCodec.Unmarshal([]byte(`{"kind":"stage.succeeded","run_id":"r"}`))
	assert.ErrorIs(t, err, ErrContractViolation)
}

func TestCloneIsDeep(t *testing.T) {
	run, job := testRunAndJob()
	env := NewDispatch(run, job)
	c := env.Clone()
	c.Payload.Data[0] = 'X'
	c.Headers["transport.image"] = "changed"

	assert.Equal(t, byte('{'), env.Payload.Data[0])
	assert.Equal(t, "v2", env.Headers["transport.image"])
}

func TestTracePropagation(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "dispatch")
	defer span.End()

	env := NewEnvelope(KindRunCreated, "r1")
	InjectTrace(ctx, &env)
	assert.Equal(t, span.SpanContext().TraceID().String(), env.TraceID())
	assert.NotEmpty(t, env.Headers[HeaderTraceparent])

	extracted := ExtractTrace(context.Background(), env)
	_, child := tp.Tracer("test").Start(extracted, "handle")
	defer child.End()
	assert.Equal(t, span.SpanContext().TraceID(), child.SpanContext().TraceID())
}

// ============================================================================
// Messages / SendWithRetry
// ============================================================================

type sliceSub struct {
	mu   sync.Mutex
	errs []error
	envs []Envelope
}

type nopHandle struct{}

func (nopHandle) Ack(context.Context) error  { return nil }
func (nopHandle) Nack(context.Context) error { return nil }

func (s *sliceSub) Next(ctx context.Context) (Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return Delivery{}, err
		}
	}
	if len(s.envs) == 0 {
		return Delivery{}, ErrClosed
	}
	env := s.envs[0]
	s.envs = s.envs[1:]
	return Delivery{Envelope: env, Handle: nopHandle{}}, nil
}

func (s *sliceSub) Close() error { return nil }

func TestMessages(t *testing.T) {
	sub := &sliceSub{
		errs: []error{nil, NewError("receive", "run.created", errors.New("blip"), true)},
		envs: []Envelope{{ID: "1"}, {ID: "2"}, {ID: "3"}},
	}
	var ids []string
	var errs int
	for d, err := range Messages(context.Background(), sub) {
		if err != nil {
			errs++
			continue
		}
		ids = append(ids, d.Envelope.ID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
	assert.Equal(t, 1, errs, "temporary error yielded and iteration continues")
}

func TestMessagesStopsOnPermanentError(t *testing.T) {
	sub := &sliceSub{
		errs: []error{errors.New("auth failed")},
		envs: []Envelope{{ID: "1"}},
	}
	var seen int
	for _, err := range Messages(context.Background(), sub) {
		assert.Error(t, err)
		seen++
	}
	assert.Equal(t, 1, seen)
}

type flakySender struct {
	failures int
	calls    int
	err      error
}

func (f *flakySender) Send(ctx context.Context, addr Address, env Envelope) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func TestSendWithRetry(t *testing.T) {
	policy := RetryPolicy{Attempts: 4, Delay: func(int) time.Duration { return time.Millisecond }}

	t.Run("temporary errors are retried", func(t *testing.T) {
		s := &flakySender{failures: 2, err: NewError("send", "x", errors.New("conn reset"), true)}
		require.NoError(t, SendWithRetry(context.Background(), s, "stage.scan", Envelope{}, policy))
		assert.Equal(t, 3, s.calls)
	})

	t.Run("permanent errors are not", func(t *testing.T) {
		s := &flakySender{failures: 5, err: NewError("send", "x", errors.New("forbidden"), false)}
		assert.Error(t, SendWithRetry(context.Background(), s, "stage.scan", Envelope{}, policy))
		assert.Equal(t, 1, s.calls)
	})

	t.Run("attempts are bounded", func(t *testing.T) {
		s := &flakySender{failures: 10, err: NewError("send", "x", errors.New("down"), true)}
		err := SendWithRetry(context.Background(), s, "stage.scan", Envelope{}, policy)
		assert.True(t, IsTemporary(err))
		assert.Equal(t, 4, s.calls)
	})
}
