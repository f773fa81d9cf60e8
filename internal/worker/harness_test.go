package worker

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/stageflow/internal/transport"
	"github.com/ChuLiYu/stageflow/internal/transport/memory"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

func dispatchEnvelope(stage types.StageType, attempt int) transport.Envelope {
	run := &types.Run{ID: types.NewRunID(), Stages: []types.StageConfig{{Type: stage, Config: []byte(`{"k":"v"}`)}}}
	job := &types.Job{ID: types.NewJobID(), RunID: run.ID, Stage: stage, Attempt: attempt}
	return transport.NewDispatch(run, job)
}

func receiveOne(t *testing.T, tr transport.Transport, addr transport.Address) transport.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sub, err := tr.Receive(ctx, addr)
	require.NoError(t, err)
	defer sub.Close()
	d, err := sub.Next(ctx)
	require.NoError(t, err, "expected a message on %s", addr)
	require.NoError(t, d.Ack(ctx))
	return d.Envelope
}

func startHarness(t *testing.T, tr transport.Transport, exec Executor, cfg HarnessConfig) (*Harness, context.CancelFunc) {
	t.Helper()
	h := NewHarness(tr, tr, exec, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, h.Run(ctx))
	}()
	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("harness did not stop")
		}
	}
	t.Cleanup(stop)
	return h, stop
}

func TestHarnessPublishesSuccess(t *testing.T) {
	tr := memory.New(memory.Options{})
	defer tr.Close()
	exec := ExecutorFunc(func(ctx context.Context, env transport.Envelope) ([]byte, error) {
		return append([]byte("echo:"), env.Payload.Data...), nil
	})
	startHarness(t, tr, exec, HarnessConfig{Stage: types.StageScan, Concurrency: 2})

	dispatch := dispatchEnvelope(types.StageScan, 1)
	require.NoError(t, tr.Send(context.Background(), transport.DispatchAddress(types.StageScan), dispatch))

	result := receiveOne(t, tr, transport.ResultAddress(types.StageScan))
	assert.Equal(t, transport.KindSucceeded, result.Kind)
	assert.Equal(t, dispatch.CorrelationID, result.CorrelationID)
	assert.Equal(t, 1, result.Attempt)
	assert.Equal(t, `echo:{"k":"v"}`, string(result.Payload.Data))

	require.Eventually(t, func() bool {
		ready, inflight := tr.Depth(transport.DispatchAddress(types.StageScan))
		return ready+inflight == 0
	}, time.Second, 5*time.Millisecond, "dispatch is acked")
}

func TestHarnessPublishesFailure(t *testing.T) {
	tr := memory.New(memory.Options{})
	defer tr.Close()
	exec := ExecutorFunc(func(ctx context.Context, env transport.Envelope) ([]byte, error) {
		return nil, errors.New("disk full")
	})
	observed := make(chan bool, 1)
	startHarness(t, tr, exec, HarnessConfig{
		Stage: types.StageScan,
		Observe: func(stage types.StageType, success bool, d time.Duration) {
			assert.Equal(t, types.StageScan, stage)
			observed <- success
		},
	})

	require.NoError(t, tr.Send(context.Background(), transport.DispatchAddress(types.StageScan), dispatchEnvelope(types.StageScan, 2)))
	result := receiveOne(t, tr, transport.ResultAddress(types.StageScan))
	assert.Equal(t, transport.KindFailed, result.Kind)
	assert.Equal(t, "disk full", result.FailureReason())
	assert.Equal(t, 2, result.Attempt)

	select {
	case success := <-observed:
		assert.False(t, success)
	case <-time.After(time.Second):
		t.Fatal("execution was not observed")
	}
}

func TestHarnessAppliesDispatchTimeout(t *testing.T) {
	tr := memory.New(memory.Options{})
	defer tr.Close()
	exec := ExecutorFunc(func(ctx context.Context, env transport.Envelope) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	startHarness(t, tr, exec, HarnessConfig{Stage: types.StageScan})

	env := dispatchEnvelope(types.StageScan, 1)
	env.Headers[transport.HeaderTimeout] = "20ms"
	require.NoError(t, tr.Send(context.Background(), transport.DispatchAddress(types.StageScan), env))

	result := receiveOne(t, tr, transport.ResultAddress(types.StageScan))
	assert.Equal(t, transport.KindFailed, result.Kind)
	assert.Contains(t, result.FailureReason(), "timeout")
}

func TestHarnessCancelSignal(t *testing.T) {
	tr := memory.New(memory.Options{})
	defer tr.Close()
	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, env transport.Envelope) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h, _ := startHarness(t, tr, exec, HarnessConfig{Stage: types.StageScan, WatchCancel: true})

	dispatch := dispatchEnvelope(types.StageScan, 1)
	require.NoError(t, tr.Send(context.Background(), transport.DispatchAddress(types.StageScan), dispatch))
	<-started
	assert.Equal(t, 1, h.Running())

	signal := transport.NewEnvelope(transport.KindCancel, dispatch.RunID)
	signal.CorrelationID = dispatch.CorrelationID
	require.NoError(t, tr.Send(context.Background(), transport.CancelAddress, signal))

	require.Eventually(t, func() bool { return h.Running() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		ready, inflight := tr.Depth(transport.DispatchAddress(types.StageScan))
		return ready+inflight == 0
	}, time.Second, 5*time.Millisecond)
	ready, _ := tr.Depth(transport.ResultAddress(types.StageScan))
	assert.Zero(t, ready, "cancelled executions publish nothing")
}

func TestHarnessForeignCancelIsEventuallyDropped(t *testing.T) {
	tr := memory.New(memory.Options{})
	defer tr.Close()
	startHarness(t, tr, ExecutorFunc(func(context.Context, transport.Envelope) ([]byte, error) { return nil, nil }),
		HarnessConfig{Stage: types.StageScan, WatchCancel: true, CancelMaxDeliveries: 3})

	signal := transport.NewEnvelope(transport.KindCancel, "r1")
	signal.CorrelationID = "not-here"
	require.NoError(t, tr.Send(context.Background(), transport.CancelAddress, signal))

	require.Eventually(t, func() bool {
		ready, inflight := tr.Depth(transport.CancelAddress)
		return ready+inflight == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHarnessDropsMalformedDispatch(t *testing.T) {
	tr := memory.New(memory.Options{})
	defer tr.Close()
	called := false
	h := NewHarness(tr, tr, ExecutorFunc(func(context.Context, transport.Envelope) ([]byte, error) {
		called = true
		return nil, nil
	}), HarnessConfig{Stage: types.StageScan})

	require.NoError(t, tr.Send(context.Background(), transport.DispatchAddress(types.StageScan), transport.NewEnvelope(transport.KindDispatch, "r1")))
	sub, err := tr.Receive(context.Background(), transport.DispatchAddress(types.StageScan))
	require.NoError(t, err)
	d, err := sub.Next(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.Process(context.Background(), d))
	assert.False(t, called)
	ready, inflight := tr.Depth(transport.DispatchAddress(types.StageScan))
	assert.Zero(t, ready+inflight)
}

func TestHarnessRejectsInvalidStage(t *testing.T) {
	tr := memory.New(memory.Options{})
	defer tr.Close()
	h := NewHarness(tr, tr, NewSimulatedExecutor(0, 0, 1), HarnessConfig{Stage: "Not Valid"})
	assert.Error(t, h.Run(context.Background()))
}

// ============================================================================
// Executors
// ============================================================================

func TestSimulatedExecutor(t *testing.T) {
	env := dispatchEnvelope(types.StageAnalyze, 1)

	ok := NewSimulatedExecutor(0, 0, 1)
	out, err := ok.Execute(context.Background(), env)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"stage":"analyze"`)

	bad := NewSimulatedExecutor(0, 1, 1)
	_, err = bad.Execute(context.Background(), env)
	assert.ErrorContains(t, err, "simulated failure")

	slow := NewSimulatedExecutor(time.Hour, 0, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.Execute(ctx, env)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandExecutor(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	env := dispatchEnvelope(types.StageReport, 3)

	echo := CommandExecutor{Command: []string{"sh", "-c", `cat; printf " %s" "$STAGEFLOW_ATTEMPT"`}}
	out, err := echo.Execute(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, `{"k":"v"} 3`, string(out))

	fail := CommandExecutor{Command: []string{"sh", "-c", "echo 'bad input' >&2; exit 3"}}
	_, err = fail.Execute(context.Background(), env)
	require.Error(t, err)
	assert.True(t, strings.HasSuffix(err.Error(), "bad input"), err.Error())

	_, err = CommandExecutor{}.Execute(context.Background(), env)
	assert.Error(t, err)
}
