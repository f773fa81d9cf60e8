package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/stageflow/internal/store"
	memstore "github.com/ChuLiYu/stageflow/internal/store/memory"
	"github.com/ChuLiYu/stageflow/internal/transport"
	memtransport "github.com/ChuLiYu/stageflow/internal/transport/memory"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

// ============================================================================
// 測試輔助
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakySender fails every send while broken is set.
type flakySender struct {
	transport.Sender
	broken atomic.Bool
	sent   atomic.Int32
}

func (s *flakySender) Send(ctx context.Context, addr transport.Address, env transport.Envelope) error {
	if s.broken.Load() {
		return transport.NewError("send", addr, errors.New("broker down"), false)
	}
	s.sent.Add(1)
	return s.Sender.Send(ctx, addr, env)
}

type harness struct {
	t      *testing.T
	clock  *fakeClock
	repo   *memstore.Store
	broker *memtransport.Transport
	sender *flakySender
	orch   *Orchestrator
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	clock := newFakeClock()
	repo := memstore.New(memstore.WithClock(clock.Now))
	broker := memtransport.New(memtransport.Options{})
	sender := &flakySender{Sender: broker}
	orch := New(repo, sender, Config{
		Policy:    policy,
		SendRetry: transport.RetryPolicy{Attempts: 1},
	}, WithClock(clock.Now))
	t.Cleanup(func() { _ = broker.Close() })
	return &harness{t: t, clock: clock, repo: repo, broker: broker, sender: sender, orch: orch}
}

func testPolicy() Policy {
	return Policy{RetryLimit: 3, Timeout: time.Minute}
}

func stages(names ...types.StageType) []types.StageConfig {
	out := make([]types.StageConfig, len(names))
	for i, n := range names {
		out[i] = types.StageConfig{Type: n}
	}
	return out
}

// next receives one envelope from addr and acks it.
func (h *harness) next(addr transport.Address) transport.Envelope {
	h.t.Helper()
	sub, err := h.broker.Receive(context.Background(), addr)
	require.NoError(h.t, err)
	defer sub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := sub.Next(ctx)
	require.NoError(h.t, err, "expected a message on %s", addr)
	require.NoError(h.t, d.Ack(ctx))
	return d.Envelope
}

func (h *harness) depth(addr transport.Address) int {
	ready, _ := h.broker.Depth(addr)
	return ready
}

func (h *harness) startRun(names ...types.StageType) *types.Run {
	h.t.Helper()
	ctx := context.Background()
	run, err := h.orch.SubmitRun(ctx, stages(names...), nil)
	require.NoError(h.t, err)
	created := h.next(transport.RunCreatedAddress)
	require.Equal(h.t, run.ID, created.RunID)
	require.NoError(h.t, h.orch.HandleRunCreated(ctx, run.ID))
	return run
}

func (h *harness) run(id types.RunID) *types.Run {
	run, err := h.repo.GetRun(context.Background(), id)
	require.NoError(h.t, err)
	return run
}

func (h *harness) job(id types.JobID) *types.Job {
	job, err := h.repo.GetJob(context.Background(), id)
	require.NoError(h.t, err)
	return job
}

func (h *harness) jobs(id types.RunID) []*types.Job {
	jobs, err := h.repo.ListJobs(context.Background(), id)
	require.NoError(h.t, err)
	return jobs
}

// ============================================================================
// 正常流程
// ============================================================================

func TestPipelineRunsStagesInOrder(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	run := h.startRun(types.StageAnalyze, types.StageScan, types.StageReport)
	assert.Equal(t, types.RunActive, h.run(run.ID).Status)

	for i, st := range []types.StageType{types.StageAnalyze, types.StageScan, types.StageReport} {
		env := h.next(transport.DispatchAddress(st))
		assert.Equal(t, transport.KindDispatch, env.Kind)
		assert.Equal(t, i, env.StageIndex)
		assert.Equal(t, 1, env.Attempt)

		job := h.job(env.CorrelationID)
		assert.Equal(t, types.JobRunning, job.Status)
		require.NotNil(t, job.Deadline)
		assert.Equal(t, h.clock.Now().Add(time.Minute), *job.Deadline)

		result := []byte(fmt.Sprintf(`{"stage":%d}`, i))
		require.NoError(t, h.orch.HandleJobResult(ctx, env.CorrelationID, env.Attempt, Success(result)))
		assert.Equal(t, result, h.job(env.CorrelationID).Result)
	}

	final := h.run(run.ID)
	assert.Equal(t, types.RunFinished, final.Status)
	assert.NotNil(t, final.FinishedAt)

	jobs := h.jobs(run.ID)
	require.Len(t, jobs, 3)
	for i, j := range jobs {
		assert.Equal(t, i, j.StageIndex)
		assert.Equal(t, types.JobFinished, j.Status)
	}
}

func TestDispatchCarriesStageConfigAndTransportLabels(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	cfg := []types.StageConfig{{Type: types.StageScan, Config: []byte(`{"depth":2}`)}}
	run, err := h.orch.SubmitRun(ctx, cfg, map[string]string{"transport.image": "v2", "team": "x"})
	require.NoError(t, err)
	require.NoError(t, h.orch.HandleRunCreated(ctx, run.ID))

	env := h.next(transport.DispatchAddress(types.StageScan))
	assert.JSONEq(t, `{"depth":2}`, string(env.Payload.Data))
	assert.Equal(t, "v2", env.Headers["transport.image"])
	_, leaked := env.Headers["team"]
	assert.False(t, leaked)
}

func TestDuplicateRunCreatedIsNoop(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	run := h.startRun(types.StageAnalyze)

	require.NoError(t, h.orch.HandleRunCreated(ctx, run.ID))
	assert.Len(t, h.jobs(run.ID), 1)
	assert.Equal(t, 1, h.depth(transport.DispatchAddress(types.StageAnalyze)))
}

func TestSubmitRunValidatesPipeline(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()

	_, err := h.orch.SubmitRun(ctx, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidPipeline)

	_, err = h.orch.SubmitRun(ctx, stages("Bad Name"), nil)
	assert.ErrorIs(t, err, ErrInvalidPipeline)
}

func TestUnknownIdentifiers(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()

	assert.ErrorIs(t, h.orch.HandleRunCreated(ctx, "missing"), ErrUnknownRun)
	assert.ErrorIs(t, h.orch.HandleJobResult(ctx, "missing", 1, Success(nil)), ErrUnknownJob)
	assert.ErrorIs(t, h.orch.HandleTimeout(ctx, "missing"), ErrUnknownJob)
	assert.ErrorIs(t, h.orch.CancelRun(ctx, "missing", ""), ErrUnknownRun)
}

// ============================================================================
// 重試與失敗
// ============================================================================

func TestImmediateRetryThenSuccess(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	run := h.startRun(types.StageAnalyze)

	first := h.next(transport.DispatchAddress(types.StageAnalyze))
	require.NoError(t, h.orch.HandleJobResult(ctx, first.CorrelationID, 1, Failure("flaky")))

	second := h.next(transport.DispatchAddress(types.StageAnalyze))
	assert.Equal(t, first.CorrelationID, second.CorrelationID, "same job is retried")
	assert.Equal(t, 2, second.Attempt)
	job := h.job(second.CorrelationID)
	assert.Equal(t, types.JobRunning, job.Status)
	assert.Equal(t, "flaky", job.FailureReason)

	require.NoError(t, h.orch.HandleJobResult(ctx, second.CorrelationID, 2, Success(nil)))
	assert.Equal(t, types.RunFinished, h.run(run.ID).Status)
}

func TestBackoffRetryWaitsForSweeper(t *testing.T) {
	policy := testPolicy()
	policy.BackoffBase = 10 * time.Second
	h := newHarness(t, policy)
	ctx := context.Background()
	sweeper := NewSweeper(h.orch, SweeperConfig{})
	h.startRun(types.StageAnalyze)

	env := h.next(transport.DispatchAddress(types.StageAnalyze))
	require.NoError(t, h.orch.HandleJobResult(ctx, env.CorrelationID, 1, Failure("boom")))

	job := h.job(env.CorrelationID)
	assert.Equal(t, types.JobScheduled, job.Status)
	assert.Equal(t, 2, job.Attempt)
	require.NotNil(t, job.NotBefore)
	assert.Equal(t, h.clock.Now().Add(10*time.Second), *job.NotBefore)

	stats := sweeper.Sweep(ctx)
	assert.Zero(t, stats.Redispatched)
	assert.Zero(t, h.depth(transport.DispatchAddress(types.StageAnalyze)))

	h.clock.Advance(10 * time.Second)
	stats = sweeper.Sweep(ctx)
	assert.Equal(t, 1, stats.Redispatched)
	retry := h.next(transport.DispatchAddress(types.StageAnalyze))
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, types.JobRunning, h.job(env.CorrelationID).Status)
}

func TestRetryLimitFailsRun(t *testing.T) {
	policy := testPolicy()
	policy.RetryLimit = 2
	h := newHarness(t, policy)
	ctx := context.Background()
	run := h.startRun(types.StageAnalyze, types.StageReport)

	env := h.next(transport.DispatchAddress(types.StageAnalyze))
	require.NoError(t, h.orch.HandleJobResult(ctx, env.CorrelationID, 1, Failure("first")))
	env = h.next(transport.DispatchAddress(types.StageAnalyze))
	require.NoError(t, h.orch.HandleJobResult(ctx, env.CorrelationID, 2, Failure("second")))

	final := h.run(run.ID)
	assert.Equal(t, types.RunFailed, final.Status)
	assert.Equal(t, "second", final.FailureReason)
	job := h.job(env.CorrelationID)
	assert.Equal(t, types.JobFailed, job.Status)
	assert.Equal(t, 2, job.Attempt)
	assert.Len(t, h.jobs(run.ID), 1, "later stages never start")
	assert.Zero(t, h.depth(transport.DispatchAddress(types.StageReport)))
}

func TestStageRetryLimitOverridesPolicy(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	run, err := h.orch.SubmitRun(ctx, []types.StageConfig{{Type: types.StageScan, RetryLimit: 1}}, nil)
	require.NoError(t, err)
	require.NoError(t, h.orch.HandleRunCreated(ctx, run.ID))

	env := h.next(transport.DispatchAddress(types.StageScan))
	require.NoError(t, h.orch.HandleJobResult(ctx, env.CorrelationID, 1, Failure("no retry")))
	assert.Equal(t, types.RunFailed, h.run(run.ID).Status)
}

// ============================================================================
// 過期結果
// ============================================================================

func TestStaleResultsAreDiscarded(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	run := h.startRun(types.StageAnalyze, types.StageReport)
	env := h.next(transport.DispatchAddress(types.StageAnalyze))

	// 錯誤的 attempt
	err := h.orch.HandleJobResult(ctx, env.CorrelationID, 7, Success(nil))
	assert.ErrorIs(t, err, ErrStaleResult)
	assert.Equal(t, types.JobRunning, h.job(env.CorrelationID).Status)

	require.NoError(t, h.orch.HandleJobResult(ctx, env.CorrelationID, 1, Success([]byte(`1`))))

	// 重複投遞
	err = h.orch.HandleJobResult(ctx, env.CorrelationID, 1, Success([]byte(`2`)))
	assert.ErrorIs(t, err, ErrStaleResult)
	err = h.orch.HandleJobResult(ctx, env.CorrelationID, 1, Failure("late"))
	assert.ErrorIs(t, err, ErrStaleResult)

	assert.Equal(t, []byte(`1`), h.job(env.CorrelationID).Result)
	assert.Len(t, h.jobs(run.ID), 2)
	assert.Equal(t, 1, h.depth(transport.DispatchAddress(types.StageReport)))
}

func TestResultForEarlierAttemptAfterRetry(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	h.startRun(types.StageAnalyze)
	env := h.next(transport.DispatchAddress(types.StageAnalyze))

	require.NoError(t, h.orch.HandleJobResult(ctx, env.CorrelationID, 1, Failure("x")))
	err := h.orch.HandleJobResult(ctx, env.CorrelationID, 1, Success(nil))
	assert.ErrorIs(t, err, ErrStaleResult)
	assert.Equal(t, 2, h.job(env.CorrelationID).Attempt)
}

func TestConcurrentDuplicateResultsAdvanceOnce(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	run := h.startRun(types.StageAnalyze, types.StageScan)
	env := h.next(transport.DispatchAddress(types.StageAnalyze))

	var wg sync.WaitGroup
	var ok, stale atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.orch.HandleJobResult(ctx, env.CorrelationID, 1, Success(nil))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrStaleResult):
				stale.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(15), stale.Load())
	assert.Len(t, h.jobs(run.ID), 2)
	assert.Equal(t, 1, h.depth(transport.DispatchAddress(types.StageScan)))
}

// ============================================================================
// 逾時
// ============================================================================

func TestTimeoutRetriesThenFails(t *testing.T) {
	policy := testPolicy()
	policy.RetryLimit = 2
	h := newHarness(t, policy)
	ctx := context.Background()
	sweeper := NewSweeper(h.orch, SweeperConfig{})
	run := h.startRun(types.StageAnalyze)
	env := h.next(transport.DispatchAddress(types.StageAnalyze))

	// 尚未逾時
	assert.ErrorIs(t, h.orch.HandleTimeout(ctx, env.CorrelationID), ErrStaleResult)

	h.clock.Advance(time.Minute)
	stats := sweeper.Sweep(ctx)
	assert.Equal(t, 1, stats.TimedOut)
	retry := h.next(transport.DispatchAddress(types.StageAnalyze))
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, TimeoutReason, h.job(env.CorrelationID).FailureReason)

	h.clock.Advance(time.Minute)
	stats = sweeper.Sweep(ctx)
	assert.Equal(t, 1, stats.TimedOut)
	final := h.run(run.ID)
	assert.Equal(t, types.RunFailed, final.Status)
	assert.Equal(t, TimeoutReason, final.FailureReason)

	// 逾時後才到的結果
	err := h.orch.HandleJobResult(ctx, env.CorrelationID, 2, Success(nil))
	assert.ErrorIs(t, err, ErrStaleResult)
}

func TestStageTimeoutOverride(t *testing.T) {
	policy := testPolicy()
	policy.StageTimes = map[types.StageType]time.Duration{types.StageScan: 5 * time.Second}
	h := newHarness(t, policy)
	h.startRun(types.StageScan)
	env := h.next(transport.DispatchAddress(types.StageScan))
	assert.Equal(t, h.clock.Now().Add(5*time.Second), *h.job(env.CorrelationID).Deadline)
}

// ============================================================================
// 取消
// ============================================================================

func TestCancelRun(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	run := h.startRun(types.StageAnalyze, types.StageReport)
	env := h.next(transport.DispatchAddress(types.StageAnalyze))

	require.NoError(t, h.orch.CancelRun(ctx, run.ID, "user request"))

	final := h.run(run.ID)
	assert.Equal(t, types.RunFailed, final.Status)
	assert.Equal(t, CancelledReason, final.FailureReason)
	job := h.job(env.CorrelationID)
	assert.Equal(t, types.JobFailed, job.Status)
	assert.Equal(t, CancelledReason, job.FailureReason)

	signal := h.next(transport.CancelAddress)
	assert.Equal(t, transport.KindCancel, signal.Kind)
	assert.Equal(t, env.CorrelationID, signal.CorrelationID)
	assert.Equal(t, "user request", string(signal.Payload.Data))

	err := h.orch.HandleJobResult(ctx, env.CorrelationID, 1, Success(nil))
	assert.ErrorIs(t, err, ErrStaleResult)
	assert.ErrorIs(t, h.orch.CancelRun(ctx, run.ID, ""), ErrRunTerminal)
}

func TestResultForTerminalRunIsDiscarded(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	run := h.startRun(types.StageAnalyze, types.StageReport)
	env := h.next(transport.DispatchAddress(types.StageAnalyze))

	// run 已結束但 job 仍是 RUNNING
	require.NoError(t, h.repo.UpdateRunStatus(ctx, run.ID, types.RunFailed, "operator"))

	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	orch := New(h.repo, h.broker, Config{Policy: testPolicy()}, WithClock(h.clock.Now), WithLogger(l))

	err := orch.HandleJobResult(ctx, env.CorrelationID, 1, Success(nil))
	assert.ErrorIs(t, err, ErrStaleResult)
	assert.Contains(t, buf.String(), "Discarding stale result")
	assert.Contains(t, buf.String(), "run terminal")
	assert.Equal(t, types.JobRunning, h.job(env.CorrelationID).Status)
	assert.Zero(t, h.depth(transport.DispatchAddress(types.StageReport)))
}

func TestCancelCreatedRun(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	run, err := h.orch.SubmitRun(ctx, stages(types.StageAnalyze), nil)
	require.NoError(t, err)

	require.NoError(t, h.orch.CancelRun(ctx, run.ID, ""))
	assert.Equal(t, types.RunFailed, h.run(run.ID).Status)
	assert.Zero(t, h.depth(transport.CancelAddress), "no job, no signal")

	// run.created 在取消之後才到
	require.NoError(t, h.orch.HandleRunCreated(ctx, run.ID))
	assert.Empty(t, h.jobs(run.ID))
}

// ============================================================================
// 派發失敗與恢復
// ============================================================================

func TestFailedDispatchIsRecoveredBySweeper(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	sweeper := NewSweeper(h.orch, SweeperConfig{})
	run, err := h.orch.SubmitRun(ctx, stages(types.StageAnalyze), nil)
	require.NoError(t, err)

	h.sender.broken.Store(true)
	err = h.orch.HandleRunCreated(ctx, run.ID)
	require.Error(t, err)

	jobs := h.jobs(run.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobScheduled, jobs[0].Status)
	assert.Equal(t, types.RunActive, h.run(run.ID).Status)

	stats := sweeper.Sweep(ctx)
	assert.Equal(t, 1, stats.Errors)

	h.sender.broken.Store(false)
	stats = sweeper.Sweep(ctx)
	assert.Equal(t, 1, stats.Redispatched)
	env := h.next(transport.DispatchAddress(types.StageAnalyze))
	assert.Equal(t, jobs[0].ID, env.CorrelationID)
	assert.Equal(t, 1, env.Attempt)
	assert.Equal(t, types.JobRunning, h.job(jobs[0].ID).Status)
}

func TestResultBeforeRunningIsAccepted(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	run, err := h.orch.SubmitRun(ctx, stages(types.StageAnalyze), nil)
	require.NoError(t, err)
	h.sender.broken.Store(true)
	require.Error(t, h.orch.HandleRunCreated(ctx, run.ID))

	// 派發其實已送達 (例如 send 回報錯誤但 broker 已收到)
	job := h.jobs(run.ID)[0]
	require.NoError(t, h.orch.HandleJobResult(ctx, job.ID, 1, Success(nil)))
	assert.Equal(t, types.RunFinished, h.run(run.ID).Status)
}

func TestSweeperRestartsStaleCreatedRun(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	sweeper := NewSweeper(h.orch, SweeperConfig{StaleRunAge: 30 * time.Second})

	h.sender.broken.Store(true)
	run, err := h.orch.SubmitRun(ctx, stages(types.StageAnalyze), nil)
	require.NoError(t, err, "publish failure is not fatal")
	h.sender.broken.Store(false)

	assert.Zero(t, sweeper.Sweep(ctx).Restarted)
	h.clock.Advance(31 * time.Second)
	assert.Equal(t, 1, sweeper.Sweep(ctx).Restarted)
	assert.Equal(t, types.RunActive, h.run(run.ID).Status)
	assert.Equal(t, 1, h.depth(transport.DispatchAddress(types.StageAnalyze)))
}

type staticLostFinder struct {
	lost []types.JobID
	seen int
}

func (f *staticLostFinder) LostJobs(ctx context.Context, running []*types.Job, minAge time.Duration) ([]types.JobID, error) {
	f.seen = len(running)
	return f.lost, nil
}

func TestSweeperFailsLostJobs(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	h.startRun(types.StageAnalyze)
	env := h.next(transport.DispatchAddress(types.StageAnalyze))

	finder := &staticLostFinder{lost: []types.JobID{env.CorrelationID, "unknown"}}
	sweeper := NewSweeper(h.orch, SweeperConfig{LostJobs: finder})
	stats := sweeper.Sweep(ctx)
	assert.Equal(t, 1, finder.seen)
	assert.Equal(t, 1, stats.Lost)

	retry := h.next(transport.DispatchAddress(types.StageAnalyze))
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, "job lost", h.job(env.CorrelationID).FailureReason)
}

// ============================================================================
// 儲存層錯誤
// ============================================================================

func TestUnavailableStoreSurfacesError(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	h.startRun(types.StageAnalyze)
	env := h.next(transport.DispatchAddress(types.StageAnalyze))
	require.NoError(t, h.repo.Close())

	err := h.orch.HandleJobResult(ctx, env.CorrelationID, 1, Success(nil))
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestSweeperStartStop(t *testing.T) {
	h := newHarness(t, testPolicy())
	sweeper := NewSweeper(h.orch, SweeperConfig{Interval: time.Millisecond})
	sweeper.Start(context.Background())
	time.Sleep(5 * time.Millisecond)
	sweeper.Stop()
	sweeper.Stop()
}
