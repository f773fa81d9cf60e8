// ============================================================================
// stageflow Orchestrator - pipeline 狀態機
// ============================================================================
//
// Package: internal/orchestrator
// 文件: orchestrator.go
// 功能: 消化 run.created / stage 結果 / 逾時 / 取消，寫入 repository，
//       並送出下一個派發訊息
//
// 狀態機:
//   Job: CREATED → SCHEDULED → RUNNING → {FINISHED | FAILED}
//        失敗且尚未用完嘗試次數時回到 SCHEDULED (attempt + 1)
//   Run: CREATED → ACTIVE → {FINISHED | FAILED}
//
// 派發順序 (持有該 run 的鎖):
//   1. 交易內: job SCHEDULED (+ run ACTIVE)       ← 崩潰後 sweeper 會補派
//   2. transport.Send(stage.<type>)               ← 失敗時 job 留在 SCHEDULED
//   3. job RUNNING，設定 deadline
//
// 過期結果判定 (stale):
//   job 必須是 RUNNING 或 SCHEDULED，且 attempt 相同，run 不是終態；
//   其他一律丟棄。這讓 at-least-once 投遞下的結果處理是冪等的。
//
// 並發:
//   所有 handler 都在 Locker.Lock(runID) 之內執行；orchestrator 本身不持有
//   任何跨呼叫的狀態，重啟後只靠 repository 與重送的訊息即可恢復。
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/stageflow/internal/store"
	"github.com/ChuLiYu/stageflow/internal/transport"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

var log = slog.Default()

var tracer = otel.Tracer("github.com/ChuLiYu/stageflow/internal/orchestrator")

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrStaleResult 結果不屬於目前的嘗試；呼叫端應 ack 並丟棄
	ErrStaleResult = errors.New("stale result")
	// ErrUnknownJob correlation ID 找不到對應的 job (contract violation)
	ErrUnknownJob = errors.New("unknown job")
	// ErrUnknownRun run ID 不存在 (contract violation)
	ErrUnknownRun = errors.New("unknown run")
	// ErrRunTerminal 對已結束的 run 執行取消
	ErrRunTerminal = errors.New("run already terminal")
	// ErrInvalidPipeline SubmitRun 收到不合法的階段列表
	ErrInvalidPipeline = errors.New("invalid pipeline")
)

// CancelledReason is the failure reason recorded for cancelled runs and jobs.
const CancelledReason = "cancelled"

// TimeoutReason is the failure reason recorded when a job misses its deadline.
const TimeoutReason = "timeout"

// ============================================================================
// 資料結構定義
// ============================================================================

// Metrics receives state machine events. internal/metrics provides the Prometheus implementation.
type Metrics interface {
	RunTransition(status types.RunStatus)
	JobTransition(stage types.StageType, status types.JobStatus)
	Dispatched(stage types.StageType, attempt int)
	Discarded(reason string)
}

type noopMetrics struct{}

func (noopMetrics) RunTransition(types.RunStatus)                {}
func (noopMetrics) JobTransition(types.StageType, types.JobStatus) {}
func (noopMetrics) Dispatched(types.StageType, int)              {}
func (noopMetrics) Discarded(string)                             {}

// Config Orchestrator 配置
type Config struct {
	Policy Policy
	// SendRetry 控制派發訊息遇到暫時性錯誤時的重試
	SendRetry transport.RetryPolicy
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLocker replaces the default LocalLocker.
func WithLocker(l Locker) Option { return func(o *Orchestrator) { o.locker = l } }

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithLogger overrides the package logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// Orchestrator is the pipeline state machine. It is the only writer of run and job state.
type Orchestrator struct {
	repo    store.Repository
	sender  transport.Sender
	locker  Locker
	policy  Policy
	retry   transport.RetryPolicy
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an orchestrator.
func New(repo store.Repository, sender transport.Sender, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Policy.RetryLimit == 0 && cfg.Policy.Timeout == 0 {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.SendRetry.Attempts == 0 {
		cfg.SendRetry = transport.RetryPolicy{
			Attempts: 3,
			Delay:    func(n int) time.Duration { return Backoff(n, 100*time.Millisecond, 2*time.Second) },
		}
	}
	o := &Orchestrator{
		repo:    repo,
		sender:  sender,
		locker:  NewLocalLocker(),
		policy:  cfg.Policy,
		retry:   cfg.SendRetry,
		metrics: noopMetrics{},
		logger:  log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Policy returns the scheduler policy in use.
func (o *Orchestrator) Policy() Policy { return o.policy }

func (o *Orchestrator) lock(ctx context.Context, runID types.RunID) (func(), error) {
	unlock, err := o.locker.Lock(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("lock run %s: %w", runID, err)
	}
	return unlock, nil
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrStaleResult) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ============================================================================
// SubmitRun - API 端輔助
// ============================================================================

// SubmitRun creates a run in CREATED and publishes run.created. If the publish fails the run
// stays CREATED and the sweeper starts it later.
func (o *Orchestrator) SubmitRun(ctx context.Context, stages []types.StageConfig, labels map[string]string) (run *types.Run, err error) {
	ctx, span := o.startSpan(ctx, "orchestrator.SubmitRun", attribute.Int("stages", len(stages)))
	defer func() { endSpan(span, err) }()

	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: no stages", ErrInvalidPipeline)
	}
	for i, st := range stages {
		if err := st.Type.Validate(); err != nil {
			return nil, fmt.Errorf("%w: stage %d: %v", ErrInvalidPipeline, i, err)
		}
	}

	now := o.now()
	run = &types.Run{
		ID:        types.NewRunID(),
		Stages:    stages,
		Status:    types.RunCreated,
		Labels:    labels,
		CreatedAt: now,
		UpdatedAt: now,
	}
	span.SetAttributes(attribute.String("run_id", string(run.ID)))
	if err := o.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	o.metrics.RunTransition(types.RunCreated)

	env := transport.NewEnvelope(transport.KindRunCreated, run.ID)
	transport.InjectTrace(ctx, &env)
	if err := transport.SendWithRetry(ctx, o.sender, transport.RunCreatedAddress, env, o.retry); err != nil {
		o.logger.WarnContext(ctx, "Failed to publish run.created, sweeper will start the run", "run_id", run.ID, "error", err)
	}
	o.logger.InfoContext(ctx, "Run submitted", "run_id", run.ID, "stages", len(stages))
	return run, nil
}

// ============================================================================
// HandleRunCreated
// ============================================================================

// HandleRunCreated starts a CREATED run: job 0 is persisted SCHEDULED together with the run
// becoming ACTIVE, then dispatched. A duplicate notification is a no-op.
func (o *Orchestrator) HandleRunCreated(ctx context.Context, runID types.RunID) (err error) {
	ctx, span := o.startSpan(ctx, "orchestrator.HandleRunCreated", attribute.String("run_id", string(runID)))
	defer func() { endSpan(span, err) }()

	unlock, err := o.lock(ctx, runID)
	if err != nil {
		return err
	}
	defer unlock()

	run, err := o.repo.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	if err != nil {
		return err
	}
	if run.Status != types.RunCreated {
		o.logger.DebugContext(ctx, "Duplicate run.created ignored", "run_id", runID, "status", run.Status)
		o.metrics.Discarded("duplicate")
		return nil
	}

	var job *types.Job
	err = o.repo.Atomically(ctx, func(tx store.Repository) error {
		jobs, err := tx.ListJobs(ctx, runID)
		if err != nil {
			return err
		}
		if len(jobs) > 0 {
			return fmt.Errorf("%w: run %s is CREATED but already has %d jobs", store.ErrInvalidTransition, runID, len(jobs))
		}
		job, err = o.scheduleStage(ctx, tx, run, 0)
		if err != nil {
			return err
		}
		return tx.UpdateRunStatus(ctx, runID, types.RunActive, "")
	})
	if err != nil {
		return err
	}
	o.metrics.RunTransition(types.RunActive)
	run.Status = types.RunActive
	o.logger.InfoContext(ctx, "Run started", "run_id", runID, "stage", job.Stage)

	return o.dispatch(ctx, run, job)
}

// scheduleStage creates the job for stageIndex and moves it to SCHEDULED inside tx.
func (o *Orchestrator) scheduleStage(ctx context.Context, tx store.Repository, run *types.Run, stageIndex int) (*types.Job, error) {
	job, err := tx.CreateJob(ctx, run.ID, stageIndex)
	if err != nil {
		return nil, err
	}
	if err := tx.UpdateJobStatus(ctx, job.ID, store.JobUpdate{Status: types.JobScheduled, Attempt: job.Attempt}); err != nil {
		return nil, err
	}
	job.Status = types.JobScheduled
	return job, nil
}

// dispatch sends the dispatch message for a SCHEDULED job and marks it RUNNING.
// The caller holds the run lock.
func (o *Orchestrator) dispatch(ctx context.Context, run *types.Run, job *types.Job) error {
	timeout := o.policy.TimeoutFor(run, job.StageIndex)
	env := transport.NewDispatch(run, job)
	env.Headers[transport.HeaderTimeout] = timeout.String()
	transport.InjectTrace(ctx, &env)
	addr := transport.DispatchAddress(job.Stage)

	if err := transport.SendWithRetry(ctx, o.sender, addr, env, o.retry); err != nil {
		o.logger.WarnContext(ctx, "Dispatch failed, job stays scheduled", "run_id", run.ID, "job_id", job.ID, "address", addr, "error", err)
		return err
	}

	now := o.now()
	err := o.repo.UpdateJobStatus(ctx, job.ID, store.JobUpdate{
		Status:       types.JobRunning,
		Attempt:      job.Attempt,
		DispatchedAt: now,
		Deadline:     now.Add(timeout),
	})
	if err != nil {
		return err
	}
	o.metrics.Dispatched(job.Stage, job.Attempt)
	o.metrics.JobTransition(job.Stage, types.JobRunning)
	o.logger.DebugContext(ctx, "Job dispatched", "run_id", run.ID, "job_id", job.ID, "stage", job.Stage, "attempt", job.Attempt)
	return nil
}

// ============================================================================
// HandleJobResult / HandleTimeout
// ============================================================================

// HandleJobResult applies a worker outcome for attempt of jobID. Results for another attempt,
// for a job that is not RUNNING or SCHEDULED, or for a terminal run return ErrStaleResult and
// change nothing.
func (o *Orchestrator) HandleJobResult(ctx context.Context, jobID types.JobID, attempt int, outcome Outcome) (err error) {
	ctx, span := o.startSpan(ctx, "orchestrator.HandleJobResult",
		attribute.String("job_id", string(jobID)), attribute.Int("attempt", attempt), attribute.Bool("success", outcome.Success))
	defer func() { endSpan(span, err) }()

	job, err := o.repo.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if err != nil {
		return err
	}

	unlock, err := o.lock(ctx, job.RunID)
	if err != nil {
		return err
	}
	defer unlock()

	return o.applyOutcome(ctx, jobID, attempt, outcome, func(job *types.Job) bool { return true })
}

// HandleTimeout fails a RUNNING job whose deadline has passed, exactly like Failure("timeout")
// for its current attempt. A job that meanwhile reported or moved on is left alone.
func (o *Orchestrator) HandleTimeout(ctx context.Context, jobID types.JobID) (err error) {
	ctx, span := o.startSpan(ctx, "orchestrator.HandleTimeout", attribute.String("job_id", string(jobID)))
	defer func() { endSpan(span, err) }()

	job, err := o.repo.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if err != nil {
		return err
	}

	unlock, err := o.lock(ctx, job.RunID)
	if err != nil {
		return err
	}
	defer unlock()

	now := o.now()
	expired := func(j *types.Job) bool {
		return j.Status == types.JobRunning && j.Deadline != nil && !j.Deadline.After(now)
	}
	// 以鎖內重新讀取的 attempt 為準
	current, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return o.applyOutcome(ctx, jobID, current.Attempt, Failure(TimeoutReason), expired)
}

// HandleLost fails the given attempt of a job whose execution vanished (e.g. its cluster Job
// was deleted), without waiting for the deadline.
func (o *Orchestrator) HandleLost(ctx context.Context, jobID types.JobID, attempt int) error {
	return o.HandleJobResult(ctx, jobID, attempt, Failure("job lost"))
}

// applyOutcome is the shared result path; the caller holds the run lock. eligible adds a
// caller-specific precondition on the freshly read job.
func (o *Orchestrator) applyOutcome(ctx context.Context, jobID types.JobID, attempt int, outcome Outcome, eligible func(*types.Job) bool) error {
	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if reason := staleReason(job, attempt); reason != "" || !eligible(job) {
		if reason == "" {
			reason = "not eligible"
		}
		o.logger.DebugContext(ctx, "Discarding stale result", "job_id", jobID, "attempt", attempt,
			"job_attempt", job.Attempt, "status", job.Status, "reason", reason)
		o.metrics.Discarded("stale")
		return fmt.Errorf("%w: job %s attempt %d: %s", ErrStaleResult, jobID, attempt, reason)
	}

	run, err := o.repo.GetRun(ctx, job.RunID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		o.logger.DebugContext(ctx, "Discarding stale result", "run_id", run.ID, "job_id", jobID, "attempt", attempt,
			"run_status", run.Status, "reason", "run terminal")
		o.metrics.Discarded("stale")
		return fmt.Errorf("%w: run %s is %s", ErrStaleResult, run.ID, run.Status)
	}

	action := o.policy.NextAction(run, job.StageIndex, attempt, outcome)
	o.logger.DebugContext(ctx, "Applying outcome", "run_id", run.ID, "job_id", jobID, "success", outcome.Success, "action", action.Kind)

	switch action.Kind {
	case DispatchStage, FinishRun:
		return o.completeStage(ctx, run, job, outcome, action)
	case RetryStage:
		return o.retryStage(ctx, run, job, action)
	case FailRun:
		return o.failRun(ctx, run, job, action.Reason)
	default:
		return fmt.Errorf("unexpected action %v", action.Kind)
	}
}

func staleReason(job *types.Job, attempt int) string {
	switch {
	case job.Status != types.JobRunning && job.Status != types.JobScheduled:
		return "job is " + string(job.Status)
	case job.Attempt != attempt:
		return fmt.Sprintf("current attempt is %d", job.Attempt)
	default:
		return ""
	}
}

func (o *Orchestrator) completeStage(ctx context.Context, run *types.Run, job *types.Job, outcome Outcome, action Action) error {
	var next *types.Job
	err := o.repo.Atomically(ctx, func(tx store.Repository) error {
		err := tx.UpdateJobStatus(ctx, job.ID, store.JobUpdate{
			Status:  types.JobFinished,
			Attempt: job.Attempt,
			Result:  outcome.Result,
		})
		if err != nil {
			return err
		}
		if action.Kind == FinishRun {
			return tx.UpdateRunStatus(ctx, run.ID, types.RunFinished, "")
		}
		next, err = o.scheduleStage(ctx, tx, run, action.StageIndex)
		return err
	})
	if err != nil {
		return err
	}
	o.metrics.JobTransition(job.Stage, types.JobFinished)

	if next == nil {
		o.metrics.RunTransition(types.RunFinished)
		o.logger.InfoContext(ctx, "Run finished", "run_id", run.ID)
		return nil
	}
	return o.dispatch(ctx, run, next)
}

func (o *Orchestrator) retryStage(ctx context.Context, run *types.Run, job *types.Job, action Action) error {
	notBefore := o.now().Add(action.Delay)
	err := o.repo.UpdateJobStatus(ctx, job.ID, store.JobUpdate{
		Status:    types.JobScheduled,
		Attempt:   action.Attempt,
		Reason:    action.Reason,
		NotBefore: notBefore,
	})
	if err != nil {
		return err
	}
	o.metrics.JobTransition(job.Stage, types.JobScheduled)
	o.logger.InfoContext(ctx, "Job scheduled for retry", "run_id", run.ID, "job_id", job.ID,
		"attempt", action.Attempt, "delay", action.Delay, "reason", action.Reason)

	if action.Delay > 0 {
		return nil // sweeper 在 not-before 之後派發
	}
	job.Attempt = action.Attempt
	job.Status = types.JobScheduled
	return o.dispatch(ctx, run, job)
}

func (o *Orchestrator) failRun(ctx context.Context, run *types.Run, job *types.Job, reason string) error {
	err := o.repo.Atomically(ctx, func(tx store.Repository) error {
		if err := tx.UpdateJobStatus(ctx, job.ID, store.JobUpdate{
			Status:  types.JobFailed,
			Attempt: job.Attempt,
			Reason:  reason,
		}); err != nil {
			return err
		}
		return tx.UpdateRunStatus(ctx, run.ID, types.RunFailed, reason)
	})
	if err != nil {
		return err
	}
	o.metrics.JobTransition(job.Stage, types.JobFailed)
	o.metrics.RunTransition(types.RunFailed)
	o.logger.WarnContext(ctx, "Run failed", "run_id", run.ID, "job_id", job.ID, "attempts", job.Attempt, "reason", reason)
	return nil
}

// ============================================================================
// RedispatchDue - sweeper 使用
// ============================================================================

// RedispatchDue dispatches a SCHEDULED job whose not-before time has passed: a retry whose
// backoff elapsed, or a dispatch lost to a crash or a failed send.
func (o *Orchestrator) RedispatchDue(ctx context.Context, jobID types.JobID) (err error) {
	ctx, span := o.startSpan(ctx, "orchestrator.RedispatchDue", attribute.String("job_id", string(jobID)))
	defer func() { endSpan(span, err) }()

	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	unlock, err := o.lock(ctx, job.RunID)
	if err != nil {
		return err
	}
	defer unlock()

	job, err = o.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != types.JobScheduled || (job.NotBefore != nil && job.NotBefore.After(o.now())) {
		return nil
	}
	run, err := o.repo.GetRun(ctx, job.RunID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		o.logger.WarnContext(ctx, "Scheduled job under terminal run", "run_id", run.ID, "job_id", job.ID, "anomaly", true)
		return nil
	}
	return o.dispatch(ctx, run, job)
}

// ============================================================================
// CancelRun
// ============================================================================

// CancelRun fails a non-terminal run with reason "cancelled" and its active job without
// retries, then sends an advisory cancel message to workers. Late results for the job are
// discarded by the stale check.
func (o *Orchestrator) CancelRun(ctx context.Context, runID types.RunID, reason string) (err error) {
	ctx, span := o.startSpan(ctx, "orchestrator.CancelRun", attribute.String("run_id", string(runID)))
	defer func() { endSpan(span, err) }()

	unlock, err := o.lock(ctx, runID)
	if err != nil {
		return err
	}
	defer unlock()

	run, err := o.repo.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, run.Status)
	}

	var active *types.Job
	err = o.repo.Atomically(ctx, func(tx store.Repository) error {
		jobs, err := tx.ListJobs(ctx, runID)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if !j.Status.IsActive() {
				continue
			}
			active = j
			if err := tx.UpdateJobStatus(ctx, j.ID, store.JobUpdate{
				Status:  types.JobFailed,
				Attempt: j.Attempt,
				Reason:  CancelledReason,
			}); err != nil {
				return err
			}
		}
		return tx.UpdateRunStatus(ctx, runID, types.RunFailed, CancelledReason)
	})
	if err != nil {
		return err
	}
	o.metrics.RunTransition(types.RunFailed)
	o.logger.InfoContext(ctx, "Run cancelled", "run_id", runID, "reason", reason)

	if active == nil {
		return nil
	}
	o.metrics.JobTransition(active.Stage, types.JobFailed)

	// 建議性訊號：送不出去也不影響 orchestrator 內的狀態
	env := transport.NewEnvelope(transport.KindCancel, runID)
	env.CorrelationID = active.ID
	env.Stage = active.Stage
	env.StageIndex = active.StageIndex
	env.Attempt = active.Attempt
	if reason != "" {
		env.Payload = transport.Payload{Data: []byte(reason), ContentType: transport.ContentTypeText}
	}
	transport.InjectTrace(ctx, &env)
	if err := transport.SendWithRetry(ctx, o.sender, transport.CancelAddress, env, o.retry); err != nil {
		o.logger.WarnContext(ctx, "Failed to send cancel signal", "run_id", runID, "job_id", active.ID, "error", err)
	}
	return nil
}

func isStale(err error) bool { return errors.Is(err, ErrStaleResult) }
