// ============================================================================
// stageflow Stage Worker Harness
// ============================================================================
//
// Package: internal/worker
// 文件: harness.go
// 功能: 接收 stage.<type> 派發訊息，在 Pool 上執行 Executor，
//       將結果送到 stage.<type>.result，最後 ack 派發訊息
//
// 結算順序:
//   1. Execute (帶派發逾時)
//   2. Send 結果           ← 失敗時 nack 派發，訊息會重送並重新執行
//   3. Ack 派發
//   結果先送出再 ack，因此 worker 崩潰只會造成重複結果，不會遺失結果；
//   orchestrator 以 attempt 判斷重複。
//
// 取消:
//   run.cancel 是所有 worker 競爭消費的位址。正在本地執行對應 job 的
//   worker 取消執行並 ack；其他 worker nack，讓別的 worker 有機會收到，
//   超過 CancelMaxDeliveries 次後直接 ack (job 可能早已結束)。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/stageflow/internal/transport"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

// ErrCancelled is the cause attached to executions stopped by a cancel signal.
var ErrCancelled = errors.New("cancelled by orchestrator")

// HarnessConfig configures a stage worker.
type HarnessConfig struct {
	Stage               types.StageType
	Concurrency         int
	DefaultTimeout      time.Duration // 派發訊息沒有帶逾時時使用
	WatchCancel         bool
	CancelMaxDeliveries int
	SendRetry           transport.RetryPolicy
	// Observe 在結果送出後呼叫，例如 metrics.Collector.ObserveExecution
	Observe func(stage types.StageType, success bool, d time.Duration)
}

// Harness runs stage work for one stage type.
type Harness struct {
	receiver transport.Receiver
	sender   transport.Sender
	exec     Executor
	config   HarnessConfig
	pool     *Pool

	mu      sync.Mutex
	running map[types.JobID]*execution
	loopWg  sync.WaitGroup
}

type execution struct {
	attempt int
	cancel  context.CancelCauseFunc
}

// NewHarness creates a stage worker.
func NewHarness(receiver transport.Receiver, sender transport.Sender, exec Executor, cfg HarnessConfig) *Harness {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	if cfg.CancelMaxDeliveries <= 0 {
		cfg.CancelMaxDeliveries = 5
	}
	if cfg.SendRetry.Attempts == 0 {
		cfg.SendRetry = transport.RetryPolicy{
			Attempts: 5,
			Delay:    func(n int) time.Duration { return time.Duration(n) * 200 * time.Millisecond },
		}
	}
	return &Harness{
		receiver: receiver,
		sender:   sender,
		exec:     exec,
		config:   cfg,
		pool:     NewPool(0, 0),
		running:  make(map[types.JobID]*execution),
	}
}

// Running returns the number of executions in progress.
func (h *Harness) Running() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.running)
}

// Run receives dispatches until ctx is done, then waits for executions in progress.
func (h *Harness) Run(ctx context.Context) error {
	if err := h.config.Stage.Validate(); err != nil {
		return err
	}
	addr := transport.DispatchAddress(h.config.Stage)
	sub, err := h.receiver.Receive(ctx, addr)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", addr, err)
	}
	defer sub.Close()

	if err := h.pool.Start(h.config.Concurrency); err != nil {
		return err
	}
	defer h.pool.Stop()

	if h.config.WatchCancel {
		cancelSub, err := h.receiver.Receive(ctx, transport.CancelAddress)
		if err != nil {
			log.Warn("Cancel signals unavailable", "error", err)
		} else {
			defer cancelSub.Close()
			h.loopWg.Add(1)
			go h.cancelLoop(ctx, cancelSub)
		}
	}
	log.Info("Stage worker started", "stage", h.config.Stage, "concurrency", h.config.Concurrency)

	for d, err := range transport.Messages(ctx, sub) {
		if err != nil {
			log.Warn("Receive failed", "address", addr, "error", err)
			if !transport.IsTemporary(err) {
				break
			}
			continue
		}
		task := Task{
			ID:  d.Envelope.ID,
			Run: func(context.Context) error { return h.Process(ctx, d) },
		}
		if err := h.pool.Submit(ctx, task); err != nil {
			_ = d.Nack(context.WithoutCancel(ctx))
			break
		}
	}
	h.loopWg.Wait()
	log.Info("Stage worker stopped", "stage", h.config.Stage)
	return nil
}

// Process executes one dispatch and settles it.
func (h *Harness) Process(ctx context.Context, d transport.Delivery) error {
	env := d.Envelope
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelSettle()

	if err := env.Validate(); err != nil || env.Kind != transport.KindDispatch {
		log.Warn("Dropping malformed dispatch", "message_id", env.ID, "kind", env.Kind, "error", err, "anomaly", true)
		return d.Ack(settleCtx)
	}

	timeout := h.config.DefaultTimeout
	if v, ok := env.Headers[transport.HeaderTimeout]; ok {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			timeout = parsed
		}
	}

	execCtx, cancel := context.WithCancelCause(transport.ExtractTrace(ctx, env))
	defer cancel(nil)
	execCtx, cancelTimeout := context.WithTimeout(execCtx, timeout)
	defer cancelTimeout()

	h.track(env, cancel)
	defer h.untrack(env)

	logArgs := []any{"run_id", env.RunID, "job_id", env.CorrelationID, "stage", env.Stage, "attempt", env.Attempt}
	log.Debug("Executing stage", logArgs...)
	start := time.Now()
	result, execErr := h.exec.Execute(execCtx, env)

	switch {
	case errors.Is(context.Cause(execCtx), ErrCancelled):
		// orchestrator 已將 job 標記失敗；不需要再回報
		log.Info("Execution cancelled", logArgs...)
		return d.Ack(settleCtx)
	case ctx.Err() != nil && execErr != nil:
		// worker 關閉中：交還訊息給其他 worker
		log.Info("Worker stopping, returning dispatch", logArgs...)
		return d.Nack(settleCtx)
	case execErr != nil && errors.Is(execErr, context.DeadlineExceeded):
		execErr = fmt.Errorf("timeout after %s", timeout)
	}

	reply := transport.NewResult(env, result, execErr)
	if err := transport.SendWithRetry(settleCtx, h.sender, transport.ResultAddress(env.Stage), reply, h.config.SendRetry); err != nil {
		log.Error("Failed to publish result, dispatch will be redelivered", append(logArgs, "error", err)...)
		return d.Nack(settleCtx)
	}
	elapsed := time.Since(start)
	log.Info("Stage completed", append(logArgs, "success", execErr == nil, "duration", elapsed)...)
	if h.config.Observe != nil {
		h.config.Observe(env.Stage, execErr == nil, elapsed)
	}
	if err := d.Ack(settleCtx); err != nil {
		log.Debug("Ack failed", append(logArgs, "error", err)...)
	}
	return execErr
}

func (h *Harness) track(env transport.Envelope, cancel context.CancelCauseFunc) {
	h.mu.Lock()
	h.running[env.CorrelationID] = &execution{attempt: env.Attempt, cancel: cancel}
	h.mu.Unlock()
}

func (h *Harness) untrack(env transport.Envelope) {
	h.mu.Lock()
	if e, ok := h.running[env.CorrelationID]; ok && e.attempt == env.Attempt {
		delete(h.running, env.CorrelationID)
	}
	h.mu.Unlock()
}

// Cancel stops the local execution of jobID, if any.
func (h *Harness) Cancel(jobID types.JobID) bool {
	h.mu.Lock()
	e, ok := h.running[jobID]
	h.mu.Unlock()
	if ok {
		e.cancel(ErrCancelled)
	}
	return ok
}

func (h *Harness) cancelLoop(ctx context.Context, sub transport.Subscription) {
	defer h.loopWg.Done()
	for d, err := range transport.Messages(ctx, sub) {
		if err != nil {
			if !transport.IsTemporary(err) {
				return
			}
			continue
		}
		h.handleCancel(ctx, d)
	}
}

func (h *Harness) handleCancel(ctx context.Context, d transport.Delivery) {
	env := d.Envelope
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if env.Kind != transport.KindCancel || env.CorrelationID == "" {
		_ = d.Ack(settleCtx)
		return
	}
	if h.Cancel(env.CorrelationID) {
		log.Info("Cancel signal applied", "run_id", env.RunID, "job_id", env.CorrelationID)
		_ = d.Ack(settleCtx)
		return
	}
	if env.DeliveryCount >= h.config.CancelMaxDeliveries {
		_ = d.Ack(settleCtx)
		return
	}
	// 不是本地的 job：稍後交還，讓其他 worker 收到
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(env.DeliveryCount) * 50 * time.Millisecond):
	}
	_ = d.Nack(settleCtx)
}
