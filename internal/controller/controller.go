// ============================================================================
// stageflow 控制器 - orchestrator 行程的組裝與生命週期
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 依設定組裝 repository、transport、locker 與 orchestrator，
//       並管理背景循環的啟動與停止
//
// 組成:
//   Repository   - memory / file (journal + snapshot) / postgres
//   Transport    - 依 endpoint 選擇 backend 的 router
//   Orchestrator - 狀態機 handler (每個 run 以 Locker 序列化)
//   Consumer     - 訂閱 run.created 與 stage.<type>.result
//   Sweeper      - 逾時、退避到期、遺失的派發、停滯的 run
//
// 背景循環 (Start):
//   1. Consumer Loop - 接收訊息並在 worker pool 上處理
//   2. Sweep Loop    - 定期掃描 repository
//   3. Stats Loop    - 定期將 job 統計寫入 metrics
//
// 崩潰恢復:
//   所有狀態都在 repository 中；重新啟動後 Sweeper 會處理
//   SCHEDULED 但尚未送出的派發，以及已過截止時間的 RUNNING job。
//   file store 的恢復時間記錄在 stageflow_recovery_time_seconds。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/stageflow/internal/config"
	"github.com/ChuLiYu/stageflow/internal/metrics"
	"github.com/ChuLiYu/stageflow/internal/orchestrator"
	"github.com/ChuLiYu/stageflow/internal/store"
	"github.com/ChuLiYu/stageflow/internal/transport"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

// Option customizes a Controller.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	metrics  *metrics.Collector
	backends map[string]transport.Transport
	res      *Resources
}

// WithLogger sets the logger used by the controller and the orchestrator.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics records orchestrator activity in c.
func WithMetrics(c *metrics.Collector) Option { return func(o *options) { o.metrics = c } }

// WithBackend injects an already opened backend under name (e.g. a shared memory broker).
func WithBackend(name string, b transport.Transport) Option {
	return func(o *options) {
		if o.backends == nil {
			o.backends = make(map[string]transport.Transport)
		}
		o.backends[name] = b
	}
}

// WithResources shares connections with another component of the same process.
func WithResources(r *Resources) Option { return func(o *options) { o.res = r } }

// Controller runs the orchestrator side of stageflow.
type Controller struct {
	cfg     *config.Config
	logger  *slog.Logger
	res     *Resources
	ownRes  bool
	metrics *metrics.Collector

	repo      store.Repository
	transport transport.Transport
	orch      *orchestrator.Orchestrator
	consumer  *orchestrator.Consumer
	sweeper   *orchestrator.Sweeper

	mu        sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	loopWg    sync.WaitGroup
	startTime time.Time
}

// NewController opens every dependency named by cfg. On error everything opened so far is
// closed again.
func NewController(ctx context.Context, cfg *config.Config, opts ...Option) (c *Controller, err error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	res := o.res
	if res == nil {
		res = NewResources(cfg, o.backends)
	}
	defer func() {
		if err != nil && o.res == nil {
			res.Close()
		}
	}()

	start := time.Now()
	repo, recovery, err := res.OpenStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	tr, err := res.Transport(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open transport: %w", err)
	}
	locker, err := res.Locker(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create locker: %w", err)
	}

	orchOpts := []orchestrator.Option{orchestrator.WithLocker(locker), orchestrator.WithLogger(o.logger)}
	if o.metrics != nil {
		orchOpts = append(orchOpts, orchestrator.WithMetrics(o.metrics))
		o.metrics.SetRecoveryTime(recovery)
	}
	oc := cfg.Orchestrator
	orch := orchestrator.New(repo, tr, orchestrator.Config{
		Policy: cfg.Policy(),
		SendRetry: transport.RetryPolicy{
			Attempts: oc.SendAttempts,
			Delay: func(n int) time.Duration {
				return orchestrator.Backoff(n, 100*time.Millisecond, 2*time.Second)
			},
		},
	}, orchOpts...)

	c = &Controller{
		cfg:       cfg,
		logger:    o.logger,
		res:       res,
		ownRes:    o.res == nil,
		metrics:   o.metrics,
		repo:      repo,
		transport: tr,
		orch:      orch,
		consumer: orchestrator.NewConsumer(orch, tr, orchestrator.ConsumerConfig{
			Stages:        cfg.StageTypes(),
			Concurrency:   oc.Concurrency,
			MaxDeliveries: oc.MaxDeliveries,
		}),
		sweeper: orchestrator.NewSweeper(orch, orchestrator.SweeperConfig{
			Interval:    oc.SweepInterval,
			StaleRunAge: oc.StaleRunAge,
			RateLimit:   rate.Limit(oc.SweepRate),
			Burst:       oc.SweepBurst,
			LostJobs:    res.LostJobFinder(),
			LostMinAge:  oc.LostJobMinAge,
		}),
	}
	c.logger.Info("Controller initialised",
		"store", cfg.Store.Kind,
		"transport", cfg.Transport.Default,
		"locker", cfg.Locker.Kind,
		"recovery", recovery,
		"duration", time.Since(start))
	return c, nil
}

// Orchestrator exposes the state machine, e.g. for the HTTP API.
func (c *Controller) Orchestrator() *orchestrator.Orchestrator { return c.orch }

// Repository exposes the repository.
func (c *Controller) Repository() store.Repository { return c.repo }

// Transport exposes the routed transport.
func (c *Controller) Transport() transport.Transport { return c.transport }

// Start launches the consumer, sweeper and stats loops.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("controller is stopped")
	}
	if c.started {
		return nil
	}
	c.started = true
	c.startTime = time.Now()

	ctx, c.cancel = context.WithCancel(ctx)

	c.loopWg.Add(1)
	go func() {
		defer c.loopWg.Done()
		if err := c.consumer.Run(ctx); err != nil {
			c.logger.Error("Consumer stopped", "error", err)
		}
	}()

	c.sweeper.Start(ctx)

	if c.metrics != nil && c.cfg.Orchestrator.StatsInterval > 0 {
		c.loopWg.Add(1)
		go c.statsLoop(ctx)
	}

	c.logger.Info("Controller started",
		"stages", c.cfg.Orchestrator.Stages,
		"concurrency", c.cfg.Orchestrator.Concurrency)
	return nil
}

// statsLoop 定期更新 job 狀態 gauge
func (c *Controller) statsLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.Orchestrator.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stats := c.Stats(); stats != nil {
				c.metrics.UpdateJobStats(stats)
			}
		}
	}
}

// Stats returns job counts by status when the repository can report them (memory and file
// stores); nil otherwise.
func (c *Controller) Stats() map[string]int {
	if s, ok := c.repo.(interface{ Stats() map[string]int }); ok {
		return s.Stats()
	}
	return nil
}

// Ready reports whether the repository answers.
func (c *Controller) Ready(ctx context.Context) error {
	_, err := c.repo.GetRun(ctx, types.RunID("readiness-probe"))
	if err == nil || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// Stop stops the loops, waits for in-flight handlers and closes the resources the
// controller opened itself. Shared Resources are closed by their owner.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	c.logger.Info("Stopping controller...")
	c.sweeper.Stop()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.loopWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.shutdownPeriod()):
		c.logger.Warn("Timed out waiting for handlers to finish")
	}

	var err error
	if c.ownRes {
		err = c.res.Close()
	}
	c.logger.Info("Controller stopped", "uptime", time.Since(c.startTime))
	return err
}

func (c *Controller) shutdownPeriod() time.Duration {
	if d := c.cfg.Orchestrator.ShutdownPeriod; d > 0 {
		return d
	}
	return 10 * time.Second
}
