package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/stageflow/pkg/types"
)

// ============================================================================
// Sweeper - 週期掃描
// ============================================================================
//
// 每個 tick:
//   1. RUNNING 且逾時的 job      → HandleTimeout
//   2. SCHEDULED 且到期的 job    → RedispatchDue (退避結束或派發遺失)
//   3. 停留在 CREATED 過久的 run → HandleRunCreated (run.created 遺失)
//   4. (可選) backend 回報已消失的 job → HandleLost
//
// 所有呼叫都經過 rate limiter，避免大量逾時時壓垮 transport。

// LostJobFinder reports RUNNING jobs whose execution no longer exists in the backend.
type LostJobFinder interface {
	LostJobs(ctx context.Context, running []*types.Job, minAge time.Duration) ([]types.JobID, error)
}

// SweeperConfig configures the sweeper.
type SweeperConfig struct {
	Interval    time.Duration // 掃描間隔
	StaleRunAge time.Duration // CREATED run 超過此時間視為遺失 run.created
	RateLimit   rate.Limit    // 每秒 handler 呼叫次數
	Burst       int
	LostJobs    LostJobFinder
	LostMinAge  time.Duration // 派發後至少經過這段時間才檢查是否遺失
}

// Sweeper drives timeouts, delayed retries and recovery of lost notifications.
type Sweeper struct {
	orch    *Orchestrator
	config  SweeperConfig
	limiter *rate.Limiter

	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
	loopWg  sync.WaitGroup
}

// NewSweeper creates a sweeper for orch.
func NewSweeper(orch *Orchestrator, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.StaleRunAge <= 0 {
		cfg.StaleRunAge = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.LostMinAge <= 0 {
		cfg.LostMinAge = time.Minute
	}
	return &Sweeper{
		orch:    orch,
		config:  cfg,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		stopCh:  make(chan struct{}),
	}
}

// Start runs the sweep loop in the background until Stop or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.loopWg.Add(1)
	go s.loop(ctx)
}

// Stop stops the loop and waits for the current sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.mu.Unlock()
	s.loopWg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// SweepStats counts handler calls of one sweep.
type SweepStats struct {
	TimedOut     int
	Redispatched int
	Restarted    int
	Lost         int
	Errors       int
}

// Sweep runs one pass and returns what it did.
func (s *Sweeper) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats
	repo := s.orch.repo
	now := s.orch.now()
	logger := s.orch.logger

	// 1. 逾時
	expired, err := repo.ListExpiredJobs(ctx, now)
	if err != nil {
		logger.Warn("List expired jobs failed", "error", err)
		stats.Errors++
	}
	for _, job := range expired {
		if !s.wait(ctx) {
			return stats
		}
		if err := s.orch.HandleTimeout(ctx, job.ID); err != nil {
			if !isStale(err) {
				logger.Warn("Timeout handling failed", "job_id", job.ID, "error", err)
				stats.Errors++
			}
			continue
		}
		stats.TimedOut++
	}

	// 2. 到期的 SCHEDULED job
	due, err := repo.ListDueJobs(ctx, now)
	if err != nil {
		logger.Warn("List due jobs failed", "error", err)
		stats.Errors++
	}
	for _, job := range due {
		if !s.wait(ctx) {
			return stats
		}
		if err := s.orch.RedispatchDue(ctx, job.ID); err != nil {
			logger.Warn("Redispatch failed", "job_id", job.ID, "error", err)
			stats.Errors++
			continue
		}
		stats.Redispatched++
	}

	// 3. 遺失 run.created 的 run
	created, err := repo.ListRuns(ctx, types.RunCreated)
	if err != nil {
		logger.Warn("List created runs failed", "error", err)
		stats.Errors++
	}
	for _, run := range created {
		if now.Sub(run.CreatedAt) < s.config.StaleRunAge {
			continue
		}
		if !s.wait(ctx) {
			return stats
		}
		if err := s.orch.HandleRunCreated(ctx, run.ID); err != nil {
			logger.Warn("Restarting stale run failed", "run_id", run.ID, "error", err)
			stats.Errors++
			continue
		}
		stats.Restarted++
	}

	// 4. backend 中已消失的 job
	if s.config.LostJobs != nil {
		stats.Lost, err = s.sweepLost(ctx)
		if err != nil {
			logger.Warn("Lost job detection failed", "error", err)
			stats.Errors++
		}
	}

	if stats != (SweepStats{}) {
		logger.Debug("Sweep finished", "timed_out", stats.TimedOut, "redispatched", stats.Redispatched,
			"restarted", stats.Restarted, "lost", stats.Lost, "errors", stats.Errors)
	}
	return stats
}

func (s *Sweeper) sweepLost(ctx context.Context) (int, error) {
	repo := s.orch.repo
	runs, err := repo.ListRuns(ctx, types.RunActive)
	if err != nil {
		return 0, err
	}
	var running []*types.Job
	byID := make(map[types.JobID]*types.Job)
	for _, run := range runs {
		jobs, err := repo.ListJobs(ctx, run.ID)
		if err != nil {
			return 0, err
		}
		for _, j := range jobs {
			if j.Status == types.JobRunning {
				running = append(running, j)
				byID[j.ID] = j
			}
		}
	}
	if len(running) == 0 {
		return 0, nil
	}
	lost, err := s.config.LostJobs.LostJobs(ctx, running, s.config.LostMinAge)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range lost {
		job, ok := byID[id]
		if !ok {
			continue
		}
		if !s.wait(ctx) {
			break
		}
		if err := s.orch.HandleLost(ctx, job.ID, job.Attempt); err != nil {
			if !isStale(err) {
				s.orch.logger.Warn("Lost job handling failed", "job_id", job.ID, "error", err)
			}
			continue
		}
		n++
	}
	return n, nil
}

func (s *Sweeper) wait(ctx context.Context) bool {
	return s.limiter.Wait(ctx) == nil
}
