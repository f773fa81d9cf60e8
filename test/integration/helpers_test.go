package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/stageflow/internal/config"
	"github.com/ChuLiYu/stageflow/internal/controller"
	"github.com/ChuLiYu/stageflow/internal/transport"
	memtransport "github.com/ChuLiYu/stageflow/internal/transport/memory"
	"github.com/ChuLiYu/stageflow/internal/worker"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

// ============================================================================
// 單一行程叢集：orchestrator + 每個階段一個 worker，共用 memory broker
// ============================================================================

type cluster struct {
	t       testing.TB
	cfg     *config.Config
	broker  *memtransport.Transport
	res     *controller.Resources
	ctrl    *controller.Controller
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// testConfig 使用 file store、短逾時與快速 sweep
func testConfig(tb testing.TB, dir string) *config.Config {
	tb.Helper()
	cfg := config.Default()
	cfg.Store.Kind = config.StoreFile
	cfg.Store.Dir = dir
	cfg.Store.SnapshotInterval = 200 * time.Millisecond
	cfg.Orchestrator.RetryLimit = 6
	cfg.Orchestrator.Timeout = 500 * time.Millisecond
	cfg.Orchestrator.BackoffBase = 10 * time.Millisecond
	cfg.Orchestrator.BackoffCap = 100 * time.Millisecond
	cfg.Orchestrator.SweepInterval = 50 * time.Millisecond
	cfg.Orchestrator.StaleRunAge = 200 * time.Millisecond
	cfg.Orchestrator.SweepRate = 1000
	cfg.Orchestrator.SweepBurst = 200
	cfg.Worker.Concurrency = 8
	cfg.Worker.Timeout = time.Second
	require.NoError(tb, cfg.Validate())
	return &cfg
}

// startCluster opens the store in cfg.Store.Dir with a fresh broker, so messages from a
// previous cluster are lost the way they would be after a crash.
func startCluster(tb testing.TB, cfg *config.Config, exec worker.Executor) *cluster {
	tb.Helper()
	c := &cluster{t: tb, cfg: cfg}
	c.broker = memtransport.New(memtransport.Options{VisibilityTimeout: time.Second})
	c.res = controller.NewResources(cfg, map[string]transport.Transport{config.BackendMemory: c.broker})

	var err error
	c.ctrl, err = controller.NewController(context.Background(), cfg, controller.WithResources(c.res))
	require.NoError(tb, err)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	require.NoError(tb, c.ctrl.Start(ctx))

	for _, st := range cfg.StageTypes() {
		wcfg := *cfg
		wcfg.Worker.Stage = string(st)
		node, err := controller.NewWorkerNode(ctx, &wcfg,
			controller.WithWorkerResources(c.res),
			controller.WithExecutor(exec),
			controller.WithEnvLookup(func(string) (string, bool) { return "", false }))
		require.NoError(tb, err)
		c.workers.Add(1)
		go func() {
			defer c.workers.Done()
			node.Run(ctx)
		}()
	}
	return c
}

// stop 停止 worker 與 controller，並關閉 store (寫入最後的 checkpoint)
func (c *cluster) stop() {
	c.cancel()
	c.workers.Wait()
	require.NoError(c.t, c.ctrl.Stop())
	require.NoError(c.t, c.res.Close())
}

func (c *cluster) submit(n int) []types.RunID {
	c.t.Helper()
	stages := make([]types.StageConfig, 0, len(c.cfg.StageTypes()))
	for _, st := range c.cfg.StageTypes() {
		stages = append(stages, types.StageConfig{Type: st})
	}
	ids := make([]types.RunID, 0, n)
	for i := 0; i < n; i++ {
		run, err := c.ctrl.Orchestrator().SubmitRun(context.Background(), stages, nil)
		require.NoError(c.t, err)
		ids = append(ids, run.ID)
	}
	return ids
}

// terminal 回傳已結束的 run 數量
func (c *cluster) terminal(ids []types.RunID) (finished, failed int) {
	for _, id := range ids {
		run, err := c.ctrl.Repository().GetRun(context.Background(), id)
		require.NoError(c.t, err)
		switch run.Status {
		case types.RunFinished:
			finished++
		case types.RunFailed:
			failed++
		}
	}
	return finished, failed
}

func (c *cluster) waitTerminal(ids []types.RunID, timeout time.Duration) (finished, failed int) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		finished, failed = c.terminal(ids)
		if finished+failed == len(ids) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	return c.terminal(ids)
}

// sleepy 模擬每個階段耗時 d
func sleepy(d time.Duration) worker.Executor {
	return worker.ExecutorFunc(func(ctx context.Context, env transport.Envelope) ([]byte, error) {
		select {
		case <-time.After(d):
			return []byte(string(env.Stage) + " ok"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}
