// ============================================================================
// stageflow 恢復測試套件
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: 端到端的 crash recovery 測試
//
// TestCrashRecovery:
//   1. 提交 40 個三階段 run，在處理途中停止整個行程
//   2. 以新的 broker 重新啟動 (佇列中的派發與結果全部遺失)
//   3. Sweeper 重新派發逾時的 RUNNING job 與停滯的 CREATED run
//   4. 驗證所有 run 都完成，且每個 job 的 attempt 不超過重試上限
//
// TestRestartPreservesFinishedRuns:
//   已完成的 run 在重啟後維持 FINISHED，且不會再被派發
//
// ============================================================================

package integration

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/stageflow/internal/transport"
	"github.com/ChuLiYu/stageflow/internal/worker"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

func TestCrashRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping crash recovery test in short mode")
	}
	cfg := testConfig(t, t.TempDir())

	first := startCluster(t, cfg, sleepy(30*time.Millisecond))
	ids := first.submit(40)

	// 等到部分 run 進入處理中再「崩潰」
	require.Eventually(t, func() bool {
		return first.ctrl.Stats()["finished"] > 0
	}, 10*time.Second, 10*time.Millisecond)
	beforeFinished, _ := first.terminal(ids)
	first.stop()
	t.Logf("Stopped with %d/%d runs finished", beforeFinished, len(ids))

	second := startCluster(t, cfg, sleepy(30*time.Millisecond))
	defer second.stop()

	finished, failed := second.waitTerminal(ids, 30*time.Second)
	t.Logf("After recovery: finished=%d failed=%d", finished, failed)
	require.Equal(t, len(ids), finished, "every run completes after recovery")
	assert.Zero(t, failed)

	for _, id := range ids {
		jobs, err := second.ctrl.Repository().ListJobs(context.Background(), id)
		require.NoError(t, err)
		require.Len(t, jobs, len(cfg.StageTypes()))
		for i, j := range jobs {
			assert.Equal(t, i, j.StageIndex)
			assert.Equal(t, types.JobFinished, j.Status)
			assert.LessOrEqual(t, j.Attempt, cfg.Orchestrator.RetryLimit)
		}
	}
}

func TestRestartPreservesFinishedRuns(t *testing.T) {
	cfg := testConfig(t, t.TempDir())

	first := startCluster(t, cfg, sleepy(time.Millisecond))
	ids := first.submit(5)
	finished, _ := first.waitTerminal(ids, 10*time.Second)
	require.Equal(t, 5, finished)
	first.stop()

	var executions atomic.Int32
	counting := worker.ExecutorFunc(func(ctx context.Context, env transport.Envelope) ([]byte, error) {
		executions.Add(1)
		return nil, nil
	})
	second := startCluster(t, cfg, counting)
	defer second.stop()

	finished, failed := second.terminal(ids)
	assert.Equal(t, 5, finished)
	assert.Zero(t, failed)

	// 多給 sweeper 幾個週期
	time.Sleep(5 * cfg.Orchestrator.SweepInterval)
	assert.Zero(t, executions.Load(), "finished runs are never dispatched again")
}
