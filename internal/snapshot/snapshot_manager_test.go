package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/stageflow/pkg/types"
)

func testSnapshot() types.SnapshotData {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return types.SnapshotData{
		Runs: map[types.RunID]*types.Run{
			"run-001": {
				ID:        "run-001",
				Status:    types.RunActive,
				Stages:    []types.StageConfig{{Type: types.StageAnalyze}, {Type: types.StageScan}},
				CreatedAt: now,
			},
		},
		Jobs: map[types.JobID]*types.Job{
			"job-001": {ID: "job-001", RunID: "run-001", Stage: types.StageAnalyze, Status: types.JobFinished, Attempt: 1},
			"job-002": {ID: "job-002", RunID: "run-001", StageIndex: 1, Stage: types.StageScan, Status: types.JobRunning, Attempt: 2},
		},
		LastSeq: 100,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	original := testSnapshot()

	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, types.SnapshotSchemaVersion, loaded.SchemaVer)
	assert.Equal(t, original.LastSeq, loaded.LastSeq)
	require.Len(t, loaded.Runs, 1)
	require.Len(t, loaded.Jobs, 2)
	assert.Equal(t, types.RunActive, loaded.Runs["run-001"].Status)
	assert.Equal(t, types.StageScan, loaded.Runs["run-001"].Stages[1].Type)
	assert.Equal(t, 2, loaded.Jobs["job-002"].Attempt)
}

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(testSnapshot()))

	// 臨時檔案不應殘留
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(raw))
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(testSnapshot()))
	assert.True(t, manager.Exists())
}

// TestFirstBoot 首次啟動時沒有快照檔
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	data, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, data.Runs)
	assert.NotNil(t, data.Jobs)
	assert.Empty(t, data.Jobs)
	assert.Equal(t, uint64(0), data.LastSeq)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"runs":{},"jobs":{},"schema_ver":1,"last_seq":3}`), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"runs": {`), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteFailure(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "no-such-dir", "snapshot.json"))
	assert.Error(t, manager.Write(testSnapshot()))
}

func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	data := types.SnapshotData{
		Runs: make(map[types.RunID]*types.Run),
		Jobs: make(map[types.JobID]*types.Job),
	}
	for i := 0; i < 5000; i++ {
		runID := types.RunID(fmt.Sprintf("run-%05d", i))
		data.Runs[runID] = &types.Run{ID: runID, Status: types.RunFinished}
		jobID := types.JobID(fmt.Sprintf("job-%05d", i))
		data.Jobs[jobID] = &types.Job{ID: jobID, RunID: runID, Status: types.JobFinished, Attempt: 1}
	}

	start := time.Now()
	require.NoError(t, manager.Write(data))
	loaded, err := manager.Load()
	require.NoError(t, err)
	t.Logf("write+load of 5000 runs took %v", time.Since(start))

	assert.Len(t, loaded.Runs, 5000)
	assert.Len(t, loaded.Jobs, 5000)
}

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			data := testSnapshot()
			data.LastSeq = seq
			assert.NoError(t, manager.Write(data))
		}(uint64(i))
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Less(t, loaded.LastSeq, uint64(10))
}
