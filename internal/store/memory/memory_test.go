package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ChuLiYu/stageflow/internal/store"
	"github.com/ChuLiYu/stageflow/internal/store/storetest"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

func TestMemoryRepository(t *testing.T) {
	suite.Run(t, &storetest.RepositorySuite{
		NewRepository: func() store.Repository { return New() },
	})
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func newRunningJob(t *testing.T, s *Store, deadline time.Time) *types.Job {
	t.Helper()
	ctx := context.Background()
	run := storetest.NewRun(types.StageAnalyze)
	require.NoError(t, s.CreateRun(ctx, run))
	job, err := s.CreateJob(ctx, run.ID, 0)
	require.NoError(t, err)
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, store.JobUpdate{Status: types.JobScheduled, Attempt: 1}))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, store.JobUpdate{Status: types.JobRunning, Attempt: 1, Deadline: deadline}))
	return job
}

func TestCommitHookReceivesFinalState(t *testing.T) {
	var got [][]Change
	s := New(WithCommitHook(func(changes []Change) error {
		got = append(got, changes)
		return nil
	}))
	ctx := context.Background()
	run := storetest.NewRun(types.StageAnalyze)
	require.NoError(t, s.CreateRun(ctx, run))

	err := s.Atomically(ctx, func(tx store.Repository) error {
		job, err := tx.CreateJob(ctx, run.ID, 0)
		if err != nil {
			return err
		}
		if err := tx.UpdateJobStatus(ctx, job.ID, store.JobUpdate{Status: types.JobScheduled, Attempt: 1}); err != nil {
			return err
		}
		return tx.UpdateRunStatus(ctx, run.ID, types.RunActive, "")
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	require.Len(t, got[1], 2, "job and run changed in one commit")
	require.NotNil(t, got[1][0].Job)
	assert.Equal(t, types.JobScheduled, got[1][0].Job.Status, "hook sees the final state, not the first write")
	require.NotNil(t, got[1][1].Run)
	assert.Equal(t, types.RunActive, got[1][1].Run.Status)
}

func TestCommitHookFailureAbortsTransaction(t *testing.T) {
	fail := false
	s := New(WithCommitHook(func([]Change) error {
		if fail {
			return errors.New("disk full")
		}
		return nil
	}))
	ctx := context.Background()
	run := storetest.NewRun(types.StageAnalyze)
	require.NoError(t, s.CreateRun(ctx, run))

	fail = true
	err := s.UpdateRunStatus(ctx, run.ID, types.RunActive, "")
	assert.True(t, errors.Is(err, store.ErrUnavailable), "got %v", err)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCreated, got.Status)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())

	_, err := s.GetRun(context.Background(), "x")
	assert.True(t, errors.Is(err, store.ErrUnavailable))
	assert.False(t, errors.Is(err, store.ErrNotFound))

	err = s.CreateRun(context.Background(), storetest.NewRun(types.StageAnalyze))
	assert.True(t, errors.Is(err, store.ErrUnavailable))
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	run := storetest.NewRun(types.StageAnalyze)
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	got.Status = types.RunFailed
	got.Labels["transport.image"] = "mutated"

	again, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCreated, again.Status)
	assert.Equal(t, "v1", again.Labels["transport.image"])
}

func TestStatsAndIndexes(t *testing.T) {
	s := New()
	newRunningJob(t, s, time.Now().Add(time.Hour))
	newRunningJob(t, s, time.Now().Add(-time.Second))

	stats := s.Stats()
	assert.Equal(t, 2, stats["runs"])
	assert.Equal(t, 2, stats["running"])
	assert.Equal(t, 0, stats["scheduled"])

	expired, err := s.ListExpiredJobs(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}

func TestSnapshotAndRestore(t *testing.T) {
	s := New()
	job := newRunningJob(t, s, time.Now().Add(-time.Second))
	snap := s.Snapshot()
	assert.Equal(t, types.SnapshotSchemaVersion, snap.SchemaVer)
	assert.Len(t, snap.Runs, 1)
	assert.Len(t, snap.Jobs, 1)

	restored := New()
	restored.Restore(snap)

	got, err := restored.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, got.Status)

	expired, err := restored.ListExpiredJobs(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1, "running index rebuilt")

	jobs, err := restored.ListJobs(context.Background(), job.RunID)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "byRun index rebuilt")
}

func TestConcurrentTransactionsOnDifferentRuns(t *testing.T) {
	s := New()
	ctx := context.Background()

	const n = 50
	runs := make([]*types.Run, n)
	for i := range runs {
		runs[i] = storetest.NewRun(types.StageAnalyze, types.StageScan)
		require.NoError(t, s.CreateRun(ctx, runs[i]))
	}

	var wg sync.WaitGroup
	for _, run := range runs {
		wg.Add(1)
		go func(run *types.Run) {
			defer wg.Done()
			err := s.Atomically(ctx, func(tx store.Repository) error {
				job, err := tx.CreateJob(ctx, run.ID, 0)
				if err != nil {
					return err
				}
				if err := tx.UpdateJobStatus(ctx, job.ID, store.JobUpdate{Status: types.JobScheduled, Attempt: 1}); err != nil {
					return err
				}
				return tx.UpdateRunStatus(ctx, run.ID, types.RunActive, "")
			})
			assert.NoError(t, err)
		}(run)
	}
	wg.Wait()

	active, err := s.ListRuns(ctx, types.RunActive)
	require.NoError(t, err)
	assert.Len(t, active, n)
	assert.Equal(t, n, s.Stats()["scheduled"])
}
