// Package storetest holds the behaviour every store.Repository implementation must share.
package storetest

import (
	"context"
	"errors"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/ChuLiYu/stageflow/internal/store"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

// RepositorySuite runs against the repository returned by NewRepository. Each test gets a
// fresh repository; Cleanup (optional) is called after every test.
type RepositorySuite struct {
	suite.Suite

	NewRepository func() store.Repository
	Cleanup       func()

	repo store.Repository
	ctx  context.Context
}

func (s *RepositorySuite) SetupTest() {
	s.ctx = context.Background()
	s.repo = s.NewRepository()
}

func (s *RepositorySuite) TearDownTest() {
	if s.repo != nil {
		s.repo.Close()
	}
	if s.Cleanup != nil {
		s.Cleanup()
	}
}

// NewRun builds a CREATED run with the given stage types.
func NewRun(stages ...types.StageType) *types.Run {
	cfg := make([]types.StageConfig, len(stages))
	for i, st := range stages {
		cfg[i] = types.StageConfig{Type: st}
	}
	return &types.Run{
		ID:        types.NewRunID(),
		Stages:    cfg,
		Status:    types.RunCreated,
		Labels:    map[string]string{"transport.image": "v1"},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func (s *RepositorySuite) createRun(stages ...types.StageType) *types.Run {
	run := NewRun(stages...)
	s.Require().NoError(s.repo.CreateRun(s.ctx, run))
	return run
}

func (s *RepositorySuite) TestCreateAndGetRun() {
	run := s.createRun(types.StageAnalyze, types.StageScan)

	got, err := s.repo.GetRun(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(run.ID, got.ID)
	s.Equal(types.RunCreated, got.Status)
	s.Len(got.Stages, 2)
	s.Equal(types.StageScan, got.Stages[1].Type)
	s.Equal("v1", got.Labels["transport.image"])
}

func (s *RepositorySuite) TestCreateRunDuplicate() {
	run := s.createRun(types.StageAnalyze)
	err := s.repo.CreateRun(s.ctx, run)
	s.True(errors.Is(err, store.ErrAlreadyExists), "got %v", err)
}

func (s *RepositorySuite) TestNotFound() {
	_, err := s.repo.GetRun(s.ctx, "missing")
	s.True(errors.Is(err, store.ErrNotFound), "got %v", err)
	s.False(errors.Is(err, store.ErrUnavailable))

	_, err = s.repo.GetJob(s.ctx, "missing")
	s.True(errors.Is(err, store.ErrNotFound), "got %v", err)

	err = s.repo.UpdateRunStatus(s.ctx, "missing", types.RunActive, "")
	s.True(errors.Is(err, store.ErrNotFound), "got %v", err)

	err = s.repo.UpdateJobStatus(s.ctx, "missing", store.JobUpdate{Status: types.JobScheduled, Attempt: 1})
	s.True(errors.Is(err, store.ErrNotFound), "got %v", err)
}

func (s *RepositorySuite) TestRunTransitions() {
	run := s.createRun(types.StageAnalyze)

	s.Require().NoError(s.repo.UpdateRunStatus(s.ctx, run.ID, types.RunActive, ""))
	s.Require().NoError(s.repo.UpdateRunStatus(s.ctx, run.ID, types.RunFailed, "boom"))

	got, err := s.repo.GetRun(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(types.RunFailed, got.Status)
	s.Equal("boom", got.FailureReason)
	s.NotNil(got.FinishedAt)

	// terminal states are absorbing
	err = s.repo.UpdateRunStatus(s.ctx, run.ID, types.RunFinished, "")
	s.True(errors.Is(err, store.ErrInvalidTransition), "got %v", err)
}

func (s *RepositorySuite) TestJobLifecycle() {
	run := s.createRun(types.StageAnalyze, types.StageScan)

	job, err := s.repo.CreateJob(s.ctx, run.ID, 0)
	s.Require().NoError(err)
	s.Equal(types.JobCreated, job.Status)
	s.Equal(1, job.Attempt)
	s.Equal(types.StageAnalyze, job.Stage)

	now := time.Now().UTC().Truncate(time.Millisecond)
	s.Require().NoError(s.repo.UpdateJobStatus(s.ctx, job.ID, store.JobUpdate{Status: types.JobScheduled, Attempt: 1}))
	s.Require().NoError(s.repo.UpdateJobStatus(s.ctx, job.ID, store.JobUpdate{
		Status: types.JobRunning, Attempt: 1, DispatchedAt: now, Deadline: now.Add(time.Minute),
	}))

	got, err := s.repo.GetJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(types.JobRunning, got.Status)
	s.Require().NotNil(got.Deadline)
	s.WithinDuration(now.Add(time.Minute), *got.Deadline, time.Millisecond)

	s.Require().NoError(s.repo.UpdateJobStatus(s.ctx, job.ID, store.JobUpdate{
		Status: types.JobFinished, Attempt: 1, Result: []byte(`{"ok":true}`),
	}))
	got, err = s.repo.GetJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(types.JobFinished, got.Status)
	s.JSONEq(`{"ok":true}`, string(got.Result))
	s.Nil(got.Deadline)
	s.NotNil(got.CompletedAt)

	// 終態不可再變
	err = s.repo.UpdateJobStatus(s.ctx, job.ID, store.JobUpdate{Status: types.JobRunning, Attempt: 2})
	s.True(errors.Is(err, store.ErrInvalidTransition), "got %v", err)
}

func (s *RepositorySuite) TestRetryMustIncreaseAttempt() {
	run := s.createRun(types.StageAnalyze)
	job, err := s.repo.CreateJob(s.ctx, run.ID, 0)
	s.Require().NoError(err)
	s.Require().NoError(s.repo.UpdateJobStatus(s.ctx, job.ID, store.JobUpdate{Status: types.JobScheduled, Attempt: 1}))
	s.Require().NoError(s.repo.UpdateJobStatus(s.ctx, job.ID, store.JobUpdate{Status: types.JobRunning, Attempt: 1}))

	err = s.repo.UpdateJobStatus(s.ctx, job.ID, store.JobUpdate{Status: types.JobScheduled, Attempt: 1})
	s.True(errors.Is(err, store.ErrInvalidTransition), "got %v", err)

	s.Require().NoError(s.repo.UpdateJobStatus(s.ctx, job.ID, store.JobUpdate{
		Status: types.JobScheduled, Attempt: 2, Reason: "exit 1", NotBefore: time.Now().Add(time.Hour),
	}))
	got, err := s.repo.GetJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(2, got.Attempt)
	s.Equal("exit 1", got.FailureReason)
	s.NotNil(got.NotBefore)
}

func (s *RepositorySuite) TestSingleActiveJobPerRun() {
	run := s.createRun(types.StageAnalyze, types.StageScan)
	first, err := s.repo.CreateJob(s.ctx, run.ID, 0)
	s.Require().NoError(err)

	_, err = s.repo.CreateJob(s.ctx, run.ID, 1)
	s.True(errors.Is(err, store.ErrInvalidTransition), "got %v", err)

	s.Require().NoError(s.repo.UpdateJobStatus(s.ctx, first.ID, store.JobUpdate{Status: types.JobScheduled, Attempt: 1}))
	s.Require().NoError(s.repo.UpdateJobStatus(s.ctx, first.ID, store.JobUpdate{Status: types.JobFinished, Attempt: 1}))

	second, err := s.repo.CreateJob(s.ctx, run.ID, 1)
	s.Require().NoError(err)

	jobs, err := s.repo.ListJobs(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Require().Len(jobs, 2)
	s.Equal(first.ID, jobs[0].ID)
	s.Equal(second.ID, jobs[1].ID)
}

func (s *RepositorySuite) TestCreateJobUnknownStage() {
	run := s.createRun(types.StageAnalyze)
	_, err := s.repo.CreateJob(s.ctx, run.ID, 3)
	s.Error(err)
}

func (s *RepositorySuite) TestListExpiredAndDue() {
	now := time.Now().UTC()

	runA := s.createRun(types.StageAnalyze)
	expired, err := s.repo.CreateJob(s.ctx, runA.ID, 0)
	s.Require().NoError(err)
	s.Require().NoError(s.repo.UpdateJobStatus(s.ctx, expired.ID, store.JobUpdate{Status: types.JobScheduled, Attempt: 1}))
	s.Require().NoError(s.repo.UpdateJobStatus(s.ctx, expired.ID, store.JobUpdate{
		Status: types.JobRunning, Attempt: 1, DispatchedAt: now.Add(-time.Minute), Deadline: now.Add(-time.Second),
	}))

	runB := s.createRun(types.StageAnalyze)
	fresh, err := s.repo.CreateJob(s.ctx, runB.ID, 0)
	s.Require().NoError(err)
	s.Require().NoError(s.repo.UpdateJobStatus(s.ctx, fresh.ID, store.JobUpdate{Status: types.JobScheduled, Attempt: 1}))
	s.Require().NoError(s.repo.UpdateJobStatus(s.ctx, fresh.ID, store.JobUpdate{
		Status: types.JobRunning, Attempt: 1, Deadline: now.Add(time.Hour),
	}))

	runC := s.createRun(types.StageAnalyze)
	due, err := s.repo.CreateJob(s.ctx, runC.ID, 0)
	s.Require().NoError(err)
	s.Require().NoError(s.repo.UpdateJobStatus(s.ctx, due.ID, store.JobUpdate{
		Status: types.JobScheduled, Attempt: 1, NotBefore: now.Add(-time.Second),
	}))

	runD := s.createRun(types.StageAnalyze)
	later, err := s.repo.CreateJob(s.ctx, runD.ID, 0)
	s.Require().NoError(err)
	s.Require().NoError(s.repo.UpdateJobStatus(s.ctx, later.ID, store.JobUpdate{
		Status: types.JobScheduled, Attempt: 1, NotBefore: now.Add(time.Hour),
	}))

	gotExpired, err := s.repo.ListExpiredJobs(s.ctx, now)
	s.Require().NoError(err)
	s.Require().Len(gotExpired, 1)
	s.Equal(expired.ID, gotExpired[0].ID)

	gotDue, err := s.repo.ListDueJobs(s.ctx, now)
	s.Require().NoError(err)
	s.Require().Len(gotDue, 1)
	s.Equal(due.ID, gotDue[0].ID)
}

func (s *RepositorySuite) TestListRuns() {
	a := s.createRun(types.StageAnalyze)
	s.createRun(types.StageAnalyze)
	s.Require().NoError(s.repo.UpdateRunStatus(s.ctx, a.ID, types.RunActive, ""))

	active, err := s.repo.ListRuns(s.ctx, types.RunActive)
	s.Require().NoError(err)
	s.Require().Len(active, 1)
	s.Equal(a.ID, active[0].ID)

	all, err := s.repo.ListRuns(s.ctx, "")
	s.Require().NoError(err)
	s.Len(all, 2)
}

func (s *RepositorySuite) TestAtomicallyCommits() {
	run := s.createRun(types.StageAnalyze)

	var jobID types.JobID
	err := s.repo.Atomically(s.ctx, func(tx store.Repository) error {
		job, err := tx.CreateJob(s.ctx, run.ID, 0)
		if err != nil {
			return err
		}
		jobID = job.ID
		if err := tx.UpdateJobStatus(s.ctx, job.ID, store.JobUpdate{Status: types.JobScheduled, Attempt: 1}); err != nil {
			return err
		}
		// 交易內讀得到自己的寫入
		got, err := tx.GetJob(s.ctx, job.ID)
		if err != nil {
			return err
		}
		s.Equal(types.JobScheduled, got.Status)
		return tx.UpdateRunStatus(s.ctx, run.ID, types.RunActive, "")
	})
	s.Require().NoError(err)

	got, err := s.repo.GetRun(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(types.RunActive, got.Status)
	job, err := s.repo.GetJob(s.ctx, jobID)
	s.Require().NoError(err)
	s.Equal(types.JobScheduled, job.Status)
}

func (s *RepositorySuite) TestAtomicallyRollsBack() {
	run := s.createRun(types.StageAnalyze)
	boom := errors.New("boom")

	err := s.repo.Atomically(s.ctx, func(tx store.Repository) error {
		if _, err := tx.CreateJob(s.ctx, run.ID, 0); err != nil {
			return err
		}
		if err := tx.UpdateRunStatus(s.ctx, run.ID, types.RunActive, ""); err != nil {
			return err
		}
		return boom
	})
	s.True(errors.Is(err, boom), "got %v", err)

	got, err := s.repo.GetRun(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(types.RunCreated, got.Status)
	jobs, err := s.repo.ListJobs(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Empty(jobs)
}
