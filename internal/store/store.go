// Package store defines the repository the orchestrator persists runs and jobs through.
//
// The orchestrator is the only writer. Implementations must tell "not found" apart from
// "storage unavailable" so a handler can decide between discarding a message and asking the
// transport to redeliver it.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/stageflow/pkg/types"
)

var (
	// ErrNotFound 記錄不存在
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable 儲存層暫時無法使用；呼叫端應 nack 觸發重送
	ErrUnavailable = errors.New("storage unavailable")
	// ErrInvalidTransition 違反狀態機部分順序
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyExists 主鍵衝突
	ErrAlreadyExists = errors.New("record already exists")
)

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// JobUpdate carries one state transition for a job.
//
// Result is stored when Status is FINISHED, Reason when Status is FAILED (or as the last
// failure reason while a retry is pending). Zero time fields leave the stored value unchanged,
// except that leaving RUNNING clears Deadline.
type JobUpdate struct {
	Status       types.JobStatus
	Attempt      int
	Result       []byte
	Reason       string
	NotBefore    time.Time
	DispatchedAt time.Time
	Deadline     time.Time
}

// Repository is the narrow persistence interface consumed by the orchestrator.
type Repository interface {
	CreateRun(ctx context.Context, run *types.Run) error
	GetRun(ctx context.Context, id types.RunID) (*types.Run, error)
	UpdateRunStatus(ctx context.Context, id types.RunID, status types.RunStatus, reason string) error
	ListRuns(ctx context.Context, status types.RunStatus) ([]*types.Run, error)

	CreateJob(ctx context.Context, runID types.RunID, stageIndex int) (*types.Job, error)
	GetJob(ctx context.Context, id types.JobID) (*types.Job, error)
	UpdateJobStatus(ctx context.Context, id types.JobID, update JobUpdate) error
	ListJobs(ctx context.Context, runID types.RunID) ([]*types.Job, error)

	// ListExpiredJobs returns RUNNING jobs whose deadline is at or before now.
	ListExpiredJobs(ctx context.Context, now time.Time) ([]*types.Job, error)
	// ListDueJobs returns SCHEDULED jobs whose not-before time is at or before now.
	ListDueJobs(ctx context.Context, now time.Time) ([]*types.Job, error)

	// Atomically runs fn against a transactional view; every write inside fn commits or none does.
	Atomically(ctx context.Context, fn func(tx Repository) error) error

	Close() error
}

// ApplyJobUpdate validates update against job and mutates job in place.
// Shared by every implementation so the transition rules live in one place.
func ApplyJobUpdate(job *types.Job, update JobUpdate, now time.Time) error {
	if !types.CanTransitionJob(job.Status, update.Status) {
		return fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, job.ID, job.Status, update.Status)
	}
	if update.Attempt < job.Attempt {
		return fmt.Errorf("%w: job %s attempt %d -> %d", ErrInvalidTransition, job.ID, job.Attempt, update.Attempt)
	}
	if job.Status == types.JobRunning && update.Status == types.JobScheduled && update.Attempt == job.Attempt {
		return fmt.Errorf("%w: job %s retry must increase attempt", ErrInvalidTransition, job.ID)
	}

	job.Status = update.Status
	job.Attempt = update.Attempt
	job.UpdatedAt = now

	if !update.NotBefore.IsZero() {
		job.NotBefore = types.TimePtr(update.NotBefore)
	}
	if !update.DispatchedAt.IsZero() {
		job.DispatchedAt = types.TimePtr(update.DispatchedAt)
	}
	if update.Status == types.JobRunning {
		if !update.Deadline.IsZero() {
			job.Deadline = types.TimePtr(update.Deadline)
		}
	} else {
		job.Deadline = nil
	}

	switch update.Status {
	case types.JobFinished:
		job.Result = update.Result
		job.CompletedAt = types.TimePtr(now)
		job.FailureReason = ""
	case types.JobFailed:
		job.FailureReason = update.Reason
		job.CompletedAt = types.TimePtr(now)
	case types.JobScheduled:
		if update.Reason != "" {
			job.FailureReason = update.Reason
		}
	}
	return nil
}

// ApplyRunStatus validates and applies a run transition.
func ApplyRunStatus(run *types.Run, status types.RunStatus, reason string, now time.Time) error {
	if !types.CanTransitionRun(run.Status, status) {
		return fmt.Errorf("%w: run %s %s -> %s", ErrInvalidTransition, run.ID, run.Status, status)
	}
	run.Status = status
	run.UpdatedAt = now
	if reason != "" {
		run.FailureReason = reason
	}
	if status.IsTerminal() {
		run.FinishedAt = types.TimePtr(now)
	}
	return nil
}

// NewJob builds the first attempt of the stage at stageIndex.
func NewJob(run *types.Run, stageIndex int, now time.Time) (*types.Job, error) {
	stage, ok := run.Stage(stageIndex)
	if !ok {
		return nil, fmt.Errorf("%w: run %s has no stage %d", ErrNotFound, run.ID, stageIndex)
	}
	return &types.Job{
		ID:         types.NewJobID(),
		RunID:      run.ID,
		StageIndex: stageIndex,
		Stage:      stage.Type,
		Status:     types.JobCreated,
		Attempt:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}
