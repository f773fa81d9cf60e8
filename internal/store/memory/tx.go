package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/stageflow/internal/store"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

var errStoreClosed = errors.New("store closed")

// txView 暫存一個交易內的寫入；呼叫者必須持有 Store.mu 寫鎖
type txView struct {
	s *Store

	runs    map[types.RunID]*types.Run
	jobs    map[types.JobID]*types.Job
	newJobs map[types.RunID][]types.JobID
	order   []Change // 首次觸碰順序，commit 時以最終狀態輸出
}

var _ store.Repository = (*txView)(nil)

func newTxView(s *Store) *txView {
	return &txView{
		s:       s,
		runs:    make(map[types.RunID]*types.Run),
		jobs:    make(map[types.JobID]*types.Job),
		newJobs: make(map[types.RunID][]types.JobID),
	}
}

func (tx *txView) changes() []Change {
	out := make([]Change, 0, len(tx.order))
	for _, c := range tx.order {
		if c.Run != nil {
			out = append(out, Change{Run: tx.runs[c.Run.ID]})
		} else {
			out = append(out, Change{Job: tx.jobs[c.Job.ID]})
		}
	}
	return out
}

func (tx *txView) run(id types.RunID) (*types.Run, bool) {
	if r, ok := tx.runs[id]; ok {
		return r, true
	}
	r, ok := tx.s.runs[id]
	return r, ok
}

func (tx *txView) job(id types.JobID) (*types.Job, bool) {
	if j, ok := tx.jobs[id]; ok {
		return j, true
	}
	j, ok := tx.s.jobs[id]
	return j, ok
}

func (tx *txView) stageRun(run *types.Run) {
	if _, touched := tx.runs[run.ID]; !touched {
		tx.order = append(tx.order, Change{Run: run})
	}
	tx.runs[run.ID] = run
}

func (tx *txView) stageJob(job *types.Job) {
	if _, touched := tx.jobs[job.ID]; !touched {
		tx.order = append(tx.order, Change{Job: job})
	}
	tx.jobs[job.ID] = job
}

func (tx *txView) jobIDs(runID types.RunID) []types.JobID {
	ids := append([]types.JobID(nil), tx.s.byRun[runID]...)
	return append(ids, tx.newJobs[runID]...)
}

func (tx *txView) Atomically(ctx context.Context, fn func(store.Repository) error) error {
	return fn(tx)
}

func (tx *txView) Close() error { return nil }

func (tx *txView) CreateRun(ctx context.Context, run *types.Run) error {
	if run == nil || run.ID == "" {
		return errors.New("run id is required")
	}
	if _, exists := tx.run(run.ID); exists {
		return fmt.Errorf("run %s: %w", run.ID, store.ErrAlreadyExists)
	}
	c := run.Clone()
	now := tx.s.now()
	if c.Status == "" {
		c.Status = types.RunCreated
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	tx.stageRun(c)
	return nil
}

func (tx *txView) GetRun(ctx context.Context, id types.RunID) (*types.Run, error) {
	run, ok := tx.run(id)
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return run.Clone(), nil
}

func (tx *txView) UpdateRunStatus(ctx context.Context, id types.RunID, status types.RunStatus, reason string) error {
	run, ok := tx.run(id)
	if !ok {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	c := run.Clone()
	if err := store.ApplyRunStatus(c, status, reason, tx.s.now()); err != nil {
		return err
	}
	tx.stageRun(c)
	return nil
}

func (tx *txView) ListRuns(ctx context.Context, status types.RunStatus) ([]*types.Run, error) {
	seen := make(map[types.RunID]bool)
	var out []*types.Run
	for id, run := range tx.runs {
		seen[id] = true
		if status == "" || run.Status == status {
			out = append(out, run.Clone())
		}
	}
	for id, run := range tx.s.runs {
		if seen[id] {
			continue
		}
		if status == "" || run.Status == status {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateJob 為 stageIndex 建立第一次嘗試；run 已有非終態 job 時拒絕 (single flight)
func (tx *txView) CreateJob(ctx context.Context, runID types.RunID, stageIndex int) (*types.Job, error) {
	run, ok := tx.run(runID)
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	for _, id := range tx.jobIDs(runID) {
		existing, _ := tx.job(id)
		if existing.Status.IsActive() {
			return nil, fmt.Errorf("%w: run %s already has active job %s", store.ErrInvalidTransition, runID, id)
		}
	}
	job, err := store.NewJob(run, stageIndex, tx.s.now())
	if err != nil {
		return nil, err
	}
	tx.newJobs[runID] = append(tx.newJobs[runID], job.ID)
	tx.stageJob(job)
	return job.Clone(), nil
}

func (tx *txView) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	job, ok := tx.job(id)
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return job.Clone(), nil
}

func (tx *txView) UpdateJobStatus(ctx context.Context, id types.JobID, update store.JobUpdate) error {
	job, ok := tx.job(id)
	if !ok {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	c := job.Clone()
	if err := store.ApplyJobUpdate(c, update, tx.s.now()); err != nil {
		return err
	}
	tx.stageJob(c)
	return nil
}

func (tx *txView) ListJobs(ctx context.Context, runID types.RunID) ([]*types.Job, error) {
	if _, ok := tx.run(runID); !ok {
		return nil, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	ids := tx.jobIDs(runID)
	out := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		job, _ := tx.job(id)
		out = append(out, job.Clone())
	}
	return out, nil
}

func (tx *txView) ListExpiredJobs(ctx context.Context, now time.Time) ([]*types.Job, error) {
	return tx.filterJobs(func(j *types.Job) bool {
		return j.Status == types.JobRunning && j.Deadline != nil && !j.Deadline.After(now)
	}), nil
}

func (tx *txView) ListDueJobs(ctx context.Context, now time.Time) ([]*types.Job, error) {
	return tx.filterJobs(func(j *types.Job) bool {
		return j.Status == types.JobScheduled && (j.NotBefore == nil || !j.NotBefore.After(now))
	}), nil
}

func (tx *txView) filterJobs(keep func(*types.Job) bool) []*types.Job {
	var out []*types.Job
	for id, job := range tx.s.jobs {
		if staged, ok := tx.jobs[id]; ok {
			job = staged
		}
		if keep(job) {
			out = append(out, job.Clone())
		}
	}
	for _, ids := range tx.newJobs {
		for _, id := range ids {
			if job := tx.jobs[id]; keep(job) {
				out = append(out, job.Clone())
			}
		}
	}
	sortJobs(out)
	return out
}
