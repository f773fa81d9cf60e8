// ============================================================================
// stageflow 記憶體儲存 - Run/Job 狀態的單一真實來源
// ============================================================================
//
// Package: internal/store/memory
// 文件: memory.go
// 功能: store.Repository 的記憶體實作，也是 filestore 的狀態層
//
// 設計理念:
//   1. runs / jobs map 為主存儲 (Single Source of Truth)
//   2. 狀態索引 running / scheduled 提供 sweeper 快速查詢
//   3. byRun 索引保存每個 run 的 job 建立順序
//
// 交易:
//   Atomically() 在寫鎖內執行 fn，fn 的寫入先暫存在 txView，
//   fn 成功後才一次套用 (commit)；失敗則整批丟棄。
//   CommitHook 在套用前被呼叫 (filestore 用來寫 journal)，
//   hook 失敗等同儲存不可用，整個交易不生效。
//
// 並發安全:
//   - sync.RWMutex 保護所有資料結構
//   - 讀操作 RLock，交易 Lock
//   - 回傳值一律是 Clone()，呼叫端不會與 store 共用指標
//
// ============================================================================

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/stageflow/internal/store"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

// Change 一筆已提交的記錄變更；Run 與 Job 只會有一個非 nil
type Change struct {
	Run *types.Run
	Job *types.Job
}

// CommitHook is called with the final state of every record a transaction touched, before
// the transaction becomes visible. A non-nil error aborts the commit.
type CommitHook func(changes []Change) error

// Option configures a Store.
type Option func(*Store)

// WithCommitHook installs a hook run inside every commit.
func WithCommitHook(h CommitHook) Option {
	return func(s *Store) { s.hook = h }
}

// WithClock overrides time.Now, used by tests that need deterministic timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store 記憶體 repository
type Store struct {
	mu    sync.RWMutex
	runs  map[types.RunID]*types.Run
	jobs  map[types.JobID]*types.Job
	byRun map[types.RunID][]types.JobID

	// 狀態索引
	running   map[types.JobID]struct{}
	scheduled map[types.JobID]struct{}

	hook   CommitHook
	now    func() time.Time
	closed bool
}

var _ store.Repository = (*Store)(nil)

// New 建立空的記憶體 store
func New(opts ...Option) *Store {
	s := &Store{
		runs:      make(map[types.RunID]*types.Run),
		jobs:      make(map[types.JobID]*types.Job),
		byRun:     make(map[types.RunID][]types.JobID),
		running:   make(map[types.JobID]struct{}),
		scheduled: make(map[types.JobID]struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ============================================================================
// 交易
// ============================================================================

// Atomically 在寫鎖內執行 fn 並一次提交所有寫入
func (s *Store) Atomically(ctx context.Context, fn func(tx store.Repository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.Unavailable("memory", errStoreClosed)
	}

	tx := newTxView(s)
	if err := fn(tx); err != nil {
		return err
	}
	return s.commitLocked(tx)
}

func (s *Store) commitLocked(tx *txView) error {
	changes := tx.changes()
	if len(changes) == 0 {
		return nil
	}
	if s.hook != nil {
		if err := s.hook(changes); err != nil {
			return store.Unavailable("commit hook", err)
		}
	}
	for _, c := range changes {
		if c.Run != nil {
			s.runs[c.Run.ID] = c.Run.Clone()
			continue
		}
		s.putJobLocked(c.Job.Clone())
	}
	return nil
}

// putJobLocked 寫入 job 並維護索引
func (s *Store) putJobLocked(job *types.Job) {
	if _, exists := s.jobs[job.ID]; !exists {
		s.byRun[job.RunID] = append(s.byRun[job.RunID], job.ID)
	}
	s.jobs[job.ID] = job

	delete(s.running, job.ID)
	delete(s.scheduled, job.ID)
	switch job.Status {
	case types.JobRunning:
		s.running[job.ID] = struct{}{}
	case types.JobScheduled:
		s.scheduled[job.ID] = struct{}{}
	}
}

// ============================================================================
// store.Repository (每個寫入都是單筆交易)
// ============================================================================

func (s *Store) CreateRun(ctx context.Context, run *types.Run) error {
	return s.Atomically(ctx, func(tx store.Repository) error { return tx.CreateRun(ctx, run) })
}

func (s *Store) UpdateRunStatus(ctx context.Context, id types.RunID, status types.RunStatus, reason string) error {
	return s.Atomically(ctx, func(tx store.Repository) error { return tx.UpdateRunStatus(ctx, id, status, reason) })
}

func (s *Store) CreateJob(ctx context.Context, runID types.RunID, stageIndex int) (*types.Job, error) {
	var job *types.Job
	err := s.Atomically(ctx, func(tx store.Repository) error {
		var err error
		job, err = tx.CreateJob(ctx, runID, stageIndex)
		return err
	})
	return job, err
}

func (s *Store) UpdateJobStatus(ctx context.Context, id types.JobID, update store.JobUpdate) error {
	return s.Atomically(ctx, func(tx store.Repository) error { return tx.UpdateJobStatus(ctx, id, update) })
}

func (s *Store) GetRun(ctx context.Context, id types.RunID) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.Unavailable("memory", errStoreClosed)
	}
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return run.Clone(), nil
}

func (s *Store) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.Unavailable("memory", errStoreClosed)
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return job.Clone(), nil
}

func (s *Store) ListJobs(ctx context.Context, runID types.RunID) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.Unavailable("memory", errStoreClosed)
	}
	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	ids := s.byRun[runID]
	out := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.jobs[id].Clone())
	}
	return out, nil
}

func (s *Store) ListRuns(ctx context.Context, status types.RunStatus) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.Unavailable("memory", errStoreClosed)
	}
	var out []*types.Run
	for _, run := range s.runs {
		if status == "" || run.Status == status {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListExpiredJobs 取得已超時的 RUNNING 任務
func (s *Store) ListExpiredJobs(ctx context.Context, now time.Time) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.Unavailable("memory", errStoreClosed)
	}
	var out []*types.Job
	for id := range s.running {
		job := s.jobs[id]
		if job.Deadline != nil && !job.Deadline.After(now) {
			out = append(out, job.Clone())
		}
	}
	sortJobs(out)
	return out, nil
}

// ListDueJobs 取得退避時間已過、等待派發的 SCHEDULED 任務
func (s *Store) ListDueJobs(ctx context.Context, now time.Time) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.Unavailable("memory", errStoreClosed)
	}
	var out []*types.Job
	for id := range s.scheduled {
		job := s.jobs[id]
		if job.NotBefore == nil || !job.NotBefore.After(now) {
			out = append(out, job.Clone())
		}
	}
	sortJobs(out)
	return out, nil
}

// Close 之後所有操作回傳 ErrUnavailable
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ============================================================================
// 統計與快照
// ============================================================================

// Stats 回傳各狀態的 job 數量以及 run 數量
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]int{
		"runs":      len(s.runs),
		"running":   len(s.running),
		"scheduled": len(s.scheduled),
	}
	for _, job := range s.jobs {
		switch job.Status {
		case types.JobFinished:
			stats["finished"]++
		case types.JobFailed:
			stats["failed"]++
		}
	}
	return stats
}

// Snapshot 序列化目前所有狀態
func (s *Store) Snapshot() types.SnapshotData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Checkpoint 在寫鎖內擷取快照並交給 fn；fn 執行期間不會有任何交易提交
func (s *Store) Checkpoint(fn func(data types.SnapshotData) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.snapshotLocked())
}

func (s *Store) snapshotLocked() types.SnapshotData {
	data := types.SnapshotData{
		Runs:      make(map[types.RunID]*types.Run, len(s.runs)),
		Jobs:      make(map[types.JobID]*types.Job, len(s.jobs)),
		SchemaVer: types.SnapshotSchemaVersion,
	}
	for id, run := range s.runs {
		data.Runs[id] = run.Clone()
	}
	for id, job := range s.jobs {
		data.Jobs[id] = job.Clone()
	}
	return data
}

// Restore 以快照內容取代目前狀態，並重建索引
func (s *Store) Restore(data types.SnapshotData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs = make(map[types.RunID]*types.Run, len(data.Runs))
	s.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	s.byRun = make(map[types.RunID][]types.JobID)
	s.running = make(map[types.JobID]struct{})
	s.scheduled = make(map[types.JobID]struct{})

	for id, run := range data.Runs {
		s.runs[id] = run.Clone()
	}

	// 依建立時間重建 byRun 順序
	jobs := make([]*types.Job, 0, len(data.Jobs))
	for _, job := range data.Jobs {
		jobs = append(jobs, job.Clone())
	}
	sortJobs(jobs)
	for _, job := range jobs {
		s.putJobLocked(job)
	}
}

// ApplyChange 直接套用一筆變更 (journal replay 使用)，不經過 hook
func (s *Store) ApplyChange(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Run != nil {
		s.runs[c.Run.ID] = c.Run.Clone()
	}
	if c.Job != nil {
		s.putJobLocked(c.Job.Clone())
	}
}

func sortJobs(jobs []*types.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			if jobs[i].RunID == jobs[j].RunID {
				return jobs[i].StageIndex < jobs[j].StageIndex
			}
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
