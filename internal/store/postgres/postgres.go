// Package postgres implements store.Repository on PostgreSQL.
//
// Transitions read the row with SELECT ... FOR UPDATE inside a transaction, validate them with
// the shared rules in package store, and write the result back, so concurrent orchestrator
// replicas cannot interleave writes to the same aggregate even without the per-run lock.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/ChuLiYu/stageflow/internal/store"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

// DBTransaction is the subset of *sql.DB and *sql.Tx the queries need.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store provides the PostgreSQL-backed repository.
type Store struct {
	db   *sql.DB
	pool *pgxpool.Pool
	q    DBTransaction
	inTx bool
	now  func() time.Time
}

var _ store.Repository = (*Store)(nil)

// New connects through a pgx pool and exposes it as *sql.DB.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, store.Unavailable("postgres ping", err)
	}
	s := NewWithDB(stdlib.OpenDBFromPool(pool))
	s.pool = pool
	return s, nil
}

// NewWithDB wraps an existing connection (used by tests with sqlmock).
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, q: db, now: time.Now}
}

// DB exposes the underlying handle, e.g. for Migrate.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.inTx {
		return nil
	}
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// Atomically runs fn inside one database transaction.
func (s *Store) Atomically(ctx context.Context, fn func(tx store.Repository) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	txStore := &Store{db: s.db, q: tx, inTx: true, now: s.now}
	if err := fn(txStore); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

// ============================================================================
// Runs
// ============================================================================

const runColumns = `id, stages, status, labels, failure_reason, created_at, updated_at, finished_at`

func (s *Store) CreateRun(ctx context.Context, run *types.Run) error {
	if run == nil || run.ID == "" {
		return errors.New("run id is required")
	}
	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("encode stages: %w", err)
	}
	labels := run.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	status := run.Status
	if status == "" {
		status = types.RunCreated
	}
	now := s.now().UTC()
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO runs (id, stages, status, labels, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, string(run.ID), stages, string(status), labelsJSON, run.FailureReason, createdAt, now)
	if err != nil {
		return classify(fmt.Sprintf("create run %s", run.ID), err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id types.RunID) (*types.Run, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, string(id))
	run, err := scanRun(row)
	if err != nil {
		return nil, classify(fmt.Sprintf("get run %s", id), err)
	}
	return run, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, id types.RunID, status types.RunStatus, reason string) error {
	return s.Atomically(ctx, func(r store.Repository) error {
		tx := r.(*Store)
		row := tx.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, string(id))
		run, err := scanRun(row)
		if err != nil {
			return classify(fmt.Sprintf("lock run %s", id), err)
		}
		if err := store.ApplyRunStatus(run, status, reason, tx.now().UTC()); err != nil {
			return err
		}
		_, err = tx.q.ExecContext(ctx, `
			UPDATE runs SET status = $2, failure_reason = $3, updated_at = $4, finished_at = $5
			WHERE id = $1
		`, string(id), string(run.Status), run.FailureReason, run.UpdatedAt, nullTime(run.FinishedAt))
		if err != nil {
			return classify(fmt.Sprintf("update run %s", id), err)
		}
		return nil
	})
}

// ListRuns 以 status 過濾；空字串表示全部
func (s *Store) ListRuns(ctx context.Context, status types.RunStatus) ([]*types.Run, error) {
	statuses := []string{string(types.RunCreated), string(types.RunActive), string(types.RunFinished), string(types.RunFailed)}
	if status != "" {
		statuses = []string{string(status)}
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status = ANY($1)
		ORDER BY created_at ASC
	`, pq.Array(statuses))
	if err != nil {
		return nil, classify("list runs", err)
	}
	defer rows.Close()

	var out []*types.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, classify("scan run", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list runs", err)
	}
	return out, nil
}

// ============================================================================
// Jobs
// ============================================================================

const jobColumns = `id, run_id, stage_index, stage, status, attempt, not_before, dispatched_at, deadline,
	completed_at, result, failure_reason, created_at, updated_at`

func (s *Store) CreateJob(ctx context.Context, runID types.RunID, stageIndex int) (*types.Job, error) {
	var job *types.Job
	err := s.Atomically(ctx, func(r store.Repository) error {
		tx := r.(*Store)
		// 鎖住 run，序列化同一 run 的 CreateJob
		row := tx.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, string(runID))
		run, err := scanRun(row)
		if err != nil {
			return classify(fmt.Sprintf("lock run %s", runID), err)
		}

		var active int
		err = tx.q.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM jobs WHERE run_id = $1 AND status IN ('CREATED', 'SCHEDULED', 'RUNNING')
		`, string(runID)).Scan(&active)
		if err != nil {
			return classify("count active jobs", err)
		}
		if active > 0 {
			return fmt.Errorf("%w: run %s already has an active job", store.ErrInvalidTransition, runID)
		}

		job, err = store.NewJob(run, stageIndex, tx.now().UTC())
		if err != nil {
			return err
		}
		_, err = tx.q.ExecContext(ctx, `
			INSERT INTO jobs (id, run_id, stage_index, stage, status, attempt, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, string(job.ID), string(job.RunID), job.StageIndex, string(job.Stage), string(job.Status), job.Attempt, job.CreatedAt, job.UpdatedAt)
		if err != nil {
			return classify(fmt.Sprintf("create job for run %s", runID), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, string(id))
	job, err := scanJob(row)
	if err != nil {
		return nil, classify(fmt.Sprintf("get job %s", id), err)
	}
	return job, nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, id types.JobID, update store.JobUpdate) error {
	return s.Atomically(ctx, func(r store.Repository) error {
		tx := r.(*Store)
		row := tx.q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, string(id))
		job, err := scanJob(row)
		if err != nil {
			return classify(fmt.Sprintf("lock job %s", id), err)
		}
		if err := store.ApplyJobUpdate(job, update, tx.now().UTC()); err != nil {
			return err
		}
		_, err = tx.q.ExecContext(ctx, `
			UPDATE jobs SET status = $2, attempt = $3, not_before = $4, dispatched_at = $5, deadline = $6,
				completed_at = $7, result = $8, failure_reason = $9, updated_at = $10
			WHERE id = $1
		`, string(id), string(job.Status), job.Attempt, nullTime(job.NotBefore), nullTime(job.DispatchedAt),
			nullTime(job.Deadline), nullTime(job.CompletedAt), job.Result, job.FailureReason, job.UpdatedAt)
		if err != nil {
			return classify(fmt.Sprintf("update job %s", id), err)
		}
		return nil
	})
}

func (s *Store) ListJobs(ctx context.Context, runID types.RunID) ([]*types.Job, error) {
	var exists bool
	if err := s.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, string(runID)).Scan(&exists); err != nil {
		return nil, classify("check run", err)
	}
	if !exists {
		return nil, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE run_id = $1 ORDER BY created_at ASC, stage_index ASC`, string(runID))
}

func (s *Store) ListExpiredJobs(ctx context.Context, now time.Time) ([]*types.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'RUNNING' AND deadline IS NOT NULL AND deadline <= $1
		ORDER BY deadline ASC
	`, now.UTC())
}

func (s *Store) ListDueJobs(ctx context.Context, now time.Time) ([]*types.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'SCHEDULED' AND (not_before IS NULL OR not_before <= $1)
		ORDER BY created_at ASC
	`, now.UTC())
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*types.Job, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query jobs", err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, classify("scan job", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query jobs", err)
	}
	return out, nil
}

// ============================================================================
// Scanning & errors
// ============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*types.Run, error) {
	var (
		run                    types.Run
		id, status             string
		stagesJSON, labelsJSON []byte
		finishedAt             sql.NullTime
	)
	if err := row.Scan(&id, &stagesJSON, &status, &labelsJSON, &run.FailureReason, &run.CreatedAt, &run.UpdatedAt, &finishedAt); err != nil {
		return nil, err
	}
	run.ID = types.RunID(id)
	run.Status = types.RunStatus(status)
	if err := json.Unmarshal(stagesJSON, &run.Stages); err != nil {
		return nil, fmt.Errorf("decode stages: %w", err)
	}
	if len(labelsJSON) > 0 {
		if err := json.Unmarshal(labelsJSON, &run.Labels); err != nil {
			return nil, fmt.Errorf("decode labels: %w", err)
		}
	}
	if finishedAt.Valid {
		run.FinishedAt = types.TimePtr(finishedAt.Time)
	}
	return &run, nil
}

func scanJob(row scanner) (*types.Job, error) {
	var (
		job                                          types.Job
		id, runID, stage, status                     string
		notBefore, dispatchedAt, deadline, completed sql.NullTime
	)
	err := row.Scan(&id, &runID, &job.StageIndex, &stage, &status, &job.Attempt,
		&notBefore, &dispatchedAt, &deadline, &completed, &job.Result, &job.FailureReason, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.ID = types.JobID(id)
	job.RunID = types.RunID(runID)
	job.Stage = types.StageType(stage)
	job.Status = types.JobStatus(status)
	job.NotBefore = fromNull(notBefore)
	job.DispatchedAt = fromNull(dispatchedAt)
	job.Deadline = fromNull(deadline)
	job.CompletedAt = fromNull(completed)
	return &job, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNull(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return types.TimePtr(t.Time)
}

// SQLSTATE classes worth redelivering: connection exception, insufficient resources,
// operator intervention, serialization failure / deadlock.
var transientClass = map[string]bool{"08": true, "53": true, "57": true, "40": true}

const (
	pgUniqueViolation = "23505"
	activeJobIndex    = "idx_jobs_one_active_per_run"
)

// classify maps driver errors onto the store sentinels.
//
// Anything that is not a recognised "no rows" or constraint error is treated as the storage
// being unavailable, so the caller nacks and the message is redelivered.
func classify(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}

	var code, constraint string
	var pgErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pgErr):
		code, constraint = pgErr.Code, pgErr.ConstraintName
	case errors.As(err, &pqErr):
		code, constraint = string(pqErr.Code), pqErr.Constraint
	}
	if code == pgUniqueViolation {
		if constraint == activeJobIndex {
			return fmt.Errorf("%s: %w: run already has an active job", op, store.ErrInvalidTransition)
		}
		return fmt.Errorf("%s: %w", op, store.ErrAlreadyExists)
	}
	if len(code) == 5 && !transientClass[code[:2]] {
		// data / syntax errors are not retryable
		return fmt.Errorf("%s: %w", op, err)
	}
	return store.Unavailable(op, err)
}
