// Package types 定義了 stageflow 系統中使用的核心領域模型 (Run / Job / Stage)
package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// RunID pipeline 執行的唯一識別碼
type RunID string

// JobID 單一階段執行的唯一識別碼，同時作為訊息的 correlation ID
type JobID string

// NewRunID 產生新的 RunID (UUIDv4)
func NewRunID() RunID { return RunID(uuid.NewString()) }

// NewJobID 產生新的 JobID (UUIDv4)
func NewJobID() JobID { return JobID(uuid.NewString()) }

// StageType 階段類型，例如 analyze / scan / evaluate / report / notify
type StageType string

// 常見的階段類型；pipeline 也可以使用其他符合命名規則的類型
const (
	StageAnalyze  StageType = "analyze"
	StageScan     StageType = "scan"
	StageEvaluate StageType = "evaluate"
	StageReport   StageType = "report"
	StageNotify   StageType = "notify"
)

var stageNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,39}$`)

// Validate 檢查階段名稱是否可以安全地用於 transport 位址
func (s StageType) Validate() error {
	if !stageNamePattern.MatchString(string(s)) {
		return fmt.Errorf("invalid stage type %q", string(s))
	}
	return nil
}

// ============================================================================
// Run
// ============================================================================

// RunStatus pipeline 執行狀態
type RunStatus string

const (
	RunCreated  RunStatus = "CREATED"  // 已由 API 建立，尚未派發任何階段
	RunActive   RunStatus = "ACTIVE"   // 至少一個階段已派發
	RunFinished RunStatus = "FINISHED" // 最後一個階段成功完成
	RunFailed   RunStatus = "FAILED"   // 重試耗盡、取消或不可恢復錯誤
)

// IsTerminal reports whether no further transition is allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunFinished || s == RunFailed
}

// CanTransitionRun 驗證 Run 狀態轉換
func CanTransitionRun(from, to RunStatus) bool {
	switch from {
	case RunCreated:
		return to == RunActive || to == RunFailed
	case RunActive:
		return to == RunFinished || to == RunFailed
	default:
		return false
	}
}

// StageConfig 單一階段的設定
type StageConfig struct {
	Type       StageType       `json:"type" yaml:"type"`
	Config     json.RawMessage `json:"config,omitempty" yaml:"-"`
	RetryLimit int             `json:"retry_limit,omitempty" yaml:"retry_limit"` // 0 表示使用預設值
	Timeout    time.Duration   `json:"timeout,omitempty" yaml:"timeout"`         // 0 表示使用預設值
}

// Run 一次 pipeline 執行
type Run struct {
	ID            RunID             `json:"id"`
	Stages        []StageConfig     `json:"stages"`
	Status        RunStatus         `json:"status"`
	Labels        map[string]string `json:"labels,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Stages = make([]StageConfig, len(r.Stages))
	for i, s := range r.Stages {
		c.Stages[i] = s
		if s.Config != nil {
			c.Stages[i].Config = append(json.RawMessage(nil), s.Config...)
		}
	}
	if r.Labels != nil {
		c.Labels = make(map[string]string, len(r.Labels))
		for k, v := range r.Labels {
			c.Labels[k] = v
		}
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Stage 取得指定索引的階段設定
func (r *Run) Stage(index int) (StageConfig, bool) {
	if index < 0 || index >= len(r.Stages) {
		return StageConfig{}, false
	}
	return r.Stages[index], true
}

// ============================================================================
// Job
// ============================================================================

// JobStatus 任務狀態
type JobStatus string

const (
	JobCreated   JobStatus = "CREATED"   // 已建立，尚未持久化派發
	JobScheduled JobStatus = "SCHEDULED" // 已持久化，等待 (或正在) 送出派發訊息
	JobRunning   JobStatus = "RUNNING"   // transport 已接受派發訊息，截止時間開始計算
	JobFinished  JobStatus = "FINISHED"  // 成功
	JobFailed    JobStatus = "FAILED"    // 失敗且不再重試
)

// IsTerminal reports whether the job has reached an absorbing state.
func (s JobStatus) IsTerminal() bool {
	return s == JobFinished || s == JobFailed
}

// IsActive reports whether the job counts toward the single-flight limit of its run.
func (s JobStatus) IsActive() bool {
	return s == JobCreated || s == JobScheduled || s == JobRunning
}

// CanTransitionJob 驗證 Job 狀態轉換
//
// 部分順序：CREATED → SCHEDULED → RUNNING → {FINISHED | FAILED}
// 另外允許：
//   - RUNNING → SCHEDULED（重試，attempt 必須增加，由呼叫端檢查）
//   - SCHEDULED → FINISHED（worker 在派發確認前就回報結果）
//   - SCHEDULED → FAILED（取消或派發前的重試耗盡）
//   - SCHEDULED → SCHEDULED（重試時間重新排定）
func CanTransitionJob(from, to JobStatus) bool {
	switch from {
	case JobCreated:
		return to == JobScheduled || to == JobFailed
	case JobScheduled:
		return to == JobScheduled || to == JobRunning || to == JobFinished || to == JobFailed
	case JobRunning:
		return to == JobScheduled || to == JobFinished || to == JobFailed
	default:
		return false
	}
}

// Job 一個階段在某次 run 中的執行
type Job struct {
	ID         JobID     `json:"id"`
	RunID      RunID     `json:"run_id"`
	StageIndex int       `json:"stage_index"`
	Stage      StageType `json:"stage"`

	Status  JobStatus `json:"status"`
	Attempt int       `json:"attempt"` // 從 1 開始；只增不減

	// 時間管理
	NotBefore    *time.Time `json:"not_before,omitempty"`    // 重試退避：此時間之前不得派發
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"` // 最近一次派發時間
	Deadline     *time.Time `json:"deadline,omitempty"`      // RUNNING 時的截止時間
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	// 結果
	Result        []byte `json:"result,omitempty"` // 階段輸出，對 orchestrator 不透明
	FailureReason string `json:"failure_reason,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.NotBefore = cloneTime(j.NotBefore)
	c.DispatchedAt = cloneTime(j.DispatchedAt)
	c.Deadline = cloneTime(j.Deadline)
	c.CompletedAt = cloneTime(j.CompletedAt)
	if j.Result != nil {
		c.Result = append([]byte(nil), j.Result...)
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr is a small helper for optional timestamps.
func TimePtr(t time.Time) *time.Time { return &t }

// ============================================================================
// 快照
// ============================================================================

// SnapshotData 快照資料，用於 file store 的持久化和恢復
type SnapshotData struct {
	Runs      map[RunID]*Run `json:"runs"`
	Jobs      map[JobID]*Job `json:"jobs"`
	SchemaVer int            `json:"schema_ver"` // 資料結構版本號
	LastSeq   uint64         `json:"last_seq"`   // 快照涵蓋的最後一個 journal 序號
}

// SnapshotSchemaVersion is the only snapshot layout this build understands.
const SnapshotSchemaVersion = 2
