package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionJob(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobCreated, JobScheduled, true},
		{JobCreated, JobRunning, false},
		{JobScheduled, JobRunning, true},
		{JobScheduled, JobFinished, true},
		{JobScheduled, JobScheduled, true},
		{JobRunning, JobScheduled, true},
		{JobRunning, JobFinished, true},
		{JobRunning, JobFailed, true},
		{JobRunning, JobCreated, false},
		{JobFinished, JobRunning, false},
		{JobFinished, JobFailed, false},
		{JobFailed, JobScheduled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransitionJob(tt.from, tt.to))
		})
	}
}

func TestCanTransitionRun(t *testing.T) {
	assert.True(t, CanTransitionRun(RunCreated, RunActive))
	assert.True(t, CanTransitionRun(RunCreated, RunFailed))
	assert.True(t, CanTransitionRun(RunActive, RunFinished))
	assert.False(t, CanTransitionRun(RunCreated, RunFinished))
	assert.False(t, CanTransitionRun(RunActive, RunCreated))

	// 終止狀態不可再轉換
	for _, terminal := range []RunStatus{RunFinished, RunFailed} {
		assert.True(t, terminal.IsTerminal())
		for _, to := range []RunStatus{RunCreated, RunActive, RunFinished, RunFailed} {
			assert.False(t, CanTransitionRun(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestJobStatusPredicates(t *testing.T) {
	assert.True(t, JobScheduled.IsActive())
	assert.True(t, JobRunning.IsActive())
	assert.False(t, JobFinished.IsActive())
	assert.True(t, JobFailed.IsTerminal())
	assert.False(t, JobRunning.IsTerminal())
}

func TestStageTypeValidate(t *testing.T) {
	assert.NoError(t, StageAnalyze.Validate())
	assert.NoError(t, StageType("license-check_2").Validate())
	assert.Error(t, StageType("").Validate())
	assert.Error(t, StageType("Scan").Validate())
	assert.Error(t, StageType("scan.result").Validate())
}

func TestRunCloneIsDeep(t *testing.T) {
	finished := time.Now()
	run := &Run{
		ID:         NewRunID(),
		Stages:     []StageConfig{{Type: StageAnalyze, Config: json.RawMessage(`{"a":1}`)}},
		Labels:     map[string]string{"k": "v"},
		FinishedAt: &finished,
	}
	c := run.Clone()
	c.Stages[0].Config[2] = 'b'
	c.Labels["k"] = "changed"
	*c.FinishedAt = finished.Add(time.Hour)

	assert.Equal(t, `{"a":1}`, string(run.Stages[0].Config))
	assert.Equal(t, "v", run.Labels["k"])
	assert.Equal(t, finished, *run.FinishedAt)
}

func TestJobCloneIsDeep(t *testing.T) {
	deadline := time.Now()
	job := &Job{ID: NewJobID(), Deadline: &deadline, Result: []byte("ok")}
	c := job.Clone()
	c.Result[0] = 'X'
	*c.Deadline = deadline.Add(time.Minute)

	assert.Equal(t, "ok", string(job.Result))
	assert.Equal(t, deadline, *job.Deadline)
}

func TestRunStage(t *testing.T) {
	run := &Run{Stages: []StageConfig{{Type: StageAnalyze}, {Type: StageScan}}}
	st, ok := run.Stage(1)
	require.True(t, ok)
	assert.Equal(t, StageScan, st.Type)

	_, ok = run.Stage(2)
	assert.False(t, ok)
	_, ok = run.Stage(-1)
	assert.False(t, ok)
}

func TestNewIDsAreUnique(t *testing.T) {
	seen := make(map[RunID]bool)
	for i := 0; i < 100; i++ {
		id := NewRunID()
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.NotEqual(t, NewJobID(), NewJobID())
}
