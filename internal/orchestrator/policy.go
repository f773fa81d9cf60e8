package orchestrator

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/stageflow/pkg/types"
)

// Outcome is what a worker reported for one attempt.
type Outcome struct {
	Success bool
	Result  []byte // stage 輸出，成功時
	Reason  string // 失敗原因
}

// Success builds a successful outcome.
func Success(result []byte) Outcome { return Outcome{Success: true, Result: result} }

// Failure builds a failed outcome.
func Failure(reason string) Outcome { return Outcome{Reason: reason} }

// ActionKind enumerates scheduler decisions.
type ActionKind int

const (
	DispatchStage ActionKind = iota + 1
	RetryStage
	FinishRun
	FailRun
)

func (k ActionKind) String() string {
	switch k {
	case DispatchStage:
		return "dispatch"
	case RetryStage:
		return "retry"
	case FinishRun:
		return "finish"
	case FailRun:
		return "fail"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is the scheduler's decision after an attempt completes.
type Action struct {
	Kind ActionKind
	// DispatchStage: 下一個階段索引；RetryStage: 同一個階段
	StageIndex int
	// RetryStage: 下一次嘗試的編號與延遲
	Attempt int
	Delay   time.Duration
	// FailRun: 最後的失敗原因
	Reason string
}

// Policy holds the retry and timeout configuration.
type Policy struct {
	RetryLimit  int                     // 每個階段的總嘗試次數
	StageLimits map[types.StageType]int // 依階段類型覆寫
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Timeout     time.Duration // 預設階段逾時
	StageTimes  map[types.StageType]time.Duration
}

// DefaultPolicy returns the defaults used when configuration is silent.
func DefaultPolicy() Policy {
	return Policy{
		RetryLimit:  3,
		BackoffBase: time.Second,
		BackoffCap:  time.Minute,
		Timeout:     10 * time.Minute,
	}
}

// RetryLimitFor resolves the attempt limit for a stage: the stage's own setting wins over the
// per-type override, which wins over the default. The result is at least 1.
func (p Policy) RetryLimitFor(run *types.Run, stageIndex int) int {
	limit := p.RetryLimit
	if st, ok := run.Stage(stageIndex); ok {
		if v, ok := p.StageLimits[st.Type]; ok && v > 0 {
			limit = v
		}
		if st.RetryLimit > 0 {
			limit = st.RetryLimit
		}
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// TimeoutFor resolves the dispatch deadline for a stage, in the same precedence order.
func (p Policy) TimeoutFor(run *types.Run, stageIndex int) time.Duration {
	timeout := p.Timeout
	if st, ok := run.Stage(stageIndex); ok {
		if v, ok := p.StageTimes[st.Type]; ok && v > 0 {
			timeout = v
		}
		if st.Timeout > 0 {
			timeout = st.Timeout
		}
	}
	if timeout <= 0 {
		timeout = DefaultPolicy().Timeout
	}
	return timeout
}

// NextAction decides what follows attempt number attempt of the stage at stageIndex.
// It is pure: the same inputs always give the same action.
func (p Policy) NextAction(run *types.Run, stageIndex, attempt int, outcome Outcome) Action {
	return NextAction(run, stageIndex, attempt, outcome, p.RetryLimitFor(run, stageIndex), p.BackoffBase, p.BackoffCap)
}

// NextAction is the scheduler policy. Stages run strictly in the configured order; a failed
// attempt is retried until retryLimit attempts have been made.
func NextAction(run *types.Run, stageIndex, attempt int, outcome Outcome, retryLimit int, base, maxDelay time.Duration) Action {
	if outcome.Success {
		next := stageIndex + 1
		if next < len(run.Stages) {
			return Action{Kind: DispatchStage, StageIndex: next}
		}
		return Action{Kind: FinishRun}
	}

	reason := outcome.Reason
	if reason == "" {
		reason = "unknown failure"
	}
	if attempt < retryLimit {
		return Action{
			Kind:       RetryStage,
			StageIndex: stageIndex,
			Attempt:    attempt + 1,
			Delay:      Backoff(attempt, base, maxDelay),
			Reason:     reason,
		}
	}
	return Action{Kind: FailRun, StageIndex: stageIndex, Reason: reason}
}

// Backoff returns min(maxDelay, base * 2^(attempt-1)). A zero base disables the delay.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
