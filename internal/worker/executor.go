package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/stageflow/internal/transport"
)

// Executor runs the work of one dispatched stage. The returned bytes become the payload of
// stage.succeeded; an error becomes the reason of stage.failed.
type Executor interface {
	Execute(ctx context.Context, env transport.Envelope) ([]byte, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, env transport.Envelope) ([]byte, error)

func (f ExecutorFunc) Execute(ctx context.Context, env transport.Envelope) ([]byte, error) {
	return f(ctx, env)
}

// ============================================================================
// CommandExecutor
// ============================================================================

// maxReason 失敗原因最多保留的 stderr 長度
const maxReason = 2048

// CommandExecutor runs an external command per dispatch. The stage config is written to
// stdin, stdout is the result, and on a non-zero exit the tail of stderr is the reason.
type CommandExecutor struct {
	Command []string
	Dir     string
	Env     []string // 額外環境變數 KEY=VALUE
}

func (e CommandExecutor) Execute(ctx context.Context, env transport.Envelope) ([]byte, error) {
	if len(e.Command) == 0 {
		return nil, errors.New("no command configured")
	}
	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env,
		"STAGEFLOW_RUN_ID="+string(env.RunID),
		"STAGEFLOW_JOB_ID="+string(env.CorrelationID),
		"STAGEFLOW_STAGE="+string(env.Stage),
		"STAGEFLOW_STAGE_INDEX="+strconv.Itoa(env.StageIndex),
		"STAGEFLOW_ATTEMPT="+strconv.Itoa(env.Attempt),
		"STAGEFLOW_TRACE_ID="+env.TraceID(),
	)
	cmd.Stdin = bytes.NewReader(env.Payload.Data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reason := strings.TrimSpace(stderr.String())
		if len(reason) > maxReason {
			reason = reason[len(reason)-maxReason:]
		}
		if reason == "" {
			return nil, fmt.Errorf("%s: %w", e.Command[0], err)
		}
		return nil, fmt.Errorf("%s: %v: %s", e.Command[0], err, reason)
	}
	return stdout.Bytes(), nil
}

// ============================================================================
// SimulatedExecutor
// ============================================================================

// SimulatedExecutor sleeps and fails at a configured rate. Used by the demo and tests.
type SimulatedExecutor struct {
	Duration    time.Duration
	Jitter      time.Duration
	FailureRate float64 // 0..1

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedExecutor creates a simulated executor with a fixed seed.
func NewSimulatedExecutor(duration time.Duration, failureRate float64, seed int64) *SimulatedExecutor {
	return &SimulatedExecutor{Duration: duration, FailureRate: failureRate, rng: rand.New(rand.NewSource(seed))}
}

func (e *SimulatedExecutor) roll() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	d := e.Duration
	if e.Jitter > 0 {
		d += time.Duration(e.rng.Int63n(int64(e.Jitter)))
	}
	return d, e.rng.Float64() < e.FailureRate
}

func (e *SimulatedExecutor) Execute(ctx context.Context, env transport.Envelope) ([]byte, error) {
	d, fail := e.roll()
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if fail {
		return nil, fmt.Errorf("simulated failure in %s attempt %d", env.Stage, env.Attempt)
	}
	return []byte(fmt.Sprintf(`{"stage":%q,"attempt":%d}`, env.Stage, env.Attempt)), nil
}
