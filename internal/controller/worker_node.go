package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ChuLiYu/stageflow/internal/config"
	"github.com/ChuLiYu/stageflow/internal/metrics"
	"github.com/ChuLiYu/stageflow/internal/transport"
	"github.com/ChuLiYu/stageflow/internal/transport/kubernetes"
	"github.com/ChuLiYu/stageflow/internal/worker"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

// ============================================================================
// Stage worker 行程
// ============================================================================

// ErrDispatchRejected is returned by a launched worker whose dispatch was nacked, so that
// the pod exits non-zero and the Job backoff policy retries it.
var ErrDispatchRejected = errors.New("dispatch was returned to the transport")

// WorkerNode runs one stage worker. In kubernetes launch mode (STAGEFLOW_ADDRESS set) it
// handles the single dispatch carried in the pod environment and returns.
type WorkerNode struct {
	cfg     *config.Config
	logger  *slog.Logger
	res     *Resources
	ownRes  bool
	harness *worker.Harness
	launch  *kubernetes.EnvReceiver
	stage   types.StageType
}

// WorkerOption customizes a WorkerNode.
type WorkerOption func(*workerOptions)

type workerOptions struct {
	options
	exec   worker.Executor
	lookup func(string) (string, bool)
}

// WithExecutor replaces the configured executor.
func WithExecutor(e worker.Executor) WorkerOption { return func(o *workerOptions) { o.exec = e } }

// WithWorkerResources shares connections with other components of the process.
func WithWorkerResources(r *Resources) WorkerOption { return func(o *workerOptions) { o.res = r } }

// WithWorkerMetrics records execution durations in c.
func WithWorkerMetrics(c *metrics.Collector) WorkerOption {
	return func(o *workerOptions) { o.metrics = c }
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption { return func(o *workerOptions) { o.logger = l } }

// WithEnvLookup replaces os.LookupEnv for launch-mode detection.
func WithEnvLookup(lookup func(string) (string, bool)) WorkerOption {
	return func(o *workerOptions) { o.lookup = lookup }
}

// NewWorkerNode builds the harness for cfg.Worker.
func NewWorkerNode(ctx context.Context, cfg *config.Config, opts ...WorkerOption) (n *WorkerNode, err error) {
	o := workerOptions{options: options{logger: slog.Default()}}
	for _, opt := range opts {
		opt(&o)
	}
	res := o.res
	if res == nil {
		res = NewResources(cfg, nil)
	}
	defer func() {
		if err != nil && o.res == nil {
			res.Close()
		}
	}()

	wc := cfg.Worker
	stage := types.StageType(wc.Stage)

	var receiver transport.Receiver
	var launch *kubernetes.EnvReceiver
	if o.lookup != nil {
		launch = kubernetes.NewEnvReceiverWithLookup(o.lookup)
	} else {
		launch = kubernetes.NewEnvReceiver()
	}
	if addr, ok := launch.Address(); ok {
		if stage == "" {
			stage = types.StageType(strings.TrimPrefix(string(addr), "stage."))
		}
		receiver = launch
	} else {
		launch = nil
	}
	if err := stage.Validate(); err != nil {
		return nil, fmt.Errorf("worker stage: %w", err)
	}

	tr, err := res.Transport(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open transport: %w", err)
	}
	if receiver == nil {
		receiver = tr
	}

	exec := o.exec
	if exec == nil {
		exec, err = newExecutor(wc)
		if err != nil {
			return nil, err
		}
	}

	hc := worker.HarnessConfig{
		Stage:          stage,
		Concurrency:    wc.Concurrency,
		DefaultTimeout: wc.Timeout,
		// 單次派發的 pod 沒有需要取消的其他執行
		WatchCancel: wc.WatchCancel && launch == nil,
	}
	if o.metrics != nil {
		hc.Observe = o.metrics.ObserveExecution
	}

	return &WorkerNode{
		cfg:     cfg,
		logger:  o.logger,
		res:     res,
		ownRes:  o.res == nil,
		harness: worker.NewHarness(receiver, tr, exec, hc),
		launch:  launch,
		stage:   stage,
	}, nil
}

func newExecutor(wc config.Worker) (worker.Executor, error) {
	if wc.Simulate {
		return worker.NewSimulatedExecutor(wc.SimDuration, wc.SimFailureRate, time.Now().UnixNano()), nil
	}
	if len(wc.Command) == 0 {
		return nil, errors.New("worker.command is required unless worker.simulate is set")
	}
	return worker.CommandExecutor{Command: wc.Command, Dir: wc.Dir}, nil
}

// Stage returns the stage type this node serves.
func (n *WorkerNode) Stage() types.StageType { return n.stage }

// Launched reports whether the node handles a single launched dispatch.
func (n *WorkerNode) Launched() bool { return n.launch != nil }

// Harness exposes the stage worker.
func (n *WorkerNode) Harness() *worker.Harness { return n.harness }

// Run serves dispatches until ctx is done (or, when launched, until the one dispatch is
// settled), then closes the resources the node opened.
func (n *WorkerNode) Run(ctx context.Context) error {
	defer func() {
		if n.ownRes {
			n.res.Close()
		}
	}()

	if n.launch == nil {
		return n.harness.Run(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-n.launch.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	n.logger.Info("Handling launched dispatch", "stage", n.stage)
	if err := n.harness.Run(ctx); err != nil {
		return err
	}
	if n.launch.Nacked() {
		return ErrDispatchRejected
	}
	return nil
}
