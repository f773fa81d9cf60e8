// ============================================================================
// stageflow CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: 以 Cobra 組裝 orchestrator / worker 行程與操作指令
//
// Command Structure:
//   stageflow                        # Root command
//   ├── orchestrator                 # 狀態機 + sweeper + ops HTTP API
//   ├── worker --stage <type>        # 單一階段的 worker
//   ├── broker                       # gRPC broker (transport.default=grpc 的對端)
//   ├── migrate                      # 套用 postgres schema
//   ├── submit -f pipeline.yaml      # 經由 HTTP API 建立 run
//   ├── status <run-id>              # 顯示 run 與各階段 job
//   └── cancel <run-id>              # 取消 run
//
// 設定 (internal/config):
//   --config 指定 YAML；STAGEFLOW_* 環境變數覆寫；--log-level / --log-format /
//   --api-url 旗標優先於兩者。
//
// Signal Handling:
//   長時間執行的指令在 SIGINT / SIGTERM 時取消 context 並優雅關閉。
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/stageflow/internal/config"
	"github.com/ChuLiYu/stageflow/internal/controller"
	"github.com/ChuLiYu/stageflow/internal/httpapi"
	"github.com/ChuLiYu/stageflow/internal/logger"
	"github.com/ChuLiYu/stageflow/internal/metrics"
	"github.com/ChuLiYu/stageflow/internal/observability"
	"github.com/ChuLiYu/stageflow/internal/server"
	"github.com/ChuLiYu/stageflow/internal/store/postgres"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

// app carries what the root command resolved for its subcommands.
type app struct {
	configFile string
	v          *viper.Viper
	cfg        *config.Config
	logger     *slog.Logger
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "stageflow",
		Short: "stageflow: a durable multi-stage pipeline orchestrator",
		Long: `stageflow runs pipelines of typed stages (scan, analyze, report, ...).

The orchestrator owns run and job state and dispatches one stage at a time over
a pluggable transport (memory, redis, amqp, kubernetes, grpc). Stage workers
execute dispatches and publish results. Every state change is persisted before
it is acknowledged, so an orchestrator restart resumes where it stopped.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "config file path (YAML)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: json, text")
	flags.String("api-url", "", "orchestrator HTTP API used by submit/status/cancel")
	a.v.BindPFlag("observability.log_level", flags.Lookup("log-level"))
	a.v.BindPFlag("observability.log_format", flags.Lookup("log-format"))
	a.v.BindPFlag("observability.api_url", flags.Lookup("api-url"))

	rootCmd.AddCommand(
		buildOrchestratorCommand(a),
		buildWorkerCommand(a),
		buildBrokerCommand(a),
		buildMigrateCommand(a),
		buildSubmitCommand(a),
		buildStatusCommand(a),
		buildCancelCommand(a),
	)
	return rootCmd
}

// Execute runs the CLI with signal-aware context and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := BuildCLI().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func (a *app) load() error {
	cfg, err := config.LoadWith(a.v, a.configFile)
	if err != nil {
		return err
	}
	l, err := logger.Setup(logger.Config{Level: cfg.Observability.LogLevel, Format: cfg.Observability.LogFormat})
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	a.cfg = cfg
	a.logger = l
	return nil
}

// tracing installs the tracer provider; the returned function flushes it.
func (a *app) tracing(ctx context.Context, service string) (func(), error) {
	oc := a.cfg.Observability
	name := oc.ServiceName
	if name == "" {
		name = service
	}
	shutdown, err := observability.Init(ctx, observability.Config{
		ServiceName:  name,
		OTLPEndpoint: oc.OTLPEndpoint,
		SampleRatio:  oc.SampleRatio,
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("Failed to flush traces", "error", err)
		}
	}, nil
}

// ============================================================================
// orchestrator
// ============================================================================

func buildOrchestratorCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "orchestrator",
		Short: "Start the orchestrator",
		Long:  "Start the run state machine, the sweeper and the ops HTTP API (/healthz, /readyz, /metrics, /runs)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runOrchestrator(cmd.Context())
		},
	}
}

func (a *app) runOrchestrator(ctx context.Context) error {
	flush, err := a.tracing(ctx, "stageflow-orchestrator")
	if err != nil {
		return err
	}
	defer flush()

	collector := metrics.NewCollector()
	ctrl, err := controller.NewController(ctx, a.cfg,
		controller.WithLogger(a.logger),
		controller.WithMetrics(collector))
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Stop()

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	if addr := a.cfg.Observability.HTTPAddr; addr != "" {
		api := httpapi.New(httpapi.Config{
			Repo:    ctrl.Repository(),
			Runs:    ctrl.Orchestrator(),
			Metrics: metrics.Handler(),
			Ready:   ctrl.Ready,
			Logger:  a.logger,
		})
		errCh := make(chan error, 1)
		go func() { errCh <- api.Run(ctx, addr) }()
		a.logger.Info("Orchestrator started", "http", addr)
		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}
		case <-ctx.Done():
			<-errCh
		}
	} else {
		a.logger.Info("Orchestrator started")
		<-ctx.Done()
	}

	a.logger.Info("Received shutdown signal, stopping gracefully...")
	return nil
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a stage worker",
		Long: `Start a worker for one stage type. The executed command receives the dispatch
envelope as JSON on stdin and its stdout becomes the stage result.

Inside a pod launched by the kubernetes backend (STAGEFLOW_ADDRESS set) the worker
handles that single dispatch and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runWorker(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.String("stage", "", "stage type to serve (overrides worker.stage)")
	flags.Int("concurrency", 0, "parallel executions (overrides worker.concurrency)")
	flags.Bool("simulate", false, "use the simulated executor instead of worker.command")
	a.v.BindPFlag("worker.stage", flags.Lookup("stage"))
	a.v.BindPFlag("worker.concurrency", flags.Lookup("concurrency"))
	a.v.BindPFlag("worker.simulate", flags.Lookup("simulate"))
	return cmd
}

func (a *app) runWorker(ctx context.Context) error {
	flush, err := a.tracing(ctx, "stageflow-worker")
	if err != nil {
		return err
	}
	defer flush()

	collector := metrics.NewCollector()
	node, err := controller.NewWorkerNode(ctx, a.cfg,
		controller.WithWorkerLogger(a.logger),
		controller.WithWorkerMetrics(collector))
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	if addr := a.cfg.Observability.HTTPAddr; addr != "" && !node.Launched() {
		api := httpapi.New(httpapi.Config{Metrics: metrics.Handler(), Logger: a.logger})
		go func() {
			if err := api.Run(ctx, addr); err != nil {
				a.logger.Warn("Metrics server stopped", "error", err)
			}
		}()
	}

	a.logger.Info("Starting worker", "stage", node.Stage(), "launched", node.Launched())
	return node.Run(ctx)
}

// ============================================================================
// broker
// ============================================================================

func buildBrokerCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Start the gRPC broker",
		Long:  "Serve the grpc transport backend over transport.grpc.backend (memory, redis or amqp)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBroker(cmd.Context())
		},
	}
	cmd.Flags().String("listen", "", "listen address (overrides transport.grpc.listen)")
	a.v.BindPFlag("transport.grpc.listen", cmd.Flags().Lookup("listen"))
	return cmd
}

func (a *app) runBroker(ctx context.Context) error {
	gc := a.cfg.Transport.GRPC
	if gc.Backend == config.BackendGRPC {
		return errors.New("transport.grpc.backend cannot be grpc")
	}
	res := controller.NewResources(a.cfg, nil)
	defer res.Close()
	backend, err := res.Backend(ctx, gc.Backend)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", gc.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", gc.Listen, err)
	}
	return serveBroker(ctx, lis, server.NewServer(backend, gc.LeaseTTL, a.logger), a.logger)
}

func serveBroker(ctx context.Context, lis net.Listener, srv *server.Server, log *slog.Logger) error {
	grpcServer := grpc.NewServer()
	srv.Register(grpcServer)
	defer srv.Close()

	go srv.Run(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- grpcServer.Serve(lis) }()
	log.Info("gRPC broker listening", "addr", lis.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		grpcServer.GracefulStop()
		<-errCh
		return nil
	}
}

// ============================================================================
// migrate
// ============================================================================

func buildMigrateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := a.cfg.Store.DSN
			if dsn == "" {
				return errors.New("store.dsn is required")
			}
			s, err := postgres.New(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := postgres.Migrate(s.DB()); err != nil {
				return err
			}
			cmd.Println("Migrations applied")
			return nil
		},
	}
	cmd.Flags().String("dsn", "", "postgres connection string (overrides store.dsn)")
	a.v.BindPFlag("store.dsn", cmd.Flags().Lookup("dsn"))
	return cmd
}
