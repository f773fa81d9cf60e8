package main

// ============================================================================
// 單一行程的 crash recovery 示範
//
//   go run ./cmd/demo start     # 提交 run，處理中按 Ctrl+C
//   go run ./cmd/demo recover   # 從 file store 恢復並完成剩下的階段
//
// orchestrator 與各階段 worker 共用同一個 memory broker；run / job 狀態
// 寫在 file store (journal + snapshot)，所以重啟後 sweeper 會重新派發
// SCHEDULED 與逾時的 RUNNING job。
// ============================================================================

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/stageflow/internal/config"
	"github.com/ChuLiYu/stageflow/internal/controller"
	"github.com/ChuLiYu/stageflow/internal/logger"
	"github.com/ChuLiYu/stageflow/internal/transport"
	memtransport "github.com/ChuLiYu/stageflow/internal/transport/memory"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

const demoRuns = 200

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover> [config.yaml]")
		os.Exit(1)
	}
	mode := os.Args[1]
	path := "configs/demo.yaml"
	if len(os.Args) > 2 {
		path = os.Args[2]
	}
	if _, err := os.Stat(path); err != nil {
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Transport.Default = config.BackendMemory
	cfg.Transport.Routes = nil
	cfg.Locker.Kind = config.LockerLocal
	if cfg.Store.Kind == config.StoreMemory {
		cfg.Store.Kind = config.StoreFile
	}

	l, err := logger.Setup(logger.Config{Level: "warn", Format: "text"})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker := memtransport.New(memtransport.Options{VisibilityTimeout: cfg.Transport.VisibilityTimeout})
	res := controller.NewResources(cfg, map[string]transport.Transport{config.BackendMemory: broker})
	defer res.Close()

	ctrl, err := controller.NewController(ctx, cfg, controller.WithResources(res), controller.WithLogger(l))
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Controller started (mode: %s, store: %s)\n", mode, cfg.Store.Dir)

	for _, stage := range cfg.StageTypes() {
		wcfg := *cfg
		wcfg.Worker.Stage = string(stage)
		wcfg.Worker.Simulate = true
		if wcfg.Worker.SimDuration == 0 {
			wcfg.Worker.SimDuration = 50 * time.Millisecond
		}
		node, err := controller.NewWorkerNode(ctx, &wcfg,
			controller.WithWorkerResources(res),
			controller.WithWorkerLogger(l))
		if err != nil {
			log.Fatalf("Failed to create %s worker: %v", stage, err)
		}
		go node.Run(ctx)
	}

	before := ctrl.Stats()
	switch mode {
	case "start":
		if before["runs"] > 0 {
			fmt.Printf("\n⚠️  Found %d runs from a previous start (recovered from the store)\n", before["runs"])
			fmt.Println("   Use 'recover' to watch them finish, or delete the store directory to start fresh")
			break
		}
		stages := make([]types.StageConfig, 0, len(cfg.StageTypes()))
		for _, st := range cfg.StageTypes() {
			stages = append(stages, types.StageConfig{Type: st})
		}
		for i := 0; i < demoRuns; i++ {
			labels := map[string]string{"demo": fmt.Sprintf("%03d", i)}
			if _, err := ctrl.Orchestrator().SubmitRun(ctx, stages, labels); err != nil {
				log.Fatalf("Failed to submit run: %v", err)
			}
		}
		fmt.Printf("✓ Submitted %d runs of %d stages\n", demoRuns, len(stages))
		fmt.Printf("💡 Press Ctrl+C now to stop with stages in flight, then run 'recover'\n\n")
	case "recover":
		fmt.Println("\n📊 Immediate status after recovery:")
		printStats(before)
	default:
		log.Fatalf("Unknown mode %q", mode)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			ctrl.Stop()
			printStats(ctrl.Stats())
			fmt.Println("✓ Controller stopped")
			return
		case <-ticker.C:
			stats := ctrl.Stats()
			fmt.Printf("📊 Scheduled=%d Running=%d Finished=%d Failed=%d\n",
				stats["scheduled"], stats["running"], stats["finished"], stats["failed"])
		}
	}
}

func printStats(stats map[string]int) {
	fmt.Printf("  Runs:      %d\n", stats["runs"])
	fmt.Printf("  Scheduled: %d\n", stats["scheduled"])
	fmt.Printf("  Running:   %d\n", stats["running"])
	fmt.Printf("  Finished:  %d\n", stats["finished"])
	fmt.Printf("  Failed:    %d\n", stats["failed"])
}
