// ============================================================================
// stageflow Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: one goroutine of the pool; runs tasks until the pool stops
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for { select taskCh/stopCh } │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ task.Run(ctx)           │   │
//   │  │   └─ send result (optional)  │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// A panicking task is recovered and reported as a failed result, so one bad message
// cannot take down the process.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

var log = slog.Default()

// Worker represents a work execution unit
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
	busy     atomic.Bool
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{id: id, taskCh: taskCh, resultCh: resultCh, stopCh: stopCh}
}

// Run is the main loop. After stop it drains tasks already queued, then exits.
func (w *Worker) Run() {
	for {
		select {
		case task := <-w.taskCh:
			w.handle(task)
		case <-w.stopCh:
			for {
				select {
				case task := <-w.taskCh:
					w.handle(task)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) handle(task Task) {
	w.busy.Store(true)
	defer w.busy.Store(false)

	start := time.Now()
	err := w.execute(task)
	result := Result{
		TaskID:   task.ID,
		Success:  err == nil,
		Error:    err,
		Duration: time.Since(start),
	}
	if w.resultCh == nil {
		return
	}
	select {
	case w.resultCh <- result:
	default:
		log.Debug("Result channel full, dropping result", "worker", w.id, "task", task.ID)
	}
}

func (w *Worker) execute(task Task) (err error) {
	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("Task panicked", "worker", w.id, "task", task.ID, "panic", r)
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return task.Run(ctx)
}
