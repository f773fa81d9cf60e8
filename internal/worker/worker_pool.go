// ============================================================================
// stageflow Worker Pool - 有界並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 固定數量的 goroutine 執行提交的 Task；orchestrator 用它處理訊息，
//       stage worker 用它執行階段工作
//
// 架構組件:
//   ┌─────────────┐
//   │  Consumer   │ --Submit()--> taskCh (有界，滿了就阻塞 = backpressure)
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh (選用，滿了就丟棄)
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool
//   2. Start(n) - 啟動 n 個 Worker goroutine
//   3. Submit(ctx, task) - 阻塞直到有空位、ctx 結束或 Pool 關閉
//   4. Stop() - 不再接受新任務，等待執行中的任務完成
//
// 關閉:
//   Stop() 只關閉 stopCh，不關閉 taskCh；Worker 在 stopCh 關閉後
//   把 taskCh 裡剩下的任務做完才退出。Submit 與 Stop 之間因此沒有
//   send on closed channel 的競爭。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result // nil 表示不收集結果
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - queueSize: 等待執行的任務上限；0 表示 Submit 直接交給閒置 Worker
//   - resultBuffer: 結果通道大小；0 表示不收集結果
func NewPool(queueSize, resultBuffer int) *Pool {
	p := &Pool{
		taskCh: make(chan Task, queueSize),
		stopCh: make(chan struct{}),
	}
	if resultBuffer > 0 {
		p.resultCh = make(chan Result, resultBuffer)
	}
	return p
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit 提交任務；佇列滿時阻塞
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveResult 從結果通道接收執行結果
func (p *Pool) ReceiveResult(ctx context.Context) (Result, error) {
	if p.resultCh == nil {
		return Result{}, errors.New("pool does not collect results")
	}
	select {
	case result := <-p.resultCh:
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop 優雅地關閉 Worker Pool，等待所有已提交任務完成
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Busy 返回正在執行任務的 Worker 數量
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if w.busy.Load() {
			n++
		}
	}
	return n
}
