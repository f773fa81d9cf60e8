package worker

import (
	"context"
	"time"
)

// Task 代表要執行的任務
type Task struct {
	ID      string                          // 任務識別碼，僅用於日誌與結果
	Run     func(ctx context.Context) error // 實際工作
	Timeout time.Duration                   // 0 表示不限時
}

// Result 代表任務執行結果
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Duration time.Duration
}
