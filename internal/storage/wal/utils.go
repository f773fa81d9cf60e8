package wal

// ============================================================================
// Journal 工具函數
// ============================================================================

import (
	"encoding/json"
	"errors"
	"io"
	"os"
)

// GetLastEvent 取得 journal 中最後一個可解碼的事件；空檔案回傳 nil
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var last *Event
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			// EOF 或損壞的尾端 (留給 Replay 處理)
			return last, nil
		}
		ev := event
		last = &ev
	}
}

// TruncateWAL 將 journal 截斷到 offset (CorruptionError.Offset)
func TruncateWAL(path string, offset int64) error {
	return os.Truncate(path, offset)
}

// WALStats journal 統計
type WALStats struct {
	TotalEvents  int               // 總事件數
	Transactions int               // 已提交交易數
	EventTypes   map[EventType]int // 各類型事件計數
	FirstSeq     uint64            // 第一個事件的 seq
	LastSeq      uint64            // 最後一個事件的 seq
	TimeRange    [2]int64          // 時間範圍 [最早, 最晚]
}

// GetWALStats 掃描 journal 並回傳統計資料
func GetWALStats(path string) (*WALStats, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stats := &WALStats{EventTypes: make(map[EventType]int)}
	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return stats, nil
			}
			return stats, &CorruptionError{Seq: stats.LastSeq, Cause: err}
		}
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
			stats.TimeRange[0] = event.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[event.Type]++
		if event.Type == EventCommit {
			stats.Transactions++
		}
		stats.LastSeq = event.Seq
		stats.TimeRange[1] = event.Timestamp
	}
}
