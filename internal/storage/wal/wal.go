// ============================================================================
// stageflow Write-Ahead Journal
// ============================================================================
//
// Package: internal/storage/wal
// 文件: wal.go
// 功能: file store 的 append-only 交易日誌
//
// 格式:
//   每行一個 JSON Event (JSON Lines)，同一交易的事件共用 TxSeq，
//   最後以 COMMIT 事件收尾。Replay 只會套用有 COMMIT 的交易。
//
// 持久性:
//   AppendTx() 在回傳前寫入並 (可選) fsync，file store 在 commit hook
//   中呼叫它，所以記憶體狀態永遠不會領先於磁碟。
//
// ============================================================================

package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FileInterface 抽象檔案操作，方便測試注入寫入失敗
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL append-only journal
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // journal 檔案
	writer       *bufio.Writer // 單一交易的寫入緩衝
	path         string        // journal 檔案路徑
	seq          uint64        // 當前事件序號
	txSeq        uint64        // 當前交易序號
	syncOnAppend bool          // 是否每次交易都 fsync
	closed       bool
	broken       error // 寫入失敗後檔案尾端狀態未知，重新開啟 (並修復) 前拒絕寫入
}

// NewWAL 建立或開啟一個 WAL 實例
//
// 行為：
//   - 檔案不存在時建立新檔案，seq 從 0 開始
//   - 檔案已存在時讀取最後一個完整事件的 seq / tx_seq 並繼續
//   - 以 O_APPEND 開啟，確保寫入不覆蓋
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	var seq, txSeq uint64
	last, err := GetLastEvent(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if last != nil {
		seq, txSeq = last.Seq, last.TxSeq
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	return &WAL{
		file:         file,
		writer:       bufio.NewWriter(file),
		path:         path,
		seq:          seq,
		txSeq:        txSeq,
		syncOnAppend: syncOnAppend,
	}, nil
}

// AppendTx 將一個交易的所有記錄連同 COMMIT 寫入 journal
//
// 回傳 nil 代表交易已寫入 (syncOnAppend 時已 fsync)。
func (w *WAL) AppendTx(records []Record) error {
	if len(records) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if w.broken != nil {
		return w.broken
	}

	w.txSeq++
	ts := time.Now().UnixMilli()
	seq := w.seq

	events := make([]Event, 0, len(records)+1)
	for _, rec := range records {
		seq++
		ev := Event{Seq: seq, TxSeq: w.txSeq, Timestamp: ts}
		var data []byte
		var err error
		switch {
		case rec.Run != nil:
			ev.Type = EventRunPut
			ev.RunID = rec.Run.ID
			data, err = json.Marshal(rec.Run)
		case rec.Job != nil:
			ev.Type = EventJobPut
			ev.RunID = rec.Job.RunID
			ev.JobID = rec.Job.ID
			data, err = json.Marshal(rec.Job)
		default:
			return errors.New("wal: empty record")
		}
		if err != nil {
			return fmt.Errorf("wal: encode record: %w", err)
		}
		ev.Data = data
		ev.Checksum = CalculateChecksum(ev)
		events = append(events, ev)
	}
	seq++
	commit := Event{Seq: seq, TxSeq: w.txSeq, Type: EventCommit, Timestamp: ts}
	commit.Checksum = CalculateChecksum(commit)
	events = append(events, commit)

	enc := json.NewEncoder(w.writer)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			w.broken = fmt.Errorf("wal: encode event: %w", err)
			return w.broken
		}
	}
	if err := w.writer.Flush(); err != nil {
		w.broken = fmt.Errorf("wal: write: %w", err)
		return w.broken
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			w.broken = fmt.Errorf("wal: sync: %w", err)
			return w.broken
		}
	}

	w.seq = seq
	return nil
}

// Replay 重放 journal 中所有已提交交易的事件 (不含 COMMIT 本身)
//
// afterSeq 之前 (含) 的事件會被跳過，用於只重放快照之後的部分。
// 遇到損壞或被截斷的尾端時停止並回傳 *CorruptionError，
// 其中 Offset 為最後一個完整交易結束的位置，可交給 TruncateWAL 修復。
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var pending []Event
	var lastGood uint64
	var offset, goodOffset int64

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if len(line) == 0 {
			break
		}
		offset += int64(len(line))
		if line[len(line)-1] != '\n' {
			// 最後一行沒有換行：寫入途中 crash
			return &CorruptionError{Seq: lastGood, Offset: goodOffset, Cause: fmt.Errorf("%w: torn record", ErrCorruptedWAL)}
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return &CorruptionError{Seq: lastGood, Offset: goodOffset, Cause: fmt.Errorf("%w: %v", ErrCorruptedWAL, err)}
		}
		if !VerifyChecksum(event) {
			return &CorruptionError{Seq: lastGood, Offset: goodOffset, Cause: ErrChecksumMismatch}
		}

		if event.Type != EventCommit {
			pending = append(pending, event)
			continue
		}
		for _, ev := range pending {
			if ev.TxSeq != event.TxSeq {
				return &CorruptionError{Seq: lastGood, Offset: goodOffset, Cause: fmt.Errorf("%w: tx %d interleaved with %d", ErrCorruptedWAL, ev.TxSeq, event.TxSeq)}
			}
			if ev.Seq <= afterSeq {
				continue
			}
			if err := handler(ev); err != nil {
				return err
			}
		}
		pending = pending[:0]
		lastGood = event.Seq
		goodOffset = offset
	}

	if len(pending) > 0 {
		// 未提交的尾端交易 (crash 發生在 COMMIT 之前)
		return &CorruptionError{Seq: lastGood, Offset: goodOffset, Cause: fmt.Errorf("%w: uncommitted tail of %d events", ErrCorruptedWAL, len(pending))}
	}
	return nil
}

// Rotate 將目前 journal 改名為備份並開啟新檔，seq 持續遞增
//
// 回傳備份檔路徑；呼叫端在快照成功後可以刪除它。
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrWALClosed
	}
	if err := w.writer.Flush(); err != nil {
		return "", err
	}
	if err := w.file.Close(); err != nil {
		return "", err
	}

	backupPath := fmt.Sprintf("%s.%s", w.path, time.Now().Format("20060102_150405.000000000"))
	if err := os.Rename(w.path, backupPath); err != nil {
		return "", err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return "", err
	}
	w.file = newFile
	w.writer = bufio.NewWriter(newFile)
	return backupPath, nil
}

// Close 關閉 journal
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// GetLastSeq 取得最後寫入的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the journal file path.
func (w *WAL) Path() string {
	return w.path
}
