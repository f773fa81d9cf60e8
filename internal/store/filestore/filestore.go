// ============================================================================
// stageflow File Store - journal + snapshot 的持久化 repository
// ============================================================================
//
// Package: internal/store/filestore
// 功能: 單機部署用的 store.Repository
//
// 組成:
//   memory.Store   - 狀態與交易語意
//   wal.WAL        - 每個交易在 commit hook 中寫入 journal (寫入失敗 => ErrUnavailable)
//   snapshot       - 定期 checkpoint，checkpoint 後 journal 輪替
//
// 恢復流程 (Open):
//   1. 載入快照 (不存在則為空狀態)
//   2. 重放 journal 中 seq > snapshot.LastSeq 的已提交交易
//   3. 尾端損壞 (crash 中斷的交易) 直接截斷
//
// ============================================================================

package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/stageflow/internal/snapshot"
	"github.com/ChuLiYu/stageflow/internal/storage/wal"
	"github.com/ChuLiYu/stageflow/internal/store"
	"github.com/ChuLiYu/stageflow/internal/store/memory"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

var log = slog.Default()

const (
	journalFile  = "journal.wal"
	snapshotFile = "snapshot.json"
)

// Config file store 設定
type Config struct {
	Dir                string        // 資料目錄
	SyncOnAppend       bool          // 每個交易都 fsync
	SnapshotInterval   time.Duration // 0 表示只在 Close 時 checkpoint
	KeepJournalBackups bool          // checkpoint 後保留輪替出去的 journal
}

// Store 以 journal + snapshot 持久化的 repository
type Store struct {
	*memory.Store

	cfg       Config
	journal   *wal.WAL
	snapshots *snapshot.Manager

	recovery time.Duration

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ store.Repository = (*Store)(nil)

// Open 開啟 (或建立) 資料目錄並恢復狀態
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("filestore: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}

	start := time.Now()
	s := &Store{
		cfg:       cfg,
		snapshots: snapshot.NewManager(filepath.Join(cfg.Dir, snapshotFile)),
		stopCh:    make(chan struct{}),
	}
	s.Store = memory.New(memory.WithCommitHook(s.appendJournal))

	// 1. 快照
	data, err := s.snapshots.Load()
	if err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}
	s.Store.Restore(data)

	// 2. journal
	journalPath := filepath.Join(cfg.Dir, journalFile)
	s.journal, err = wal.NewWAL(journalPath, cfg.SyncOnAppend)
	if err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}

	replayed := 0
	err = s.journal.Replay(data.LastSeq, func(ev wal.Event) error {
		replayed++
		return s.applyEvent(ev)
	})
	var corruption *wal.CorruptionError
	switch {
	case errors.As(err, &corruption):
		// 3. 截斷未提交的尾端
		log.Warn("Journal tail discarded", "after_seq", corruption.Seq, "offset", corruption.Offset, "error", corruption.Cause)
		if err := wal.TruncateWAL(journalPath, corruption.Offset); err != nil {
			s.journal.Close()
			return nil, fmt.Errorf("filestore: repair journal: %w", err)
		}
	case err != nil:
		s.journal.Close()
		return nil, fmt.Errorf("filestore: replay: %w", err)
	}

	s.recovery = time.Since(start)
	log.Info("File store recovered",
		"dir", cfg.Dir,
		"runs", len(data.Runs),
		"snapshot_seq", data.LastSeq,
		"replayed", replayed,
		"duration", s.recovery)

	if cfg.SnapshotInterval > 0 {
		s.wg.Add(1)
		go s.snapshotLoop()
	}
	return s, nil
}

func (s *Store) applyEvent(ev wal.Event) error {
	switch ev.Type {
	case wal.EventRunPut:
		var run types.Run
		if err := json.Unmarshal(ev.Data, &run); err != nil {
			return fmt.Errorf("decode run at seq %d: %w", ev.Seq, err)
		}
		s.Store.ApplyChange(memory.Change{Run: &run})
	case wal.EventJobPut:
		var job types.Job
		if err := json.Unmarshal(ev.Data, &job); err != nil {
			return fmt.Errorf("decode job at seq %d: %w", ev.Seq, err)
		}
		s.Store.ApplyChange(memory.Change{Job: &job})
	}
	return nil
}

// appendJournal 是 memory.Store 的 commit hook
func (s *Store) appendJournal(changes []memory.Change) error {
	records := make([]wal.Record, len(changes))
	for i, c := range changes {
		records[i] = wal.Record{Run: c.Run, Job: c.Job}
	}
	return s.journal.AppendTx(records)
}

// RecoveryTime 回傳 Open 時恢復狀態所花的時間
func (s *Store) RecoveryTime() time.Duration { return s.recovery }

// Checkpoint 寫入快照並輪替 journal
//
// 在 memory store 寫鎖內執行，快照與 journal 序號一致。
func (s *Store) Checkpoint() error {
	start := time.Now()
	var jobs int
	err := s.Store.Checkpoint(func(data types.SnapshotData) error {
		data.LastSeq = s.journal.GetLastSeq()
		jobs = len(data.Jobs)
		if err := s.snapshots.Write(data); err != nil {
			return err
		}
		backup, err := s.journal.Rotate()
		if err != nil {
			// 快照已涵蓋 LastSeq，journal 保留原狀也能正確重放
			log.Warn("Journal rotation failed", "error", err)
			return nil
		}
		if !s.cfg.KeepJournalBackups {
			os.Remove(backup)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("filestore: checkpoint: %w", err)
	}
	log.Debug("Checkpoint written", "jobs", jobs, "duration", time.Since(start))
	return nil
}

// snapshotLoop 定期生成快照
func (s *Store) snapshotLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Checkpoint(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// JournalStats 回傳目前 journal 的統計
func (s *Store) JournalStats() (*wal.WALStats, error) {
	return wal.GetWALStats(s.journal.Path())
}

// Close 停止快照迴圈、寫入最後一次 checkpoint 並關閉 journal
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()

		if cpErr := s.Checkpoint(); cpErr != nil {
			log.Error("Final checkpoint failed", "error", cpErr)
		}
		s.Store.Close()
		err = s.journal.Close()
	})
	return err
}
