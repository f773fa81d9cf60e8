package wal

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/stageflow/pkg/types"
)

func newTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func testRecords(runID types.RunID) []Record {
	now := time.Now().UTC()
	return []Record{
		{Run: &types.Run{ID: runID, Status: types.RunActive, CreatedAt: now}},
		{Job: &types.Job{ID: types.NewJobID(), RunID: runID, Status: types.JobScheduled, Attempt: 1, CreatedAt: now}},
	}
}

func collect(t *testing.T, w *WAL, after uint64) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, w.Replay(after, func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

func TestAppendTxAndReplay(t *testing.T) {
	w, _ := newTestWAL(t)

	require.NoError(t, w.AppendTx(testRecords("run-1")))
	require.NoError(t, w.AppendTx(testRecords("run-2")))
	assert.Equal(t, uint64(6), w.GetLastSeq(), "2 records + commit per tx")

	events := collect(t, w, 0)
	require.Len(t, events, 4)
	assert.Equal(t, EventRunPut, events[0].Type)
	assert.Equal(t, EventJobPut, events[1].Type)
	assert.Equal(t, types.RunID("run-2"), events[2].RunID)

	var run types.Run
	require.NoError(t, json.Unmarshal(events[0].Data, &run))
	assert.Equal(t, types.RunActive, run.Status)
}

func TestReplaySkipsEventsCoveredBySnapshot(t *testing.T) {
	w, _ := newTestWAL(t)
	require.NoError(t, w.AppendTx(testRecords("run-1")))
	covered := w.GetLastSeq()
	require.NoError(t, w.AppendTx(testRecords("run-2")))

	events := collect(t, w, covered)
	require.Len(t, events, 2)
	assert.Equal(t, types.RunID("run-2"), events[0].RunID)
}

func TestReopenContinuesSequence(t *testing.T) {
	w, path := newTestWAL(t)
	require.NoError(t, w.AppendTx(testRecords("run-1")))
	require.NoError(t, w.Close())

	reopened, err := NewWAL(path, true)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(3), reopened.GetLastSeq())

	require.NoError(t, reopened.AppendTx(testRecords("run-2")))
	assert.Len(t, collect(t, reopened, 0), 4)
}

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	w, path := newTestWAL(t)
	require.NoError(t, w.AppendTx(testRecords("run-1")))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := raw
	idx := indexOf(tampered, []byte(`"run-1"`))
	require.GreaterOrEqual(t, idx, 0)
	tampered[idx+1] = 'X'
	require.NoError(t, os.WriteFile(path, tampered, 0644))

	reopened, err := NewWAL(path, true)
	require.NoError(t, err)
	defer reopened.Close()

	err = reopened.Replay(0, func(Event) error { return nil })
	assert.True(t, errors.Is(err, ErrChecksumMismatch), "got %v", err)
}

func TestReplayStopsAtUncommittedTail(t *testing.T) {
	w, path := newTestWAL(t)
	require.NoError(t, w.AppendTx(testRecords("run-1")))
	committed, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// 模擬 crash：只寫入了交易的第一筆記錄
	ev := Event{Seq: 4, TxSeq: 2, Type: EventRunPut, RunID: "run-2", Data: []byte(`{}`)}
	ev.Checksum = CalculateChecksum(ev)
	line, err := json.Marshal(ev)
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write(append(line, '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewWAL(path, true)
	require.NoError(t, err)
	defer reopened.Close()

	var applied []Event
	err = reopened.Replay(0, func(e Event) error {
		applied = append(applied, e)
		return nil
	})
	var corruption *CorruptionError
	require.True(t, errors.As(err, &corruption), "got %v", err)
	assert.True(t, errors.Is(err, ErrCorruptedWAL))
	assert.Len(t, applied, 2, "committed transaction still applied")
	assert.Equal(t, committed.Size(), corruption.Offset)

	require.NoError(t, TruncateWAL(path, corruption.Offset))
	assert.Len(t, collect(t, reopened, 0), 2)
}

func TestRotateKeepsSequence(t *testing.T) {
	w, path := newTestWAL(t)
	require.NoError(t, w.AppendTx(testRecords("run-1")))

	backup, err := w.Rotate()
	require.NoError(t, err)
	assert.FileExists(t, backup)

	require.NoError(t, w.AppendTx(testRecords("run-2")))
	assert.Equal(t, uint64(6), w.GetLastSeq())

	stats, err := GetWALStats(path)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalEvents)
	assert.Equal(t, 1, stats.Transactions)
	assert.Equal(t, uint64(4), stats.FirstSeq)
}

func TestAppendAfterClose(t *testing.T) {
	w, _ := newTestWAL(t)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.AppendTx(testRecords("run-1")), ErrWALClosed)
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return i
		}
	}
	return -1
}

type failingFile struct{ writes int }

func (f *failingFile) Write(p []byte) (int, error) {
	f.writes++
	return 0, errors.New("disk full")
}
func (f *failingFile) Sync() error  { return nil }
func (f *failingFile) Close() error { return nil }

func TestWriteFailureBreaksJournal(t *testing.T) {
	w, _ := newTestWAL(t)
	ff := &failingFile{}
	w.file = ff
	w.writer.Reset(ff)

	err := w.AppendTx(testRecords("run-1"))
	require.Error(t, err)
	assert.Equal(t, uint64(0), w.GetLastSeq())

	// 後續寫入在修復前一律拒絕
	err = w.AppendTx(testRecords("run-2"))
	require.Error(t, err)
	assert.Equal(t, 1, ff.writes)
}
