package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/stageflow/pkg/types"
)

// ============================================================================
// Journal 事件類型定義
// ============================================================================

// EventType identifies what a journal record carries.
type EventType string

const (
	EventRunPut EventType = "RUN_PUT" // Full run record after a committed change
	EventJobPut EventType = "JOB_PUT" // Full job record after a committed change
	EventCommit EventType = "COMMIT"  // Closes a transaction; records before it replay together
)

// Event is one line in the journal.
//
// Records of one transaction share TxSeq; the transaction only counts once its COMMIT record
// is on disk, so a torn tail after a crash is skipped instead of half-applied.
type Event struct {
	Seq       uint64          `json:"seq"`               // Event sequence number (monotonically increasing)
	TxSeq     uint64          `json:"tx_seq"`            // Transaction the event belongs to
	Type      EventType       `json:"type"`              // Event type
	RunID     types.RunID     `json:"run_id,omitempty"`  // Owning run
	JobID     types.JobID     `json:"job_id,omitempty"`  // Job, for JOB_PUT
	Timestamp int64           `json:"timestamp"`         // Unix millisecond timestamp
	Data      json.RawMessage `json:"data,omitempty"`    // Encoded record
	Checksum  uint32          `json:"checksum"`          // CRC32 checksum
}

// Record is one record to journal inside a transaction.
type Record struct {
	Run *types.Run
	Job *types.Job
}

// EventHandler is invoked during Replay for every event of a committed transaction.
type EventHandler func(event Event) error
