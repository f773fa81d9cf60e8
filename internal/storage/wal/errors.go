package wal

import (
	"errors"
	"fmt"
)

var (
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	ErrWALClosed = errors.New("wal: already closed")
)

// CorruptionError reports where in the journal decoding stopped.
type CorruptionError struct {
	Seq    uint64 // Sequence number of the last committed event
	Offset int64  // Byte offset just past the last committed transaction
	Cause  error  // Underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted after seq %d (offset %d): %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
