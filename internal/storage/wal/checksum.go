package wal

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum covers the sequence numbers, type, identifiers and payload of an event.
func CalculateChecksum(e Event) uint32 {
	h := crc32.NewIEEE()
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], e.Seq)
	binary.BigEndian.PutUint64(buf[8:], e.TxSeq)
	h.Write(buf[:])
	h.Write([]byte(e.Type))
	h.Write([]byte(e.RunID))
	h.Write([]byte(e.JobID))
	h.Write(e.Data)
	return h.Sum32()
}

// VerifyChecksum 驗證事件的 checksum
func VerifyChecksum(e Event) bool {
	return e.Checksum == CalculateChecksum(e)
}
