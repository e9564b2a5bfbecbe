package dedup

import (
	"encoding/binary"
	"time"
)

// Record encoding: uvarint topicLen | topic | unix_seconds_be8 | nanos_be4
//
// Seconds and nanoseconds are kept apart so any time.Time round trips,
// including years outside the int64 nanosecond range.

// Record is the value stored under a dedup key.
type Record struct {
	Topic     string
	Timestamp time.Time
}

// EncodeRecord serializes r.
func EncodeRecord(r Record) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(r.Topic)+8+4)
	out = binary.AppendUvarint(out, uint64(len(r.Topic)))
	out = append(out, r.Topic...)
	out = binary.BigEndian.AppendUint64(out, uint64(r.Timestamp.Unix()))
	out = binary.BigEndian.AppendUint32(out, uint32(r.Timestamp.Nanosecond()))
	return out
}
