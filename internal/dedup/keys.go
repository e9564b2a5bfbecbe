package dedup

import (
	"encoding/binary"

	"github.com/rzbill/aggregator/internal/schema"
)

// Key layout: {dedup prefix}{uvarint len(topic)}{topic}{event_id}
//
// The length prefix makes the pair unambiguous whatever bytes either field
// contains, so ("a/b", "c") and ("a", "b/c") map to different keys.

// KeyFor derives the dedup key for a (topic, event_id) pair.
func KeyFor(topic, eventID string) []byte {
	prefix := schema.DedupPrefix()
	k := make([]byte, 0, len(prefix)+binary.MaxVarintLen64+len(topic)+len(eventID))
	k = append(k, prefix...)
	k = binary.AppendUvarint(k, uint64(len(topic)))
	k = append(k, topic...)
	k = append(k, eventID...)
	return k
}
