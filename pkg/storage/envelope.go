package storage

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// VersionEnvelope is the heap payload for one resource version. The
// heap's native PrevOffset chain (pkg/heap.RecordHeader) already gives
// every version a pointer to its predecessor, so the envelope only
// needs to carry what the chain itself cannot: the version token, the
// tombstone flag and the resource content at that version.
type VersionEnvelope struct {
	Version int64     `bson:"version"`
	Deleted bool      `bson:"deleted"`
	TxTime  time.Time `bson:"tx_time"`
	Doc     []byte    `bson:"doc,omitempty"`
}

func encodeEnvelope(env VersionEnvelope) ([]byte, error) {
	data, err := bson.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode version envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (VersionEnvelope, error) {
	var env VersionEnvelope
	if err := bson.Unmarshal(data, &env); err != nil {
		return VersionEnvelope{}, fmt.Errorf("decode version envelope: %w", err)
	}
	return env, nil
}
