package storage

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// walRecord is the WAL payload envelope for a single entity mutation.
// The teacher's original encoding used a generated protobuf message;
// that generated code was never part of the retrieved reference pack
// (no .proto/.pb.go survived distillation), so rather than fabricate
// generated types this repo encodes the same fields with
// go.mongodb.org/mongo-driver/v2/bson, which the teacher already
// depends on directly for document storage (pkg/storage/bson.go).
type walRecord struct {
	Table    string `bson:"table"`
	Key      string `bson:"key"`
	Document []byte `bson:"document,omitempty"`
}

// encodeWALPayload serializes a mutation for durable WAL storage.
func encodeWALPayload(table, key string, document []byte) ([]byte, error) {
	rec := walRecord{Table: table, Key: key, Document: document}
	data, err := bson.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode wal payload: %w", err)
	}
	return data, nil
}

// decodeWALPayload is the inverse of encodeWALPayload, used during
// crash recovery.
func decodeWALPayload(payload []byte) (table, key string, document []byte, err error) {
	var rec walRecord
	if err = bson.Unmarshal(payload, &rec); err != nil {
		return "", "", nil, fmt.Errorf("decode wal payload: %w", err)
	}
	return rec.Table, rec.Key, rec.Document, nil
}
