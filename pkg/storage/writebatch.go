package storage

import (
	"time"

	"github.com/fhirstore/resourceserver/internal/fhirerr"
	"github.com/fhirstore/resourceserver/internal/logging"
	"github.com/fhirstore/resourceserver/internal/metrics"
	"github.com/fhirstore/resourceserver/internal/version"
	"github.com/fhirstore/resourceserver/pkg/types"
	"github.com/fhirstore/resourceserver/pkg/wal"
)

// Mutation is one entity-level write inside an atomic batch. The Batch
// Processor builds the whole slice for a bundle before calling
// ResourceStore.WriteBatch, so every guard in the batch is checked before
// any of its writes are made durable.
type Mutation struct {
	ResourceType string
	ID           string

	// Delete marks a tombstone write. NewDoc is ignored when Delete is set.
	Delete bool
	NewDoc []byte

	// ExpectedVersion is the CAS guard: nil means "no guard" (plain
	// create or unconditional write); otherwise the write is rejected
	// unless the resource's current version token equals exactly this
	// value. RequireAbsent means the guard is "no live row may exist" (a
	// tombstone does not block it, and the write continues that version
	// chain), used by conditional create's ifNoneExist-not-matched path
	// and by plain POST-assigned-id creates.
	ExpectedVersion *int64
	RequireAbsent   bool

	// CreationMode only matters the first time a row is written for this
	// id (ExpectedVersion nil, RequireAbsent true or no prior row).
	CreationMode version.CreationMode
}

// AppliedMutation reports the outcome of one Mutation after a successful
// WriteBatch commit.
type AppliedMutation struct {
	ResourceType string
	ID           string
	Version      int64
	TxTime       time.Time
	Deleted      bool
}

// WriteResult is the return value of a successful WriteBatch call.
type WriteResult struct {
	TxTime  time.Time
	Applied []AppliedMutation
}

type preparedOp struct {
	mutation Mutation
	table    *Table
	index    *Index
	offset   int64 // current offset before this write, -1 if none
	envelope VersionEnvelope
	nextVer  int64
}

// WriteBatch applies every Mutation atomically: all CAS guards are
// checked against the current state first, and the whole batch fails
// with no durable effect if any guard mismatches. Once every guard
// passes, the batch is written to the WAL (EntryBegin, one entry per
// mutation, EntryCommit) before being applied to the in-memory heap and
// B+Tree state, mirroring the teacher's two-phase write-then-apply
// discipline in transaction_write.go. Every mutation in one call shares
// a single LSN and transaction instant, so resources written together
// report an identical lastModified.
func (rs *ResourceStore) WriteBatch(mutations []Mutation) (WriteResult, error) {
	if len(mutations) == 0 {
		return WriteResult{}, nil
	}

	rs.writeMu.Lock()
	defer rs.writeMu.Unlock()

	log := logging.With("writebatch")

	prepared := make([]preparedOp, 0, len(mutations))
	for _, m := range mutations {
		table, err := rs.TableMetaData.GetOrCreateTable(m.ResourceType)
		if err != nil {
			return WriteResult{}, err
		}
		idx, err := table.GetIndex("id")
		if err != nil {
			return WriteResult{}, err
		}

		offset, env, found, err := rs.currentStateLocked(table, m.ID)
		if err != nil {
			return WriteResult{}, err
		}

		if err := checkGuard(m, found, env); err != nil {
			metrics.CASConflictsTotal.WithLabelValues(m.ResourceType).Inc()
			return WriteResult{}, err
		}

		var nextVer int64
		switch {
		case !found:
			nextVer = version.Initial(m.CreationMode)
		case m.Delete:
			nextVer = version.DeleteDecrement(env.Version)
		default:
			nextVer = version.UpsertDecrement(env.Version)
		}

		op := preparedOp{mutation: m, table: table, index: idx, envelope: env, nextVer: nextVer}
		if found {
			op.offset = offset
		} else {
			op.offset = -1
		}
		prepared = append(prepared, op)
	}

	lsn := rs.lsnTracker.Next()
	txTime := time.Now().UTC()

	if err := rs.writeWALMarker(wal.EntryBegin, lsn); err != nil {
		return WriteResult{}, fhirerr.Wrap(fhirerr.Fault, "", err, "failed to begin transaction log")
	}

	for _, op := range prepared {
		env := VersionEnvelope{
			Version: op.nextVer,
			Deleted: op.mutation.Delete,
			TxTime:  txTime,
			Doc:     op.mutation.NewDoc,
		}
		envBytes, err := encodeEnvelope(env)
		if err != nil {
			rs.abortWAL(lsn)
			return WriteResult{}, err
		}
		payload, err := encodeWALPayload(op.mutation.ResourceType, op.mutation.ID, envBytes)
		if err != nil {
			rs.abortWAL(lsn)
			return WriteResult{}, err
		}

		entryType := uint8(wal.EntryInsert)
		if op.mutation.Delete {
			entryType = wal.EntryDelete
		} else if op.offset >= 0 {
			entryType = wal.EntryUpdate
		}

		entry := wal.AcquireEntry()
		entry.Header.Magic = wal.WALMagic
		entry.Header.Version = wal.WALVersion
		entry.Header.EntryType = entryType
		entry.Header.LSN = lsn
		entry.Header.PayloadLen = uint32(len(payload))
		entry.Header.CRC32 = wal.CalculateCRC32(payload)
		entry.Payload = append(entry.Payload, payload...)

		err = rs.WAL.WriteEntry(entry)
		wal.ReleaseEntry(entry)
		if err != nil {
			rs.abortWAL(lsn)
			return WriteResult{}, fhirerr.Wrap(fhirerr.Fault, "", err, "wal write failed")
		}
	}

	if err := rs.writeWALMarker(wal.EntryCommit, lsn); err != nil {
		return WriteResult{}, fhirerr.Wrap(fhirerr.Fault, "", err, "failed to commit transaction log")
	}

	result := WriteResult{TxTime: txTime, Applied: make([]AppliedMutation, 0, len(prepared))}
	for _, op := range prepared {
		env := VersionEnvelope{
			Version: op.nextVer,
			Deleted: op.mutation.Delete,
			TxTime:  txTime,
			Doc:     op.mutation.NewDoc,
		}
		envBytes, err := encodeEnvelope(env)
		if err != nil {
			return WriteResult{}, err
		}

		newOffset, err := op.table.Heap.Write(envBytes, lsn, op.offset)
		if err != nil {
			return WriteResult{}, fhirerr.Wrap(fhirerr.Fault, "", err, "heap write failed")
		}
		if err := op.index.Tree.Upsert(types.VarcharKey(op.mutation.ID), func(int64, bool) (int64, error) {
			return newOffset, nil
		}); err != nil {
			return WriteResult{}, fhirerr.Wrap(fhirerr.Fault, "", err, "index upsert failed")
		}

		result.Applied = append(result.Applied, AppliedMutation{
			ResourceType: op.mutation.ResourceType,
			ID:           op.mutation.ID,
			Version:      op.nextVer,
			TxTime:       txTime,
			Deleted:      op.mutation.Delete,
		})
		metrics.EntriesTotal.WithLabelValues(op.mutation.ResourceType, writeMethodLabel(op)).Inc()
	}

	log.Debug().Int("mutations", len(prepared)).Uint64("lsn", lsn).Msg("batch committed")
	return result, nil
}

func writeMethodLabel(op preparedOp) string {
	if op.mutation.Delete {
		return "DELETE"
	}
	if op.offset < 0 {
		return "CREATE"
	}
	return "UPDATE"
}

// checkGuard evaluates a single Mutation's CAS precondition against the
// current state read under the write lock, before any WAL or heap write
// for the batch has happened.
func checkGuard(m Mutation, found bool, env VersionEnvelope) error {
	if m.RequireAbsent {
		if found && !env.Deleted {
			return fhirerr.New(fhirerr.Conflict, "duplicate", "resource already exists").
				AtExpression(m.ResourceType + "/" + m.ID)
		}
		return nil
	}
	if m.ExpectedVersion == nil {
		return nil
	}
	if !found {
		return fhirerr.New(fhirerr.Conflict, "conflict", "resource does not exist").
			AtExpression(m.ResourceType + "/" + m.ID)
	}
	if env.Version != *m.ExpectedVersion {
		return fhirerr.New(fhirerr.Conflict, "conflict", "version mismatch").
			AtExpression(m.ResourceType + "/" + m.ID)
	}
	return nil
}

func (rs *ResourceStore) writeWALMarker(entryType uint8, lsn uint64) error {
	entry := wal.AcquireEntry()
	entry.Header.Magic = wal.WALMagic
	entry.Header.Version = wal.WALVersion
	entry.Header.EntryType = entryType
	entry.Header.LSN = lsn
	entry.Header.PayloadLen = 0
	entry.Header.CRC32 = 0
	err := rs.WAL.WriteEntry(entry)
	wal.ReleaseEntry(entry)
	return err
}

func (rs *ResourceStore) abortWAL(lsn uint64) {
	rs.writeWALMarker(wal.EntryAbort, lsn)
}
