package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fhirstore/resourceserver/internal/logging"
	"github.com/fhirstore/resourceserver/internal/metrics"
	"github.com/fhirstore/resourceserver/pkg/types"
	"github.com/fhirstore/resourceserver/pkg/wal"
)

// ResourceStore is the versioned, content-addressed engine under the
// batch/transaction processor. Unlike the teacher's generic StorageEngine,
// every key lives under a Table named for its FHIR resource type (or the
// reserved "$codes" keyspace used by code interning), and every heap
// payload is a VersionEnvelope rather than a bare document: the heap's
// own PrevOffset chain already gives each resource its full version
// history, so ResourceStore only has to walk it.
type ResourceStore struct {
	TableMetaData *TableMetaData
	WAL           *wal.WALWriter
	Checkpoint    *CheckpointManager
	lsnTracker    *LSNTracker

	// writeMu enforces single-writer discipline across the whole store:
	// the Batch/Transaction Processor's bounded worker pool (one goroutine
	// per in-flight bundle) still serializes through here, so CAS guards
	// and LSN assignment never race each other.
	writeMu sync.Mutex
}

// DefaultBTreeDegree is the minimum degree passed to each table's B+Tree
// index when no caller-specific tuning is needed (see pkg/btree.NewUniqueTree).
const DefaultBTreeDegree = 3

// NewResourceStore opens (or creates) the on-disk layout at dataDir:
// dataDir/heap holds one segmented heap per table, dataDir/wal holds the
// write-ahead log, dataDir/checkpoints holds compressed B+Tree snapshots.
func NewResourceStore(dataDir string, btreeT int) (*ResourceStore, error) {
	heapDir := filepath.Join(dataDir, "heap")
	walDir := filepath.Join(dataDir, "wal")
	checkpointDir := filepath.Join(dataDir, "checkpoints")

	for _, dir := range []string{heapDir, walDir, checkpointDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir %q: %w", dir, err)
		}
	}

	walOpts := wal.DefaultOptions()
	walOpts.DirPath = walDir
	walPath := filepath.Join(walDir, "resourcestore.wal")
	walWriter, err := wal.NewWALWriter(walPath, walOpts)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	rs := &ResourceStore{
		TableMetaData: NewTableMetaData(heapDir, btreeT),
		WAL:           walWriter,
		Checkpoint:    NewCheckpointManager(checkpointDir),
		lsnTracker:    NewLSNTracker(0),
	}

	if err := rs.recover(walPath, checkpointDir); err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	}

	return rs, nil
}

func (rs *ResourceStore) Close() error {
	return rs.WAL.Close()
}

// TableFor returns (creating on first use) the Table backing a resource
// type.
func (rs *ResourceStore) TableFor(resourceType string) (*Table, error) {
	return rs.TableMetaData.GetOrCreateTable(resourceType)
}

// CurrentState returns the live heap offset and decoded envelope for
// resourceType/id, or found=false if no row exists for that id at all
// (note: a tombstone still counts as found — callers check env.Deleted).
func (rs *ResourceStore) CurrentState(resourceType, id string) (offset int64, env VersionEnvelope, found bool, err error) {
	table, err := rs.TableMetaData.GetOrCreateTable(resourceType)
	if err != nil {
		return 0, VersionEnvelope{}, false, err
	}
	return rs.currentStateLocked(table, id)
}

func (rs *ResourceStore) currentStateLocked(table *Table, id string) (int64, VersionEnvelope, bool, error) {
	idx, err := table.GetIndex("id")
	if err != nil {
		return 0, VersionEnvelope{}, false, err
	}
	offset, ok := idx.Tree.Get(types.VarcharKey(id))
	if !ok {
		return 0, VersionEnvelope{}, false, nil
	}
	data, _, err := table.Heap.Read(offset)
	if err != nil {
		return 0, VersionEnvelope{}, false, fmt.Errorf("read current state for %s: %w", id, err)
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		return 0, VersionEnvelope{}, false, err
	}
	return offset, env, true, nil
}

// ReadAsOf walks a resource's version chain and returns the envelope
// whose version token matches exactly, or errors.IndexNotFoundError-style
// not-found semantics via a zero bool if no such version ever existed.
func (rs *ResourceStore) ReadAsOf(resourceType, id string, version int64) (VersionEnvelope, bool, error) {
	table, err := rs.TableMetaData.GetTableByName(resourceType)
	if err != nil {
		return VersionEnvelope{}, false, nil
	}
	offset, env, found, err := rs.currentStateLocked(table, id)
	if err != nil || !found {
		return VersionEnvelope{}, false, err
	}
	for {
		if env.Version == version {
			return env, true, nil
		}
		_, hdr, err := table.Heap.Read(offset)
		if err != nil {
			return VersionEnvelope{}, false, fmt.Errorf("walk version chain for %s: %w", id, err)
		}
		if hdr.PrevOffset < 0 {
			return VersionEnvelope{}, false, nil
		}
		offset = hdr.PrevOffset
		data, _, err := table.Heap.Read(offset)
		if err != nil {
			return VersionEnvelope{}, false, fmt.Errorf("walk version chain for %s: %w", id, err)
		}
		env, err = decodeEnvelope(data)
		if err != nil {
			return VersionEnvelope{}, false, err
		}
	}
}

// History returns every version of a resource, newest first, by walking
// the heap's PrevOffset chain to its root.
func (rs *ResourceStore) History(resourceType, id string) ([]VersionEnvelope, error) {
	table, err := rs.TableMetaData.GetTableByName(resourceType)
	if err != nil {
		return nil, nil
	}
	offset, env, found, err := rs.currentStateLocked(table, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	var history []VersionEnvelope
	for {
		history = append(history, env)
		_, hdr, err := table.Heap.Read(offset)
		if err != nil {
			return nil, fmt.Errorf("walk version chain for %s: %w", id, err)
		}
		if hdr.PrevOffset < 0 {
			break
		}
		offset = hdr.PrevOffset
		data, _, err := table.Heap.Read(offset)
		if err != nil {
			return nil, fmt.Errorf("walk version chain for %s: %w", id, err)
		}
		env, err = decodeEnvelope(data)
		if err != nil {
			return nil, err
		}
	}
	return history, nil
}

// CreateCheckpoints snapshots every known table's "id" index at the
// store's current LSN. Called by the checkpoint subcommand of
// cmd/fhirserver.
func (rs *ResourceStore) CreateCheckpoints() error {
	lsn := rs.lsnTracker.Current()
	for _, name := range rs.TableMetaData.ListTables() {
		table, err := rs.TableMetaData.GetTableByName(name)
		if err != nil {
			continue
		}
		idx, err := table.GetIndex("id")
		if err != nil {
			continue
		}
		start := time.Now()
		table.RLock()
		err = rs.Checkpoint.CreateCheckpoint(name, idx.Name, idx.Tree, lsn)
		table.RUnlock()
		if err != nil {
			return fmt.Errorf("checkpoint table %q: %w", name, err)
		}
		metrics.CheckpointDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	return nil
}

// recover reconstructs in-memory state from the latest checkpoints plus
// any WAL entries written since, mirroring the teacher's
// checkpoint-then-replay recovery, generalized to a table set that is
// only known once the checkpoint directory and WAL have been scanned
// (this store creates tables lazily, so there is no fixed table list to
// iterate up front).
func (rs *ResourceStore) recover(walPath, checkpointDir string) error {
	log := logging.With("resourcestore")

	var maxLSN uint64
	loadedLSNs := make(map[string]uint64)

	for _, tableName := range discoverCheckpointedTables(checkpointDir) {
		table, err := rs.TableMetaData.GetOrCreateTable(tableName)
		if err != nil {
			return err
		}
		idx, err := table.GetIndex("id")
		if err != nil {
			continue
		}
		tree, lastLSN, err := rs.Checkpoint.LoadLatestCheckpoint(tableName, idx.Name)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("load checkpoint for %s: %w", tableName, err)
		}
		idx.Tree = tree
		loadedLSNs[tableName] = lastLSN
		if lastLSN > maxLSN {
			maxLSN = lastLSN
		}
		log.Info().Str("table", tableName).Uint64("lsn", lastLSN).Msg("recovered table from checkpoint")
	}

	if _, err := os.Stat(walPath); os.IsNotExist(err) {
		rs.lsnTracker.Set(maxLSN)
		return nil
	}

	reader, err := wal.NewWALReader(walPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	var replayed, skipped int
	for {
		entry, err := reader.ReadEntry()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("recovery error at entry %d: %w", replayed, err)
		}

		if entry.Header.LSN > maxLSN {
			maxLSN = entry.Header.LSN
		}

		switch entry.Header.EntryType {
		case wal.EntryInsert, wal.EntryUpdate, wal.EntryDelete:
			tableName, key, document, err := decodeWALPayload(entry.Payload)
			if err != nil {
				wal.ReleaseEntry(entry)
				return fmt.Errorf("decode wal payload at entry %d: %w", replayed, err)
			}

			if loadedLSNs[tableName] >= entry.Header.LSN {
				skipped++
				wal.ReleaseEntry(entry)
				continue
			}

			table, err := rs.TableMetaData.GetOrCreateTable(tableName)
			if err != nil {
				wal.ReleaseEntry(entry)
				continue
			}
			idx, err := table.GetIndex("id")
			if err != nil {
				wal.ReleaseEntry(entry)
				continue
			}

			// Every entry type — insert, update and delete alike — appends a
			// new VersionEnvelope onto the chain (a delete is a tombstone
			// envelope, not a heap-level soft delete), so replay is uniform.
			var prevOffset int64 = -1
			if offset, ok := idx.Tree.Get(types.VarcharKey(key)); ok {
				prevOffset = offset
			}
			offset, err := table.Heap.Write(document, entry.Header.LSN, prevOffset)
			if err != nil {
				return fmt.Errorf("heap write during recovery: %w", err)
			}
			if err := idx.Tree.Upsert(types.VarcharKey(key), func(int64, bool) (int64, error) {
				return offset, nil
			}); err != nil {
				return fmt.Errorf("index upsert during recovery: %w", err)
			}
			replayed++
		}
		wal.ReleaseEntry(entry)
	}

	rs.lsnTracker.Set(maxLSN)
	metrics.RecoveryEntriesReplayedTotal.Add(float64(replayed))
	log.Info().Int("replayed", replayed).Int("skipped", skipped).Uint64("lsn", maxLSN).Msg("wal recovery complete")
	return nil
}

// discoverCheckpointedTables inspects the checkpoint directory's
// "checkpoint_<table>_<index>_<lsn>.chk" filenames to recover the set of
// tables that existed before the process last stopped.
func discoverCheckpointedTables(checkpointDir string) []string {
	files, err := os.ReadDir(checkpointDir)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var names []string
	for _, f := range files {
		name := f.Name()
		if !strings.HasPrefix(name, "checkpoint_") || !strings.HasSuffix(name, ".chk") {
			continue
		}
		trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "checkpoint_"), ".chk")
		parts := strings.Split(trimmed, "_")
		if len(parts) < 3 {
			continue
		}
		// Last element is the LSN, second-to-last is the index name
		// ("id"), everything before that is the table name (table names
		// never contain underscores in this store's key scheme).
		if _, err := strconv.ParseUint(parts[len(parts)-1], 10, 64); err != nil {
			continue
		}
		tableName := strings.Join(parts[:len(parts)-2], "_")
		if tableName == "" {
			continue
		}
		if _, ok := seen[tableName]; !ok {
			seen[tableName] = struct{}{}
			names = append(names, tableName)
		}
	}
	return names
}
