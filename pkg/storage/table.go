package storage

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fhirstore/resourceserver/pkg/btree"
	"github.com/fhirstore/resourceserver/pkg/errors"
	"github.com/fhirstore/resourceserver/pkg/heap"
)

// DataType tags the primitive shape of an index's key. The Resource
// Store only ever keys by string (the resource id inside the table named
// for its type, or the interned code key "<system>|<version>|<code>" in
// the "$codes" table), but the type survives from the
// teacher's generic key-value engine so the checkpoint format keeps its
// self-describing key tag.
type DataType int

const (
	TypeInt DataType = iota
	TypeVarchar
	TypeBoolean
	TypeFloat
	TypeDate
)

func (d DataType) String() string {
	return [...]string{"INT", "VARCHAR", "BOOL", "FLOAT", "DATE"}[d]
}

// Index is a single B+Tree keyed lookup over a Table's heap offsets.
type Index struct {
	Name    string
	Primary bool
	Type    DataType
	Tree    *btree.BPlusTree
}

// Table is one keyspace of the Resource Store: either a FHIR resource
// type ("Patient", "Observation", ...) or the reserved "$codes" space
// used by Code Interning. Every Table owns its own segmented heap so
// that one resource type's version chains never interleave with
// another's on disk.
type Table struct {
	Name string
	Heap *heap.HeapManager
	mu   sync.RWMutex
	// Indices always contains exactly one entry, "id", keyed by
	// types.VarcharKey. The map survives from the teacher's
	// multi-index design so a future composite index (e.g. a search
	// parameter) can be added without reshaping Table.
	Indices map[string]*Index
}

func (t *Table) Lock()    { t.mu.Lock() }
func (t *Table) Unlock()  { t.mu.Unlock() }
func (t *Table) RLock()   { t.mu.RLock() }
func (t *Table) RUnlock() { t.mu.RUnlock() }

// GetIndex returns the table's single "id" index.
func (t *Table) GetIndex(name string) (*Index, error) {
	idx, ok := t.Indices[name]
	if !ok {
		return nil, &errors.IndexNotFoundError{Name: name}
	}
	return idx, nil
}

// TableMetaData is the registry of Tables known to the Resource Store.
// Unlike the teacher's engine, tables are created lazily on first write
// to a resource type: the store has no fixed schema to declare them
// against up front.
type TableMetaData struct {
	mu       sync.RWMutex
	tables   map[string]*Table
	heapDir  string
	btreeT   int
}

func NewTableMetaData(heapDir string, btreeT int) *TableMetaData {
	return &TableMetaData{
		tables:  make(map[string]*Table),
		heapDir: heapDir,
		btreeT:  btreeT,
	}
}

// GetTableByName returns an existing table, or *errors.TableNotFoundError.
func (tb *TableMetaData) GetTableByName(name string) (*Table, error) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	table, ok := tb.tables[name]
	if !ok {
		return nil, &errors.TableNotFoundError{Name: name}
	}
	return table, nil
}

// GetOrCreateTable returns the table for name, creating its heap file
// and primary "id" index on first use.
func (tb *TableMetaData) GetOrCreateTable(name string) (*Table, error) {
	tb.mu.RLock()
	table, ok := tb.tables[name]
	tb.mu.RUnlock()
	if ok {
		return table, nil
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()
	if table, ok := tb.tables[name]; ok {
		return table, nil
	}

	heapPath := filepath.Join(tb.heapDir, name)
	hm, err := heap.NewHeapManager(heapPath)
	if err != nil {
		return nil, fmt.Errorf("open heap for table %q: %w", name, err)
	}

	table = &Table{
		Name: name,
		Heap: hm,
		Indices: map[string]*Index{
			"id": {
				Name:    "id",
				Primary: true,
				Type:    TypeVarchar,
				Tree:    btree.NewUniqueTree(tb.btreeT),
			},
		},
	}
	tb.tables[name] = table
	return table, nil
}

// ListTables returns the known table names; order is unspecified.
func (tb *TableMetaData) ListTables() []string {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	names := make([]string, 0, len(tb.tables))
	for name := range tb.tables {
		names = append(names, name)
	}
	return names
}
