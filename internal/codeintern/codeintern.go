// Package codeintern implements terminology code interning
// (SPEC_FULL.md §4.4): every (system, version, code) triple a resource
// references is stored once, under the reserved "$codes" table, and
// reused by every resource that cites it.
package codeintern

import (
	"fmt"

	"github.com/fhirstore/resourceserver/pkg/storage"
)

// TableName is the reserved keyspace code entities live in, kept out of
// the normal resource-type namespace the same way the Batch Processor
// keeps tempids out of the permanent id space.
const TableName = "$codes"

// Triple is a single terminology reference.
type Triple struct {
	System  string
	Version string
	Code    string
}

// EntityID is the interned entity's id within TableName: "<system>|<version>|<code>".
func (t Triple) EntityID() string {
	return fmt.Sprintf("%s|%s|%s", t.System, t.Version, t.Code)
}

// Interner is backed by the Resource Store's usual CAS write path.
// Intern is checked once per bundle immediately before the enclosing
// WriteBatch call, so the only race is against a concurrent, different
// bundle interning the same triple in between; a losing Intern call
// surfaces that race as a RequireAbsent conflict on the interned
// mutation rather than on the caller's own resources, per SPEC_FULL.md
// §5 ("idempotent under concurrent inserts").
type Interner struct {
	store *storage.ResourceStore
}

func New(store *storage.ResourceStore) *Interner {
	return &Interner{store: store}
}

// Intern returns the mutation needed to create t's entity if it does not
// already exist, or nil if it is already interned. The caller folds this
// mutation into the enclosing transaction's mutation set ahead of the
// resources that reference it, per SPEC_FULL.md §4.4 ("emit the create
// first").
func (in *Interner) Intern(t Triple) (*storage.Mutation, error) {
	_, _, found, err := in.store.CurrentState(TableName, t.EntityID())
	if err != nil {
		return nil, fmt.Errorf("lookup code entity %q: %w", t.EntityID(), err)
	}
	if found {
		return nil, nil
	}
	doc := []byte(fmt.Sprintf(`{"system":%q,"version":%q,"code":%q}`, t.System, t.Version, t.Code))
	return &storage.Mutation{
		ResourceType:  TableName,
		ID:            t.EntityID(),
		NewDoc:        doc,
		RequireAbsent: true,
	}, nil
}
