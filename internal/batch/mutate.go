package batch

import (
	"github.com/fhirstore/resourceserver/internal/bundle"
	"github.com/fhirstore/resourceserver/internal/fhirerr"
	"github.com/fhirstore/resourceserver/internal/fhirmodel"
	"github.com/fhirstore/resourceserver/internal/searchoracle"
	"github.com/fhirstore/resourceserver/internal/txctx"
	"github.com/fhirstore/resourceserver/internal/version"
	"github.com/fhirstore/resourceserver/pkg/storage"
)

// writeOutcome is what mutate.go resolves for one write entry before the
// commit phase: either a storage.Mutation to include in the batch, a
// conditional-create match to point the response at instead, or a
// no-op delete.
type writeOutcome struct {
	index        int
	resourceType string
	id           string
	deleteNoop   bool
	isDelete     bool
	isCreate     bool
	storageDoc   []byte // the document as written, for representation responses
	match        *searchoracle.Match
}

// buildEntryMutations resolves one PUT/POST/DELETE entry into zero or
// more storage.Mutation values (the resource's own write plus any code
// entities it references that are not yet interned) and a writeOutcome
// the response assembler later joins against storage.WriteResult.Applied.
func (p *Processor) buildEntryMutations(ctx *txctx.Context, e *bundle.ParsedEntry, key txctx.ResourceKey, match *searchoracle.Match, internedSeen map[string]bool) ([]storage.Mutation, writeOutcome, *fhirerr.Error) {
	out := writeOutcome{index: e.Index, resourceType: key.Type, id: key.ID, match: match}

	if match != nil {
		return nil, out, nil // conditional create skipped the write entirely
	}

	switch e.Method {
	case "DELETE":
		return p.buildDeleteMutation(e, key, out)
	case "POST", "PUT":
		return p.buildUpsertMutation(ctx, e, key, out, internedSeen)
	default:
		return nil, out, nil
	}
}

func (p *Processor) buildDeleteMutation(e *bundle.ParsedEntry, key txctx.ResourceKey, out writeOutcome) ([]storage.Mutation, writeOutcome, *fhirerr.Error) {
	_, env, found, err := p.Store.CurrentState(key.Type, key.ID)
	if err != nil {
		return nil, out, fhirerr.Wrap(fhirerr.Fault, "", err, "read current state failed")
	}
	if !found || env.Deleted {
		out.deleteNoop = true
		return nil, out, nil
	}
	out.isDelete = true
	ver := env.Version
	return []storage.Mutation{{
		ResourceType:    key.Type,
		ID:              key.ID,
		Delete:          true,
		ExpectedVersion: &ver,
	}}, out, nil
}

func (p *Processor) buildUpsertMutation(ctx *txctx.Context, e *bundle.ParsedEntry, key txctx.ResourceKey, out writeOutcome, internedSeen map[string]bool) ([]storage.Mutation, writeOutcome, *fhirerr.Error) {
	newRes, err := parseBody(e.ResourceBody)
	if err != nil {
		return nil, out, err.(*fhirerr.Error)
	}
	newRes.ID = key.ID

	localIDs, lerr := localIDsOf(newRes)
	if lerr != nil {
		return nil, out, lerr.(*fhirerr.Error)
	}
	ctx.SetLocalIDs(localIDs)

	diff, found, rawVersion, derr := diffAgainstStored(ctx, p.Store, key.Type, key.ID, newRes.Fields)
	if derr != nil {
		if fe, ok := derr.(*fhirerr.Error); ok {
			return nil, out, fe.AtExpression(entryExpr(e.Index, "resource"))
		}
		return nil, out, fhirerr.Wrap(fhirerr.Fault, "", derr, "diff failed")
	}

	if e.Method == "PUT" && e.IfMatch != "" {
		if !found {
			return nil, out, fhirerr.Newf(fhirerr.Conflict, "conflict", "Precondition %q failed on %q: resource does not exist.", e.IfMatch, key.Type+"/"+key.ID)
		}
		if version.ETag(rawVersion) != e.IfMatch {
			return nil, out, precondition(e.IfMatch, key.Type+"/"+key.ID)
		}
	}

	var muts []storage.Mutation
	codeMuts, cerr := internMutations(p.Interner, diff.Codes, internedSeen)
	if cerr != nil {
		return nil, out, fhirerr.Wrap(fhirerr.Fault, "", cerr, "code interning failed")
	}
	muts = append(muts, codeMuts...)

	storedRes := fhirmodel.Resource{ResourceType: key.Type, ID: key.ID, Fields: diff.Fields}
	doc, merr := storedRes.ToStorageJSON()
	if merr != nil {
		return nil, out, fhirerr.Wrap(fhirerr.Fault, "", merr, "marshal resource failed")
	}

	m := storage.Mutation{ResourceType: key.Type, ID: key.ID, NewDoc: doc}
	if found {
		ver := rawVersion
		m.ExpectedVersion = &ver
	} else {
		out.isCreate = true
		m.RequireAbsent = true
		m.CreationMode = version.ServerAssigned
		if e.Method == "PUT" {
			m.CreationMode = version.ClientAssigned
		}
	}
	muts = append(muts, m)
	out.storageDoc = doc

	return muts, out, nil
}
