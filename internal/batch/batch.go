// Package batch implements the Batch/Transaction Processor of
// SPEC_FULL.md §4.5: structural validation, tempid planning, conditional
// create resolution, mutation generation via the Upsert Engine, atomic
// (transaction) or per-entry (batch) commit, and response assembly.
package batch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fhirstore/resourceserver/internal/bundle"
	"github.com/fhirstore/resourceserver/internal/codeintern"
	"github.com/fhirstore/resourceserver/internal/fhirerr"
	"github.com/fhirstore/resourceserver/internal/fhirmodel"
	"github.com/fhirstore/resourceserver/internal/logging"
	"github.com/fhirstore/resourceserver/internal/luid"
	"github.com/fhirstore/resourceserver/internal/metrics"
	"github.com/fhirstore/resourceserver/internal/response"
	"github.com/fhirstore/resourceserver/internal/searchoracle"
	"github.com/fhirstore/resourceserver/internal/txctx"
	"github.com/fhirstore/resourceserver/internal/upsert"
	"github.com/fhirstore/resourceserver/pkg/storage"
	"github.com/google/uuid"
)

// Processor wires the Resource Store, Search Oracle, code interner and
// LUID generator into the one entrypoint cmd/fhirserver calls per
// incoming bundle.
type Processor struct {
	Store    *storage.ResourceStore
	Pool     *storage.WritePool
	Oracle   searchoracle.Oracle
	Interner *codeintern.Interner
	LUID     *luid.Generator
	BaseURL  string
}

func New(store *storage.ResourceStore, baseURL string) *Processor {
	return &Processor{
		Store:    store,
		Pool:     storage.NewWritePool(store, storage.DefaultPoolWidth, storage.DefaultQueueDepth, storage.DefaultWriteTimeout),
		Oracle:   searchoracle.NewInMemory(store),
		Interner: codeintern.New(store),
		LUID:     luid.NewGenerator(0),
		BaseURL:  baseURL,
	}
}

// submitWrite routes one bundle's mutation set through the bounded write
// pool (SPEC_FULL.md §4.5/§5) rather than calling Store.WriteBatch
// directly, so a write that would block indefinitely on a saturated
// store instead fails fast with fhirerr.Busy. A Processor built without
// a Pool (tests wiring a Store directly) falls back to the direct call.
func (p *Processor) submitWrite(mutations []storage.Mutation) (storage.WriteResult, error) {
	if p.Pool == nil {
		return p.Store.WriteBatch(mutations)
	}
	return p.Pool.Submit(mutations)
}

// Close shuts down the write pool's worker goroutines. Safe to call on a
// Processor built without a Pool.
func (p *Processor) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}

// entryPlan is one write entry's resolved target key plus whether a
// conditional create matched an existing resource (in which case no
// write happens for it at all).
type entryPlan struct {
	outcome       bundle.EntryOutcome
	key           txctx.ResourceKey
	conditionalOK *searchoracle.Match // non-nil => skip write, point response at this match
}

// Process runs the whole pipeline for one request body and returns the
// response Bundle JSON plus the HTTP status to surface.
func (p *Processor) Process(body []byte, preferRepresentation bool) ([]byte, int) {
	// A time-ordered v7 UUID correlates every log line this call emits
	// with one bundle, the same generator the teacher used for row keys
	// (pkg/storage.GenerateKey), repurposed here since LUID already owns
	// resource-id generation in this domain.
	batchID, err := uuid.NewV7()
	if err != nil {
		batchID = uuid.New()
	}
	log := logging.With("batch").With().Str("batch_id", batchID.String()).Logger()

	b, err := bundle.Parse(body)
	if err != nil {
		return errorBody(err), fhirerr.StatusOf(err)
	}

	bt, outcomes, err := bundle.ValidateBundle(b)
	if err != nil {
		return errorBody(err), fhirerr.StatusOf(err)
	}

	metrics.BatchesTotal.WithLabelValues(string(bt), "started").Inc()
	start := timeNow()

	var entries []response.Entry
	var abortErr error
	if bt == bundle.TypeTransaction {
		entries, abortErr = p.processTransaction(outcomes, preferRepresentation)
	} else {
		entries = p.processBatch(outcomes, preferRepresentation)
	}

	metrics.BatchDuration.WithLabelValues(string(bt)).Observe(timeNow().Sub(start).Seconds())
	outcome := "ok"
	if abortErr != nil {
		outcome = "error"
	}
	metrics.BatchesTotal.WithLabelValues(string(bt), outcome).Inc()

	if abortErr != nil {
		// Only a transaction can abort wholesale; a batch always reports
		// 200 with per-entry outcomes (SPEC_FULL.md §4.5, "batch independence").
		status := fhirerr.StatusOf(abortErr)
		log.Warn().Int("status", status).Err(abortErr).Msg("transaction aborted")
		return errorBody(abortErr), status
	}

	respBundle := response.Bundle{
		ResourceType: "Bundle",
		Type:         string(bt) + "-response",
		Entry:        entries,
	}
	out, merr := json.Marshal(respBundle)
	if merr != nil {
		return errorBody(fhirerr.Wrap(fhirerr.Fault, "", merr, "failed to marshal response bundle")), 500
	}
	return out, 200
}

func errorBody(err error) []byte {
	oo := response.OperationOutcomeFor(err)
	data, _ := json.Marshal(oo)
	return data
}

// timeNow is the one clock read allowed in this package's control flow
// (batch/transaction instants themselves come from storage.WriteResult.TxTime).
var timeNow = time.Now

// storeLookup adapts the Resource Store to upsert.Lookup.
type storeLookup struct{ store *storage.ResourceStore }

func (l storeLookup) Exists(resourceType, id string) (bool, error) {
	_, env, found, err := l.store.CurrentState(resourceType, id)
	if err != nil {
		return false, err
	}
	return found && !env.Deleted, nil
}

func conditionalMultiMatchMessage(resourceType, query string, first, second *searchoracle.Match) string {
	return fmt.Sprintf(
		"Conditional create of a %s with query %q failed because at least the two matches %q and %q were found.",
		resourceType, query,
		fmt.Sprintf("%s/%s/_history/%d", first.Type, first.ID, first.Version),
		fmt.Sprintf("%s/%s/_history/%d", second.Type, second.ID, second.Version),
	)
}

func precondition(ifMatch, resourceRef string) *fhirerr.Error {
	return fhirerr.Newf(fhirerr.Conflict, "conflict", "Precondition %q failed on %q.", ifMatch, resourceRef)
}

func parseBody(raw json.RawMessage) (fhirmodel.Resource, error) {
	res, err := fhirmodel.ParseJSON(raw)
	if err != nil {
		return fhirmodel.Resource{}, fhirerr.Wrap(fhirerr.Incorrect, "invalid", err, "resource body is not valid JSON")
	}
	return res, nil
}

func localIDsOf(res fhirmodel.Resource) ([]string, error) {
	contained, err := res.ContainedResources()
	if err != nil {
		return nil, fhirerr.Wrap(fhirerr.Incorrect, "invalid", err, "contained resources are malformed")
	}
	ids := make([]string, 0, len(contained))
	for _, c := range contained {
		if c.ID != "" {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

func diffAgainstStored(ctx *txctx.Context, store *storage.ResourceStore, resourceType, id string, newFields map[string]any) (upsert.Result, bool, int64, error) {
	_, env, found, err := store.CurrentState(resourceType, id)
	if err != nil {
		return upsert.Result{}, false, 0, err
	}
	var oldFields map[string]any
	if found && !env.Deleted {
		var oldRes fhirmodel.Resource
		if oldRes, err = fhirmodel.ParseJSON(env.Doc); err != nil {
			return upsert.Result{}, false, 0, err
		}
		oldFields = oldRes.Fields
	}
	result, err := upsert.Diff(ctx, resourceType, oldFields, newFields, storeLookup{store})
	if err != nil {
		return upsert.Result{}, false, 0, err
	}
	return result, found, env.Version, nil
}

func internMutations(interner *codeintern.Interner, codes []codeintern.Triple, seen map[string]bool) ([]storage.Mutation, error) {
	var muts []storage.Mutation
	for _, t := range codes {
		if seen[t.EntityID()] {
			continue
		}
		m, err := interner.Intern(t)
		if err != nil {
			return nil, err
		}
		seen[t.EntityID()] = true
		if m != nil {
			muts = append(muts, *m)
		}
	}
	return muts, nil
}
