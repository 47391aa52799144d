package batch

import (
	"github.com/fhirstore/resourceserver/internal/bundle"
	"github.com/fhirstore/resourceserver/internal/fhirerr"
	"github.com/fhirstore/resourceserver/internal/response"
	"github.com/fhirstore/resourceserver/internal/txctx"
	"github.com/fhirstore/resourceserver/pkg/storage"
)

// processTransaction implements SPEC_FULL.md §4.5's transaction phases:
// Plan, conditional create resolution, mutation generation, a single
// atomic Commit, then response assembly. Any failure at any phase
// aborts the whole bundle with no durable effect (the Resource Store's
// own WriteBatch never sees a partial mutation set).
func (p *Processor) processTransaction(outcomes []bundle.EntryOutcome, prefer bool) ([]response.Entry, error) {
	ctx := txctx.New()
	keys := p.planKeys(ctx, outcomes)

	matches, matchErrs, ferr := p.resolveConditionals(ctx, outcomes, keys)
	if ferr != nil {
		return nil, ferr
	}
	for _, e := range matchErrs {
		if e != nil {
			return nil, e
		}
	}

	internedSeen := make(map[string]bool)
	var allMuts []storage.Mutation
	writeOutcomes := make(map[int]writeOutcome)
	reads := make(map[int]response.Entry)

	for i, o := range outcomes {
		e := o.Entry // transaction mode: ValidateBundle already guaranteed every entry parsed, o.Err is never set
		if e.Method == "GET" {
			entry, rerr := p.readEntry(e, prefer)
			if rerr != nil {
				return nil, rerr
			}
			reads[i] = entry
			continue
		}

		var key txctx.ResourceKey
		if keys[i] != nil {
			key = *keys[i]
		}
		muts, wo, berr := p.buildEntryMutations(ctx, e, key, matches[i], internedSeen)
		if berr != nil {
			return nil, berr
		}
		writeOutcomes[i] = wo
		allMuts = append(allMuts, muts...)
	}

	result, err := p.submitWrite(allMuts)
	if err != nil {
		return nil, err
	}

	applied := make(map[string]storage.AppliedMutation, len(result.Applied))
	for _, am := range result.Applied {
		applied[am.ResourceType+"/"+am.ID] = am
	}

	entries := make([]response.Entry, len(outcomes))
	for i := range outcomes {
		if entry, ok := reads[i]; ok {
			entries[i] = entry
			continue
		}
		wo := writeOutcomes[i]
		entry, aerr := p.assembleWriteEntry(wo, applied, prefer, result.TxTime)
		if aerr != nil {
			return nil, fhirerr.Wrap(fhirerr.Fault, "", aerr, "failed to assemble response entry")
		}
		entries[i] = entry
	}
	return entries, nil
}
