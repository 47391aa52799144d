package batch

import (
	"github.com/fhirstore/resourceserver/internal/bundle"
	"github.com/fhirstore/resourceserver/internal/response"
	"github.com/fhirstore/resourceserver/internal/txctx"
	"github.com/fhirstore/resourceserver/pkg/storage"
)

// processBatch implements SPEC_FULL.md §4.5's batch phases: the same
// plan/mutate/commit/respond steps as a transaction, but each entry
// commits in its own WriteBatch call and a failure is attached to that
// entry's own response rather than aborting the bundle (SPEC_FULL.md
// §8, "Batch independence"). The bundle-level HTTP status is always 200.
func (p *Processor) processBatch(outcomes []bundle.EntryOutcome, prefer bool) []response.Entry {
	ctx := txctx.New()
	keys := p.planKeys(ctx, outcomes)
	matches, matchErrs, ferr := p.resolveConditionals(ctx, outcomes, keys)
	if ferr != nil {
		// A Search Oracle failure is infrastructural, not entry-specific:
		// every entry in the bundle fails the same way.
		entries := make([]response.Entry, len(outcomes))
		for i := range entries {
			entries[i] = response.Failed(ferr)
		}
		return entries
	}

	entries := make([]response.Entry, len(outcomes))
	internedSeen := make(map[string]bool)

	for i, o := range outcomes {
		if o.Err != nil {
			entries[i] = response.Failed(o.Err)
			continue
		}
		e := o.Entry

		if matchErrs[i] != nil {
			entries[i] = response.Failed(matchErrs[i])
			continue
		}

		if e.Method == "GET" {
			entry, rerr := p.readEntry(e, prefer)
			if rerr != nil {
				entries[i] = response.Failed(rerr)
			} else {
				entries[i] = entry
			}
			continue
		}

		var key txctx.ResourceKey
		if keys[i] != nil {
			key = *keys[i]
		}
		muts, wo, berr := p.buildEntryMutations(ctx, e, key, matches[i], internedSeen)
		if berr != nil {
			entries[i] = response.Failed(berr)
			continue
		}

		fallback := timeNow()
		var applied map[string]storage.AppliedMutation
		if len(muts) > 0 {
			result, err := p.submitWrite(muts)
			if err != nil {
				entries[i] = response.Failed(err)
				continue
			}
			fallback = result.TxTime
			applied = make(map[string]storage.AppliedMutation, len(result.Applied))
			for _, am := range result.Applied {
				applied[am.ResourceType+"/"+am.ID] = am
			}
		}

		entry, aerr := p.assembleWriteEntry(wo, applied, prefer, fallback)
		if aerr != nil {
			entries[i] = response.Failed(aerr)
			continue
		}
		entries[i] = entry
	}

	return entries
}
