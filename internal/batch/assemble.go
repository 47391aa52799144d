package batch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fhirstore/resourceserver/internal/bundle"
	"github.com/fhirstore/resourceserver/internal/fhirerr"
	"github.com/fhirstore/resourceserver/internal/fhirmodel"
	"github.com/fhirstore/resourceserver/internal/response"
	"github.com/fhirstore/resourceserver/internal/version"
	"github.com/fhirstore/resourceserver/pkg/storage"
)

// assembleWriteEntry turns one resolved writeOutcome into its response
// entry, joining against the commit's applied mutations (for real
// writes) or re-reading the live store (for a conditional-create match).
func (p *Processor) assembleWriteEntry(wo writeOutcome, applied map[string]storage.AppliedMutation, prefer bool, fallbackTime time.Time) (response.Entry, error) {
	if wo.match != nil {
		_, env, found, err := p.Store.CurrentState(wo.match.Type, wo.match.ID)
		if err != nil {
			return response.Entry{}, err
		}
		var resource json.RawMessage
		if prefer && found {
			if r, err := renderResource(env); err == nil {
				resource = r
			}
		}
		lastMod := fallbackTime.UTC().Format(time.RFC3339)
		if found {
			lastMod = env.TxTime.Format(time.RFC3339)
		}
		return response.Updated(p.BaseURL, wo.match.Type, wo.match.ID, env.Version, lastMod, resource), nil
	}

	if wo.deleteNoop {
		return response.Deleted(fallbackTime.UTC().Format(time.RFC3339)), nil
	}

	key := wo.resourceType + "/" + wo.id
	am, ok := applied[key]
	if !ok {
		return response.Entry{}, fhirerr.Newf(fhirerr.Fault, "", "internal: no applied mutation for %s", key)
	}

	if wo.isDelete {
		return response.Deleted(am.TxTime.Format(time.RFC3339)), nil
	}

	var resource json.RawMessage
	if prefer {
		if res, perr := fhirmodel.ParseJSON(wo.storageDoc); perr == nil {
			if rendered, rerr := res.ToJSON(version.Ordinal(am.Version), am.TxTime.Format(time.RFC3339)); rerr == nil {
				resource = rendered
			}
		}
	}

	lastMod := am.TxTime.Format(time.RFC3339)
	if wo.isCreate {
		return response.Created(p.BaseURL, wo.resourceType, wo.id, am.Version, lastMod, resource), nil
	}
	return response.Updated(p.BaseURL, wo.resourceType, wo.id, am.Version, lastMod, resource), nil
}

func renderResource(env storage.VersionEnvelope) (json.RawMessage, error) {
	res, err := fhirmodel.ParseJSON(env.Doc)
	if err != nil {
		return nil, err
	}
	return res.ToJSON(version.Ordinal(env.Version), env.TxTime.Format(time.RFC3339))
}

// readEntry resolves a GET entry against the live store, independent of
// any pending write in this bundle (SPEC_FULL.md §4.5, "Internal
// read/search in batch").
func (p *Processor) readEntry(e *bundle.ParsedEntry, prefer bool) (response.Entry, *fhirerr.Error) {
	if e.ID == "" {
		return response.Entry{}, fhirerr.Newf(fhirerr.NotSupport, "not-supported", "search GET %q is not implemented by this core.", e.ResourceType)
	}

	var env storage.VersionEnvelope
	var found bool
	var err error
	if e.HistoryVID != "" {
		var vid int64
		if _, serr := fmt.Sscanf(e.HistoryVID, "%d", &vid); serr != nil {
			return response.Entry{}, fhirerr.Newf(fhirerr.Incorrect, "invalid", "invalid history version %q", e.HistoryVID)
		}
		env, found, err = p.Store.ReadAsOf(e.ResourceType, e.ID, vid)
	} else {
		_, env, found, err = p.Store.CurrentState(e.ResourceType, e.ID)
	}
	if err != nil {
		return response.Entry{}, fhirerr.Wrap(fhirerr.Fault, "", err, "read failed")
	}
	if !found || env.Deleted {
		return response.Entry{}, fhirerr.Newf(fhirerr.NotFound, "not-found", "Resource %q doesn't exist.", e.ResourceType+"/"+e.ID)
	}

	var resource json.RawMessage
	if r, rerr := renderResource(env); rerr == nil {
		resource = r
	}
	return response.Read(p.BaseURL, e.ResourceType, e.ID, env.Version, env.TxTime.Format(time.RFC3339), resource), nil
}
