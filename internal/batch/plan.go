package batch

import (
	"github.com/fhirstore/resourceserver/internal/bundle"
	"github.com/fhirstore/resourceserver/internal/fhirerr"
	"github.com/fhirstore/resourceserver/internal/searchoracle"
	"github.com/fhirstore/resourceserver/internal/txctx"
)

// planKeys implements SPEC_FULL.md §4.5 Plan phase: every POST draws a
// fresh LUID, every PUT keeps its client-supplied id, and both are
// registered in ctx's tempid table under their fullUrl (and, for PUT,
// under the literal "Type/id" form too) so later entries in the same
// bundle can reference a resource that has not committed yet.
func (p *Processor) planKeys(ctx *txctx.Context, outcomes []bundle.EntryOutcome) []*txctx.ResourceKey {
	keys := make([]*txctx.ResourceKey, len(outcomes))
	for i, o := range outcomes {
		if o.Entry == nil {
			continue
		}
		e := o.Entry
		var key txctx.ResourceKey
		switch e.Method {
		case "POST":
			key = txctx.ResourceKey{Type: e.ResourceType, ID: p.LUID.Next()}
		case "PUT":
			key = txctx.ResourceKey{Type: e.ResourceType, ID: e.ID}
			ctx.BindTempID(e.ResourceType+"/"+e.ID, key)
		default:
			continue
		}
		if e.FullUrl != "" {
			ctx.BindTempID(e.FullUrl, key)
		}
		keys[i] = &key
	}
	return keys
}

// resolveConditionals implements SPEC_FULL.md §4.5 "Conditional create
// resolution": every POST entry carrying ifNoneExist is checked against
// the Search Oracle before any mutation is generated. A single match
// means the create is skipped and the response points at the existing
// resource; this also means any later entry's reference to this entry's
// fullUrl must now resolve to the matched resource, not the tempid
// planKeys assigned speculatively.
//
// A ≥2-match conflict is recorded per-entry in errs rather than
// returned directly: a transaction bundle aborts on the first one it
// finds, but a batch bundle attaches it only to that entry and keeps
// resolving the rest (SPEC_FULL.md §8, "Batch independence"). The
// returned error is reserved for genuine Search Oracle failures, which
// abort either bundle kind.
func (p *Processor) resolveConditionals(ctx *txctx.Context, outcomes []bundle.EntryOutcome, keys []*txctx.ResourceKey) (matches []*searchoracle.Match, errs []*fhirerr.Error, err *fhirerr.Error) {
	matches = make([]*searchoracle.Match, len(outcomes))
	errs = make([]*fhirerr.Error, len(outcomes))
	for i, o := range outcomes {
		if o.Entry == nil || o.Entry.Method != "POST" || o.Entry.IfNoneExist == "" {
			continue
		}
		count, first, second, serr := p.Oracle.Search(o.Entry.ResourceType, o.Entry.IfNoneExist)
		if serr != nil {
			return nil, nil, fhirerr.Wrap(fhirerr.Fault, "", serr, "search oracle failed").
				AtExpression(entryExpr(o.Entry.Index, "request.ifNoneExist"))
		}
		switch count {
		case 0:
			// proceed as create with the tempid already planned
		case 1:
			matches[i] = first
			if keys[i] != nil {
				matched := txctx.ResourceKey{Type: first.Type, ID: first.ID}
				if o.Entry.FullUrl != "" {
					ctx.BindTempID(o.Entry.FullUrl, matched)
				}
				keys[i] = &matched
			}
		default:
			errs[i] = fhirerr.New(fhirerr.Conflict, "conflict",
				conditionalMultiMatchMessage(o.Entry.ResourceType, o.Entry.IfNoneExist, first, second)).
				AtExpression(entryExpr(o.Entry.Index, "request.ifNoneExist"))
		}
	}
	return matches, errs, nil
}

func entryExpr(index int, suffix string) string {
	return "Bundle.entry[" + itoa(index) + "]." + suffix
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
