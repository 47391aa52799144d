package upsert

import (
	"fmt"

	"github.com/fhirstore/resourceserver/internal/codeintern"
	"github.com/fhirstore/resourceserver/internal/element"
	"github.com/fhirstore/resourceserver/internal/fhirerr"
	"github.com/fhirstore/resourceserver/internal/fhirmodel"
	"github.com/fhirstore/resourceserver/internal/txctx"
)

// Lookup resolves whether a literal reference target currently exists,
// so the Upsert Engine can enforce referential integrity (SPEC_FULL.md
// §4.3 step 5) without owning a Resource Store handle itself.
type Lookup interface {
	Exists(resourceType, id string) (bool, error)
}

// Result is one resource's diff outcome: the merged field set to store,
// the terminology triples that need interning first, and whether
// anything actually changed (feeds the no-op-update Open Question
// decision, SPEC_FULL.md §9 — see DESIGN.md).
type Result struct {
	Fields  map[string]any
	Codes   []codeintern.Triple
	Changed bool
}

// Diff walks resourceType's declared schema (internal/element), pairing
// every element of oldFields against newFields, and reports the merged
// document (with references resolved and rewritten) plus every code
// entity it found along the way.
// oldFields is nil for a create. ctx scopes contained-resource ("#id")
// resolution to the entry currently being processed; the caller must
// have already called ctx.SetLocalIDs with newFields's own contained
// resources before calling Diff.
func Diff(ctx *txctx.Context, resourceType string, oldFields, newFields map[string]any, lookup Lookup) (Result, error) {
	schema := element.Lookup(resourceType)
	if len(schema) == 0 {
		// Fallback (SPEC_FULL.md §9): unrecognized types round-trip as an
		// opaque element tree — no code/reference extraction, replace
		// whole-document semantics only.
		return Result{Fields: newFields, Changed: !canonicalEqual(oldFields, newFields)}, nil
	}

	w := &walker{ctx: ctx, lookup: lookup}
	merged, changed, err := w.walkSchema(schema, oldFields, newFields)
	if err != nil {
		return Result{}, err
	}
	return Result{Fields: merged, Codes: w.codes, Changed: changed}, nil
}

type walker struct {
	ctx    *txctx.Context
	lookup Lookup
	codes  []codeintern.Triple
}

func (w *walker) walkSchema(schema element.Schema, oldFields, newFields map[string]any) (map[string]any, bool, error) {
	merged := make(map[string]any)
	changed := false

	for _, d := range schema {
		dChanged, err := w.walkDescriptor(d, oldFields, newFields, merged)
		if err != nil {
			return nil, false, err
		}
		changed = changed || dChanged
	}

	// Elements the schema does not declare are carried over verbatim, so
	// the merged document keeps the whole incoming JSON.
	for k, v := range newFields {
		if _, walked := merged[k]; walked {
			continue
		}
		merged[k] = v
		if ov, ok := oldFields[k]; !ok || !canonicalEqual(ov, v) {
			changed = true
		}
	}
	for k := range oldFields {
		if _, kept := newFields[k]; !kept {
			changed = true
		}
	}
	return merged, changed, nil
}

// walkDescriptor resolves d's effective old/new value (accounting for
// choice-typed keys), dispatches by cardinality/primitive-vs-composite,
// and writes the merged result into merged under the same key it was
// read from. It reports whether this element differs between old and
// new.
func (w *walker) walkDescriptor(d element.Descriptor, oldFields, newFields, merged map[string]any) (bool, error) {
	newKey, newVal, newPresent, variant := resolveValue(d, newFields)
	_, oldVal, oldPresent, _ := resolveValue(d, oldFields)

	if !newPresent {
		return oldPresent, nil // retracted (or never present)
	}

	// A choice-typed element (value[x]) dispatches on the matched
	// variant's own shape, not d.Primitive: "value" itself is declared
	// neither primitive nor composite, since which one applies depends on
	// which suffix ("Quantity" vs "string") is actually present.
	composite := !d.Primitive
	if len(d.Choice) > 0 {
		composite = choiceIsComposite(variant)
	}

	switch {
	case d.Cardinality == element.CardMany && composite:
		items, changed, err := w.walkCompositeMany(d, oldVal, newVal)
		if err != nil {
			return false, err
		}
		merged[newKey] = items
		return changed, nil

	case d.Cardinality == element.CardMany && !composite:
		resolved := newVal
		if d.IsReference {
			var err error
			resolved, err = w.resolveReferenceMany(newVal)
			if err != nil {
				return false, err
			}
		}
		merged[newKey] = resolved
		return !oldPresent || !canonicalEqual(oldVal, newVal), nil

	case composite: // composite, card one
		instance, _ := asObject(newVal)
		oldInstance, _ := asObject(oldVal)
		mergedInstance, changed, err := w.walkComposite(d, oldInstance, instance)
		if err != nil {
			return false, err
		}
		merged[newKey] = mergedInstance
		return changed || !oldPresent, nil

	default: // primitive, card one
		resolved := newVal
		if d.IsReference {
			var err error
			resolved, err = w.resolveReferenceOne(newVal)
			if err != nil {
				return false, err
			}
		}
		merged[newKey] = resolved
		return !oldPresent || !canonicalEqual(oldVal, newVal), nil
	}
}

// choiceIsComposite reports whether a value[x] variant suffix names a
// FHIR complex type (Quantity, CodeableConcept, ...) rather than a
// primitive (string, boolean, integer, ...): by FHIR convention complex
// type names are capitalized and primitive type names are not.
func choiceIsComposite(variant string) bool {
	return variant != "" && variant[0] >= 'A' && variant[0] <= 'Z'
}

// resolveValue finds the JSON key holding d on fields: for a plain
// element that's just d.Name; for a choice-typed element (value[x]) it
// is whichever d.ChoiceKey(variant) is present, in declared order. The
// returned variant is the matched Choice suffix ("" for a non-choice
// descriptor), needed by the caller to dispatch primitive vs. composite.
func resolveValue(d element.Descriptor, fields map[string]any) (key string, value any, present bool, variant string) {
	if fields == nil {
		if len(d.Choice) > 0 {
			return d.ChoiceKey(d.Choice[0]), nil, false, d.Choice[0]
		}
		return d.Name, nil, false, ""
	}
	if len(d.Choice) == 0 {
		v, ok := fields[d.Name]
		return d.Name, v, ok, ""
	}
	for _, v := range d.Choice {
		k := d.ChoiceKey(v)
		if val, ok := fields[k]; ok {
			return k, val, true, v
		}
	}
	return d.ChoiceKey(d.Choice[0]), nil, false, d.Choice[0]
}

// walkComposite recursively diffs a single composite instance and, when
// its schema shape declares a (system, code) pair marked IsCode (a
// Coding), emits the interning triple for the merged instance.
func (w *walker) walkComposite(d element.Descriptor, oldInstance, newInstance map[string]any) (map[string]any, bool, error) {
	merged, changed, err := w.walkSchema(d.Composite, oldInstance, newInstance)
	if err != nil {
		return nil, false, err
	}
	if t, ok := codingTriple(d.Composite, merged); ok {
		w.codes = append(w.codes, t)
	}
	return merged, changed, nil
}

func (w *walker) walkCompositeMany(d element.Descriptor, oldVal, newVal any) ([]map[string]any, bool, error) {
	oldItems := dedupeSet(asObjectSlice(oldVal))
	newItems := dedupeSet(asObjectSlice(newVal))

	p := matchPairs(oldItems, newItems)
	merged := make([]map[string]any, len(newItems))
	changed := len(p.unmatchedOld) > 0 || len(p.unmatchedNew) > 0

	for _, pair := range p.pairs {
		m, instanceChanged, err := w.walkComposite(d, oldItems[pair[0]], newItems[pair[1]])
		if err != nil {
			return nil, false, err
		}
		merged[pair[1]] = m
		changed = changed || instanceChanged
	}
	for _, j := range p.unmatchedNew {
		m, _, err := w.walkComposite(d, nil, newItems[j])
		if err != nil {
			return nil, false, err
		}
		merged[j] = m
	}

	if d.IsReference {
		// merged[i] is always the walked counterpart of newItems[i]: both
		// the matched-pair and unmatched-new loops above index merged by
		// newItems's own index.
		for i, item := range newItems {
			raw, ok := item["reference"].(string)
			if !ok || raw == "" {
				continue
			}
			resolved, err := w.resolveReferenceString(raw)
			if err != nil {
				return nil, false, err
			}
			if resolved != raw && merged[i] != nil {
				merged[i]["reference"] = resolved
			}
		}
	}

	return merged, changed, nil
}

// codingTriple detects a Coding-shaped composite (a "system" and a
// "code" element both marked IsCode) and extracts its interning triple.
// A Coding with no code is not interned.
func codingTriple(schema element.Schema, merged map[string]any) (codeintern.Triple, bool) {
	var hasSystem, hasCode bool
	for _, d := range schema {
		if d.Name == "system" && d.IsCode {
			hasSystem = true
		}
		if d.Name == "code" && d.IsCode {
			hasCode = true
		}
	}
	if !hasSystem || !hasCode {
		return codeintern.Triple{}, false
	}
	code, _ := merged["code"].(string)
	if code == "" {
		return codeintern.Triple{}, false
	}
	system, _ := merged["system"].(string)
	ver, _ := merged["version"].(string)
	return codeintern.Triple{System: system, Version: ver, Code: code}, true
}

// resolveReferenceOne validates value's .reference and, if it targets a
// resource committed earlier in this same bundle, rewrites .reference to
// that resource's permanent "Type/ID" coordinates. value itself is never
// mutated in place; a copy carries the rewrite so the caller's input
// document stays untouched.
func (w *walker) resolveReferenceOne(value any) (any, error) {
	obj, ok := asObject(value)
	if !ok {
		return value, nil
	}
	raw, _ := obj["reference"].(string)
	if raw == "" {
		return value, nil // identifier-only (logical) reference: unresolved by design, see Open Questions
	}
	resolved, err := w.resolveReferenceString(raw)
	if err != nil {
		return nil, err
	}
	if resolved == raw {
		return value, nil
	}
	rewritten := make(map[string]any, len(obj))
	for k, v := range obj {
		rewritten[k] = v
	}
	rewritten["reference"] = resolved
	return rewritten, nil
}

func (w *walker) resolveReferenceMany(value any) (any, error) {
	items := asObjectSlice(value)
	if items == nil {
		return value, nil
	}
	out := make([]any, len(items))
	for i, item := range items {
		raw, _ := item["reference"].(string)
		if raw == "" {
			out[i] = item
			continue
		}
		resolved, err := w.resolveReferenceString(raw)
		if err != nil {
			return nil, err
		}
		if resolved == raw {
			out[i] = item
			continue
		}
		rewritten := make(map[string]any, len(item))
		for k, v := range item {
			rewritten[k] = v
		}
		rewritten["reference"] = resolved
		out[i] = rewritten
	}
	return out, nil
}

// resolveReferenceString validates raw and reports the reference string
// that should actually be stored. For every kind except an intra-bundle
// placeholder, the stored form is raw itself; for a placeholder (either
// the bare fullUrl form, or "Type/placeholder" — POST entries bind the
// tempid table under the fullUrl alone, never under "Type/<fullUrl>") it
// is the permanent "Type/ID" the Plan phase already assigned that entry,
// per spec.md §4.3 step 4's "committed coordinates replace the
// placeholder before the document is stored."
func (w *walker) resolveReferenceString(raw string) (string, error) {
	if key, ok := w.ctx.ResolveTempID(raw); ok {
		return key.String(), nil
	}

	ref := fhirmodel.ParseReference(raw)
	switch ref.Kind {
	case fhirmodel.ReferenceContained:
		if !w.ctx.HasLocalID(ref.Contained) {
			return "", fhirerr.Newf(fhirerr.Incorrect, "invalid",
				"Contained resource \"#%s\" doesn't exist.", ref.Contained)
		}
		return raw, nil
	case fhirmodel.ReferenceLiteral:
		if key, ok := w.ctx.ResolveTempID(ref.ID); ok {
			return key.String(), nil
		}
		exists, err := w.lookup.Exists(ref.Type, ref.ID)
		if err != nil {
			return "", fmt.Errorf("check reference %s/%s: %w", ref.Type, ref.ID, err)
		}
		if !exists {
			return "", fhirerr.Newf(fhirerr.Conflict, "business-rule",
				"Referential integrity violated. Resource \"%s/%s\" doesn't exist.", ref.Type, ref.ID)
		}
		return raw, nil
	case fhirmodel.ReferenceLogical:
		return raw, nil // unsupported by design: resolution is silently skipped, see Open Questions
	default:
		return raw, nil
	}
}

func asObject(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asObjectSlice(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
