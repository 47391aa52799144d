// Package fhirmodel holds the generic, schema-driven representation the
// Upsert Engine walks: a FHIR resource is a tagged JSON object rather
// than a per-type struct, with a descriptor table (internal/element)
// supplying the shape of each declared element.
package fhirmodel

import (
	"encoding/json"
	"fmt"
)

// Resource is a parsed FHIR resource body: a JSON object keyed by
// element name, with resourceType/id pulled out for convenience. ParseJSON
// leaves meta (minus versionId/lastUpdated) in Fields and does not fill Meta.
// Elements without a declared descriptor (internal/element.Schema) are
// still carried in Fields verbatim, so an unrecognized resource type
// still round-trips losslessly.
type Resource struct {
	ResourceType string
	ID           string
	Meta         Meta
	Fields       map[string]any
}

// Meta mirrors the handful of Resource.meta sub-fields this store
// manages itself; versionId and lastUpdated are always server-assigned
// and stripped from incoming bodies before diffing (SPEC_FULL.md §4.3).
type Meta struct {
	VersionID   string `json:"versionId,omitempty"`
	LastUpdated string `json:"lastUpdated,omitempty"`
}

// Reference is a parsed Reference.reference value, classified into
// exactly one of its three supported shapes.
type Reference struct {
	Kind ReferenceKind
	// Contained holds the local-id for Kind == ReferenceContained
	// ("#patient-1" -> "patient-1").
	Contained string
	// Type/ID hold the literal reference target for Kind == ReferenceLiteral.
	Type string
	ID   string
	// Raw is the original string, kept for diagnostics.
	Raw string
}

type ReferenceKind int

const (
	ReferenceUnknown ReferenceKind = iota
	ReferenceContained
	ReferenceLiteral
	ReferenceLogical // Reference.identifier without .reference; unsupported, see SPEC_FULL.md Open Questions.
)

// ParseReference classifies a Reference.reference string.
func ParseReference(raw string) Reference {
	if raw == "" {
		return Reference{Kind: ReferenceUnknown, Raw: raw}
	}
	if raw[0] == '#' {
		return Reference{Kind: ReferenceContained, Contained: raw[1:], Raw: raw}
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] == '/' {
			return Reference{Kind: ReferenceLiteral, Type: raw[:i], ID: raw[i+1:], Raw: raw}
		}
	}
	return Reference{Kind: ReferenceUnknown, Raw: raw}
}

// ParseJSON decodes a raw FHIR resource body into a Resource, stripping
// the server-managed meta.versionId/meta.lastUpdated fields as required
// before any diff against stored state.
func ParseJSON(data []byte) (Resource, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Resource{}, fmt.Errorf("parse resource json: %w", err)
	}

	resourceType, _ := fields["resourceType"].(string)
	id, _ := fields["id"].(string)

	if metaRaw, ok := fields["meta"].(map[string]any); ok {
		delete(metaRaw, "versionId")
		delete(metaRaw, "lastUpdated")
		if len(metaRaw) == 0 {
			delete(fields, "meta")
		}
	}
	delete(fields, "resourceType")
	delete(fields, "id")

	return Resource{ResourceType: resourceType, ID: id, Fields: fields}, nil
}

// ToJSON re-assembles resourceType/id/meta and the remaining elements
// into a single wire-format object, applying the materialized version
// and lastUpdated produced by a write.
func (r Resource) ToJSON(versionOrdinal int64, lastUpdated string) ([]byte, error) {
	out := r.baseFields()
	out["meta"] = map[string]any{
		"versionId":   fmt.Sprintf("%d", versionOrdinal),
		"lastUpdated": lastUpdated,
	}
	return json.Marshal(out)
}

// ToStorageJSON marshals the resource without a meta block: the Resource
// Store's VersionEnvelope already carries the version ordinal and
// transaction instant alongside the document, so persisting them a
// second time inside Doc would let the two copies drift. ToJSON
// reassembles the presentation copy from the envelope at read time.
func (r Resource) ToStorageJSON() ([]byte, error) {
	return json.Marshal(r.baseFields())
}

func (r Resource) baseFields() map[string]any {
	out := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["resourceType"] = r.ResourceType
	if r.ID != "" {
		out["id"] = r.ID
	}
	return out
}

// ContainedResources returns the parsed value of the "contained" array,
// one Resource per entry, matched later by local id during upsert.
func (r Resource) ContainedResources() ([]Resource, error) {
	raw, ok := r.Fields["contained"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("contained is not an array")
	}
	out := make([]Resource, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("contained entry is not an object")
		}
		data, err := json.Marshal(obj)
		if err != nil {
			return nil, err
		}
		parsed, err := ParseJSON(data)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}
