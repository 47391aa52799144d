package upsert

import (
	"encoding/json"
	"testing"

	"github.com/fhirstore/resourceserver/internal/txctx"
)

type fakeLookup struct {
	exists map[string]bool
}

func (f fakeLookup) Exists(resourceType, id string) (bool, error) {
	return f.exists[resourceType+"/"+id], nil
}

func parse(t *testing.T, js string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(js), &m); err != nil {
		t.Fatalf("parse: %v", err)
	}
	return m
}

func TestDiff_CreatePatientNoOldState(t *testing.T) {
	ctx := txctx.New()
	newFields := parse(t, `{"active":true,"gender":"male","birthDate":"2020-01-01"}`)

	res, err := Diff(ctx, "Patient", nil, newFields, fakeLookup{})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if !res.Changed {
		t.Fatalf("create should always be Changed")
	}
	if res.Fields["gender"] != "male" {
		t.Fatalf("gender not carried through: %+v", res.Fields)
	}
}

func TestDiff_NoOpUpdateDetected(t *testing.T) {
	ctx := txctx.New()
	old := parse(t, `{"active":true,"gender":"male"}`)
	same := parse(t, `{"active":true,"gender":"male"}`)

	res, err := Diff(ctx, "Patient", old, same, fakeLookup{})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if res.Changed {
		t.Fatalf("identical resubmission should not be Changed")
	}
}

func TestDiff_PrimitiveFieldChanged(t *testing.T) {
	ctx := txctx.New()
	old := parse(t, `{"gender":"male"}`)
	newFields := parse(t, `{"gender":"female"}`)

	res, err := Diff(ctx, "Patient", old, newFields, fakeLookup{})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if !res.Changed {
		t.Fatalf("gender change should be Changed")
	}
	if res.Fields["gender"] != "female" {
		t.Fatalf("expected new value stored, got %+v", res.Fields["gender"])
	}
}

func TestDiff_EmitsCodeInternTripleFromCoding(t *testing.T) {
	ctx := txctx.New()
	newFields := parse(t, `{
		"status":"final",
		"code":{"coding":[{"system":"http://loinc.org","code":"8310-5","display":"Body temperature"}]}
	}`)

	res, err := Diff(ctx, "Observation", nil, newFields, fakeLookup{})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(res.Codes) != 1 {
		t.Fatalf("expected 1 code triple, got %d: %+v", len(res.Codes), res.Codes)
	}
	if res.Codes[0].System != "http://loinc.org" || res.Codes[0].Code != "8310-5" {
		t.Fatalf("unexpected triple: %+v", res.Codes[0])
	}
}

func TestDiff_ReferenceResolvesAgainstLiveStore(t *testing.T) {
	ctx := txctx.New()
	lookup := fakeLookup{exists: map[string]bool{"Patient/1": true}}
	newFields := parse(t, `{"status":"final","subject":{"reference":"Patient/1"}}`)

	if _, err := Diff(ctx, "Observation", nil, newFields, lookup); err != nil {
		t.Fatalf("Diff: %v", err)
	}
}

func TestDiff_ReferenceToMissingResourceFails(t *testing.T) {
	ctx := txctx.New()
	lookup := fakeLookup{}
	newFields := parse(t, `{"status":"final","subject":{"reference":"Patient/missing"}}`)

	_, err := Diff(ctx, "Observation", nil, newFields, lookup)
	if err == nil {
		t.Fatalf("expected referential integrity error")
	}
}

func TestDiff_ContainedReferenceResolvesAgainstLocalIDs(t *testing.T) {
	ctx := txctx.New()
	ctx.SetLocalIDs([]string{"p1"})
	newFields := parse(t, `{"status":"final","subject":{"reference":"#p1"}}`)

	if _, err := Diff(ctx, "Observation", nil, newFields, fakeLookup{}); err != nil {
		t.Fatalf("Diff: %v", err)
	}
}

func TestDiff_ContainedReferenceToUndeclaredLocalIDFails(t *testing.T) {
	ctx := txctx.New()
	ctx.SetLocalIDs([]string{"other"})
	newFields := parse(t, `{"status":"final","subject":{"reference":"#p1"}}`)

	if _, err := Diff(ctx, "Observation", nil, newFields, fakeLookup{}); err == nil {
		t.Fatalf("expected contained-resource resolution error")
	}
}

func TestDiff_TempIDReferenceResolvesWithoutLiveLookup(t *testing.T) {
	ctx := txctx.New()
	ctx.BindTempID("urn:uuid:abc", txctx.ResourceKey{Type: "Patient", ID: "7"})
	newFields := parse(t, `{"status":"final","subject":{"reference":"urn:uuid:abc"}}`)

	if _, err := Diff(ctx, "Observation", nil, newFields, fakeLookup{}); err != nil {
		t.Fatalf("Diff: %v", err)
	}
}

func TestDiff_CompositeManyStableIdentityReordersWithoutChurn(t *testing.T) {
	ctx := txctx.New()
	old := parse(t, `{"name":[{"family":"Smith","given":["Anna"]},{"family":"Doe","given":["John"]}]}`)
	newFields := parse(t, `{"name":[{"family":"Doe","given":["John"]},{"family":"Smith","given":["Anna","Marie"]}]}`)

	res, err := Diff(ctx, "Patient", old, newFields, fakeLookup{})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	names, ok := res.Fields["name"].([]map[string]any)
	if !ok || len(names) != 2 {
		t.Fatalf("expected 2 merged names, got %+v", res.Fields["name"])
	}
	if !res.Changed {
		t.Fatalf("given-name addition should be Changed")
	}
}

func TestDiff_RetractedFieldOmittedFromMerged(t *testing.T) {
	ctx := txctx.New()
	old := parse(t, `{"gender":"male","birthDate":"2020-01-01"}`)
	newFields := parse(t, `{"gender":"male"}`)

	res, err := Diff(ctx, "Patient", old, newFields, fakeLookup{})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if _, present := res.Fields["birthDate"]; present {
		t.Fatalf("retracted field should not appear in merged result")
	}
	if !res.Changed {
		t.Fatalf("retraction should be Changed")
	}
}

func TestDiff_UnknownResourceTypeFallsBackToWholeDocumentReplace(t *testing.T) {
	ctx := txctx.New()
	old := parse(t, `{"foo":"bar"}`)
	newFields := parse(t, `{"foo":"baz"}`)

	res, err := Diff(ctx, "Basic", old, newFields, fakeLookup{})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if !res.Changed || res.Fields["foo"] != "baz" {
		t.Fatalf("fallback diff mismatch: %+v", res)
	}
}
