// Package response implements the Response Assembler of SPEC_FULL.md
// §4.7: per-entry status/location/etag/lastModified/resource, and the
// OperationOutcome shape used both for per-entry batch failures and for
// transaction-level aborts.
package response

import (
	"encoding/json"
	"fmt"

	"github.com/fhirstore/resourceserver/internal/fhirerr"
	"github.com/fhirstore/resourceserver/internal/version"
)

// Bundle is the response wire shape: type is "<input-type>-response".
type Bundle struct {
	ResourceType string  `json:"resourceType"`
	Type         string  `json:"type"`
	Entry        []Entry `json:"entry"`
}

// Entry is one response bundle entry.
type Entry struct {
	Resource json.RawMessage `json:"resource,omitempty"`
	Response EntryResponse   `json:"response"`
}

// EntryResponse is entry.response per FHIR's Bundle.entry.response shape.
type EntryResponse struct {
	Status       string `json:"status"`
	Location     string `json:"location,omitempty"`
	Etag         string `json:"etag,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
	Outcome      json.RawMessage `json:"outcome,omitempty"`
}

// Created builds a 201 entry for a resource written for the first time.
func Created(baseURL, resourceType, id string, rawVersion int64, lastModified string, resource json.RawMessage) Entry {
	return write(baseURL, "201", resourceType, id, rawVersion, lastModified, resource)
}

// Updated builds a 200 entry for a resource written over an existing one.
func Updated(baseURL, resourceType, id string, rawVersion int64, lastModified string, resource json.RawMessage) Entry {
	return write(baseURL, "200", resourceType, id, rawVersion, lastModified, resource)
}

// Deleted builds a 204 entry for a successful delete.
func Deleted(lastModified string) Entry {
	return Entry{Response: EntryResponse{Status: "204", LastModified: lastModified}}
}

// Read builds a 200 entry for a GET interaction.
func Read(baseURL, resourceType, id string, rawVersion int64, lastModified string, resource json.RawMessage) Entry {
	e := write(baseURL, "200", resourceType, id, rawVersion, lastModified, resource)
	return e
}

func write(baseURL, status, resourceType, id string, rawVersion int64, lastModified string, resource json.RawMessage) Entry {
	ordinal := version.Ordinal(rawVersion)
	return Entry{
		Resource: resource,
		Response: EntryResponse{
			Status:       status,
			Location:     fmt.Sprintf("%s/%s/%s/_history/%d", baseURL, resourceType, id, ordinal),
			Etag:         version.ETag(rawVersion),
			LastModified: lastModified,
		},
	}
}

// Failed builds an entry carrying an OperationOutcome for a batch entry
// that failed independently of the rest of the bundle.
func Failed(err error) Entry {
	status := fmt.Sprintf("%d", fhirerr.StatusOf(err))
	oo, _ := json.Marshal(OperationOutcomeFor(err))
	return Entry{Response: EntryResponse{Status: status, Outcome: oo}}
}

// OperationOutcome is the FHIR error-reporting resource this core emits
// for both transaction-level aborts and per-entry batch failures.
type OperationOutcome struct {
	ResourceType string  `json:"resourceType"`
	Issue        []Issue `json:"issue"`
}

// Issue is one OperationOutcome.issue entry.
type Issue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics"`
	Expression  []string `json:"expression,omitempty"`
}

// OperationOutcomeFor renders any error this core raises as an
// OperationOutcome, using the fhirerr.Error's IssueCode/Message/Expression
// when available.
func OperationOutcomeFor(err error) OperationOutcome {
	issue := Issue{Severity: "error", Code: "processing", Diagnostics: err.Error()}
	if fe, ok := err.(*fhirerr.Error); ok {
		issue.Code = fe.IssueCode
		issue.Diagnostics = fe.Message
		if fe.Expression != "" {
			issue.Expression = []string{fe.Expression}
		}
	}
	return OperationOutcome{ResourceType: "OperationOutcome", Issue: []Issue{issue}}
}
