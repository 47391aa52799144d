// Package bundle holds the Bundle/Entry wire types and the structural
// validation pass of SPEC_FULL.md §4.5 step 1-5, run before the Batch
// Processor plans or commits anything.
package bundle

import (
	"encoding/json"

	"github.com/fhirstore/resourceserver/internal/fhirerr"
)

// Type is the bundle-level interaction mode.
type Type string

const (
	TypeBatch       Type = "batch"
	TypeTransaction Type = "transaction"
)

// Bundle is the wire shape of the request body this core accepts.
type Bundle struct {
	ResourceType string  `json:"resourceType"`
	Type         string  `json:"type"`
	Entry        []Entry `json:"entry"`
}

// Entry is one bundle entry: an optional resource body plus the
// request describing what to do with it.
type Entry struct {
	FullUrl  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *Request        `json:"request,omitempty"`
}

// Request is entry.request.
type Request struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	IfMatch     string `json:"ifMatch,omitempty"`
	IfNoneExist string `json:"ifNoneExist,omitempty"`
}

// Parse decodes a raw HTTP body into a Bundle without yet validating its
// structure beyond what's needed to unmarshal.
func Parse(data []byte) (Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return Bundle{}, fhirerr.Wrap(fhirerr.Incorrect, "invalid", err, "Body is not valid JSON.")
	}
	return b, nil
}

// Method is the FHIR-defined HTTP verb set entry.request.method may use.
// fhirDefined includes methods FHIR defines at all (even unsupported
// ones like PATCH); supported is the subset this core implements.
var fhirDefined = map[string]bool{"GET": true, "HEAD": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true}
var supported = map[string]bool{"GET": true, "POST": true, "PUT": true, "DELETE": true}
