package bundle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fhirstore/resourceserver/internal/fhirerr"
)

// ParsedEntry is one structurally valid entry: its request decomposed
// into resource type / id / history version / search query, plus the
// parsed resource body for write methods.
type ParsedEntry struct {
	Index       int
	FullUrl     string
	Method      string
	ResourceType string
	ID           string // "" for POST Type and for GET Type/search
	HistoryVID   string // only set for GET Type/id/_history/vid
	Query        string // only set for GET Type?query
	IfMatch      string
	IfNoneExist  string
	ResourceBody json.RawMessage
}

// ValidateBundle runs SPEC_FULL.md §4.5 steps 1-5. For a transaction
// bundle it stops at the first invalid entry (err is non-nil, entries
// nil) since a malformed transaction can't be planned at all. For a
// batch bundle every entry is validated independently: entries[i].err
// is set per-entry and the bundle-level err stays nil so Batch Processor
// can still emit a 200 with per-entry OperationOutcomes.
func ValidateBundle(b Bundle) (Type, []EntryOutcome, error) {
	if b.ResourceType != "Bundle" {
		return "", nil, fhirerr.New(fhirerr.Incorrect, "invalid", "Body is not a Bundle.")
	}
	bt := Type(b.Type)
	if bt != TypeBatch && bt != TypeTransaction {
		return "", nil, fhirerr.Newf(fhirerr.Incorrect, "invalid", "Bundle.type must be \"batch\" or \"transaction\", got %q.", b.Type)
	}

	outcomes := make([]EntryOutcome, len(b.Entry))
	seen := make(map[string]int) // "Type/id" -> first entry index, transaction duplicate detection

	for i, e := range b.Entry {
		parsed, err := validateEntry(i, e)
		if err != nil {
			if bt == TypeTransaction {
				return bt, nil, err.AtExpression(fmt.Sprintf("Bundle.entry[%d].request", i))
			}
			outcomes[i] = EntryOutcome{Err: err}
			continue
		}

		if bt == TypeTransaction && parsed.ID != "" {
			key := parsed.ResourceType + "/" + parsed.ID
			if _, dup := seen[key]; dup {
				return bt, nil, fhirerr.Newf(fhirerr.Incorrect, "invalid", "Duplicate resource \"%s\".", key).
					AtExpression(fmt.Sprintf("Bundle.entry[%d].request.url", i))
			}
			seen[key] = i
		}

		outcomes[i] = EntryOutcome{Entry: parsed}
	}

	return bt, outcomes, nil
}

// EntryOutcome is either a structurally valid ParsedEntry or the error
// that entry failed validation with (batch mode only; transaction mode
// never populates Err — it aborts the whole bundle instead).
type EntryOutcome struct {
	Entry *ParsedEntry
	Err   *fhirerr.Error
}

func validateEntry(i int, e Entry) (*ParsedEntry, *fhirerr.Error) {
	if e.Request == nil || e.Request.URL == "" || e.Request.Method == "" {
		return nil, fhirerr.New(fhirerr.Incorrect, "required", "Entry is missing request, request.url, or request.method.")
	}

	method := strings.ToUpper(e.Request.Method)
	if !fhirDefined[method] {
		return nil, fhirerr.Newf(fhirerr.Incorrect, "invalid", "Unknown method %q.", e.Request.Method)
	}
	if !supported[method] {
		return nil, fhirerr.Newf(fhirerr.NotSupport, "not-supported", "Unsupported method %q.", e.Request.Method)
	}

	resourceType, id, historyVID, query, perr := parseURL(e.Request.URL)
	if perr != nil {
		return nil, perr
	}

	parsed := &ParsedEntry{
		Index:        i,
		FullUrl:      e.FullUrl,
		Method:       method,
		ResourceType: resourceType,
		ID:           id,
		HistoryVID:   historyVID,
		Query:        query,
		IfMatch:      e.Request.IfMatch,
		IfNoneExist:  e.Request.IfNoneExist,
		ResourceBody: e.Resource,
	}

	switch method {
	case "POST":
		if id != "" {
			return nil, fhirerr.New(fhirerr.NotSupport, "not-allowed", "POST to Type/id is not allowed.")
		}
	case "PUT":
		if id == "" {
			return nil, fhirerr.New(fhirerr.Incorrect, "invalid", "PUT requires Type/id.")
		}
		if err := validatePutBody(e.Resource, resourceType, id); err != nil {
			return nil, err
		}
	case "DELETE":
		if id == "" {
			return nil, fhirerr.New(fhirerr.Incorrect, "invalid", "DELETE requires Type/id.")
		}
	}

	return parsed, nil
}

func validatePutBody(body json.RawMessage, wantType, wantID string) *fhirerr.Error {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return fhirerr.New(fhirerr.Incorrect, "invalid", "MSG_RESOURCE_ID_INVALID: PUT body is not a valid resource.")
	}
	gotType, _ := fields["resourceType"].(string)
	if gotType != wantType {
		return fhirerr.New(fhirerr.Incorrect, "invalid", "MSG_RESOURCE_TYPE_MISMATCH: body resourceType does not match the request URL.")
	}
	gotID, hasID := fields["id"].(string)
	if !hasID || gotID == "" {
		return fhirerr.New(fhirerr.Incorrect, "required", "MSG_RESOURCE_ID_MISSING: body is missing id.")
	}
	if !validLUIDOrClientID(gotID) {
		return fhirerr.New(fhirerr.Incorrect, "invalid", "MSG_ID_INVALID: body id is not a valid resource id.")
	}
	if gotID != wantID {
		return fhirerr.New(fhirerr.Incorrect, "invalid", "MSG_RESOURCE_ID_MISMATCH: body id does not match the request URL.")
	}
	return nil
}

// validLUIDOrClientID enforces FHIR's [A-Za-z0-9\-\.]{1,64} id grammar.
func validLUIDOrClientID(id string) bool {
	if len(id) == 0 || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

// parseURL decomposes request.url into its resourceType/id/history/query
// parts. Recognized forms: "Type", "Type/id", "Type/id/_history/vid",
// "Type?query".
func parseURL(url string) (resourceType, id, historyVID, query string, err *fhirerr.Error) {
	path := url
	if idx := strings.IndexByte(url, '?'); idx >= 0 {
		path = url[:idx]
		query = url[idx+1:]
	}

	parts := strings.Split(path, "/")
	switch len(parts) {
	case 1:
		return parts[0], "", "", query, nil
	case 2:
		return parts[0], parts[1], "", query, nil
	case 4:
		if parts[2] != "_history" {
			break
		}
		return parts[0], parts[1], parts[3], query, nil
	}
	return "", "", "", "", fhirerr.Newf(fhirerr.Incorrect, "invalid", "Malformed request url %q.", url)
}
