// Package searchoracle defines the predicate oracle the Batch Processor
// consumes to evaluate conditional create (SPEC_FULL.md §6, "Search
// Oracle interface"). The full FHIR search-parameter grammar is an
// external collaborator out of this core's scope; InMemory is a
// reference implementation covering the flat key=value query strings
// the testable scenarios in SPEC_FULL.md §8 exercise.
package searchoracle

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/fhirstore/resourceserver/internal/version"
	"github.com/fhirstore/resourceserver/pkg/query"
	"github.com/fhirstore/resourceserver/pkg/storage"
	"github.com/fhirstore/resourceserver/pkg/types"
)

// Match is one resource satisfying a search query, as needed by
// conditional create's 0/1/≥2 match decision.
type Match struct {
	Type    string
	ID      string
	Version int64
}

// Oracle evaluates a search-parameter query string against the current
// snapshot and reports how many resources match (capped for efficiency
// at 2, since conditional create only distinguishes 0/1/≥2).
type Oracle interface {
	Search(resourceType, query string) (count int, first, second *Match, err error)
}

// InMemory evaluates query strings of the form "param=value[&param=value]"
// by a full scan of the resource type's table (a lone "_id" clause seeks
// the id index instead), decoding each live resource's JSON and checking
// every clause with matchesClause. It does not implement FHIR search modifiers, chaining, or
// composite parameters — those belong to the external search-parameter
// evaluator this core treats as a collaborator.
type InMemory struct {
	store *storage.ResourceStore
}

func NewInMemory(store *storage.ResourceStore) *InMemory {
	return &InMemory{store: store}
}

func (o *InMemory) Search(resourceType, rawQuery string) (int, *Match, *Match, error) {
	clauses := parseQuery(rawQuery)

	ids, err := o.candidateIDs(resourceType, clauses)
	if err != nil {
		return 0, nil, nil, err
	}

	var matches []Match
	for _, id := range ids {
		_, env, found, err := o.store.CurrentState(resourceType, id)
		if err != nil {
			return 0, nil, nil, err
		}
		if !found || env.Deleted {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(env.Doc, &doc); err != nil {
			continue
		}
		if matchesAll(doc, clauses) {
			matches = append(matches, Match{Type: resourceType, ID: id, Version: version.Ordinal(env.Version)})
			if len(matches) >= 2 {
				break
			}
		}
	}

	// candidateIDs already yields ids in id-index key order; sorting by
	// id keeps the reported pair in that order regardless of how the
	// candidates were gathered.
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })

	switch len(matches) {
	case 0:
		return 0, nil, nil, nil
	case 1:
		return 1, &matches[0], nil, nil
	default:
		return 2, &matches[0], &matches[1], nil
	}
}

// candidateIDs narrows the id index scan using pkg/query's ScanCondition
// whenever the query names "_id" directly (FHIR's id search parameter):
// an equality clause seeks straight to the matching key instead of
// walking the whole table. Every other query shape falls back to a full
// scan, since matching on non-id fields requires decoding each document.
func (o *InMemory) candidateIDs(resourceType string, clauses []clause) ([]string, error) {
	table, err := o.store.TableFor(resourceType)
	if err != nil {
		return nil, err
	}
	idx, err := table.GetIndex("id")
	if err != nil {
		return nil, err
	}
	cursor := storage.NewCursor(idx.Tree)
	defer cursor.Close()

	cond := idClauseCondition(clauses)
	if cond == nil {
		var ids []string
		for cursor.Seek(nil); cursor.Valid(); cursor.Next() {
			ids = append(ids, string(cursor.Key().(types.VarcharKey)))
		}
		return ids, nil
	}

	var ids []string
	for cursor.Seek(cond.GetStartKey()); cursor.Valid(); cursor.Next() {
		key := cursor.Key()
		if cond.Matches(key) {
			ids = append(ids, string(key.(types.VarcharKey)))
		}
		if !cond.ShouldContinue(key) {
			break
		}
	}
	return ids, nil
}

// idClauseCondition builds an equality ScanCondition from a lone "_id"
// clause, or nil if the query doesn't name the id parameter at all (or
// names it alongside other clauses, where a full scan plus matchesAll
// is simpler than intersecting scan results).
func idClauseCondition(clauses []clause) *query.ScanCondition {
	if len(clauses) != 1 || strings.ToLower(clauses[0].param) != "_id" {
		return nil
	}
	return query.Equal(types.VarcharKey(clauses[0].value))
}

type clause struct {
	param string
	value string
}

func parseQuery(query string) []clause {
	var clauses []clause
	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		clauses = append(clauses, clause{param: kv[0], value: kv[1]})
	}
	return clauses
}

func matchesAll(doc map[string]any, clauses []clause) bool {
	for _, c := range clauses {
		if !matchesClause(doc, c) {
			return false
		}
	}
	return true
}

// matchesClause supports two shapes: a direct scalar field ("gender=male",
// "birthdate=2020") and the common "identifier=value" pattern against an
// Identifier array's .value.
func matchesClause(doc map[string]any, c clause) bool {
	if v, ok := doc[c.param]; ok {
		return scalarEquals(v, c.value)
	}

	lowerParam := strings.ToLower(c.param)
	if lowerParam == "_id" {
		return scalarEquals(doc["id"], c.value)
	}
	if lowerParam == "identifier" {
		identifiers, _ := doc["identifier"].([]any)
		for _, raw := range identifiers {
			id, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if scalarEquals(id["value"], c.value) {
				return true
			}
		}
		return false
	}
	if lowerParam == "birthdate" {
		return scalarEquals(doc["birthDate"], c.value)
	}
	return false
}

func scalarEquals(v any, want string) bool {
	switch t := v.(type) {
	case string:
		return t == want
	case bool:
		return (t && want == "true") || (!t && want == "false")
	case float64:
		return strings.TrimSuffix(strings.TrimRight(jsonNumber(t), "0"), ".") == want
	default:
		return false
	}
}

func jsonNumber(f float64) string {
	data, _ := json.Marshal(f)
	return string(data)
}
