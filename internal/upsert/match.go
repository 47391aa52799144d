// Package upsert implements the Upsert Engine of SPEC_FULL.md §4.3: it
// diffs an incoming resource against its stored entity, element by
// element, and reports the merged document, the code entities that
// need interning, and whether anything changed; references are resolved
// (and failed on) during the same walk. The merged
// document itself is always the incoming JSON (FHIR PUT replaces full
// representations); what the diff buys is no-op detection, stable
// identity for repeatable composites, and a single recursive walk that
// surfaces every reference and code in the new resource.
package upsert

import (
	"encoding/json"
	"sort"
)

// matchPairs implements SPEC_FULL.md §4.3 step 3 ("stable-identity
// matching for composite card-many"): it pairs old and new instances of
// a repeating composite element to maximize content reuse, so a
// recursive diff is run on pairs instead of treating every change as a
// full retract+add.
//
// oldItems and newItems are already set-reduced (exact duplicates
// collapsed) by the caller; matchPairs returns, for each paired index,
// the (oldIndex, newIndex) pairing, plus the indices of old and new
// items left unmatched (fully retracted / fully added).
type pairing struct {
	pairs          [][2]int // [oldIndex, newIndex]
	unmatchedOld   []int
	unmatchedNew   []int
}

func matchPairs(oldItems, newItems []map[string]any) pairing {
	type candidate struct {
		oldIdx, newIdx int
		distance       int
	}

	candidates := make([]candidate, 0, len(oldItems)*len(newItems))
	for i, o := range oldItems {
		for j, n := range newItems {
			candidates = append(candidates, candidate{oldIdx: i, newIdx: j, distance: diffDistance(o, n)})
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool { return candidates[a].distance < candidates[b].distance })

	usedOld := make(map[int]bool, len(oldItems))
	usedNew := make(map[int]bool, len(newItems))
	maxPairs := len(oldItems)
	if len(newItems) < maxPairs {
		maxPairs = len(newItems)
	}

	var result pairing
	for _, c := range candidates {
		if len(result.pairs) >= maxPairs {
			break
		}
		if usedOld[c.oldIdx] || usedNew[c.newIdx] {
			continue
		}
		usedOld[c.oldIdx] = true
		usedNew[c.newIdx] = true
		result.pairs = append(result.pairs, [2]int{c.oldIdx, c.newIdx})
	}

	for i := range oldItems {
		if !usedOld[i] {
			result.unmatchedOld = append(result.unmatchedOld, i)
		}
	}
	for j := range newItems {
		if !usedNew[j] {
			result.unmatchedNew = append(result.unmatchedNew, j)
		}
	}
	return result
}

// diffDistance approximates "the would-be retract count if reused": the
// number of top-level fields that are present in only one of two
// composite instances or whose canonical JSON representation differs.
// A nested object counts as one field however much of it differs.
func diffDistance(a, b map[string]any) int {
	dist := 0
	seen := make(map[string]bool, len(a)+len(b))
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	for k := range seen {
		av, aok := a[k]
		bv, bok := b[k]
		if aok != bok {
			dist++
			continue
		}
		if !canonicalEqual(av, bv) {
			dist++
		}
	}
	return dist
}

func canonicalEqual(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

// dedupeSet collapses exact-duplicate instances (multiset -> set, per
// §4.3 step 3) and returns the reduced slice, in first-seen order.
func dedupeSet(items []map[string]any) []map[string]any {
	seen := make(map[string]bool, len(items))
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		data, err := json.Marshal(it)
		key := string(data)
		if err == nil && seen[key] {
			continue
		}
		if err == nil {
			seen[key] = true
		}
		out = append(out, it)
	}
	return out
}
