// Package luid generates Locally Unique IDs: fixed-length, lexicographically
// sortable identifiers assigned to server-assigned resources created by
// POST. A Generator is deterministic when seeded, so tests can assert on
// exact ids the way SPEC_FULL.md's scenarios do.
package luid

import (
	"strings"
	"sync"
)

const (
	// Length is the fixed width of every generated id.
	Length   = 16
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

var base = uint64(len(alphabet))

// Generator draws sequential LUIDs from a monotonic counter. The zero
// value is not usable; construct with NewGenerator.
type Generator struct {
	mu      sync.Mutex
	counter uint64
}

// NewGenerator seeds the generator's counter. Seed 0 reproduces the
// textbook sequence AAAAAAAAAAAAAAAB, AAAAAAAAAAAAAAAC, ...
func NewGenerator(seed uint64) *Generator {
	return &Generator{counter: seed}
}

// Next returns the next id in sequence and advances the counter.
func (g *Generator) Next() string {
	g.mu.Lock()
	g.counter++
	v := g.counter
	g.mu.Unlock()
	return encode(v)
}

// encode renders v as a fixed-width, left-zero-padded base-26 string
// over A-Z (A = 0), so successive values sort lexicographically in the
// same order as numerically.
func encode(v uint64) string {
	var b strings.Builder
	b.Grow(Length)
	digits := make([]byte, 0, Length)
	if v == 0 {
		digits = append(digits, alphabet[0])
	}
	for v > 0 {
		digits = append(digits, alphabet[v%base])
		v /= base
	}
	for i := len(digits); i < Length; i++ {
		b.WriteByte(alphabet[0])
	}
	for i := len(digits) - 1; i >= 0; i-- {
		b.WriteByte(digits[i])
	}
	return b.String()
}
