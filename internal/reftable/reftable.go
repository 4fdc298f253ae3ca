// Package reftable implements the per-call back reference tables used by the
// AMF codecs.
package reftable

import (
	"fmt"

	"github.com/DMA-Software/dma-goamf/pkg/amf"
)

// Table assigns sequential indices to values in first-seen order. Encoders
// look values up by key (pointer identity or value equality, depending on
// K); decoders append materialised values and resolve indices. A Table
// belongs to a single encode or decode call.
type Table[K comparable, V any] struct {
	index  map[K]int
	values []V
}

func New[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{index: make(map[K]int)}
}

// LookupOrInsert returns the index of key if it was registered before.
// Otherwise it registers key with v and reports found == false, telling the
// caller to write the value in full.
func (t *Table[K, V]) LookupOrInsert(key K, v V) (index int, found bool) {
	if i, ok := t.index[key]; ok {
		return i, true
	}
	t.index[key] = len(t.values)
	t.values = append(t.values, v)
	return len(t.values) - 1, false
}

// Add registers a decoded value and returns its index.
func (t *Table[K, V]) Add(v V) int {
	t.values = append(t.values, v)
	return len(t.values) - 1
}

// Set replaces the value at an index handed out by Add. Decoders use it when
// the final value is only known after its children are read.
func (t *Table[K, V]) Set(index int, v V) {
	t.values[index] = v
}

// At resolves a back reference.
func (t *Table[K, V]) At(index int) (V, error) {
	if index < 0 || index >= len(t.values) {
		var zero V
		return zero, fmt.Errorf("%w: reference %d out of %d", amf.ErrMalformed, index, len(t.values))
	}
	return t.values[index], nil
}

func (t *Table[K, V]) Len() int {
	return len(t.values)
}

func (t *Table[K, V]) Reset() {
	clear(t.index)
	t.values = t.values[:0]
}
