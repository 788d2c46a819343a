// Package model holds the physical-model state refined by the engine.
//
// Parameter values live in a flat Table keyed by encoded paramid.Path with
// float64 slots in one contiguous slice, so snapshot and restore are a single
// structural copy.
package model

import (
	"fmt"
	"math"
	"slices"

	"github.com/starford/diffit/internal/paramid"
)

// Table is a flat value table addressed by parameter path.
// A Table is not safe for concurrent use; Dictionary guards writers.
type Table struct {
	slots []float64
	paths []paramid.Path
	index map[string]int
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{index: make(map[string]int)}
}

// Len returns the number of slots.
func (t *Table) Len() int { return len(t.slots) }

// Set stores v at p, allocating a slot on first use.
func (t *Table) Set(p paramid.Path, v float64) {
	key := paramid.Encode(p)
	if i, ok := t.index[key]; ok {
		t.slots[i] = v
		return
	}
	t.index[key] = len(t.slots)
	t.slots = append(t.slots, v)
	t.paths = append(t.paths, p)
}

// Get returns the value stored at p.
func (t *Table) Get(p paramid.Path) (float64, bool) {
	return t.GetKey(paramid.Encode(p))
}

// GetKey returns the value stored under an encoded path.
func (t *Table) GetKey(key string) (float64, bool) {
	i, ok := t.index[key]
	if !ok {
		return 0, false
	}
	return t.slots[i], true
}

// Has reports whether p has a slot.
func (t *Table) Has(p paramid.Path) bool {
	_, ok := t.index[paramid.Encode(p)]
	return ok
}

// Slot returns the slot position of p for repeated fast access.
func (t *Table) Slot(p paramid.Path) (int, bool) {
	i, ok := t.index[paramid.Encode(p)]
	return i, ok
}

// SetSlot writes a value by slot position.
func (t *Table) SetSlot(i int, v float64) { t.slots[i] = v }

// ValueAt reads a value by slot position.
func (t *Table) ValueAt(i int) float64 { return t.slots[i] }

// Paths returns the slot paths in insertion order.
func (t *Table) Paths() []paramid.Path {
	return slices.Clone(t.paths)
}

// Clone returns an independent copy of t.
func (t *Table) Clone() *Table {
	idx := make(map[string]int, len(t.index))
	for k, v := range t.index {
		idx[k] = v
	}
	paths := make([]paramid.Path, len(t.paths))
	for i, p := range t.paths {
		paths[i] = paramid.Path{Block: p.Block, Group: p.Group, Index: slices.Clone(p.Index)}
	}
	return &Table{
		slots: slices.Clone(t.slots),
		paths: paths,
		index: idx,
	}
}

// Restore overwrites t with the contents of snap.
// When the layouts match only the values are copied.
func (t *Table) Restore(snap *Table) {
	if sameLayout(t, snap) {
		copy(t.slots, snap.slots)
		return
	}
	c := snap.Clone()
	t.slots, t.paths, t.index = c.slots, c.paths, c.index
}

func sameLayout(a, b *Table) bool {
	if len(a.slots) != len(b.slots) {
		return false
	}
	for i := range a.paths {
		if !a.paths[i].Equal(b.paths[i]) {
			return false
		}
	}
	return true
}

// Equal reports whether a and b hold bit-for-bit identical values at identical paths.
func Equal(a, b *Table) bool {
	if !sameLayout(a, b) {
		return false
	}
	for i := range a.slots {
		if math.Float64bits(a.slots[i]) != math.Float64bits(b.slots[i]) {
			return false
		}
	}
	return true
}

// Values returns a path → value map. Used for diffs and diagnostics.
func (t *Table) Values() map[string]float64 {
	out := make(map[string]float64, len(t.slots))
	for i, p := range t.paths {
		out[paramid.Encode(p)] = t.slots[i]
	}
	return out
}

// String implements fmt.Stringer.
func (t *Table) String() string {
	return fmt.Sprintf("model.Table{%d slots}", len(t.slots))
}
