package model

import (
	"errors"
	"fmt"
	"sync"

	"github.com/starford/diffit/internal/paramid"
)

var (
	// ErrLocked is returned when a write is attempted while another owner holds the dictionary.
	ErrLocked = errors.New("model: dictionary is locked by an active refinement")
	// ErrUnknownPath is returned for edits to a path without a slot.
	ErrUnknownPath = errors.New("model: unknown parameter path")
)

// Pattern is the measured data of one experiment. Immutable after load.
type Pattern struct {
	X     []float64 `json:"x"`
	Y     []float64 `json:"y"`
	Sigma []float64 `json:"sigma"`
}

// Len returns the number of points.
func (p *Pattern) Len() int { return len(p.X) }

// Block describes how experiments and structures relate in the forward model.
type Block struct {
	Name   string
	Phases []string // only set for experiment blocks
}

// Dictionary is the mutable model state shared by editors and the refinement engine.
//
// Writes from outside an active refinement go through Edit, which fails with
// ErrLocked while an owner holds the dictionary. The owner writes to Table
// directly; only the owner may touch Table until it releases the token.
type Dictionary struct {
	Table       *Table
	Patterns    map[string]*Pattern
	Experiments []Block
	Structures  []string

	mu    sync.Mutex
	owner string
}

// NewDictionary returns an empty dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{
		Table:    NewTable(),
		Patterns: make(map[string]*Pattern),
	}
}

// Acquire takes exclusive write ownership. The returned release func is idempotent.
func (d *Dictionary) Acquire(owner string) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owner != "" {
		return nil, fmt.Errorf("%w (owner %s)", ErrLocked, d.owner)
	}
	d.owner = owner
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.owner = ""
			d.mu.Unlock()
		})
	}, nil
}

// Owner returns the current owner or "" when unlocked.
func (d *Dictionary) Owner() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owner
}

// Edit writes a single value from outside a refinement.
func (d *Dictionary) Edit(p paramid.Path, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owner != "" {
		return fmt.Errorf("%w (owner %s)", ErrLocked, d.owner)
	}
	if !d.Table.Has(p) {
		return fmt.Errorf("%w: %s", ErrUnknownPath, p)
	}
	d.Table.Set(p, v)
	return nil
}

// Snapshot returns a private copy of the parameter table.
func (d *Dictionary) Snapshot() *Table {
	return d.Table.Clone()
}
