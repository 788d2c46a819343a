// Package models defines the domain types shared across diffit packages.
package models

import (
	"encoding/json"
	"math"
	"time"

	"github.com/starford/diffit/internal/paramid"
)

// BlockKind distinguishes experiment blocks from structural model blocks.
type BlockKind string

// Block kinds.
const (
	KindExperiment BlockKind = "experiment"
	KindStructure  BlockKind = "structure"
)

// FittableParameter is one fit-eligible parameter with a back-reference to
// the block that owns it.
type FittableParameter struct {
	Path  paramid.Path `json:"-"`
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	Value float64      `json:"value"`
	// Error is the standard uncertainty; zero until a refinement estimates it.
	Error float64 `json:"error"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Unit  string  `json:"unit,omitempty"`
	Free  bool    `json:"free"`

	BlockIndex int       `json:"block_index"`
	BlockName  string    `json:"block_name"`
	BlockKind  BlockKind `json:"block_kind"`
	// Group is the loop label for loop items, or "" for block-level parameters.
	Group string `json:"group,omitempty"`
}

// InBounds reports whether v lies within [Min, Max].
func (p FittableParameter) InBounds(v float64) bool {
	return v >= p.Min && v <= p.Max
}

// MarshalJSON encodes infinite bounds as null.
func (p FittableParameter) MarshalJSON() ([]byte, error) {
	type alias FittableParameter
	return json.Marshal(struct {
		alias
		Min *float64 `json:"min"`
		Max *float64 `json:"max"`
	}{alias(p), finite(p.Min), finite(p.Max)})
}

func finite(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

// ProjectMetadata is a lightweight representation of a stored project file.
type ProjectMetadata struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}
