// Package project reads, validates and writes diffit project files and
// derives the refinement inputs from them.
package project

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"gopkg.in/yaml.v3"

	"github.com/starford/diffit/internal/models"
	"github.com/starford/diffit/internal/paramid"
)

// Project is the root of a project file.
type Project struct {
	Name        string  `yaml:"name"`
	Experiments []Block `yaml:"experiments"`
	Structures  []Block `yaml:"structures"`
}

// Block is an experiment or a structure.
type Block struct {
	Name       string      `yaml:"name"`
	Parameters []Parameter `yaml:"parameters,omitempty"`
	Loops      []Loop      `yaml:"loops,omitempty"`
	// Phases lists the structures contributing to an experiment's pattern.
	Phases []string `yaml:"phases,omitempty"`
	Data   *Data    `yaml:"data,omitempty"`
}

// Loop is a table of items sharing the same parameter names.
type Loop struct {
	Name  string     `yaml:"name"`
	Items []LoopItem `yaml:"items"`
}

// LoopItem is one row of a loop.
type LoopItem struct {
	Parameters []Parameter `yaml:"parameters"`
}

// Parameter is a numeric model parameter.
type Parameter struct {
	Name     string   `yaml:"name"`
	Value    float64  `yaml:"value"`
	Error    float64  `yaml:"error,omitempty"`
	Min      *float64 `yaml:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty"`
	Unit     string   `yaml:"unit,omitempty"`
	Fittable bool     `yaml:"fittable,omitempty"`
	Free     bool     `yaml:"free,omitempty"`
}

// Bounds returns the parameter bounds, defaulting to ±Inf.
func (p Parameter) Bounds() (float64, float64) {
	lo, hi := math.Inf(-1), math.Inf(1)
	if p.Min != nil {
		lo = *p.Min
	}
	if p.Max != nil {
		hi = *p.Max
	}
	return lo, hi
}

// Data is the measured pattern of an experiment.
type Data struct {
	X     []float64 `yaml:"x,flow"`
	Y     []float64 `yaml:"y,flow"`
	Sigma []float64 `yaml:"sigma,flow"`
}

// Parse decodes and validates a project file.
func Parse(data []byte) (*Project, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Project
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("project: empty document")
		}
		return nil, fmt.Errorf("project: decode: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("project: %w", err)
	}
	return &p, nil
}

// Marshal encodes p as YAML.
func Marshal(p *Project) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("project: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("project: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// ParamPath returns the dictionary path of a block-level parameter.
func ParamPath(block, name string) (paramid.Path, error) {
	return paramid.New(block, name, 0)
}

// LoopPath returns the dictionary path of a loop field.
func LoopPath(block, loop, name string, item int) (paramid.Path, error) {
	return paramid.New(block, loop+"_"+name, item)
}

// visit is called for every parameter in declaration order.
type visit func(kind models.BlockKind, blockIndex int, b *Block, loop string, prm *Parameter, path paramid.Path) error

// walk visits experiments before structures; within a block, block-level
// parameters first, then loops, items and fields in order. It stops at the
// first parameter whose names do not form a valid path.
func walk(experiments, structures []Block, fn visit) error {
	groups := []struct {
		kind   models.BlockKind
		blocks []Block
	}{
		{models.KindExperiment, experiments},
		{models.KindStructure, structures},
	}
	for _, g := range groups {
		for bi := range g.blocks {
			b := &g.blocks[bi]
			for pi := range b.Parameters {
				prm := &b.Parameters[pi]
				path, err := ParamPath(b.Name, prm.Name)
				if err != nil {
					return fmt.Errorf("project: block %s: parameter %q: %w", b.Name, prm.Name, err)
				}
				if err := fn(g.kind, bi, b, "", prm, path); err != nil {
					return err
				}
			}
			for li := range b.Loops {
				loop := &b.Loops[li]
				for ii := range loop.Items {
					for pi := range loop.Items[ii].Parameters {
						prm := &loop.Items[ii].Parameters[pi]
						path, err := LoopPath(b.Name, loop.Name, prm.Name, ii)
						if err != nil {
							return fmt.Errorf("project: block %s: loop %s item %d: parameter %q: %w", b.Name, loop.Name, ii, prm.Name, err)
						}
						if err := fn(g.kind, bi, b, loop.Name, prm, path); err != nil {
							return err
						}
					}
				}
			}
		}
	}
	return nil
}

// Lookup returns the parameter stored at path.
func (p *Project) Lookup(path paramid.Path) (*Parameter, bool) {
	var found *Parameter
	errFound := errors.New("found")
	_ = walk(p.Experiments, p.Structures, func(_ models.BlockKind, _ int, _ *Block, _ string, prm *Parameter, pp paramid.Path) error {
		if pp.Equal(path) {
			found = prm
			return errFound
		}
		return nil
	})
	return found, found != nil
}

// Experiment returns the experiment block with the given name.
func (p *Project) Experiment(name string) (*Block, bool) {
	for i := range p.Experiments {
		if p.Experiments[i].Name == name {
			return &p.Experiments[i], true
		}
	}
	return nil, false
}
