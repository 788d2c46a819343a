package project

import (
	"errors"
	"fmt"
	"math"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/diffit/internal/models"
	"github.com/starford/diffit/internal/paramid"
)

// Validation errors name fields by their project file keys.
func init() { validation.ErrorTag = "yaml" }

var identRule = validation.Match(regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*(_[A-Za-z0-9]+)*$`)).
	Error("must be letters and digits joined by single underscores")

// Validate checks the whole project.
func (p Project) Validate() error {
	if err := validation.ValidateStruct(&p,
		validation.Field(&p.Experiments),
		validation.Field(&p.Structures),
	); err != nil {
		return err
	}

	names := make(map[string]struct{}, len(p.Experiments)+len(p.Structures))
	for _, b := range append(append([]Block{}, p.Experiments...), p.Structures...) {
		if _, dup := names[b.Name]; dup {
			return fmt.Errorf("duplicate block name %q", b.Name)
		}
		names[b.Name] = struct{}{}
	}

	structures := make(map[string]struct{}, len(p.Structures))
	for _, s := range p.Structures {
		structures[s.Name] = struct{}{}
		if len(s.Phases) > 0 || s.Data != nil {
			return fmt.Errorf("structure %s: phases and data belong to experiments", s.Name)
		}
	}
	for _, e := range p.Experiments {
		if e.Data == nil {
			return fmt.Errorf("experiment %s: data is required", e.Name)
		}
		if err := e.Data.Validate(); err != nil {
			return fmt.Errorf("experiment %s: data: %w", e.Name, err)
		}
		for _, ph := range e.Phases {
			if _, ok := structures[ph]; !ok {
				return fmt.Errorf("experiment %s: unknown phase %q", e.Name, ph)
			}
		}
	}

	seen := make(map[string]struct{})
	return walk(p.Experiments, p.Structures, func(_ models.BlockKind, _ int, b *Block, _ string, _ *Parameter, path paramid.Path) error {
		key := path.Key()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("block %s: parameter path %s defined twice", b.Name, key)
		}
		seen[key] = struct{}{}
		return nil
	})
}

// Validate checks a block's own fields and its parameters.
func (b Block) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.Name, validation.Required, identRule),
		validation.Field(&b.Parameters),
		validation.Field(&b.Loops),
	)
}

// Validate checks a loop.
func (l Loop) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Name, validation.Required, identRule),
		validation.Field(&l.Items),
	)
}

// Validate checks a loop item.
func (it LoopItem) Validate() error {
	return validation.ValidateStruct(&it,
		validation.Field(&it.Parameters),
	)
}

// Validate checks a parameter's name, bounds and flags.
func (p Parameter) Validate() error {
	if err := validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.Required, identRule),
	); err != nil {
		return err
	}
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		return fmt.Errorf("%s: value must be finite", p.Name)
	}
	lo, hi := p.Bounds()
	if lo > hi {
		return fmt.Errorf("%s: min %g greater than max %g", p.Name, lo, hi)
	}
	if p.Value < lo || p.Value > hi {
		return fmt.Errorf("%s: value %g outside [%g, %g]", p.Name, p.Value, lo, hi)
	}
	if p.Free && !p.Fittable {
		return fmt.Errorf("%s: free parameter must be fittable", p.Name)
	}
	if p.Error < 0 {
		return fmt.Errorf("%s: error must be non-negative", p.Name)
	}
	return nil
}

// Validate checks the measured arrays.
func (d Data) Validate() error {
	if err := validation.ValidateStruct(&d,
		validation.Field(&d.X, validation.Required),
		validation.Field(&d.Y, validation.Required, validation.Length(len(d.X), len(d.X))),
		validation.Field(&d.Sigma, validation.Required, validation.Length(len(d.X), len(d.X))),
	); err != nil {
		return err
	}
	for _, s := range d.Sigma {
		if !(s > 0) {
			return errors.New("sigma values must be positive")
		}
	}
	return nil
}
