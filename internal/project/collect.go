package project

import (
	"fmt"

	"github.com/starford/diffit/internal/model"
	"github.com/starford/diffit/internal/models"
	"github.com/starford/diffit/internal/paramid"
)

// Collect returns every fittable parameter of the given blocks, experiments
// first, in declaration order. It never modifies its inputs and returns an
// empty, non-nil slice when nothing is fittable.
func Collect(experiments, structures []Block) ([]models.FittableParameter, error) {
	out := []models.FittableParameter{}
	err := walk(experiments, structures, func(kind models.BlockKind, bi int, b *Block, loop string, prm *Parameter, path paramid.Path) error {
		if !prm.Fittable {
			return nil
		}
		lo, hi := prm.Bounds()
		out = append(out, models.FittableParameter{
			Path:       path,
			ID:         paramid.Encode(path),
			Name:       prm.Name,
			Value:      prm.Value,
			Error:      prm.Error,
			Min:        lo,
			Max:        hi,
			Unit:       prm.Unit,
			Free:       prm.Free,
			BlockIndex: bi,
			BlockName:  b.Name,
			BlockKind:  kind,
			Group:      loop,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Parameters collects the fittable parameters of p.
func (p *Project) Parameters() ([]models.FittableParameter, error) {
	return Collect(p.Experiments, p.Structures)
}

// ApplyResults writes refined values and errors back into the owning blocks.
// Parameters whose back-reference no longer resolves are reported.
func ApplyResults(p *Project, params []models.FittableParameter) error {
	for _, fp := range params {
		prm, ok := p.Lookup(fp.Path)
		if !ok {
			return fmt.Errorf("project: apply: %s not found in block %s", fp.ID, fp.BlockName)
		}
		prm.Value = fp.Value
		prm.Error = fp.Error
	}
	return nil
}

// BuildDictionary converts a validated project into the model dictionary
// consumed by the forward calculation.
func BuildDictionary(p *Project) (*model.Dictionary, error) {
	d := model.NewDictionary()
	err := walk(p.Experiments, p.Structures, func(_ models.BlockKind, _ int, _ *Block, _ string, prm *Parameter, path paramid.Path) error {
		if d.Table.Has(path) {
			return fmt.Errorf("project: duplicate parameter path %s", path)
		}
		d.Table.Set(path, prm.Value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, e := range p.Experiments {
		d.Experiments = append(d.Experiments, model.Block{Name: e.Name, Phases: append([]string(nil), e.Phases...)})
		if e.Data != nil {
			d.Patterns[e.Name] = &model.Pattern{
				X:     append([]float64(nil), e.Data.X...),
				Y:     append([]float64(nil), e.Data.Y...),
				Sigma: append([]float64(nil), e.Data.Sigma...),
			}
		}
	}
	for _, s := range p.Structures {
		d.Structures = append(d.Structures, s.Name)
	}
	return d, nil
}
