// Package demo builds a synthetic powder-diffraction project whose measured
// pattern is generated by the reference calculator. It backs `diffit init`
// and the service tests.
package demo

import (
	"fmt"
	"math"

	"github.com/starford/diffit/internal/calc"
	"github.com/starford/diffit/internal/model"
	"github.com/starford/diffit/internal/project"
)

// Names used by the generated project.
const (
	Experiment = "pd_Exp1"
	Structure  = "lbco"
)

// Truth holds the values the measured pattern was generated with.
var Truth = map[string]float64{
	"zero_shift": 0.05,
	"scale":      1.2,
}

// Options controls the generated grid.
type Options struct {
	Points int
	Start  float64
	Step   float64
}

func (o *Options) defaults() {
	if o.Points <= 0 {
		o.Points = 201
	}
	if o.Step <= 0 {
		o.Step = 0.1
	}
	if o.Start == 0 {
		o.Start = 20
	}
}

// Project returns a validated project with zero_shift and scale free and
// started away from Truth.
func Project(opts Options) (*project.Project, error) {
	opts.defaults()
	end := opts.Start + opts.Step*float64(opts.Points-1)

	x := make([]float64, opts.Points)
	for i := range x {
		x[i] = opts.Start + opts.Step*float64(i)
	}

	p := &project.Project{
		Name: "lbco-synthetic",
		Experiments: []project.Block{{
			Name:   Experiment,
			Phases: []string{Structure},
			Parameters: []project.Parameter{
				{Name: "zero_shift", Value: Truth["zero_shift"], Min: ptr(-0.5), Max: ptr(0.5), Unit: "deg", Fittable: true, Free: true},
				{Name: "resolution_u", Value: 0.02, Min: ptr(0), Fittable: true},
				{Name: "resolution_v", Value: -0.01, Fittable: true},
				{Name: "resolution_w", Value: 0.03, Min: ptr(0), Fittable: true},
				{Name: "resolution_eta", Value: 0.4, Min: ptr(0), Max: ptr(1), Fittable: true},
				{Name: "wavelength", Value: 1.494, Unit: "angstrom"},
			},
			Loops: []project.Loop{{
				Name: "background",
				Items: []project.LoopItem{
					{Parameters: []project.Parameter{{Name: "x", Value: opts.Start}, {Name: "intensity", Value: 12, Min: ptr(0), Fittable: true}}},
					{Parameters: []project.Parameter{{Name: "x", Value: end}, {Name: "intensity", Value: 8, Min: ptr(0), Fittable: true}}},
				},
			}},
			Data: &project.Data{X: x, Y: make([]float64, len(x)), Sigma: ones(len(x))},
		}},
		Structures: []project.Block{{
			Name: Structure,
			Parameters: []project.Parameter{
				{Name: "scale", Value: Truth["scale"], Min: ptr(0), Fittable: true, Free: true},
			},
			Loops: []project.Loop{{
				Name: "peak",
				Items: []project.LoopItem{
					peak(opts.Start+0.25*(end-opts.Start), 100),
					peak(opts.Start+0.6*(end-opts.Start), 60),
				},
			}},
		}},
	}

	d, err := project.BuildDictionary(p)
	if err != nil {
		return nil, fmt.Errorf("demo: %w", err)
	}
	out := model.NewBuffers()
	if _, err := calc.NewPowder().Calculate(d, out, false); err != nil {
		return nil, fmt.Errorf("demo: generate pattern: %w", err)
	}
	data := p.Experiments[0].Data
	for i, y := range out.Calculated[Experiment] {
		data.Y[i] = y
		data.Sigma[i] = math.Sqrt(math.Max(y, 1))
	}

	p.Experiments[0].Parameters[0].Value = 0
	p.Structures[0].Parameters[0].Value = 1

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("demo: %w", err)
	}
	return p, nil
}

func peak(position, intensity float64) project.LoopItem {
	return project.LoopItem{Parameters: []project.Parameter{
		{Name: "position", Value: position, Unit: "deg"},
		{Name: "intensity", Value: intensity, Min: ptr(0), Fittable: true},
	}}
}

func ones(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = 1
	}
	return s
}

func ptr(v float64) *float64 { return &v }
