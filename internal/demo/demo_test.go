package demo

import (
	"testing"

	"github.com/starford/diffit/internal/calc"
	"github.com/starford/diffit/internal/model"
	"github.com/starford/diffit/internal/paramid"
	"github.com/starford/diffit/internal/project"
)

func TestProject_GeneratesFittableModel(t *testing.T) {
	p, err := Project(Options{})
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if n := len(p.Experiments[0].Data.X); n != 201 {
		t.Errorf("points = %d, want 201", n)
	}

	params, err := p.Parameters()
	if err != nil {
		t.Fatal(err)
	}
	free := 0
	for _, fp := range params {
		if fp.Free {
			free++
		}
	}
	if free != 2 {
		t.Errorf("free parameters = %d, want 2", free)
	}

	// Starting values are off the truth, so the cost is positive; restoring
	// the truth brings it back to zero.
	d, err := project.BuildDictionary(p)
	if err != nil {
		t.Fatal(err)
	}
	ev, err := calc.NewPowder().Calculate(d, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if ev.ChiSquare <= 0 {
		t.Errorf("start chi2 = %v, want > 0", ev.ChiSquare)
	}

	d.Table.Set(paramid.MustNew(Experiment, "zero_shift", 0), Truth["zero_shift"])
	d.Table.Set(paramid.MustNew(Structure, "scale", 0), Truth["scale"])
	ev, err = calc.NewPowder().Calculate(d, model.NewBuffers(), false)
	if err != nil {
		t.Fatal(err)
	}
	if ev.ChiSquare > 1e-18 {
		t.Errorf("truth chi2 = %v, want 0", ev.ChiSquare)
	}
}

func TestProject_RoundTripsThroughYAML(t *testing.T) {
	p, err := Project(Options{Points: 11, Start: 10, Step: 1})
	if err != nil {
		t.Fatal(err)
	}
	data, err := project.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := project.Parse(data); err != nil {
		t.Fatalf("generated project does not parse: %v", err)
	}
}
