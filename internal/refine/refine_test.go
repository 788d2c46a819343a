package refine

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/starford/diffit/internal/minimize"
	"github.com/starford/diffit/internal/model"
	"github.com/starford/diffit/internal/models"
	"github.com/starford/diffit/internal/paramid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var target = paramid.MustNew("pd_Exp1", "zero_shift", 0)

// newFixture returns a dictionary with one free parameter at 0 and a fixed
// neighbour, plus the matching parameter list.
func newFixture() (*model.Dictionary, []models.FittableParameter) {
	d := model.NewDictionary()
	d.Table.Set(target, 0)
	d.Table.Set(paramid.MustNew("pd_Exp1", "wavelength", 0), math.Copysign(0, -1))
	params := []models.FittableParameter{{
		Path: target, ID: paramid.Encode(target), Name: "zero_shift",
		Min: math.Inf(-1), Max: math.Inf(1), Free: true, BlockName: "pd_Exp1",
		BlockKind: models.KindExperiment,
	}}
	return d, params
}

// quadratic reports cost = (v-5)^2 over the target slot.
func quadratic() model.Calculator {
	return model.CalculatorFunc(func(d *model.Dictionary, out *model.Buffers, _ bool) (model.Evaluation, error) {
		v, _ := d.Table.Get(target)
		if out != nil {
			out.Calculated["pd_Exp1"] = []float64{v}
		}
		return model.Evaluation{ChiSquare: (v - 5) * (v - 5), Points: 1, Paths: []paramid.Path{target}}, nil
	})
}

// stepper moves every variable halfway towards 5 per iteration.
type stepper struct{ iterations int }

func (s stepper) Method() string { return "stepper" }

func (s stepper) Minimize(vars []minimize.Variable, cost minimize.CostFunc, cb minimize.IterationFunc) (*minimize.Result, error) {
	x := make([]float64, len(vars))
	for i, v := range vars {
		x[i] = v.Value
	}
	var c float64
	for it := 1; it <= s.iterations; it++ {
		for i := range x {
			x[i] += (5 - x[i]) / 2
		}
		var err error
		if c, err = cost(x); err != nil {
			return nil, err
		}
		if cb(it, x, c) {
			return &minimize.Result{X: x, Cost: c, Iterations: it, Stopped: true, Status: "Stopped"}, nil
		}
	}
	return &minimize.Result{X: x, Cost: c, Iterations: s.iterations, Status: "IterationLimit", StdErr: []float64{0.5}}, nil
}

// gated waits for a value on step before each iteration.
type gated struct{ step chan struct{} }

func (g gated) Method() string { return "gated" }

func (g gated) Minimize(vars []minimize.Variable, cost minimize.CostFunc, cb minimize.IterationFunc) (*minimize.Result, error) {
	x := []float64{vars[0].Value}
	for it := 1; ; it++ {
		<-g.step
		x[0]++
		c, err := cost(x)
		if err != nil {
			return nil, err
		}
		if cb(it, x, c) {
			return &minimize.Result{X: x, Cost: c, Iterations: it, Stopped: true}, nil
		}
	}
}

func TestSession_ConvergesOnQuadratic(t *testing.T) {
	d, params := newFixture()
	bfgs, err := minimize.New(minimize.MethodBFGS, minimize.Options{})
	require.NoError(t, err)

	var iterations []int
	s := NewSession(Options{Minimizer: bfgs, OnProgress: func(p Progress) { iterations = append(iterations, p.Iteration) }})
	res, err := s.Start(t.Context(), d, params, quadratic())
	require.NoError(t, err)

	assert.Equal(t, Completed, res.State)
	assert.Equal(t, Completed, s.State())
	assert.InDelta(t, 5, res.Parameters[0].Value, 1e-3)
	assert.Less(t, res.Iterations, 100)
	assert.InDelta(t, 25, res.InitialChiSquare, 1e-12)
	assert.InDelta(t, 0, res.ChiSquare, 1e-6)
	assert.Equal(t, 1, res.Points)
	assert.Greater(t, res.Parameters[0].Error, 0.0)
	for i, it := range iterations {
		assert.Equal(t, i+1, it)
	}

	v, _ := d.Table.Get(target)
	assert.InDelta(t, 5, v, 1e-3)
	assert.Empty(t, d.Owner(), "dictionary released")
	assert.Contains(t, res.Calculated, "pd_Exp1")

	got, ok := s.Consume()
	require.True(t, ok)
	assert.Same(t, res, got)
	assert.Equal(t, Idle, s.State())
}

func TestSession_CancelAtSecondIterationRestoresInitialValue(t *testing.T) {
	d, params := newFixture()
	before := d.Snapshot()

	var s *Session
	s = NewSession(Options{Minimizer: stepper{iterations: 50}, OnProgress: func(p Progress) {
		if p.Iteration == 2 {
			assert.True(t, s.RequestCancel())
		}
	}})
	res, err := s.Start(t.Context(), d, params, quadratic())
	require.NoError(t, err)

	assert.Equal(t, Cancelled, res.State)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 0.0, res.Parameters[0].Value)
	v, _ := d.Table.Get(target)
	assert.Equal(t, 0.0, v)
	assert.True(t, model.Equal(before, d.Table), "table restored bit for bit:\n%s", d.Table)
	assert.False(t, s.cancel.Load(), "cancel flag consumed")
}

func TestSession_IterationLimitCompletes(t *testing.T) {
	d, params := newFixture()
	s := NewSession(Options{Minimizer: stepper{iterations: 3}})
	res, err := s.Start(t.Context(), d, params, quadratic())
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, "IterationLimit", res.Status)
	assert.InDelta(t, 4.375, res.Parameters[0].Value, 1e-12)
	assert.Equal(t, 0.5, res.Parameters[0].Error)
}

func TestSession_ClampsToBounds(t *testing.T) {
	d, params := newFixture()
	params[0].Max = 2
	s := NewSession(Options{Minimizer: stepper{iterations: 10}})
	res, err := s.Start(t.Context(), d, params, quadratic())
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Parameters[0].Value)
}

func TestSession_NoFreeParameters(t *testing.T) {
	d, params := newFixture()
	params[0].Free = false
	s := NewSession(Options{Minimizer: stepper{iterations: 1}})
	_, err := s.Start(t.Context(), d, params, quadratic())
	require.ErrorIs(t, err, ErrNoFreeParameters)
	assert.Equal(t, Idle, s.State())

	_, err = s.Start(t.Context(), d, nil, quadratic())
	require.ErrorIs(t, err, ErrNoFreeParameters)
}

func TestSession_RejectsRestartBeforeConsume(t *testing.T) {
	d, params := newFixture()
	s := NewSession(Options{Minimizer: stepper{iterations: 1}})
	_, err := s.Start(t.Context(), d, params, quadratic())
	require.NoError(t, err)

	_, err = s.Start(t.Context(), d, params, quadratic())
	require.ErrorIs(t, err, ErrBusy)

	s.Consume()
	_, err = s.Start(t.Context(), d, params, quadratic())
	require.NoError(t, err)
}

func TestSession_LockedDictionary(t *testing.T) {
	d, params := newFixture()
	release, err := d.Acquire("someone")
	require.NoError(t, err)
	defer release()

	s := NewSession(Options{Minimizer: stepper{iterations: 1}})
	_, err = s.Start(t.Context(), d, params, quadratic())
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, Idle, s.State())
}

func TestSession_Failures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		calc    func(calls int) (model.Evaluation, error)
		stage   string
		wantErr error
	}{
		{"baseline error", func(int) (model.Evaluation, error) { return model.Evaluation{}, boom }, "baseline calculation", boom},
		{"no points", func(int) (model.Evaluation, error) { return model.Evaluation{ChiSquare: 1}, nil }, "baseline calculation", ErrNoPoints},
		{"error mid run", func(calls int) (model.Evaluation, error) {
			if calls == 3 {
				return model.Evaluation{}, boom
			}
			return model.Evaluation{ChiSquare: 1, Points: 1}, nil
		}, "minimization", boom},
		{"panic mid run", func(calls int) (model.Evaluation, error) {
			if calls == 2 {
				panic("kaboom")
			}
			return model.Evaluation{ChiSquare: 1, Points: 1}, nil
		}, "minimization", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, params := newFixture()
			calls := 0
			calc := model.CalculatorFunc(func(*model.Dictionary, *model.Buffers, bool) (model.Evaluation, error) {
				calls++
				return tt.calc(calls)
			})
			s := NewSession(Options{Minimizer: stepper{iterations: 5}})
			res, err := s.Start(t.Context(), d, params, calc)
			require.NoError(t, err)
			assert.Equal(t, Failed, res.State)

			var rerr *RefinementError
			require.ErrorAs(t, res.Err, &rerr)
			assert.Equal(t, tt.stage, rerr.Stage)
			assert.Equal(t, s.RunID(), rerr.RunID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, res.Err, tt.wantErr)
			}
			assert.Empty(t, d.Owner())
		})
	}
}

func TestSession_FailureUnderGonum(t *testing.T) {
	boom := errors.New("boom")
	for _, method := range []string{minimize.MethodBFGS, minimize.MethodNelderMead} {
		t.Run(method, func(t *testing.T) {
			d, params := newFixture()
			m, err := minimize.New(method, minimize.Options{})
			require.NoError(t, err)

			calls := 0
			calc := model.CalculatorFunc(func(d *model.Dictionary, _ *model.Buffers, _ bool) (model.Evaluation, error) {
				calls++
				if calls == 4 {
					return model.Evaluation{}, boom
				}
				v, _ := d.Table.Get(target)
				return model.Evaluation{ChiSquare: (v - 5) * (v - 5), Points: 1, Paths: []paramid.Path{target}}, nil
			})
			s := NewSession(Options{Minimizer: m})
			res, err := s.Start(t.Context(), d, params, calc)
			require.NoError(t, err)

			assert.Equal(t, Failed, res.State)
			assert.Equal(t, Failed, s.State())
			var rerr *RefinementError
			require.ErrorAs(t, res.Err, &rerr)
			assert.Equal(t, "minimization", rerr.Stage)
			assert.ErrorIs(t, res.Err, boom)
			assert.Equal(t, 4, calls, "no evaluations after the failure")
			assert.Empty(t, d.Owner())
		})
	}
}

func TestSession_CancelBeforeStart(t *testing.T) {
	d, params := newFixture()
	before := d.Snapshot()
	calls := 0
	calc := model.CalculatorFunc(func(*model.Dictionary, *model.Buffers, bool) (model.Evaluation, error) {
		calls++
		return model.Evaluation{ChiSquare: 1, Points: 1}, nil
	})

	s := NewSession(Options{Minimizer: stepper{iterations: 5}})
	require.True(t, s.RequestCancel())
	assert.False(t, s.RequestCancel(), "second request is a no-op")

	res, err := s.Start(t.Context(), d, params, calc)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, res.State)
	assert.Zero(t, res.Iterations)
	assert.Zero(t, calls)
	assert.True(t, model.Equal(before, d.Table))
	assert.Empty(t, d.Owner())
}

func TestSession_RequestCancelAfterFinish(t *testing.T) {
	d, params := newFixture()
	s := NewSession(Options{Minimizer: stepper{iterations: 1}})
	_, err := s.Start(t.Context(), d, params, quadratic())
	require.NoError(t, err)
	assert.False(t, s.RequestCancel(), "terminal")

	s.Consume()
	assert.False(t, s.RequestCancel(), "consumed")
	assert.False(t, s.CancelPending())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "cancelled", Cancelled.String())
	assert.True(t, Failed.Terminal())
	assert.False(t, Running.Terminal())
}
