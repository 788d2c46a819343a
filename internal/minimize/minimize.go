// Package minimize wraps gonum's optimizers behind the small contract the
// refinement engine needs: named variables, a scalar cost, a per-iteration
// callback that can request a stop, and optional standard errors.
package minimize

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// Algorithm selection tokens.
const (
	MethodBFGS            = "bfgs"
	MethodLBFGS           = "lbfgs"
	MethodNelderMead      = "nelder-mead"
	MethodGradientDescent = "gradient-descent"
)

// Methods lists the accepted algorithm tokens.
var Methods = []string{MethodBFGS, MethodLBFGS, MethodNelderMead, MethodGradientDescent}

// ErrUnknownMethod is returned by New for an unsupported algorithm token.
var ErrUnknownMethod = errors.New("minimize: unknown method")

// errStop is returned from the recorder to unwind gonum's loop when the
// iteration callback asks to stop.
var errStop = errors.New("minimize: stop requested")

// Variable is one free parameter.
type Variable struct {
	Name  string
	Value float64
	Min   float64
	Max   float64
}

// CostFunc evaluates the objective at x. A non-nil error aborts the run and
// is returned from Minimize.
type CostFunc func(x []float64) (float64, error)

// IterationFunc is called once per completed iteration with a strictly
// increasing iteration number starting at 1. Returning true stops the run.
type IterationFunc func(iter int, x []float64, cost float64) (stop bool)

// Result is the outcome of a minimization.
type Result struct {
	X          []float64
	StdErr     []float64 // nil when errors could not be estimated
	Cost       float64
	Iterations int
	Evals      int
	Stopped    bool
	Status     string
	Runtime    time.Duration
}

// Options tunes termination.
type Options struct {
	MaxIterations     int
	GradientTolerance float64
	FunctionTolerance float64
	// StallIterations is the number of iterations without a FunctionTolerance
	// improvement after which the run is declared converged.
	StallIterations int
	// SkipErrors disables the Hessian-based standard error estimate.
	SkipErrors bool
}

// Minimizer is the contract consumed by the refinement session.
type Minimizer interface {
	Minimize(vars []Variable, cost CostFunc, cb IterationFunc) (*Result, error)
	Method() string
}

// Gonum implements Minimizer on gonum.org/v1/gonum/optimize.
type Gonum struct {
	method string
	opts   Options
}

// New returns a gonum-backed minimizer for the given algorithm token.
func New(method string, opts Options) (*Gonum, error) {
	method = strings.ToLower(strings.TrimSpace(method))
	if method == "" {
		method = MethodBFGS
	}
	if _, err := newMethod(method); err != nil {
		return nil, err
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 1000
	}
	if opts.GradientTolerance <= 0 {
		opts.GradientTolerance = 1e-8
	}
	if opts.FunctionTolerance <= 0 {
		opts.FunctionTolerance = 1e-12
	}
	if opts.StallIterations <= 0 {
		opts.StallIterations = 10
	}
	return &Gonum{method: method, opts: opts}, nil
}

// Method returns the algorithm token.
func (g *Gonum) Method() string { return g.method }

func newMethod(name string) (optimize.Method, error) {
	switch name {
	case MethodBFGS:
		return &optimize.BFGS{}, nil
	case MethodLBFGS:
		return &optimize.LBFGS{}, nil
	case MethodNelderMead:
		return &optimize.NelderMead{}, nil
	case MethodGradientDescent:
		return &optimize.GradientDescent{}, nil
	default:
		return nil, fmt.Errorf("%w: %q (want one of %s)", ErrUnknownMethod, name, strings.Join(Methods, ", "))
	}
}

// Minimize runs the configured method from the variables' current values.
func (g *Gonum) Minimize(vars []Variable, cost CostFunc, cb IterationFunc) (*Result, error) {
	if len(vars) == 0 {
		return nil, errors.New("minimize: no variables")
	}
	method, err := newMethod(g.method)
	if err != nil {
		return nil, err
	}

	x0 := make([]float64, len(vars))
	for i, v := range vars {
		x0[i] = v.Value
	}

	// gonum evaluates on its own goroutine. Errors and panics are latched
	// there and surfaced through the recorder, which runs on this one.
	evals := 0
	latch := &costError{}
	f := func(x []float64) float64 {
		if latch.get() != nil {
			return math.NaN()
		}
		evals++
		v, err := guardedCost(cost, x)
		if err != nil {
			latch.set(err)
			return math.NaN()
		}
		return v
	}
	problem := optimize.Problem{
		Func: f,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, f, x, &fd.Settings{Formula: fd.Central})
		},
	}

	rec := &recorder{cb: cb, latch: latch}
	settings := &optimize.Settings{
		MajorIterations:   g.opts.MaxIterations,
		GradientThreshold: g.opts.GradientTolerance,
		Converger: &optimize.FunctionConverge{
			Absolute:   g.opts.FunctionTolerance,
			Iterations: g.opts.StallIterations,
		},
		Recorder: rec,
	}

	start := time.Now()
	res, err := optimize.Minimize(problem, x0, settings, method)
	if cerr := latch.get(); cerr != nil {
		return nil, cerr
	}
	if errors.Is(err, errStop) {
		out := &Result{Iterations: rec.iter, Evals: evals, Stopped: true, Status: "Stopped", Runtime: time.Since(start)}
		if res != nil {
			out.X = append([]float64(nil), res.X...)
			out.Cost = res.F
		}
		return out, nil
	}
	status := ""
	switch {
	case errors.Is(err, optimize.ErrNoProgress) && res != nil:
		// The line search cannot improve on the current point; at a
		// numerically flat minimum this is convergence.
		status = "NoProgress"
	case err != nil:
		return nil, fmt.Errorf("minimize: %s: %w", g.method, err)
	default:
		status = res.Status.String()
	}

	out := &Result{
		X:          append([]float64(nil), res.X...),
		Cost:       res.F,
		Iterations: rec.iter,
		Status:     status,
		Runtime:    time.Since(start),
	}
	if !g.opts.SkipErrors {
		out.StdErr = stdErrors(f, out.X)
		if cerr := latch.get(); cerr != nil {
			return nil, cerr
		}
	}
	out.Evals = evals
	return out, nil
}

// stdErrors estimates σ_i = sqrt(2·(H⁻¹)_ii) for a chi-square objective.
// It returns nil if the Hessian is singular or not positive definite.
func stdErrors(f func([]float64) float64, x []float64) []float64 {
	n := len(x)
	h := mat.NewSymDense(n, nil)
	fd.Hessian(h, f, x, nil)

	var chol mat.Cholesky
	if ok := chol.Factorize(h); !ok {
		return nil
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return nil
	}
	out := make([]float64, n)
	for i := range n {
		v := 2 * cov.At(i, i)
		if !(v >= 0) || math.IsInf(v, 0) {
			return nil
		}
		out[i] = math.Sqrt(v)
	}
	return out
}

// costError holds the first error raised by the cost function.
type costError struct {
	mu  sync.Mutex
	err error
}

func (c *costError) set(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *costError) get() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func guardedCost(cost CostFunc, x []float64) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("minimize: cost function panicked: %v", r)
		}
	}()
	return cost(x)
}

// recorder forwards major iterations to the user callback and stops the run
// once the cost function has failed.
type recorder struct {
	cb    IterationFunc
	latch *costError
	iter  int
}

func (r *recorder) Init() error { return nil }

func (r *recorder) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if err := r.latch.get(); err != nil {
		return err
	}
	if op&optimize.MajorIteration == 0 {
		return nil
	}
	r.iter++
	if r.cb != nil && r.cb(r.iter, loc.X, loc.F) {
		return errStop
	}
	return nil
}
