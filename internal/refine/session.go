// Package refine runs least-squares refinements of a model dictionary.
//
// A Session performs one run: it snapshots the dictionary, minimizes the
// chi-square over the free parameters, and either writes the optimum back or
// restores the snapshot when cancelled. A Worker runs sessions on a
// background goroutine, one at a time.
package refine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/starford/diffit/internal/minimize"
	"github.com/starford/diffit/internal/model"
	"github.com/starford/diffit/internal/models"
	"github.com/starford/diffit/internal/paramid"
)

var (
	// ErrNoFreeParameters is returned when a refinement is requested without free parameters.
	ErrNoFreeParameters = errors.New("refine: no free parameters")
	// ErrBusy is returned when a session or the dictionary is already in use.
	ErrBusy = errors.New("refine: refinement already in progress")
	// ErrNoPoints is the cause of a failed run whose model has no data points.
	ErrNoPoints = errors.New("refine: forward calculation reported no data points")
)

// State is the lifecycle state of a Session.
type State int32

// Session states.
const (
	Idle State = iota
	Running
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether s is Completed, Cancelled or Failed.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// RefinementError wraps a failure raised by the forward calculation or the minimizer.
type RefinementError struct {
	RunID string
	Stage string
	Err   error
}

func (e *RefinementError) Error() string {
	return fmt.Sprintf("refinement %s failed during %s: %v", e.RunID, e.Stage, e.Err)
}

func (e *RefinementError) Unwrap() error { return e.Err }

// Progress is the per-iteration report of a running refinement.
type Progress struct {
	RunID            string  `json:"run_id"`
	Iteration        int     `json:"iteration"`
	ChiSquare        float64 `json:"chi_square"`
	ReducedChiSquare float64 `json:"reduced_chi_square"`
	Points           int     `json:"points"`
}

// Result is the outcome of one run.
type Result struct {
	RunID  string `json:"run_id"`
	State  State  `json:"state"`
	Method string `json:"method"`
	// Parameters holds refined values and errors on Completed, and the
	// untouched input values otherwise.
	Parameters       []models.FittableParameter `json:"parameters"`
	InitialChiSquare float64                    `json:"initial_chi_square"`
	ChiSquare        float64                    `json:"chi_square"`
	ReducedChiSquare float64                    `json:"reduced_chi_square"`
	Points           int                        `json:"points"`
	Iterations       int                        `json:"iterations"`
	Evaluations      int                        `json:"evaluations"`
	Status           string                     `json:"status,omitempty"`
	StartedAt        time.Time                  `json:"started_at"`
	FinishedAt       time.Time                  `json:"finished_at"`
	Err              error                      `json:"-"`
	// Calculated holds the calculated patterns of the final pass on Completed.
	Calculated map[string][]float64 `json:"-"`
}

// Options configures a Session.
type Options struct {
	Minimizer  minimize.Minimizer
	Logger     *slog.Logger
	OnProgress func(Progress)
	RunID      string
}

// Session performs a single refinement. A fresh Session is used for every run
// so nothing from a previous run leaks into the next.
type Session struct {
	opts   Options
	logger *slog.Logger
	runID  string

	state     atomic.Int32
	cancel    atomic.Bool // cooperative stop flag, consumed by the iteration callback
	requested atomic.Bool // sticky: a cancel was requested during this run
	consumed  atomic.Bool
	progress  atomic.Pointer[Progress]

	mu     sync.Mutex
	result *Result
}

// NewSession returns an idle session.
func NewSession(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Session{opts: opts, runID: runID, logger: logger.With(slog.String("run_id", runID))}
}

// RunID returns the identifier of this session's run.
func (s *Session) RunID() string { return s.runID }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// RequestCancel asks the run to stop at the next iteration boundary. A session
// that has not started yet is cancelled before its first calculation. It
// returns false if a cancellation was already requested or the run has
// finished.
func (s *Session) RequestCancel() bool {
	if s.State().Terminal() || s.consumed.Load() {
		return false
	}
	if !s.requested.CompareAndSwap(false, true) {
		return false
	}
	s.cancel.Store(true)
	return true
}

// CancelPending reports whether a cancellation has been requested for this run.
func (s *Session) CancelPending() bool { return s.requested.Load() }

// Snapshot returns the most recently published progress.
func (s *Session) Snapshot() (Progress, bool) {
	p := s.progress.Load()
	if p == nil {
		return Progress{}, false
	}
	return *p, true
}

// Consume returns the terminal result and moves the session back to Idle.
func (s *Session) Consume() (*Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.State().Terminal() {
		return nil, false
	}
	res := s.result
	s.result = nil
	s.consumed.Store(true)
	s.state.Store(int32(Idle))
	return res, true
}

// Start runs the refinement synchronously on the calling goroutine.
//
// An error is returned only when the run could not begin (no free
// parameters, session or dictionary busy). Once begun, the outcome is in the
// returned Result: Completed, Cancelled, or Failed with Result.Err set to a
// *RefinementError. After Failed the dictionary is left as the failing
// evaluation wrote it; only cancellation restores the initial snapshot.
func (s *Session) Start(ctx context.Context, d *model.Dictionary, params []models.FittableParameter, calc model.Calculator) (*Result, error) {
	free := freeParameters(params)
	if len(free) == 0 {
		return nil, ErrNoFreeParameters
	}
	if s.opts.Minimizer == nil {
		return nil, errors.New("refine: no minimizer configured")
	}
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return nil, fmt.Errorf("%w: session is %s", ErrBusy, s.State())
	}
	release, err := d.Acquire(s.runID)
	if err != nil {
		s.state.Store(int32(Idle))
		return nil, fmt.Errorf("%w: %v", ErrBusy, err)
	}
	defer release()

	res := &Result{
		RunID:      s.runID,
		Method:     s.opts.Minimizer.Method(),
		Parameters: cloneParams(params),
		StartedAt:  time.Now(),
	}
	s.run(ctx, d, free, calc, res)
	res.FinishedAt = time.Now()

	s.mu.Lock()
	s.result = res
	s.state.Store(int32(res.State))
	s.mu.Unlock()
	return res, nil
}

func (s *Session) run(ctx context.Context, d *model.Dictionary, free []int, calc model.Calculator, res *Result) {
	fail := func(stage string, err error) {
		res.State = Failed
		res.Err = &RefinementError{RunID: s.runID, Stage: stage, Err: err}
		s.logger.Error("refinement failed", slog.String("stage", stage), slog.String("error", err.Error()))
	}

	initial := d.Snapshot()
	stopRequested := func() bool {
		return s.cancel.CompareAndSwap(true, false) || ctx.Err() != nil
	}
	cancel := func() {
		d.Table.Restore(initial)
		res.State = Cancelled
		res.Status = "cancelled"
		s.logger.Info("refinement cancelled", slog.Int("iterations", res.Iterations))
	}
	if stopRequested() {
		cancel()
		return
	}

	vars := make([]minimize.Variable, len(free))
	slots := make([]int, len(free))
	for i, pi := range free {
		fp := res.Parameters[pi]
		slot, ok := d.Table.Slot(fp.Path)
		if !ok {
			fail("setup", fmt.Errorf("parameter %s has no slot in the model", fp.ID))
			return
		}
		slots[i] = slot
		vars[i] = minimize.Variable{Name: paramid.Encode(fp.Path), Value: fp.Value, Min: fp.Min, Max: fp.Max}
	}

	// Baseline pass at the starting point, without shortcuts.
	for i, v := range vars {
		d.Table.SetSlot(slots[i], clamp(v.Value, v.Min, v.Max))
	}
	base, err := safeCalculate(calc, d, nil, false)
	if err != nil {
		fail("baseline calculation", err)
		return
	}
	if base.Points <= 0 {
		fail("baseline calculation", ErrNoPoints)
		return
	}
	res.Points = base.Points
	res.InitialChiSquare = base.ChiSquare
	res.ChiSquare = base.ChiSquare
	res.ReducedChiSquare = base.Reduced()
	s.warnInsensitive(vars, base.Paths)
	if stopRequested() {
		cancel()
		return
	}

	s.logger.Info("refinement started",
		slog.String("method", res.Method),
		slog.Int("free_parameters", len(vars)),
		slog.Int("points", base.Points),
		slog.Float64("reduced_chi_square", res.ReducedChiSquare))

	usePrecomputed := true
	evals := 0
	cost := func(x []float64) (float64, error) {
		for i, v := range vars {
			d.Table.SetSlot(slots[i], clamp(x[i], v.Min, v.Max))
		}
		evals++
		ev, err := safeCalculate(calc, d, nil, usePrecomputed)
		if err != nil {
			return math.NaN(), err
		}
		return ev.ChiSquare, nil
	}

	iteration := 0
	cancelled := false
	callback := func(_ int, _ []float64, chi2 float64) bool {
		iteration++
		p := Progress{
			RunID:            s.runID,
			Iteration:        iteration,
			ChiSquare:        chi2,
			ReducedChiSquare: chi2 / float64(base.Points),
			Points:           base.Points,
		}
		s.progress.Store(&p)
		if s.opts.OnProgress != nil {
			s.opts.OnProgress(p)
		}
		if stopRequested() {
			d.Table.Restore(initial)
			cancelled = true
			return true
		}
		return false
	}

	mres, err := s.minimize(vars, cost, callback)
	res.Iterations = iteration
	res.Evaluations = evals
	if cancelled {
		cancel()
		return
	}
	if err != nil {
		fail("minimization", err)
		return
	}
	res.Status = mres.Status

	// Final correctness pass at the converged point.
	usePrecomputed = false
	for i, v := range vars {
		d.Table.SetSlot(slots[i], clamp(mres.X[i], v.Min, v.Max))
	}
	out := model.NewBuffers()
	final, err := safeCalculate(calc, d, out, false)
	if err != nil {
		fail("final calculation", err)
		return
	}

	for i, pi := range free {
		fp := &res.Parameters[pi]
		fp.Value = d.Table.ValueAt(slots[i])
		fp.Error = 0
		if mres.StdErr != nil {
			fp.Error = mres.StdErr[i]
		}
	}
	res.ChiSquare = final.ChiSquare
	res.ReducedChiSquare = final.Reduced()
	res.Calculated = out.Calculated
	res.State = Completed
	s.logger.Info("refinement completed",
		slog.Int("iterations", iteration),
		slog.Int("evaluations", evals),
		slog.String("status", mres.Status),
		slog.Float64("reduced_chi_square", res.ReducedChiSquare))
}

// minimize calls the minimizer, turning panics raised on this goroutine into errors.
func (s *Session) minimize(vars []minimize.Variable, cost minimize.CostFunc, cb minimize.IterationFunc) (res *minimize.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return s.opts.Minimizer.Minimize(vars, cost, cb)
}

func (s *Session) warnInsensitive(vars []minimize.Variable, read []paramid.Path) {
	seen := make(map[string]struct{}, len(read))
	for _, p := range read {
		seen[p.Key()] = struct{}{}
	}
	for _, v := range vars {
		if _, ok := seen[v.Name]; !ok {
			s.logger.Warn("free parameter is not used by the forward calculation", slog.String("parameter", v.Name))
		}
	}
}

func safeCalculate(calc model.Calculator, d *model.Dictionary, out *model.Buffers, usePrecomputed bool) (ev model.Evaluation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("forward calculation panicked: %v", r)
		}
	}()
	return calc.Calculate(d, out, usePrecomputed)
}

func freeParameters(params []models.FittableParameter) []int {
	var idx []int
	for i, p := range params {
		if p.Free {
			idx = append(idx, i)
		}
	}
	return idx
}

func cloneParams(params []models.FittableParameter) []models.FittableParameter {
	out := make([]models.FittableParameter, len(params))
	copy(out, params)
	return out
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	return math.Min(hi, math.Max(lo, v))
}
