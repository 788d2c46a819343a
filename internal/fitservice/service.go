// Package fitservice coordinates the active project, its model dictionary,
// the refinement worker, the run archive and live notifications.
package fitservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/starford/diffit/internal/apperr"
	"github.com/starford/diffit/internal/calc"
	"github.com/starford/diffit/internal/checksum"
	"github.com/starford/diffit/internal/history"
	"github.com/starford/diffit/internal/minimize"
	"github.com/starford/diffit/internal/model"
	"github.com/starford/diffit/internal/models"
	"github.com/starford/diffit/internal/paramid"
	"github.com/starford/diffit/internal/project"
	"github.com/starford/diffit/internal/refine"
	"github.com/starford/diffit/internal/sse"
	"github.com/starford/diffit/internal/storage"
)

// Publisher receives live events.
type Publisher interface {
	Publish(sse.Event)
	PublishProgress(data any)
}

// Config holds the service settings.
type Config struct {
	// File is the active project file, relative to the storage root.
	File     string
	KeepRuns int
	Method   string
	Minimize minimize.Options
	// NewCalculator overrides the forward model; the powder model is used when nil.
	NewCalculator func() model.Calculator
}

// ParameterPatch is a partial update of a fittable parameter.
type ParameterPatch struct {
	Value *float64 `json:"value,omitempty"`
	Free  *bool    `json:"free,omitempty"`
}

// Status describes the refinement state.
type Status struct {
	Fitting       bool             `json:"fitting"`
	CancelPending bool             `json:"cancel_pending"`
	RunID         string           `json:"run_id,omitempty"`
	Progress      *refine.Progress `json:"progress,omitempty"`
	Last          *history.RunRow  `json:"last,omitempty"`
	Project       string           `json:"project"`
	Checksum      string           `json:"checksum"`
	Dirty         bool             `json:"dirty"`
	ChiSquare     float64          `json:"chi_square"`
	Reduced       float64          `json:"reduced_chi_square"`
}

// PatternView is the measured and calculated pattern of one experiment.
type PatternView struct {
	Experiment string    `json:"experiment"`
	X          []float64 `json:"x"`
	YObs       []float64 `json:"y_obs"`
	YCalc      []float64 `json:"y_calc"`
	Sigma      []float64 `json:"sigma"`
}

// RunDetail is an archived run with its parameter values.
type RunDetail struct {
	Run        history.RunRow         `json:"run"`
	Parameters []history.ParameterRow `json:"parameters"`
}

// Service is safe for concurrent use.
type Service struct {
	store   storage.Provider
	archive history.Archive
	events  Publisher
	worker  *refine.Worker
	logger  *slog.Logger
	cfg     Config

	mu         sync.Mutex
	proj       *project.Project
	dict       *model.Dictionary
	calc       model.Calculator
	calculated map[string][]float64
	eval       model.Evaluation
	checksum   string
	dirty      bool
	last       *history.RunRow
}

// New creates a service. Load must be called before use.
func New(store storage.Provider, archive history.Archive, events Publisher, logger *slog.Logger, cfg Config) (*Service, error) {
	if _, err := minimize.New(cfg.Method, cfg.Minimize); err != nil {
		return nil, fmt.Errorf("fitservice: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NewCalculator == nil {
		cfg.NewCalculator = defaultCalculator
	}
	s := &Service{
		store:   store,
		archive: archive,
		events:  events,
		logger:  logger.With(slog.String("component", "fitservice")),
		cfg:     cfg,
		calc:    cfg.NewCalculator(),
	}
	s.worker = refine.NewWorker(logger, observer{s})
	return s, nil
}

// Close cancels any active refinement and waits for it to finish.
func (s *Service) Close(ctx context.Context) error {
	return s.worker.Close(ctx)
}

// Wait blocks until the active refinement has finished.
func (s *Service) Wait(ctx context.Context) error {
	return s.worker.Wait(ctx)
}

// Load reads, validates and activates the configured project file.
func (s *Service) Load(ctx context.Context) error {
	_, err := s.Reload(ctx)
	return err
}

// Reload re-reads the project file. It reports false when the file content
// matches the loaded project. Reloading is rejected while fitting.
func (s *Service) Reload(_ context.Context) (bool, error) {
	data, err := s.store.Read(s.cfg.File)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("%w: project %s", apperr.ErrNotFound, s.cfg.File)
		}
		return false, err
	}
	sum := checksum.Sum(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker.Fitting() {
		return false, fmt.Errorf("%w: refinement in progress", apperr.ErrConflict)
	}
	if s.proj != nil && sum == s.checksum {
		return false, nil
	}

	p, err := project.Parse(data)
	if err != nil {
		return false, fmt.Errorf("%w: %v", apperr.ErrInvalid, err)
	}
	d, err := project.BuildDictionary(p)
	if err != nil {
		return false, fmt.Errorf("%w: %v", apperr.ErrInvalid, err)
	}
	first := s.proj == nil
	s.proj, s.dict, s.checksum, s.dirty = p, d, sum, false
	if err := s.refreshLocked(); err != nil {
		s.logger.Warn("forward calculation failed", slog.String("error", err.Error()))
	}

	s.logger.Info("project loaded",
		slog.String("file", s.cfg.File),
		slog.Int("parameters", d.Table.Len()),
		slog.Float64("reduced_chi_square", s.eval.Reduced()))
	if !first {
		s.events.Publish(sse.Event{Type: sse.TypeProjectReload, Data: map[string]string{"path": s.cfg.File, "checksum": sum}})
	}
	return true, nil
}

// refreshLocked recomputes the calculated patterns from scratch.
func (s *Service) refreshLocked() error {
	out := model.NewBuffers()
	ev, err := s.calc.Calculate(s.dict, out, false)
	if err != nil {
		s.calculated, s.eval = nil, model.Evaluation{}
		return err
	}
	s.calculated, s.eval = out.Calculated, ev
	return nil
}

func defaultCalculator() model.Calculator { return calc.NewPowder() }

func (s *Service) loaded() error {
	if s.proj == nil {
		return fmt.Errorf("%w: no project loaded", apperr.ErrNotFound)
	}
	return nil
}

// Projects lists the project files in the storage root.
func (s *Service) Projects(_ context.Context) ([]models.ProjectMetadata, error) {
	return s.store.List("")
}

// Parameters returns the fittable parameters of the active project.
func (s *Service) Parameters(_ context.Context) ([]models.FittableParameter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loaded(); err != nil {
		return nil, err
	}
	return s.proj.Parameters()
}

// SetParameter edits the value or free flag of a fittable parameter.
func (s *Service) SetParameter(_ context.Context, id string, patch ParameterPatch) (*models.FittableParameter, error) {
	path, err := paramid.Decode(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loaded(); err != nil {
		return nil, err
	}
	if s.worker.Fitting() {
		return nil, fmt.Errorf("%w: refinement in progress", apperr.ErrConflict)
	}
	prm, ok := s.proj.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("%w: parameter %s", apperr.ErrNotFound, id)
	}
	if !prm.Fittable {
		return nil, fmt.Errorf("%w: parameter %s is not fittable", apperr.ErrInvalid, id)
	}

	if patch.Value != nil {
		v := *patch.Value
		lo, hi := prm.Bounds()
		if math.IsNaN(v) || math.IsInf(v, 0) || v < lo || v > hi {
			return nil, fmt.Errorf("%w: value %g outside [%g, %g]", apperr.ErrInvalid, v, lo, hi)
		}
		if err := s.dict.Edit(path, v); err != nil {
			if errors.Is(err, model.ErrLocked) {
				return nil, fmt.Errorf("%w: %v", apperr.ErrConflict, err)
			}
			return nil, err
		}
		prm.Value = v
		prm.Error = 0
	}
	if patch.Free != nil {
		prm.Free = *patch.Free
	}
	s.dirty = true
	if err := s.refreshLocked(); err != nil {
		s.logger.Warn("forward calculation failed", slog.String("error", err.Error()))
	}

	params, err := s.proj.Parameters()
	if err != nil {
		return nil, err
	}
	for _, fp := range params {
		if fp.ID == id {
			s.events.Publish(sse.Event{Type: sse.TypeParameter, Data: fp})
			return &fp, nil
		}
	}
	return nil, fmt.Errorf("%w: parameter %s", apperr.ErrNotFound, id)
}

// StartStop starts a refinement of the active project, or requests
// cancellation of the one in progress.
func (s *Service) StartStop(_ context.Context) (refine.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loaded(); err != nil {
		return refine.ActionNone, err
	}

	var job refine.Job
	if !s.worker.Fitting() {
		m, err := minimize.New(s.cfg.Method, s.cfg.Minimize)
		if err != nil {
			return refine.ActionNone, err
		}
		params, err := s.proj.Parameters()
		if err != nil {
			return refine.ActionNone, err
		}
		job = refine.Job{
			Dictionary: s.dict,
			Parameters: params,
			Calculator: s.calc,
			Minimizer:  m,
		}
	}
	act, err := s.worker.StartStop(job)
	if err != nil {
		return act, err
	}
	if act == refine.ActionStarted {
		s.events.Publish(sse.Event{Type: sse.TypeFitStarted, Data: map[string]any{
			"method":             s.cfg.Method,
			"chi_square":         s.eval.ChiSquare,
			"reduced_chi_square": s.eval.Reduced(),
		}})
	}
	return act, nil
}

// Status reports the refinement state.
func (s *Service) Status(_ context.Context) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &Status{
		Fitting:       s.worker.Fitting(),
		CancelPending: s.worker.CancelPending(),
		RunID:         s.worker.RunID(),
		Last:          s.last,
		Project:       s.cfg.File,
		Checksum:      s.checksum,
		Dirty:         s.dirty,
		ChiSquare:     s.eval.ChiSquare,
		Reduced:       s.eval.Reduced(),
	}
	if p, ok := s.worker.Progress(); ok {
		st.Progress = &p
	}
	return st, nil
}

// Pattern returns the measured and calculated arrays of an experiment.
func (s *Service) Pattern(_ context.Context, experiment string) (*PatternView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loaded(); err != nil {
		return nil, err
	}
	e, ok := s.proj.Experiment(experiment)
	if !ok || e.Data == nil {
		return nil, fmt.Errorf("%w: experiment %s", apperr.ErrNotFound, experiment)
	}
	ycalc := s.calculated[experiment]
	if ycalc == nil {
		ycalc = []float64{}
	}
	return &PatternView{
		Experiment: experiment,
		X:          e.Data.X,
		YObs:       e.Data.Y,
		YCalc:      ycalc,
		Sigma:      e.Data.Sigma,
	}, nil
}

// History returns archived runs, newest first.
func (s *Service) History(_ context.Context, limit, offset int) ([]history.RunRow, int, error) {
	return s.archive.ListRuns(limit, offset)
}

// Run returns one archived run.
func (s *Service) Run(_ context.Context, id string) (*RunDetail, error) {
	r, params, err := s.archive.GetRun(id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return nil, fmt.Errorf("%w: run %s", apperr.ErrNotFound, id)
		}
		return nil, err
	}
	return &RunDetail{Run: *r, Parameters: params}, nil
}

// Save writes the active project, including refined values, back to its
// file. A non-empty ifMatch must equal the checksum of the file on disk.
func (s *Service) Save(_ context.Context, ifMatch string) (*models.ProjectMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loaded(); err != nil {
		return nil, err
	}
	if s.worker.Fitting() {
		return nil, fmt.Errorf("%w: refinement in progress", apperr.ErrConflict)
	}
	existing, err := s.store.Read(s.cfg.File)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if ifMatch != "" && ifMatch != checksum.Sum(existing) {
		return nil, apperr.ErrConflict
	}
	data, err := project.Marshal(s.proj)
	if err != nil {
		return nil, err
	}
	if err := s.store.Write(s.cfg.File, data); err != nil {
		return nil, err
	}
	s.checksum = checksum.Sum(data)
	s.dirty = false
	s.logger.Info("project saved", slog.String("file", s.cfg.File), slog.String("checksum", s.checksum))
	return &models.ProjectMetadata{Path: s.cfg.File, Checksum: s.checksum, UpdatedAt: time.Now()}, nil
}

// observer applies worker notifications to the service.
type observer struct{ s *Service }

func (o observer) Progress(p refine.Progress) {
	o.s.events.PublishProgress(p)
}

func (o observer) Finished(res *refine.Result) {
	s := o.s
	s.mu.Lock()
	if err := project.ApplyResults(s.proj, res.Parameters); err != nil {
		s.logger.Error("apply results failed", slog.String("run_id", res.RunID), slog.String("error", err.Error()))
	}
	s.calculated = res.Calculated
	s.eval = model.Evaluation{ChiSquare: res.ChiSquare, Points: res.Points}
	s.dirty = true
	s.mu.Unlock()

	s.archiveRun(res)
	s.events.Publish(sse.Event{Type: sse.TypeFitFinished, Data: res})
}

func (o observer) Cancelled(res *refine.Result) {
	o.s.archiveRun(res)
	o.s.events.Publish(sse.Event{Type: sse.TypeFitCancelled, Data: res})
}

func (o observer) Failed(res *refine.Result, err error) {
	s := o.s
	// The failing evaluation may have left partial values in the table.
	s.mu.Lock()
	if d, berr := project.BuildDictionary(s.proj); berr != nil {
		s.logger.Warn("rebuild dictionary after failed run", slog.String("run_id", res.RunID), slog.String("error", berr.Error()))
	} else {
		s.dict = d
		if rerr := s.refreshLocked(); rerr != nil {
			s.logger.Warn("refresh after failed run", slog.String("run_id", res.RunID), slog.String("error", rerr.Error()))
		}
	}
	s.mu.Unlock()

	s.archiveRun(res)
	s.events.Publish(sse.Event{Type: sse.TypeFitFailed, Data: map[string]any{
		"run_id": res.RunID,
		"error":  err.Error(),
	}})
}

func (s *Service) archiveRun(res *refine.Result) {
	row := history.RunRow{
		ID:               res.RunID,
		Project:          s.cfg.File,
		Method:           res.Method,
		State:            res.State.String(),
		Status:           res.Status,
		InitialChiSquare: res.InitialChiSquare,
		ChiSquare:        res.ChiSquare,
		ReducedChiSquare: res.ReducedChiSquare,
		Points:           res.Points,
		Iterations:       res.Iterations,
		Evaluations:      res.Evaluations,
		StartedAt:        res.StartedAt,
		FinishedAt:       res.FinishedAt,
	}
	if res.Err != nil {
		row.Error = res.Err.Error()
	}
	if row.StartedAt.IsZero() {
		row.StartedAt = row.FinishedAt
	}
	params := make([]history.ParameterRow, len(res.Parameters))
	for i, p := range res.Parameters {
		params[i] = history.ParameterRow{ParamID: p.ID, Value: p.Value, Error: p.Error, Free: p.Free}
	}

	if err := s.archive.InsertRun(row, params); err != nil {
		s.logger.Error("archive run failed", slog.String("run_id", res.RunID), slog.String("error", err.Error()))
		return
	}
	if n, err := s.archive.Prune(s.cfg.KeepRuns); err != nil {
		s.logger.Warn("prune runs failed", slog.String("error", err.Error()))
	} else if n > 0 {
		s.logger.Debug("pruned runs", slog.Int("removed", n))
	}

	s.mu.Lock()
	s.last = &row
	s.mu.Unlock()
}
