package refine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/diffit/internal/minimize"
	"github.com/starford/diffit/internal/model"
	"github.com/starford/diffit/internal/models"
)

// Observer receives the notifications of a Worker. Exactly one of Finished,
// Cancelled or Failed is delivered per started run. Callbacks run on the
// worker goroutine before the run is cleared, so Fitting still reports true
// while they execute.
type Observer interface {
	Progress(p Progress)
	Finished(res *Result)
	Cancelled(res *Result)
	Failed(res *Result, err error)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	OnProgress  func(Progress)
	OnFinished  func(*Result)
	OnCancelled func(*Result)
	OnFailed    func(*Result, error)
}

func (o ObserverFuncs) Progress(p Progress) {
	if o.OnProgress != nil {
		o.OnProgress(p)
	}
}

func (o ObserverFuncs) Finished(res *Result) {
	if o.OnFinished != nil {
		o.OnFinished(res)
	}
}

func (o ObserverFuncs) Cancelled(res *Result) {
	if o.OnCancelled != nil {
		o.OnCancelled(res)
	}
}

func (o ObserverFuncs) Failed(res *Result, err error) {
	if o.OnFailed != nil {
		o.OnFailed(res, err)
	}
}

// Action reports what StartStop did.
type Action int

// StartStop outcomes.
const (
	ActionNone Action = iota
	ActionStarted
	ActionCancelRequested
)

func (a Action) String() string {
	switch a {
	case ActionStarted:
		return "started"
	case ActionCancelRequested:
		return "cancel_requested"
	default:
		return "none"
	}
}

// Job is the input of one run.
type Job struct {
	Dictionary *model.Dictionary
	Parameters []models.FittableParameter
	Calculator model.Calculator
	Minimizer  minimize.Minimizer
}

// ErrClosed is returned by StartStop after Close.
var ErrClosed = errors.New("refine: worker closed")

// Worker runs at most one refinement at a time on a background goroutine.
type Worker struct {
	logger    *slog.Logger
	observers []Observer

	ctx  context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	session *Session
	done    chan struct{}
	last    *Result
	closed  bool
	fitting atomic.Bool
}

// NewWorker returns an idle worker notifying the given observers.
func NewWorker(logger *slog.Logger, observers ...Observer) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Worker{
		logger:    logger.With(slog.String("component", "refine")),
		observers: observers,
		ctx:       ctx,
		stop:      stop,
	}
}

// StartStop starts a run when idle and requests cancellation when one is
// active. A repeated cancel request for the same run is a no-op.
func (w *Worker) StartStop(job Job) (Action, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if sess := w.session; sess != nil {
		runID := slog.String("run_id", sess.RunID())
		if sess.RequestCancel() {
			w.logger.Info("cancellation requested", runID)
			return ActionCancelRequested, nil
		}
		if sess.CancelPending() {
			w.logger.Info("cancellation already pending", runID)
		} else {
			w.logger.Info("refinement already finishing, cancellation ignored", runID)
		}
		return ActionNone, nil
	}
	if w.closed {
		return ActionNone, ErrClosed
	}
	if len(freeParameters(job.Parameters)) == 0 {
		w.logger.Warn("refinement not started: no free parameters")
		return ActionNone, ErrNoFreeParameters
	}
	if job.Dictionary == nil || job.Calculator == nil || job.Minimizer == nil {
		return ActionNone, errors.New("refine: incomplete job")
	}

	sess := NewSession(Options{
		Minimizer:  job.Minimizer,
		Logger:     w.logger,
		OnProgress: w.progress,
	})
	done := make(chan struct{})
	w.session = sess
	w.done = done
	w.fitting.Store(true)

	go w.run(sess, job, done)
	return ActionStarted, nil
}

func (w *Worker) run(sess *Session, job Job, done chan struct{}) {
	defer close(done)

	var (
		res *Result
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &RefinementError{RunID: sess.RunID(), Stage: "worker", Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err = sess.Start(w.ctx, job.Dictionary, job.Parameters, job.Calculator)
	}()

	if err != nil {
		var rerr *RefinementError
		if !errors.As(err, &rerr) {
			err = &RefinementError{RunID: sess.RunID(), Stage: "start", Err: err}
		}
		res = &Result{
			RunID:      sess.RunID(),
			State:      Failed,
			Method:     job.Minimizer.Method(),
			Parameters: cloneParams(job.Parameters),
			FinishedAt: time.Now(),
			Err:        err,
		}
		w.logger.Error("refinement aborted", slog.String("run_id", sess.RunID()), slog.String("error", err.Error()))
	}

	w.notify(res)
	sess.Consume()

	w.mu.Lock()
	w.session = nil
	w.done = nil
	w.last = res
	w.fitting.Store(false)
	w.mu.Unlock()
}

func (w *Worker) progress(p Progress) {
	for _, o := range w.observers {
		w.safely("progress", func() { o.Progress(p) })
	}
}

func (w *Worker) notify(res *Result) {
	for _, o := range w.observers {
		switch res.State {
		case Completed:
			w.safely("finished", func() { o.Finished(res) })
		case Cancelled:
			w.safely("cancelled", func() { o.Cancelled(res) })
		default:
			w.safely("failed", func() { o.Failed(res, res.Err) })
		}
	}
}

func (w *Worker) safely(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("observer panicked", slog.String("event", event), slog.Any("panic", r))
		}
	}()
	fn()
}

// Fitting reports whether a run is in progress.
func (w *Worker) Fitting() bool { return w.fitting.Load() }

// Progress returns the latest progress of the active run.
func (w *Worker) Progress() (Progress, bool) {
	w.mu.Lock()
	sess := w.session
	w.mu.Unlock()
	if sess == nil {
		return Progress{}, false
	}
	return sess.Snapshot()
}

// RunID returns the identifier of the active run, or "" when idle.
func (w *Worker) RunID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return ""
	}
	return w.session.RunID()
}

// CancelPending reports whether the active run has a cancellation pending.
func (w *Worker) CancelPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session != nil && w.session.CancelPending()
}

// Last returns the result of the most recent finished run.
func (w *Worker) Last() *Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Wait blocks until the active run, if any, has finished and notified its
// observers, or ctx is done.
func (w *Worker) Wait(ctx context.Context) error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the active run and waits for it to finish. StartStop fails
// with ErrClosed afterwards.
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.stop()
	return w.Wait(ctx)
}
