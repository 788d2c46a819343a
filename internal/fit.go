package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/starford/diffit/internal/calc"
	"github.com/starford/diffit/internal/demo"
	"github.com/starford/diffit/internal/minimize"
	"github.com/starford/diffit/internal/project"
	"github.com/starford/diffit/internal/refine"
	"github.com/starford/diffit/internal/storage"
)

// FitRequest describes a one-shot refinement of a project file.
type FitRequest struct {
	File     string
	Method   string
	Minimize minimize.Options
	// Write stores the refined values back into File on completion.
	Write bool
}

// Fit refines the free parameters of a project file on the calling goroutine
// and prints the parameter table to out. Cancelling ctx stops the run at the
// next iteration and leaves the file untouched.
func Fit(ctx context.Context, req FitRequest, out io.Writer, logger *slog.Logger) (*refine.Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := storage.NewFS(filepath.Dir(req.File))
	if err != nil {
		return nil, err
	}
	name := filepath.Base(req.File)
	data, err := store.Read(name)
	if err != nil {
		return nil, fmt.Errorf("read project: %w", err)
	}
	p, err := project.Parse(data)
	if err != nil {
		return nil, err
	}
	d, err := project.BuildDictionary(p)
	if err != nil {
		return nil, err
	}
	m, err := minimize.New(req.Method, req.Minimize)
	if err != nil {
		return nil, err
	}

	sess := refine.NewSession(refine.Options{
		Minimizer: m,
		Logger:    logger,
		OnProgress: func(pr refine.Progress) {
			logger.Debug("iteration",
				slog.Int("iteration", pr.Iteration),
				slog.Float64("reduced_chi_square", pr.ReducedChiSquare))
		},
	})
	params, err := p.Parameters()
	if err != nil {
		return nil, err
	}
	res, err := sess.Start(ctx, d, params, calc.NewPowder())
	if err != nil {
		return nil, err
	}
	printResult(out, res)

	switch res.State {
	case refine.Failed:
		return res, res.Err
	case refine.Cancelled:
		return res, context.Canceled
	}
	if !req.Write {
		return res, nil
	}
	if err := project.ApplyResults(p, res.Parameters); err != nil {
		return res, err
	}
	data, err = project.Marshal(p)
	if err != nil {
		return res, err
	}
	if err := store.Write(name, data); err != nil {
		return res, fmt.Errorf("write project: %w", err)
	}
	logger.Info("project updated", slog.String("file", req.File))
	return res, nil
}

func printResult(out io.Writer, res *refine.Result) {
	fmt.Fprintf(out, "run %s: %s (%s)\n", res.RunID, res.State, res.Method)
	if res.Status != "" {
		fmt.Fprintf(out, "status: %s\n", res.Status)
	}
	fmt.Fprintf(out, "chi2 %.6g -> %.6g, reduced %.6g, %d points, %d iterations, %d evaluations\n\n",
		res.InitialChiSquare, res.ChiSquare, res.ReducedChiSquare, res.Points, res.Iterations, res.Evaluations)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PARAMETER\tVALUE\tERROR\tUNIT\tFREE")
	for _, p := range res.Parameters {
		free := ""
		if p.Free {
			free = "*"
		}
		fmt.Fprintf(tw, "%s\t%.6g\t%.3g\t%s\t%s\n", p.ID, p.Value, p.Error, p.Unit, free)
	}
	_ = tw.Flush()
}

// InitProject writes the synthetic demo project to dir/name. An existing
// file is only replaced when force is set.
func InitProject(dir, name string, force bool) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	store, err := storage.NewFS(dir)
	if err != nil {
		return "", err
	}
	if !force {
		if _, err := store.Read(name); err == nil {
			return "", fmt.Errorf("%s already exists (use --force to replace it)", name)
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	p, err := demo.Project(demo.Options{})
	if err != nil {
		return "", err
	}
	data, err := project.Marshal(p)
	if err != nil {
		return "", err
	}
	if err := store.Write(name, data); err != nil {
		return "", err
	}
	return store.Abs(name)
}
