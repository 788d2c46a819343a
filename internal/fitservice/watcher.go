package fitservice

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/diffit/internal/apperr"
	"github.com/starford/diffit/internal/sse"
)

const (
	reloadDebounce = 200 * time.Millisecond
	reloadRetry    = time.Second
)

// Watch reloads the active project when its file changes on disk, until ctx
// is cancelled. Bursts of events are debounced. A reload attempted during a
// refinement is retried after it ends. Writes made by Save are recognised by
// checksum and skipped.
func (s *Service) Watch(ctx context.Context) error {
	abs, err := s.store.Abs(s.cfg.File)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Editors often replace files by rename, so watch the directory.
	dir := filepath.Dir(abs)
	if err := w.Add(dir); err != nil {
		return err
	}
	s.logger.Info("watcher: started", slog.String("file", abs))

	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func(d time.Duration) {
		if timer == nil {
			timer = time.NewTimer(d)
			timerCh = timer.C
		} else {
			timer.Reset(d)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.logger.Info("watcher: stopped")
			return nil

		case <-timerCh:
			changed, err := s.Reload(ctx)
			switch {
			case errors.Is(err, apperr.ErrConflict):
				s.logger.Debug("watcher: reload deferred until refinement ends")
				schedule(reloadRetry)
			case errors.Is(err, apperr.ErrInvalid):
				s.logger.Warn("watcher: project file invalid", slog.String("error", err.Error()))
				s.events.Publish(sse.Event{Type: sse.TypeProjectInvalid, Data: map[string]string{
					"path":  s.cfg.File,
					"error": err.Error(),
				}})
			case err != nil:
				s.logger.Warn("watcher: reload failed", slog.String("error", err.Error()))
			case changed:
				s.logger.Info("watcher: project reloaded", slog.String("file", s.cfg.File))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				schedule(reloadDebounce)
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
