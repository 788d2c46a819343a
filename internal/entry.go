// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/diffit/internal/api"
	"github.com/starford/diffit/internal/apperr"
	"github.com/starford/diffit/internal/fitservice"
	"github.com/starford/diffit/internal/history"
	"github.com/starford/diffit/internal/mcpserver"
	"github.com/starford/diffit/internal/sse"
	"github.com/starford/diffit/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// components are the long-lived pieces shared by the HTTP and MCP surfaces.
type components struct {
	logger *slog.Logger
	store  *storage.FS
	db     *history.DB
	broker *sse.Broker
	svc    *fitservice.Service
}

func (c *components) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.svc.Close(ctx); err != nil {
		c.logger.Error("refinement shutdown error", slog.String("error", err.Error()))
	}
	c.broker.Close()
	if err := c.db.Close(); err != nil {
		c.logger.Error("history close error", slog.String("error", err.Error()))
	}
}

func setup(ctx context.Context, app *application) (*components, error) {
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("project_dir", cfg.Project.Dir),
		slog.String("project_file", cfg.Project.File),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("method", cfg.Refinement.Method),
		slog.String("log_level", cfg.App.LogLevel.String()))

	if err := os.MkdirAll(cfg.Project.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}
	store, err := storage.NewFS(cfg.Project.Dir)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	db, err := history.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init history: %w", err)
	}

	broker := sse.NewBroker(cfg.SSE.ProgressThrottle)

	svc, err := fitservice.New(store, db, broker, logger, fitservice.Config{
		File:     cfg.Project.File,
		KeepRuns: cfg.SQLite.KeepRuns,
		Method:   cfg.Refinement.Method,
		Minimize: cfg.Refinement.Options(),
	})
	if err != nil {
		broker.Close()
		db.Close()
		return nil, err
	}

	if err := svc.Load(ctx); err != nil {
		if !errors.Is(err, apperr.ErrNotFound) && !errors.Is(err, apperr.ErrInvalid) {
			svc.Close(ctx)
			broker.Close()
			db.Close()
			return nil, fmt.Errorf("load project: %w", err)
		}
		logger.Warn("project not loaded; create one with `diffit init` or fix the file",
			slog.String("file", cfg.Project.File),
			slog.String("error", err.Error()))
	}

	return &components{logger: logger, store: store, db: db, broker: broker, svc: svc}, nil
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	c, err := setup(ctx, app)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := c.logger

	apiRouter := api.NewRouter(c.svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, c.broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", health)
	r.Get("/health/ready", health)

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Project.Watch {
		g.Go(func() error {
			if err := c.svc.Watch(gCtx); err != nil {
				logger.Error("project watcher failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		// Ends the active run and the event streams before draining HTTP.
		c.close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the MCP tools over stdio until stdin closes.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	c, err := setup(ctx, app)
	if err != nil {
		return err
	}
	defer c.close()

	c.logger.Info("MCP server starting on stdio")
	return mcpserver.New(c.svc, app.version).ServeStdio()
}
