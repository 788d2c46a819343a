package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/diffit/internal"
	pkgconfig "github.com/starford/diffit/pkg/config"
)

var version = "dev"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	found, err := pkgconfig.LoadIfExists(configPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if !found {
		slog.Debug("config file not found, using defaults", slog.String("path", configPath))
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
		internal.WithVersion(version),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func fit(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	req := internal.FitRequest{
		File:     cmd.String("project"),
		Method:   cfg.Refinement.Method,
		Minimize: cfg.Refinement.Options(),
		Write:    cmd.Bool("write"),
	}
	if m := cmd.String("method"); m != "" {
		req.Method = m
	}
	if n := cmd.Int("max-iterations"); n > 0 {
		req.Minimize.MaxIterations = int(n)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.App.LogLevel}))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = internal.Fit(ctx, req, os.Stdout, logger)
	if errors.Is(err, context.Canceled) {
		return errors.New("refinement cancelled")
	}
	return err
}

func initProject(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dir, file := cfg.Project.Dir, cfg.Project.File
	if v := cmd.String("dir"); v != "" {
		dir = v
	}
	if v := cmd.String("file"); v != "" {
		file = v
	}
	path, err := internal.InitProject(dir, file, cmd.Bool("force"))
	if err != nil {
		return err
	}
	fmt.Println("created", path)
	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunMCP(ctx,
		internal.WithConfig(cfg),
		internal.WithVersion(version),
		internal.WithLogOutput(os.Stderr),
	)
}

func main() {
	cmd := &cli.Command{
		Name:    "diffit",
		Usage:   "Powder diffraction refinement service with live progress, run history and an MCP tool surface",
		Version: version,
		Action:  serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API (default)",
				Action: serve,
			},
			{
				Name:   "fit",
				Usage:  "Refine a project file once and print the parameter table",
				Action: fit,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "project",
						Aliases:  []string{"p"},
						Usage:    "Path to the project YAML file",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "method",
						Aliases: []string{"m"},
						Usage:   "Minimizer: bfgs, lbfgs, nelder-mead or gradient-descent",
					},
					&cli.IntFlag{
						Name:  "max-iterations",
						Usage: "Iteration limit (0 uses the configured value)",
					},
					&cli.BoolFlag{
						Name:    "write",
						Aliases: []string{"w"},
						Usage:   "Store refined values back into the project file",
					},
				},
			},
			{
				Name:   "init",
				Usage:  "Write the synthetic demo project",
				Action: initProject,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dir", Usage: "Project directory (default from config)"},
					&cli.StringFlag{Name: "file", Usage: "Project file name (default from config)"},
					&cli.BoolFlag{Name: "force", Usage: "Replace an existing file"},
				},
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools over stdio",
				Action: serveMCP,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
