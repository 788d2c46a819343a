package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/diffit/internal/minimize"
)

// Validation errors name fields by their yaml keys.
func init() { validation.ErrorTag = "yaml" }

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App        ApplicationConfig `yaml:"app"`
	Project    ProjectConfig     `yaml:"project"`
	SQLite     SQLiteConfig      `yaml:"sqlite"`
	Auth       AuthConfig        `yaml:"auth"`
	Refinement RefinementConfig  `yaml:"refinement"`
	SSE        SSEConfig         `yaml:"sse"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Project.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Refinement.Validate(); err != nil {
		return err
	}
	return c.SSE.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// ProjectConfig locates the project directory and the active project file in it.
type ProjectConfig struct {
	Dir   string `yaml:"dir"`
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// Validate validates the project configuration.
func (c *ProjectConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
		validation.Field(&c.File, validation.Required),
	)
}

// SQLiteConfig holds the run history database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
	// KeepRuns bounds the archive; 0 keeps every run.
	KeepRuns int `yaml:"keep_runs"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.KeepRuns, validation.Min(0)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// RefinementConfig selects and tunes the minimizer.
type RefinementConfig struct {
	Method            string  `yaml:"method"`
	MaxIterations     int     `yaml:"max_iterations"`
	GradientTolerance float64 `yaml:"gradient_tolerance"`
	FunctionTolerance float64 `yaml:"function_tolerance"`
}

// Validate validates the refinement configuration.
func (c *RefinementConfig) Validate() error {
	methods := make([]any, len(minimize.Methods))
	for i, m := range minimize.Methods {
		methods[i] = m
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Method, validation.Required, validation.In(methods...)),
		validation.Field(&c.MaxIterations, validation.Min(0)),
		validation.Field(&c.GradientTolerance, validation.Min(0.0)),
		validation.Field(&c.FunctionTolerance, validation.Min(0.0)),
	)
}

// Options converts the section to minimizer options.
func (c *RefinementConfig) Options() minimize.Options {
	return minimize.Options{
		MaxIterations:     c.MaxIterations,
		GradientTolerance: c.GradientTolerance,
		FunctionTolerance: c.FunctionTolerance,
	}
}

// SSEConfig tunes live event delivery.
type SSEConfig struct {
	ProgressThrottle time.Duration `yaml:"progress_throttle"`
}

// Validate validates the SSE configuration.
func (c *SSEConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ProgressThrottle, validation.Min(time.Duration(0))),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Project: ProjectConfig{
			Dir:   "./projects",
			File:  "lbco.yaml",
			Watch: true,
		},
		SQLite: SQLiteConfig{
			Path: "./diffit.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Refinement: RefinementConfig{
			Method: minimize.MethodBFGS,
		},
		SSE: SSEConfig{
			ProgressThrottle: 250 * time.Millisecond,
		},
	}
}
