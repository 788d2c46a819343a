package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Name  string `yaml:"name"`
	Limit int    `yaml:"limit"`
}

func (s *sample) Validate() error {
	if s.Limit < 0 {
		return errors.New("limit must be non-negative")
	}
	return nil
}

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ExpandsEnvAndKeepsDefaults(t *testing.T) {
	t.Setenv("SAMPLE_NAME", "diffit")
	cfg := sample{Limit: 7}
	if err := Load(write(t, "name: ${SAMPLE_NAME}\n"), &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "diffit" || cfg.Limit != 7 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name, content, want string
	}{
		{"unknown key", "nmae: x\n", "failed to parse"},
		{"validation", "limit: -1\n", "validation failed"},
		{"bad type", "limit: lots\n", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg sample
			err := Load(write(t, tt.content), &cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	var cfg sample
	if err := Load(filepath.Join(t.TempDir(), "nope.yaml"), &cfg); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestLoadIfExists(t *testing.T) {
	cfg := sample{Limit: 3}
	found, err := LoadIfExists(filepath.Join(t.TempDir(), "nope.yaml"), &cfg)
	if err != nil || found {
		t.Fatalf("missing file: found=%v err=%v", found, err)
	}

	cfg = sample{Limit: -1}
	if _, err := LoadIfExists(filepath.Join(t.TempDir(), "nope.yaml"), &cfg); err == nil {
		t.Error("defaults are still validated")
	}

	found, err = LoadIfExists(write(t, "limit: 5\n"), &cfg)
	if err != nil || !found || cfg.Limit != 5 {
		t.Errorf("existing file: found=%v err=%v cfg=%+v", found, err, cfg)
	}
}

func TestDecode_EmptyDocument(t *testing.T) {
	cfg := sample{Name: "kept"}
	if err := Decode("inline", nil, &cfg); err != nil || cfg.Name != "kept" {
		t.Errorf("Decode(empty) = %v, cfg = %+v", err, cfg)
	}
}
