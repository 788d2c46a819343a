// Package testutil provides shared test helpers for project directories,
// run archives and the synthetic demo project.
package testutil

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/starford/diffit/internal/demo"
	"github.com/starford/diffit/internal/history"
	"github.com/starford/diffit/internal/project"
	"github.com/starford/diffit/internal/storage"
)

// TestDB creates a temporary run archive that is automatically cleaned up.
func TestDB(t *testing.T) *history.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "diffit-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := history.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestProjectDir creates a temporary project directory with a storage.Provider.
func TestProjectDir(t *testing.T) (string, *storage.FS) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, store
}

// WriteDemoProject stores the synthetic demo project under name and returns it.
func WriteDemoProject(t *testing.T, store storage.Provider, name string) *project.Project {
	t.Helper()
	p, err := demo.Project(demo.Options{})
	if err != nil {
		t.Fatal(err)
	}
	data, err := project.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Write(name, data); err != nil {
		t.Fatal(err)
	}
	return p
}

// Logger returns a logger that only reports errors.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Eventually polls fn every tick until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}
