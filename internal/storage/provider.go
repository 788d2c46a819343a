// Package storage defines the project-directory file abstraction.
package storage

import "github.com/starford/diffit/internal/models"

// Provider is the interface for project file operations. Paths are relative
// to the project directory.
type Provider interface {
	// List returns metadata for every project file (.yaml, .yml) under dir.
	List(dir string) ([]models.ProjectMetadata, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically writes content to path.
	Write(path string, content []byte) error
	// Abs resolves path to an absolute file name inside the directory.
	Abs(path string) (string, error)
}
