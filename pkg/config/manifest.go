package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultManifestFileName is the name of the manifest file inside the
	// data directory.
	DefaultManifestFileName = "MANIFEST"

	// CurrentManifestVersion is the manifest format written by this build.
	CurrentManifestVersion = 1
)

// Manifest identifies a store directory. It is written once when the
// directory is initialized and carries the properties that must stay
// stable across restarts, most importantly the segment file prefix used
// for discovery.
type Manifest struct {
	Version    int       `json:"version"`
	StoreID    string    `json:"store_id"`
	CreatedAt  time.Time `json:"created_at"`
	FilePrefix string    `json:"file_prefix"`
}

// NewManifest creates a manifest for a fresh store directory.
func NewManifest(filePrefix string) *Manifest {
	return &Manifest{
		Version:    CurrentManifestVersion,
		StoreID:    uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		FilePrefix: filePrefix,
	}
}

// Validate checks the manifest for errors.
func (m *Manifest) Validate() error {
	if m.Version <= 0 || m.Version > CurrentManifestVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidManifest, m.Version)
	}
	if m.StoreID == "" {
		return fmt.Errorf("%w: missing store id", ErrInvalidManifest)
	}
	if m.FilePrefix == "" {
		return fmt.Errorf("%w: missing file prefix", ErrInvalidManifest)
	}
	return nil
}

// Save writes the manifest into dir atomically via a temp file rename.
func (m *Manifest) Save(dir string) error {
	if err := m.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	manifestPath := filepath.Join(dir, DefaultManifestFileName)
	tempPath := manifestPath + ".tmp"

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tempPath, manifestPath); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	return nil
}

// LoadManifest reads and validates the manifest in dir. It returns
// ErrManifestNotFound when the directory has no manifest yet.
func LoadManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, DefaultManifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}
