// Package snapshot persists the part of a build configuration that workers
// need to rebuild the transform pipeline on their own.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/saifelse/happypack/internal/config"
)

// AllowedOptions lists the host compiler options copied into a snapshot.
// Anything else may be unserializable or irrelevant to a single transform.
var AllowedOptions = []string{
	"bail",
	"cache",
	"context",
	"devtool",
	"entry",
	"mode",
	"module",
	"output",
	"resolve",
	"resolve_loader",
	"target",
	"watch",
}

var allowed = func() map[string]bool {
	m := make(map[string]bool, len(AllowedOptions))
	for _, k := range AllowedOptions {
		m[k] = true
	}
	return m
}()

// Snapshot is the document written for workers
type Snapshot struct {
	Loaders         []config.Loader `json:"loaders"`
	CompilerOptions map[string]any  `json:"compilerOptions"`
}

// IsAllowed reports whether a compiler option key may be snapshotted.
// Keys are matched case-insensitively since viper lowercases them.
func IsAllowed(key string) bool {
	return allowed[strings.ToLower(key)]
}

// FilterOptions returns a new map holding only the allow-listed keys of
// options, values copied verbatim
func FilterOptions(options map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range options {
		if IsAllowed(k) {
			out[k] = v
		}
	}

	return out
}

// Build creates the snapshot for a pipeline
func Build(loaders []config.Loader, compilerOptions map[string]any) *Snapshot {
	return &Snapshot{
		Loaders:         loaders,
		CompilerOptions: FilterOptions(compilerOptions),
	}
}

// Write stores the snapshot at path, replacing any previous one
func Write(path string, s *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	// Workers may read while a new build starts; rename keeps the file whole
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	return nil
}

// Read loads the snapshot at path. The error wraps os.ErrNotExist when no
// snapshot has been written yet.
func Read(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("snapshot %s not written yet: %w", path, err)
		}

		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", path, err)
	}

	if s.CompilerOptions == nil {
		s.CompilerOptions = map[string]any{}
	}

	return &s, nil
}
