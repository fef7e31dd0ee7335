package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// MapPath returns the location of the source map stored next to an artifact
func MapPath(artifact string) string {
	return artifact + ".map"
}

// WriteArtifact stores compiled code, and its source map when present, at path
func WriteArtifact(path string, code, sourceMap []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	if err := os.WriteFile(path, code, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}

	if len(sourceMap) == 0 {
		// A stale map from an earlier build must not be served with new code
		if err := os.Remove(MapPath(path)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale source map: %w", err)
		}

		return nil
	}

	if err := os.WriteFile(MapPath(path), sourceMap, 0o644); err != nil {
		return fmt.Errorf("failed to write source map: %w", err)
	}

	return nil
}

// ReadArtifact loads an artifact and its optional source map
func ReadArtifact(path string) (code, sourceMap []byte, err error) {
	code, err = os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	sourceMap, err = os.ReadFile(MapPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return code, nil, nil
		}

		return nil, nil, fmt.Errorf("failed to read source map: %w", err)
	}

	return code, sourceMap, nil
}

// RemoveArtifacts deletes every artifact stored under dir
func RemoveArtifacts(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove artifacts: %w", err)
	}

	return nil
}
