package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// ArtifactPath returns the deterministic location of the compiled artifact for
// a source file. The same source path always maps to the same artifact path
// for a given pipeline id, so repeated background compiles overwrite their
// previous output instead of accumulating files.
func ArtifactPath(tempDir, id, sourceFile string) string {
	abs, err := filepath.Abs(sourceFile)
	if err != nil {
		abs = sourceFile
	}

	sum := sha256.Sum256([]byte(abs))
	name := SanitizeName(filepath.Base(abs)) + "--" + hex.EncodeToString(sum[:8])

	return filepath.Join(tempDir, id, name)
}

// ForegroundArtifactPath returns the location of in-process compiles made
// after the initial build. Those entries are never persisted, so they must not
// overwrite the artifact a persisted entry points at.
func ForegroundArtifactPath(tempDir, id, sourceFile string) string {
	return ArtifactPath(filepath.Join(tempDir, id), "foreground", sourceFile)
}

// SanitizeName replaces characters that are awkward in file names
func SanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
