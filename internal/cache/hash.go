package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// HashBytes returns the SHA256 signature of data
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile creates a hash of a file's content
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashContext creates a signature for an arbitrary cache context value.
// A nil context hashes to the empty string.
func HashContext(v any) (string, error) {
	if v == nil {
		return "", nil
	}

	// encoding/json sorts map keys, which keeps the signature stable
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("cache context is not serializable: %w", err)
	}

	return HashBytes(data), nil
}
