package cache

import "time"

// Entry represents the last known build result of a source file
type Entry struct {
	// SourceFile is the path the host asked to compile
	SourceFile string `json:"source_file"`

	// Signature is the SHA256 of the source content the result was built from
	Signature string `json:"signature"`

	// ModTime is the source modification time (UnixNano) at update
	ModTime int64 `json:"mod_time"`

	// CompiledPath is where the artifact (or the error text) was written
	CompiledPath string `json:"compiled_path"`

	// Error marks entries whose artifact holds a transform failure
	Error bool `json:"error"`

	// Timestamp when this entry was recorded
	Timestamp time.Time `json:"timestamp"`
}
