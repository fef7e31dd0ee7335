package engine

import (
	"fmt"
	"strings"
)

// StartupError aborts a build: the snapshot could not be written or the
// worker pool did not come up. The engine stays idle and the next build
// start tries again.
type StartupError struct {
	// Pipeline identity
	ID string

	// "snapshot" or "pool"
	Stage string

	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("happypack[%s]: failed to start (%s): %v", e.ID, e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// TransformError reports a file that did not compile on a worker. Output
// holds the failure text the worker recorded as the file's artifact.
type TransformError struct {
	File   string
	Output string
	Err    error
}

func (e *TransformError) Error() string {
	if msg := strings.TrimSpace(e.Output); msg != "" {
		return fmt.Sprintf("failed to transform %s:\n%s", e.File, msg)
	}

	return fmt.Sprintf("failed to transform %s: %v", e.File, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}
