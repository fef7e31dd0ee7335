package compiler

import (
	"context"
	"fmt"
	"strings"
)

// Input is a single file handed to a transform
type Input struct {
	// Path of the source file
	FilePath string

	// Source content; the file on disk is not re-read
	Source []byte

	// Incoming source map, may be nil
	Map []byte

	// Host build options visible to loaders
	CompilerOptions map[string]any
}

// Output is the result of a successful transform
type Output struct {
	Code []byte
	Map  []byte
}

// Transformer turns one file into its compiled form
type Transformer interface {
	Transform(ctx context.Context, in *Input) (*Output, error)
}

// LoaderError reports a loader that did not complete successfully
type LoaderError struct {
	// Loader executable
	Loader string

	// Exit code of the loader, -1 if it could not be started
	ExitCode int

	// What the loader wrote to stderr
	Stderr string

	Err error
}

func (e *LoaderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "loader %s failed", e.Loader)

	if e.ExitCode >= 0 {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}

	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		b.WriteString(":\n")
		b.WriteString(msg)
	}

	return b.String()
}

func (e *LoaderError) Unwrap() error {
	return e.Err
}
