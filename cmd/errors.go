package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/saifelse/happypack/internal/codes"
	"github.com/saifelse/happypack/internal/config"
	"github.com/saifelse/happypack/internal/engine"
)

// ExitError carries the process exit code for a failed command
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitCode maps a command error to the process exit code
func exitCode(err error) int {
	if err == nil {
		return codes.Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		return codes.ConfigError
	}

	var startErr *engine.StartupError
	if errors.As(err, &startErr) {
		return codes.StartupError
	}

	if errors.Is(err, context.Canceled) {
		return codes.Interrupted
	}

	return codes.BuildFailed
}

// reportExit writes the description of err's exit code to w and returns the
// code. Nothing is written for a successful run.
func reportExit(w io.Writer, err error) int {
	code := exitCode(err)
	if codes.IsSuccess(code) {
		return code
	}

	fmt.Fprintf(w, "happypack: %s (exit code %d)\n", codes.GetErrorMessage(code), code)
	return code
}
