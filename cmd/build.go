package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/saifelse/happypack/internal/codes"
	"github.com/saifelse/happypack/internal/config"
	"github.com/saifelse/happypack/internal/engine"
	"github.com/saifelse/happypack/internal/host"
)

var buildCmd = &cobra.Command{
	Use:          "build [files or directories...]",
	Short:        "Build files once",
	Long:         `Compile the given files, or every file below the current directory, through the configured pipelines.`,
	RunE:         runBuild,
	SilenceUsage: true,
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Verbose)

	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	b, err := host.New(cfg, root, engine.Deps{Logger: logger})
	if err != nil {
		return err
	}

	report, err := b.Build(commandContext(cmd), args)
	if report != nil {
		printReport(cmd.OutOrStdout(), report)
	}
	if err != nil {
		return err
	}

	if !report.OK() {
		return &ExitError{
			Code:    codes.BuildFailed,
			Message: fmt.Sprintf("%d file(s) failed to transform", len(report.Failed)),
		}
	}

	return nil
}

// loadConfig loads and validates the configuration for args
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg, err := config.NewLoader(config.NewIDSequence()).LoadForBuild(cmd, args)
	if err != nil {
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			return nil, err
		}

		return nil, &ExitError{Code: codes.ConfigError, Message: "failed to load configuration", Err: err}
	}

	return cfg, nil
}

// commandContext returns the command's context, or a background one when
// the command was not started through Execute
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}

	return context.Background()
}

func printReport(w io.Writer, report *host.Report) {
	for _, f := range report.Failed {
		fmt.Fprintf(w, "FAILED %s\n  %v\n", f.File, f.Err)
	}

	fmt.Fprintf(w, "Compiled %d file(s), %d failed\n", report.Compiled, len(report.Failed))
}
