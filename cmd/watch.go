package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/saifelse/happypack/internal/engine"
	"github.com/saifelse/happypack/internal/host"
	"github.com/saifelse/happypack/internal/lifecycle"
)

var watchCmd = &cobra.Command{
	Use:          "watch [directory]",
	Short:        "Build, then rebuild on change",
	Long:         `Build every file below the directory, then recompile files as they change. The first pass runs on background workers; later passes compile in-process.`,
	RunE:         runWatch,
	SilenceUsage: true,
	Args:         cobra.MaximumNArgs(1),
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Verbose)

	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	dir := root
	if len(args) > 0 {
		dir = args[0]
	}

	signals := lifecycle.NewSignalHost(logger)
	ctx := signals.Install(commandContext(cmd))
	defer signals.Close()

	b, err := host.New(cfg, root, engine.Deps{Logger: logger, Lifecycle: signals})
	if err != nil {
		return err
	}
	defer b.Teardown()

	logger.Info("watching for changes", "dir", dir)

	return b.Watch(ctx, dir, func(report *host.Report, err error) {
		if err != nil {
			logger.Error("build failed", "error", err)
		}

		if report != nil {
			printReport(cmd.OutOrStdout(), report)
		}
	})
}
