package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/saifelse/happypack/internal/codes"
	"github.com/saifelse/happypack/internal/version"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "happypack",
	Short:        "Parallel, cached file transforms",
	Long:         `Run per-file transform pipelines on a pool of background workers and skip unchanged files using a persistent cache.`,
	RunE:         runBuild,
	SilenceUsage: true,
	Args:         cobra.ArbitraryArgs,
}

func Execute() {
	err := rootCmd.Execute()
	if code := reportExit(os.Stderr, err); !codes.IsSuccess(code) {
		os.Exit(code)
	}
}

func init() {
	rootCmd.Version = fmt.Sprintf("%s (%s) %s", version.Version, version.Commit, version.BuildTime)
	rootCmd.PersistentFlags().String("config", "", "Config file (default is .happypack.{yml,yaml,json,toml} in the project)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringP("out", "o", "", "Output directory for compiled files")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable the build cache")
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cacheCmd)
}

// newLogger creates the process logger and makes it the slog default
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	return logger
}
