package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/saifelse/happypack/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the build cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:          "stats",
	Short:        "Show cache entries per pipeline",
	RunE:         runCacheStats,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
}

var cacheClearCmd = &cobra.Command{
	Use:          "clear",
	Short:        "Remove cached entries, artifacts and snapshots",
	RunE:         runCacheClear,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	newLogger(cmd.ErrOrStderr(), cfg.Verbose)
	w := cmd.OutOrStdout()

	for _, opts := range cfg.Pipelines {
		c, err := cache.New(opts.CachePath, opts.CacheContext)
		if err != nil {
			return err
		}

		if err := c.Load(); err != nil {
			fmt.Fprintf(w, "%s: unreadable cache at %s (%v)\n", opts.ID, opts.CachePath, err)
			continue
		}

		count, errored, size := c.Stats()
		fmt.Fprintf(w, "%s: %d entries, %d errored, %d bytes (%s)\n", opts.ID, count, errored, size, opts.CachePath)

		if cfg.Verbose {
			printEntries(w, c)
		}
	}

	return nil
}

// printEntries lists every cached file with its state and artifact
func printEntries(w io.Writer, c *cache.Cache) {
	for _, file := range c.Files() {
		entry := c.Get(file)
		if entry == nil {
			continue
		}

		state := "ok"
		if entry.Error {
			state = "errored"
		}

		fmt.Fprintf(w, "  %s [%s] %s\n", file, state, entry.CompiledPath)
	}
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Verbose)

	for _, opts := range cfg.Pipelines {
		c, err := cache.New(opts.CachePath, opts.CacheContext)
		if err != nil {
			return err
		}

		if err := c.Clear(); err != nil {
			return err
		}

		if err := cache.RemoveArtifacts(filepath.Join(opts.TempDir, opts.ID)); err != nil {
			return err
		}

		if err := os.Remove(opts.SnapshotPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove snapshot: %w", err)
		}

		logger.Debug("cache cleared", "pipeline", opts.ID, "path", opts.CachePath)
		fmt.Fprintf(cmd.OutOrStdout(), "%s: cleared\n", opts.ID)
	}

	return nil
}
