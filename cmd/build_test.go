package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saifelse/happypack/internal/codes"
	"github.com/saifelse/happypack/internal/config"
	"github.com/saifelse/happypack/internal/engine"
)

func newTestCommand() (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().BoolP("verbose", "v", false, "")
	cmd.Flags().StringP("out", "o", "", "")
	cmd.Flags().Bool("no-cache", false, "")

	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	return cmd, out
}

// setupProject creates a project using loader as its only loader and makes
// it the working directory
func setupProject(t *testing.T, loader string) string {
	t.Helper()

	path, err := exec.LookPath(loader)
	if err != nil {
		t.Skipf("%s not available", loader)
	}

	t.Setenv("APPDATA", "")
	t.Setenv("XDG_CONFIG_HOME", "")

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "a.js"), []byte("let a = 1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "b.js"), []byte("let b = 2"), 0o644))

	configContent := fmt.Sprintf(`out_dir: dist
pipelines:
  - id: js
    threads: 2
    loaders:
      - path: %q
rules:
  - test: '\.js$'
    pipeline: js
`, path)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".happypack.yml"), []byte(configContent), 0o644))

	t.Chdir(dir)
	return dir
}

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "happypack", rootCmd.Use)

	for _, name := range []string{"build", "watch", "cache"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := rootCmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	for _, name := range []string{"config", "verbose", "out", "no-cache"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "flag %s", name)
	}

	sub, _, err := rootCmd.Find([]string{"cache", "stats"})
	require.NoError(t, err)
	assert.Equal(t, "stats", sub.Name())
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"no error", nil, codes.Success},
		{"config error", &config.Error{ID: "js", Key: "loaders", Constraint: "required"}, codes.ConfigError},
		{"wrapped config error", fmt.Errorf("loading: %w", &config.Error{ID: "js"}), codes.ConfigError},
		{"startup error", &engine.StartupError{ID: "js", Stage: "pool", Err: errors.New("x")}, codes.StartupError},
		{"explicit exit error", &ExitError{Code: codes.BuildFailed, Message: "2 file(s) failed"}, codes.BuildFailed},
		{"cancelled", context.Canceled, codes.Interrupted},
		{"anything else", errors.New("boom"), codes.BuildFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, exitCode(tt.err))
		})
	}
}

func TestReportExit(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
		message  string
	}{
		{"success writes nothing", nil, codes.Success, ""},
		{"config error", &config.Error{ID: "js", Key: "threads"}, codes.ConfigError, "happypack: Invalid configuration (exit code 2)\n"},
		{"startup error", &engine.StartupError{ID: "js", Stage: "snapshot", Err: errors.New("x")}, codes.StartupError, "happypack: Worker pool or configuration snapshot could not be started (exit code 3)\n"},
		{"failed build", &ExitError{Code: codes.BuildFailed, Message: "1 file(s) failed"}, codes.BuildFailed, "happypack: One or more files failed to transform (exit code 1)\n"},
		{"unknown code", &ExitError{Code: 42, Message: "odd"}, 42, "happypack: Unknown error (exit code 42)\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			assert.Equal(t, tt.expected, reportExit(&buf, tt.err))
			assert.Equal(t, tt.message, buf.String())
		})
	}
}

func TestExitError(t *testing.T) {
	inner := errors.New("file not found")
	err := &ExitError{Code: codes.ConfigError, Message: "failed to load configuration", Err: inner}

	assert.Equal(t, "failed to load configuration: file not found", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "only message", (&ExitError{Message: "only message"}).Error())
}

func TestRunBuild(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	dir := setupProject(t, "cat")

	cmd, out := newTestCommand()
	require.NoError(t, runBuild(cmd, nil))

	data, err := os.ReadFile(filepath.Join(dir, "dist", "src", "a.js"))
	require.NoError(t, err)
	assert.Equal(t, "let a = 1", string(data))
	assert.Contains(t, out.String(), "Compiled 2 file(s), 0 failed")

	// The cache was saved at the end of the build
	viper.Reset()
	cmd, out = newTestCommand()
	require.NoError(t, runCacheStats(cmd, nil))
	assert.Contains(t, out.String(), "js: 2 entries, 0 errored")
	assert.NotContains(t, out.String(), "[ok]")

	viper.Reset()
	cmd, out = newTestCommand()
	require.NoError(t, cmd.Flags().Set("verbose", "true"))
	require.NoError(t, runCacheStats(cmd, nil))
	assert.Contains(t, out.String(), filepath.Join("src", "a.js")+" [ok] ")
	assert.Contains(t, out.String(), filepath.Join("src", "b.js")+" [ok] ")

	viper.Reset()
	cmd, out = newTestCommand()
	require.NoError(t, runCacheClear(cmd, nil))
	assert.Contains(t, out.String(), "js: cleared")

	_, err = os.Stat(filepath.Join(dir, ".happypack", "cache--js.db"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunBuild_OutFlag(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	dir := setupProject(t, "cat")

	cmd, _ := newTestCommand()
	require.NoError(t, cmd.Flags().Set("out", "public"))
	require.NoError(t, runBuild(cmd, []string{filepath.Join(dir, "src", "b.js")}))

	data, err := os.ReadFile(filepath.Join(dir, "public", "src", "b.js"))
	require.NoError(t, err)
	assert.Equal(t, "let b = 2", string(data))

	_, err = os.Stat(filepath.Join(dir, "public", "src", "a.js"))
	assert.True(t, os.IsNotExist(err), "only the named file is built")
}

func TestRunBuild_TransformFailure(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setupProject(t, "false")

	cmd, out := newTestCommand()
	err := runBuild(cmd, nil)
	require.Error(t, err)
	assert.Equal(t, codes.BuildFailed, exitCode(err))
	assert.Contains(t, out.String(), "FAILED")
	assert.Contains(t, out.String(), "2 failed")
}

func TestRunBuild_ConfigErrors(t *testing.T) {
	t.Setenv("APPDATA", "")
	t.Setenv("XDG_CONFIG_HOME", "")

	t.Run("invalid pipeline", func(t *testing.T) {
		viper.Reset()
		defer viper.Reset()

		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".happypack.yml"), []byte("pipelines:\n  - id: js\n    threads: 2\n"), 0o644))
		t.Chdir(dir)

		cmd, _ := newTestCommand()
		err := runBuild(cmd, nil)
		require.Error(t, err)
		assert.Equal(t, codes.ConfigError, exitCode(err))
		assert.Contains(t, err.Error(), "happypack[js]")
		assert.Contains(t, err.Error(), "loaders")
	})

	t.Run("missing config file", func(t *testing.T) {
		viper.Reset()
		defer viper.Reset()

		t.Chdir(t.TempDir())

		cmd, _ := newTestCommand()
		require.NoError(t, cmd.Flags().Set("config", "nope.yml"))

		err := runBuild(cmd, nil)
		require.Error(t, err)
		assert.Equal(t, codes.ConfigError, exitCode(err))
	})
}
