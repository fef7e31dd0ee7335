package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().BoolP("verbose", "v", false, "")
	cmd.Flags().StringP("out", "o", "", "")
	cmd.Flags().Bool("no-cache", false, "")
	return cmd
}

func TestNewLoader(t *testing.T) {
	loader := NewLoader(nil)
	assert.NotNil(t, loader)
	assert.IsType(t, &ConfigLoader{}, loader)
	assert.NotNil(t, loader.seq)

	// Pipeline loader steps keep their own type
	step := Loader{Path: "babel", Args: []string{"--compact"}}
	assert.Equal(t, "babel", step.Path)
}

func TestLoader_SetupViperDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	loader := NewLoader(nil)
	loader.setupViperDefaults()

	assert.Equal(t, DefaultOutDir, viper.GetString("out_dir"))
	assert.Equal(t, false, viper.GetBool("verbose"))
	assert.Equal(t, false, viper.GetBool("no_cache"))
}

func TestLoader_LoadGlobalConfig(t *testing.T) {
	tempDir := t.TempDir()
	hpDir := filepath.Join(tempDir, "happypack")
	require.NoError(t, os.Mkdir(hpDir, 0o755))

	t.Run("loads yaml config", func(t *testing.T) {
		viper.Reset()
		defer viper.Reset()

		configPath := filepath.Join(hpDir, "config.yml")
		configContent := `out_dir: "build"
verbose: true`
		require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))
		defer os.Remove(configPath)

		t.Setenv("APPDATA", tempDir)

		loader := NewLoader(nil)
		loader.loadGlobalConfig()

		assert.Equal(t, "build", viper.GetString("out_dir"))
		assert.Equal(t, true, viper.GetBool("verbose"))
	})

	t.Run("loads json config", func(t *testing.T) {
		viper.Reset()
		defer viper.Reset()

		configPath := filepath.Join(hpDir, "config.json")
		configContent := `{
  "out_dir": "public"
}`
		require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))
		defer os.Remove(configPath)

		t.Setenv("APPDATA", "")
		t.Setenv("XDG_CONFIG_HOME", tempDir)

		loader := NewLoader(nil)
		loader.loadGlobalConfig()

		assert.Equal(t, "public", viper.GetString("out_dir"))
	})

	t.Run("handles missing config home gracefully", func(t *testing.T) {
		viper.Reset()
		defer viper.Reset()

		t.Setenv("APPDATA", "")
		t.Setenv("XDG_CONFIG_HOME", "")

		loader := NewLoader(nil)
		loader.loadGlobalConfig()

		assert.Equal(t, "", viper.GetString("out_dir"))
	})
}

func TestLoader_LoadForBuild(t *testing.T) {
	t.Setenv("APPDATA", "")
	t.Setenv("XDG_CONFIG_HOME", "")

	projectDir := t.TempDir()
	srcDir := filepath.Join(projectDir, "src")
	require.NoError(t, os.Mkdir(srcDir, 0o755))

	configContent := `out_dir: dist
compiler_options:
  bail: true
  mode: production
pipelines:
  - id: js
    threads: 2
    loaders:
      - path: babel
        args: ["--compact"]
  - loaders:
      - path: sass
rules:
  - test: '\.js$'
    pipeline: js
  - test: '\.scss$'
    pipeline: "1"
`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, ".happypack.yml"), []byte(configContent), 0o644))

	file := filepath.Join(srcDir, "a.js")
	require.NoError(t, os.WriteFile(file, []byte("let a = 1"), 0o644))

	t.Run("finds local config from the first file", func(t *testing.T) {
		viper.Reset()
		defer viper.Reset()

		cmd := newTestCommand()
		cfg, err := NewLoader(NewIDSequence()).LoadForBuild(cmd, []string{file})
		require.NoError(t, err)

		require.Len(t, cfg.Pipelines, 2)
		assert.Equal(t, "js", cfg.Pipelines[0].ID)
		assert.Equal(t, 2, cfg.Pipelines[0].Threads)
		assert.Equal(t, []string{"--compact"}, cfg.Pipelines[0].Loaders[0].Args)
		assert.Equal(t, "1", cfg.Pipelines[1].ID)
		assert.Equal(t, "production", cfg.CompilerOptions["mode"])
		assert.Equal(t, "1", cfg.PipelineFor(filepath.Join(srcDir, "b.scss")))
	})

	t.Run("flags override config", func(t *testing.T) {
		viper.Reset()
		defer viper.Reset()

		cmd := newTestCommand()
		require.NoError(t, cmd.Flags().Set("out", "elsewhere"))
		require.NoError(t, cmd.Flags().Set("no-cache", "true"))

		cfg, err := NewLoader(nil).LoadForBuild(cmd, []string{srcDir})
		require.NoError(t, err)

		abs, _ := filepath.Abs("elsewhere")
		assert.Equal(t, abs, cfg.OutDir)
		assert.False(t, cfg.Pipelines[0].Cache)
	})

	t.Run("explicit config flag", func(t *testing.T) {
		viper.Reset()
		defer viper.Reset()

		other := filepath.Join(t.TempDir(), "custom.json")
		require.NoError(t, os.WriteFile(other, []byte(`{"pipelines":[{"id":"only","loaders":[{"path":"cat"}]}]}`), 0o644))

		cmd := newTestCommand()
		require.NoError(t, cmd.Flags().Set("config", other))

		cfg, err := NewLoader(nil).LoadForBuild(cmd, []string{file})
		require.NoError(t, err)
		require.Len(t, cfg.Pipelines, 1)
		assert.Equal(t, "only", cfg.Pipelines[0].ID)
	})

	t.Run("missing explicit config fails", func(t *testing.T) {
		viper.Reset()
		defer viper.Reset()

		cmd := newTestCommand()
		require.NoError(t, cmd.Flags().Set("config", filepath.Join(t.TempDir(), "nope.yml")))

		_, err := NewLoader(nil).LoadForBuild(cmd, nil)
		assert.Error(t, err)
	})
}
