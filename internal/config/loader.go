package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ConfigLoader handles configuration loading from various sources
type ConfigLoader struct {
	seq *IDSequence
}

// NewLoader creates a new configuration loader. Pipelines without an id
// draw theirs from seq.
func NewLoader(seq *IDSequence) *ConfigLoader {
	if seq == nil {
		seq = NewIDSequence()
	}

	return &ConfigLoader{seq: seq}
}

// LoadForBuild loads configuration for build and watch operations. args are
// the files or directory the command operates on; the local config is
// searched for starting from the first of them.
func (l *ConfigLoader) LoadForBuild(cmd *cobra.Command, args []string) (*Config, error) {
	l.setupViperDefaults()
	l.loadGlobalConfig()

	if err := l.loadLocalConfig(cmd, args); err != nil {
		return nil, err
	}

	l.bindCommandFlags(cmd)

	return Load(l.seq)
}

// setupViperDefaults sets up default values for viper
func (l *ConfigLoader) setupViperDefaults() {
	viper.SetDefault("out_dir", DefaultOutDir)
	viper.SetDefault("verbose", false)
	viper.SetDefault("no_cache", false)
}

// loadGlobalConfig loads the per-user configuration, if any
func (l *ConfigLoader) loadGlobalConfig() {
	globalDir := globalConfigDir()
	if globalDir == "" {
		return
	}

	for _, ext := range ConfigExtensions {
		globalPath := filepath.Join(globalDir, "config."+ext)

		if _, err := os.Stat(globalPath); err == nil {
			viper.SetConfigFile(globalPath)

			if err := viper.ReadInConfig(); err == nil {
				break
			}
		}
	}
}

// loadLocalConfig merges the project configuration over the global one. An
// explicit --config flag wins over the directory search and must be readable.
func (l *ConfigLoader) loadLocalConfig(cmd *cobra.Command, args []string) error {
	if cmd != nil {
		if f := cmd.Flags().Lookup("config"); f != nil && f.Value.String() != "" {
			viper.SetConfigFile(f.Value.String())
			return viper.MergeInConfig()
		}
	}

	dir, err := os.Getwd()
	if err != nil {
		return nil
	}

	if len(args) > 0 {
		abs, err := filepath.Abs(args[0])
		if err != nil {
			return nil // silently ignore, Load() will handle validation
		}

		dir = abs
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			dir = filepath.Dir(abs)
		}
	}

	localPath := FindLocalConfig(dir)
	if localPath != "" {
		viper.SetConfigFile(localPath)
		_ = viper.MergeInConfig()
	}

	return nil
}

// bindCommandFlags binds command flags to viper
func (l *ConfigLoader) bindCommandFlags(cmd *cobra.Command) {
	if cmd == nil {
		return
	}

	bind := func(key, flag string) {
		if f := cmd.Flags().Lookup(flag); f != nil {
			_ = viper.BindPFlag(key, f)
		}
	}

	bind("verbose", "verbose")
	bind("out_dir", "out")
	bind("no_cache", "no-cache")
}
