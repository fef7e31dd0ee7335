package config

import (
	"os"
	"path/filepath"
)

// ConfigExtensions lists the config file formats understood by viper, in lookup order
var ConfigExtensions = []string{"yml", "yaml", "json", "toml"}

// FindLocalConfig finds local config file by walking up directories
func FindLocalConfig(dir string) string {
	for {
		for _, ext := range ConfigExtensions {
			path := filepath.Join(dir, ".happypack."+ext)

			if _, err := os.Stat(path); err == nil {
				return path
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}

		dir = parent
	}

	return ""
}

// globalConfigDir returns the per-user configuration directory, or "" if unknown
func globalConfigDir() string {
	if appdata := os.Getenv("APPDATA"); appdata != "" {
		return filepath.Join(appdata, "happypack")
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "happypack")
	}

	return ""
}
