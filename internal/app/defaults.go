package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cr-go/internal/config"
)

// Defaults holds the locations cr uses when the user does not override them.
type Defaults struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
}

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - CR_CONFIG_PATH: config file location (default: ~/.config/cr.toml)
//   - CR_HOME: base directory for cr data (default: ~/.local/share/cr)
func GetDefaults() (*Defaults, error) {
	home, err := os.UserHomeDir()
	if err != nil && (os.Getenv("CR_CONFIG_PATH") == "" || os.Getenv("CR_HOME") == "") {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	d := &Defaults{
		ConfigPath: envOr("CR_CONFIG_PATH", filepath.Join(home, ".config", "cr.toml")),
		BaseDir:    envOr("CR_HOME", filepath.Join(home, ".local", "share", "cr")),
	}
	d.LogDir = filepath.Join(d.BaseDir, "log")
	return d, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewDefaultConfig returns the configuration written by `cr config init`.
func (d *Defaults) NewDefaultConfig() *config.Config {
	return config.NewConfig(d.BaseDir)
}

// LoadConfig reads the config file at path.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.ReadFromFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no config at %s, run `cr config init` first", path)
		}
		return nil, err
	}
	return cfg, nil
}
