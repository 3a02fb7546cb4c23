package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cr-go/internal/config"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("CR_CONFIG_PATH", "/custom/config.toml")
		t.Setenv("CR_HOME", "/custom/cr")

		d, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if d.ConfigPath != "/custom/config.toml" {
			t.Errorf("ConfigPath = %q, want %q", d.ConfigPath, "/custom/config.toml")
		}
		if d.BaseDir != "/custom/cr" {
			t.Errorf("BaseDir = %q, want %q", d.BaseDir, "/custom/cr")
		}
		if d.LogDir != "/custom/cr/log" {
			t.Errorf("LogDir = %q, want %q", d.LogDir, "/custom/cr/log")
		}
		if got := d.NewDefaultConfig().Database.DataDir; got != "/custom/cr/db" {
			t.Errorf("default DataDir = %q, want %q", got, "/custom/cr/db")
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("CR_CONFIG_PATH", "")
		t.Setenv("CR_HOME", "")

		d, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		if want := filepath.Join(homeDir, ".config", "cr.toml"); d.ConfigPath != want {
			t.Errorf("ConfigPath = %q, want %q", d.ConfigPath, want)
		}
		wantBase := filepath.Join(homeDir, ".local", "share", "cr")
		if d.BaseDir != wantBase {
			t.Errorf("BaseDir = %q, want %q", d.BaseDir, wantBase)
		}
		if want := filepath.Join(wantBase, "log"); d.LogDir != want {
			t.Errorf("LogDir = %q, want %q", d.LogDir, want)
		}
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file points at config init", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "cr.toml"))
		if err == nil || !strings.Contains(err.Error(), "cr config init") {
			t.Fatalf("LoadConfig() error = %v, want hint", err)
		}
	})

	t.Run("reads an initialized config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "cr.toml")
		if err := config.Init(path, config.NewConfig(dir)); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}
		if cfg.BaseDir != dir {
			t.Errorf("BaseDir = %q, want %q", cfg.BaseDir, dir)
		}
	})
}
