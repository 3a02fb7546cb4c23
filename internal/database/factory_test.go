package database

import (
	"os"
	"path/filepath"
	"testing"

	"cr-go/internal/config"
)

func TestNewDatabaseFromConfig(t *testing.T) {
	t.Run("memory database", func(t *testing.T) {
		got, err := NewDatabaseFromConfig(config.DatabaseConfig{Type: "memory"}, nil)
		if err != nil {
			t.Fatalf("NewDatabaseFromConfig() error = %v", err)
		}
		defer got.Close()

		if got.Path() != ":memory:" {
			t.Errorf("Path() = %q, want :memory:", got.Path())
		}
	})

	t.Run("sqlite database creates data dir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "data")
		got, err := NewDatabaseFromConfig(config.DatabaseConfig{Type: "sqlite", DataDir: dir}, nil)
		if err != nil {
			t.Fatalf("NewDatabaseFromConfig() error = %v", err)
		}
		defer got.Close()

		if err := got.CheckMigrations(); err != nil {
			t.Errorf("CheckMigrations() error = %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "cr.db")); err != nil {
			t.Errorf("database file missing: %v", err)
		}
	})

	t.Run("sqlite database without data_dir", func(t *testing.T) {
		got, err := NewDatabaseFromConfig(config.DatabaseConfig{Type: "sqlite"}, nil)
		if err == nil {
			got.Close()
			t.Fatal("NewDatabaseFromConfig() expected error for missing data_dir")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		got, err := NewDatabaseFromConfig(config.DatabaseConfig{Type: "postgres"}, nil)
		if err == nil {
			got.Close()
			t.Fatal("NewDatabaseFromConfig() expected error for unknown type")
		}
	})
}
