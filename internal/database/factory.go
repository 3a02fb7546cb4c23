package database

import (
	"fmt"
	"os"
	"path/filepath"

	"cr-go/internal/config"
	"cr-go/internal/cr"
)

// NewDatabaseFromConfig opens the storage gateway described by cfg.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, clock cr.Clock) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return NewSQLiteDatabase(filepath.Join(cfg.DataDir, "cr.db"), clock)
	case "memory":
		return NewSQLiteDatabase(":memory:", clock)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
