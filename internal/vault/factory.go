package vault

import (
	"context"
	"fmt"
	"path/filepath"

	"cr-go/internal/config"
	"cr-go/internal/cr"
)

// NewVaultFromConfig returns nil when no mirror is configured.
func NewVaultFromConfig(ctx context.Context, cfg config.VaultConfig) (cr.Vault, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryVault("memory"), nil
	case "s3":
		v, err := NewS3Vault(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return v, nil
	case "filesystem":
		if cfg.FSVaultRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_vault_root to be set")
		}
		v, err := NewFileSystemVault(cfg.FSVaultRoot)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}

// Key returns the mirror key of an artifact.
func Key(missionID, artifactPath string) string {
	return missionID + "/" + filepath.Base(artifactPath)
}
