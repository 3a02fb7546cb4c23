// Package retention decides which backup records a procedure's restrict
// policy prunes, and removes them.
package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"cr-go/internal/cr"
	"cr-go/internal/model"
	"cr-go/internal/vault"
)

const day = 24 * time.Hour

// Select returns the records p's policy prunes at now. backups must be the
// mission's live records, newest first.
//
// By days, a record older than RestrictDays is pruned. By size, sizes are
// accumulated newest first and once the running total exceeds RestrictSize
// that record and every older one is pruned. By both, a record is pruned if
// either rule prunes it. Applying Select to its own survivors selects nothing.
func Select(backups []*model.Backup, p model.Procedure, now time.Time) []*model.Backup {
	if p.Restrict == model.RestrictNone {
		return nil
	}
	maxAge := time.Duration(p.RestrictDays) * day

	var (
		out      []*model.Backup
		total    int64
		overSize bool
	)
	for _, b := range backups {
		if p.Restrict.BySize() && !overSize {
			total += b.Size
			overSize = total > p.RestrictSize
		}
		prune := p.Restrict.BySize() && overSize
		if p.Restrict.ByDays() && now.Sub(b.CreatedAt) > maxAge {
			prune = true
		}
		if prune {
			out = append(out, b)
		}
	}
	return out
}

// Enforcer applies retention to a mission's history. It also serves manual
// backup deletion.
type Enforcer struct {
	storage cr.Storage
	vault   cr.Vault
	clock   cr.Clock
	metrics cr.Metrics
	logger  cr.Logger
}

var _ cr.Pruner = (*Enforcer)(nil)

// NewEnforcer creates an Enforcer. vault may be nil when no mirror is
// configured; metrics may be nil.
func NewEnforcer(storage cr.Storage, v cr.Vault, clock cr.Clock, metrics cr.Metrics, logger cr.Logger) *Enforcer {
	if metrics == nil {
		metrics = cr.NopMetrics{}
	}
	return &Enforcer{storage: storage, vault: v, clock: clock, metrics: metrics, logger: logger}
}

// Enforce prunes the records of missionID selected by p and returns them.
func (e *Enforcer) Enforce(ctx context.Context, missionID string, p model.Procedure) ([]*model.Backup, error) {
	if p.Restrict == model.RestrictNone {
		return nil, nil
	}
	backups, err := e.storage.ListBackups(ctx, missionID, false)
	if err != nil {
		return nil, fmt.Errorf("%w: listing backups: %w", cr.ErrStorage, err)
	}
	pruned := Select(backups, p, e.clock.Now())
	if len(pruned) == 0 {
		return nil, nil
	}
	if err := e.Prune(ctx, pruned); err != nil {
		return nil, err
	}
	e.logger.Info("retention pruned backups", "mission", missionID, "policy", p.Restrict.String(), "count", len(pruned))
	return pruned, nil
}

// Prune soft-deletes the records, then removes their artifacts and mirror
// objects. Removal failures are logged; the records stay deleted.
func (e *Enforcer) Prune(ctx context.Context, backups []*model.Backup) error {
	if len(backups) == 0 {
		return nil
	}
	ids := make([]string, 0, len(backups))
	for _, b := range backups {
		ids = append(ids, b.ID)
	}
	if err := e.storage.SoftDeleteBackups(ctx, ids); err != nil {
		return fmt.Errorf("%w: deleting backup records: %w", cr.ErrStorage, err)
	}
	e.metrics.BackupsPruned(len(backups))

	for _, b := range backups {
		if b.Path == "" {
			continue
		}
		if err := os.RemoveAll(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("removing artifact failed", "backup", b.ID, "path", b.Path, "err", err)
		}
		if e.vault != nil {
			if err := e.vault.Delete(ctx, vault.Key(b.MissionID, b.Path)); err != nil {
				e.logger.Warn("removing mirrored artifact failed", "backup", b.ID, "err", err)
			}
		}
	}
	return nil
}
