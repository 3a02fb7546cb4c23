package cr

import (
	"context"
	"fmt"
	"time"

	"cr-go/internal/model"
)

// Table names one of the persisted entity tables.
type Table int

const (
	TableMission Table = iota
	TableProcedure
	TableIgnore
	TableBackup
)

// Tables lists every table in foreign-key-safe deletion order.
var Tables = []Table{TableBackup, TableIgnore, TableMission, TableProcedure}

func (t Table) String() string {
	switch t {
	case TableMission:
		return "mission"
	case TableProcedure:
		return "procedure"
	case TableIgnore:
		return "ignore"
	case TableBackup:
		return "backup"
	}
	panic(fmt.Sprintf("unknown table %d", int(t)))
}

// TableInfo holds row counts for one table.
type TableInfo struct {
	Table   Table
	Live    int64
	Deleted int64
}

// DBInfo describes the state of the backing store.
type DBInfo struct {
	Path   string
	Size   int64
	Tables []TableInfo
}

// CompactReport records what a compaction pass did, per table.
type CompactReport struct {
	Removed    map[Table]int64
	Renumbered map[Table]int64
}

// Statistics summarizes live missions and their backup history.
type Statistics struct {
	Missions      map[model.MissionStatus]int
	Backups       int
	FailedBackups int
	TotalSize     int64
}

// Storage is the durable store for missions, procedures, ignore rules and
// backup records. Every read excludes soft-deleted rows unless the call says
// otherwise. Single-row lookups return nil, nil when nothing matches.
type Storage interface {
	// CreateMission inserts a mission, its procedure and ignore rules in one
	// transaction and assigns display ordinals.
	CreateMission(ctx context.Context, m *model.Mission, p *model.Procedure, ignores []*model.IgnoreRule) error

	// UpdateMission rewrites the editable mission and procedure columns and
	// replaces the ignore set. Status is left alone.
	UpdateMission(ctx context.Context, m *model.Mission, p *model.Procedure, ignores []*model.IgnoreRule) error

	UpdateMissionStatus(ctx context.Context, id string, status model.MissionStatus) error

	// SetNextRuntime and SetLastTrigger store NULL for the zero time.
	SetNextRuntime(ctx context.Context, id string, next time.Time) error
	SetLastTrigger(ctx context.Context, id string, at time.Time) error

	// DeleteMission soft-deletes a mission together with its procedure,
	// ignore rules and backup records.
	DeleteMission(ctx context.Context, id string) error

	FindMission(ctx context.Context, id string) (*model.Mission, error)
	ListMissions(ctx context.Context, includeDeleted bool) ([]*model.Mission, error)
	FindProcedure(ctx context.Context, id string) (*model.Procedure, error)
	ListIgnores(ctx context.Context, procedureID string) ([]*model.IgnoreRule, error)

	CreateBackup(ctx context.Context, b *model.Backup) error
	FindBackup(ctx context.Context, id string) (*model.Backup, error)

	// ListBackups returns a mission's backup records newest first.
	ListBackups(ctx context.Context, missionID string, includeDeleted bool) ([]*model.Backup, error)
	SoftDeleteBackups(ctx context.Context, ids []string) error

	// Compact permanently removes soft-deleted rows and renumbers the display
	// ordinal of the survivors densely from 1. UUIDs are never touched.
	Compact(ctx context.Context) (*CompactReport, error)

	Statistics(ctx context.Context) (*Statistics, error)
	Info(ctx context.Context) (*DBInfo, error)

	Close() error
}
