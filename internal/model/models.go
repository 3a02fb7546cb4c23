package model

import "time"

// MissionStatus is the scheduling state of a mission.
type MissionStatus int

const (
	StatusPaused    MissionStatus = 0
	StatusRunning   MissionStatus = 1
	StatusBackuping MissionStatus = 2
)

func (s MissionStatus) String() string {
	switch s {
	case StatusPaused:
		return "paused"
	case StatusRunning:
		return "running"
	case StatusBackuping:
		return "backuping"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the three known states.
func (s MissionStatus) Valid() bool {
	return s == StatusPaused || s == StatusRunning || s == StatusBackuping
}

// PathType records what kind of filesystem object a mission protects.
type PathType int

const (
	PathUnknown   PathType = 0
	PathFile      PathType = 1
	PathDirectory PathType = 2
)

func (p PathType) String() string {
	switch p {
	case PathFile:
		return "file"
	case PathDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// IgnoreMethod selects how source entries are filtered.
type IgnoreMethod int

const (
	IgnoreNone   IgnoreMethod = 0
	IgnoreCustom IgnoreMethod = 1
	IgnoreVCS    IgnoreMethod = 2
)

func (m IgnoreMethod) String() string {
	switch m {
	case IgnoreCustom:
		return "custom"
	case IgnoreVCS:
		return "vcs"
	default:
		return "none"
	}
}

// CompressFormat is the codec used for compressed artifacts.
type CompressFormat int

const (
	FormatNone  CompressFormat = 0
	FormatZip   CompressFormat = 1
	FormatTarGz CompressFormat = 2
	FormatTarBz CompressFormat = 3
	FormatTarXz CompressFormat = 4
	Format7z    CompressFormat = 5
)

// Extension returns the artifact file extension without a leading dot.
func (f CompressFormat) Extension() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTarGz:
		return "tar.gz"
	case FormatTarBz:
		return "tar.bz2"
	case FormatTarXz:
		return "tar.xz"
	case Format7z:
		return "7z"
	default:
		return ""
	}
}

func (f CompressFormat) String() string {
	if ext := f.Extension(); ext != "" {
		return ext
	}
	return "none"
}

// TriggerKind selects which scheduler owns a mission.
type TriggerKind int

const (
	TriggerReserved TriggerKind = 0
	TriggerCron     TriggerKind = 1
	TriggerMonitor  TriggerKind = 2
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerCron:
		return "cron"
	case TriggerMonitor:
		return "monitor"
	default:
		return "reserved"
	}
}

// RestrictPolicy is the retention policy applied to a mission's backups.
type RestrictPolicy int

const (
	RestrictNone RestrictPolicy = 0
	RestrictDays RestrictPolicy = 1
	RestrictSize RestrictPolicy = 2
	RestrictBoth RestrictPolicy = 3
)

func (r RestrictPolicy) String() string {
	switch r {
	case RestrictDays:
		return "by-days"
	case RestrictSize:
		return "by-size"
	case RestrictBoth:
		return "by-both"
	default:
		return "none"
	}
}

// ByDays reports whether the age predicate applies.
func (r RestrictPolicy) ByDays() bool { return r == RestrictDays || r == RestrictBoth }

// BySize reports whether the cumulative size predicate applies.
func (r RestrictPolicy) BySize() bool { return r == RestrictSize || r == RestrictBoth }

// Mission is a user-defined backup job.
// Ordinal is a display number recomputed during compaction; never use it as a key.
type Mission struct {
	ID          string // UUID
	Ordinal     int64
	ProcedureID string // Foreign key to Procedure
	Name        string
	Description string
	Status      MissionStatus
	SrcPath     string
	DstPath     string
	PathType    PathType
	NextRuntime time.Time // cron missions only
	LastTrigger time.Time // monitor missions only
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Deleted     bool
	DeletedAt   time.Time
}

// Procedure is the backup policy owned by exactly one mission.
type Procedure struct {
	ID             string // UUID
	Ordinal        int64
	Name           string
	HasIgnores     bool
	IgnoreMethod   IgnoreMethod
	Compress       bool
	CompressFormat CompressFormat
	Trigger        TriggerKind
	CronExpression string // sec min hour day-of-month month day-of-week year
	Restrict       RestrictPolicy
	RestrictDays   int
	RestrictSize   int64 // bytes
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Deleted        bool
	DeletedAt      time.Time
}

// Compressed reports whether executions produce a single archive file.
func (p *Procedure) Compressed() bool {
	return p.Compress && p.CompressFormat != FormatNone
}

// IgnoreRule is a glob or substring pattern attached to a procedure.
type IgnoreRule struct {
	ID          string // UUID
	Ordinal     int64
	ProcedureID string
	Keyword     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Deleted     bool
	DeletedAt   time.Time
}

// Backup is the record of one execution. Rows are append-only apart from
// soft deletion by retention.
type Backup struct {
	ID        string // UUID
	Ordinal   int64
	MissionID string
	Path      string // artifact location, empty for failed executions
	Size      int64  // bytes written
	Entries   int    // source entries included
	Success   bool
	Message   string // failure reason
	StartedAt time.Time
	CreatedAt time.Time
	Deleted   bool
	DeletedAt time.Time
}
