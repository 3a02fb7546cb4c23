package cr

import (
	"context"
	"time"

	"cr-go/internal/model"
)

// TriggerSource identifies what started an execution.
type TriggerSource int

const (
	SourceManual TriggerSource = iota
	SourceCron
	SourceMonitor
)

func (s TriggerSource) String() string {
	switch s {
	case SourceCron:
		return "cron"
	case SourceMonitor:
		return "monitor"
	default:
		return "manual"
	}
}

// Snapshot is an immutable copy of a mission with its procedure and ignore set.
type Snapshot struct {
	Mission   model.Mission
	Procedure model.Procedure
	Ignores   []model.IgnoreRule

	// Condition is a scheduling fault surfaced to the user, e.g. a lost watch.
	Condition string
}

// Keywords returns the ignore patterns in ordinal order.
func (s Snapshot) Keywords() []string {
	out := make([]string, 0, len(s.Ignores))
	for _, ig := range s.Ignores {
		out = append(out, ig.Keyword)
	}
	return out
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.Ignores = append([]model.IgnoreRule(nil), s.Ignores...)
	return c
}

// Ticket is the permit for one in-flight execution. At most one ticket is
// outstanding per mission.
type Ticket struct {
	ID        string
	MissionID string
	Source    TriggerSource
	StartedAt time.Time
	Snapshot  Snapshot
}

// Outcome is reported by the executor when it ends an execution.
type Outcome struct {
	Backup *model.Backup
	Err    error
}

// EventKind classifies notification events.
type EventKind int

const (
	EventBackupCreated EventKind = iota
	EventBackupFailed
	EventScheduleFailed
)

func (k EventKind) String() string {
	switch k {
	case EventBackupCreated:
		return "backup_created"
	case EventBackupFailed:
		return "backup_failed"
	default:
		return "schedule_failed"
	}
}

// Event is delivered to the notification collaborator.
type Event struct {
	Kind      EventKind
	MissionID string
	Name      string
	Backup    *model.Backup
	Err       error
	At        time.Time
}

// Notifier renders events for the user. Implementations decide which kinds
// are delivered.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}

// Metrics receives engine counters. The prometheus implementation lives in
// internal/metrics.
type Metrics interface {
	TriggerObserved(source TriggerSource, result string)
	ExecutionFinished(success bool, d time.Duration, bytes int64)
	BackupsPruned(n int)
	WatchLost()
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) TriggerObserved(TriggerSource, string)        {}
func (NopMetrics) ExecutionFinished(bool, time.Duration, int64) {}
func (NopMetrics) BackupsPruned(int)                            {}
func (NopMetrics) WatchLost()                                   {}

// Dispatcher is how trigger sources talk back to the engine.
type Dispatcher interface {
	// Fire asks for an execution. ErrBusy means one is already running.
	Fire(ctx context.Context, missionID string, source TriggerSource) error
	// Scheduled records the next cron fire time.
	Scheduled(ctx context.Context, missionID string, next time.Time) error
	// WatchLost reports a filesystem watch that was torn down.
	WatchLost(ctx context.Context, missionID string, err error)
}

// Scheduler is a trigger source keyed by mission ID. Arm replaces any
// existing registration for the mission.
type Scheduler interface {
	Arm(ctx context.Context, snap Snapshot) error
	Disarm(missionID string)
	Close()
}

// Executor runs the backup pipeline for a ticket and ends the execution.
type Executor interface {
	Execute(ctx context.Context, t *Ticket) (*model.Backup, error)
}

// Pruner soft-deletes backup records and removes their artifacts.
type Pruner interface {
	Prune(ctx context.Context, backups []*model.Backup) error
}
