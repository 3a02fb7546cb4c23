package cr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"cr-go/internal/model"
)

// RetryPolicy bounds the retries of status persistence.
type RetryPolicy struct {
	Attempts uint
	Interval time.Duration
}

// DefaultRetryPolicy is used when the configuration does not override it.
var DefaultRetryPolicy = RetryPolicy{Attempts: 5, Interval: 200 * time.Millisecond}

type entry struct {
	snap   Snapshot
	ticket *Ticket
	// after is the status an in-flight execution lands on when it ends.
	after model.MissionStatus
}

// Registry is the authoritative in-memory view of live missions. All status
// mutation goes through its methods; mu is only held for map and field
// updates, never across storage I/O or backup work.
type Registry struct {
	storage Storage
	clock   Clock
	ids     IDGenerator
	logger  Logger
	retry   RetryPolicy

	mu      sync.Mutex
	entries map[string]*entry

	// persistMu orders status writes so the last write always carries the
	// latest in-memory status.
	persistMu sync.Mutex
}

func NewRegistry(storage Storage, clock Clock, ids IDGenerator, logger Logger, retry RetryPolicy) *Registry {
	if retry.Attempts == 0 {
		retry = DefaultRetryPolicy
	}
	return &Registry{
		storage: storage,
		clock:   clock,
		ids:     ids,
		logger:  logger,
		retry:   retry,
		entries: make(map[string]*entry),
	}
}

// Load replaces the in-memory view with the live missions in storage.
func (r *Registry) Load(ctx context.Context) error {
	missions, err := r.storage.ListMissions(ctx, false)
	if err != nil {
		return fmt.Errorf("%w: listing missions: %w", ErrStorage, err)
	}

	entries := make(map[string]*entry, len(missions))
	for _, m := range missions {
		snap, err := r.loadSnapshot(ctx, m)
		if err != nil {
			return err
		}
		if snap == nil {
			r.logger.Warn("mission has no live procedure, skipping", "mission", m.ID, "procedure", m.ProcedureID)
			continue
		}
		entries[m.ID] = &entry{snap: *snap, after: m.Status}
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()

	r.logger.Debug("registry loaded", "count", len(entries))
	return nil
}

func (r *Registry) loadSnapshot(ctx context.Context, m *model.Mission) (*Snapshot, error) {
	p, err := r.storage.FindProcedure(ctx, m.ProcedureID)
	if err != nil {
		return nil, fmt.Errorf("%w: finding procedure: %w", ErrStorage, err)
	}
	if p == nil {
		return nil, nil
	}
	ignores, err := r.storage.ListIgnores(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing ignores: %w", ErrStorage, err)
	}
	snap := &Snapshot{Mission: *m, Procedure: *p}
	for _, ig := range ignores {
		snap.Ignores = append(snap.Ignores, *ig)
	}
	return snap, nil
}

// RecoverInterrupted returns missions persisted as Backuping with no live
// ticket to Running. Such rows are left behind when the process dies mid
// execution.
func (r *Registry) RecoverInterrupted(ctx context.Context) ([]string, error) {
	var recovered []string
	r.mu.Lock()
	for id, e := range r.entries {
		if e.snap.Mission.Status == model.StatusBackuping && e.ticket == nil {
			e.snap.Mission.Status = model.StatusRunning
			e.after = model.StatusRunning
			recovered = append(recovered, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(recovered)
	for _, id := range recovered {
		r.logger.Warn("recovering interrupted execution", "mission", id)
		if err := r.persistStatus(ctx, id); err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}

// Get returns a copy of the mission's snapshot.
func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}
	return e.snap.clone(), nil
}

// List returns copies of every live mission ordered by display ordinal.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snap.clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Mission.Ordinal != out[j].Mission.Ordinal {
			return out[i].Mission.Ordinal < out[j].Mission.Ordinal
		}
		return out[i].Mission.ID < out[j].Mission.ID
	})
	return out
}

// Upsert installs a snapshot after a create or update. The status and
// scheduling fields of an existing entry are kept.
func (r *Registry) Upsert(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap = snap.clone()
	if e, ok := r.entries[snap.Mission.ID]; ok {
		snap.Mission.Status = e.snap.Mission.Status
		snap.Mission.NextRuntime = e.snap.Mission.NextRuntime
		snap.Mission.LastTrigger = e.snap.Mission.LastTrigger
		snap.Condition = e.snap.Condition
		e.snap = snap
		return
	}
	r.entries[snap.Mission.ID] = &entry{snap: snap, after: snap.Mission.Status}
}

// Remove drops a mission. An in-flight execution still finishes, but its
// end becomes a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// SetOrdinal refreshes the display ordinal after compaction.
func (r *Registry) SetOrdinal(id string, ordinal int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.snap.Mission.Ordinal = ordinal
	}
}

// SetCondition records a scheduling fault. An empty string clears it.
func (r *Registry) SetCondition(id, condition string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.snap.Condition = condition
	}
}

// SetStatus applies a user-requested transition. Only Paused and Running are
// accepted. While an execution is in flight the request is recorded and
// applied when the execution ends; the returned mission still reads Backuping.
func (r *Registry) SetStatus(ctx context.Context, id string, target model.MissionStatus) (*model.Mission, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}
	if target != model.StatusPaused && target != model.StatusRunning {
		r.mu.Unlock()
		return nil, fmt.Errorf("mission %s to %s: %w", id, target, ErrInvalidTransition)
	}

	current := e.snap.Mission.Status
	if current == model.StatusBackuping {
		e.after = target
		m := e.snap.Mission
		r.mu.Unlock()
		r.logger.Debug("status change deferred until execution ends", "mission", id, "status", target.String())
		return &m, nil
	}
	if current == target {
		m := e.snap.Mission
		r.mu.Unlock()
		return &m, nil
	}

	e.snap.Mission.Status = target
	e.snap.Mission.UpdatedAt = r.clock.Now()
	e.after = target
	m := e.snap.Mission
	r.mu.Unlock()

	if err := r.persistStatus(ctx, id); err != nil {
		r.revert(id, target, current)
		return nil, err
	}
	r.logger.Info("mission status changed", "mission", id, "from", current.String(), "to", target.String())
	return &m, nil
}

// BeginExecution issues the single execution ticket for a mission.
// A mission that is already Backuping yields ErrBusy. Schedulers may only
// start Running missions; a manual request may also start a Paused one, which
// then returns to Paused.
func (r *Registry) BeginExecution(ctx context.Context, id string, source TriggerSource) (*Ticket, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}

	prior := e.snap.Mission.Status
	switch prior {
	case model.StatusBackuping:
		r.mu.Unlock()
		return nil, fmt.Errorf("mission %s: %w", id, ErrBusy)
	case model.StatusPaused:
		if source != SourceManual {
			r.mu.Unlock()
			return nil, fmt.Errorf("mission %s is paused: %w", id, ErrInvalidTransition)
		}
	}

	t := &Ticket{
		ID:        r.ids.New(),
		MissionID: id,
		Source:    source,
		StartedAt: r.clock.Now(),
		Snapshot:  e.snap.clone(),
	}
	e.ticket = t
	e.after = prior
	e.snap.Mission.Status = model.StatusBackuping
	r.mu.Unlock()

	if err := r.persistStatus(ctx, id); err != nil {
		r.mu.Lock()
		if e, ok := r.entries[id]; ok && e.ticket == t {
			e.ticket = nil
			e.snap.Mission.Status = e.after
		}
		r.mu.Unlock()
		return nil, err
	}

	r.logger.Debug("execution started", "mission", id, "ticket", t.ID, "source", source.String())
	return t, nil
}

// EndExecution releases the ticket and returns the mission to Running, or to
// Paused if a pause was requested meanwhile. The in-memory status is released
// before the write, so a failing store can never wedge a mission in Backuping.
func (r *Registry) EndExecution(ctx context.Context, t *Ticket, outcome Outcome) error {
	r.mu.Lock()
	e, ok := r.entries[t.MissionID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("execution ended for removed mission", "mission", t.MissionID, "ticket", t.ID)
		return nil
	}
	if e.ticket == nil || e.ticket.ID != t.ID {
		r.mu.Unlock()
		return fmt.Errorf("mission %s ticket %s: %w", t.MissionID, t.ID, ErrStaleTicket)
	}

	e.ticket = nil
	e.snap.Mission.Status = e.after
	if t.Source == SourceMonitor {
		e.snap.Mission.LastTrigger = t.StartedAt
	}
	status := e.snap.Mission.Status
	r.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	var errs []error
	if err := r.persistStatus(ctx, t.MissionID); err != nil {
		errs = append(errs, err)
	}
	if t.Source == SourceMonitor {
		err := r.withRetry(ctx, func() error {
			return r.storage.SetLastTrigger(ctx, t.MissionID, t.StartedAt)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: recording last trigger: %w", ErrStorage, err))
		}
	}

	success := outcome.Err == nil
	r.logger.Debug("execution ended", "mission", t.MissionID, "ticket", t.ID, "success", success, "status", status.String())
	return errors.Join(errs...)
}

// SetNextRuntime records the next cron fire time in memory and in storage.
func (r *Registry) SetNextRuntime(ctx context.Context, id string, next time.Time) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}
	e.snap.Mission.NextRuntime = next
	r.mu.Unlock()

	if err := r.storage.SetNextRuntime(ctx, id, next); err != nil {
		return fmt.Errorf("%w: recording next runtime: %w", ErrStorage, err)
	}
	return nil
}

// Busy reports whether any execution is in flight.
func (r *Registry) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.ticket != nil {
			return true
		}
	}
	return false
}

// persistStatus writes the current in-memory status of a mission.
func (r *Registry) persistStatus(ctx context.Context, id string) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	e, ok := r.entries[id]
	var status model.MissionStatus
	if ok {
		status = e.snap.Mission.Status
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	err := r.withRetry(ctx, func() error {
		return r.storage.UpdateMissionStatus(ctx, id, status)
	})
	if err != nil {
		r.logger.Error("persisting mission status failed", "mission", id, "status", status.String(), "err", err)
		return fmt.Errorf("%w: persisting status of mission %s: %w", ErrStorage, id, err)
	}
	return nil
}

func (r *Registry) withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.Interval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.retry.Attempts))
	return err
}

// revert undoes a status change whose write failed, unless something else has
// changed the mission since.
func (r *Registry) revert(id string, applied, previous model.MissionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok && e.snap.Mission.Status == applied && e.ticket == nil {
		e.snap.Mission.Status = previous
		e.after = previous
	}
}
