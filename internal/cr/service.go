package cr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cr-go/internal/model"
)

// MissionSpec carries the user-editable fields of a mission and its procedure.
type MissionSpec struct {
	Name        string
	Description string
	SrcPath     string
	DstPath     string

	IgnoreMethod   model.IgnoreMethod
	Ignores        []string
	Compress       bool
	CompressFormat model.CompressFormat
	Trigger        model.TriggerKind
	CronExpression string
	Restrict       model.RestrictPolicy
	RestrictDays   int
	RestrictSize   int64
}

// DefaultMissionSpec returns the procedure defaults for a new mission.
func DefaultMissionSpec() MissionSpec {
	return MissionSpec{
		IgnoreMethod:   model.IgnoreCustom,
		CompressFormat: model.FormatZip,
		Trigger:        model.TriggerCron,
		Restrict:       model.RestrictNone,
		RestrictDays:   3,
		RestrictSize:   1024,
	}
}

func (s MissionSpec) validate() error {
	if strings.TrimSpace(s.SrcPath) == "" {
		return errors.New("source path is required")
	}
	if strings.TrimSpace(s.DstPath) == "" {
		return errors.New("destination path is required")
	}
	if s.Restrict.ByDays() && s.RestrictDays <= 0 {
		return fmt.Errorf("restrict days must be positive, got %d", s.RestrictDays)
	}
	if s.Restrict.BySize() && s.RestrictSize <= 0 {
		return fmt.Errorf("restrict size must be positive, got %d", s.RestrictSize)
	}
	return nil
}

// MissionService is the command surface of the engine. It owns the registry,
// arbitrates triggers from every scheduler and hands tickets to the executor.
type MissionService struct {
	storage  Storage
	registry *Registry
	executor Executor
	pruner   Pruner
	notifier Notifier
	metrics  Metrics
	clock    Clock
	ids      IDGenerator
	logger   Logger

	schedulers map[model.TriggerKind]Scheduler

	// runCtx outlives individual trigger calls; executions run under it.
	runCtx context.Context
	wg     sync.WaitGroup
}

func NewMissionService(
	storage Storage,
	registry *Registry,
	executor Executor,
	pruner Pruner,
	notifier Notifier,
	metrics Metrics,
	clock Clock,
	ids IDGenerator,
	logger Logger,
) *MissionService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &MissionService{
		storage:    storage,
		registry:   registry,
		executor:   executor,
		pruner:     pruner,
		notifier:   notifier,
		metrics:    metrics,
		clock:      clock,
		ids:        ids,
		logger:     logger,
		schedulers: make(map[model.TriggerKind]Scheduler),
		runCtx:     context.Background(),
	}
}

var _ Dispatcher = (*MissionService)(nil)

// RegisterScheduler installs the trigger source for a trigger kind.
func (s *MissionService) RegisterScheduler(kind model.TriggerKind, sched Scheduler) {
	s.schedulers[kind] = sched
}

// Registry exposes the mission registry.
func (s *MissionService) Registry() *Registry {
	return s.registry
}

// Start loads the registry, recovers interrupted executions and arms every
// Running mission. Failures to arm a single mission are surfaced on that
// mission and do not stop the others; a mission whose cron expression does
// not parse is paused.
func (s *MissionService) Start(ctx context.Context) error {
	s.runCtx = context.WithoutCancel(ctx)

	if err := s.registry.Load(ctx); err != nil {
		return fmt.Errorf("loading missions: %w", err)
	}
	recovered, err := s.registry.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recovering interrupted missions: %w", err)
	}
	if len(recovered) > 0 {
		s.logger.Info("recovered interrupted missions", "count", len(recovered))
	}

	armed := 0
	for _, snap := range s.registry.List() {
		if snap.Mission.Status != model.StatusRunning {
			continue
		}
		if err := s.arm(ctx, snap); err != nil {
			s.logger.Warn("arming mission failed", "mission", snap.Mission.ID, "err", err)
			continue
		}
		armed++
	}
	s.logger.Info("mission service started", "count", armed)
	return nil
}

// Stop disarms every scheduler and waits for in-flight executions to finish.
func (s *MissionService) Stop() {
	for _, sched := range s.schedulers {
		sched.Close()
	}
	s.wg.Wait()
	s.logger.Debug("mission service stopped")
}

// Wait blocks until every in-flight execution started by Fire has ended.
func (s *MissionService) Wait() {
	s.wg.Wait()
}

// CreateMission stores a new mission in the Paused state.
func (s *MissionService) CreateMission(ctx context.Context, spec MissionSpec) (*Snapshot, error) {
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid mission: %w", err)
	}

	now := s.clock.Now()
	p := s.procedureFromSpec(spec, s.ids.New(), now)
	m := &model.Mission{
		ID:          s.ids.New(),
		ProcedureID: p.ID,
		Name:        spec.Name,
		Description: spec.Description,
		Status:      model.StatusPaused,
		SrcPath:     spec.SrcPath,
		DstPath:     spec.DstPath,
		PathType:    detectPathType(spec.SrcPath),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if m.Name == "" {
		m.Name = filepath.Base(spec.SrcPath)
	}
	ignores := s.ignoresFromSpec(spec, p.ID, now)

	if err := s.storage.CreateMission(ctx, m, p, ignores); err != nil {
		return nil, fmt.Errorf("%w: creating mission: %w", ErrStorage, err)
	}

	snap := newSnapshot(m, p, ignores)
	s.registry.Upsert(snap)
	s.logger.Info("mission created", "mission", m.ID, "path", m.SrcPath)
	return &snap, nil
}

// UpdateMission rewrites a mission's definition. A Running mission is
// re-armed with the new definition and paused if its cron expression does
// not parse. Missions with an execution in flight cannot be edited.
func (s *MissionService) UpdateMission(ctx context.Context, id string, spec MissionSpec) (*Snapshot, error) {
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid mission: %w", err)
	}
	current, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if current.Mission.Status == model.StatusBackuping {
		return nil, fmt.Errorf("mission %s: %w", id, ErrBusy)
	}

	now := s.clock.Now()
	p := s.procedureFromSpec(spec, current.Procedure.ID, now)
	p.Ordinal = current.Procedure.Ordinal
	p.CreatedAt = current.Procedure.CreatedAt

	m := current.Mission
	m.Name = spec.Name
	m.Description = spec.Description
	m.SrcPath = spec.SrcPath
	m.DstPath = spec.DstPath
	m.PathType = detectPathType(spec.SrcPath)
	m.UpdatedAt = now
	if m.Name == "" {
		m.Name = filepath.Base(spec.SrcPath)
	}
	if p.Trigger != model.TriggerCron {
		m.NextRuntime = time.Time{}
	}
	ignores := s.ignoresFromSpec(spec, p.ID, now)

	if err := s.storage.UpdateMission(ctx, &m, p, ignores); err != nil {
		return nil, fmt.Errorf("%w: updating mission: %w", ErrStorage, err)
	}

	s.disarm(current)
	snap := newSnapshot(&m, p, ignores)
	s.registry.Upsert(snap)
	s.registry.SetCondition(id, "")

	updated, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if updated.Mission.Status == model.StatusRunning {
		if err := s.arm(ctx, updated); err != nil {
			if fresh, gerr := s.registry.Get(id); gerr == nil {
				updated = fresh
			}
			return &updated, err
		}
	}
	s.logger.Info("mission updated", "mission", id)
	return &updated, nil
}

// DeleteMission soft-deletes a mission. An execution already in flight runs
// to completion; the mission is never re-armed.
func (s *MissionService) DeleteMission(ctx context.Context, id string) error {
	snap, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	s.disarm(snap)
	if err := s.storage.DeleteMission(ctx, id); err != nil {
		return fmt.Errorf("%w: deleting mission: %w", ErrStorage, err)
	}
	s.registry.Remove(id)
	s.logger.Info("mission deleted", "mission", id)
	return nil
}

// SetStatus pauses or resumes a mission and arms or disarms its schedule.
//
// A cron expression that does not parse leaves the mission Paused and returns
// ErrInvalidCronExpression. A watch that cannot be established leaves the
// mission Running with a WatchLost condition.
func (s *MissionService) SetStatus(ctx context.Context, id string, target model.MissionStatus) (*model.Mission, error) {
	m, err := s.registry.SetStatus(ctx, id, target)
	if err != nil {
		return nil, err
	}
	snap, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}

	if target == model.StatusPaused {
		s.disarm(snap)
		return m, nil
	}

	s.registry.SetCondition(id, "")
	if err := s.arm(ctx, snap); err != nil {
		if fresh, gerr := s.registry.Get(id); gerr == nil {
			m = &fresh.Mission
		}
		return m, err
	}
	return m, nil
}

// RunMission executes a mission immediately and waits for the result.
func (s *MissionService) RunMission(ctx context.Context, id string) (*model.Backup, error) {
	t, err := s.begin(ctx, id, SourceManual)
	if err != nil {
		return nil, err
	}
	return s.executor.Execute(ctx, t)
}

// Fire is called by schedulers. The execution runs in its own goroutine.
func (s *MissionService) Fire(ctx context.Context, missionID string, source TriggerSource) error {
	t, err := s.begin(ctx, missionID, source)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.executor.Execute(s.runCtx, t); err != nil {
			s.logger.Warn("execution failed", "mission", missionID, "ticket", t.ID, "err", err)
		}
	}()
	return nil
}

func (s *MissionService) begin(ctx context.Context, id string, source TriggerSource) (*Ticket, error) {
	t, err := s.registry.BeginExecution(ctx, id, source)
	switch {
	case err == nil:
		s.metrics.TriggerObserved(source, "started")
		return t, nil
	case errors.Is(err, ErrBusy):
		s.metrics.TriggerObserved(source, "busy")
		s.logger.Info("trigger skipped, execution in flight", "mission", id, "source", source.String())
	default:
		s.metrics.TriggerObserved(source, "rejected")
		s.logger.Warn("trigger rejected", "mission", id, "source", source.String(), "err", err)
	}
	return nil, err
}

// Scheduled records the next cron fire time.
func (s *MissionService) Scheduled(ctx context.Context, missionID string, next time.Time) error {
	return s.registry.SetNextRuntime(ctx, missionID, next)
}

// WatchLost marks a mission whose watch was torn down. It stays Running.
func (s *MissionService) WatchLost(ctx context.Context, missionID string, err error) {
	s.registry.SetCondition(missionID, fmt.Errorf("%w: %w", ErrWatchLost, err).Error())
	s.metrics.WatchLost()
	s.logger.Warn("watch lost", "mission", missionID, "err", err)

	name := missionID
	if snap, gerr := s.registry.Get(missionID); gerr == nil {
		name = snap.Mission.Name
	}
	s.notifier.Notify(ctx, Event{
		Kind:      EventScheduleFailed,
		MissionID: missionID,
		Name:      name,
		Err:       fmt.Errorf("%w: %w", ErrWatchLost, err),
		At:        s.clock.Now(),
	})
}

// GetMission returns a live mission with its procedure and ignore rules.
func (s *MissionService) GetMission(id string) (Snapshot, error) {
	return s.registry.Get(id)
}

// MissionFilter narrows ListMissions.
type MissionFilter struct {
	IncludeDeleted bool
	Status         *model.MissionStatus
}

// ListMissions returns missions ordered by display ordinal. Soft-deleted
// missions come from storage and only when asked for.
func (s *MissionService) ListMissions(ctx context.Context, filter MissionFilter) ([]*model.Mission, error) {
	var missions []*model.Mission
	if filter.IncludeDeleted {
		all, err := s.storage.ListMissions(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("%w: listing missions: %w", ErrStorage, err)
		}
		for _, m := range all {
			if snap, err := s.registry.Get(m.ID); err == nil {
				mm := snap.Mission
				m = &mm
			}
			missions = append(missions, m)
		}
	} else {
		for _, snap := range s.registry.List() {
			m := snap.Mission
			missions = append(missions, &m)
		}
	}

	if filter.Status == nil {
		return missions, nil
	}
	var out []*model.Mission
	for _, m := range missions {
		if m.Status == *filter.Status {
			out = append(out, m)
		}
	}
	return out, nil
}

// ListBackups returns a mission's backup records newest first.
func (s *MissionService) ListBackups(ctx context.Context, missionID string, includeDeleted bool) ([]*model.Backup, error) {
	if !includeDeleted {
		if _, err := s.registry.Get(missionID); err != nil {
			return nil, err
		}
	}
	backups, err := s.storage.ListBackups(ctx, missionID, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("%w: listing backups: %w", ErrStorage, err)
	}
	return backups, nil
}

// DeleteBackup soft-deletes one backup record and removes its artifact.
func (s *MissionService) DeleteBackup(ctx context.Context, backupID string) error {
	b, err := s.storage.FindBackup(ctx, backupID)
	if err != nil {
		return fmt.Errorf("%w: finding backup: %w", ErrStorage, err)
	}
	if b == nil {
		return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
	}
	if err := s.pruner.Prune(ctx, []*model.Backup{b}); err != nil {
		return fmt.Errorf("deleting backup: %w", err)
	}
	s.logger.Info("backup deleted", "backup", backupID, "mission", b.MissionID)
	return nil
}

// Compact permanently removes soft-deleted rows and refreshes the display
// ordinals held in memory.
func (s *MissionService) Compact(ctx context.Context) (*CompactReport, error) {
	report, err := s.storage.Compact(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: compacting: %w", ErrStorage, err)
	}
	missions, err := s.storage.ListMissions(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("%w: listing missions: %w", ErrStorage, err)
	}
	for _, m := range missions {
		s.registry.SetOrdinal(m.ID, m.Ordinal)
	}
	s.logger.Info("compaction finished",
		"missions", report.Removed[TableMission],
		"procedures", report.Removed[TableProcedure],
		"ignores", report.Removed[TableIgnore],
		"backups", report.Removed[TableBackup])
	return report, nil
}

func (s *MissionService) Statistics(ctx context.Context) (*Statistics, error) {
	stats, err := s.storage.Statistics(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gathering statistics: %w", ErrStorage, err)
	}
	return stats, nil
}

func (s *MissionService) DBInfo(ctx context.Context) (*DBInfo, error) {
	info, err := s.storage.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: reading database info: %w", ErrStorage, err)
	}
	return info, nil
}

func (s *MissionService) arm(ctx context.Context, snap Snapshot) error {
	sched, ok := s.schedulers[snap.Procedure.Trigger]
	if !ok {
		s.logger.Debug("no scheduler for trigger kind", "mission", snap.Mission.ID, "trigger", snap.Procedure.Trigger.String())
		return nil
	}
	err := sched.Arm(ctx, snap)
	if err == nil {
		return nil
	}

	id := snap.Mission.ID
	s.registry.SetCondition(id, err.Error())
	if errors.Is(err, ErrWatchLost) {
		s.metrics.WatchLost()
	}
	s.notifier.Notify(ctx, Event{
		Kind:      EventScheduleFailed,
		MissionID: id,
		Name:      snap.Mission.Name,
		Err:       err,
		At:        s.clock.Now(),
	})
	// A mission that can never fire is not left Running.
	if errors.Is(err, ErrInvalidCronExpression) {
		if _, perr := s.registry.SetStatus(ctx, id, model.StatusPaused); perr != nil {
			s.logger.Error("pausing mission after schedule failure", "mission", id, "err", perr)
		}
	}
	return fmt.Errorf("arming mission %s: %w", id, err)
}

func (s *MissionService) disarm(snap Snapshot) {
	if sched, ok := s.schedulers[snap.Procedure.Trigger]; ok {
		sched.Disarm(snap.Mission.ID)
	}
}

func (s *MissionService) procedureFromSpec(spec MissionSpec, id string, now time.Time) *model.Procedure {
	return &model.Procedure{
		ID:             id,
		Name:           spec.Name,
		HasIgnores:     len(spec.Ignores) > 0,
		IgnoreMethod:   spec.IgnoreMethod,
		Compress:       spec.Compress,
		CompressFormat: spec.CompressFormat,
		Trigger:        spec.Trigger,
		CronExpression: strings.TrimSpace(spec.CronExpression),
		Restrict:       spec.Restrict,
		RestrictDays:   spec.RestrictDays,
		RestrictSize:   spec.RestrictSize,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *MissionService) ignoresFromSpec(spec MissionSpec, procedureID string, now time.Time) []*model.IgnoreRule {
	var out []*model.IgnoreRule
	for _, kw := range spec.Ignores {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		out = append(out, &model.IgnoreRule{
			ID:          s.ids.New(),
			ProcedureID: procedureID,
			Keyword:     kw,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return out
}

func newSnapshot(m *model.Mission, p *model.Procedure, ignores []*model.IgnoreRule) Snapshot {
	snap := Snapshot{Mission: *m, Procedure: *p}
	for _, ig := range ignores {
		snap.Ignores = append(snap.Ignores, *ig)
	}
	return snap
}

func detectPathType(path string) model.PathType {
	info, err := os.Stat(path)
	if err != nil {
		return model.PathUnknown
	}
	if info.IsDir() {
		return model.PathDirectory
	}
	return model.PathFile
}
