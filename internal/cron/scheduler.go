package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cr-go/internal/cr"
	"cr-go/internal/model"
)

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler runs one timer goroutine per armed mission. Fires that find the
// mission busy are skipped, never queued.
type Scheduler struct {
	dispatcher cr.Dispatcher
	clock      cr.Clock
	logger     cr.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*job
}

var _ cr.Scheduler = (*Scheduler)(nil)

func NewScheduler(dispatcher cr.Dispatcher, clock cr.Clock, logger cr.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		dispatcher: dispatcher,
		clock:      clock,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(map[string]*job),
	}
}

// Arm parses the mission's expression and (re)starts its timer. A previous
// job for the same mission is stopped first.
func (s *Scheduler) Arm(_ context.Context, snap cr.Snapshot) error {
	if snap.Procedure.Trigger != model.TriggerCron {
		return fmt.Errorf("mission %s is not cron triggered", snap.Mission.ID)
	}
	sched, err := Parse(snap.Procedure.CronExpression)
	if err != nil {
		return err
	}

	id := snap.Mission.ID
	s.Disarm(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return fmt.Errorf("cron scheduler closed")
	}
	ctx, cancel := context.WithCancel(s.ctx)
	j := &job{cancel: cancel, done: make(chan struct{})}
	s.jobs[id] = j

	go func() {
		defer close(j.done)
		s.run(ctx, id, sched)
	}()

	s.logger.Debug("cron armed", "mission", id, "expr", sched.String())
	return nil
}

// Disarm stops a mission's timer and waits for its goroutine to exit. An
// execution already handed to the engine is not affected.
func (s *Scheduler) Disarm(missionID string) {
	s.mu.Lock()
	j, ok := s.jobs[missionID]
	if ok {
		delete(s.jobs, missionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	j.cancel()
	<-j.done
	s.logger.Debug("cron disarmed", "mission", missionID)
}

// Close stops every job.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.cancel()
	jobs := s.jobs
	s.jobs = make(map[string]*job)
	s.mu.Unlock()

	for _, j := range jobs {
		<-j.done
	}
}

// Armed reports whether a mission currently has a timer.
func (s *Scheduler) Armed(missionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[missionID]
	return ok
}

func (s *Scheduler) run(ctx context.Context, id string, sched *Schedule) {
	from := s.clock.Now()
	for {
		next := sched.Next(from)
		if err := s.dispatcher.Scheduled(ctx, id, next); err != nil {
			if errors.Is(err, cr.ErrNotFound) {
				return
			}
			s.logger.Warn("recording next runtime failed", "mission", id, "err", err)
		}
		if next.IsZero() {
			s.logger.Info("cron expression has no further occurrences", "mission", id)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(next.Sub(s.clock.Now())):
		}
		if ctx.Err() != nil {
			return
		}

		err := s.dispatcher.Fire(ctx, id, cr.SourceCron)
		switch {
		case err == nil:
		case errors.Is(err, cr.ErrBusy):
			s.logger.Info("cron fire skipped, mission busy", "mission", id, "at", next.Format(time.RFC3339))
		case errors.Is(err, cr.ErrNotFound), errors.Is(err, cr.ErrInvalidTransition):
			s.logger.Debug("cron job stopping", "mission", id, "err", err)
			return
		default:
			s.logger.Warn("cron fire failed", "mission", id, "err", err)
		}

		from = next
		if now := s.clock.Now(); now.After(from) {
			from = now
		}
	}
}
