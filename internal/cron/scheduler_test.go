package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cr-go/internal/cr"
	"cr-go/internal/model"
	"cr-go/internal/testutil"
)

const waitFor = 2 * time.Second

type fakeDispatcher struct {
	mu        sync.Mutex
	fires     []cr.TriggerSource
	scheduled []time.Time
	fireErr   error
}

func (d *fakeDispatcher) Fire(_ context.Context, _ string, source cr.TriggerSource) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fires = append(d.fires, source)
	return d.fireErr
}

func (d *fakeDispatcher) Scheduled(_ context.Context, _ string, next time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scheduled = append(d.scheduled, next)
	return nil
}

func (d *fakeDispatcher) WatchLost(context.Context, string, error) {}

func (d *fakeDispatcher) counts() (fires, scheduled int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fires), len(d.scheduled)
}

func cronSnapshot(id, expr string) cr.Snapshot {
	return cr.Snapshot{
		Mission:   model.Mission{ID: id, Status: model.StatusRunning},
		Procedure: model.Procedure{Trigger: model.TriggerCron, CronExpression: expr},
	}
}

func TestScheduler_FiresAndReschedules(t *testing.T) {
	clock := testutil.FixedClock()
	d := &fakeDispatcher{}
	s := NewScheduler(d, clock, cr.NewNopLogger())
	defer s.Close()

	require.NoError(t, s.Arm(context.Background(), cronSnapshot("m1", "*/5 * * * * * *")))
	require.Eventually(t, func() bool { return clock.Timers() == 1 }, waitFor, time.Millisecond)

	start := clock.Now()
	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		fires, scheduled := d.counts()
		return fires == 1 && scheduled == 2 && clock.Timers() == 1
	}, waitFor, time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, cr.SourceCron, d.fires[0])
	assert.True(t, d.scheduled[0].Equal(start.Add(5*time.Second)), "first next runtime %s", d.scheduled[0])
	assert.True(t, d.scheduled[1].Equal(start.Add(10*time.Second)), "second next runtime %s", d.scheduled[1])
}

func TestScheduler_BusyIsSkippedNotQueued(t *testing.T) {
	clock := testutil.FixedClock()
	d := &fakeDispatcher{fireErr: cr.ErrBusy}
	s := NewScheduler(d, clock, cr.NewNopLogger())
	defer s.Close()

	require.NoError(t, s.Arm(context.Background(), cronSnapshot("m1", "*/5 * * * * * *")))
	for i := 1; i <= 3; i++ {
		require.Eventually(t, func() bool { return clock.Timers() == 1 }, waitFor, time.Millisecond)
		clock.Advance(5 * time.Second)
		require.Eventually(t, func() bool {
			fires, _ := d.counts()
			return fires == i
		}, waitFor, time.Millisecond)
	}
	assert.True(t, s.Armed("m1"))
}

func TestScheduler_Disarm(t *testing.T) {
	clock := testutil.FixedClock()
	d := &fakeDispatcher{}
	s := NewScheduler(d, clock, cr.NewNopLogger())
	defer s.Close()

	require.NoError(t, s.Arm(context.Background(), cronSnapshot("m1", "*/5 * * * * * *")))
	require.Eventually(t, func() bool { return clock.Timers() == 1 }, waitFor, time.Millisecond)

	s.Disarm("m1")
	assert.False(t, s.Armed("m1"))

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	fires, _ := d.counts()
	assert.Equal(t, 0, fires)

	// disarming twice is harmless
	s.Disarm("m1")
}

func TestScheduler_RearmReplacesJob(t *testing.T) {
	clock := testutil.FixedClock()
	d := &fakeDispatcher{}
	s := NewScheduler(d, clock, cr.NewNopLogger())
	defer s.Close()

	require.NoError(t, s.Arm(context.Background(), cronSnapshot("m1", "*/5 * * * * * *")))
	require.NoError(t, s.Arm(context.Background(), cronSnapshot("m1", "0 0 * * * * *")))

	want := time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC)
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.scheduled) > 0 && d.scheduled[len(d.scheduled)-1].Equal(want)
	}, waitFor, time.Millisecond)
	assert.True(t, s.Armed("m1"))
}

func TestScheduler_ArmRejectsBadExpression(t *testing.T) {
	s := NewScheduler(&fakeDispatcher{}, testutil.FixedClock(), cr.NewNopLogger())
	defer s.Close()

	err := s.Arm(context.Background(), cronSnapshot("m1", "*/5 * * * *"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, cr.ErrInvalidCronExpression))
	assert.False(t, s.Armed("m1"))
}

func TestScheduler_ArmAfterClose(t *testing.T) {
	s := NewScheduler(&fakeDispatcher{}, testutil.FixedClock(), cr.NewNopLogger())
	s.Close()

	assert.Error(t, s.Arm(context.Background(), cronSnapshot("m1", "*/5 * * * * * *")))
}

func TestScheduler_BusySkipScenario(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t)
	exec := testutil.NewGatedExecutor(h)
	svc := h.NewService(exec, nil)
	sched := NewScheduler(svc, h.Clock, cr.NewNopLogger())
	svc.RegisterScheduler(model.TriggerCron, sched)
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	spec := cr.DefaultMissionSpec()
	spec.SrcPath = t.TempDir()
	spec.DstPath = t.TempDir()
	spec.CronExpression = "*/5 * * * * * *"
	snap, err := svc.CreateMission(ctx, spec)
	require.NoError(t, err)
	id := snap.Mission.ID

	_, err = svc.SetStatus(ctx, id, model.StatusRunning)
	require.NoError(t, err)

	timerArmed := func() bool { return h.Clock.Timers() == 1 }
	started := func() {
		t.Helper()
		select {
		case got := <-exec.Started():
			require.Equal(t, id, got)
		case <-time.After(waitFor):
			t.Fatal("execution did not start")
		}
	}

	// fire #1 starts an execution that stays in flight
	require.Eventually(t, timerArmed, waitFor, time.Millisecond)
	h.Clock.Advance(5 * time.Second)
	started()

	// fire #2 finds the mission busy
	require.Eventually(t, timerArmed, waitFor, time.Millisecond)
	h.Clock.Advance(5 * time.Second)
	require.Eventually(t, timerArmed, waitFor, time.Millisecond)
	select {
	case <-exec.Started():
		t.Fatal("busy fire started an execution")
	default:
	}

	exec.Release()
	require.Eventually(t, func() bool {
		snap, err := h.Registry.Get(id)
		return err == nil && snap.Mission.Status == model.StatusRunning
	}, waitFor, time.Millisecond)

	// fire #3 runs normally
	h.Clock.Advance(5 * time.Second)
	started()
	exec.Release()
	svc.Wait()
	require.Eventually(t, timerArmed, waitFor, time.Millisecond)

	backups, err := h.DB.ListBackups(ctx, id, false)
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	m, err := h.DB.FindMission(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, m.Status)
	assert.True(t, m.NextRuntime.After(h.Clock.Now()), "next runtime %s", m.NextRuntime)
}

func TestScheduler_InvalidExpressionPausesMission(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t)
	exec := testutil.NewGatedExecutor(h)

	newMission := func(t *testing.T, svc *cr.MissionService) string {
		t.Helper()
		spec := cr.DefaultMissionSpec()
		spec.SrcPath = t.TempDir()
		spec.DstPath = t.TempDir()
		spec.CronExpression = "0 0 3 * * * *"
		snap, err := svc.CreateMission(ctx, spec)
		require.NoError(t, err)
		return snap.Mission.ID
	}
	assertPaused := func(t *testing.T, reg *cr.Registry, sched *Scheduler, id string) {
		t.Helper()
		snap, err := reg.Get(id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPaused, snap.Mission.Status)
		assert.NotEmpty(t, snap.Condition)
		assert.False(t, sched.Armed(id))

		stored, err := h.DB.FindMission(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPaused, stored.Status)
	}

	t.Run("update of a running mission", func(t *testing.T) {
		svc := h.NewService(exec, nil)
		sched := NewScheduler(svc, h.Clock, cr.NewNopLogger())
		svc.RegisterScheduler(model.TriggerCron, sched)
		defer sched.Close()

		id := newMission(t, svc)
		_, err := svc.SetStatus(ctx, id, model.StatusRunning)
		require.NoError(t, err)
		require.True(t, sched.Armed(id))

		current, err := svc.GetMission(id)
		require.NoError(t, err)
		spec := cr.DefaultMissionSpec()
		spec.SrcPath = current.Mission.SrcPath
		spec.DstPath = current.Mission.DstPath
		spec.CronExpression = "not a cron"

		snap, err := svc.UpdateMission(ctx, id, spec)
		require.ErrorIs(t, err, cr.ErrInvalidCronExpression)
		require.NotNil(t, snap)
		assert.Equal(t, model.StatusPaused, snap.Mission.Status)
		assertPaused(t, h.Registry, sched, id)
	})

	t.Run("start with a stored running mission", func(t *testing.T) {
		svc := h.NewService(exec, nil)
		id := newMission(t, svc)
		current, err := svc.GetMission(id)
		require.NoError(t, err)
		spec := cr.DefaultMissionSpec()
		spec.SrcPath = current.Mission.SrcPath
		spec.DstPath = current.Mission.DstPath
		spec.CronExpression = "0 3 * * *"
		_, err = svc.UpdateMission(ctx, id, spec)
		require.NoError(t, err, "paused missions are not armed on update")
		require.NoError(t, h.DB.UpdateMissionStatus(ctx, id, model.StatusRunning))

		reg := cr.NewRegistry(h.DB, h.Clock, h.IDs, cr.NewNopLogger(), cr.RetryPolicy{Attempts: 3, Interval: time.Millisecond})
		restarted := cr.NewMissionService(h.DB, reg, exec, nil, h.Notifier, nil, h.Clock, h.IDs, cr.NewNopLogger())
		sched := NewScheduler(restarted, h.Clock, cr.NewNopLogger())
		restarted.RegisterScheduler(model.TriggerCron, sched)
		require.NoError(t, restarted.Start(ctx))
		defer restarted.Stop()

		assertPaused(t, reg, sched, id)
	})
}
