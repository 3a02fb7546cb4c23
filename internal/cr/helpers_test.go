package cr_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cr-go/internal/cr"
	"cr-go/internal/model"
	"cr-go/internal/testutil"
)

var errLocked = errors.New("database is locked")

// flakyStorage fails the next n status writes.
type flakyStorage struct {
	cr.Storage

	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStorage) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

func (f *flakyStorage) statusCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *flakyStorage) UpdateMissionStatus(ctx context.Context, id string, status model.MissionStatus) error {
	f.mu.Lock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errLocked
	}
	f.mu.Unlock()
	return f.Storage.UpdateMissionStatus(ctx, id, status)
}

// fakeScheduler records arm and disarm calls. armErr, when set, is returned
// from every Arm.
type fakeScheduler struct {
	mu       sync.Mutex
	armErr   error
	armed    map[string]int
	disarmed map[string]int
	closed   bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{armed: make(map[string]int), disarmed: make(map[string]int)}
}

func (s *fakeScheduler) Arm(_ context.Context, snap cr.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armErr != nil {
		return s.armErr
	}
	s.armed[snap.Mission.ID]++
	return nil
}

func (s *fakeScheduler) Disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmed[id]++
}

func (s *fakeScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeScheduler) arms(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed[id]
}

func (s *fakeScheduler) disarms(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disarmed[id]
}

func missionSpec(t *testing.T, edit func(*cr.MissionSpec)) cr.MissionSpec {
	t.Helper()
	spec := cr.DefaultMissionSpec()
	spec.SrcPath = t.TempDir()
	spec.DstPath = t.TempDir()
	spec.CronExpression = "0 0 3 * * * *"
	if edit != nil {
		edit(&spec)
	}
	return spec
}

func createMission(t *testing.T, svc *cr.MissionService, edit func(*cr.MissionSpec)) string {
	t.Helper()
	snap, err := svc.CreateMission(context.Background(), missionSpec(t, edit))
	require.NoError(t, err)
	return snap.Mission.ID
}

// newFlakyService builds a service whose status writes can be made to fail.
func newFlakyService(t *testing.T) (*testutil.Harness, *flakyStorage, *cr.Registry, *cr.MissionService) {
	t.Helper()
	h := testutil.NewHarness(t)
	store := &flakyStorage{Storage: h.DB}
	reg := cr.NewRegistry(store, h.Clock, h.IDs, cr.NewNopLogger(), cr.RetryPolicy{Attempts: 3, Interval: time.Millisecond})
	svc := cr.NewMissionService(store, reg, nil, nil, nil, nil, h.Clock, h.IDs, cr.NewNopLogger())
	return h, store, reg, svc
}
