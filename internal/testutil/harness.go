package testutil

import (
	"testing"
	"time"

	"cr-go/internal/cr"
	"cr-go/internal/database"
)

// Harness bundles the engine collaborators most tests need: an in-memory
// database, a stub clock and id generator, and a registry over them.
type Harness struct {
	DB       *database.SQLiteDatabase
	Clock    *StubClock
	IDs      *StubIDGenerator
	Registry *cr.Registry
	Notifier *RecordingNotifier
	Service  *cr.MissionService
}

// NewHarness creates a Harness whose clock starts at FixedClock.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	clock := FixedClock()
	ids := NewStubIDGenerator()
	db := NewTestDatabase(t, clock)
	return &Harness{
		DB:       db,
		Clock:    clock,
		IDs:      ids,
		Registry: cr.NewRegistry(db, clock, ids, cr.NewNopLogger(), cr.RetryPolicy{Attempts: 3, Interval: time.Millisecond}),
		Notifier: &RecordingNotifier{},
	}
}

// NewService builds the mission service over the harness. pruner may be nil
// for tests that never delete backups.
func (h *Harness) NewService(executor cr.Executor, pruner cr.Pruner) *cr.MissionService {
	h.Service = cr.NewMissionService(h.DB, h.Registry, executor, pruner, h.Notifier, nil, h.Clock, h.IDs, cr.NewNopLogger())
	return h.Service
}
