package testutil

import (
	"context"
	"fmt"

	"cr-go/internal/cr"
	"cr-go/internal/model"
)

// GatedExecutor holds every execution until the test releases it, then
// records a successful backup and ends the execution. It lets tests keep a
// mission in Backuping for as long as they need.
type GatedExecutor struct {
	storage  cr.Storage
	registry *cr.Registry
	ids      cr.IDGenerator
	clock    cr.Clock

	started chan string
	release chan struct{}
}

var _ cr.Executor = (*GatedExecutor)(nil)

func NewGatedExecutor(h *Harness) *GatedExecutor {
	return &GatedExecutor{
		storage:  h.DB,
		registry: h.Registry,
		ids:      h.IDs,
		clock:    h.Clock,
		started:  make(chan string, 16),
		release:  make(chan struct{}),
	}
}

// Started yields the mission ID of every execution as it begins.
func (e *GatedExecutor) Started() <-chan string { return e.started }

// Release lets exactly one waiting execution finish. It blocks until one
// is waiting.
func (e *GatedExecutor) Release() { e.release <- struct{}{} }

func (e *GatedExecutor) Execute(ctx context.Context, t *cr.Ticket) (*model.Backup, error) {
	e.started <- t.MissionID
	<-e.release

	b := &model.Backup{
		ID:        e.ids.New(),
		MissionID: t.MissionID,
		Path:      fmt.Sprintf("artifact-%s", t.ID),
		Size:      1,
		Success:   true,
		StartedAt: t.StartedAt,
		CreatedAt: e.clock.Now(),
	}
	if err := e.storage.CreateBackup(ctx, b); err != nil {
		return nil, err
	}
	if err := e.registry.EndExecution(ctx, t, cr.Outcome{Backup: b}); err != nil {
		return b, err
	}
	return b, nil
}
