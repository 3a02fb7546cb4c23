package database

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"cr-go/internal/cr"
	"cr-go/internal/model"
)

var baseTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// newTestDB creates a new in-memory database with migrations applied.
func newTestDB(t *testing.T) *SQLiteDatabase {
	t.Helper()

	db, err := NewSQLiteDatabase(":memory:", nil)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// createMission inserts a cron mission with the given ignore keywords.
func createMission(t *testing.T, db *SQLiteDatabase, id string, keywords ...string) (*model.Mission, *model.Procedure) {
	t.Helper()

	p := &model.Procedure{
		ID:             "proc-" + id,
		IgnoreMethod:   model.IgnoreCustom,
		CompressFormat: model.FormatZip,
		Trigger:        model.TriggerCron,
		CronExpression: "0 * * * * * *",
		RestrictDays:   3,
		RestrictSize:   1024,
		CreatedAt:      baseTime,
		UpdatedAt:      baseTime,
	}
	m := &model.Mission{
		ID:          id,
		ProcedureID: p.ID,
		Name:        "mission " + id,
		Status:      model.StatusPaused,
		SrcPath:     "/src/" + id,
		DstPath:     "/dst/" + id,
		PathType:    model.PathDirectory,
		CreatedAt:   baseTime,
		UpdatedAt:   baseTime,
	}
	var ignores []*model.IgnoreRule
	for i, kw := range keywords {
		ignores = append(ignores, &model.IgnoreRule{
			ID:          fmt.Sprintf("ig-%s-%d", id, i),
			ProcedureID: p.ID,
			Keyword:     kw,
			CreatedAt:   baseTime,
			UpdatedAt:   baseTime,
		})
	}

	if err := db.CreateMission(context.Background(), m, p, ignores); err != nil {
		t.Fatalf("CreateMission() error = %v", err)
	}
	return m, p
}

func createBackup(t *testing.T, db *SQLiteDatabase, id, missionID string, age time.Duration, size int64) *model.Backup {
	t.Helper()

	b := &model.Backup{
		ID:        id,
		MissionID: missionID,
		Path:      "/dst/" + id + ".zip",
		Size:      size,
		Success:   true,
		StartedAt: baseTime.Add(-age),
		CreatedAt: baseTime.Add(-age),
	}
	if err := db.CreateBackup(context.Background(), b); err != nil {
		t.Fatalf("CreateBackup() error = %v", err)
	}
	return b
}

func TestSQLiteDatabase_Missions(t *testing.T) {
	ctx := context.Background()

	t.Run("returns nil when mission not found", func(t *testing.T) {
		db := newTestDB(t)

		m, err := db.FindMission(ctx, "missing")
		if err != nil {
			t.Fatalf("FindMission() error = %v", err)
		}
		if m != nil {
			t.Errorf("FindMission() = %v, want nil", m)
		}
	})

	t.Run("round trips mission, procedure and ignores", func(t *testing.T) {
		db := newTestDB(t)
		created, _ := createMission(t, db, "m1", "*.tmp", "node_modules")

		m, err := db.FindMission(ctx, "m1")
		if err != nil || m == nil {
			t.Fatalf("FindMission() = %v, %v", m, err)
		}
		if m.Ordinal != 1 || created.Ordinal != 1 {
			t.Errorf("Ordinal = %d (created %d), want 1", m.Ordinal, created.Ordinal)
		}
		if m.SrcPath != "/src/m1" || m.PathType != model.PathDirectory || m.Status != model.StatusPaused {
			t.Errorf("FindMission() = %+v", m)
		}
		if !m.CreatedAt.Equal(baseTime) {
			t.Errorf("CreatedAt = %v, want %v", m.CreatedAt, baseTime)
		}
		if !m.NextRuntime.IsZero() {
			t.Errorf("NextRuntime = %v, want zero", m.NextRuntime)
		}

		p, err := db.FindProcedure(ctx, m.ProcedureID)
		if err != nil || p == nil {
			t.Fatalf("FindProcedure() = %v, %v", p, err)
		}
		if p.CronExpression != "0 * * * * * *" || p.Trigger != model.TriggerCron || p.RestrictDays != 3 {
			t.Errorf("FindProcedure() = %+v", p)
		}

		ignores, err := db.ListIgnores(ctx, p.ID)
		if err != nil {
			t.Fatalf("ListIgnores() error = %v", err)
		}
		if len(ignores) != 2 || ignores[0].Keyword != "*.tmp" || ignores[1].Keyword != "node_modules" {
			t.Errorf("ListIgnores() = %+v", ignores)
		}
	})

	t.Run("update replaces ignore set and keeps status", func(t *testing.T) {
		db := newTestDB(t)
		m, p := createMission(t, db, "m1", "*.tmp")
		if err := db.UpdateMissionStatus(ctx, m.ID, model.StatusRunning); err != nil {
			t.Fatalf("UpdateMissionStatus() error = %v", err)
		}

		m.DstPath = "/elsewhere"
		p.Restrict = model.RestrictBoth
		replacement := []*model.IgnoreRule{{ID: "ig-new", ProcedureID: p.ID, Keyword: "*.log", CreatedAt: baseTime, UpdatedAt: baseTime}}
		if err := db.UpdateMission(ctx, m, p, replacement); err != nil {
			t.Fatalf("UpdateMission() error = %v", err)
		}

		got, _ := db.FindMission(ctx, m.ID)
		if got.DstPath != "/elsewhere" || got.Status != model.StatusRunning {
			t.Errorf("after update = %+v", got)
		}
		gotP, _ := db.FindProcedure(ctx, p.ID)
		if gotP.Restrict != model.RestrictBoth {
			t.Errorf("Restrict = %v, want by-both", gotP.Restrict)
		}
		ignores, _ := db.ListIgnores(ctx, p.ID)
		if len(ignores) != 1 || ignores[0].Keyword != "*.log" {
			t.Errorf("ListIgnores() = %+v, want only *.log", ignores)
		}
	})

	t.Run("status update on unknown mission is not found", func(t *testing.T) {
		db := newTestDB(t)

		err := db.UpdateMissionStatus(ctx, "missing", model.StatusRunning)
		if !errors.Is(err, cr.ErrNotFound) {
			t.Errorf("UpdateMissionStatus() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("next runtime and last trigger", func(t *testing.T) {
		db := newTestDB(t)
		m, _ := createMission(t, db, "m1")

		next := baseTime.Add(time.Minute)
		if err := db.SetNextRuntime(ctx, m.ID, next); err != nil {
			t.Fatalf("SetNextRuntime() error = %v", err)
		}
		if err := db.SetLastTrigger(ctx, m.ID, baseTime); err != nil {
			t.Fatalf("SetLastTrigger() error = %v", err)
		}
		got, _ := db.FindMission(ctx, m.ID)
		if !got.NextRuntime.Equal(next) || !got.LastTrigger.Equal(baseTime) {
			t.Errorf("NextRuntime = %v, LastTrigger = %v", got.NextRuntime, got.LastTrigger)
		}

		if err := db.SetNextRuntime(ctx, m.ID, time.Time{}); err != nil {
			t.Fatalf("SetNextRuntime(zero) error = %v", err)
		}
		got, _ = db.FindMission(ctx, m.ID)
		if !got.NextRuntime.IsZero() {
			t.Errorf("NextRuntime = %v, want zero", got.NextRuntime)
		}
	})

	t.Run("delete is soft and cascades", func(t *testing.T) {
		db := newTestDB(t)
		m, p := createMission(t, db, "m1", "*.tmp")
		createMission(t, db, "m2")
		createBackup(t, db, "b1", m.ID, time.Hour, 10)

		if err := db.DeleteMission(ctx, m.ID); err != nil {
			t.Fatalf("DeleteMission() error = %v", err)
		}

		if got, _ := db.FindMission(ctx, m.ID); got != nil {
			t.Errorf("FindMission() after delete = %+v, want nil", got)
		}
		if got, _ := db.FindProcedure(ctx, p.ID); got != nil {
			t.Errorf("FindProcedure() after delete = %+v, want nil", got)
		}
		if ignores, _ := db.ListIgnores(ctx, p.ID); len(ignores) != 0 {
			t.Errorf("ListIgnores() after delete = %d rows, want 0", len(ignores))
		}
		if backups, _ := db.ListBackups(ctx, m.ID, false); len(backups) != 0 {
			t.Errorf("ListBackups() after delete = %d rows, want 0", len(backups))
		}

		live, _ := db.ListMissions(ctx, false)
		all, _ := db.ListMissions(ctx, true)
		if len(live) != 1 || len(all) != 2 {
			t.Errorf("ListMissions() live = %d, all = %d, want 1 and 2", len(live), len(all))
		}
		if !all[0].Deleted || all[0].DeletedAt.IsZero() {
			t.Errorf("deleted mission = %+v, want deleted flag and timestamp", all[0])
		}

		if err := db.DeleteMission(ctx, m.ID); !errors.Is(err, cr.ErrNotFound) {
			t.Errorf("second DeleteMission() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("delete clears the executing status", func(t *testing.T) {
		db := newTestDB(t)
		m, _ := createMission(t, db, "m1")
		if err := db.UpdateMissionStatus(ctx, m.ID, model.StatusBackuping); err != nil {
			t.Fatalf("UpdateMissionStatus() error = %v", err)
		}

		if err := db.DeleteMission(ctx, m.ID); err != nil {
			t.Fatalf("DeleteMission() error = %v", err)
		}

		all, _ := db.ListMissions(ctx, true)
		if len(all) != 1 {
			t.Fatalf("ListMissions() = %d rows, want 1", len(all))
		}
		if all[0].Status != model.StatusRunning {
			t.Errorf("deleted mission status = %v, want %v", all[0].Status, model.StatusRunning)
		}
	})
}

func TestSQLiteDatabase_Backups(t *testing.T) {
	ctx := context.Background()

	t.Run("lists newest first", func(t *testing.T) {
		db := newTestDB(t)
		m, _ := createMission(t, db, "m1")
		createBackup(t, db, "old", m.ID, 48*time.Hour, 1)
		createBackup(t, db, "new", m.ID, 0, 1)
		createBackup(t, db, "mid", m.ID, 24*time.Hour, 1)

		backups, err := db.ListBackups(ctx, m.ID, false)
		if err != nil {
			t.Fatalf("ListBackups() error = %v", err)
		}
		var ids []string
		for _, b := range backups {
			ids = append(ids, b.ID)
		}
		if fmt.Sprint(ids) != "[new mid old]" {
			t.Errorf("ListBackups() order = %v, want [new mid old]", ids)
		}
	})

	t.Run("soft delete hides records", func(t *testing.T) {
		db := newTestDB(t)
		m, _ := createMission(t, db, "m1")
		createBackup(t, db, "b1", m.ID, 0, 1)
		createBackup(t, db, "b2", m.ID, time.Hour, 1)

		if err := db.SoftDeleteBackups(ctx, []string{"b2"}); err != nil {
			t.Fatalf("SoftDeleteBackups() error = %v", err)
		}
		live, _ := db.ListBackups(ctx, m.ID, false)
		all, _ := db.ListBackups(ctx, m.ID, true)
		if len(live) != 1 || len(all) != 2 {
			t.Errorf("live = %d, all = %d, want 1 and 2", len(live), len(all))
		}
		if got, _ := db.FindBackup(ctx, "b2"); got != nil {
			t.Errorf("FindBackup() of deleted = %+v, want nil", got)
		}
		if err := db.SoftDeleteBackups(ctx, nil); err != nil {
			t.Errorf("SoftDeleteBackups(nil) error = %v", err)
		}
	})

	t.Run("backup requires mission", func(t *testing.T) {
		db := newTestDB(t)
		err := db.CreateBackup(ctx, &model.Backup{ID: "b1", MissionID: "missing", StartedAt: baseTime, CreatedAt: baseTime})
		if err == nil {
			t.Error("CreateBackup() expected foreign key error")
		}
	})
}

func TestSQLiteDatabase_Compact(t *testing.T) {
	ctx := context.Background()

	t.Run("renumbers survivors densely and keeps references", func(t *testing.T) {
		db := newTestDB(t)
		createMission(t, db, "m1")
		m2, p2 := createMission(t, db, "m2", "*.tmp")
		createMission(t, db, "m3")
		m4, _ := createMission(t, db, "m4")
		createBackup(t, db, "b1", m2.ID, 3*time.Hour, 1)
		createBackup(t, db, "b2", m4.ID, 2*time.Hour, 1)
		createBackup(t, db, "b3", m4.ID, time.Hour, 1)

		if err := db.DeleteMission(ctx, "m1"); err != nil {
			t.Fatalf("DeleteMission() error = %v", err)
		}
		if err := db.DeleteMission(ctx, "m3"); err != nil {
			t.Fatalf("DeleteMission() error = %v", err)
		}
		if err := db.SoftDeleteBackups(ctx, []string{"b2"}); err != nil {
			t.Fatalf("SoftDeleteBackups() error = %v", err)
		}

		report, err := db.Compact(ctx)
		if err != nil {
			t.Fatalf("Compact() error = %v", err)
		}
		if report.Removed[cr.TableMission] != 2 || report.Removed[cr.TableProcedure] != 2 || report.Removed[cr.TableBackup] != 1 {
			t.Errorf("Removed = %v", report.Removed)
		}

		all, _ := db.ListMissions(ctx, true)
		if len(all) != 2 {
			t.Fatalf("ListMissions(includeDeleted) = %d rows, want 2", len(all))
		}
		for i, m := range all {
			if m.Ordinal != int64(i+1) {
				t.Errorf("mission %s ordinal = %d, want %d", m.ID, m.Ordinal, i+1)
			}
		}
		if all[0].ID != "m2" || all[1].ID != "m4" {
			t.Errorf("order = %s, %s; want m2, m4", all[0].ID, all[1].ID)
		}

		p, _ := db.FindProcedure(ctx, m2.ProcedureID)
		if p == nil || p.ID != p2.ID || p.Ordinal != 1 {
			t.Errorf("procedure after compaction = %+v", p)
		}
		if ignores, _ := db.ListIgnores(ctx, p2.ID); len(ignores) != 1 || ignores[0].Ordinal != 1 {
			t.Errorf("ignores after compaction = %+v", ignores)
		}

		backups, _ := db.ListBackups(ctx, m4.ID, true)
		if len(backups) != 1 || backups[0].ID != "b3" || backups[0].MissionID != m4.ID {
			t.Errorf("backups after compaction = %+v", backups)
		}
		b1, _ := db.FindBackup(ctx, "b1")
		b3, _ := db.FindBackup(ctx, "b3")
		if b1.Ordinal != 1 || b3.Ordinal != 2 {
			t.Errorf("backup ordinals = %d, %d; want 1, 2", b1.Ordinal, b3.Ordinal)
		}
	})

	t.Run("second pass changes nothing", func(t *testing.T) {
		db := newTestDB(t)
		createMission(t, db, "m1")
		createMission(t, db, "m2")
		if err := db.DeleteMission(ctx, "m1"); err != nil {
			t.Fatalf("DeleteMission() error = %v", err)
		}
		if _, err := db.Compact(ctx); err != nil {
			t.Fatalf("Compact() error = %v", err)
		}

		report, err := db.Compact(ctx)
		if err != nil {
			t.Fatalf("Compact() error = %v", err)
		}
		for _, tbl := range cr.Tables {
			if report.Removed[tbl] != 0 || report.Renumbered[tbl] != 0 {
				t.Errorf("%s: removed %d renumbered %d, want 0 0", tbl, report.Removed[tbl], report.Renumbered[tbl])
			}
		}
	})

	t.Run("new rows continue after the survivors", func(t *testing.T) {
		db := newTestDB(t)
		createMission(t, db, "m1")
		createMission(t, db, "m2")
		if err := db.DeleteMission(ctx, "m1"); err != nil {
			t.Fatalf("DeleteMission() error = %v", err)
		}
		if _, err := db.Compact(ctx); err != nil {
			t.Fatalf("Compact() error = %v", err)
		}

		m3, _ := createMission(t, db, "m3")
		if m3.Ordinal != 2 {
			t.Errorf("new mission ordinal = %d, want 2", m3.Ordinal)
		}
	})
}

func TestSQLiteDatabase_StatisticsAndInfo(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m1, _ := createMission(t, db, "m1")
	createMission(t, db, "m2")
	if err := db.UpdateMissionStatus(ctx, m1.ID, model.StatusRunning); err != nil {
		t.Fatalf("UpdateMissionStatus() error = %v", err)
	}
	createBackup(t, db, "b1", m1.ID, 0, 100)
	createBackup(t, db, "b2", m1.ID, time.Hour, 50)
	if err := db.CreateBackup(ctx, &model.Backup{ID: "b3", MissionID: m1.ID, Message: "boom", StartedAt: baseTime, CreatedAt: baseTime}); err != nil {
		t.Fatalf("CreateBackup() error = %v", err)
	}
	if err := db.SoftDeleteBackups(ctx, []string{"b2"}); err != nil {
		t.Fatalf("SoftDeleteBackups() error = %v", err)
	}

	stats, err := db.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics() error = %v", err)
	}
	if stats.Missions[model.StatusRunning] != 1 || stats.Missions[model.StatusPaused] != 1 {
		t.Errorf("Missions = %v", stats.Missions)
	}
	if stats.Backups != 2 || stats.FailedBackups != 1 || stats.TotalSize != 100 {
		t.Errorf("Statistics() = %+v, want 2 backups, 1 failed, 100 bytes", stats)
	}

	info, err := db.Info(ctx)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.Size <= 0 {
		t.Errorf("Size = %d, want > 0", info.Size)
	}
	for _, ti := range info.Tables {
		if ti.Table == cr.TableBackup && (ti.Live != 2 || ti.Deleted != 1) {
			t.Errorf("backup table info = %+v, want 2 live 1 deleted", ti)
		}
		if ti.Table == cr.TableMission && ti.Live != 2 {
			t.Errorf("mission table info = %+v, want 2 live", ti)
		}
	}
}
