package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cr-go/internal/archive"
	"cr-go/internal/config"
	"cr-go/internal/cr"
	"cr-go/internal/model"
	"cr-go/internal/notify"
	"cr-go/internal/staging"
	"cr-go/internal/testutil"
)

func newTestApp(t *testing.T, edit func(*config.Config)) (*CRApp, string) {
	t.Helper()
	return newTestAppWithIDs(t, testutil.NewStubIDGenerator(), edit)
}

func newTestAppWithIDs(t *testing.T, ids cr.IDGenerator, edit func(*config.Config)) (*CRApp, string) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.NewConfig(dir)
	cfg.Database = config.DatabaseConfig{Type: "memory", RetryAttempts: 2}
	cfg.Metrics.Addr = ""
	if edit != nil {
		edit(cfg)
	}

	logger := cr.NewNopLogger()
	a, err := wire(context.Background(), cfg, logger, testutil.FixedClock(), ids, notify.LogSink{Logger: logger})
	require.NoError(t, err)
	a.configPath = filepath.Join(dir, "cr.toml")
	t.Cleanup(func() { a.Close() })
	return a, dir
}

func spec(src, dst string) cr.MissionSpec {
	s := cr.DefaultMissionSpec()
	s.SrcPath = src
	s.DstPath = dst
	s.CronExpression = "0 0 3 * * * *"
	return s
}

func TestCRApp_CreateMission(t *testing.T) {
	a, dir := newTestApp(t, nil)
	ctx := context.Background()

	t.Run("relative paths are resolved", func(t *testing.T) {
		t.Chdir(dir)
		snap, err := a.CreateMission(ctx, spec("docs", "backups"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "docs"), snap.Mission.SrcPath)
		assert.Equal(t, filepath.Join(dir, "backups"), snap.Mission.DstPath)
		assert.Equal(t, model.StatusPaused, snap.Mission.Status)
	})

	t.Run("cron expression is checked", func(t *testing.T) {
		s := spec(dir, dir)
		s.CronExpression = "0 3 * * *"
		_, err := a.CreateMission(ctx, s)
		assert.ErrorIs(t, err, cr.ErrInvalidCronExpression)
	})

	t.Run("monitor missions need no expression", func(t *testing.T) {
		s := spec(dir, dir)
		s.Trigger = model.TriggerMonitor
		s.CronExpression = ""
		_, err := a.CreateMission(ctx, s)
		assert.NoError(t, err)
	})
}

func TestCRApp_ResolveMission(t *testing.T) {
	a, dir := newTestApp(t, nil)
	ctx := context.Background()

	first, err := a.CreateMission(ctx, spec(dir, dir))
	require.NoError(t, err)
	second, err := a.CreateMission(ctx, spec(dir, dir))
	require.NoError(t, err)

	tests := []struct {
		ref     string
		want    string
		wantErr error
	}{
		{ref: "1", want: first.Mission.ID},
		{ref: "2", want: second.Mission.ID},
		{ref: second.Mission.ID, want: second.Mission.ID},
		{ref: "nope", wantErr: cr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := a.ResolveMission(tt.ref)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("ambiguous prefix", func(t *testing.T) {
		_, err := a.ResolveMission("id-")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ambiguous")
	})
}

// digitIDs yields IDs made only of digits, so bare numbers are also ID
// prefixes.
type digitIDs struct{ n int }

func (g *digitIDs) New() string {
	g.n++
	return fmt.Sprintf("2%05d", g.n)
}

func TestCRApp_ResolveMissionOrdinals(t *testing.T) {
	a, dir := newTestAppWithIDs(t, &digitIDs{}, nil)
	ctx := context.Background()

	var ids []string
	for range 3 {
		snap, err := a.CreateMission(ctx, spec(dir, dir))
		require.NoError(t, err)
		ids = append(ids, snap.Mission.ID)
	}

	got, err := a.ResolveMission("1")
	require.NoError(t, err)
	assert.Equal(t, ids[0], got)

	_, err = a.ResolveMission("2")
	require.Error(t, err, "2 is both an ordinal and an ID prefix")
	assert.Contains(t, err.Error(), "ambiguous")

	got, err = a.ResolveMission("#2")
	require.NoError(t, err)
	assert.Equal(t, ids[1], got)

	_, err = a.ResolveMission("#x")
	assert.Error(t, err)

	require.NoError(t, a.DeleteMission(ctx, "#1"))
	_, err = a.Compact(ctx)
	require.NoError(t, err)

	got, err = a.ResolveMission("#1")
	require.NoError(t, err)
	assert.Equal(t, ids[1], got, "ordinals are renumbered by compaction")

	got, err = a.ResolveMission(ids[1])
	require.NoError(t, err)
	assert.Equal(t, ids[1], got, "IDs are stable across compaction")

	_, err = a.ResolveMission("#3")
	assert.ErrorIs(t, err, cr.ErrNotFound)
}

func TestCRApp_RunAndDecryptFromMirror(t *testing.T) {
	a, dir := newTestApp(t, func(c *config.Config) {
		c.Encryption = config.EncryptionConfig{Enabled: true, Type: "test"}
		c.Vault = config.VaultConfig{Type: "memory"}
	})
	ctx := context.Background()

	src := filepath.Join(dir, "docs")
	testutil.WriteTree(t, src, map[string]string{"a.txt": "alpha", "b.tmp": "scratch"})
	s := spec(src, filepath.Join(dir, "backups"))
	s.Compress = true
	s.Ignores = []string{"*.tmp"}
	snap, err := a.CreateMission(ctx, s)
	require.NoError(t, err)

	b, err := a.RunMission(ctx, "1")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(b.Path, ".zip.age"), b.Path)
	assert.Equal(t, snap.Mission.ID, b.MissionID)

	require.NoError(t, os.Remove(b.Path))

	out := filepath.Join(dir, "restored.zip")
	require.NoError(t, a.DecryptBackup(ctx, b.ID, "", out))

	names, err := archive.List(out, model.FormatZip)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, names)

	t.Run("existing output is not overwritten", func(t *testing.T) {
		err := a.DecryptBackup(ctx, b.ID, "", out)
		assert.Error(t, err)
	})

	t.Run("unknown backup", func(t *testing.T) {
		err := a.DecryptBackup(ctx, "missing", "", filepath.Join(dir, "x"))
		assert.ErrorIs(t, err, cr.ErrNotFound)
	})
}

func TestCRApp_EncryptionDisabled(t *testing.T) {
	a, dir := newTestApp(t, nil)

	assert.Error(t, a.InitKeys("secret"))
	assert.Error(t, a.DecryptBackup(context.Background(), "id-1", "secret", filepath.Join(dir, "out")))
}

func TestCRApp_SyncConfig(t *testing.T) {
	a, dir := newTestApp(t, nil)

	incoming := config.NewConfig("/elsewhere")
	incoming.Notify.Enable = false
	incoming.System.Theme = "dark"

	got, err := a.SyncConfig(config.GroupNotify, incoming, true)
	require.NoError(t, err)
	assert.False(t, got.Notify.Enable)
	assert.Equal(t, "system", got.System.Theme)
	assert.False(t, a.notifier.Allowed(cr.EventBackupFailed))

	saved, err := config.ReadFromFile(filepath.Join(dir, "cr.toml"))
	require.NoError(t, err)
	assert.False(t, saved.Notify.Enable)
	assert.Equal(t, dir, saved.BaseDir)

	t.Run("without overwrite nothing is written", func(t *testing.T) {
		got, err := a.SyncConfig(config.GroupSystem, incoming, false)
		require.NoError(t, err)
		assert.Equal(t, "system", got.System.Theme)
	})
}

func TestCRApp_SweepStaging(t *testing.T) {
	a, dir := newTestApp(t, nil)
	dst := filepath.Join(dir, "backups")

	_, err := a.CreateMission(context.Background(), spec(dir, dst))
	require.NoError(t, err)
	_, err = a.CreateMission(context.Background(), spec(dir, dst))
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(dst, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dst, staging.Prefix+"docs.zip-123"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "docs.zip"), nil, 0o644))

	assert.Equal(t, 1, a.SweepStaging())
	_, err = os.Stat(filepath.Join(dst, "docs.zip"))
	assert.NoError(t, err)
}

func TestCRApp_BackupDatabase(t *testing.T) {
	a, dir := newTestApp(t, nil)
	_, err := a.CreateMission(context.Background(), spec(dir, dir))
	require.NoError(t, err)

	dest := filepath.Join(dir, "copy.db")
	require.NoError(t, a.BackupDatabase(dest))
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	assert.Error(t, a.BackupDatabase(dest), "refuses to overwrite")
}

func TestCRApp_RunDaemon(t *testing.T) {
	a, dir := newTestApp(t, func(c *config.Config) { c.Metrics.Addr = "127.0.0.1:0" })
	ctx := context.Background()

	snap, err := a.CreateMission(ctx, spec(dir, filepath.Join(dir, "backups")))
	require.NoError(t, err)
	_, err = a.SetStatus(ctx, snap.Mission.ID, model.StatusRunning)
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	require.NoError(t, a.RunDaemon(runCtx))

	got, err := a.GetMission(snap.Mission.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Mission.Status)
	assert.False(t, got.Mission.NextRuntime.IsZero(), "cron mission should have a next runtime")
}
