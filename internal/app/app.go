package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cr-go/internal/config"
	"cr-go/internal/cr"
	"cr-go/internal/cron"
	"cr-go/internal/database"
	"cr-go/internal/encryption"
	"cr-go/internal/executor"
	"cr-go/internal/metrics"
	"cr-go/internal/model"
	"cr-go/internal/monitor"
	"cr-go/internal/notify"
	"cr-go/internal/retention"
	"cr-go/internal/vault"
)

// CRApp is the application layer between the CLI and MissionService.
// It constructs all dependencies from config, resolves user input such as
// paths and mission references, and manages the DB lifecycle on Close.
type CRApp struct {
	cfg        *config.Config
	configPath string
	db         *database.SQLiteDatabase
	vault      cr.Vault
	encryptor  cr.Encryptor
	notifier   *notify.Notifier
	metrics    *metrics.Metrics
	registry   *cr.Registry
	service    *cr.MissionService
	logger     cr.Logger
	logFile    *os.File
}

// NewCRApp creates a fully wired CRApp from the config stored at
// configPath. operation names the CLI command being run and tags every log
// line. The caller must call Close when done.
func NewCRApp(ctx context.Context, cfg *config.Config, configPath, operation string) (*CRApp, error) {
	runID := operation + "-" + time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, runID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	var sink notify.Sink = notify.LogSink{Logger: log}
	if operation == "daemon" {
		sink = notify.Multi{sink, notify.NewWriterSink(os.Stdout)}
	}

	a, err := wire(ctx, cfg, log, cr.RealClock{}, cr.UUIDGenerator{}, sink)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	a.configPath = configPath
	a.logFile = logFile
	return a, nil
}

// wire builds the engine. It is shared by NewCRApp and tests.
func wire(ctx context.Context, cfg *config.Config, logger cr.Logger, clock cr.Clock, ids cr.IDGenerator, sink notify.Sink) (*CRApp, error) {
	db, err := database.NewDatabaseFromConfig(cfg.Database, clock)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	v, err := vault.NewVaultFromConfig(ctx, cfg.Vault)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating vault: %w", err)
	}

	retry := cr.DefaultRetryPolicy
	if cfg.Database.RetryAttempts > 0 {
		retry.Attempts = uint(cfg.Database.RetryAttempts)
	}

	m := metrics.New()
	notifier := notify.New(cfg.Notify, sink, logger)
	registry := cr.NewRegistry(db, clock, ids, logger, retry)
	enforcer := retention.NewEnforcer(db, v, clock, m, logger)
	exec := executor.New(executor.Deps{
		Storage:   db,
		Completer: registry,
		Retention: enforcer,
		Encryptor: enc,
		Vault:     v,
		Notifier:  notifier,
		Metrics:   m,
		Clock:     clock,
		IDs:       ids,
		Logger:    logger,
	})
	svc := cr.NewMissionService(db, registry, exec, enforcer, notifier, m, clock, ids, logger)
	svc.RegisterScheduler(model.TriggerCron, cron.NewScheduler(svc, clock, logger))
	svc.RegisterScheduler(model.TriggerMonitor, monitor.NewScheduler(svc, clock, logger, monitor.Options{
		Debounce:       seconds(cfg.Watcher.Timeout, monitor.DefaultDebounce),
		HealthInterval: seconds(cfg.Watcher.HealthInterval, monitor.DefaultHealthInterval),
	}))

	if err := registry.Load(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading missions: %w", err)
	}

	return &CRApp{
		cfg:       cfg,
		db:        db,
		vault:     v,
		encryptor: enc,
		notifier:  notifier,
		metrics:   m,
		registry:  registry,
		service:   svc,
		logger:    logger,
	}, nil
}

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// Config returns the configuration the app was built from.
func (a *CRApp) Config() *config.Config {
	return a.cfg
}

// ResolveMission maps a user reference to a mission ID. A reference is a
// full ID, "#N" for display ordinal N, a bare ordinal, or an unambiguous ID
// prefix. Ordinals are renumbered by compaction, so a bare number that also
// prefixes another mission's ID is rejected as ambiguous.
func (a *CRApp) ResolveMission(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("mission reference is empty")
	}
	missions := a.registry.List()

	if rest, ok := strings.CutPrefix(ref, "#"); ok {
		n, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid mission ordinal %q", ref)
		}
		if id := byOrdinal(missions, n); id != "" {
			return id, nil
		}
		return "", fmt.Errorf("mission %s: %w", ref, cr.ErrNotFound)
	}

	var matches []string
	for _, s := range missions {
		if s.Mission.ID == ref {
			return ref, nil
		}
		if strings.HasPrefix(s.Mission.ID, ref) {
			matches = append(matches, s.Mission.ID)
		}
	}

	if n, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if id := byOrdinal(missions, n); id != "" {
			if len(matches) > 1 || (len(matches) == 1 && matches[0] != id) {
				return "", fmt.Errorf("mission reference %q is ambiguous: use #%s for the ordinal or a longer ID", ref, ref)
			}
			return id, nil
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("mission %s: %w", ref, cr.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("mission reference %q is ambiguous (%d matches)", ref, len(matches))
	}
}

func byOrdinal(missions []cr.Snapshot, n int64) string {
	for _, s := range missions {
		if s.Mission.Ordinal == n {
			return s.Mission.ID
		}
	}
	return ""
}

// CreateMission resolves relative paths, checks the cron expression and
// stores the mission Paused.
func (a *CRApp) CreateMission(ctx context.Context, spec cr.MissionSpec) (*cr.Snapshot, error) {
	if err := prepare(&spec); err != nil {
		return nil, err
	}
	return a.service.CreateMission(ctx, spec)
}

// UpdateMission resolves ref and rewrites the mission's definition.
func (a *CRApp) UpdateMission(ctx context.Context, ref string, spec cr.MissionSpec) (*cr.Snapshot, error) {
	id, err := a.ResolveMission(ref)
	if err != nil {
		return nil, err
	}
	if err := prepare(&spec); err != nil {
		return nil, err
	}
	return a.service.UpdateMission(ctx, id, spec)
}

func prepare(spec *cr.MissionSpec) error {
	for _, p := range []*string{&spec.SrcPath, &spec.DstPath} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}
		*p = abs
	}
	if spec.Trigger == model.TriggerCron {
		if _, err := cron.Parse(spec.CronExpression); err != nil {
			return err
		}
	}
	return nil
}

// GetMission returns the snapshot of the referenced mission.
func (a *CRApp) GetMission(ref string) (cr.Snapshot, error) {
	id, err := a.ResolveMission(ref)
	if err != nil {
		return cr.Snapshot{}, err
	}
	return a.service.GetMission(id)
}

func (a *CRApp) ListMissions(ctx context.Context, filter cr.MissionFilter) ([]*model.Mission, error) {
	return a.service.ListMissions(ctx, filter)
}

func (a *CRApp) SetStatus(ctx context.Context, ref string, status model.MissionStatus) (*model.Mission, error) {
	id, err := a.ResolveMission(ref)
	if err != nil {
		return nil, err
	}
	return a.service.SetStatus(ctx, id, status)
}

func (a *CRApp) DeleteMission(ctx context.Context, ref string) error {
	id, err := a.ResolveMission(ref)
	if err != nil {
		return err
	}
	return a.service.DeleteMission(ctx, id)
}

// RunMission executes the referenced mission now and waits for it.
func (a *CRApp) RunMission(ctx context.Context, ref string) (*model.Backup, error) {
	id, err := a.ResolveMission(ref)
	if err != nil {
		return nil, err
	}
	return a.service.RunMission(ctx, id)
}

func (a *CRApp) ListBackups(ctx context.Context, ref string, includeDeleted bool) ([]*model.Backup, error) {
	id, err := a.ResolveMission(ref)
	if err != nil {
		return nil, err
	}
	return a.service.ListBackups(ctx, id, includeDeleted)
}

func (a *CRApp) DeleteBackup(ctx context.Context, backupID string) error {
	return a.service.DeleteBackup(ctx, backupID)
}

func (a *CRApp) Compact(ctx context.Context) (*cr.CompactReport, error) {
	return a.service.Compact(ctx)
}

func (a *CRApp) Statistics(ctx context.Context) (*cr.Statistics, error) {
	return a.service.Statistics(ctx)
}

func (a *CRApp) DBInfo(ctx context.Context) (*cr.DBInfo, error) {
	return a.service.DBInfo(ctx)
}

// BackupDatabase writes a consistent copy of the database to destPath.
func (a *CRApp) BackupDatabase(destPath string) error {
	abs, err := filepath.Abs(destPath)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}
	if _, err := os.Stat(abs); err == nil {
		return fmt.Errorf("%s already exists", abs)
	}
	return a.db.BackupTo(abs)
}

// SyncConfig replaces one configuration group with the one from incoming
// when overwrite is set, persists the result and applies it to the running
// notifier.
func (a *CRApp) SyncConfig(group config.Group, incoming *config.Config, overwrite bool) (*config.Config, error) {
	out, err := a.cfg.Sync(group, incoming, overwrite)
	if err != nil {
		return nil, err
	}
	if overwrite {
		if err := config.WriteToFile(a.configPath, a.cfg); err != nil {
			return nil, fmt.Errorf("saving config: %w", err)
		}
		a.notifier.SetConfig(a.cfg.Notify)
		a.logger.Info("config group synced", "group", group.String())
	}
	return out, nil
}

// InitKeys generates the encryption key pair protected by passphrase.
func (a *CRApp) InitKeys(passphrase string) error {
	if a.encryptor == nil {
		return errors.New("encryption is disabled in the config")
	}
	return a.encryptor.Setup(passphrase)
}

// DecryptBackup decrypts an encrypted artifact into destPath. When the
// local artifact is gone the mirrored copy is used.
func (a *CRApp) DecryptBackup(ctx context.Context, backupID, passphrase, destPath string) error {
	if a.encryptor == nil {
		return errors.New("encryption is disabled in the config")
	}
	b, err := a.db.FindBackup(ctx, backupID)
	if err != nil {
		return fmt.Errorf("%w: finding backup: %w", cr.ErrStorage, err)
	}
	if b == nil {
		return fmt.Errorf("backup %s: %w", backupID, cr.ErrNotFound)
	}
	if !strings.HasSuffix(b.Path, encryption.Suffix) {
		return fmt.Errorf("backup %s is not encrypted", backupID)
	}

	dec, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return err
	}
	src, err := a.openArtifact(ctx, b)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	if err := dec.Decrypt(src, out); err != nil {
		out.Close()
		os.Remove(destPath)
		return fmt.Errorf("decrypting backup: %w", err)
	}
	return out.Close()
}

func (a *CRApp) openArtifact(ctx context.Context, b *model.Backup) (io.ReadCloser, error) {
	f, err := os.Open(b.Path)
	if err == nil {
		return f, nil
	}
	if !os.IsNotExist(err) || a.vault == nil {
		return nil, fmt.Errorf("opening artifact: %w", err)
	}

	tmp, err := os.CreateTemp("", "cr-mirror-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	if err := a.vault.Get(ctx, vault.Key(b.MissionID, b.Path), tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("fetching mirrored artifact: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	return &tempFile{File: tmp}, nil
}

// tempFile removes itself on Close.
type tempFile struct {
	*os.File
}

func (t *tempFile) Close() error {
	err := t.File.Close()
	os.Remove(t.Name())
	return err
}

// Close stops every scheduler, waits for in-flight executions and closes
// the database.
func (a *CRApp) Close() error {
	a.service.Stop()

	var firstErr error
	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
