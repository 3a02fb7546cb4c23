// Package executor runs the backup pipeline for one execution ticket:
// collect, filter, archive or copy, stage, commit, record, prune, notify.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cr-go/internal/archive"
	"cr-go/internal/cr"
	"cr-go/internal/encryption"
	"cr-go/internal/fs"
	"cr-go/internal/model"
	"cr-go/internal/staging"
	"cr-go/internal/vault"
)

// TimestampLayout is the artifact name timestamp.
const TimestampLayout = "20060102-150405"

// Completer ends executions. *cr.Registry implements it.
type Completer interface {
	EndExecution(ctx context.Context, t *cr.Ticket, outcome cr.Outcome) error
}

// Retention prunes a mission's history after a successful execution.
type Retention interface {
	Enforce(ctx context.Context, missionID string, p model.Procedure) ([]*model.Backup, error)
}

// Deps holds the collaborators of an Executor. Retention, Encryptor, Vault,
// Notifier and Metrics are optional.
type Deps struct {
	Storage   cr.Storage
	Completer Completer
	Retention Retention
	Encryptor cr.Encryptor
	Vault     cr.Vault
	Notifier  cr.Notifier
	Metrics   cr.Metrics
	Clock     cr.Clock
	IDs       cr.IDGenerator
	Logger    cr.Logger
}

// Executor is the production cr.Executor.
type Executor struct {
	storage   cr.Storage
	completer Completer
	retention Retention
	encryptor cr.Encryptor
	vault     cr.Vault
	notifier  cr.Notifier
	metrics   cr.Metrics
	clock     cr.Clock
	ids       cr.IDGenerator
	logger    cr.Logger
}

var _ cr.Executor = (*Executor)(nil)

func New(d Deps) *Executor {
	e := &Executor{
		storage:   d.Storage,
		completer: d.Completer,
		retention: d.Retention,
		encryptor: d.Encryptor,
		vault:     d.Vault,
		notifier:  d.Notifier,
		metrics:   d.Metrics,
		clock:     d.Clock,
		ids:       d.IDs,
		logger:    d.Logger,
	}
	if e.notifier == nil {
		e.notifier = cr.NopNotifier{}
	}
	if e.metrics == nil {
		e.metrics = cr.NopMetrics{}
	}
	return e
}

// result is what a pipeline run produced.
type result struct {
	path    string
	size    int64
	entries int
}

// Execute runs the pipeline and always ends the execution, whatever the
// outcome. A failed run is recorded as a Backup with Success unset and the
// failure in Message. The artifact only becomes visible on full success.
func (e *Executor) Execute(ctx context.Context, t *cr.Ticket) (*model.Backup, error) {
	snap := t.Snapshot
	m := snap.Mission
	p := snap.Procedure

	res, runErr := e.run(ctx, t)

	// Bookkeeping finishes even when the caller gives up.
	ctx = context.WithoutCancel(ctx)

	b := &model.Backup{
		ID:        e.ids.New(),
		MissionID: m.ID,
		Success:   runErr == nil,
		StartedAt: t.StartedAt,
		CreatedAt: e.clock.Now(),
	}
	if runErr == nil {
		b.Path = res.path
		b.Size = res.size
		b.Entries = res.entries
	} else {
		b.Message = runErr.Error()
		e.logger.Error("backup failed", "mission", m.ID, "ticket", t.ID, "source", t.Source.String(), "err", runErr)
	}

	var recordErr error
	if err := e.storage.CreateBackup(ctx, b); err != nil {
		recordErr = fmt.Errorf("%w: recording backup: %w", cr.ErrStorage, err)
		e.logger.Error("recording backup failed", "mission", m.ID, "ticket", t.ID, "err", err)
	}

	if runErr == nil && recordErr == nil {
		e.logger.Info("backup created", "mission", m.ID, "ticket", t.ID, "path", b.Path, "size", b.Size, "count", b.Entries)
		if e.retention != nil && p.Restrict != model.RestrictNone {
			if _, err := e.retention.Enforce(ctx, m.ID, p); err != nil {
				e.logger.Warn("retention failed", "mission", m.ID, "err", err)
			}
		}
	}

	failure := errors.Join(runErr, recordErr)
	endErr := e.completer.EndExecution(ctx, t, cr.Outcome{Backup: b, Err: failure})
	if endErr != nil {
		e.logger.Error("ending execution failed", "mission", m.ID, "ticket", t.ID, "err", endErr)
	}

	ev := cr.Event{Kind: cr.EventBackupCreated, MissionID: m.ID, Name: m.Name, Backup: b, At: e.clock.Now()}
	if failure != nil {
		ev.Kind = cr.EventBackupFailed
		ev.Err = failure
	}
	e.notifier.Notify(ctx, ev)
	e.metrics.ExecutionFinished(failure == nil, e.clock.Now().Sub(t.StartedAt), b.Size)

	return b, errors.Join(failure, endErr)
}

func (e *Executor) run(ctx context.Context, t *cr.Ticket) (result, error) {
	snap := t.Snapshot
	m := snap.Mission
	p := snap.Procedure

	if p.Compressed() && !archive.Supported(p.CompressFormat) {
		return result{}, fmt.Errorf("%w: %s compression: %w", cr.ErrIO, p.CompressFormat, archive.ErrUnsupportedFormat)
	}

	src, err := filepath.Abs(m.SrcPath)
	if err != nil {
		return result{}, fmt.Errorf("%w: resolving source: %w", cr.ErrIO, err)
	}
	matcher, err := fs.NewMatcher(p.IgnoreMethod, src, snap.Keywords())
	if err != nil {
		return result{}, fmt.Errorf("%w: loading ignore rules: %w", cr.ErrIO, err)
	}
	entries, err := fs.Collect(ctx, src, matcher)
	if err != nil {
		return result{}, fmt.Errorf("%w: %w", cr.ErrIO, err)
	}
	entries = excludeDestination(entries, src, m.DstPath)
	e.logger.Debug("source collected", "mission", m.ID, "count", len(entries), "size", fs.TotalSize(entries))

	res := result{entries: len(entries)}
	switch {
	case p.Compressed():
		res.path, res.size, err = e.writeArchive(ctx, m, p, src, t, entries)
	case isFileSource(entries, src):
		res.path, res.size, err = e.copyFile(m, src, t, entries[0])
	default:
		res.path, res.size, err = e.copyTree(ctx, m, src, t, entries)
	}
	if err != nil {
		return result{}, fmt.Errorf("%w: %w", cr.ErrIO, err)
	}

	e.mirror(ctx, m, res.path, res.size)
	return res, nil
}

func (e *Executor) writeArchive(ctx context.Context, m model.Mission, p model.Procedure, src string, t *cr.Ticket, entries []fs.Entry) (string, int64, error) {
	ext := "." + p.CompressFormat.Extension()
	if e.encryptor != nil {
		ext += encryption.Suffix
	}
	name, err := artifactName(m.DstPath, stem(filepath.Base(src), t), ext)
	if err != nil {
		return "", 0, err
	}

	art, f, err := staging.NewFile(m.DstPath, name)
	if err != nil {
		return "", 0, err
	}
	defer art.Discard()

	var (
		w   io.Writer = f
		enc io.WriteCloser
	)
	if e.encryptor != nil {
		if enc, err = e.encryptor.EncryptWriter(f); err != nil {
			f.Close()
			return "", 0, fmt.Errorf("starting encryption: %w", err)
		}
		w = enc
	}
	if _, err := archive.Write(ctx, w, p.CompressFormat, entries); err != nil {
		f.Close()
		return "", 0, fmt.Errorf("writing %s archive: %w", p.CompressFormat, err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			f.Close()
			return "", 0, fmt.Errorf("finalizing encryption: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("closing artifact: %w", err)
	}

	info, err := os.Stat(art.Path())
	if err != nil {
		return "", 0, fmt.Errorf("stat artifact: %w", err)
	}
	if err := art.Commit(); err != nil {
		return "", 0, err
	}
	return art.Final(), info.Size(), nil
}

func (e *Executor) copyFile(m model.Mission, src string, t *cr.Ticket, entry fs.Entry) (string, int64, error) {
	base := filepath.Base(src)
	ext := filepath.Ext(base)
	name, err := artifactName(m.DstPath, stem(strings.TrimSuffix(base, ext), t), ext)
	if err != nil {
		return "", 0, err
	}

	art, f, err := staging.NewFile(m.DstPath, name)
	if err != nil {
		return "", 0, err
	}
	defer art.Discard()
	f.Close()

	n, err := fs.CopyFile(entry.Path, art.Path(), entry.Info.Mode().Perm())
	if err != nil {
		return "", 0, err
	}
	if err := art.Commit(); err != nil {
		return "", 0, err
	}
	return art.Final(), n, nil
}

func (e *Executor) copyTree(ctx context.Context, m model.Mission, src string, t *cr.Ticket, entries []fs.Entry) (string, int64, error) {
	name, err := artifactName(m.DstPath, stem(filepath.Base(src), t), "")
	if err != nil {
		return "", 0, err
	}

	art, err := staging.NewDir(m.DstPath, name)
	if err != nil {
		return "", 0, err
	}
	defer art.Discard()

	n, err := fs.CopyEntries(ctx, entries, art.Path())
	if err != nil {
		return "", 0, err
	}
	if err := art.Commit(); err != nil {
		return "", 0, err
	}
	return art.Final(), n, nil
}

// mirror copies a single-file artifact to the vault. Directory artifacts are
// not mirrored. Failures leave the local artifact in place.
func (e *Executor) mirror(ctx context.Context, m model.Mission, path string, size int64) {
	if e.vault == nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		e.logger.Warn("mirroring artifact failed", "mission", m.ID, "path", path, "err", err)
		return
	}
	defer f.Close()

	if err := e.vault.Put(ctx, vault.Key(m.ID, path), f, size); err != nil {
		e.logger.Warn("mirroring artifact failed", "mission", m.ID, "path", path, "err", err)
		return
	}
	e.logger.Debug("artifact mirrored", "mission", m.ID, "path", path)
}

func stem(base string, t *cr.Ticket) string {
	return base + "_" + t.StartedAt.Format(TimestampLayout)
}

// artifactName returns stem+ext, or stem-N+ext when that name is taken in
// dir by an earlier artifact.
func artifactName(dir, stem, ext string) (string, error) {
	for i := 1; i < 1000; i++ {
		name := stem + ext
		if i > 1 {
			name = stem + "-" + strconv.Itoa(i) + ext
		}
		if _, err := os.Lstat(filepath.Join(dir, name)); os.IsNotExist(err) {
			return name, nil
		} else if err != nil {
			return "", fmt.Errorf("checking %s: %w", name, err)
		}
	}
	return "", fmt.Errorf("no free artifact name for %s%s", stem, ext)
}

func isFileSource(entries []fs.Entry, src string) bool {
	return len(entries) == 1 && !entries[0].IsDir() && entries[0].Path == src
}

// excludeDestination drops entries at or below dst when the destination
// lives inside the source tree.
func excludeDestination(entries []fs.Entry, src, dst string) []fs.Entry {
	abs, err := filepath.Abs(dst)
	if err != nil {
		return entries
	}
	rel, err := filepath.Rel(src, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return entries
	}
	rel = filepath.ToSlash(rel)

	out := entries[:0]
	for _, e := range entries {
		if e.Rel == rel || strings.HasPrefix(e.Rel, rel+"/") {
			continue
		}
		out = append(out, e)
	}
	return out
}
