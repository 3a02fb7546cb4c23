package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cr-go/internal/cr"
	"cr-go/internal/database/migrations"
	"cr-go/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements cr.Storage on SQLite.
type SQLiteDatabase struct {
	db    *sql.DB
	path  string
	clock cr.Clock
}

var _ cr.Storage = (*SQLiteDatabase)(nil)

// NewSQLiteDatabase opens the database at path (or ":memory:") and applies
// pending migrations. A nil clock means the real clock.
func NewSQLiteDatabase(path string, clock cr.Clock) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	if clock == nil {
		clock = cr.RealClock{}
	}
	return &SQLiteDatabase{db: db, path: path, clock: clock}, nil
}

// OpenConnection opens a SQLite connection with foreign keys enforced.
// The pool is limited to one connection: SQLite serializes writers anyway,
// and an in-memory database exists only on the connection that created it.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func tableName(t cr.Table) string {
	switch t {
	case cr.TableMission:
		return "missions"
	case cr.TableProcedure:
		return "procedures"
	case cr.TableIgnore:
		return "ignores"
	case cr.TableBackup:
		return "backups"
	}
	panic(fmt.Sprintf("unknown table %d", int(t)))
}

// nextOrdinal must run inside the transaction that inserts the row.
func nextOrdinal(ctx context.Context, tx *sql.Tx, t cr.Table) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(ordinal), 0) + 1 FROM "+tableName(t)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("computing %s ordinal: %w", t, err)
	}
	return n, nil
}

// Mission operations

func (s *SQLiteDatabase) CreateMission(ctx context.Context, m *model.Mission, p *model.Procedure, ignores []*model.IgnoreRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertProcedure(ctx, tx, p); err != nil {
		return err
	}
	if err := insertIgnores(ctx, tx, ignores); err != nil {
		return err
	}

	if m.Ordinal, err = nextOrdinal(ctx, tx, cr.TableMission); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO missions (id, ordinal, procedure_id, name, description, status, src_path, dst_path,
			path_type, next_runtime, last_trigger, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Ordinal, m.ProcedureID, m.Name, m.Description, int(m.Status), m.SrcPath, m.DstPath,
		int(m.PathType), nullTime(m.NextRuntime), nullTime(m.LastTrigger), m.CreatedAt.UTC(), m.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting mission: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) UpdateMission(ctx context.Context, m *model.Mission, p *model.Procedure, ignores []*model.IgnoreRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.clock.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE missions SET name = ?, description = ?, src_path = ?, dst_path = ?, path_type = ?,
			next_runtime = ?, updated_at = ?
		WHERE id = ? AND deleted = 0`,
		m.Name, m.Description, m.SrcPath, m.DstPath, int(m.PathType), nullTime(m.NextRuntime), now, m.ID)
	if err != nil {
		return fmt.Errorf("updating mission: %w", err)
	}
	if err := expectOne(res, "mission", m.ID); err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE procedures SET name = ?, has_ignores = ?, ignore_method = ?, compress = ?, compress_format = ?,
			trigger_kind = ?, cron_expression = ?, restrict_policy = ?, restrict_days = ?, restrict_size = ?,
			updated_at = ?
		WHERE id = ? AND deleted = 0`,
		p.Name, p.HasIgnores, int(p.IgnoreMethod), p.Compress, int(p.CompressFormat), int(p.Trigger),
		p.CronExpression, int(p.Restrict), p.RestrictDays, p.RestrictSize, now, p.ID)
	if err != nil {
		return fmt.Errorf("updating procedure: %w", err)
	}
	if err := expectOne(res, "procedure", p.ID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE ignores SET deleted = 1, deleted_at = ? WHERE procedure_id = ? AND deleted = 0",
		now, p.ID); err != nil {
		return fmt.Errorf("retiring ignore rules: %w", err)
	}
	if err := insertIgnores(ctx, tx, ignores); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	m.UpdatedAt = now
	p.UpdatedAt = now
	return nil
}

func (s *SQLiteDatabase) UpdateMissionStatus(ctx context.Context, id string, status model.MissionStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE missions SET status = ?, updated_at = ? WHERE id = ? AND deleted = 0",
		int(status), s.clock.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating mission status: %w", err)
	}
	return expectOne(res, "mission", id)
}

func (s *SQLiteDatabase) SetNextRuntime(ctx context.Context, id string, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE missions SET next_runtime = ? WHERE id = ? AND deleted = 0", nullTime(next), id)
	if err != nil {
		return fmt.Errorf("updating next runtime: %w", err)
	}
	return expectOne(res, "mission", id)
}

func (s *SQLiteDatabase) SetLastTrigger(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE missions SET last_trigger = ? WHERE id = ? AND deleted = 0", nullTime(at), id)
	if err != nil {
		return fmt.Errorf("updating last trigger: %w", err)
	}
	return expectOne(res, "mission", id)
}

func (s *SQLiteDatabase) DeleteMission(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var procedureID string
	err = tx.QueryRowContext(ctx, "SELECT procedure_id FROM missions WHERE id = ? AND deleted = 0", id).Scan(&procedureID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("mission %s: %w", id, cr.ErrNotFound)
		}
		return fmt.Errorf("finding mission: %w", err)
	}

	now := s.clock.Now().UTC()
	stmts := []struct {
		query string
		args  []any
	}{
		{"UPDATE backups SET deleted = 1, deleted_at = ? WHERE mission_id = ? AND deleted = 0", []any{now, id}},
		{"UPDATE ignores SET deleted = 1, deleted_at = ? WHERE procedure_id = ? AND deleted = 0", []any{now, procedureID}},
		// A deleted row is never released by the registry, so it must not
		// keep the executing status.
		{
			"UPDATE missions SET deleted = 1, deleted_at = ?, status = CASE WHEN status = ? THEN ? ELSE status END WHERE id = ?",
			[]any{now, int(model.StatusBackuping), int(model.StatusRunning), id},
		},
		{"UPDATE procedures SET deleted = 1, deleted_at = ? WHERE id = ?", []any{now, procedureID}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("soft-deleting mission: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

const missionColumns = `id, ordinal, procedure_id, name, description, status, src_path, dst_path, path_type,
	next_runtime, last_trigger, created_at, updated_at, deleted, deleted_at`

func (s *SQLiteDatabase) FindMission(ctx context.Context, id string) (*model.Mission, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+missionColumns+" FROM missions WHERE id = ? AND deleted = 0", id)
	m, err := scanMission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding mission: %w", err)
	}
	return m, nil
}

func (s *SQLiteDatabase) ListMissions(ctx context.Context, includeDeleted bool) ([]*model.Mission, error) {
	query := "SELECT " + missionColumns + " FROM missions"
	if !includeDeleted {
		query += " WHERE deleted = 0"
	}
	query += " ORDER BY ordinal, created_at"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing missions: %w", err)
	}
	defer rows.Close()

	var out []*model.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mission: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Procedure and ignore operations

const procedureColumns = `id, ordinal, name, has_ignores, ignore_method, compress, compress_format, trigger_kind,
	cron_expression, restrict_policy, restrict_days, restrict_size, created_at, updated_at, deleted, deleted_at`

func (s *SQLiteDatabase) FindProcedure(ctx context.Context, id string) (*model.Procedure, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+procedureColumns+" FROM procedures WHERE id = ? AND deleted = 0", id)
	p, err := scanProcedure(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding procedure: %w", err)
	}
	return p, nil
}

func (s *SQLiteDatabase) ListIgnores(ctx context.Context, procedureID string) ([]*model.IgnoreRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ordinal, procedure_id, keyword, created_at, updated_at, deleted, deleted_at
		FROM ignores WHERE procedure_id = ? AND deleted = 0 ORDER BY ordinal`, procedureID)
	if err != nil {
		return nil, fmt.Errorf("listing ignores: %w", err)
	}
	defer rows.Close()

	var out []*model.IgnoreRule
	for rows.Next() {
		var (
			ig        model.IgnoreRule
			deletedAt sql.NullTime
		)
		if err := rows.Scan(&ig.ID, &ig.Ordinal, &ig.ProcedureID, &ig.Keyword, &ig.CreatedAt, &ig.UpdatedAt,
			&ig.Deleted, &deletedAt); err != nil {
			return nil, fmt.Errorf("scanning ignore: %w", err)
		}
		ig.DeletedAt = deletedAt.Time
		out = append(out, &ig)
	}
	return out, rows.Err()
}

func insertProcedure(ctx context.Context, tx *sql.Tx, p *model.Procedure) error {
	var err error
	if p.Ordinal, err = nextOrdinal(ctx, tx, cr.TableProcedure); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO procedures (id, ordinal, name, has_ignores, ignore_method, compress, compress_format,
			trigger_kind, cron_expression, restrict_policy, restrict_days, restrict_size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Ordinal, p.Name, p.HasIgnores, int(p.IgnoreMethod), p.Compress, int(p.CompressFormat),
		int(p.Trigger), p.CronExpression, int(p.Restrict), p.RestrictDays, p.RestrictSize,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting procedure: %w", err)
	}
	return nil
}

func insertIgnores(ctx context.Context, tx *sql.Tx, ignores []*model.IgnoreRule) error {
	for _, ig := range ignores {
		var err error
		if ig.Ordinal, err = nextOrdinal(ctx, tx, cr.TableIgnore); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ignores (id, ordinal, procedure_id, keyword, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ig.ID, ig.Ordinal, ig.ProcedureID, ig.Keyword, ig.CreatedAt.UTC(), ig.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("inserting ignore rule: %w", err)
		}
	}
	return nil
}

// Backup operations

const backupColumns = `id, ordinal, mission_id, path, size, entries, success, message, started_at, created_at,
	deleted, deleted_at`

func (s *SQLiteDatabase) CreateBackup(ctx context.Context, b *model.Backup) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if b.Ordinal, err = nextOrdinal(ctx, tx, cr.TableBackup); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO backups (id, ordinal, mission_id, path, size, entries, success, message, started_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Ordinal, b.MissionID, b.Path, b.Size, b.Entries, b.Success, b.Message,
		b.StartedAt.UTC(), b.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting backup: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindBackup(ctx context.Context, id string) (*model.Backup, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+backupColumns+" FROM backups WHERE id = ? AND deleted = 0", id)
	b, err := scanBackup(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding backup: %w", err)
	}
	return b, nil
}

func (s *SQLiteDatabase) ListBackups(ctx context.Context, missionID string, includeDeleted bool) ([]*model.Backup, error) {
	query := "SELECT " + backupColumns + " FROM backups WHERE mission_id = ?"
	if !includeDeleted {
		query += " AND deleted = 0"
	}
	query += " ORDER BY created_at DESC, ordinal DESC"

	rows, err := s.db.QueryContext(ctx, query, missionID)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	defer rows.Close()

	var out []*model.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backup: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) SoftDeleteBackups(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, s.clock.Now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.ExecContext(ctx,
		"UPDATE backups SET deleted = 1, deleted_at = ? WHERE deleted = 0 AND id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("soft-deleting backups: %w", err)
	}
	return nil
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the schema is at the latest version.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckStatus(s.db)
}

// BackupTo copies the whole database to destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(row rowScanner) (*model.Mission, error) {
	var (
		m                     model.Mission
		status, pathType      int
		next, last, deletedAt sql.NullTime
	)
	err := row.Scan(&m.ID, &m.Ordinal, &m.ProcedureID, &m.Name, &m.Description, &status, &m.SrcPath, &m.DstPath,
		&pathType, &next, &last, &m.CreatedAt, &m.UpdatedAt, &m.Deleted, &deletedAt)
	if err != nil {
		return nil, err
	}
	m.Status = model.MissionStatus(status)
	m.PathType = model.PathType(pathType)
	m.NextRuntime = next.Time
	m.LastTrigger = last.Time
	m.DeletedAt = deletedAt.Time
	return &m, nil
}

func scanProcedure(row rowScanner) (*model.Procedure, error) {
	var (
		p                                 model.Procedure
		method, format, trigger, restrict int
		deletedAt                         sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Ordinal, &p.Name, &p.HasIgnores, &method, &p.Compress, &format, &trigger,
		&p.CronExpression, &restrict, &p.RestrictDays, &p.RestrictSize, &p.CreatedAt, &p.UpdatedAt,
		&p.Deleted, &deletedAt)
	if err != nil {
		return nil, err
	}
	p.IgnoreMethod = model.IgnoreMethod(method)
	p.CompressFormat = model.CompressFormat(format)
	p.Trigger = model.TriggerKind(trigger)
	p.Restrict = model.RestrictPolicy(restrict)
	p.DeletedAt = deletedAt.Time
	return &p, nil
}

func scanBackup(row rowScanner) (*model.Backup, error) {
	var (
		b         model.Backup
		deletedAt sql.NullTime
	)
	err := row.Scan(&b.ID, &b.Ordinal, &b.MissionID, &b.Path, &b.Size, &b.Entries, &b.Success, &b.Message,
		&b.StartedAt, &b.CreatedAt, &b.Deleted, &deletedAt)
	if err != nil {
		return nil, err
	}
	b.DeletedAt = deletedAt.Time
	return &b, nil
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func expectOne(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, cr.ErrNotFound)
	}
	return nil
}
