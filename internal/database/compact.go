package database

import (
	"context"
	"database/sql"
	"fmt"

	"cr-go/internal/cr"
	"cr-go/internal/model"
)

// purgeQuery hard-deletes soft-deleted rows of one table. Children are
// purged first so foreign keys hold at every step; rows whose parent is
// soft-deleted go with it.
func purgeQuery(t cr.Table) string {
	switch t {
	case cr.TableBackup:
		return `DELETE FROM backups
			WHERE deleted = 1 OR mission_id IN (SELECT id FROM missions WHERE deleted = 1)`
	case cr.TableIgnore:
		return `DELETE FROM ignores
			WHERE deleted = 1 OR procedure_id IN (SELECT id FROM procedures WHERE deleted = 1)`
	case cr.TableMission:
		return `DELETE FROM missions WHERE deleted = 1`
	case cr.TableProcedure:
		return `DELETE FROM procedures
			WHERE deleted = 1 AND id NOT IN (SELECT procedure_id FROM missions)`
	}
	panic(fmt.Sprintf("unknown table %d", int(t)))
}

// Compact runs in one transaction: either every table is purged and
// renumbered or nothing changes.
func (s *SQLiteDatabase) Compact(ctx context.Context) (*cr.CompactReport, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	report := &cr.CompactReport{
		Removed:    make(map[cr.Table]int64),
		Renumbered: make(map[cr.Table]int64),
	}

	for _, t := range cr.Tables {
		res, err := tx.ExecContext(ctx, purgeQuery(t))
		if err != nil {
			return nil, fmt.Errorf("purging %s rows: %w", t, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("reading affected rows: %w", err)
		}
		report.Removed[t] = n
	}

	for _, t := range cr.Tables {
		n, err := renumber(ctx, tx, t)
		if err != nil {
			return nil, err
		}
		report.Renumbered[t] = n
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return report, nil
}

// renumber rewrites the display ordinal of every surviving row to a dense
// 1..N sequence, keeping the existing relative order. It returns how many rows
// changed.
func renumber(ctx context.Context, tx *sql.Tx, t cr.Table) (int64, error) {
	table := tableName(t)
	rows, err := tx.QueryContext(ctx, "SELECT id, ordinal FROM "+table+" ORDER BY ordinal, created_at, id")
	if err != nil {
		return 0, fmt.Errorf("listing %s rows: %w", t, err)
	}
	type move struct {
		id      string
		ordinal int64
	}
	var moves []move
	var next int64
	for rows.Next() {
		var (
			id      string
			ordinal int64
		)
		if err := rows.Scan(&id, &ordinal); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning %s row: %w", t, err)
		}
		next++
		if ordinal != next {
			moves = append(moves, move{id: id, ordinal: next})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("listing %s rows: %w", t, err)
	}

	for _, mv := range moves {
		if _, err := tx.ExecContext(ctx, "UPDATE "+table+" SET ordinal = ? WHERE id = ?", mv.ordinal, mv.id); err != nil {
			return 0, fmt.Errorf("renumbering %s rows: %w", t, err)
		}
	}
	return int64(len(moves)), nil
}

func (s *SQLiteDatabase) Statistics(ctx context.Context) (*cr.Statistics, error) {
	stats := &cr.Statistics{Missions: make(map[model.MissionStatus]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM missions WHERE deleted = 0 GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("counting missions: %w", err)
	}
	for rows.Next() {
		var status, n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning mission count: %w", err)
		}
		stats.Missions[model.MissionStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("counting missions: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(size), 0)
		FROM backups WHERE deleted = 0`).Scan(&stats.Backups, &stats.FailedBackups, &stats.TotalSize)
	if err != nil {
		return nil, fmt.Errorf("summing backups: %w", err)
	}
	return stats, nil
}

func (s *SQLiteDatabase) Info(ctx context.Context) (*cr.DBInfo, error) {
	info := &cr.DBInfo{Path: s.path}

	for _, t := range []cr.Table{cr.TableMission, cr.TableProcedure, cr.TableIgnore, cr.TableBackup} {
		ti := cr.TableInfo{Table: t}
		err := s.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(CASE WHEN deleted = 0 THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN deleted = 1 THEN 1 ELSE 0 END), 0)
			FROM `+tableName(t)).Scan(&ti.Live, &ti.Deleted)
		if err != nil {
			return nil, fmt.Errorf("counting %s rows: %w", t, err)
		}
		info.Tables = append(info.Tables, ti)
	}

	var pages, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return nil, fmt.Errorf("reading page count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, fmt.Errorf("reading page size: %w", err)
	}
	info.Size = pages * pageSize
	return info, nil
}
