package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/doorlock-system/logstore/internal/db"
	"github.com/doorlock-system/logstore/internal/logstore/store"
)

// MaintenanceLog persists one append-only row per scheduler cycle.
type MaintenanceLog struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewMaintenanceLog(db *sql.DB, writer *dbpkg.Worker) *MaintenanceLog {
	return &MaintenanceLog{db: db, writer: writer}
}

func (l *MaintenanceLog) Append(ctx context.Context, entry store.MaintenanceLogEntry) (store.MaintenanceLogEntry, error) {
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now().UTC()
	}

	err := l.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO maintenance_log(run_id, operation, summary, executed_at_ms)
VALUES (?, ?, ?, ?);
`, entry.RunID, entry.Operation, entry.Summary, entry.ExecutedAt.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("Append maintenance log: %w", err)
		}
		entry.ID, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		return store.MaintenanceLogEntry{}, err
	}
	return entry, nil
}

func (l *MaintenanceLog) Recent(ctx context.Context, limit int) ([]store.MaintenanceLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id, run_id, operation, summary, executed_at_ms
FROM maintenance_log
ORDER BY id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("Recent maintenance log: %w", err)
	}
	defer rows.Close()

	var out []store.MaintenanceLogEntry
	for rows.Next() {
		var (
			e  store.MaintenanceLogEntry
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Operation, &e.Summary, &ms); err != nil {
			return nil, fmt.Errorf("Recent maintenance log scan: %w", err)
		}
		e.ExecutedAt = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
