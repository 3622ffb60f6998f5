package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/doorlock-system/logstore/internal/db"
	"github.com/doorlock-system/logstore/internal/logstore/store"
)

type DeviceStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewDeviceStore(db *sql.DB, writer *dbpkg.Worker) *DeviceStore {
	return &DeviceStore{db: db, writer: writer}
}

func (s *DeviceStore) IsActive(ctx context.Context, deviceID string) (bool, error) {
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT is_active FROM devices WHERE device_id = ?;`, deviceID,
	).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("IsActive %s: %w", deviceID, err)
	}
	return active != 0, nil
}

func (s *DeviceStore) Location(ctx context.Context, deviceID string) (string, error) {
	var loc string
	err := s.db.QueryRowContext(ctx,
		`SELECT location FROM devices WHERE device_id = ?;`, deviceID,
	).Scan(&loc)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("Location %s: %w", deviceID, err)
	}
	return loc, nil
}

// EnsureSeen guarantees a devices row exists for deviceID and stamps
// last_seen. New rows start inactive — only the external registry (or
// the dev seeder) flips is_active. A device-reported location fills a
// blank registration; a provisioned location always wins.
func (s *DeviceStore) EnsureSeen(ctx context.Context, deviceID, location string, t time.Time) error {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	ms := t.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO devices(device_id, location, is_active, created_at_ms, last_seen_ms)
VALUES (?, ?, 0, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
  last_seen_ms = excluded.last_seen_ms,
  location = CASE WHEN devices.location = '' THEN excluded.location ELSE devices.location END;
`, deviceID, location, ms, ms); err != nil {
			return fmt.Errorf("EnsureSeen %s: %w", deviceID, err)
		}
		return nil
	})
}

func (s *DeviceStore) List(ctx context.Context) ([]store.DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT device_id, device_name, location, is_active, created_at_ms, last_seen_ms
FROM devices
ORDER BY device_id;
`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []store.DeviceRecord
	for rows.Next() {
		var (
			rec       store.DeviceRecord
			active    int
			createdMs int64
			seenMs    sql.NullInt64
		)
		if err := rows.Scan(&rec.DeviceID, &rec.Name, &rec.Location, &active, &createdMs, &seenMs); err != nil {
			return nil, fmt.Errorf("list devices scan: %w", err)
		}
		rec.Active = active != 0
		rec.CreatedAt = time.UnixMilli(createdMs).UTC()
		if seenMs.Valid {
			t := time.UnixMilli(seenMs.Int64).UTC()
			rec.LastSeen = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
