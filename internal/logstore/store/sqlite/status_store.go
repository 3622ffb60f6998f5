package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/doorlock-system/logstore/internal/db"
	"github.com/doorlock-system/logstore/internal/logstore/store"
)

type StatusStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewStatusStore(db *sql.DB, writer *dbpkg.Worker) *StatusStore {
	return &StatusStore{db: db, writer: writer}
}

func (s *StatusStore) Upsert(ctx context.Context, rec store.DeviceStatusRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	var rfid int
	if rec.RFIDEnabled {
		rfid = 1
	}
	var spam int
	if rec.SpamDetected {
		spam = 1
	}
	var battery, rssi any
	if rec.BatteryPercentage != nil {
		battery = *rec.BatteryPercentage
	}
	if rec.WifiRSSI != nil {
		rssi = *rec.WifiRSSI
	}
	var uptime, heap any
	if rec.UptimeSeconds != nil {
		uptime = *rec.UptimeSeconds
	}
	if rec.FreeHeapBytes != nil {
		heap = *rec.FreeHeapBytes
	}
	var lastSync any
	if rec.LastSync != nil {
		lastSync = rec.LastSync.UTC().UnixMilli()
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO device_status (
  device_id, door_status, rfid_enabled, battery_percentage, uptime_s,
  wifi_rssi, free_heap_bytes, boot_count, update_status, spam_detected,
  total_access_count, session_id, last_sync_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
  door_status = excluded.door_status,
  rfid_enabled = excluded.rfid_enabled,
  battery_percentage = excluded.battery_percentage,
  uptime_s = excluded.uptime_s,
  wifi_rssi = excluded.wifi_rssi,
  free_heap_bytes = excluded.free_heap_bytes,
  boot_count = excluded.boot_count,
  update_status = excluded.update_status,
  spam_detected = excluded.spam_detected,
  total_access_count = excluded.total_access_count,
  session_id = excluded.session_id,
  last_sync_ms = excluded.last_sync_ms,
  updated_at_ms = excluded.updated_at_ms;
`,
			rec.DeviceID, rec.DoorStatus, rfid, battery, uptime,
			rssi, heap, rec.BootCount, rec.UpdateStatus, spam,
			rec.TotalAccessCount, rec.SessionID, lastSync, rec.UpdatedAt.UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("Upsert status %s: %w", rec.DeviceID, err)
		}
		return nil
	})
}

func (s *StatusStore) Get(ctx context.Context, deviceID string) (store.DeviceStatusRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, statusSelect+` WHERE device_id = ?;`, deviceID)
	rec, err := scanStatus(row)
	if err == sql.ErrNoRows {
		return store.DeviceStatusRecord{}, false, nil
	}
	if err != nil {
		return store.DeviceStatusRecord{}, false, fmt.Errorf("Get status %s: %w", deviceID, err)
	}
	return rec, true, nil
}

func (s *StatusStore) List(ctx context.Context) ([]store.DeviceStatusRecord, error) {
	rows, err := s.db.QueryContext(ctx, statusSelect+` ORDER BY device_id;`)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	var out []store.DeviceStatusRecord
	for rows.Next() {
		rec, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("list statuses scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const statusSelect = `
SELECT device_id, door_status, rfid_enabled, battery_percentage, uptime_s,
       wifi_rssi, free_heap_bytes, boot_count, update_status, spam_detected,
       total_access_count, session_id, last_sync_ms, updated_at_ms
FROM device_status`

func scanStatus(r rowScanner) (store.DeviceStatusRecord, error) {
	var (
		rec           store.DeviceStatusRecord
		rfid, spam    int
		battery, rssi sql.NullInt64
		uptime, heap  sql.NullInt64
		lastSync      sql.NullInt64
		updatedMs     int64
	)
	if err := r.Scan(&rec.DeviceID, &rec.DoorStatus, &rfid, &battery, &uptime,
		&rssi, &heap, &rec.BootCount, &rec.UpdateStatus, &spam,
		&rec.TotalAccessCount, &rec.SessionID, &lastSync, &updatedMs); err != nil {
		return store.DeviceStatusRecord{}, err
	}
	rec.RFIDEnabled = rfid != 0
	rec.SpamDetected = spam != 0
	if battery.Valid {
		v := int(battery.Int64)
		rec.BatteryPercentage = &v
	}
	if rssi.Valid {
		v := int(rssi.Int64)
		rec.WifiRSSI = &v
	}
	if uptime.Valid {
		v := uptime.Int64
		rec.UptimeSeconds = &v
	}
	if heap.Valid {
		v := heap.Int64
		rec.FreeHeapBytes = &v
	}
	if lastSync.Valid {
		t := time.UnixMilli(lastSync.Int64).UTC()
		rec.LastSync = &t
	}
	rec.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return rec, nil
}
