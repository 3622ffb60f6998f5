package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	dbpkg "github.com/doorlock-system/logstore/internal/db"
	"github.com/doorlock-system/logstore/internal/logstore/store"
)

// LogStore reads and writes rows inside partition tables. It never
// decides which partition a record belongs to — that is the catalog's
// job — and read methods only touch the partitions handed to them, so
// a drop racing a query cannot surface a half-removed table.
type LogStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewLogStore(db *sql.DB, writer *dbpkg.Worker) *LogStore {
	return &LogStore{db: db, writer: writer}
}

func (s *LogStore) InsertAccess(ctx context.Context, p store.Partition, recs []store.AccessLogRecord) error {
	if len(recs) == 0 {
		return nil
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
INSERT INTO %s (device_id, card_uid, access_granted, access_type, user_name, ts_ms, session_id, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`, p.TableName))
		if err != nil {
			return fmt.Errorf("InsertAccess prepare %s: %w", p.TableName, err)
		}
		defer stmt.Close()

		for _, rec := range recs {
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = time.Now().UTC()
			}
			var granted int
			if rec.AccessGranted {
				granted = 1
			}
			var userName any
			if rec.UserName != "" {
				userName = rec.UserName
			}
			if _, err := stmt.ExecContext(ctx,
				rec.DeviceID, rec.CardUID, granted, rec.AccessType, userName,
				rec.Timestamp.UTC().UnixMilli(), rec.SessionID, rec.CreatedAt.UTC().UnixMilli(),
			); err != nil {
				return fmt.Errorf("InsertAccess %s: %w", p.TableName, err)
			}
		}
		return nil
	})
}

func (s *LogStore) InsertSystem(ctx context.Context, p store.Partition, rec store.SystemLogRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (device_id, level, component, details, ts_ms, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?);
`, p.TableName),
			rec.DeviceID, rec.Level, rec.Component, rec.Details,
			rec.Timestamp.UTC().UnixMilli(), rec.CreatedAt.UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("InsertSystem %s: %w", p.TableName, err)
		}
		return nil
	})
}

func (s *LogStore) QueryAccess(ctx context.Context, parts []store.Partition, q store.AccessQuery) ([]store.AccessLogRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []store.AccessLogRecord
	for _, p := range relevantRange(parts, q.From, q.To) {
		sqlText := fmt.Sprintf(`
SELECT device_id, card_uid, access_granted, access_type, user_name, ts_ms, session_id, created_at_ms
FROM %s
WHERE ts_ms >= ? AND ts_ms < ?
`, p.TableName)
		args := []any{q.From.UTC().UnixMilli(), q.To.UTC().UnixMilli()}
		if q.DeviceID != "" {
			sqlText += " AND device_id = ?"
			args = append(args, q.DeviceID)
		}
		if q.Granted != nil {
			granted := 0
			if *q.Granted {
				granted = 1
			}
			sqlText += " AND access_granted = ?"
			args = append(args, granted)
		}
		sqlText += " ORDER BY ts_ms DESC;"

		rows, err := s.db.QueryContext(ctx, sqlText, args...)
		if err != nil {
			if missingTable(err) {
				continue // dropped between snapshot and scan
			}
			return nil, fmt.Errorf("QueryAccess %s: %w", p.TableName, err)
		}

		for rows.Next() {
			var (
				rec        store.AccessLogRecord
				granted    int
				userName   sql.NullString
				tsMs, crMs int64
			)
			if err := rows.Scan(&rec.DeviceID, &rec.CardUID, &granted, &rec.AccessType, &userName, &tsMs, &rec.SessionID, &crMs); err != nil {
				rows.Close()
				return nil, fmt.Errorf("QueryAccess scan %s: %w", p.TableName, err)
			}
			rec.AccessGranted = granted != 0
			rec.UserName = userName.String
			rec.Timestamp = time.UnixMilli(tsMs).UTC()
			rec.CreatedAt = time.UnixMilli(crMs).UTC()
			out = append(out, rec)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("QueryAccess rows %s: %w", p.TableName, err)
		}
		rows.Close()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *LogStore) ActivitySince(ctx context.Context, parts []store.Partition, since, now time.Time) ([]store.ActivityRollup, error) {
	byDevice := make(map[string]*store.ActivityRollup)
	cards := make(map[string]map[string]struct{})

	for _, p := range relevantRange(parts, since, now) {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT device_id, card_uid, access_granted, ts_ms
FROM %s
WHERE ts_ms >= ? AND ts_ms < ?;
`, p.TableName), since.UTC().UnixMilli(), now.UTC().UnixMilli())
		if err != nil {
			if missingTable(err) {
				continue
			}
			return nil, fmt.Errorf("ActivitySince %s: %w", p.TableName, err)
		}

		for rows.Next() {
			var (
				deviceID, cardUID string
				granted           int
				tsMs              int64
			)
			if err := rows.Scan(&deviceID, &cardUID, &granted, &tsMs); err != nil {
				rows.Close()
				return nil, fmt.Errorf("ActivitySince scan %s: %w", p.TableName, err)
			}

			r := byDevice[deviceID]
			if r == nil {
				r = &store.ActivityRollup{DeviceID: deviceID}
				byDevice[deviceID] = r
				cards[deviceID] = make(map[string]struct{})
			}
			r.Attempts++
			if granted != 0 {
				r.Granted++
			} else {
				r.Denied++
			}
			cards[deviceID][cardUID] = struct{}{}
			if ts := time.UnixMilli(tsMs).UTC(); ts.After(r.LastAttempt) {
				r.LastAttempt = ts
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("ActivitySince rows %s: %w", p.TableName, err)
		}
		rows.Close()
	}

	out := make([]store.ActivityRollup, 0, len(byDevice))
	for id, r := range byDevice {
		r.UniqueCards = int64(len(cards[id]))
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *LogStore) DeniedSince(ctx context.Context, parts []store.Partition, since, now time.Time) ([]store.DeniedAttempt, error) {
	var out []store.DeniedAttempt
	for _, p := range relevantRange(parts, since, now) {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT device_id, card_uid, ts_ms
FROM %s
WHERE access_granted = 0 AND ts_ms >= ? AND ts_ms < ?;
`, p.TableName), since.UTC().UnixMilli(), now.UTC().UnixMilli())
		if err != nil {
			if missingTable(err) {
				continue
			}
			return nil, fmt.Errorf("DeniedSince %s: %w", p.TableName, err)
		}

		for rows.Next() {
			var (
				a    store.DeniedAttempt
				tsMs int64
			)
			if err := rows.Scan(&a.DeviceID, &a.CardUID, &tsMs); err != nil {
				rows.Close()
				return nil, fmt.Errorf("DeniedSince scan %s: %w", p.TableName, err)
			}
			a.Timestamp = time.UnixMilli(tsMs).UTC()
			out = append(out, a)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("DeniedSince rows %s: %w", p.TableName, err)
		}
		rows.Close()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CardUID != out[j].CardUID {
			return out[i].CardUID < out[j].CardUID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// relevantRange filters a partition snapshot down to the partitions
// that can hold records in [from, to). Hash partitions always qualify.
func relevantRange(parts []store.Partition, from, to time.Time) []store.Partition {
	out := make([]store.Partition, 0, len(parts))
	for _, p := range parts {
		if p.Kind == store.KindHash || p.Window.Overlaps(from, to) {
			out = append(out, p)
		}
	}
	return out
}

func missingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
