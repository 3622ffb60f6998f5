package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/doorlock-system/logstore/internal/db"
	"github.com/doorlock-system/logstore/internal/logstore/store"
)

// PartitionCatalog maps record keys to physical SQLite tables and owns
// partition DDL. All mutations run on the single-writer worker, so two
// concurrent ensures for the same window serialize onto one
// transaction each and the UNIQUE(table_name) constraint guarantees at
// most one catalog row per partition either way.
type PartitionCatalog struct {
	db          *sql.DB
	writer      *dbpkg.Worker
	bucketCount int
}

func NewPartitionCatalog(db *sql.DB, writer *dbpkg.Worker, bucketCount int) *PartitionCatalog {
	if bucketCount <= 0 {
		bucketCount = 8
	}
	return &PartitionCatalog{db: db, writer: writer, bucketCount: bucketCount}
}

// BucketCount is fixed at construction; changing it requires a rebuild.
func (c *PartitionCatalog) BucketCount() int { return c.bucketCount }

func (c *PartitionCatalog) ResolveRange(ctx context.Context, storeName string, t time.Time) (store.Partition, error) {
	w := store.MonthWindow(t)

	// Fast path: partition already exists.
	p, ok, err := c.lookup(ctx, store.RangeTableName(storeName, w))
	if err != nil {
		return store.Partition{}, err
	}
	if ok && p.Status != store.StatusDropped {
		return p, nil
	}

	p, _, err = c.EnsureRange(ctx, storeName, w)
	return p, err
}

func (c *PartitionCatalog) ResolveHash(ctx context.Context, storeName, deviceID string) (store.Partition, error) {
	bucket := store.HashBucket(deviceID, c.bucketCount)

	p, ok, err := c.lookup(ctx, store.HashTableName(storeName, bucket))
	if err != nil {
		return store.Partition{}, err
	}
	if ok && p.Status != store.StatusDropped {
		return p, nil
	}

	p, _, err = c.EnsureHash(ctx, storeName, bucket)
	return p, err
}

func (c *PartitionCatalog) EnsureRange(ctx context.Context, storeName string, w store.Window) (store.Partition, bool, error) {
	ddl, err := partitionDDL(storeName)
	if err != nil {
		return store.Partition{}, false, err
	}

	name := store.RangeTableName(storeName, w)
	created := false

	err = c.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM partitions WHERE table_name = ?;`, name,
		).Scan(&status)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.ExecContext(ctx, ddl(name)); err != nil {
				return fmt.Errorf("create partition table %s: %w", name, err)
			}
			if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO partitions(store, kind, table_name, window_start_ms, window_end_ms, bucket, created_at_ms)
VALUES (?, 'range', ?, ?, ?, NULL, ?);
`, storeName, name, w.Start.UnixMilli(), w.End.UnixMilli(), time.Now().UTC().UnixMilli()); err != nil {
				return fmt.Errorf("register partition %s: %w", name, err)
			}
			created = true
			return nil

		case err != nil:
			return fmt.Errorf("check partition %s: %w", name, err)

		case status == string(store.StatusDropped):
			// A write for a window that was already retired: recreate
			// rather than route to a wrong partition. The next
			// maintenance cycle will retire it again if still expired.
			if _, err := tx.ExecContext(ctx, ddl(name)); err != nil {
				return fmt.Errorf("recreate partition table %s: %w", name, err)
			}
			if _, err := tx.ExecContext(ctx, `
UPDATE partitions SET status = 'active', record_count = 0 WHERE table_name = ?;
`, name); err != nil {
				return fmt.Errorf("reactivate partition %s: %w", name, err)
			}
			created = true
			return nil

		default:
			return nil // already exists, ensure is a no-op
		}
	})
	if err != nil {
		return store.Partition{}, false, err
	}

	p, ok, err := c.lookup(ctx, name)
	if err != nil {
		return store.Partition{}, false, err
	}
	if !ok {
		return store.Partition{}, false, fmt.Errorf("partition %s vanished after ensure", name)
	}
	return p, created, nil
}

func (c *PartitionCatalog) EnsureHash(ctx context.Context, storeName string, bucket int) (store.Partition, bool, error) {
	ddl, err := partitionDDL(storeName)
	if err != nil {
		return store.Partition{}, false, err
	}
	if bucket < 0 || bucket >= c.bucketCount {
		return store.Partition{}, false, fmt.Errorf("bucket %d out of range [0,%d)", bucket, c.bucketCount)
	}

	name := store.HashTableName(storeName, bucket)
	created := false

	err = c.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM partitions WHERE table_name = ?;`, name,
		).Scan(&status)
		if err == sql.ErrNoRows {
			if _, err := tx.ExecContext(ctx, ddl(name)); err != nil {
				return fmt.Errorf("create partition table %s: %w", name, err)
			}
			if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO partitions(store, kind, table_name, window_start_ms, window_end_ms, bucket, created_at_ms)
VALUES (?, 'hash', ?, NULL, NULL, ?, ?);
`, storeName, name, bucket, time.Now().UTC().UnixMilli()); err != nil {
				return fmt.Errorf("register partition %s: %w", name, err)
			}
			created = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("check partition %s: %w", name, err)
		}
		return nil // hash partitions are never dropped, so any row wins
	})
	if err != nil {
		return store.Partition{}, false, err
	}

	p, ok, err := c.lookup(ctx, name)
	if err != nil {
		return store.Partition{}, false, err
	}
	if !ok {
		return store.Partition{}, false, fmt.Errorf("partition %s vanished after ensure", name)
	}
	return p, created, nil
}

func (c *PartitionCatalog) List(ctx context.Context, storeName string) ([]store.Partition, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT id, store, kind, table_name, window_start_ms, window_end_ms, bucket, status, record_count, created_at_ms
FROM partitions
WHERE store = ? AND status != 'dropped'
ORDER BY window_start_ms, bucket;
`, storeName)
	if err != nil {
		return nil, fmt.Errorf("list partitions %s: %w", storeName, err)
	}
	defer rows.Close()

	var out []store.Partition
	for rows.Next() {
		p, err := scanPartition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *PartitionCatalog) MarkRetiring(ctx context.Context, tableName string) error {
	return c.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE partitions SET status = 'retiring' WHERE table_name = ? AND status = 'active';
`, tableName)
		if err != nil {
			return fmt.Errorf("mark retiring %s: %w", tableName, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("mark retiring %s: not an active partition", tableName)
		}
		return nil
	})
}

func (c *PartitionCatalog) Drop(ctx context.Context, tableName string) error {
	return c.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE partitions SET status = 'dropped' WHERE table_name = ? AND status != 'dropped';
`, tableName)
		if err != nil {
			return fmt.Errorf("drop partition %s: %w", tableName, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("drop partition %s: no such active partition", tableName)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, tableName)); err != nil {
			return fmt.Errorf("drop partition table %s: %w", tableName, err)
		}
		return nil
	})
}

func (c *PartitionCatalog) IncrementCount(ctx context.Context, tableName string, n int64) error {
	if n == 0 {
		return nil
	}
	return c.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE partitions SET record_count = record_count + ? WHERE table_name = ?;
`, n, tableName); err != nil {
			return fmt.Errorf("increment count %s: %w", tableName, err)
		}
		return nil
	})
}

func (c *PartitionCatalog) lookup(ctx context.Context, tableName string) (store.Partition, bool, error) {
	row := c.db.QueryRowContext(ctx, `
SELECT id, store, kind, table_name, window_start_ms, window_end_ms, bucket, status, record_count, created_at_ms
FROM partitions
WHERE table_name = ?;
`, tableName)

	p, err := scanPartition(row)
	if err == sql.ErrNoRows {
		return store.Partition{}, false, nil
	}
	if err != nil {
		return store.Partition{}, false, err
	}
	return p, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPartition(r rowScanner) (store.Partition, error) {
	var (
		p              store.Partition
		kind, status   string
		startMs, endMs sql.NullInt64
		bucket         sql.NullInt64
		createdMs      int64
	)
	if err := r.Scan(&p.ID, &p.Store, &kind, &p.TableName, &startMs, &endMs, &bucket, &status, &p.RecordCount, &createdMs); err != nil {
		return store.Partition{}, err
	}
	p.Kind = store.PartitionKind(kind)
	p.Status = store.PartitionStatus(status)
	p.Bucket = -1
	if bucket.Valid {
		p.Bucket = int(bucket.Int64)
	}
	if startMs.Valid {
		p.Window = store.Window{
			Start: time.UnixMilli(startMs.Int64).UTC(),
			End:   time.UnixMilli(endMs.Int64).UTC(),
		}
	}
	p.CreatedAt = time.UnixMilli(createdMs).UTC()
	return p, nil
}

// partitionDDL returns the CREATE TABLE statement builder for a store.
// Names are generated internally (never caller input), so interpolating
// them into DDL is safe.
func partitionDDL(storeName string) (func(table string) string, error) {
	switch storeName {
	case store.StoreAccessLogs:
		return func(t string) string {
			return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  device_id TEXT NOT NULL,
  card_uid TEXT NOT NULL,
  access_granted INTEGER NOT NULL,
  access_type TEXT NOT NULL DEFAULT 'rfid',
  user_name TEXT,
  ts_ms INTEGER NOT NULL,
  session_id TEXT NOT NULL DEFAULT '',
  created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_ts ON %[1]s(ts_ms);
CREATE INDEX IF NOT EXISTS idx_%[1]s_device_ts ON %[1]s(device_id, ts_ms);
`, t)
		}, nil
	case store.StoreSystemLogs:
		return func(t string) string {
			return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  device_id TEXT NOT NULL,
  level TEXT NOT NULL,
  component TEXT NOT NULL DEFAULT '',
  details TEXT NOT NULL DEFAULT '',
  ts_ms INTEGER NOT NULL,
  created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_device_ts ON %[1]s(device_id, ts_ms);
`, t)
		}, nil
	default:
		return nil, fmt.Errorf("unknown partitioned store %q", storeName)
	}
}
