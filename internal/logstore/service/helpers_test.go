package service_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/doorlock-system/logstore/internal/db"
	"github.com/doorlock-system/logstore/internal/logstore/store/sqlite"
)

// testStores is the sqlite-backed store set most service tests run
// against, built on an in-memory database with production PRAGMAs and
// migrations.
type testStores struct {
	conn    *sql.DB
	catalog *sqlite.PartitionCatalog
	logs    *sqlite.LogStore
	status  *sqlite.StatusStore
	devices *sqlite.DeviceStore
	mlog    *sqlite.MaintenanceLog
}

func newTestStores(t *testing.T, bucketCount int) testStores {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		t.Name(),
	)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		t.Fatalf("ping: %v", err)
	}
	if err := db.Migrate(context.Background(), conn); err != nil {
		conn.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	w := db.NewWorker(conn)
	t.Cleanup(w.Close)

	return testStores{
		conn:    conn,
		catalog: sqlite.NewPartitionCatalog(conn, w, bucketCount),
		logs:    sqlite.NewLogStore(conn, w),
		status:  sqlite.NewStatusStore(conn, w),
		devices: sqlite.NewDeviceStore(conn, w),
		mlog:    sqlite.NewMaintenanceLog(conn, w),
	}
}

// seedActiveDevice registers a device as active, the way provisioning
// would.
func (s testStores) seedActiveDevice(t *testing.T, deviceID, location string) {
	t.Helper()

	_, err := s.conn.ExecContext(context.Background(), `
INSERT INTO devices(device_id, device_name, location, is_active, created_at_ms)
VALUES (?, ?, ?, 1, ?)
ON CONFLICT(device_id) DO UPDATE SET location = excluded.location, is_active = 1;
`, deviceID, deviceID, location, time.Now().UTC().UnixMilli())
	if err != nil {
		t.Fatalf("seed device %s: %v", deviceID, err)
	}
}

func nopLogger() zerolog.Logger { return zerolog.Nop() }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
