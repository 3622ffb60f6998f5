package sqlite_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/doorlock-system/logstore/internal/logstore/store"
	sqlitestore "github.com/doorlock-system/logstore/internal/logstore/store/sqlite"
)

// ═══════════════════════════════════════════════════════════════════════════
// EnsureRange — creation and idempotence
// ═══════════════════════════════════════════════════════════════════════════

func TestCatalog_EnsureRange_CreatesTableAndRow(t *testing.T) {
	conn := openTestDB(t)
	cat := sqlitestore.NewPartitionCatalog(conn, newTestWriter(t, conn), 8)
	ctx := context.Background()

	w := store.MonthWindow(time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC))
	p, created, err := cat.EnsureRange(ctx, store.StoreAccessLogs, w)
	if err != nil {
		t.Fatalf("EnsureRange: %v", err)
	}
	if !created {
		t.Error("expected created=true on first ensure")
	}
	if p.TableName != "access_logs_202507" {
		t.Errorf("expected table access_logs_202507, got %q", p.TableName)
	}
	if p.Kind != store.KindRange {
		t.Errorf("expected kind=range, got %q", p.Kind)
	}
	if p.Status != store.StatusActive {
		t.Errorf("expected status=active, got %q", p.Status)
	}
	if !p.Window.Start.Equal(w.Start) || !p.Window.End.Equal(w.End) {
		t.Errorf("window mismatch: %+v vs %+v", p.Window, w)
	}
	if !tableExists(t, conn, "access_logs_202507") {
		t.Error("expected physical table to exist")
	}
}

func TestCatalog_EnsureRange_Idempotent(t *testing.T) {
	conn := openTestDB(t)
	cat := sqlitestore.NewPartitionCatalog(conn, newTestWriter(t, conn), 8)
	ctx := context.Background()

	w := store.MonthWindow(time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC))
	first, created, err := cat.EnsureRange(ctx, store.StoreAccessLogs, w)
	if err != nil || !created {
		t.Fatalf("first ensure: created=%v err=%v", created, err)
	}

	second, created, err := cat.EnsureRange(ctx, store.StoreAccessLogs, w)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if created {
		t.Error("expected created=false on repeat ensure")
	}
	if second.ID != first.ID {
		t.Errorf("repeat ensure returned a different partition: %d vs %d", second.ID, first.ID)
	}
}

func TestCatalog_EnsureRange_ConcurrentEnsuresYieldOnePartition(t *testing.T) {
	conn := openTestDB(t)
	cat := sqlitestore.NewPartitionCatalog(conn, newTestWriter(t, conn), 8)
	ctx := context.Background()

	w := store.MonthWindow(time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC))

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		createdBy int
	)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, created, err := cat.EnsureRange(ctx, store.StoreAccessLogs, w)
			if err != nil {
				errs[i] = err
				return
			}
			if p.TableName != "access_logs_202507" {
				errs[i] = fmt.Errorf("unexpected table %q", p.TableName)
				return
			}
			if created {
				mu.Lock()
				createdBy++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}
	if createdBy != 1 {
		t.Errorf("expected exactly one ensure to create, got %d", createdBy)
	}

	var rows int
	if err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM partitions WHERE table_name = ?;`, "access_logs_202507",
	).Scan(&rows); err != nil {
		t.Fatalf("count catalog rows: %v", err)
	}
	if rows != 1 {
		t.Errorf("expected 1 catalog row, got %d", rows)
	}
	if !tableExists(t, conn, "access_logs_202507") {
		t.Error("expected physical table to exist")
	}
}

func TestCatalog_EnsureRange_UnknownStore(t *testing.T) {
	conn := openTestDB(t)
	cat := sqlitestore.NewPartitionCatalog(conn, newTestWriter(t, conn), 8)

	w := store.MonthWindow(time.Now().UTC())
	if _, _, err := cat.EnsureRange(context.Background(), "not_a_store", w); err == nil {
		t.Fatal("expected error for unknown store name")
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// ResolveRange / ResolveHash
// ═══════════════════════════════════════════════════════════════════════════

func TestCatalog_ResolveRange_CreatesOnFirstUse(t *testing.T) {
	conn := openTestDB(t)
	cat := sqlitestore.NewPartitionCatalog(conn, newTestWriter(t, conn), 8)
	ctx := context.Background()

	ts := time.Date(2025, 3, 9, 8, 30, 0, 0, time.UTC)
	p, err := cat.ResolveRange(ctx, store.StoreAccessLogs, ts)
	if err != nil {
		t.Fatalf("ResolveRange: %v", err)
	}
	if p.TableName != "access_logs_202503" {
		t.Errorf("expected access_logs_202503, got %q", p.TableName)
	}
	if !p.Window.Contains(ts) {
		t.Errorf("resolved partition window %+v does not contain %v", p.Window, ts)
	}
}

func TestCatalog_ResolveHash_RoutesByDevice(t *testing.T) {
	conn := openTestDB(t)
	cat := sqlitestore.NewPartitionCatalog(conn, newTestWriter(t, conn), 8)
	ctx := context.Background()

	p1, err := cat.ResolveHash(ctx, store.StoreSystemLogs, "doorlock_otista_1")
	if err != nil {
		t.Fatalf("ResolveHash: %v", err)
	}
	want := store.HashTableName(store.StoreSystemLogs, store.HashBucket("doorlock_otista_1", 8))
	if p1.TableName != want {
		t.Errorf("expected %s, got %s", want, p1.TableName)
	}
	if p1.Kind != store.KindHash {
		t.Errorf("expected kind=hash, got %q", p1.Kind)
	}

	// Same device resolves to the same partition every time.
	p2, err := cat.ResolveHash(ctx, store.StoreSystemLogs, "doorlock_otista_1")
	if err != nil {
		t.Fatalf("ResolveHash again: %v", err)
	}
	if p2.ID != p1.ID {
		t.Errorf("hash routing unstable: %d vs %d", p2.ID, p1.ID)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Drop — audit row survives, table goes away
// ═══════════════════════════════════════════════════════════════════════════

func TestCatalog_Drop_RemovesTableKeepsAuditRow(t *testing.T) {
	conn := openTestDB(t)
	cat := sqlitestore.NewPartitionCatalog(conn, newTestWriter(t, conn), 8)
	ctx := context.Background()

	w := store.MonthWindow(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	p, _, err := cat.EnsureRange(ctx, store.StoreAccessLogs, w)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if err := cat.Drop(ctx, p.TableName); err != nil {
		t.Fatalf("Drop: %v", err)
	}

	if tableExists(t, conn, p.TableName) {
		t.Error("expected physical table removed")
	}

	// The catalog row stays for audit, marked dropped.
	var status string
	err = conn.QueryRowContext(ctx,
		`SELECT status FROM partitions WHERE table_name = ?;`, p.TableName,
	).Scan(&status)
	if err != nil {
		t.Fatalf("query audit row: %v", err)
	}
	if status != string(store.StatusDropped) {
		t.Errorf("expected status=dropped, got %q", status)
	}

	// Dropping again is an error.
	if err := cat.Drop(ctx, p.TableName); err == nil {
		t.Error("expected error dropping an already-dropped partition")
	}
}

func TestCatalog_EnsureAfterDrop_Reactivates(t *testing.T) {
	conn := openTestDB(t)
	cat := sqlitestore.NewPartitionCatalog(conn, newTestWriter(t, conn), 8)
	ctx := context.Background()

	w := store.MonthWindow(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	p, _, err := cat.EnsureRange(ctx, store.StoreAccessLogs, w)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := cat.Drop(ctx, p.TableName); err != nil {
		t.Fatalf("drop: %v", err)
	}

	// A late write for the retired window must get a usable partition,
	// never be routed into a missing table.
	again, created, err := cat.EnsureRange(ctx, store.StoreAccessLogs, w)
	if err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if !created {
		t.Error("expected created=true when reviving a dropped partition")
	}
	if again.Status != store.StatusActive {
		t.Errorf("expected status=active after revive, got %q", again.Status)
	}
	if !tableExists(t, conn, again.TableName) {
		t.Error("expected physical table recreated")
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// MarkRetiring / List / IncrementCount
// ═══════════════════════════════════════════════════════════════════════════

func TestCatalog_MarkRetiring(t *testing.T) {
	conn := openTestDB(t)
	cat := sqlitestore.NewPartitionCatalog(conn, newTestWriter(t, conn), 8)
	ctx := context.Background()

	w := store.MonthWindow(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	p, _, err := cat.EnsureRange(ctx, store.StoreAccessLogs, w)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if err := cat.MarkRetiring(ctx, p.TableName); err != nil {
		t.Fatalf("MarkRetiring: %v", err)
	}

	// Retiring partitions still serve reads: List includes them and the
	// physical table is untouched.
	parts, err := cat.List(ctx, store.StoreAccessLogs)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(parts) != 1 || parts[0].Status != store.StatusRetiring {
		t.Errorf("expected one retiring partition in List, got %+v", parts)
	}
	if !tableExists(t, conn, p.TableName) {
		t.Error("retiring must not remove the physical table")
	}

	// Retiring a non-active partition is an error.
	if err := cat.MarkRetiring(ctx, p.TableName); err == nil {
		t.Error("expected error retiring an already-retiring partition")
	}
}

func TestCatalog_List_ExcludesDropped_OrdersByWindow(t *testing.T) {
	conn := openTestDB(t)
	cat := sqlitestore.NewPartitionCatalog(conn, newTestWriter(t, conn), 8)
	ctx := context.Background()

	// Create out of order.
	for _, m := range []time.Month{9, 7, 8} {
		w := store.MonthWindow(time.Date(2025, m, 1, 0, 0, 0, 0, time.UTC))
		if _, _, err := cat.EnsureRange(ctx, store.StoreAccessLogs, w); err != nil {
			t.Fatalf("ensure %v: %v", m, err)
		}
	}
	if err := cat.Drop(ctx, "access_logs_202508"); err != nil {
		t.Fatalf("drop: %v", err)
	}

	parts, err := cat.List(ctx, store.StoreAccessLogs)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(parts))
	}
	if parts[0].TableName != "access_logs_202507" || parts[1].TableName != "access_logs_202509" {
		t.Errorf("unexpected order/content: %s, %s", parts[0].TableName, parts[1].TableName)
	}
}

func TestCatalog_IncrementCount(t *testing.T) {
	conn := openTestDB(t)
	cat := sqlitestore.NewPartitionCatalog(conn, newTestWriter(t, conn), 8)
	ctx := context.Background()

	w := store.MonthWindow(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	p, _, err := cat.EnsureRange(ctx, store.StoreAccessLogs, w)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if err := cat.IncrementCount(ctx, p.TableName, 5); err != nil {
		t.Fatalf("IncrementCount: %v", err)
	}
	if err := cat.IncrementCount(ctx, p.TableName, 3); err != nil {
		t.Fatalf("IncrementCount: %v", err)
	}

	parts, err := cat.List(ctx, store.StoreAccessLogs)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if parts[0].RecordCount != 8 {
		t.Errorf("expected record_count=8, got %d", parts[0].RecordCount)
	}
}
