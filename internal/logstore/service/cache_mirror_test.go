package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/doorlock-system/logstore/internal/logstore/service"
	"github.com/doorlock-system/logstore/internal/logstore/store/memory"
	"github.com/doorlock-system/logstore/internal/logstore/types"
)

// testClock is a mutable clock shared between the mirror and the cache
// so TTL expiry can be driven deterministically.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newMirrorFixture(t *testing.T) (*service.CacheMirror, *memory.Cache, *testClock, testStores) {
	t.Helper()

	ts := newTestStores(t, 2)
	clock := &testClock{t: time.Date(2025, 7, 10, 12, 0, 0, 0, time.UTC)}
	cache := memory.NewCacheWithClock(clock.Now)
	engine := service.NewAggregationEngine(ts.catalog, ts.logs, ts.status, ts.devices, service.DefaultThresholds())
	mirror := service.NewCacheMirror(engine, cache, service.CacheTTLs{
		Dashboard:    5 * time.Minute,
		DeviceStatus: time.Hour,
	}, time.Minute, nopLogger()).WithClock(clock.Now)

	return mirror, cache, clock, ts
}

// ═══════════════════════════════════════════════════════════════════════════
// GetView — read-through
// ═══════════════════════════════════════════════════════════════════════════

func TestMirror_GetView_MissComputesDirectly(t *testing.T) {
	mirror, _, clock, _ := newMirrorFixture(t)

	result, err := mirror.GetView(context.Background(), types.ViewOverview)
	if err != nil {
		t.Fatalf("GetView: %v", err)
	}
	if result.Source != "database" {
		t.Errorf("expected source=database on a cold cache, got %q", result.Source)
	}
	if result.Name != types.ViewOverview {
		t.Errorf("expected name=overview, got %q", result.Name)
	}
	if !result.ComputedAt.Equal(clock.Now()) {
		t.Errorf("expected computed_at=%v, got %v", clock.Now(), result.ComputedAt)
	}

	var view types.OverviewView
	if err := json.Unmarshal(result.Data, &view); err != nil {
		t.Fatalf("payload not an overview view: %v", err)
	}
}

func TestMirror_GetView_HitServesFromCache(t *testing.T) {
	mirror, _, clock, _ := newMirrorFixture(t)
	ctx := context.Background()

	// Synchronous write-through, then the read must be a cache hit.
	if err := mirror.Refresh(ctx, types.ViewFleetHealth); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	computedAt := clock.Now()

	clock.Advance(time.Minute)
	result, err := mirror.GetView(ctx, types.ViewFleetHealth)
	if err != nil {
		t.Fatalf("GetView: %v", err)
	}
	if result.Source != "cache" {
		t.Errorf("expected source=cache after refresh, got %q", result.Source)
	}
	if !result.ComputedAt.Equal(computedAt) {
		t.Errorf("expected cached computed_at=%v, got %v", computedAt, result.ComputedAt)
	}
}

func TestMirror_GetView_ExpiresAfterTTL(t *testing.T) {
	mirror, _, clock, _ := newMirrorFixture(t)
	ctx := context.Background()

	if err := mirror.Refresh(ctx, types.ViewAlerts); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Past the 5 minute dashboard TTL the entry may no longer be served.
	clock.Advance(5*time.Minute + time.Second)
	result, err := mirror.GetView(ctx, types.ViewAlerts)
	if err != nil {
		t.Fatalf("GetView: %v", err)
	}
	if result.Source != "database" {
		t.Errorf("expected recompute after TTL, got source=%q", result.Source)
	}
	if !result.ComputedAt.Equal(clock.Now()) {
		t.Errorf("expected fresh computed_at, got %v", result.ComputedAt)
	}
}

func TestMirror_GetView_UnknownView(t *testing.T) {
	mirror, _, _, _ := newMirrorFixture(t)

	_, err := mirror.GetView(context.Background(), "leaderboard")
	if !errors.Is(err, service.ErrUnknownView) {
		t.Fatalf("expected ErrUnknownView, got %v", err)
	}
}

func TestMirror_GetView_RecentActivity(t *testing.T) {
	mirror, _, _, _ := newMirrorFixture(t)

	result, err := mirror.GetView(context.Background(), types.ViewRecentActivity)
	if err != nil {
		t.Fatalf("GetView: %v", err)
	}
	var view types.RecentActivityView
	if err := json.Unmarshal(result.Data, &view); err != nil {
		t.Fatalf("payload not a recent activity view: %v", err)
	}
	if view.PeriodHours != 24 {
		t.Errorf("expected default 24h period, got %d", view.PeriodHours)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// DeviceStatus — read-through per device
// ═══════════════════════════════════════════════════════════════════════════

func TestMirror_DeviceStatus_NotFound(t *testing.T) {
	mirror, _, _, _ := newMirrorFixture(t)

	_, found, err := mirror.DeviceStatus(context.Background(), "doorlock_otista_1")
	if err != nil {
		t.Fatalf("DeviceStatus: %v", err)
	}
	if found {
		t.Error("expected not found for a device that never synced")
	}
}

func TestMirror_DeviceStatus_ReadThrough(t *testing.T) {
	mirror, _, clock, ts := newMirrorFixture(t)
	ctx := context.Background()

	ts.seedActiveDevice(t, "doorlock_otista_1", "otista")
	upsertStatus(t, ts, "doorlock_otista_1", clock.Now().Add(-time.Hour), 75, nil)

	result, found, err := mirror.DeviceStatus(ctx, "doorlock_otista_1")
	if err != nil || !found {
		t.Fatalf("DeviceStatus: found=%v err=%v", found, err)
	}
	if result.Source != "database" {
		t.Errorf("expected source=database on cold cache, got %q", result.Source)
	}

	var view types.DeviceStatusView
	if err := json.Unmarshal(result.Data, &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.DeviceID != "doorlock_otista_1" || view.Connectivity != "online" {
		t.Errorf("view mismatch: %+v", view)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Cache failure tolerance
// ═══════════════════════════════════════════════════════════════════════════

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("cache down")
}
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("cache down")
}
func (brokenCache) Delete(context.Context, string) error { return errors.New("cache down") }

func TestMirror_BrokenCache_StillServesReads(t *testing.T) {
	ts := newTestStores(t, 2)
	engine := service.NewAggregationEngine(ts.catalog, ts.logs, ts.status, ts.devices, service.DefaultThresholds())
	mirror := service.NewCacheMirror(engine, brokenCache{}, service.DefaultCacheTTLs(), time.Minute, nopLogger())

	result, err := mirror.GetView(context.Background(), types.ViewOverview)
	if err != nil {
		t.Fatalf("GetView with broken cache: %v", err)
	}
	if result.Source != "database" {
		t.Errorf("expected direct compute, got source=%q", result.Source)
	}
}
