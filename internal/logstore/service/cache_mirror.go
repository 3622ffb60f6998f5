package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/doorlock-system/logstore/internal/logstore/store"
	"github.com/doorlock-system/logstore/internal/logstore/types"
)

// Cache key layout. One namespace per value family so a key is
// self-describing in cache dumps.
const (
	dashboardKeyPrefix    = "logstore:dashboard:"
	deviceStatusKeyPrefix = "logstore:device_status:"
)

// CacheTTLs bounds how stale each mirrored value family may serve.
type CacheTTLs struct {
	Dashboard    time.Duration
	DeviceStatus time.Duration
}

func DefaultCacheTTLs() CacheTTLs {
	return CacheTTLs{
		Dashboard:    5 * time.Minute,
		DeviceStatus: time.Hour,
	}
}

// cachedView is the envelope stored in the cache, so a hit can report
// when the payload was computed.
type cachedView struct {
	ComputedAt time.Time       `json:"computed_at"`
	Data       json.RawMessage `json:"data"`
}

// CacheMirror is the read-through layer in front of the aggregation
// engine. Reads never block on the cache: a hit is served as-is, a
// miss computes directly from the partitions, serves the result, and
// backfills the cache out of band. The cache is strictly an
// accelerator; losing it degrades latency, never correctness.
type CacheMirror struct {
	engine   *AggregationEngine
	cache    store.CacheStore
	ttls     CacheTTLs
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	group  singleflight.Group
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCacheMirror(
	engine *AggregationEngine,
	cache store.CacheStore,
	ttls CacheTTLs,
	warmInterval time.Duration,
	logger zerolog.Logger,
) *CacheMirror {
	if warmInterval <= 0 {
		warmInterval = time.Minute
	}
	return &CacheMirror{
		engine:   engine,
		cache:    cache,
		ttls:     ttls,
		interval: warmInterval,
		logger:   logger.With().Str("component", "cache_mirror").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		done:     make(chan struct{}),
	}
}

// WithClock overrides the mirror's clock. Test hook.
func (m *CacheMirror) WithClock(now func() time.Time) *CacheMirror {
	m.now = now
	return m
}

// GetView serves a named dashboard view, from the cache when fresh,
// otherwise computed directly. Concurrent misses for the same view
// coalesce onto one computation.
func (m *CacheMirror) GetView(ctx context.Context, name string) (types.ViewResult, error) {
	key := dashboardKeyPrefix + name

	if raw, ok, err := m.cache.Get(ctx, key); err != nil {
		// A broken cache must not take reads down with it.
		m.logger.Warn().Err(err).Str("view", name).Msg("cache read failed, computing directly")
	} else if ok {
		var env cachedView
		if err := json.Unmarshal(raw, &env); err == nil {
			return types.ViewResult{
				Name:       name,
				Source:     "cache",
				ComputedAt: env.ComputedAt,
				Data:       env.Data,
			}, nil
		}
		m.logger.Warn().Str("view", name).Msg("cache entry undecodable, computing directly")
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.computeAndBackfill(ctx, name)
	})
	if err != nil {
		return types.ViewResult{}, err
	}
	return v.(types.ViewResult), nil
}

// DeviceStatus serves one device's snapshot view read-through.
func (m *CacheMirror) DeviceStatus(ctx context.Context, deviceID string) (types.ViewResult, bool, error) {
	key := deviceStatusKeyPrefix + deviceID

	if raw, ok, err := m.cache.Get(ctx, key); err != nil {
		m.logger.Warn().Err(err).Str("device_id", deviceID).Msg("cache read failed, computing directly")
	} else if ok {
		var env cachedView
		if err := json.Unmarshal(raw, &env); err == nil {
			return types.ViewResult{
				Name:       "device_status",
				Source:     "cache",
				ComputedAt: env.ComputedAt,
				Data:       env.Data,
			}, true, nil
		}
	}

	now := m.now()
	view, found, err := m.engine.DeviceStatus(ctx, deviceID, now)
	if err != nil {
		return types.ViewResult{}, false, err
	}
	if !found {
		return types.ViewResult{}, false, nil
	}

	data, err := json.Marshal(view)
	if err != nil {
		return types.ViewResult{}, false, fmt.Errorf("encode device status: %w", err)
	}
	m.backfill(key, now, data, m.ttls.DeviceStatus)

	return types.ViewResult{
		Name:       "device_status",
		Source:     "database",
		ComputedAt: now,
		Data:       data,
	}, true, nil
}

// Refresh recomputes one view and writes it through synchronously.
// Used by the warm loop and by explicit invalidation after ingest.
func (m *CacheMirror) Refresh(ctx context.Context, name string) error {
	now := m.now()
	data, err := m.computeView(ctx, name, now)
	if err != nil {
		return err
	}
	return m.writeThrough(ctx, dashboardKeyPrefix+name, now, data, m.ttls.Dashboard)
}

// Start begins the warm loop: every interval the dashboard views are
// recomputed and written through, so steady-state reads hit the cache.
func (m *CacheMirror) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
	m.logger.Info().Dur("interval", m.interval).Msg("cache warm loop started")
}

// Stop signals the warm loop to exit and waits for it to finish.
func (m *CacheMirror) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

func (m *CacheMirror) loop(ctx context.Context) {
	defer close(m.done)

	m.warm(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.warm(ctx)
		}
	}
}

func (m *CacheMirror) warm(ctx context.Context) {
	for _, name := range []string{
		types.ViewOverview,
		types.ViewFleetHealth,
		types.ViewAlerts,
		types.ViewRecentActivity,
	} {
		if ctx.Err() != nil {
			return
		}
		if err := m.Refresh(ctx, name); err != nil {
			m.logger.Error().Err(err).Str("view", name).Msg("warm refresh failed")
		}
	}

	now := m.now()
	views, err := m.engine.DeviceStatuses(ctx, now)
	if err != nil {
		m.logger.Error().Err(err).Msg("warm device statuses failed")
		return
	}
	for _, v := range views {
		data, err := json.Marshal(v)
		if err != nil {
			continue
		}
		if err := m.writeThrough(ctx, deviceStatusKeyPrefix+v.DeviceID, now, data, m.ttls.DeviceStatus); err != nil {
			m.logger.Warn().Err(err).Str("device_id", v.DeviceID).Msg("warm device status write failed")
		}
	}
}

func (m *CacheMirror) computeAndBackfill(ctx context.Context, name string) (types.ViewResult, error) {
	now := m.now()
	data, err := m.computeView(ctx, name, now)
	if err != nil {
		return types.ViewResult{}, err
	}

	m.backfill(dashboardKeyPrefix+name, now, data, m.ttls.Dashboard)

	return types.ViewResult{
		Name:       name,
		Source:     "database",
		ComputedAt: now,
		Data:       data,
	}, nil
}

func (m *CacheMirror) computeView(ctx context.Context, name string, now time.Time) (json.RawMessage, error) {
	var (
		view any
		err  error
	)
	if name == types.ViewRecentActivity {
		view, err = m.engine.RecentActivity(ctx, now, 0)
	} else {
		view, err = m.engine.Compute(ctx, name, now)
	}
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(view)
	if err != nil {
		return nil, fmt.Errorf("encode view %s: %w", name, err)
	}
	return data, nil
}

// backfill writes a freshly computed value into the cache without
// blocking the caller. A detached context keeps the write alive past
// the request that triggered it.
func (m *CacheMirror) backfill(key string, computedAt time.Time, data json.RawMessage, ttl time.Duration) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.writeThrough(ctx, key, computedAt, data, ttl); err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("cache backfill failed")
		}
	}()
}

func (m *CacheMirror) writeThrough(ctx context.Context, key string, computedAt time.Time, data json.RawMessage, ttl time.Duration) error {
	raw, err := json.Marshal(cachedView{ComputedAt: computedAt, Data: data})
	if err != nil {
		return fmt.Errorf("encode cache envelope: %w", err)
	}
	return m.cache.Set(ctx, key, raw, ttl)
}
