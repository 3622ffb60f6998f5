package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/doorlock-system/logstore/internal/logstore/store"
)

// Cycle states, for introspection and liveness checks.
const (
	StateIdle            = "idle"
	StateCreatingFuture  = "creating_future"
	StateDroppingExpired = "dropping_expired"
	StateLogging         = "logging"
)

// RetentionPolicy bounds the partitioned stores in both directions:
// nothing older than RetentionMonths survives a cycle, and a partition
// always exists covering now + LookaheadMonths.
type RetentionPolicy struct {
	RetentionMonths int
	LookaheadMonths int
}

// CycleSummary is the JSON body of a maintenance log entry.
type CycleSummary struct {
	Created  []string       `json:"created_partitions"`
	Dropped  []string       `json:"dropped_partitions"`
	Failures []CycleFailure `json:"failures,omitempty"`
}

type CycleFailure struct {
	Partition string `json:"partition"`
	Op        string `json:"op"` // "create" | "drop"
	Error     string `json:"error"`
}

// MaintenanceScheduler runs the partition lifecycle:
// Idle -> CreatingFuture -> DroppingExpired -> Logging -> Idle.
// Cycles run on a fixed interval and on explicit trigger; a
// single-flight guard coalesces overlapping triggers onto the cycle
// already in flight.
type MaintenanceScheduler struct {
	catalog     store.PartitionCatalog
	mlog        store.MaintenanceLog
	policy      RetentionPolicy
	bucketCount int
	interval    time.Duration
	logger      zerolog.Logger
	now         func() time.Time

	group  singleflight.Group
	state  atomic.Value // string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMaintenanceScheduler(
	catalog store.PartitionCatalog,
	mlog store.MaintenanceLog,
	policy RetentionPolicy,
	bucketCount int,
	interval time.Duration,
	logger zerolog.Logger,
) *MaintenanceScheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	s := &MaintenanceScheduler{
		catalog:     catalog,
		mlog:        mlog,
		policy:      policy,
		bucketCount: bucketCount,
		interval:    interval,
		logger:      logger.With().Str("component", "maintenance").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
		done:        make(chan struct{}),
	}
	s.state.Store(StateIdle)
	return s
}

// WithClock overrides the scheduler's clock. Test hook.
func (s *MaintenanceScheduler) WithClock(now func() time.Time) *MaintenanceScheduler {
	s.now = now
	return s
}

// State returns the current cycle phase.
func (s *MaintenanceScheduler) State() string {
	return s.state.Load().(string)
}

// Start begins the background loop: one immediate cycle, then one per
// interval. The loop exits when ctx is cancelled or Stop is called.
func (s *MaintenanceScheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	s.logger.Info().
		Int("retention_months", s.policy.RetentionMonths).
		Int("lookahead_months", s.policy.LookaheadMonths).
		Dur("interval", s.interval).
		Msg("maintenance scheduler started")
}

// Stop signals the loop to exit and waits for it to finish.
func (s *MaintenanceScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *MaintenanceScheduler) loop(ctx context.Context) {
	defer close(s.done)

	if _, err := s.RunCycle(ctx); err != nil {
		s.logger.Error().Err(err).Msg("maintenance cycle failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunCycle(ctx); err != nil {
				s.logger.Error().Err(err).Msg("maintenance cycle failed")
			}
		}
	}
}

// RunCycle executes one maintenance cycle against the current clock.
func (s *MaintenanceScheduler) RunCycle(ctx context.Context) (store.MaintenanceLogEntry, error) {
	return s.RunCycleAt(ctx, s.now())
}

// RunCycleAt executes one maintenance cycle, evaluating retention and
// lookahead against the given instant. Concurrent calls coalesce: a
// trigger arriving while a cycle is in flight receives that cycle's
// log entry instead of starting a second one.
func (s *MaintenanceScheduler) RunCycleAt(ctx context.Context, now time.Time) (store.MaintenanceLogEntry, error) {
	v, err, _ := s.group.Do("cycle", func() (any, error) {
		return s.runCycle(ctx, now.UTC())
	})
	if err != nil {
		return store.MaintenanceLogEntry{}, err
	}
	return v.(store.MaintenanceLogEntry), nil
}

func (s *MaintenanceScheduler) runCycle(ctx context.Context, now time.Time) (store.MaintenanceLogEntry, error) {
	runID := uuid.NewString()
	summary := CycleSummary{Created: []string{}, Dropped: []string{}}

	s.state.Store(StateCreatingFuture)
	s.createFuture(ctx, now, &summary)

	s.state.Store(StateDroppingExpired)
	s.dropExpired(ctx, now, &summary)

	s.state.Store(StateLogging)
	defer s.state.Store(StateIdle)

	body, err := json.Marshal(summary)
	if err != nil {
		return store.MaintenanceLogEntry{}, fmt.Errorf("marshal cycle summary: %w", err)
	}

	// The entry is written even for a zero-work cycle: a missing entry
	// must always mean the cycle did not run.
	entry, err := s.mlog.Append(ctx, store.MaintenanceLogEntry{
		RunID:      runID,
		Operation:  "maintenance_cycle",
		Summary:    string(body),
		ExecutedAt: now,
	})
	if err != nil {
		return store.MaintenanceLogEntry{}, fmt.Errorf("append maintenance log: %w", err)
	}

	s.logger.Info().
		Str("run_id", runID).
		Int("created", len(summary.Created)).
		Int("dropped", len(summary.Dropped)).
		Int("failures", len(summary.Failures)).
		Msg("maintenance cycle complete")

	return entry, nil
}

// createFuture guarantees partitions exist for every window from now
// through now + lookahead, plus the full set of hash buckets. Re-run
// against the same clock this is a no-op; failures self-heal because
// the horizon is re-evaluated from "now" every cycle.
func (s *MaintenanceScheduler) createFuture(ctx context.Context, now time.Time, summary *CycleSummary) {
	for b := 0; b < s.bucketCount; b++ {
		p, created, err := s.catalog.EnsureHash(ctx, store.StoreSystemLogs, b)
		if err != nil {
			summary.Failures = append(summary.Failures, CycleFailure{
				Partition: store.HashTableName(store.StoreSystemLogs, b),
				Op:        "create",
				Error:     err.Error(),
			})
			continue
		}
		if created {
			summary.Created = append(summary.Created, p.TableName)
		}
	}

	horizon := store.MonthWindow(now.AddDate(0, s.policy.LookaheadMonths, 0))
	for w := store.MonthWindow(now); !w.Start.After(horizon.Start); w = w.Next() {
		p, created, err := s.catalog.EnsureRange(ctx, store.StoreAccessLogs, w)
		if err != nil {
			summary.Failures = append(summary.Failures, CycleFailure{
				Partition: store.RangeTableName(store.StoreAccessLogs, w),
				Op:        "create",
				Error:     err.Error(),
			})
			continue
		}
		if created {
			summary.Created = append(summary.Created, p.TableName)
		}
	}
}

// dropExpired removes partitions whose entire window lies before
// now - retention. A partition straddling the cutoff is never dropped.
// A failure on one partition is recorded and the cycle continues; the
// partition is retried next cycle.
func (s *MaintenanceScheduler) dropExpired(ctx context.Context, now time.Time, summary *CycleSummary) {
	cutoff := now.AddDate(0, -s.policy.RetentionMonths, 0)

	parts, err := s.catalog.List(ctx, store.StoreAccessLogs)
	if err != nil {
		summary.Failures = append(summary.Failures, CycleFailure{Op: "drop", Error: err.Error()})
		return
	}

	for _, p := range parts {
		if p.Kind != store.KindRange || p.Window.End.After(cutoff) {
			continue
		}

		if p.Status == store.StatusActive {
			if err := s.catalog.MarkRetiring(ctx, p.TableName); err != nil {
				summary.Failures = append(summary.Failures, CycleFailure{Partition: p.TableName, Op: "drop", Error: err.Error()})
				continue
			}
		}
		if err := s.catalog.Drop(ctx, p.TableName); err != nil {
			summary.Failures = append(summary.Failures, CycleFailure{Partition: p.TableName, Op: "drop", Error: err.Error()})
			continue
		}
		summary.Dropped = append(summary.Dropped, p.TableName)
	}
}
