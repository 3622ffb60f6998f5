package store

import (
	"context"
	"time"
)

// AccessLogRecord is one access attempt as persisted. Records are
// immutable facts: created once by the ingest router, never updated,
// removed only when their partition is dropped.
type AccessLogRecord struct {
	DeviceID      string
	CardUID       string
	AccessGranted bool
	AccessType    string
	UserName      string
	Timestamp     time.Time // device-reported event time; selects the partition
	SessionID     string
	CreatedAt     time.Time
}

// SystemLogRecord is one device diagnostic line.
type SystemLogRecord struct {
	DeviceID  string
	Level     string
	Component string
	Details   string
	Timestamp time.Time
	CreatedAt time.Time
}

// ActivityRollup aggregates one device's access attempts over a window.
type ActivityRollup struct {
	DeviceID    string
	Attempts    int64
	Granted     int64
	Denied      int64
	UniqueCards int64
	LastAttempt time.Time
}

// DeniedAttempt is a minimal projection used for failure-burst detection.
type DeniedAttempt struct {
	DeviceID  string
	CardUID   string
	Timestamp time.Time
}

// AccessQuery filters a retained-log read. Zero-value fields widen the
// query: empty DeviceID matches all devices, nil Granted matches both
// outcomes.
type AccessQuery struct {
	DeviceID string
	Granted  *bool
	From     time.Time // inclusive
	To       time.Time // exclusive
	Limit    int
}

// LogStore reads and writes partitioned log records. Writers must pass
// the partition resolved by the catalog; readers operate over a caller-
// supplied partition snapshot so a concurrent drop cannot make a query
// observe a half-removed partition.
type LogStore interface {
	InsertAccess(ctx context.Context, p Partition, recs []AccessLogRecord) error
	InsertSystem(ctx context.Context, p Partition, rec SystemLogRecord) error

	// QueryAccess returns records matching q, newest first, across the
	// given partitions. Partitions whose table no longer exists are
	// skipped.
	QueryAccess(ctx context.Context, parts []Partition, q AccessQuery) ([]AccessLogRecord, error)

	// ActivitySince aggregates per-device rollups for records with
	// Timestamp in [since, now).
	ActivitySince(ctx context.Context, parts []Partition, since, now time.Time) ([]ActivityRollup, error)

	// DeniedSince returns denied attempts with Timestamp in [since, now),
	// ordered by card then time, for failure-burst detection.
	DeniedSince(ctx context.Context, parts []Partition, since, now time.Time) ([]DeniedAttempt, error)
}
