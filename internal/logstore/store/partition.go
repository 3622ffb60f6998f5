package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"
)

type PartitionKind string

const (
	KindRange PartitionKind = "range"
	KindHash  PartitionKind = "hash"
)

type PartitionStatus string

const (
	StatusActive   PartitionStatus = "active"
	StatusRetiring PartitionStatus = "retiring"
	StatusDropped  PartitionStatus = "dropped"
)

// Store names. Each is a logical table split across physical partitions.
const (
	StoreAccessLogs = "access_logs"
	StoreSystemLogs = "system_logs"
)

// Window is a half-open [Start, End) time range owned by one range
// partition. Windows are always whole UTC calendar months.
type Window struct {
	Start time.Time
	End   time.Time
}

// MonthWindow returns the calendar-month window containing t.
func MonthWindow(t time.Time) Window {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Window{Start: start, End: start.AddDate(0, 1, 0)}
}

// Next returns the window immediately following w.
func (w Window) Next() Window {
	return Window{Start: w.End, End: w.End.AddDate(0, 1, 0)}
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(w.Start) && t.Before(w.End)
}

// Overlaps reports whether the half-open range [from, to) intersects w.
func (w Window) Overlaps(from, to time.Time) bool {
	return from.Before(w.End) && w.Start.Before(to)
}

// RangeTableName is the stable physical name for a range partition,
// e.g. access_logs_202507. External tooling relies on this scheme to
// enumerate partitions without going through the catalog.
func RangeTableName(storeName string, w Window) string {
	return fmt.Sprintf("%s_%04d%02d", storeName, w.Start.Year(), int(w.Start.Month()))
}

// HashTableName is the stable physical name for a hash partition,
// e.g. system_logs_3.
func HashTableName(storeName string, bucket int) string {
	return fmt.Sprintf("%s_%d", storeName, bucket)
}

// HashBucket maps a device ID onto one of bucketCount buckets. The
// bucket count is fixed for the lifetime of the store; changing it
// requires a full rebuild.
func HashBucket(deviceID string, bucketCount int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(bucketCount))
}

// Partition is the catalog's view of one physical storage segment.
type Partition struct {
	ID          int64
	Store       string
	Kind        PartitionKind
	TableName   string
	Window      Window // zero for hash partitions
	Bucket      int    // -1 for range partitions
	Status      PartitionStatus
	RecordCount int64 // advisory, maintained by the ingest router
	CreatedAt   time.Time
}

// PartitionCatalog maps partition keys to physical partitions and owns
// the partition lifecycle. Ensure* calls are idempotent: creating a
// partition that already exists is a no-op returning the existing one.
type PartitionCatalog interface {
	// ResolveRange returns the partition owning timestamp t in a
	// range-partitioned store, creating it if absent.
	ResolveRange(ctx context.Context, storeName string, t time.Time) (Partition, error)

	// ResolveHash returns the partition owning deviceID in a
	// hash-partitioned store, creating it if absent.
	ResolveHash(ctx context.Context, storeName, deviceID string) (Partition, error)

	// EnsureRange creates the partition for window w if it does not
	// exist. created is false when the partition already existed.
	EnsureRange(ctx context.Context, storeName string, w Window) (p Partition, created bool, err error)

	// EnsureHash creates the partition for the given bucket if it does
	// not exist.
	EnsureHash(ctx context.Context, storeName string, bucket int) (p Partition, created bool, err error)

	// List returns all non-dropped partitions of a store, range
	// partitions ordered by window start.
	List(ctx context.Context, storeName string) ([]Partition, error)

	// MarkRetiring flags a partition as queued for removal. Retiring
	// partitions still serve reads until Drop completes.
	MarkRetiring(ctx context.Context, tableName string) error

	// Drop removes the partition's physical table and marks its
	// catalog row dropped. Dropping an already-dropped partition is an
	// error.
	Drop(ctx context.Context, tableName string) error

	// IncrementCount adds n to the partition's advisory record count.
	IncrementCount(ctx context.Context, tableName string, n int64) error
}
