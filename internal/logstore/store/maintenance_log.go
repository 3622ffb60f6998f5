package store

import (
	"context"
	"time"
)

// MaintenanceLogEntry is a write-once audit record of one scheduler
// cycle. The absence of an entry for a period means the cycle did not
// run — liveness monitoring depends on that.
type MaintenanceLogEntry struct {
	ID         int64
	RunID      string
	Operation  string
	Summary    string // JSON CycleSummary
	ExecutedAt time.Time
}

type MaintenanceLog interface {
	Append(ctx context.Context, entry MaintenanceLogEntry) (MaintenanceLogEntry, error)
	Recent(ctx context.Context, limit int) ([]MaintenanceLogEntry, error)
}
