package store

import (
	"context"
	"time"
)

type DeviceRecord struct {
	DeviceID  string
	Name      string
	Location  string
	Active    bool
	CreatedAt time.Time
	LastSeen  *time.Time
}

// DeviceStore is the device-registry boundary. Registration itself is
// owned by an external collaborator; this core only needs activity and
// location lookups plus first-contact bookkeeping.
type DeviceStore interface {
	IsActive(ctx context.Context, deviceID string) (bool, error)
	Location(ctx context.Context, deviceID string) (string, error)

	// EnsureSeen guarantees a device row exists (created inactive on
	// first contact) and stamps last_seen. A non-empty location fills
	// in a blank registration but never overwrites a provisioned one.
	EnsureSeen(ctx context.Context, deviceID, location string, t time.Time) error

	List(ctx context.Context) ([]DeviceRecord, error)
}
