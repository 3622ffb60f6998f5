package store

import (
	"context"
	"time"
)

// DeviceStatusRecord is the per-device "current state" snapshot,
// upserted on every sync. It exists purely to make dashboard reads
// cheap; the partitioned logs remain the source of truth.
type DeviceStatusRecord struct {
	DeviceID          string
	DoorStatus        string
	RFIDEnabled       bool
	BatteryPercentage *int
	UptimeSeconds     *int64
	WifiRSSI          *int
	FreeHeapBytes     *int64
	BootCount         int64
	UpdateStatus      string // 'idle' | 'in_progress' | 'success' | 'failed'
	SpamDetected      bool
	TotalAccessCount  int64
	SessionID         string
	LastSync          *time.Time
	UpdatedAt         time.Time
}

type StatusStore interface {
	Upsert(ctx context.Context, rec DeviceStatusRecord) error
	Get(ctx context.Context, deviceID string) (DeviceStatusRecord, bool, error)
	List(ctx context.Context) ([]DeviceStatusRecord, error)
}
