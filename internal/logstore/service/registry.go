package service

import (
	"context"
	"strings"
	"time"

	"github.com/doorlock-system/logstore/internal/logstore/store"
)

// DeviceRegistry is the read boundary to device registration, which is
// owned by an external collaborator. The core only asks "is this
// device active" and "where is it", plus first-contact bookkeeping.
type DeviceRegistry struct {
	store store.DeviceStore
}

func NewDeviceRegistry(st store.DeviceStore) *DeviceRegistry {
	return &DeviceRegistry{store: st}
}

func (r *DeviceRegistry) IsActiveDevice(ctx context.Context, deviceID string) (bool, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return false, nil
	}
	return r.store.IsActive(ctx, deviceID)
}

func (r *DeviceRegistry) DeviceLocation(ctx context.Context, deviceID string) (string, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return "", nil
	}
	return r.store.Location(ctx, deviceID)
}

// NoteSeen records first contact (auto-registering the device as
// inactive) and stamps last_seen. A device-reported location fills in
// an unprovisioned registration.
func (r *DeviceRegistry) NoteSeen(ctx context.Context, deviceID, location string, t time.Time) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil
	}
	return r.store.EnsureSeen(ctx, deviceID, strings.TrimSpace(location), t)
}
