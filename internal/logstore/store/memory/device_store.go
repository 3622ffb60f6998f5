package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/doorlock-system/logstore/internal/logstore/store"
)

// DeviceStore is an in-memory device registry for tests and dev.
type DeviceStore struct {
	mu      sync.RWMutex
	devices map[string]store.DeviceRecord
}

// NewDeviceStore pre-registers the given devices as active. The map
// value is the device's location.
func NewDeviceStore(active map[string]string) *DeviceStore {
	d := make(map[string]store.DeviceRecord, len(active))
	now := time.Now().UTC()
	for id, loc := range active {
		d[id] = store.DeviceRecord{DeviceID: id, Name: id, Location: loc, Active: true, CreatedAt: now}
	}
	return &DeviceStore{devices: d}
}

func (s *DeviceStore) IsActive(_ context.Context, deviceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.devices[deviceID]
	return ok && rec.Active, nil
}

func (s *DeviceStore) Location(_ context.Context, deviceID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices[deviceID].Location, nil
}

func (s *DeviceStore) EnsureSeen(_ context.Context, deviceID, location string, t time.Time) error {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.devices[deviceID]
	if !ok {
		rec = store.DeviceRecord{DeviceID: deviceID, Name: deviceID, CreatedAt: t}
	}
	if rec.Location == "" {
		rec.Location = location
	}
	rec.LastSeen = &t
	s.devices[deviceID] = rec
	return nil
}

func (s *DeviceStore) List(_ context.Context) ([]store.DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.DeviceRecord, 0, len(s.devices))
	for _, rec := range s.devices {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}
