package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/doorlock-system/logstore/internal/logstore/store"
	"github.com/doorlock-system/logstore/internal/logstore/types"
)

var (
	ErrInvalidUpload = errors.New("upload failed validation")

	deviceIDPattern = regexp.MustCompile(`^doorlock_[a-z]+_[0-9]+$`)
)

// Rejection reasons attached to individual batch entries.
const (
	reasonBadTimestamp = "bad_timestamp"
	reasonStorageError = "storage_error"
)

// maxClockDrift is how far a device-reported clock may sit from server
// time before the sync logs a drift warning.
const maxClockDrift = 5 * time.Minute

// IngestRouter validates incoming records and routes them to the
// partition resolved by the catalog, creating partitions on first
// write into an unmapped window. It also performs the explicit side
// effects that keep the device_status snapshot and the advisory
// partition record counts current.
type IngestRouter struct {
	catalog  store.PartitionCatalog
	logs     store.LogStore
	status   store.StatusStore
	registry *DeviceRegistry
	validate *validator.Validate
	logger   zerolog.Logger
	now      func() time.Time
}

func NewIngestRouter(
	catalog store.PartitionCatalog,
	logs store.LogStore,
	status store.StatusStore,
	registry *DeviceRegistry,
	logger zerolog.Logger,
) *IngestRouter {
	v := validator.New()
	// device_id follows the fleet naming scheme, e.g. doorlock_otista_3.
	_ = v.RegisterValidation("device_id", func(fl validator.FieldLevel) bool {
		return deviceIDPattern.MatchString(fl.Field().String())
	})
	// Report fields by their JSON names so rejection reasons match the
	// wire format ("invalid_device_id", not "invalid_DeviceID").
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &IngestRouter{
		catalog:  catalog,
		logs:     logs,
		status:   status,
		registry: registry,
		validate: v,
		logger:   logger.With().Str("component", "ingest").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the router's clock. Test hook.
func (r *IngestRouter) WithClock(now func() time.Time) *IngestRouter {
	r.now = now
	return r
}

// Sync processes one device upload: status snapshot upsert plus a
// batch of access records. Individual record failures are reported in
// the result and do not abort the rest of the batch.
func (r *IngestRouter) Sync(ctx context.Context, up types.SyncUpload) (types.SyncResult, error) {
	now := r.now()

	if err := r.validate.Struct(up); err != nil {
		return types.SyncResult{}, fmt.Errorf("%w: %s", ErrInvalidUpload, validationReason(err))
	}

	if up.SessionID == "" {
		up.SessionID = uuid.NewString()
	}

	// Record timestamps select partitions, so a skewed device clock
	// misfiles records. Worth a warning, never a rejection.
	if up.Timestamp != "" {
		if devTime, err := parseTimestamp(up.Timestamp); err == nil {
			if drift := devTime.Sub(now); drift > maxClockDrift || drift < -maxClockDrift {
				r.logger.Warn().
					Str("device_id", up.DeviceID).
					Dur("drift", drift).
					Msg("device clock drift")
			}
		}
	}

	if err := r.registry.NoteSeen(ctx, up.DeviceID, up.Location, now); err != nil {
		return types.SyncResult{}, fmt.Errorf("note seen: %w", err)
	}

	if err := r.upsertStatus(ctx, up, now); err != nil {
		return types.SyncResult{}, fmt.Errorf("status snapshot: %w", err)
	}

	result := types.SyncResult{
		OK:         true,
		DeviceID:   up.DeviceID,
		SessionID:  up.SessionID,
		ServerTime: now.Format(time.RFC3339Nano),
	}

	// Group parseable entries by partition window so each partition
	// gets a single batched insert.
	byWindow := make(map[time.Time][]store.AccessLogRecord)
	indexes := make(map[time.Time][]int)
	for i, entry := range up.AccessLogs {
		if err := r.validate.Struct(entry); err != nil {
			result.Rejected = append(result.Rejected, types.RejectedRecord{Index: i, Reason: validationReason(err)})
			continue
		}
		ts, err := parseTimestamp(entry.Timestamp)
		if err != nil {
			result.Rejected = append(result.Rejected, types.RejectedRecord{Index: i, Reason: reasonBadTimestamp})
			continue
		}
		accessType := entry.AccessType
		if accessType == "" {
			accessType = "rfid"
		}
		w := store.MonthWindow(ts)
		byWindow[w.Start] = append(byWindow[w.Start], store.AccessLogRecord{
			DeviceID:      up.DeviceID,
			CardUID:       strings.ToUpper(entry.CardUID),
			AccessGranted: entry.AccessGranted,
			AccessType:    accessType,
			UserName:      entry.UserName,
			Timestamp:     ts,
			SessionID:     up.SessionID,
			CreatedAt:     now,
		})
		indexes[w.Start] = append(indexes[w.Start], i)
	}

	for start, recs := range byWindow {
		p, err := r.catalog.ResolveRange(ctx, store.StoreAccessLogs, start)
		if err == nil {
			err = r.logs.InsertAccess(ctx, p, recs)
		}
		if err != nil {
			r.logger.Error().Err(err).Str("device_id", up.DeviceID).Msg("access batch failed")
			for _, i := range indexes[start] {
				result.Rejected = append(result.Rejected, types.RejectedRecord{Index: i, Reason: reasonStorageError})
			}
			continue
		}
		result.Accepted += len(recs)

		// Advisory only; a failed bump never fails the write.
		if err := r.catalog.IncrementCount(ctx, p.TableName, int64(len(recs))); err != nil {
			r.logger.Warn().Err(err).Str("partition", p.TableName).Msg("record count bump failed")
		}
	}

	return result, nil
}

// AppendSystem routes one diagnostic record to its hash partition.
func (r *IngestRouter) AppendSystem(ctx context.Context, up types.SystemLogUpload) (types.AppendResult, error) {
	now := r.now()

	if err := r.validate.Struct(up); err != nil {
		return types.AppendResult{}, fmt.Errorf("%w: %s", ErrInvalidUpload, validationReason(err))
	}

	ts := now
	if up.Timestamp != "" {
		parsed, err := parseTimestamp(up.Timestamp)
		if err != nil {
			return types.AppendResult{}, fmt.Errorf("%w: %s", ErrInvalidUpload, reasonBadTimestamp)
		}
		ts = parsed
	}

	if err := r.registry.NoteSeen(ctx, up.DeviceID, "", now); err != nil {
		return types.AppendResult{}, fmt.Errorf("note seen: %w", err)
	}

	p, err := r.catalog.ResolveHash(ctx, store.StoreSystemLogs, up.DeviceID)
	if err != nil {
		return types.AppendResult{}, fmt.Errorf("resolve partition: %w", err)
	}

	if err := r.logs.InsertSystem(ctx, p, store.SystemLogRecord{
		DeviceID:  up.DeviceID,
		Level:     up.Level,
		Component: up.Component,
		Details:   up.Details,
		Timestamp: ts,
		CreatedAt: now,
	}); err != nil {
		return types.AppendResult{}, fmt.Errorf("insert system log: %w", err)
	}

	if err := r.catalog.IncrementCount(ctx, p.TableName, 1); err != nil {
		r.logger.Warn().Err(err).Str("partition", p.TableName).Msg("record count bump failed")
	}

	return types.AppendResult{
		OK:         true,
		Committed:  true,
		ServerTime: now.Format(time.RFC3339Nano),
	}, nil
}

func (r *IngestRouter) upsertStatus(ctx context.Context, up types.SyncUpload, now time.Time) error {
	updateStatus := up.Status.UpdateStatus
	if updateStatus == "" {
		updateStatus = "idle"
	}
	lastSync := now
	return r.status.Upsert(ctx, store.DeviceStatusRecord{
		DeviceID:          up.DeviceID,
		DoorStatus:        up.Status.DoorStatus,
		RFIDEnabled:       up.Status.RFIDEnabled,
		BatteryPercentage: up.Status.BatteryPercentage,
		UptimeSeconds:     up.Status.UptimeSeconds,
		WifiRSSI:          up.Status.WifiRSSI,
		FreeHeapBytes:     up.Status.FreeHeapBytes,
		BootCount:         up.Status.BootCount,
		UpdateStatus:      updateStatus,
		SpamDetected:      up.SpamDetected,
		TotalAccessCount:  up.TotalAccessCount,
		SessionID:         up.SessionID,
		LastSync:          &lastSync,
		UpdatedAt:         now,
	})
}

// parseTimestamp accepts RFC 3339 with or without sub-second precision.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// validationReason condenses a validator error into a stable
// classification reason like "invalid_device_id".
func validationReason(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return "invalid_" + verrs[0].Field()
	}
	return "invalid_payload"
}
