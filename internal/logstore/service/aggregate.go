package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/doorlock-system/logstore/internal/logstore/store"
	"github.com/doorlock-system/logstore/internal/logstore/types"
)

var ErrUnknownView = errors.New("unknown view")

// Thresholds configures the derived views. The source data never
// changes meaning, only where the lines are drawn.
type Thresholds struct {
	OnlineWithin       time.Duration // last sync within this => online
	WarningWithin      time.Duration // else within this => warning, else offline
	LowBatteryPct      int
	OfflineAlertAfter  time.Duration
	RebootAlertCount   int64
	FailureBurstCount  int
	FailureBurstWindow time.Duration
	ActivityWindow     time.Duration // trailing window for activity rollups
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		OnlineWithin:       2 * time.Hour,
		WarningWithin:      12 * time.Hour,
		LowBatteryPct:      20,
		OfflineAlertAfter:  12 * time.Hour,
		RebootAlertCount:   5,
		FailureBurstCount:  5,
		FailureBurstWindow: 30 * time.Second,
		ActivityWindow:     24 * time.Hour,
	}
}

// AggregationEngine computes derived read models over the live
// partitions. Every method takes "now" explicitly so a view is a pure
// function of partition contents and the clock, and each computation
// works from a partition-list snapshot taken up front so a concurrent
// drop cannot surface a half-removed partition.
type AggregationEngine struct {
	catalog    store.PartitionCatalog
	logs       store.LogStore
	status     store.StatusStore
	devices    store.DeviceStore
	thresholds Thresholds
}

func NewAggregationEngine(
	catalog store.PartitionCatalog,
	logs store.LogStore,
	status store.StatusStore,
	devices store.DeviceStore,
	thresholds Thresholds,
) *AggregationEngine {
	return &AggregationEngine{
		catalog:    catalog,
		logs:       logs,
		status:     status,
		devices:    devices,
		thresholds: thresholds,
	}
}

// Compute dispatches the named parameterless view. Used by the cache
// mirror so warm-path and miss-path refreshes share one code path.
func (e *AggregationEngine) Compute(ctx context.Context, view string, now time.Time) (any, error) {
	switch view {
	case types.ViewOverview:
		return e.Overview(ctx, now)
	case types.ViewFleetHealth:
		return e.FleetHealth(ctx, now)
	case types.ViewAlerts:
		return e.Alerts(ctx, now)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownView, view)
	}
}

func (e *AggregationEngine) Overview(ctx context.Context, now time.Time) (types.OverviewView, error) {
	now = now.UTC()

	fleet, battery, err := e.fleetCounters(ctx, now, "")
	if err != nil {
		return types.OverviewView{}, err
	}

	parts, err := e.catalog.List(ctx, store.StoreAccessLogs)
	if err != nil {
		return types.OverviewView{}, fmt.Errorf("partition snapshot: %w", err)
	}

	since := now.Add(-e.thresholds.ActivityWindow)
	rollups, err := e.logs.ActivitySince(ctx, parts, since, now)
	if err != nil {
		return types.OverviewView{}, fmt.Errorf("activity rollup: %w", err)
	}

	var activity types.ActivitySummary
	for _, r := range rollups {
		activity.TotalAttempts += r.Attempts
		activity.SuccessfulAttempts += r.Granted
		activity.FailedAttempts += r.Denied
		activity.UniqueCards += r.UniqueCards
	}
	activity.ActiveDevices = len(rollups)
	if activity.TotalAttempts > 0 {
		activity.SuccessRate = round1(float64(activity.SuccessfulAttempts) / float64(activity.TotalAttempts) * 100)
	}

	alerts, err := e.Alerts(ctx, now)
	if err != nil {
		return types.OverviewView{}, err
	}

	return types.OverviewView{
		Fleet:      fleet,
		Battery:    battery,
		Activity:   activity,
		AlertCount: alerts.TotalAlerts,
	}, nil
}

func (e *AggregationEngine) FleetHealth(ctx context.Context, now time.Time) (types.FleetHealthView, error) {
	now = now.UTC()

	devices, err := e.devices.List(ctx)
	if err != nil {
		return types.FleetHealthView{}, fmt.Errorf("list devices: %w", err)
	}
	statuses, err := e.statusMap(ctx)
	if err != nil {
		return types.FleetHealthView{}, err
	}

	byLocation := make(map[string]*types.LocationHealth)
	batterySum := make(map[string]int)
	batteryN := make(map[string]int)

	for _, d := range devices {
		if !d.Active {
			continue
		}
		loc := d.Location
		lh := byLocation[loc]
		if lh == nil {
			lh = &types.LocationHealth{Location: loc, MinBattery: 101}
			byLocation[loc] = lh
		}
		lh.TotalDevices++

		st, ok := statuses[d.DeviceID]
		switch e.connectivity(st.LastSync, ok, now) {
		case "online":
			lh.OnlineDevices++
		case "warning":
			lh.WarningDevices++
		default:
			lh.OfflineDevices++
		}

		if ok && st.BatteryPercentage != nil {
			b := *st.BatteryPercentage
			batterySum[loc] += b
			batteryN[loc]++
			if b < lh.MinBattery {
				lh.MinBattery = b
			}
			if b < e.thresholds.LowBatteryPct {
				lh.LowBatteryDevices++
			}
		}
	}

	view := types.FleetHealthView{Locations: []types.LocationHealth{}}
	for loc, lh := range byLocation {
		if n := batteryN[loc]; n > 0 {
			lh.AvgBattery = round1(float64(batterySum[loc]) / float64(n))
		} else {
			lh.MinBattery = 0
		}
		if lh.TotalDevices > 0 {
			lh.OnlinePercentage = round1(float64(lh.OnlineDevices) / float64(lh.TotalDevices) * 100)
		}
		lh.HealthStatus = "warning"
		if lh.OnlineDevices == lh.TotalDevices {
			lh.HealthStatus = "good"
		}
		view.Locations = append(view.Locations, *lh)
	}
	sort.Slice(view.Locations, func(i, j int) bool { return view.Locations[i].Location < view.Locations[j].Location })

	view.TotalLocations = len(view.Locations)
	for _, lh := range view.Locations {
		if lh.HealthStatus == "good" {
			view.HealthyLocations++
		} else {
			view.WarningLocations++
		}
	}
	return view, nil
}

// RecentActivity returns per-device rollups over the trailing window.
// An unknown device or an empty window yields an empty view, never an
// error.
func (e *AggregationEngine) RecentActivity(ctx context.Context, now time.Time, window time.Duration) (types.RecentActivityView, error) {
	now = now.UTC()
	if window <= 0 {
		window = e.thresholds.ActivityWindow
	}

	parts, err := e.catalog.List(ctx, store.StoreAccessLogs)
	if err != nil {
		return types.RecentActivityView{}, fmt.Errorf("partition snapshot: %w", err)
	}

	rollups, err := e.logs.ActivitySince(ctx, parts, now.Add(-window), now)
	if err != nil {
		return types.RecentActivityView{}, fmt.Errorf("activity rollup: %w", err)
	}

	view := types.RecentActivityView{
		Devices:     []types.DeviceActivity{},
		PeriodHours: int(window.Hours()),
	}
	for _, r := range rollups {
		loc, err := e.devices.Location(ctx, r.DeviceID)
		if err != nil {
			return types.RecentActivityView{}, fmt.Errorf("device location: %w", err)
		}
		view.Devices = append(view.Devices, types.DeviceActivity{
			DeviceID:    r.DeviceID,
			Location:    loc,
			Attempts:    r.Attempts,
			Granted:     r.Granted,
			Denied:      r.Denied,
			UniqueCards: r.UniqueCards,
			LastAttempt: r.LastAttempt,
		})
	}
	return view, nil
}

// Alerts unions the alert conditions over device status and the
// trailing access-log window: low battery, offline, failed update,
// excessive reboots, and denied-access bursts. Errors sort before
// warnings, newest first within a severity.
func (e *AggregationEngine) Alerts(ctx context.Context, now time.Time) (types.AlertsView, error) {
	now = now.UTC()
	var alerts []types.Alert

	devices, err := e.devices.List(ctx)
	if err != nil {
		return types.AlertsView{}, fmt.Errorf("list devices: %w", err)
	}
	statuses, err := e.statusMap(ctx)
	if err != nil {
		return types.AlertsView{}, err
	}

	for _, d := range devices {
		if !d.Active {
			continue
		}
		st, ok := statuses[d.DeviceID]

		if !ok || st.LastSync == nil || now.Sub(*st.LastSync) > e.thresholds.OfflineAlertAfter {
			at := now
			if ok && st.LastSync != nil {
				at = *st.LastSync
			}
			alerts = append(alerts, types.Alert{
				Type:      types.AlertOffline,
				Severity:  types.SeverityError,
				DeviceID:  d.DeviceID,
				Message:   fmt.Sprintf("device %s has not synced within %s", d.DeviceID, e.thresholds.OfflineAlertAfter),
				AlertTime: at,
			})
		}
		if !ok {
			continue
		}

		if st.BatteryPercentage != nil && *st.BatteryPercentage < e.thresholds.LowBatteryPct {
			alerts = append(alerts, types.Alert{
				Type:      types.AlertLowBattery,
				Severity:  types.SeverityWarning,
				DeviceID:  d.DeviceID,
				Message:   fmt.Sprintf("battery at %d%% (threshold %d%%)", *st.BatteryPercentage, e.thresholds.LowBatteryPct),
				AlertTime: st.UpdatedAt,
			})
		}
		if st.UpdateStatus == "failed" {
			alerts = append(alerts, types.Alert{
				Type:      types.AlertUpdateFailed,
				Severity:  types.SeverityError,
				DeviceID:  d.DeviceID,
				Message:   fmt.Sprintf("firmware update failed on %s", d.DeviceID),
				AlertTime: st.UpdatedAt,
			})
		}
		if st.BootCount >= e.thresholds.RebootAlertCount {
			alerts = append(alerts, types.Alert{
				Type:      types.AlertExcessiveReboots,
				Severity:  types.SeverityWarning,
				DeviceID:  d.DeviceID,
				Message:   fmt.Sprintf("%d reboots since last sync window", st.BootCount),
				AlertTime: st.UpdatedAt,
			})
		}
	}

	burst, err := e.failureBursts(ctx, now)
	if err != nil {
		return types.AlertsView{}, err
	}
	alerts = append(alerts, burst...)

	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].Severity != alerts[j].Severity {
			return severityRank(alerts[i].Severity) < severityRank(alerts[j].Severity)
		}
		return alerts[i].AlertTime.After(alerts[j].AlertTime)
	})

	view := types.AlertsView{Alerts: alerts, TotalAlerts: len(alerts)}
	if view.Alerts == nil {
		view.Alerts = []types.Alert{}
	}
	for _, a := range alerts {
		switch a.Severity {
		case types.SeverityError:
			view.ErrorCount++
		case types.SeverityWarning:
			view.WarningCount++
		default:
			view.InfoCount++
		}
	}
	return view, nil
}

// failureBursts detects repeated denials of one card inside a short
// window — a distinct signal from an isolated denial.
func (e *AggregationEngine) failureBursts(ctx context.Context, now time.Time) ([]types.Alert, error) {
	parts, err := e.catalog.List(ctx, store.StoreAccessLogs)
	if err != nil {
		return nil, fmt.Errorf("partition snapshot: %w", err)
	}

	denied, err := e.logs.DeniedSince(ctx, parts, now.Add(-e.thresholds.ActivityWindow), now)
	if err != nil {
		return nil, fmt.Errorf("denied attempts: %w", err)
	}

	n := e.thresholds.FailureBurstCount
	if n <= 1 {
		return nil, nil
	}

	var alerts []types.Alert
	// denied is sorted by card then time; slide a window per card.
	for i := 0; i+n-1 < len(denied); i++ {
		first, last := denied[i], denied[i+n-1]
		if first.CardUID != last.CardUID {
			continue
		}
		if last.Timestamp.Sub(first.Timestamp) <= e.thresholds.FailureBurstWindow {
			alerts = append(alerts, types.Alert{
				Type:      types.AlertFrequentFailures,
				Severity:  types.SeverityError,
				DeviceID:  last.DeviceID,
				Message:   fmt.Sprintf("card %s denied %d times within %s", first.CardUID, n, e.thresholds.FailureBurstWindow),
				AlertTime: last.Timestamp,
			})
			// One alert per card: skip the remainder of this card's run.
			for i+1 < len(denied) && denied[i+1].CardUID == first.CardUID {
				i++
			}
		}
	}
	return alerts, nil
}

// DeviceStatuses builds the per-device snapshot views served to the
// dashboard and warmed into the cache.
func (e *AggregationEngine) DeviceStatuses(ctx context.Context, now time.Time) ([]types.DeviceStatusView, error) {
	now = now.UTC()

	statuses, err := e.status.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}

	out := make([]types.DeviceStatusView, 0, len(statuses))
	for _, st := range statuses {
		loc, err := e.devices.Location(ctx, st.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("device location: %w", err)
		}
		out = append(out, types.DeviceStatusView{
			DeviceID:          st.DeviceID,
			Location:          loc,
			DoorStatus:        st.DoorStatus,
			RFIDEnabled:       st.RFIDEnabled,
			BatteryPercentage: st.BatteryPercentage,
			UpdateStatus:      st.UpdateStatus,
			Connectivity:      e.connectivity(st.LastSync, true, now),
			LastSync:          st.LastSync,
			TotalAccessCount:  st.TotalAccessCount,
		})
	}
	return out, nil
}

// DeviceStatus returns one device's snapshot view. A device with no
// snapshot yields (zero, false, nil): empty result, not an error.
func (e *AggregationEngine) DeviceStatus(ctx context.Context, deviceID string, now time.Time) (types.DeviceStatusView, bool, error) {
	st, ok, err := e.status.Get(ctx, deviceID)
	if err != nil || !ok {
		return types.DeviceStatusView{}, false, err
	}
	loc, err := e.devices.Location(ctx, deviceID)
	if err != nil {
		return types.DeviceStatusView{}, false, fmt.Errorf("device location: %w", err)
	}
	return types.DeviceStatusView{
		DeviceID:          st.DeviceID,
		Location:          loc,
		DoorStatus:        st.DoorStatus,
		RFIDEnabled:       st.RFIDEnabled,
		BatteryPercentage: st.BatteryPercentage,
		UpdateStatus:      st.UpdateStatus,
		Connectivity:      e.connectivity(st.LastSync, true, now.UTC()),
		LastSync:          st.LastSync,
		TotalAccessCount:  st.TotalAccessCount,
	}, true, nil
}

func (e *AggregationEngine) fleetCounters(ctx context.Context, now time.Time, location string) (types.FleetStatus, types.BatteryStatus, error) {
	devices, err := e.devices.List(ctx)
	if err != nil {
		return types.FleetStatus{}, types.BatteryStatus{}, fmt.Errorf("list devices: %w", err)
	}
	statuses, err := e.statusMap(ctx)
	if err != nil {
		return types.FleetStatus{}, types.BatteryStatus{}, err
	}

	var fleet types.FleetStatus
	battery := types.BatteryStatus{MinimumBattery: 101}
	batterySum, batteryN := 0, 0

	for _, d := range devices {
		if !d.Active {
			continue
		}
		if location != "" && d.Location != location {
			continue
		}
		fleet.TotalDevices++

		st, ok := statuses[d.DeviceID]
		switch e.connectivity(st.LastSync, ok, now) {
		case "online":
			fleet.OnlineDevices++
		case "warning":
			fleet.WarningDevices++
		default:
			fleet.OfflineDevices++
		}

		if ok && st.BatteryPercentage != nil {
			b := *st.BatteryPercentage
			batterySum += b
			batteryN++
			if b < battery.MinimumBattery {
				battery.MinimumBattery = b
			}
			if b < e.thresholds.LowBatteryPct {
				battery.LowBatteryDevices++
			}
		}
	}

	if batteryN > 0 {
		battery.AverageBattery = round1(float64(batterySum) / float64(batteryN))
	} else {
		battery.MinimumBattery = 0
	}
	if fleet.TotalDevices > 0 {
		fleet.OnlinePercentage = round1(float64(fleet.OnlineDevices) / float64(fleet.TotalDevices) * 100)
	}
	return fleet, battery, nil
}

func (e *AggregationEngine) statusMap(ctx context.Context) (map[string]store.DeviceStatusRecord, error) {
	statuses, err := e.status.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	m := make(map[string]store.DeviceStatusRecord, len(statuses))
	for _, st := range statuses {
		m[st.DeviceID] = st
	}
	return m, nil
}

func (e *AggregationEngine) connectivity(lastSync *time.Time, known bool, now time.Time) string {
	if !known || lastSync == nil {
		return "offline"
	}
	age := now.Sub(*lastSync)
	switch {
	case age <= e.thresholds.OnlineWithin:
		return "online"
	case age <= e.thresholds.WarningWithin:
		return "warning"
	default:
		return "offline"
	}
}

func severityRank(s string) int {
	switch s {
	case types.SeverityError:
		return 0
	case types.SeverityWarning:
		return 1
	default:
		return 2
	}
}

func round1(f float64) float64 {
	return float64(int(f*10+0.5)) / 10
}
