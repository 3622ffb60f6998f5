package types

import (
	"encoding/json"
	"time"
)

// View names served by the aggregation engine and mirrored into the
// cache under logstore:dashboard:<name>.
const (
	ViewOverview       = "overview"
	ViewFleetHealth    = "fleet_health"
	ViewAlerts         = "alerts"
	ViewRecentActivity = "recent_activity"
)

// ViewResult wraps a computed view for collaborators. Source reports
// whether the payload came from the cache mirror or a direct compute.
type ViewResult struct {
	Name       string          `json:"name"`
	Source     string          `json:"source"` // "cache" | "database"
	ComputedAt time.Time       `json:"computed_at"`
	Data       json.RawMessage `json:"data"`
}

type FleetStatus struct {
	TotalDevices     int     `json:"total_devices"`
	OnlineDevices    int     `json:"online_devices"`
	WarningDevices   int     `json:"warning_devices"`
	OfflineDevices   int     `json:"offline_devices"`
	OnlinePercentage float64 `json:"online_percentage"`
}

type BatteryStatus struct {
	AverageBattery    float64 `json:"average_battery"`
	MinimumBattery    int     `json:"minimum_battery"`
	LowBatteryDevices int     `json:"low_battery_devices"`
}

type ActivitySummary struct {
	TotalAttempts      int64   `json:"total_access_attempts"`
	SuccessfulAttempts int64   `json:"successful_attempts"`
	FailedAttempts     int64   `json:"failed_attempts"`
	SuccessRate        float64 `json:"success_rate"`
	ActiveDevices      int     `json:"active_devices_24h"`
	UniqueCards        int64   `json:"unique_cards_24h"`
}

type OverviewView struct {
	Fleet      FleetStatus     `json:"fleet_status"`
	Battery    BatteryStatus   `json:"battery_status"`
	Activity   ActivitySummary `json:"activity_summary"`
	AlertCount int             `json:"total_alerts"`
}

type LocationHealth struct {
	Location          string  `json:"location"`
	TotalDevices      int     `json:"total_devices"`
	OnlineDevices     int     `json:"online_devices"`
	WarningDevices    int     `json:"warning_devices"`
	OfflineDevices    int     `json:"offline_devices"`
	OnlinePercentage  float64 `json:"online_percentage"`
	AvgBattery        float64 `json:"avg_battery_percentage"`
	MinBattery        int     `json:"min_battery_percentage"`
	LowBatteryDevices int     `json:"low_battery_devices"`
	HealthStatus      string  `json:"health_status"` // "good" | "warning"
}

type FleetHealthView struct {
	Locations        []LocationHealth `json:"locations"`
	TotalLocations   int              `json:"total_locations"`
	HealthyLocations int              `json:"healthy_locations"`
	WarningLocations int              `json:"warning_locations"`
}

type DeviceActivity struct {
	DeviceID    string    `json:"device_id"`
	Location    string    `json:"location,omitempty"`
	Attempts    int64     `json:"attempts"`
	Granted     int64     `json:"granted"`
	Denied      int64     `json:"denied"`
	UniqueCards int64     `json:"unique_cards"`
	LastAttempt time.Time `json:"last_attempt"`
}

type RecentActivityView struct {
	Devices     []DeviceActivity `json:"devices"`
	PeriodHours int              `json:"period_hours"`
}

// Alert severities, ordered error > warning > info.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Alert types emitted by the alert view.
const (
	AlertLowBattery       = "low_battery"
	AlertOffline          = "offline"
	AlertUpdateFailed     = "update_failed"
	AlertExcessiveReboots = "excessive_reboots"
	AlertFrequentFailures = "frequent_failures"
)

type Alert struct {
	Type      string    `json:"alert_type"`
	Severity  string    `json:"severity"`
	DeviceID  string    `json:"device_id"`
	Message   string    `json:"message"`
	AlertTime time.Time `json:"alert_time"`
}

type AlertsView struct {
	Alerts       []Alert `json:"alerts"`
	TotalAlerts  int     `json:"total_alerts"`
	ErrorCount   int     `json:"error_count"`
	WarningCount int     `json:"warning_count"`
	InfoCount    int     `json:"info_count"`
}

// DeviceStatusView is the per-device snapshot served to the dashboard,
// cached under logstore:device_status:<device_id>.
type DeviceStatusView struct {
	DeviceID          string     `json:"device_id"`
	Location          string     `json:"location,omitempty"`
	DoorStatus        string     `json:"door_status"`
	RFIDEnabled       bool       `json:"rfid_enabled"`
	BatteryPercentage *int       `json:"battery_percentage,omitempty"`
	UpdateStatus      string     `json:"update_status"`
	Connectivity      string     `json:"connectivity"` // "online" | "warning" | "offline"
	LastSync          *time.Time `json:"last_sync,omitempty"`
	TotalAccessCount  int64      `json:"total_access_count"`
}
