package types

// SyncUpload is one device sync: a current-status snapshot plus the
// access attempts buffered on the device since its last sync.
type SyncUpload struct {
	DeviceID         string           `json:"device_id" validate:"required,device_id"`
	Location         string           `json:"location,omitempty"`
	SessionID        string           `json:"session_id,omitempty" validate:"omitempty,uuid4"`
	Status           CurrentStatus    `json:"current_status" validate:"required"`
	AccessLogs       []AccessLogEntry `json:"access_logs"`
	SpamDetected     bool             `json:"spam_detected"`
	TotalAccessCount int64            `json:"total_access_count" validate:"gte=0"`
	Timestamp        string           `json:"timestamp,omitempty"` // optional device clock, RFC 3339
}

type CurrentStatus struct {
	DoorStatus        string `json:"door_status" validate:"required,oneof=locked unlocked locking unlocking"`
	RFIDEnabled       bool   `json:"rfid_enabled"`
	BatteryPercentage *int   `json:"battery_percentage,omitempty" validate:"omitempty,gte=0,lte=100"`
	UptimeSeconds     *int64 `json:"uptime_s,omitempty" validate:"omitempty,gte=0"`
	WifiRSSI          *int   `json:"wifi_rssi,omitempty" validate:"omitempty,gte=-100,lte=0"`
	FreeHeapBytes     *int64 `json:"free_heap_bytes,omitempty" validate:"omitempty,gte=0"`
	BootCount         int64  `json:"boot_count" validate:"gte=0"`
	UpdateStatus      string `json:"update_status,omitempty" validate:"omitempty,oneof=idle in_progress success failed"`
}

type AccessLogEntry struct {
	CardUID       string `json:"card_uid" validate:"required,hexadecimal,min=8,max=20"`
	AccessGranted bool   `json:"access_granted"`
	AccessType    string `json:"access_type,omitempty" validate:"omitempty,oneof=rfid pin remote"`
	UserName      string `json:"user_name,omitempty"`
	Timestamp     string `json:"timestamp" validate:"required"` // RFC 3339
}

// SystemLogUpload is a single diagnostic record from a device.
type SystemLogUpload struct {
	DeviceID  string `json:"device_id" validate:"required,device_id"`
	Level     string `json:"log_level" validate:"required,oneof=debug info warning error critical"`
	Component string `json:"component,omitempty"`
	Details   string `json:"details" validate:"required"`
	Timestamp string `json:"timestamp,omitempty"` // RFC 3339, defaults to receive time
}

// RejectedRecord identifies one entry of a batch that failed
// validation or storage, with a classification reason.
type RejectedRecord struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

type SyncResult struct {
	OK           bool             `json:"ok"`
	DeviceID     string           `json:"device_id"`
	DeviceActive bool             `json:"device_active"`
	SessionID    string           `json:"session_id,omitempty"`
	Accepted     int              `json:"accepted"`
	Rejected     []RejectedRecord `json:"rejected,omitempty"`
	ServerTime   string           `json:"server_time"`
}

type AppendResult struct {
	OK         bool   `json:"ok"`
	Committed  bool   `json:"committed"`
	Reason     string `json:"reason,omitempty"`
	ServerTime string `json:"server_time"`
}
