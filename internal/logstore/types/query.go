package types

import (
	"encoding/json"
	"time"
)

// AccessLogRow is one retained access record as returned by the query
// endpoint.
type AccessLogRow struct {
	DeviceID      string    `json:"device_id"`
	CardUID       string    `json:"card_uid"`
	AccessGranted bool      `json:"access_granted"`
	AccessType    string    `json:"access_type"`
	UserName      string    `json:"user_name,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	SessionID     string    `json:"session_id,omitempty"`
}

type QueryLogsResult struct {
	Logs  []AccessLogRow `json:"logs"`
	Count int            `json:"count"`
}

// MaintenanceRunResult reports one completed maintenance cycle to the
// caller that triggered it.
type MaintenanceRunResult struct {
	OK         bool            `json:"ok"`
	RunID      string          `json:"run_id"`
	Summary    json.RawMessage `json:"summary"`
	ExecutedAt time.Time       `json:"executed_at"`
}
