package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config is the full server configuration, loaded from LOGSTORE_*
// environment variables over the defaults.
type Config struct {
	Env      string `koanf:"env" validate:"oneof=dev prod"`
	HTTPAddr string `koanf:"http_addr" validate:"required"`
	DBPath   string `koanf:"db_path" validate:"required"`

	// Partition lifecycle.
	RetentionMonths      int `koanf:"retention_months" validate:"gte=1"`
	LookaheadMonths      int `koanf:"lookahead_months" validate:"gte=0"`
	HashBuckets          int `koanf:"hash_buckets" validate:"gte=1,lte=256"`
	MaintenanceIntervalH int `koanf:"maintenance_interval_hours" validate:"gte=1"`

	// Cache mirror.
	DashboardTTLSeconds    int `koanf:"dashboard_ttl_seconds" validate:"gte=1"`
	DeviceStatusTTLSeconds int `koanf:"device_status_ttl_seconds" validate:"gte=1"`
	CacheWarmSeconds       int `koanf:"cache_warm_seconds" validate:"gte=1"`

	// Fleet health thresholds.
	OnlineWithinMinutes  int `koanf:"online_within_minutes" validate:"gte=1"`
	WarningWithinMinutes int `koanf:"warning_within_minutes" validate:"gte=1"`
	LowBatteryPct        int `koanf:"low_battery_pct" validate:"gte=0,lte=100"`

	// Devices seeded as active in dev, "id@location" entries.
	SeedDevices []string `koanf:"seed_devices"`
}

func Default() Config {
	return Config{
		Env:      "dev",
		HTTPAddr: ":8080",
		DBPath:   "./data/logstore.db",

		RetentionMonths:      12,
		LookaheadMonths:      6,
		HashBuckets:          8,
		MaintenanceIntervalH: 24,

		DashboardTTLSeconds:    300,
		DeviceStatusTTLSeconds: 3600,
		CacheWarmSeconds:       60,

		OnlineWithinMinutes:  120,
		WarningWithinMinutes: 720,
		LowBatteryPct:        20,
	}
}

// Load reads LOGSTORE_* environment variables over the defaults and
// validates the result.
func Load() (Config, error) {
	cfg := Default()

	k := koanf.New(".")
	if err := k.Load(env.Provider("LOGSTORE_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "LOGSTORE_"))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.WarningWithinMinutes < cfg.OnlineWithinMinutes {
		return Config{}, fmt.Errorf("invalid config: warning_within_minutes (%d) below online_within_minutes (%d)",
			cfg.WarningWithinMinutes, cfg.OnlineWithinMinutes)
	}

	return cfg, nil
}
