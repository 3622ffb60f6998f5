package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type SeedDevOptions struct {
	// Devices to pre-register as active in dev, e.g. "doorlock_otista_1@otista".
	// The part after '@' is the location; it defaults to "dev" when omitted.
	Devices []string
}

func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	now := time.Now().UTC().UnixMilli()

	for _, d := range opt.Devices {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		id, loc := d, "dev"
		if i := strings.IndexByte(d, '@'); i > 0 {
			id, loc = d[:i], d[i+1:]
		}

		if _, err := db.ExecContext(ctx, `
INSERT INTO devices(device_id, device_name, location, is_active, created_at_ms)
VALUES (?, ?, ?, 1, ?)
ON CONFLICT(device_id) DO UPDATE SET
  location = excluded.location,
  is_active = 1;
`, id, id, loc, now); err != nil {
			return fmt.Errorf("seed device %s: %w", id, err)
		}
	}

	return nil
}
