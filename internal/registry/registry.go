package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/waterbothq/usage-worker/internal/db"
	"go.uber.org/zap"
)

// ErrUnknownDevice is returned when no site mapping exists for a device.
// Expected during provisioning races; callers treat it as a soft failure.
var ErrUnknownDevice = errors.New("unknown device")

// Registry looks up the static site mapping and calibration for a device.
type Registry struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRegistry creates a new device site registry
func NewRegistry(pool *pgxpool.Pool, logger *zap.Logger) *Registry {
	return &Registry{pool: pool, logger: logger}
}

// LookupDevice returns the site info for a device. A device maps to exactly
// one site; if provisioning left multiple rows, the most recently created
// row wins and a warning is logged — ambiguity is a data-quality problem,
// not a crash.
func (r *Registry) LookupDevice(ctx context.Context, deviceID string) (*db.DeviceSiteInfo, error) {
	query := `
		SELECT device_id, site_id, liters_per_meter_pulse
		FROM device_site_info
		WHERE device_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query device site info: %w", err)
	}
	defer rows.Close()

	var infos []db.DeviceSiteInfo
	for rows.Next() {
		var info db.DeviceSiteInfo
		if err := rows.Scan(&info.DeviceID, &info.SiteID, &info.LitersPerMeterPulse); err != nil {
			return nil, fmt.Errorf("failed to scan device site info: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if len(infos) > 1 {
		r.logger.Warn("duplicate device id in registry, using most recently provisioned row",
			zap.String("device_id", deviceID),
			zap.Int("rows", len(infos)),
			zap.String("site_id", infos[0].SiteID),
		)
	}

	return &infos[0], nil
}
