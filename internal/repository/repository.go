package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/waterbothq/usage-worker/internal/db"
)

// RowError is the failure of a single row within a batch insert.
type RowError struct {
	Index    int
	InsertID string
	Err      error
}

// PartialInsertError reports a batch insert where some rows landed and
// others failed. Callers log the per-row detail; the failed rows are never
// retried here — redelivery plus idempotent insert ids handles that.
type PartialInsertError struct {
	Table     string
	Attempted int
	RowErrors []RowError
}

func (e *PartialInsertError) Error() string {
	var ids []string
	for _, re := range e.RowErrors {
		ids = append(ids, re.InsertID)
	}
	return fmt.Sprintf("partial insert failure on %s: %d of %d rows failed (%s)",
		e.Table, len(e.RowErrors), e.Attempted, strings.Join(ids, ", "))
}

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const insertHealthSQL = `
	INSERT INTO device_data (
		insert_id, site_id, device_id,
		time_generated, time_sent, time_received, sequence, meter_reading,
		battery_pct, battery_v, wifi_strength_pct, wifi_quality_pct,
		wifi_signal_dbm, wifi_snr_db, network_retry_count, firmware_version
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (insert_id) DO NOTHING
`

// InsertDeviceHealth inserts one device diagnostics record. Re-inserting
// the same insert_id is a no-op.
func (r *Repository) InsertDeviceHealth(ctx context.Context, rec db.DeviceHealthRecord) error {
	_, err := r.pool.Exec(ctx, insertHealthSQL,
		rec.InsertID,
		rec.SiteID,
		rec.DeviceID,
		rec.TimeGenerated,
		rec.TimeSent,
		rec.TimeReceived,
		rec.Sequence,
		rec.MeterReading,
		rec.BatteryPct,
		rec.BatteryV,
		rec.WifiStrengthPct,
		rec.WifiQualityPct,
		rec.WifiSignalDBM,
		rec.WifiSNRDB,
		rec.NetworkRetryCount,
		rec.FirmwareVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to insert device health record: %w", err)
	}
	return nil
}

const insertUsageSQL = `
	INSERT INTO usage_data (
		insert_id, site_id, time_start, time_end,
		usage_liters, usage_meter_units, meter_reading
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (insert_id) DO NOTHING
`

// InsertUsageIntervals batch-inserts usage intervals. Rows that fail
// individually are collected into a *PartialInsertError when at least one
// row landed; a total failure is returned as a plain error.
func (r *Repository) InsertUsageIntervals(ctx context.Context, intervals []db.UsageInterval) error {
	if len(intervals) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, iv := range intervals {
		batch.Queue(insertUsageSQL,
			iv.InsertID,
			iv.SiteID,
			iv.TimeStart,
			iv.TimeEnd,
			iv.UsageLiters,
			iv.UsageMeterUnits,
			iv.MeterReading,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	var rowErrors []RowError
	for i, iv := range intervals {
		if _, err := results.Exec(); err != nil {
			rowErrors = append(rowErrors, RowError{Index: i, InsertID: iv.InsertID, Err: err})
		}
	}
	if err := results.Close(); err != nil && len(rowErrors) == 0 {
		return fmt.Errorf("failed to insert usage intervals: %w", err)
	}

	switch {
	case len(rowErrors) == 0:
		return nil
	case len(rowErrors) == len(intervals):
		return fmt.Errorf("failed to insert usage intervals (%d rows): %w", len(intervals), rowErrors[0].Err)
	default:
		return &PartialInsertError{Table: "usage_data", Attempted: len(intervals), RowErrors: rowErrors}
	}
}

// UsageIntervalsForSite returns all usage intervals for a site overlapping
// the window [start, end), ordered by time_end then insert_id.
func (r *Repository) UsageIntervalsForSite(ctx context.Context, siteID string, start, end time.Time) ([]db.UsageInterval, error) {
	query := `
		SELECT insert_id, site_id, time_start, time_end,
		       usage_liters, usage_meter_units, meter_reading
		FROM usage_data
		WHERE site_id = $1 AND time_end >= $2 AND time_start < $3
		ORDER BY time_end ASC, insert_id ASC
	`

	rows, err := r.pool.Query(ctx, query, siteID, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query usage intervals: %w", err)
	}
	defer rows.Close()

	var intervals []db.UsageInterval
	for rows.Next() {
		var iv db.UsageInterval
		if err := rows.Scan(
			&iv.InsertID,
			&iv.SiteID,
			&iv.TimeStart,
			&iv.TimeEnd,
			&iv.UsageLiters,
			&iv.UsageMeterUnits,
			&iv.MeterReading,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage interval: %w", err)
		}
		intervals = append(intervals, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return intervals, nil
}

// DeviceHealthForSite returns device diagnostics records for a site with
// time_generated inside [start, end), oldest first.
func (r *Repository) DeviceHealthForSite(ctx context.Context, siteID string, start, end time.Time) ([]db.DeviceHealthRecord, error) {
	query := `
		SELECT insert_id, site_id, device_id,
		       time_generated, time_sent, time_received, sequence, meter_reading,
		       battery_pct, battery_v, wifi_strength_pct, wifi_quality_pct,
		       wifi_signal_dbm, wifi_snr_db, network_retry_count, firmware_version
		FROM device_data
		WHERE site_id = $1 AND time_generated >= $2 AND time_generated < $3
		ORDER BY time_generated ASC, sequence ASC
	`

	rows, err := r.pool.Query(ctx, query, siteID, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query device health records: %w", err)
	}
	defer rows.Close()

	var records []db.DeviceHealthRecord
	for rows.Next() {
		var rec db.DeviceHealthRecord
		if err := rows.Scan(
			&rec.InsertID,
			&rec.SiteID,
			&rec.DeviceID,
			&rec.TimeGenerated,
			&rec.TimeSent,
			&rec.TimeReceived,
			&rec.Sequence,
			&rec.MeterReading,
			&rec.BatteryPct,
			&rec.BatteryV,
			&rec.WifiStrengthPct,
			&rec.WifiQualityPct,
			&rec.WifiSignalDBM,
			&rec.WifiSNRDB,
			&rec.NetworkRetryCount,
			&rec.FirmwareVersion,
		); err != nil {
			return nil, fmt.Errorf("failed to scan device health record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return records, nil
}
