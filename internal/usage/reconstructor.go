package usage

import (
	"fmt"

	"github.com/waterbothq/usage-worker/internal/db"
	"github.com/waterbothq/usage-worker/internal/event"
)

// Reconstruct converts one decoded telemetry event into the ordered list of
// exact usage intervals it proves, applying the device's per-pulse volume
// calibration.
//
// Pulses the firmware timestamped individually become zero-duration
// intervals. Any discrepancy between the reported pulse count and the
// decoded timestamps (history lost at the start of the period, or a meter
// correction) becomes a single synthetic interval spanning the untimestamped
// stretch, so the summed usage_meter_units always equals the reported count.
//
// Returns no intervals for a heartbeat (zero usage) or when the device
// reports previous_meter_reading == 0: that is the reinitialization
// sentinel, and the reported usage cannot be trusted.
func Reconstruct(info db.DeviceSiteInfo, ev event.WaterbotEvent) []db.UsageInterval {
	if ev.PreviousMeterReading == 0 {
		return nil
	}

	pulseDeltas := ev.PulseTimestampDeltas
	timeStart := ev.TimeOfReading - ev.ReadingPeriodSec
	meterReading := ev.CurrentMeterReading - int64(len(pulseDeltas))

	var intervals []db.UsageInterval

	missingPulses := ev.ReportedUsagePulses - int64(len(pulseDeltas))
	if missingPulses != 0 {
		// Individual timestamps lost at the beginning of the period,
		// or a meter correction (positive or negative).
		timeEnd := ev.TimeOfReading
		if len(pulseDeltas) > 0 {
			timeEnd = timeStart + pulseDeltas[0]
		}
		intervals = append(intervals, db.UsageInterval{
			InsertID:        bulkInsertID(info.DeviceID, ev),
			SiteID:          info.SiteID,
			TimeStart:       timeStart,
			TimeEnd:         timeEnd,
			UsageLiters:     float64(missingPulses) * info.LitersPerMeterPulse,
			UsageMeterUnits: missingPulses,
			MeterReading:    meterReading,
		})
	}

	// Pulse timestamps are delta encoded: each offset counts from the
	// previous pulse (or the period start). Walk them forward so the
	// running meter reading stays consistent.
	for pulseIndex, delta := range pulseDeltas {
		timeStart += delta
		meterReading++
		intervals = append(intervals, db.UsageInterval{
			InsertID:        pulseInsertID(info.DeviceID, ev, pulseIndex),
			SiteID:          info.SiteID,
			TimeStart:       timeStart,
			TimeEnd:         timeStart, // single pulse occupies 0 time
			UsageLiters:     info.LitersPerMeterPulse,
			UsageMeterUnits: 1,
			MeterReading:    meterReading,
		})
	}

	return intervals
}

// bulkInsertID is the idempotency key for the synthetic interval of an
// event. Re-delivery of the same event produces the same key.
func bulkInsertID(deviceID string, ev event.WaterbotEvent) string {
	return fmt.Sprintf("%s:%d:%d", deviceID, ev.TimeOfReading, ev.Sequence)
}

// pulseInsertID suffixes the event key with the pulse's zero-based index.
func pulseInsertID(deviceID string, ev event.WaterbotEvent, pulseIndex int) string {
	return fmt.Sprintf("%s:%d:%d:%d", deviceID, ev.TimeOfReading, ev.Sequence, pulseIndex)
}
