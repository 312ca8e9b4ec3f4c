package health

import (
	"fmt"
	"time"

	"github.com/waterbothq/usage-worker/internal/db"
	"github.com/waterbothq/usage-worker/internal/event"
)

// Extract builds the single device-diagnostics record for one telemetry
// event. receivedAt is the ingestion-time wall clock, supplied by the
// caller so tests can pin it.
func Extract(info db.DeviceSiteInfo, ev event.WaterbotEvent, receivedAt time.Time) db.DeviceHealthRecord {
	timeGenerated := ev.TimeOfReading
	timeSent := ev.TimeSent
	if timeGenerated == 0 {
		// Empty or clockless event: fall back to the server receive time
		// so the record still lands in the right part of the series.
		timeGenerated = receivedAt.Unix()
		timeSent = timeGenerated
	}

	return db.DeviceHealthRecord{
		InsertID:          fmt.Sprintf("%s:%d:%d", info.DeviceID, timeGenerated, ev.Sequence),
		SiteID:            info.SiteID,
		DeviceID:          info.DeviceID,
		TimeGenerated:     timeGenerated,
		TimeSent:          timeSent,
		TimeReceived:      receivedAt.Unix(),
		Sequence:          ev.Sequence,
		MeterReading:      ev.CurrentMeterReading,
		BatteryPct:        ev.BatteryPct,
		BatteryV:          ev.BatteryV,
		WifiStrengthPct:   ev.WifiStrengthPct,
		WifiQualityPct:    ev.WifiQualityPct,
		WifiSignalDBM:     ev.WifiSignalDBM,
		WifiSNRDB:         ev.WifiSNRDB,
		NetworkRetryCount: ev.NetworkRetryCount,
		FirmwareVersion:   ev.FirmwareVersion,
	}
}
