package db

// DeviceSiteInfo is a row of the device_site_info table: static calibration
// mapping a device to its owning site. Read-only at runtime; rows are
// written by external provisioning.
type DeviceSiteInfo struct {
	DeviceID            string
	SiteID              string
	LitersPerMeterPulse float64
}

// UsageInterval is a row of the usage_data table: an exact, time-bounded
// quantity of water attributed to a site. Times are device-clock epoch
// seconds; TimeEnd == TimeStart for a single zero-duration pulse.
type UsageInterval struct {
	InsertID        string
	SiteID          string
	TimeStart       int64
	TimeEnd         int64
	UsageLiters     float64
	UsageMeterUnits int64
	MeterReading    int64
}

// Duration returns the interval's span in seconds. Zero for a single pulse.
func (u UsageInterval) Duration() int64 {
	return u.TimeEnd - u.TimeStart
}

// DeviceHealthRecord is a row of the device_data table: one diagnostics
// snapshot per telemetry event. Append-only, never updated.
type DeviceHealthRecord struct {
	InsertID          string
	SiteID            string
	DeviceID          string
	TimeGenerated     int64
	TimeSent          int64
	TimeReceived      int64
	Sequence          int64
	MeterReading      int64
	BatteryPct        *float64
	BatteryV          *float64
	WifiStrengthPct   *float64
	WifiQualityPct    *float64
	WifiSignalDBM     *float64
	WifiSNRDB         *float64
	NetworkRetryCount int64
	FirmwareVersion   string
}
