package report

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/waterbothq/usage-worker/internal/clock"
	"github.com/waterbothq/usage-worker/internal/db"
	"github.com/waterbothq/usage-worker/internal/logging"
	"go.uber.org/zap"
)

// UsageStore is the read-only durable-store surface the report service
// queries.
type UsageStore interface {
	UsageIntervalsForSite(ctx context.Context, siteID string, start, end time.Time) ([]db.UsageInterval, error)
	DeviceHealthForSite(ctx context.Context, siteID string, start, end time.Time) ([]db.DeviceHealthRecord, error)
}

// Service serves aggregated usage reports over HTTP. Stateless per
// request; concurrent requests are fully independent.
type Service struct {
	store         UsageStore
	clock         clock.Clock
	location      *time.Location
	decimalPlaces int
	logger        *zap.Logger
}

// NewService creates a new report service
func NewService(store UsageStore, clk clock.Clock, timezone string, decimalPlaces int, logger *zap.Logger) (*Service, error) {
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load report timezone %q: %w", timezone, err)
	}
	return &Service{
		store:         store,
		clock:         clk,
		location:      location,
		decimalPlaces: decimalPlaces,
		logger:        logger,
	}, nil
}

type errorBody struct {
	Error string `json:"error"`
}

type reportResponse struct {
	Data        interface{} `json:"data"`
	GeneratedAt string      `json:"generated_at"`
	Timestamp   int64       `json:"timestamp"`
}

// periodRow is the wire shape of one aggregated period.
type periodRow struct {
	Label             string  `json:"label"`
	PeriodStart       string  `json:"period_start"`
	PeriodEnd         string  `json:"period_end"`
	UsageLiters       float64 `json:"usage_liters"`
	UsageExact        bool    `json:"usage_exact"`
	MeterReading      *int64  `json:"meter_reading"`
	MeterReadingExact bool    `json:"meter_reading_exact"`
}

// deviceRow is the wire shape of one device diagnostics record.
type deviceRow struct {
	Label             string   `json:"label"`
	DeviceID          string   `json:"device_id"`
	Sequence          int64    `json:"sequence"`
	MeterReading      int64    `json:"meter_reading"`
	BatteryPct        *float64 `json:"battery_pct"`
	BatteryV          *float64 `json:"battery_v"`
	WifiSignalDBM     *float64 `json:"wifi_signal_dbm"`
	WifiSNRDB         *float64 `json:"wifi_snr_db"`
	WifiStrengthPct   *float64 `json:"wifi_strength_pct"`
	WifiQualityPct    *float64 `json:"wifi_quality_pct"`
	NetworkRetryCount int64    `json:"network_retry_count"`
	FirmwareVersion   string   `json:"firmware_version"`
	PublishDelaySec   int64    `json:"publish_delay_sec"`
	DeliveryDelaySec  int64    `json:"delivery_delay_sec"`
}

// ServeHTTP handles a report request. Every code path terminates the
// response exactly once; query failures surface as a logged 400, never a
// crash.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Method != http.MethodOptions {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	query := r.URL.Query()
	siteID := firstParam(query, "site_id")
	if siteID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "Param 'site_id' is required"})
		return
	}

	reportType := strings.ToLower(firstParam(query, "type"))
	if reportType == "" {
		reportType = "daily"
	}
	def, ok := Definitions[reportType]
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "Unknown 'type'"})
		return
	}

	reqLogger := logging.WithRequestID(s.logger, uuid.NewString())
	now := s.clock.Now().In(s.location)
	start, end := def.Window(now)

	reqLogger.Info("starting report query",
		zap.String("type", def.Type),
		zap.String("site_id", siteID),
		zap.Time("window_start", start),
		zap.Time("window_end", end),
	)

	data, err := s.reportData(r.Context(), def, siteID, start, end)
	if err != nil {
		reqLogger.Error("report query failed",
			zap.Error(err),
			zap.String("type", def.Type),
			zap.String("site_id", siteID),
		)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", def.CacheSeconds))
	writeJSON(w, http.StatusOK, reportResponse{
		Data:        data,
		GeneratedAt: now.Format("2006-01-02T15:04:05.000-07:00"),
		Timestamp:   now.UnixMilli(),
	})
}

func (s *Service) reportData(ctx context.Context, def Definition, siteID string, start, end time.Time) (interface{}, error) {
	if def.Type == "device" {
		records, err := s.store.DeviceHealthForSite(ctx, siteID, start, end)
		if err != nil {
			return nil, err
		}
		return s.deviceRows(records), nil
	}

	intervals, err := s.store.UsageIntervalsForSite(ctx, siteID, start, end)
	if err != nil {
		return nil, err
	}
	spans := Periods(start, end, def.Step)
	return s.periodRows(Aggregate(intervals, spans, def.LabelLayout, s.decimalPlaces)), nil
}

func (s *Service) periodRows(periods []Period) []periodRow {
	rows := make([]periodRow, 0, len(periods))
	for _, p := range periods {
		rows = append(rows, periodRow{
			Label:             p.Label,
			PeriodStart:       p.Start.UTC().Format(time.RFC3339),
			PeriodEnd:         p.End.UTC().Format(time.RFC3339),
			UsageLiters:       p.UsageLiters,
			UsageExact:        p.UsageExact,
			MeterReading:      p.MeterReading,
			MeterReadingExact: p.MeterReadingExact,
		})
	}
	return rows
}

func (s *Service) deviceRows(records []db.DeviceHealthRecord) []deviceRow {
	rows := make([]deviceRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, deviceRow{
			Label:             time.Unix(rec.TimeGenerated, 0).In(s.location).Format(timestampLayout),
			DeviceID:          rec.DeviceID,
			Sequence:          rec.Sequence,
			MeterReading:      rec.MeterReading,
			BatteryPct:        rec.BatteryPct,
			BatteryV:          rec.BatteryV,
			WifiSignalDBM:     rec.WifiSignalDBM,
			WifiSNRDB:         rec.WifiSNRDB,
			WifiStrengthPct:   rec.WifiStrengthPct,
			WifiQualityPct:    rec.WifiQualityPct,
			NetworkRetryCount: rec.NetworkRetryCount,
			FirmwareVersion:   rec.FirmwareVersion,
			PublishDelaySec:   rec.TimeSent - rec.TimeGenerated,
			DeliveryDelaySec:  rec.TimeReceived - rec.TimeSent,
		})
	}
	return rows
}

// firstParam resolves duplicate query parameters to the first occurrence.
func firstParam(query url.Values, key string) string {
	values := query[key]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
