package report_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/waterbothq/usage-worker/internal/clock"
	"github.com/waterbothq/usage-worker/internal/db"
	"github.com/waterbothq/usage-worker/internal/report"
	"go.uber.org/zap"
)

type fakeUsageStore struct {
	intervals []db.UsageInterval
	records   []db.DeviceHealthRecord
	err       error

	gotSiteID string
	gotStart  time.Time
	gotEnd    time.Time
}

func (f *fakeUsageStore) UsageIntervalsForSite(_ context.Context, siteID string, start, end time.Time) ([]db.UsageInterval, error) {
	f.gotSiteID = siteID
	f.gotStart = start
	f.gotEnd = end
	return f.intervals, f.err
}

func (f *fakeUsageStore) DeviceHealthForSite(_ context.Context, siteID string, start, end time.Time) ([]db.DeviceHealthRecord, error) {
	f.gotSiteID = siteID
	f.gotStart = start
	f.gotEnd = end
	return f.records, f.err
}

type reportResponse struct {
	Data        []map[string]interface{} `json:"data"`
	GeneratedAt string                   `json:"generated_at"`
	Timestamp   int64                    `json:"timestamp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// testNow pins "now" to 2020-02-22 14:23:45.123 in US/Pacific.
func testNow(t *testing.T) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("US/Pacific")
	if err != nil {
		t.Fatalf("Failed to load location: %v", err)
	}
	return time.Date(2020, 2, 22, 14, 23, 45, 123000000, loc)
}

func newTestService(t *testing.T, store *fakeUsageStore) *report.Service {
	t.Helper()
	service, err := report.NewService(store, clock.Fixed(testNow(t)), "US/Pacific", 5, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	return service
}

func serveReport(t *testing.T, service *report.Service, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(method, target, nil)
	service.ServeHTTP(recorder, request)
	return recorder
}

func TestReport_RequiresSiteID(t *testing.T) {
	service := newTestService(t, &fakeUsageStore{})

	recorder := serveReport(t, service, http.MethodGet, "/?type=daily")

	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d", recorder.Code)
	}
	var body errorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Error != "Param 'site_id' is required" {
		t.Errorf("Unexpected error message %q", body.Error)
	}
}

func TestReport_RejectsUnknownType(t *testing.T) {
	service := newTestService(t, &fakeUsageStore{})

	recorder := serveReport(t, service, http.MethodGet, "/?site_id=TEST_SITE&type=semiweekly")

	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d", recorder.Code)
	}
	var body errorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Error != "Unknown 'type'" {
		t.Errorf("Unexpected error message %q", body.Error)
	}
}

func TestReport_RejectsPost(t *testing.T) {
	service := newTestService(t, &fakeUsageStore{})

	recorder := serveReport(t, service, http.MethodPost, "/?site_id=TEST_SITE&type=daily")

	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("Expected 405, got %d", recorder.Code)
	}
	var body errorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Error != "Method not allowed" {
		t.Errorf("Unexpected error message %q", body.Error)
	}
}

func TestReport_SupportsCORSPreflight(t *testing.T) {
	store := &fakeUsageStore{}
	service := newTestService(t, store)

	recorder := serveReport(t, service, http.MethodOptions, "/?site_id=TEST_SITE&type=daily")

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected wildcard CORS header")
	}
	if store.gotSiteID != "" {
		t.Error("Expected no query execution for preflight")
	}
}

func TestReport_DailyIsDefaultType(t *testing.T) {
	store := &fakeUsageStore{}
	service := newTestService(t, store)

	recorder := serveReport(t, service, http.MethodGet, "/?site_id=TEST_SITE")

	if recorder.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Cache-Control"); got != "public, max-age=43200" {
		t.Errorf("Unexpected Cache-Control %q", got)
	}

	var body reportResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.GeneratedAt != "2020-02-22T14:23:45.123-08:00" {
		t.Errorf("Unexpected generated_at %q", body.GeneratedAt)
	}
	if body.Timestamp != testNow(t).UnixMilli() {
		t.Errorf("Unexpected timestamp %d", body.Timestamp)
	}
	if len(body.Data) == 0 {
		t.Fatal("Expected daily periods in response")
	}
	if body.Data[0]["label"] != "2019-02-01" {
		t.Errorf("Expected first daily label 2019-02-01, got %v", body.Data[0]["label"])
	}

	// Window: 12 months back from the start of the month, through month end.
	if store.gotStart.Format("2006-01-02") != "2019-02-01" {
		t.Errorf("Unexpected window start %v", store.gotStart)
	}
	if store.gotEnd.Format("2006-01-02") != "2020-03-01" {
		t.Errorf("Unexpected window end %v", store.gotEnd)
	}
}

func TestReport_MonthlyWindowAndCache(t *testing.T) {
	store := &fakeUsageStore{}
	service := newTestService(t, store)

	recorder := serveReport(t, service, http.MethodGet, "/?site_id=TEST_SITE&type=monthly")

	if recorder.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Cache-Control"); got != "public, max-age=86400" {
		t.Errorf("Unexpected Cache-Control %q", got)
	}

	var body reportResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if len(body.Data) != 48 { // 3 years back plus the current year
		t.Errorf("Expected 48 monthly periods, got %d", len(body.Data))
	}
	if body.Data[0]["label"] != "2017-01" {
		t.Errorf("Expected first monthly label 2017-01, got %v", body.Data[0]["label"])
	}
}

func TestReport_AggregatesStoredIntervals(t *testing.T) {
	now := testNow(t)
	dayStart := time.Date(2020, 2, 22, 0, 0, 0, 0, now.Location())
	store := &fakeUsageStore{
		intervals: []db.UsageInterval{
			{InsertID: "D:1:1:0", SiteID: "TEST_SITE",
				TimeStart: dayStart.Add(30 * time.Minute).Unix(),
				TimeEnd:   dayStart.Add(30 * time.Minute).Unix(),
				UsageLiters: 1.5, UsageMeterUnits: 1, MeterReading: 2008},
			{InsertID: "D:1:1:1", SiteID: "TEST_SITE",
				TimeStart: dayStart.Add(90 * time.Minute).Unix(),
				TimeEnd:   dayStart.Add(90 * time.Minute).Unix(),
				UsageLiters: 1.5, UsageMeterUnits: 1, MeterReading: 2009},
		},
	}
	service := newTestService(t, store)

	recorder := serveReport(t, service, http.MethodGet, "/?site_id=TEST_SITE&type=hourly")

	if recorder.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", recorder.Code)
	}

	var body reportResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}

	var total float64
	for _, row := range body.Data {
		total += row["usage_liters"].(float64)
	}
	if total != 3.0 {
		t.Errorf("Expected 3.0 liters across all periods, got %v", total)
	}
}

func TestReport_DuplicateParamsUseFirstOccurrence(t *testing.T) {
	store := &fakeUsageStore{}
	service := newTestService(t, store)

	recorder := serveReport(t, service, http.MethodGet,
		"/?site_id=TEST_SITE1&site_id=TEST_SITE2&type=monthly&type=daily")

	if recorder.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", recorder.Code)
	}
	if store.gotSiteID != "TEST_SITE1" {
		t.Errorf("Expected first site_id to win, got %q", store.gotSiteID)
	}
	if got := recorder.Header().Get("Cache-Control"); got != "public, max-age=86400" {
		t.Errorf("Expected monthly cache header, got %q", got)
	}
}

func TestReport_QueryFailureReturns400(t *testing.T) {
	store := &fakeUsageStore{err: errors.New("store unavailable")}
	service := newTestService(t, store)

	recorder := serveReport(t, service, http.MethodGet, "/?site_id=TEST_SITE&type=daily")

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", recorder.Code)
	}
	var body errorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Error != "store unavailable" {
		t.Errorf("Unexpected error message %q", body.Error)
	}
}

func TestReport_DeviceTypeReturnsDiagnostics(t *testing.T) {
	signal := -60.0
	store := &fakeUsageStore{
		records: []db.DeviceHealthRecord{
			{InsertID: "DEVICE:1582300000:5", SiteID: "TEST_SITE", DeviceID: "DEVICE",
				TimeGenerated: 1582300000, TimeSent: 1582300004, TimeReceived: 1582300006,
				Sequence: 5, MeterReading: 37255, WifiSignalDBM: &signal,
				NetworkRetryCount: 2, FirmwareVersion: "0.3.9"},
		},
	}
	service := newTestService(t, store)

	recorder := serveReport(t, service, http.MethodGet, "/?site_id=TEST_SITE&type=device")

	if recorder.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", recorder.Code)
	}

	var body reportResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if len(body.Data) != 1 {
		t.Fatalf("Expected 1 device row, got %d", len(body.Data))
	}
	row := body.Data[0]
	if row["device_id"] != "DEVICE" {
		t.Errorf("Unexpected device id %v", row["device_id"])
	}
	if row["publish_delay_sec"].(float64) != 4 {
		t.Errorf("Expected publish delay 4, got %v", row["publish_delay_sec"])
	}
	if row["delivery_delay_sec"].(float64) != 2 {
		t.Errorf("Expected delivery delay 2, got %v", row["delivery_delay_sec"])
	}
	if row["wifi_signal_dbm"].(float64) != -60 {
		t.Errorf("Unexpected wifi signal %v", row["wifi_signal_dbm"])
	}
}
