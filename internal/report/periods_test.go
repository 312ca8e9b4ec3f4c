package report_test

import (
	"testing"
	"time"

	"github.com/waterbothq/usage-worker/internal/db"
	"github.com/waterbothq/usage-worker/internal/report"
)

const testLabelLayout = "2006-01-02 15:04:05-07:00"
const testDecimalPlaces = 5

func utcSpan(startUnix, endUnix int64) report.Span {
	return report.Span{Start: time.Unix(startUnix, 0).UTC(), End: time.Unix(endUnix, 0).UTC()}
}

func TestPeriods_GeneratesContiguousSpans(t *testing.T) {
	start := time.Date(2022, 7, 18, 0, 0, 0, 0, time.UTC)
	end := time.Date(2022, 7, 18, 4, 0, 0, 0, time.UTC)

	spans := report.Periods(start, end, func(cur time.Time) time.Time { return cur.Add(time.Hour) })

	if len(spans) != 4 {
		t.Fatalf("Expected 4 spans, got %d", len(spans))
	}
	for i := 1; i < len(spans); i++ {
		if !spans[i].Start.Equal(spans[i-1].End) {
			t.Errorf("Span %d is not contiguous: %v != %v", i, spans[i].Start, spans[i-1].End)
		}
	}
	if !spans[3].End.Equal(end) {
		t.Errorf("Expected last span to end at %v, got %v", end, spans[3].End)
	}
}

func TestPeriods_DailySpansAcrossDSTTransition(t *testing.T) {
	loc, err := time.LoadLocation("US/Pacific")
	if err != nil {
		t.Fatalf("Failed to load location: %v", err)
	}

	// Spring-forward: 2022-03-13 had only 23 hours in US/Pacific.
	start := time.Date(2022, 3, 12, 0, 0, 0, 0, loc)
	end := time.Date(2022, 3, 15, 0, 0, 0, 0, loc)

	spans := report.Periods(start, end, func(cur time.Time) time.Time { return cur.AddDate(0, 0, 1) })

	if len(spans) != 3 {
		t.Fatalf("Expected 3 spans, got %d", len(spans))
	}
	short := spans[1].End.Sub(spans[1].Start)
	if short != 23*time.Hour {
		t.Errorf("Expected 23h span on the transition day, got %v", short)
	}
	for _, span := range spans {
		if span.Start.Hour() != 0 {
			t.Errorf("Expected span boundaries at local midnight, got %v", span.Start)
		}
	}
}

func TestAggregate_ProportionalSplitConservation(t *testing.T) {
	intervals := []db.UsageInterval{
		{InsertID: "D:100:1", SiteID: "SITE", TimeStart: 0, TimeEnd: 100,
			UsageLiters: 10, UsageMeterUnits: 10, MeterReading: 110},
	}
	spans := []report.Span{utcSpan(0, 25), utcSpan(25, 50), utcSpan(50, 75), utcSpan(75, 100)}

	periods := report.Aggregate(intervals, spans, testLabelLayout, testDecimalPlaces)

	var total float64
	for _, p := range periods {
		if p.UsageLiters != 2.5 {
			t.Errorf("Period %s: expected 2.5 liters, got %v", p.Label, p.UsageLiters)
		}
		if p.UsageExact {
			t.Errorf("Period %s: expected inexact usage for straddling interval", p.Label)
		}
		total += p.UsageLiters
	}
	if total != 10 {
		t.Errorf("Expected conservation of 10 liters, got %v", total)
	}
}

func TestAggregate_ZeroDurationPulseContainment(t *testing.T) {
	intervals := []db.UsageInterval{
		{InsertID: "D:100:1:0", SiteID: "SITE", TimeStart: 30, TimeEnd: 30,
			UsageLiters: 1.5, UsageMeterUnits: 1, MeterReading: 2008},
	}
	spans := []report.Span{utcSpan(0, 60), utcSpan(60, 120)}

	periods := report.Aggregate(intervals, spans, testLabelLayout, testDecimalPlaces)

	if periods[0].UsageLiters != 1.5 {
		t.Errorf("Expected the pulse fully in its containing period, got %v", periods[0].UsageLiters)
	}
	if !periods[0].UsageExact {
		t.Error("Expected contained pulse to keep the period exact")
	}
	if periods[0].MeterReading == nil || *periods[0].MeterReading != 2008 {
		t.Errorf("Expected meter reading 2008, got %v", periods[0].MeterReading)
	}
	if !periods[0].MeterReadingExact {
		t.Error("Expected exact meter reading for contained pulse")
	}
	if periods[1].UsageLiters != 0 {
		t.Errorf("Expected no usage in the second period, got %v", periods[1].UsageLiters)
	}
}

func TestAggregate_ExactIffNoBoundaryStraddle(t *testing.T) {
	intervals := []db.UsageInterval{
		{InsertID: "contained", SiteID: "SITE", TimeStart: 10, TimeEnd: 20,
			UsageLiters: 4, UsageMeterUnits: 4, MeterReading: 104},
		{InsertID: "straddling", SiteID: "SITE", TimeStart: 50, TimeEnd: 70,
			UsageLiters: 2, UsageMeterUnits: 2, MeterReading: 106},
	}
	spans := []report.Span{utcSpan(0, 60), utcSpan(60, 120)}

	periods := report.Aggregate(intervals, spans, testLabelLayout, testDecimalPlaces)

	if periods[0].UsageExact {
		t.Error("Expected first period inexact: an interval straddles its end")
	}
	if periods[1].UsageExact {
		t.Error("Expected second period inexact: an interval straddles its start")
	}
	if periods[0].UsageLiters != 5 { // 4 contained + half of the straddler
		t.Errorf("Expected 5 liters in first period, got %v", periods[0].UsageLiters)
	}
	if periods[1].UsageLiters != 1 {
		t.Errorf("Expected 1 liter in second period, got %v", periods[1].UsageLiters)
	}
}

func TestAggregate_MeterReadingInterpolatedAcrossBoundary(t *testing.T) {
	intervals := []db.UsageInterval{
		{InsertID: "D:100:1", SiteID: "SITE", TimeStart: 0, TimeEnd: 100,
			UsageLiters: 10, UsageMeterUnits: 10, MeterReading: 110},
	}
	spans := []report.Span{utcSpan(0, 50), utcSpan(50, 100), utcSpan(100, 150)}

	periods := report.Aggregate(intervals, spans, testLabelLayout, testDecimalPlaces)

	// 5 of the 10 units fall after the first period's end: 110 - 5 = 105.
	if periods[0].MeterReading == nil || *periods[0].MeterReading != 105 {
		t.Errorf("Expected interpolated reading 105, got %v", periods[0].MeterReading)
	}
	if periods[0].MeterReadingExact {
		t.Error("Expected interpolated reading to be flagged inexact")
	}
	// The interval's end sits exactly on the second period's exclusive
	// boundary, so its reading is interpolated (trivially) there too.
	if periods[1].MeterReading == nil || *periods[1].MeterReading != 110 {
		t.Errorf("Expected reading 110 at second period end, got %v", periods[1].MeterReading)
	}
	if periods[1].MeterReadingExact {
		t.Error("Expected boundary reading to be flagged inexact")
	}
}

func TestAggregate_MostRecentReadingWinsWithinPeriod(t *testing.T) {
	intervals := []db.UsageInterval{
		{InsertID: "D:100:1:0", SiteID: "SITE", TimeStart: 10, TimeEnd: 10,
			UsageLiters: 1.5, UsageMeterUnits: 1, MeterReading: 2008},
		{InsertID: "D:100:1:1", SiteID: "SITE", TimeStart: 10, TimeEnd: 10,
			UsageLiters: 1.5, UsageMeterUnits: 1, MeterReading: 2009},
		{InsertID: "D:100:1:2", SiteID: "SITE", TimeStart: 40, TimeEnd: 40,
			UsageLiters: 1.5, UsageMeterUnits: 1, MeterReading: 2010},
	}
	spans := []report.Span{utcSpan(0, 60)}

	periods := report.Aggregate(intervals, spans, testLabelLayout, testDecimalPlaces)

	if periods[0].MeterReading == nil || *periods[0].MeterReading != 2010 {
		t.Errorf("Expected latest reading 2010, got %v", periods[0].MeterReading)
	}
	if !periods[0].MeterReadingExact {
		t.Error("Expected exact reading from pulse inside the period")
	}
	if periods[0].UsageLiters != 4.5 {
		t.Errorf("Expected 4.5 liters, got %v", periods[0].UsageLiters)
	}
}

func TestAggregate_EmptyPeriod(t *testing.T) {
	spans := []report.Span{utcSpan(0, 60)}

	periods := report.Aggregate(nil, spans, testLabelLayout, testDecimalPlaces)

	if periods[0].UsageLiters != 0 {
		t.Errorf("Expected zero usage, got %v", periods[0].UsageLiters)
	}
	if !periods[0].UsageExact {
		t.Error("Expected vacuously exact usage for empty period")
	}
	if periods[0].MeterReading != nil {
		t.Errorf("Expected nil meter reading, got %v", *periods[0].MeterReading)
	}
}

func TestAggregate_RoundsUsageToConfiguredPlaces(t *testing.T) {
	intervals := []db.UsageInterval{
		{InsertID: "D:100:1", SiteID: "SITE", TimeStart: 0, TimeEnd: 3,
			UsageLiters: 1, UsageMeterUnits: 1, MeterReading: 101},
	}
	spans := []report.Span{utcSpan(0, 1), utcSpan(1, 2), utcSpan(2, 3)}

	periods := report.Aggregate(intervals, spans, testLabelLayout, testDecimalPlaces)

	for _, p := range periods {
		if p.UsageLiters != 0.33333 {
			t.Errorf("Period %s: expected 0.33333, got %v", p.Label, p.UsageLiters)
		}
	}
}
