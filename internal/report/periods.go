package report

import (
	"math"
	"time"

	"github.com/waterbothq/usage-worker/internal/db"
)

// Span is one calendar-aligned [Start, End) window.
type Span struct {
	Start time.Time
	End   time.Time
}

// Periods generates the contiguous spans covering [start, end), where step
// advances a boundary to the next one. Boundaries are computed with
// calendar arithmetic in start's location, so day and month spans stay
// aligned across DST transitions.
func Periods(start, end time.Time, step func(time.Time) time.Time) []Span {
	var spans []Span
	for cur := start; cur.Before(end); {
		next := step(cur)
		spans = append(spans, Span{Start: cur, End: next})
		cur = next
	}
	return spans
}

// Period is one computed report row: proportional usage for a span plus an
// end-of-period meter reading estimate. Never persisted; recomputed from
// exact usage intervals on every request.
type Period struct {
	Label             string
	Start             time.Time
	End               time.Time
	UsageLiters       float64
	UsageExact        bool
	MeterReading      *int64
	MeterReadingExact bool
}

// Aggregate distributes each usage interval's liters proportionally across
// every span it overlaps.
//
// A zero-duration interval (a single pulse) contributes entirely to the
// span containing its instant. A period is exact only when every
// contributing interval lies fully inside it. The meter reading is the
// reading of the latest interval ending strictly inside the span; when the
// latest contributor runs past the span's end it is interpolated backward
// assuming uniform pulse distribution, and flagged inexact.
func Aggregate(intervals []db.UsageInterval, spans []Span, labelLayout string, decimalPlaces int) []Period {
	periods := make([]Period, 0, len(spans))
	for _, span := range spans {
		periods = append(periods, aggregateSpan(intervals, span, labelLayout, decimalPlaces))
	}
	return periods
}

func aggregateSpan(intervals []db.UsageInterval, span Span, labelLayout string, decimalPlaces int) Period {
	ps := span.Start.Unix()
	pe := span.End.Unix()

	period := Period{
		Label:      span.Start.Format(labelLayout),
		Start:      span.Start,
		End:        span.End,
		UsageExact: true, // vacuously, until a straddling interval contributes
	}

	var latest *db.UsageInterval
	for i := range intervals {
		iv := &intervals[i]
		fraction, contributes := overlapFraction(iv, ps, pe)
		if !contributes {
			continue
		}

		period.UsageLiters += iv.UsageLiters * fraction
		contained := iv.TimeStart >= ps && iv.TimeEnd < pe
		if !contained {
			period.UsageExact = false
		}

		if latest == nil || iv.TimeEnd > latest.TimeEnd ||
			(iv.TimeEnd == latest.TimeEnd && iv.MeterReading > latest.MeterReading) {
			latest = iv
		}
	}

	period.UsageLiters = roundTo(period.UsageLiters, decimalPlaces)

	if latest != nil {
		reading, exact := estimateMeterReading(latest, pe)
		period.MeterReading = &reading
		period.MeterReadingExact = exact
	}

	return period
}

// overlapFraction returns the share of the interval's usage that belongs
// to [ps, pe), and whether the interval contributes at all.
func overlapFraction(iv *db.UsageInterval, ps, pe int64) (float64, bool) {
	if iv.Duration() == 0 {
		if iv.TimeStart >= ps && iv.TimeStart < pe {
			return 1, true
		}
		return 0, false
	}

	overlap := min64(iv.TimeEnd, pe) - max64(iv.TimeStart, ps)
	if overlap <= 0 {
		return 0, false
	}
	return float64(overlap) / float64(iv.Duration()), true
}

// estimateMeterReading derives the meter reading at the span's end from its
// latest contributing interval. Exact when the interval ends inside the
// span; interpolated backward otherwise.
func estimateMeterReading(latest *db.UsageInterval, pe int64) (int64, bool) {
	if latest.TimeEnd < pe {
		return latest.MeterReading, true
	}
	// Uniform pulse distribution across the interval: back out the units
	// recorded after the period's end, rounding to a whole meter unit.
	unitsAfter := float64(latest.UsageMeterUnits) *
		float64(latest.TimeEnd-pe) / float64(latest.Duration())
	return int64(math.Round(float64(latest.MeterReading) - unitsAfter)), false
}

func roundTo(v float64, decimalPlaces int) float64 {
	scale := math.Pow(10, float64(decimalPlaces))
	return math.Round(v*scale) / scale
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
