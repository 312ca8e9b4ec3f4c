package report

import "time"

// Definition describes one report type: the calendar window it covers
// relative to "now", how its periods are labelled, and how long clients may
// cache it. Finer granularities cache shorter.
type Definition struct {
	Type         string
	LabelLayout  string
	CacheSeconds int
	// Window computes the report's [start, end) range; now is already in
	// the report timezone.
	Window func(now time.Time) (time.Time, time.Time)
	// Step advances a period boundary to the next one. Nil for the device
	// report, which returns raw diagnostics rows rather than periods.
	Step func(time.Time) time.Time
}

const timestampLayout = "2006-01-02 15:04:05-07:00"

// Definitions maps the report type query parameter to its definition.
var Definitions = map[string]Definition{
	"minutely": {
		Type:         "minutely",
		LabelLayout:  timestampLayout,
		CacheSeconds: 5 * 60,
		Window: func(now time.Time) (time.Time, time.Time) {
			return startOfDay(now).AddDate(0, 0, -1), startOfDay(now).AddDate(0, 0, 1)
		},
		Step: func(t time.Time) time.Time { return t.Add(time.Minute) },
	},
	"hourly": {
		Type:         "hourly",
		LabelLayout:  timestampLayout,
		CacheSeconds: 5 * 60,
		Window: func(now time.Time) (time.Time, time.Time) {
			return startOfDay(now).AddDate(0, 0, -14), startOfDay(now).AddDate(0, 0, 1)
		},
		Step: func(t time.Time) time.Time { return t.Add(time.Hour) },
	},
	"daily": {
		Type:         "daily",
		LabelLayout:  "2006-01-02",
		CacheSeconds: 12 * 60 * 60,
		Window: func(now time.Time) (time.Time, time.Time) {
			return startOfMonth(now).AddDate(0, -12, 0), startOfMonth(now).AddDate(0, 1, 0)
		},
		Step: func(t time.Time) time.Time { return t.AddDate(0, 0, 1) },
	},
	"monthly": {
		Type:         "monthly",
		LabelLayout:  "2006-01",
		CacheSeconds: 24 * 60 * 60,
		Window: func(now time.Time) (time.Time, time.Time) {
			return startOfYear(now).AddDate(-3, 0, 0), startOfYear(now).AddDate(1, 0, 0)
		},
		Step: func(t time.Time) time.Time { return t.AddDate(0, 1, 0) },
	},
	"device": {
		Type:         "device",
		LabelLayout:  timestampLayout,
		CacheSeconds: 5 * 60,
		Window: func(now time.Time) (time.Time, time.Time) {
			return startOfDay(now).AddDate(0, 0, -14), now
		},
	},
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func startOfYear(t time.Time) time.Time {
	return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, t.Location())
}
