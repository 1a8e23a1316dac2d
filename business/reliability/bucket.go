// Package reliability scores how dependable a scheduled departure is. It
// accumulates per-(route, stop, time bucket) outcome counters from observed
// departures, seeds synthetic counters from the static timetable when no
// observations exist yet, and folds live GTFS-RT signals into a final
// 0..1 risk figure for a leg.
package reliability

import "time"

// TimeBucket partitions the service week into the periods reliability is
// tracked against.
type TimeBucket string

const (
	BucketWeekdayAMPeak  TimeBucket = "weekday_am_peak"
	BucketWeekdayPMPeak  TimeBucket = "weekday_pm_peak"
	BucketWeekdayOffpeak TimeBucket = "weekday_offpeak"
	BucketWeekend        TimeBucket = "weekend"
)

// ClassifyTimeBucket maps a wall clock instant onto its TimeBucket.
// Saturday and Sunday are weekend regardless of hour. Weekday hours
// [6,9) are the AM peak and [15,19) the PM peak, so 09:00 and 19:00
// both land in offpeak.
func ClassifyTimeBucket(t time.Time) TimeBucket {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return BucketWeekend
	}
	switch hour := t.Hour(); {
	case hour >= 6 && hour < 9:
		return BucketWeekdayAMPeak
	case hour >= 15 && hour < 19:
		return BucketWeekdayPMPeak
	default:
		return BucketWeekdayOffpeak
	}
}
