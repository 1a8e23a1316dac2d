package reliability

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
)

// ErrNoScheduleData indicates seeding was requested before any static
// timetable was loaded.
var ErrNoScheduleData = errors.New("no schedule data loaded")

// SeedMode selects how seeding treats records that already exist.
type SeedMode int

const (
	// SeedOverwrite resets every covered triple to the synthetic counters.
	SeedOverwrite SeedMode = iota
	// SeedFillGapsOnly leaves triples that already carry real observations
	// untouched and only fills the rest.
	SeedFillGapsOnly
)

// seedPrior is the assumed outcome mix for one time bucket, used to
// synthesize plausible counters before any departures have been observed.
type seedPrior struct {
	observedRate    float64
	cancelRate      float64
	avgDelaySeconds float64
}

var seedPriors = map[TimeBucket]seedPrior{
	BucketWeekdayAMPeak:  {observedRate: 0.85, cancelRate: 0.03, avgDelaySeconds: 180},
	BucketWeekdayPMPeak:  {observedRate: 0.80, cancelRate: 0.05, avgDelaySeconds: 300},
	BucketWeekdayOffpeak: {observedRate: 0.90, cancelRate: 0.02, avgDelaySeconds: 120},
	BucketWeekend:        {observedRate: 0.75, cancelRate: 0.08, avgDelaySeconds: 240},
}

// SeedFromStatic synthesizes reliability records from the scheduled
// departure counts of the loaded timetable, so risk scoring has something
// better than the neutral prior from day one. The window starts today when
// today falls inside the loaded service date range, otherwise at the range
// minimum, and runs for windowDays days capped at the range maximum.
// Returns the number of records written. Same inputs produce the same
// records, so reseeding is safe.
func SeedFromStatic(ctx context.Context, log *log.Logger, store gtfs.Store, windowDays int, mode SeedMode) (int, error) {
	minDate, maxDate, err := store.ServiceIDRange(ctx)
	if err != nil {
		return 0, fmt.Errorf("unable to read service date range: %w", err)
	}
	if minDate == "" || maxDate == "" {
		return 0, ErrNoScheduleData
	}

	start := minDate
	if today := gtfs.ServiceDate(time.Now()); today >= minDate && today <= maxDate {
		start = today
	}
	startDay, err := gtfs.ParseServiceDate(start)
	if err != nil {
		return 0, fmt.Errorf("unable to parse service date %s: %w", start, err)
	}
	end := gtfs.ServiceDate(startDay.AddDate(0, 0, windowDays-1))
	if end > maxDate {
		end = maxDate
	}

	counts, err := store.ScheduledDepartureCounts(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("unable to aggregate scheduled departures: %w", err)
	}
	log.Printf("seeding reliability from %d scheduled departure groups, window %s through %s", len(counts), start, end)

	type tripleKey struct {
		routeID string
		stopID  string
		bucket  TimeBucket
	}
	totals := make(map[tripleKey]int)
	order := make([]tripleKey, 0)
	for _, row := range counts {
		serviceDay, err := gtfs.ParseServiceDate(row.ServiceID)
		if err != nil {
			// service ids that are not dates carry no bucket information
			continue
		}
		at := serviceDay.Add(time.Duration(row.DepartureHour) * time.Hour)
		key := tripleKey{routeID: row.RouteID, stopID: row.StopID, bucket: ClassifyTimeBucket(at)}
		if _, seen := totals[key]; !seen {
			order = append(order, key)
		}
		totals[key] += row.Departures
	}

	written := 0
	for _, key := range order {
		rec, err := store.ReliabilityRecord(ctx, key.routeID, key.stopID, string(key.bucket))
		if err != nil {
			return written, fmt.Errorf("unable to load reliability record for route %s stop %s bucket %s: %w",
				key.routeID, key.stopID, key.bucket, err)
		}
		if mode == SeedFillGapsOnly && rec != nil && rec.ObservedDepartures > 0 {
			continue
		}
		if rec == nil {
			rec = &gtfs.ReliabilityRecord{
				RouteID:         key.routeID,
				StopID:          key.stopID,
				TimeBucket:      string(key.bucket),
				WindowStartDate: start,
			}
		}

		scheduled := totals[key]
		prior := seedPriors[key.bucket]
		observed := int(math.Round(float64(scheduled) * prior.observedRate))

		rec.ScheduledDepartures = scheduled
		rec.ObservedDepartures = observed
		rec.Cancellations = int(math.Round(float64(scheduled) * prior.cancelRate))
		rec.TotalDelaySeconds = float64(observed) * prior.avgDelaySeconds
		rec.WindowEndDate = end
		rec.UpdatedAt = time.Now()

		if err := store.UpsertReliabilityRecord(ctx, rec); err != nil {
			return written, fmt.Errorf("unable to store reliability record for route %s stop %s bucket %s: %w",
				key.routeID, key.stopID, key.bucket, err)
		}
		written++
	}
	log.Printf("seeded %d reliability records", written)
	return written, nil
}
