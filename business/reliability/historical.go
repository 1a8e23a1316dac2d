package reliability

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
)

// neutralPrior is the score handed out when a triple has no usable record,
// keeping unseen (route, stop, bucket) combinations mildly trusted rather
// than alarming.
const neutralPrior = 0.8

// delay penalty: every minute of average delay up to half an hour shaves a
// share of maxDelayPenalty off the score.
const (
	delayPenaltyCeilingMinutes = 30.0
	maxDelayPenalty            = 0.2
)

// HistoricalReliability scores one (route, stop, bucket) triple from its
// accumulated counters. A missing record or one with no scheduled
// departures yields the neutral prior. Otherwise the score is the observed
// rate discounted by the cancellation rate, less a penalty growing with the
// average delay, clamped to [0,1].
func HistoricalReliability(ctx context.Context, store gtfs.Store, routeID, stopID string, bucket TimeBucket) (float64, error) {
	rec, err := store.ReliabilityRecord(ctx, routeID, stopID, string(bucket))
	if err != nil {
		return 0, fmt.Errorf("unable to load reliability record for route %s stop %s bucket %s: %w",
			routeID, stopID, bucket, err)
	}
	return scoreRecord(rec), nil
}

func scoreRecord(rec *gtfs.ReliabilityRecord) float64 {
	if rec == nil || rec.ScheduledDepartures == 0 {
		return neutralPrior
	}
	scheduled := float64(rec.ScheduledDepartures)
	observedRate := float64(rec.ObservedDepartures) / scheduled
	cancelRate := float64(rec.Cancellations) / scheduled

	avgDelayMinutes := 0.0
	if rec.ObservedDepartures > 0 {
		avgDelayMinutes = rec.TotalDelaySeconds / float64(rec.ObservedDepartures) / 60.0
	}
	penalty := math.Min(avgDelayMinutes/delayPenaltyCeilingMinutes, 1.0) * maxDelayPenalty

	score := observedRate*(1.0-cancelRate) - penalty
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// DepartureObservation is one departure outcome reported by the live feed
// poller: either the trip ran (possibly late) or it was cancelled.
type DepartureObservation struct {
	TripID       string    `json:"trip_id"`
	RouteID      string    `json:"route_id"`
	StopID       string    `json:"stop_id"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	Cancelled    bool      `json:"cancelled"`
	DelaySeconds int       `json:"delay_seconds"`
}

// RecordObservation folds obs into the reliability record for its triple,
// creating the record on first sight. The bucket is classified from the
// scheduled departure time. Counters only ever grow here; seeding is the
// sole writer allowed to reset them.
func RecordObservation(ctx context.Context, store gtfs.Store, obs DepartureObservation) error {
	bucket := ClassifyTimeBucket(obs.ScheduledAt)
	date := gtfs.ServiceDate(obs.ScheduledAt)

	rec, err := store.ReliabilityRecord(ctx, obs.RouteID, obs.StopID, string(bucket))
	if err != nil {
		return fmt.Errorf("unable to load reliability record for route %s stop %s bucket %s: %w",
			obs.RouteID, obs.StopID, bucket, err)
	}
	if rec == nil {
		rec = &gtfs.ReliabilityRecord{
			RouteID:         obs.RouteID,
			StopID:          obs.StopID,
			TimeBucket:      string(bucket),
			WindowStartDate: date,
		}
	}

	rec.ScheduledDepartures++
	if obs.Cancelled {
		rec.Cancellations++
	} else {
		rec.ObservedDepartures++
		rec.TotalDelaySeconds += float64(obs.DelaySeconds)
	}
	rec.WindowEndDate = date
	rec.UpdatedAt = time.Now()

	if err := store.UpsertReliabilityRecord(ctx, rec); err != nil {
		return fmt.Errorf("unable to store reliability record for route %s stop %s bucket %s: %w",
			obs.RouteID, obs.StopID, bucket, err)
	}
	return nil
}
