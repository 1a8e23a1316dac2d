// Package gtfs provides the static timetable domain and storage access used by
// the journey planner: stops, routes, trips, stop times, service calendars and
// the reliability records accumulated against them.
package gtfs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoSpatialIndex is returned by Store.WalkPairsWithin when the store has no
// spatial index to perform the distance join. Callers are expected to fall
// back to an in-memory scan.
var ErrNoSpatialIndex = errors.New("no spatial index available")

// Stop is one boardable location from a gtfs stops.txt file.
type Stop struct {
	StopID   string  `db:"stop_id" json:"stop_id"`
	StopName string  `db:"stop_name" json:"stop_name"`
	Lat      float64 `db:"stop_lat" json:"lat"`
	Lon      float64 `db:"stop_lon" json:"lon"`
}

// Route contains a record from a gtfs routes.txt file.
type Route struct {
	RouteID   string `db:"route_id" json:"route_id"`
	ShortName string `db:"route_short_name" json:"route_short_name"`
	LongName  string `db:"route_long_name" json:"route_long_name"`
	RouteType int    `db:"route_type" json:"route_type"`
}

// Trip contains a record from a gtfs trips.txt file.
// ServiceID is a calendar key; this system materializes it as the YYYYMMDD
// date the trip runs on, so "what runs on date X" is a direct equality match.
type Trip struct {
	TripID       string `db:"trip_id" json:"trip_id"`
	RouteID      string `db:"route_id" json:"route_id"`
	ServiceID    string `db:"service_id" json:"service_id"`
	TripHeadsign string `db:"trip_headsign" json:"trip_headsign"`
	DirectionID  int    `db:"direction_id" json:"direction_id"`
}

// StopTime contains a record from a gtfs stop_times.txt file.
// Arrival and departure keep the raw "HH:MM:SS" strings where HH may exceed
// 23 for trips continuing past midnight. ParseHMS converts them for
// arithmetic.
// Within a trip, StopSequence is strictly increasing and DepartureTime is
// monotonically non-decreasing.
type StopTime struct {
	TripID        string `db:"trip_id" json:"trip_id"`
	StopSequence  int    `db:"stop_sequence" json:"stop_sequence"`
	StopID        string `db:"stop_id" json:"stop_id"`
	ArrivalTime   string `db:"arrival_time" json:"arrival_time"`
	DepartureTime string `db:"departure_time" json:"departure_time"`
}

// Calendar contains a record from a gtfs calendar.txt file: a days-of-week
// mask plus an inclusive YYYYMMDD date range.
type Calendar struct {
	ServiceID string `db:"service_id" json:"service_id"`
	Monday    int    `db:"monday" json:"monday"`
	Tuesday   int    `db:"tuesday" json:"tuesday"`
	Wednesday int    `db:"wednesday" json:"wednesday"`
	Thursday  int    `db:"thursday" json:"thursday"`
	Friday    int    `db:"friday" json:"friday"`
	Saturday  int    `db:"saturday" json:"saturday"`
	Sunday    int    `db:"sunday" json:"sunday"`
	StartDate string `db:"start_date" json:"start_date"`
	EndDate   string `db:"end_date" json:"end_date"`
}

// TripStopRow is one stop_times row joined with its trip. The graph builder
// streams these ordered by (trip_id, stop_sequence); the observation recorder
// fetches them in batches by trip.
type TripStopRow struct {
	TripID        string `db:"trip_id"`
	RouteID       string `db:"route_id"`
	ServiceID     string `db:"service_id"`
	StopID        string `db:"stop_id"`
	StopSequence  int    `db:"stop_sequence"`
	ArrivalTime   string `db:"arrival_time"`
	DepartureTime string `db:"departure_time"`
}

// WalkPair is an ordered pair of distinct stops within walking range of each
// other. Both directions of a pair appear as separate WalkPairs.
type WalkPair struct {
	FromStopID     string  `db:"from_stop_id"`
	ToStopID       string  `db:"to_stop_id"`
	DistanceMetres float64 `db:"distance_m"`
}

// DepartureCountRow aggregates scheduled departures by route, stop, service
// date and hour of day. Hours past midnight wrap: departure hour 25 counts
// under hour 1.
type DepartureCountRow struct {
	RouteID       string `db:"route_id"`
	StopID        string `db:"stop_id"`
	ServiceID     string `db:"service_id"`
	DepartureHour int    `db:"departure_hour"`
	Departures    int    `db:"departures"`
}

// ReliabilityRecord accumulates departure outcomes for one
// (route, stop, time bucket) triple.
// Invariant: counters are non-negative and
// ObservedDepartures + Cancellations <= ScheduledDepartures.
type ReliabilityRecord struct {
	ID                  int64     `db:"id" json:"id"`
	RouteID             string    `db:"route_id" json:"route_id"`
	StopID              string    `db:"stop_id" json:"stop_id"`
	TimeBucket          string    `db:"time_bucket" json:"time_bucket"`
	ScheduledDepartures int       `db:"scheduled_departures" json:"scheduled_departures"`
	ObservedDepartures  int       `db:"observed_departures" json:"observed_departures"`
	Cancellations       int       `db:"cancellations" json:"cancellations"`
	TotalDelaySeconds   float64   `db:"total_delay_seconds" json:"total_delay_seconds"`
	WindowStartDate     string    `db:"window_start_date" json:"window_start_date"`
	WindowEndDate       string    `db:"window_end_date" json:"window_end_date"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

func (r *ReliabilityRecord) String() string {
	return fmt.Sprintf("ReliabilityRecord route:%s stop:%s bucket:%s scheduled:%d observed:%d cancelled:%d",
		r.RouteID, r.StopID, r.TimeBucket, r.ScheduledDepartures, r.ObservedDepartures, r.Cancellations)
}

// StaticFeed holds one parsed gtfs static feed prior to storage. The parser
// drops trips referencing unknown routes and stop times referencing unknown
// trips or stops; the skip counters report how many rows were dropped so the
// caller can log them.
type StaticFeed struct {
	Stops     []*Stop
	Routes    []*Route
	Trips     []*Trip
	StopTimes []*StopTime
	Calendars []*Calendar

	SkippedTrips     int
	SkippedStopTimes int
}

// Store is the storage contract the planner consumes: read access to the
// static timetable, read/write access to reliability records, and the
// wholesale replace used by the static ETL. Implemented by DBStore for
// postgres and MemoryStore for tests and fixtures.
type Store interface {

	// Stops returns every stop, ordered by stop_id.
	Stops(ctx context.Context) ([]*Stop, error)

	// SearchStops returns up to limit stops whose name contains query,
	// case-insensitively, ordered by stop name.
	SearchStops(ctx context.Context, query string, limit int) ([]*Stop, error)

	// RoutesServingStops returns the distinct route_ids serving each of
	// stopIDs, keyed by stop_id. Stops serving no routes are absent.
	RoutesServingStops(ctx context.Context, stopIDs []string) (map[string][]string, error)

	// StopTimeEdges streams every stop_times row joined with its trip,
	// ordered by (trip_id, stop_sequence).
	StopTimeEdges(ctx context.Context) ([]TripStopRow, error)

	// EarliestTrip finds the earliest trip on routeID running on
	// serviceDate that departs firstStopID at or after notBeforeSec and
	// also serves lastStopID at a strictly greater stop sequence.
	// Returns "" with no error when no trip qualifies.
	EarliestTrip(ctx context.Context, routeID, serviceDate, firstStopID, lastStopID string, notBeforeSec int) (string, error)

	// TripStopTimes returns the full stop-time table for one trip,
	// ordered by stop_sequence.
	TripStopTimes(ctx context.Context, tripID string) ([]*StopTime, error)

	// TripStopTimesForTrips is the batch form of TripStopTimes, keyed by
	// trip_id with each trip's rows ordered by stop_sequence.
	TripStopTimesForTrips(ctx context.Context, tripIDs []string) (map[string][]TripStopRow, error)

	// WalkPairsWithin returns every ordered pair of distinct stops within
	// maxMetres of each other with the spherical distance between them.
	// Returns ErrNoSpatialIndex when the store cannot perform the join.
	WalkPairsWithin(ctx context.Context, maxMetres float64) ([]WalkPair, error)

	CountStops(ctx context.Context) (int, error)
	CountTrips(ctx context.Context) (int, error)

	// MaxServiceID returns the largest service_id over trips, "" when the
	// trip table is empty.
	MaxServiceID(ctx context.Context) (string, error)

	// ServiceIDRange returns the smallest and largest service_id over
	// trips, both "" when the trip table is empty.
	ServiceIDRange(ctx context.Context) (string, string, error)

	// ScheduledDepartureCounts aggregates scheduled departures by
	// (route_id, stop_id, service_id, departure hour mod 24) for service
	// dates between startDate and endDate inclusive.
	ScheduledDepartureCounts(ctx context.Context, startDate, endDate string) ([]DepartureCountRow, error)

	// ReliabilityRecord returns the most recently updated record for the
	// triple, nil when none exists.
	ReliabilityRecord(ctx context.Context, routeID, stopID, bucket string) (*ReliabilityRecord, error)

	// UpsertReliabilityRecord inserts rec when rec.ID is zero, populating
	// rec.ID, and updates the existing record otherwise.
	UpsertReliabilityRecord(ctx context.Context, rec *ReliabilityRecord) error

	CountReliabilityRecords(ctx context.Context) (int, error)

	// LastReliabilityUpdate returns the most recent updated_at over all
	// reliability records, nil when there are none.
	LastReliabilityUpdate(ctx context.Context) (*time.Time, error)

	// ReplaceStaticData replaces the entire static timetable with feed in
	// one transaction. Reliability records are left untouched.
	ReplaceStaticData(ctx context.Context, feed *StaticFeed) error
}
