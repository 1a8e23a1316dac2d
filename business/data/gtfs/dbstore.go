package gtfs

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/OpenTransitTools/transitroute/foundation/database"
	"github.com/jmoiron/sqlx"
)

// DefaultSearchLimit caps SearchStops results when the caller passes no limit.
const DefaultSearchLimit = 20

// insertBatchSize is the number of rows sent per insert statement while
// replacing static data. Kept low enough that the widest table stays inside
// the postgres bind parameter limit.
const insertBatchSize = 500

// DBStore implements Store on a postgres database through sqlx.
// spatialIndex reports whether the deployment carries the postgis extension
// and geography expression index used by WalkPairsWithin.
type DBStore struct {
	log          *log.Logger
	db           *sqlx.DB
	spatialIndex bool
}

// NewDBStore creates a DBStore over db.
func NewDBStore(log *log.Logger, db *sqlx.DB, spatialIndex bool) *DBStore {
	return &DBStore{
		log:          log,
		db:           db,
		spatialIndex: spatialIndex,
	}
}

func (s *DBStore) Stops(ctx context.Context) ([]*Stop, error) {
	query := "select stop_id, stop_name, stop_lat, stop_lon from stop order by stop_id"
	results := make([]*Stop, 0)
	err := s.db.SelectContext(ctx, &results, query)
	return results, err
}

func (s *DBStore) SearchStops(ctx context.Context, query string, limit int) ([]*Stop, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	statementString := s.db.Rebind("select stop_id, stop_name, stop_lat, stop_lon from stop " +
		"where lower(stop_name) like ? " +
		"order by stop_name, stop_id limit ?")
	results := make([]*Stop, 0)
	pattern := "%" + strings.ToLower(query) + "%"
	err := s.db.SelectContext(ctx, &results, statementString, pattern, limit)
	return results, err
}

func (s *DBStore) RoutesServingStops(ctx context.Context, stopIDs []string) (map[string][]string, error) {
	results := make(map[string][]string)
	if len(stopIDs) == 0 {
		return results, nil
	}
	query := "select distinct st.stop_id, t.route_id from stop_time st " +
		"join trip t on t.trip_id = st.trip_id " +
		"where st.stop_id in (:stop_ids) " +
		"order by st.stop_id, t.route_id"
	query, args, err := database.PrepareNamedQueryFromMap(query, s.db, map[string]interface{}{
		"stop_ids": stopIDs,
	})
	if err != nil {
		return nil, err
	}
	var rows []struct {
		StopID  string `db:"stop_id"`
		RouteID string `db:"route_id"`
	}
	err = s.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		results[row.StopID] = append(results[row.StopID], row.RouteID)
	}
	return results, nil
}

func (s *DBStore) StopTimeEdges(ctx context.Context) ([]TripStopRow, error) {
	query := "select st.trip_id, t.route_id, t.service_id, st.stop_id, st.stop_sequence, " +
		"st.arrival_time, st.departure_time " +
		"from stop_time st " +
		"join trip t on t.trip_id = st.trip_id " +
		"order by st.trip_id, st.stop_sequence"
	results := make([]TripStopRow, 0)
	err := s.db.SelectContext(ctx, &results, query)
	return results, err
}

func (s *DBStore) EarliestTrip(ctx context.Context,
	routeID, serviceDate, firstStopID, lastStopID string,
	notBeforeSec int) (string, error) {

	// departure seconds are computed from the HH:MM:SS string so trips past
	// midnight (hours above 23) order correctly
	query := "select first_st.trip_id from stop_time first_st " +
		"join trip t on t.trip_id = first_st.trip_id " +
		"join stop_time last_st on last_st.trip_id = first_st.trip_id " +
		"where t.route_id = :route_id " +
		"and t.service_id = :service_date " +
		"and first_st.stop_id = :first_stop_id " +
		"and last_st.stop_id = :last_stop_id " +
		"and last_st.stop_sequence > first_st.stop_sequence " +
		"and cast(split_part(first_st.departure_time, ':', 1) as integer) * 3600 " +
		" + cast(split_part(first_st.departure_time, ':', 2) as integer) * 60 " +
		" + cast(split_part(first_st.departure_time, ':', 3) as integer) >= :not_before_sec " +
		"order by cast(split_part(first_st.departure_time, ':', 1) as integer) * 3600 " +
		" + cast(split_part(first_st.departure_time, ':', 2) as integer) * 60 " +
		" + cast(split_part(first_st.departure_time, ':', 3) as integer), first_st.trip_id " +
		"limit 1"
	query, args, err := database.PrepareNamedQueryFromMap(query, s.db, map[string]interface{}{
		"route_id":       routeID,
		"service_date":   serviceDate,
		"first_stop_id":  firstStopID,
		"last_stop_id":   lastStopID,
		"not_before_sec": notBeforeSec,
	})
	if err != nil {
		return "", err
	}
	var tripID string
	err = s.db.GetContext(ctx, &tripID, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return tripID, err
}

func (s *DBStore) TripStopTimes(ctx context.Context, tripID string) ([]*StopTime, error) {
	query := s.db.Rebind("select trip_id, stop_sequence, stop_id, arrival_time, departure_time " +
		"from stop_time where trip_id = ? order by stop_sequence")
	results := make([]*StopTime, 0)
	err := s.db.SelectContext(ctx, &results, query, tripID)
	return results, err
}

func (s *DBStore) TripStopTimesForTrips(ctx context.Context, tripIDs []string) (map[string][]TripStopRow, error) {
	results := make(map[string][]TripStopRow)
	if len(tripIDs) == 0 {
		return results, nil
	}
	query := "select st.trip_id, t.route_id, t.service_id, st.stop_id, st.stop_sequence, " +
		"st.arrival_time, st.departure_time " +
		"from stop_time st " +
		"join trip t on t.trip_id = st.trip_id " +
		"where st.trip_id in (:trip_ids) " +
		"order by st.trip_id, st.stop_sequence"
	query, args, err := database.PrepareNamedQueryFromMap(query, s.db, map[string]interface{}{
		"trip_ids": tripIDs,
	})
	if err != nil {
		return nil, err
	}
	rows := make([]TripStopRow, 0)
	err = s.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		results[row.TripID] = append(results[row.TripID], row)
	}
	return results, nil
}

func (s *DBStore) WalkPairsWithin(ctx context.Context, maxMetres float64) ([]WalkPair, error) {
	if !s.spatialIndex {
		return nil, ErrNoSpatialIndex
	}
	// use_spheroid=false keeps postgis on the sphere, matching the haversine
	// distances the in-memory fallback produces
	query := s.db.Rebind("select a.stop_id as from_stop_id, b.stop_id as to_stop_id, " +
		"ST_Distance(ST_MakePoint(a.stop_lon, a.stop_lat)::geography, " +
		"ST_MakePoint(b.stop_lon, b.stop_lat)::geography, false) as distance_m " +
		"from stop a " +
		"join stop b on b.stop_id <> a.stop_id " +
		"where ST_DWithin(ST_MakePoint(a.stop_lon, a.stop_lat)::geography, " +
		"ST_MakePoint(b.stop_lon, b.stop_lat)::geography, ?, false) " +
		"order by a.stop_id, b.stop_id")
	results := make([]WalkPair, 0)
	err := s.db.SelectContext(ctx, &results, query, maxMetres)
	return results, err
}

func (s *DBStore) CountStops(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, "select count(*) from stop")
	return count, err
}

func (s *DBStore) CountTrips(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, "select count(*) from trip")
	return count, err
}

func (s *DBStore) MaxServiceID(ctx context.Context) (string, error) {
	var maxServiceID string
	err := s.db.GetContext(ctx, &maxServiceID, "select coalesce(max(service_id), '') from trip")
	return maxServiceID, err
}

func (s *DBStore) ServiceIDRange(ctx context.Context) (string, string, error) {
	var row struct {
		Min string `db:"min_service_id"`
		Max string `db:"max_service_id"`
	}
	query := "select coalesce(min(service_id), '') as min_service_id, " +
		"coalesce(max(service_id), '') as max_service_id from trip"
	err := s.db.GetContext(ctx, &row, query)
	return row.Min, row.Max, err
}

func (s *DBStore) ScheduledDepartureCounts(ctx context.Context, startDate, endDate string) ([]DepartureCountRow, error) {
	// departure hours wrap at 24 so post-midnight trips count under the
	// morning hour they actually run in
	query := s.db.Rebind("select t.route_id, st.stop_id, t.service_id, " +
		"mod(cast(split_part(st.departure_time, ':', 1) as integer), 24) as departure_hour, " +
		"count(*) as departures " +
		"from stop_time st " +
		"join trip t on t.trip_id = st.trip_id " +
		"where t.service_id between ? and ? " +
		"group by t.route_id, st.stop_id, t.service_id, departure_hour " +
		"order by t.route_id, st.stop_id, t.service_id, departure_hour")
	results := make([]DepartureCountRow, 0)
	err := s.db.SelectContext(ctx, &results, query, startDate, endDate)
	return results, err
}

func (s *DBStore) ReliabilityRecord(ctx context.Context, routeID, stopID, bucket string) (*ReliabilityRecord, error) {
	query := s.db.Rebind("select * from reliability_record " +
		"where route_id = ? and stop_id = ? and time_bucket = ? " +
		"order by updated_at desc limit 1")
	rec := ReliabilityRecord{}
	err := s.db.GetContext(ctx, &rec, query, routeID, stopID, bucket)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *DBStore) UpsertReliabilityRecord(ctx context.Context, rec *ReliabilityRecord) error {
	statementString := "insert into reliability_record ( " +
		"route_id, " +
		"stop_id, " +
		"time_bucket, " +
		"scheduled_departures, " +
		"observed_departures, " +
		"cancellations, " +
		"total_delay_seconds, " +
		"window_start_date, " +
		"window_end_date, " +
		"updated_at) " +
		"values (" +
		":route_id, " +
		":stop_id, " +
		":time_bucket, " +
		":scheduled_departures, " +
		":observed_departures, " +
		":cancellations, " +
		":total_delay_seconds, " +
		":window_start_date, " +
		":window_end_date, " +
		":updated_at)"
	if rec.ID != 0 {
		statementString = "update reliability_record set " +
			"scheduled_departures = :scheduled_departures, " +
			"observed_departures = :observed_departures, " +
			"cancellations = :cancellations, " +
			"total_delay_seconds = :total_delay_seconds, " +
			"window_start_date = :window_start_date, " +
			"window_end_date = :window_end_date, " +
			"updated_at = :updated_at " +
			"where id = :id"
	}
	_, err := s.db.NamedExecContext(ctx, statementString, rec)
	if err != nil {
		return err
	}
	// retrieve new id if zero
	if rec.ID == 0 {
		query := s.db.Rebind("select id from reliability_record " +
			"where route_id = ? and stop_id = ? and time_bucket = ? limit 1")
		err = s.db.GetContext(ctx, &rec.ID, query, rec.RouteID, rec.StopID, rec.TimeBucket)
	}
	return err
}

func (s *DBStore) CountReliabilityRecords(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, "select count(*) from reliability_record")
	return count, err
}

func (s *DBStore) LastReliabilityUpdate(ctx context.Context) (*time.Time, error) {
	var last sql.NullTime
	err := s.db.GetContext(ctx, &last, "select max(updated_at) from reliability_record")
	if err != nil {
		return nil, err
	}
	if !last.Valid {
		return nil, nil
	}
	return &last.Time, nil
}

// ReplaceStaticData removes the loaded timetable and records feed in its place
// inside a single transaction. Reliability records survive replaces so
// accumulated observations outlive schedule updates.
func (s *DBStore) ReplaceStaticData(ctx context.Context, feed *StaticFeed) error {
	return transact(s.log, s.db, func(tx *sqlx.Tx) error {
		deleteStatements := []struct {
			name  string
			query string
		}{
			{name: "stop_time", query: "delete from stop_time"},
			{name: "trip", query: "delete from trip"},
			{name: "calendar", query: "delete from calendar"},
			{name: "route", query: "delete from route"},
			{name: "stop", query: "delete from stop"},
		}
		for _, deleteStatement := range deleteStatements {
			result, err := tx.ExecContext(ctx, deleteStatement.query)
			if err != nil {
				return err
			}
			rows, err := result.RowsAffected()
			if err != nil {
				return err
			}
			s.log.Printf("Deleted %d lines from %s\n", rows, deleteStatement.name)
		}
		if err := recordStops(ctx, tx, feed.Stops); err != nil {
			return err
		}
		if err := recordRoutes(ctx, tx, feed.Routes); err != nil {
			return err
		}
		if err := recordTrips(ctx, tx, feed.Trips); err != nil {
			return err
		}
		if err := recordStopTimes(ctx, tx, feed.StopTimes); err != nil {
			return err
		}
		return recordCalendars(ctx, tx, feed.Calendars)
	})
}

// recordStops saves stops to the database in batches
func recordStops(ctx context.Context, tx *sqlx.Tx, stops []*Stop) error {
	statementString := "insert into stop ( " +
		"stop_id, " +
		"stop_name, " +
		"stop_lat, " +
		"stop_lon) " +
		"values (" +
		":stop_id, " +
		":stop_name, " +
		":stop_lat, " +
		":stop_lon)"
	for start := 0; start < len(stops); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(stops) {
			end = len(stops)
		}
		_, err := tx.NamedExecContext(ctx, statementString, stops[start:end])
		if err != nil {
			return err
		}
	}
	return nil
}

// recordRoutes saves routes to the database in batches
func recordRoutes(ctx context.Context, tx *sqlx.Tx, routes []*Route) error {
	statementString := "insert into route ( " +
		"route_id, " +
		"route_short_name, " +
		"route_long_name, " +
		"route_type) " +
		"values (" +
		":route_id, " +
		":route_short_name, " +
		":route_long_name, " +
		":route_type)"
	for start := 0; start < len(routes); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(routes) {
			end = len(routes)
		}
		_, err := tx.NamedExecContext(ctx, statementString, routes[start:end])
		if err != nil {
			return err
		}
	}
	return nil
}

// recordTrips saves trips to the database in batches
func recordTrips(ctx context.Context, tx *sqlx.Tx, trips []*Trip) error {
	statementString := "insert into trip ( " +
		"trip_id, " +
		"route_id, " +
		"service_id, " +
		"trip_headsign, " +
		"direction_id) " +
		"values (" +
		":trip_id, " +
		":route_id, " +
		":service_id, " +
		":trip_headsign, " +
		":direction_id)"
	for start := 0; start < len(trips); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(trips) {
			end = len(trips)
		}
		_, err := tx.NamedExecContext(ctx, statementString, trips[start:end])
		if err != nil {
			return err
		}
	}
	return nil
}

// recordStopTimes saves stopTimes to the database in batches
func recordStopTimes(ctx context.Context, tx *sqlx.Tx, stopTimes []*StopTime) error {
	statementString := "insert into stop_time ( " +
		"trip_id, " +
		"stop_sequence, " +
		"stop_id, " +
		"arrival_time, " +
		"departure_time) " +
		"values (" +
		":trip_id, " +
		":stop_sequence, " +
		":stop_id, " +
		":arrival_time, " +
		":departure_time)"
	for start := 0; start < len(stopTimes); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(stopTimes) {
			end = len(stopTimes)
		}
		_, err := tx.NamedExecContext(ctx, statementString, stopTimes[start:end])
		if err != nil {
			return err
		}
	}
	return nil
}

// recordCalendars saves calendars to the database in batches
func recordCalendars(ctx context.Context, tx *sqlx.Tx, calendars []*Calendar) error {
	statementString := "insert into calendar ( " +
		"service_id, " +
		"monday, " +
		"tuesday, " +
		"wednesday, " +
		"thursday, " +
		"friday, " +
		"saturday, " +
		"sunday, " +
		"start_date, " +
		"end_date) " +
		"values (" +
		":service_id, " +
		":monday, " +
		":tuesday, " +
		":wednesday, " +
		":thursday, " +
		":friday, " +
		":saturday, " +
		":sunday, " +
		":start_date, " +
		":end_date)"
	for start := 0; start < len(calendars); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(calendars) {
			end = len(calendars)
		}
		_, err := tx.NamedExecContext(ctx, statementString, calendars[start:end])
		if err != nil {
			return err
		}
	}
	return nil
}

/*
transact starts a transaction on sqlx.DB, calls txFunc and commits or rolls
back the transaction depending on the return code of the txFunc result
*/
func transact(log *log.Logger, db *sqlx.DB, txFunc func(*sqlx.Tx) error) (err error) {
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			rollbackErr := tx.Rollback() // err is non-nil; don't change it
			if rollbackErr != nil {
				log.Printf("Received error while attempting to rollback transaction. error:%v", rollbackErr)
			}
			return
		}
		err = tx.Commit() // err is nil; if Commit returns error update err
	}()
	err = txFunc(tx)
	return err
}
