package gtfs

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store entirely in memory. It backs tests and local
// fixtures where a database is unavailable.
type MemoryStore struct {
	mu          sync.RWMutex
	stops       map[string]*Stop
	routes      map[string]*Route
	trips       map[string]*Trip
	stopTimes   map[string][]*StopTime
	calendars   []*Calendar
	reliability []*ReliabilityRecord
	nextRecID   int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stops:     make(map[string]*Stop),
		routes:    make(map[string]*Route),
		trips:     make(map[string]*Trip),
		stopTimes: make(map[string][]*StopTime),
	}
}

// TripStopEntry is one scheduled stop handed to AddTrip. Stop sequences are
// assigned from the entry order.
type TripStopEntry struct {
	StopID        string
	ArrivalTime   string
	DepartureTime string
}

// AddStop registers a stop fixture.
func (m *MemoryStore) AddStop(stopID, stopName string, lat, lon float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops[stopID] = &Stop{StopID: stopID, StopName: stopName, Lat: lat, Lon: lon}
}

// AddRoute registers a route fixture.
func (m *MemoryStore) AddRoute(routeID, shortName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[routeID] = &Route{RouteID: routeID, ShortName: shortName, RouteType: 3}
}

// AddTrip registers a trip fixture along with its ordered stop times.
func (m *MemoryStore) AddTrip(tripID, routeID, serviceID string, entries ...TripStopEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[tripID] = &Trip{TripID: tripID, RouteID: routeID, ServiceID: serviceID}
	stopTimes := make([]*StopTime, 0, len(entries))
	for i, entry := range entries {
		stopTimes = append(stopTimes, &StopTime{
			TripID:        tripID,
			StopSequence:  i + 1,
			StopID:        entry.StopID,
			ArrivalTime:   entry.ArrivalTime,
			DepartureTime: entry.DepartureTime,
		})
	}
	m.stopTimes[tripID] = stopTimes
}

func (m *MemoryStore) sortedTripIDs() []string {
	tripIDs := make([]string, 0, len(m.trips))
	for tripID := range m.trips {
		tripIDs = append(tripIDs, tripID)
	}
	sort.Strings(tripIDs)
	return tripIDs
}

func (m *MemoryStore) Stops(_ context.Context) ([]*Stop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Stop, 0, len(m.stops))
	for _, stop := range m.stops {
		cp := *stop
		results = append(results, &cp)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].StopID < results[j].StopID })
	return results, nil
}

func (m *MemoryStore) SearchStops(_ context.Context, query string, limit int) ([]*Stop, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	needle := strings.ToLower(query)
	results := make([]*Stop, 0)
	for _, stop := range m.stops {
		if strings.Contains(strings.ToLower(stop.StopName), needle) {
			cp := *stop
			results = append(results, &cp)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].StopName != results[j].StopName {
			return results[i].StopName < results[j].StopName
		}
		return results[i].StopID < results[j].StopID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *MemoryStore) RoutesServingStops(_ context.Context, stopIDs []string) (map[string][]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[string]bool, len(stopIDs))
	for _, stopID := range stopIDs {
		wanted[stopID] = true
	}
	seen := make(map[string]map[string]bool)
	for tripID, stopTimes := range m.stopTimes {
		trip := m.trips[tripID]
		if trip == nil {
			continue
		}
		for _, stopTime := range stopTimes {
			if !wanted[stopTime.StopID] {
				continue
			}
			if seen[stopTime.StopID] == nil {
				seen[stopTime.StopID] = make(map[string]bool)
			}
			seen[stopTime.StopID][trip.RouteID] = true
		}
	}
	results := make(map[string][]string, len(seen))
	for stopID, routeIDs := range seen {
		for routeID := range routeIDs {
			results[stopID] = append(results[stopID], routeID)
		}
		sort.Strings(results[stopID])
	}
	return results, nil
}

func (m *MemoryStore) StopTimeEdges(_ context.Context) ([]TripStopRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]TripStopRow, 0)
	for _, tripID := range m.sortedTripIDs() {
		trip := m.trips[tripID]
		for _, stopTime := range m.stopTimes[tripID] {
			results = append(results, TripStopRow{
				TripID:        tripID,
				RouteID:       trip.RouteID,
				ServiceID:     trip.ServiceID,
				StopID:        stopTime.StopID,
				StopSequence:  stopTime.StopSequence,
				ArrivalTime:   stopTime.ArrivalTime,
				DepartureTime: stopTime.DepartureTime,
			})
		}
	}
	return results, nil
}

func (m *MemoryStore) EarliestTrip(_ context.Context,
	routeID, serviceDate, firstStopID, lastStopID string,
	notBeforeSec int) (string, error) {

	m.mu.RLock()
	defer m.mu.RUnlock()
	bestTripID := ""
	bestDeparture := 0
	for _, tripID := range m.sortedTripIDs() {
		trip := m.trips[tripID]
		if trip.RouteID != routeID || trip.ServiceID != serviceDate {
			continue
		}
		stopTimes := m.stopTimes[tripID]
		departure, ok := qualifyingDeparture(stopTimes, firstStopID, lastStopID, notBeforeSec)
		if !ok {
			continue
		}
		if bestTripID == "" || departure < bestDeparture {
			bestTripID = tripID
			bestDeparture = departure
		}
	}
	return bestTripID, nil
}

// qualifyingDeparture finds the earliest departure from firstStopID at or
// after notBeforeSec on a trip that goes on to serve lastStopID at a greater
// stop sequence.
func qualifyingDeparture(stopTimes []*StopTime, firstStopID, lastStopID string, notBeforeSec int) (int, bool) {
	for i, stopTime := range stopTimes {
		if stopTime.StopID != firstStopID {
			continue
		}
		departure := ParseHMS(stopTime.DepartureTime)
		if departure < notBeforeSec {
			continue
		}
		for _, later := range stopTimes[i+1:] {
			if later.StopID == lastStopID {
				return departure, true
			}
		}
	}
	return 0, false
}

func (m *MemoryStore) TripStopTimes(_ context.Context, tripID string) ([]*StopTime, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stopTimes := m.stopTimes[tripID]
	results := make([]*StopTime, 0, len(stopTimes))
	for _, stopTime := range stopTimes {
		cp := *stopTime
		results = append(results, &cp)
	}
	return results, nil
}

func (m *MemoryStore) TripStopTimesForTrips(_ context.Context, tripIDs []string) (map[string][]TripStopRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make(map[string][]TripStopRow)
	for _, tripID := range tripIDs {
		trip := m.trips[tripID]
		if trip == nil {
			continue
		}
		for _, stopTime := range m.stopTimes[tripID] {
			results[tripID] = append(results[tripID], TripStopRow{
				TripID:        tripID,
				RouteID:       trip.RouteID,
				ServiceID:     trip.ServiceID,
				StopID:        stopTime.StopID,
				StopSequence:  stopTime.StopSequence,
				ArrivalTime:   stopTime.ArrivalTime,
				DepartureTime: stopTime.DepartureTime,
			})
		}
	}
	return results, nil
}

// WalkPairsWithin always reports ErrNoSpatialIndex; the graph builder scans
// stops in memory instead.
func (m *MemoryStore) WalkPairsWithin(_ context.Context, _ float64) ([]WalkPair, error) {
	return nil, ErrNoSpatialIndex
}

func (m *MemoryStore) CountStops(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.stops), nil
}

func (m *MemoryStore) CountTrips(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.trips), nil
}

func (m *MemoryStore) MaxServiceID(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	maxServiceID := ""
	for _, trip := range m.trips {
		if trip.ServiceID > maxServiceID {
			maxServiceID = trip.ServiceID
		}
	}
	return maxServiceID, nil
}

func (m *MemoryStore) ServiceIDRange(_ context.Context) (string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	minServiceID, maxServiceID := "", ""
	for _, trip := range m.trips {
		if minServiceID == "" || trip.ServiceID < minServiceID {
			minServiceID = trip.ServiceID
		}
		if trip.ServiceID > maxServiceID {
			maxServiceID = trip.ServiceID
		}
	}
	return minServiceID, maxServiceID, nil
}

func (m *MemoryStore) ScheduledDepartureCounts(_ context.Context, startDate, endDate string) ([]DepartureCountRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type countKey struct {
		routeID   string
		stopID    string
		serviceID string
		hour      int
	}
	counts := make(map[countKey]int)
	for tripID, stopTimes := range m.stopTimes {
		trip := m.trips[tripID]
		if trip == nil || trip.ServiceID < startDate || trip.ServiceID > endDate {
			continue
		}
		for _, stopTime := range stopTimes {
			key := countKey{
				routeID:   trip.RouteID,
				stopID:    stopTime.StopID,
				serviceID: trip.ServiceID,
				hour:      (ParseHMS(stopTime.DepartureTime) / 3600) % 24,
			}
			counts[key]++
		}
	}
	results := make([]DepartureCountRow, 0, len(counts))
	for key, departures := range counts {
		results = append(results, DepartureCountRow{
			RouteID:       key.routeID,
			StopID:        key.stopID,
			ServiceID:     key.serviceID,
			DepartureHour: key.hour,
			Departures:    departures,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.RouteID != b.RouteID {
			return a.RouteID < b.RouteID
		}
		if a.StopID != b.StopID {
			return a.StopID < b.StopID
		}
		if a.ServiceID != b.ServiceID {
			return a.ServiceID < b.ServiceID
		}
		return a.DepartureHour < b.DepartureHour
	})
	return results, nil
}

func (m *MemoryStore) ReliabilityRecord(_ context.Context, routeID, stopID, bucket string) (*ReliabilityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *ReliabilityRecord
	for _, rec := range m.reliability {
		if rec.RouteID != routeID || rec.StopID != stopID || rec.TimeBucket != bucket {
			continue
		}
		if latest == nil || rec.UpdatedAt.After(latest.UpdatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) UpsertReliabilityRecord(_ context.Context, rec *ReliabilityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID != 0 {
		for i, existing := range m.reliability {
			if existing.ID == rec.ID {
				cp := *rec
				m.reliability[i] = &cp
				return nil
			}
		}
	}
	m.nextRecID++
	rec.ID = m.nextRecID
	cp := *rec
	m.reliability = append(m.reliability, &cp)
	return nil
}

func (m *MemoryStore) CountReliabilityRecords(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.reliability), nil
}

func (m *MemoryStore) LastReliabilityUpdate(_ context.Context) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last *time.Time
	for _, rec := range m.reliability {
		if last == nil || rec.UpdatedAt.After(*last) {
			updatedAt := rec.UpdatedAt
			last = &updatedAt
		}
	}
	return last, nil
}

func (m *MemoryStore) ReplaceStaticData(_ context.Context, feed *StaticFeed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = make(map[string]*Stop, len(feed.Stops))
	for _, stop := range feed.Stops {
		cp := *stop
		m.stops[stop.StopID] = &cp
	}
	m.routes = make(map[string]*Route, len(feed.Routes))
	for _, route := range feed.Routes {
		cp := *route
		m.routes[route.RouteID] = &cp
	}
	m.trips = make(map[string]*Trip, len(feed.Trips))
	for _, trip := range feed.Trips {
		cp := *trip
		m.trips[trip.TripID] = &cp
	}
	m.stopTimes = make(map[string][]*StopTime, len(feed.Trips))
	for _, stopTime := range feed.StopTimes {
		cp := *stopTime
		m.stopTimes[stopTime.TripID] = append(m.stopTimes[stopTime.TripID], &cp)
	}
	for tripID := range m.stopTimes {
		stopTimes := m.stopTimes[tripID]
		sort.Slice(stopTimes, func(i, j int) bool { return stopTimes[i].StopSequence < stopTimes[j].StopSequence })
	}
	m.calendars = make([]*Calendar, 0, len(feed.Calendars))
	for _, calendar := range feed.Calendars {
		cp := *calendar
		m.calendars = append(m.calendars, &cp)
	}
	return nil
}
