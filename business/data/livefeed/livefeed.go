// Package livefeed holds the most recent GTFS-RT state in memory and decodes
// raw feed payloads into the domain types the risk scorer reads.
package livefeed

import (
	"sync"
	"time"
)

// TripUpdate is the subset of a GTFS-RT trip update the risk scorer uses.
type TripUpdate struct {
	TripID       string
	RouteID      string
	DelaySeconds int
	IsCancelled  bool
	StopDelays   map[string]int
	FetchedAt    time.Time
}

// ServiceAlert is an active GTFS-RT alert and the routes and stops it names.
type ServiceAlert struct {
	ID               string
	Header           string
	Description      string
	AffectedRouteIDs []string
	AffectedStopIDs  []string
	FetchedAt        time.Time
}

// VehiclePosition is the last reported position for a trip.
type VehiclePosition struct {
	TripID    string
	Lat       float64
	Lon       float64
	Timestamp int64
}

// State contains the current live feed results and provides thread safe access to them.
// Each container is replaced wholesale on update and never mutated in place, so a
// Snapshot stays valid for as long as a caller holds it.
type State struct {
	mu               sync.Mutex
	tripUpdates      map[string]*TripUpdate
	alerts           []*ServiceAlert
	vehiclePositions map[string]*VehiclePosition
	lastFetched      time.Time
}

// NewState State factory
func NewState() *State {
	return &State{
		tripUpdates:      make(map[string]*TripUpdate),
		alerts:           make([]*ServiceAlert, 0),
		vehiclePositions: make(map[string]*VehiclePosition),
	}
}

// SetTripUpdates replaces all current trip updates
func (s *State) SetTripUpdates(updates map[string]*TripUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if updates == nil {
		updates = make(map[string]*TripUpdate)
	}
	s.tripUpdates = updates
	s.lastFetched = time.Now()
}

// SetAlerts replaces all current service alerts
func (s *State) SetAlerts(alerts []*ServiceAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if alerts == nil {
		alerts = make([]*ServiceAlert, 0)
	}
	s.alerts = alerts
	s.lastFetched = time.Now()
}

// SetVehiclePositions replaces all current vehicle positions
func (s *State) SetVehiclePositions(positions map[string]*VehiclePosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if positions == nil {
		positions = make(map[string]*VehiclePosition)
	}
	s.vehiclePositions = positions
	s.lastFetched = time.Now()
}

// Snapshot is a point-in-time view of the live feed state. The containers it
// references are immutable once captured.
type Snapshot struct {
	TripUpdates      map[string]*TripUpdate
	Alerts           []*ServiceAlert
	VehiclePositions map[string]*VehiclePosition
	LastFetched      time.Time
}

// Snapshot captures the current containers. Two snapshots taken across an
// update may differ, readers scoring one response should take one snapshot
// and use it throughout.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		TripUpdates:      s.tripUpdates,
		Alerts:           s.alerts,
		VehiclePositions: s.vehiclePositions,
		LastFetched:      s.lastFetched,
	}
}

// TripUpdateFor returns the update for tripID, or nil when none is present.
func (s Snapshot) TripUpdateFor(tripID string) *TripUpdate {
	return s.TripUpdates[tripID]
}

// CancelledOnRoute counts trip updates on routeID currently marked cancelled.
func (s Snapshot) CancelledOnRoute(routeID string) int {
	count := 0
	for _, update := range s.TripUpdates {
		if update.IsCancelled && update.RouteID == routeID {
			count++
		}
	}
	return count
}

// HasVehicle reports whether a vehicle position has been seen for tripID.
func (s Snapshot) HasVehicle(tripID string) bool {
	_, present := s.VehiclePositions[tripID]
	return present
}

// AlertsMatching returns alerts naming routeID among their affected routes or
// stopID among their affected stops.
func (s Snapshot) AlertsMatching(routeID string, stopID string) []*ServiceAlert {
	var matched []*ServiceAlert
	for _, alert := range s.Alerts {
		if alertMatches(alert, routeID, stopID) {
			matched = append(matched, alert)
		}
	}
	return matched
}

func alertMatches(alert *ServiceAlert, routeID string, stopID string) bool {
	for _, affected := range alert.AffectedRouteIDs {
		if affected == routeID {
			return true
		}
	}
	for _, affected := range alert.AffectedStopIDs {
		if affected == stopID {
			return true
		}
	}
	return false
}
