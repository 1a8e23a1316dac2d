package livefeed

import (
	"time"
)

// Injectors below place synthetic entries into State so the risk path can be
// exercised without a feed credential. Each injector rebuilds the container it
// touches so snapshots taken earlier keep their view.

// ClearAll resets every live container to empty.
func (s *State) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tripUpdates = make(map[string]*TripUpdate)
	s.alerts = make([]*ServiceAlert, 0)
	s.vehiclePositions = make(map[string]*VehiclePosition)
	s.lastFetched = time.Now()
}

// InjectCancellation marks a trip as cancelled.
func (s *State) InjectCancellation(tripID string, routeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updates := copyTripUpdates(s.tripUpdates)
	updates[tripID] = &TripUpdate{
		TripID:      tripID,
		RouteID:     routeID,
		IsCancelled: true,
		StopDelays:  make(map[string]int),
		FetchedAt:   time.Now(),
	}
	s.tripUpdates = updates
	s.lastFetched = time.Now()
}

// InjectDelay records a departure delay for a trip at a stop.
func (s *State) InjectDelay(tripID string, routeID string, stopID string, delaySeconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updates := copyTripUpdates(s.tripUpdates)
	update := TripUpdate{
		TripID:       tripID,
		RouteID:      routeID,
		DelaySeconds: delaySeconds,
		StopDelays:   map[string]int{stopID: delaySeconds},
		FetchedAt:    time.Now(),
	}
	if previous, present := updates[tripID]; present {
		update.IsCancelled = previous.IsCancelled
		for stop, delay := range previous.StopDelays {
			if stop != stopID {
				update.StopDelays[stop] = delay
			}
		}
	}
	updates[tripID] = &update
	s.tripUpdates = updates
	s.lastFetched = time.Now()
}

// InjectAlert adds a service alert naming the given routes and stops.
func (s *State) InjectAlert(id string, header string, description string, routeIDs []string, stopIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alerts := make([]*ServiceAlert, 0, len(s.alerts)+1)
	alerts = append(alerts, s.alerts...)
	alerts = append(alerts, &ServiceAlert{
		ID:               id,
		Header:           header,
		Description:      description,
		AffectedRouteIDs: routeIDs,
		AffectedStopIDs:  stopIDs,
		FetchedAt:        time.Now(),
	})
	s.alerts = alerts
	s.lastFetched = time.Now()
}

// InjectVehiclePosition records a vehicle position for a trip.
func (s *State) InjectVehiclePosition(tripID string, lat float64, lon float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	positions := make(map[string]*VehiclePosition, len(s.vehiclePositions)+1)
	for id, position := range s.vehiclePositions {
		positions[id] = position
	}
	positions[tripID] = &VehiclePosition{
		TripID:    tripID,
		Lat:       lat,
		Lon:       lon,
		Timestamp: time.Now().Unix(),
	}
	s.vehiclePositions = positions
	s.lastFetched = time.Now()
}

// Summary reports how much live state is currently held.
type Summary struct {
	TripUpdates      int
	Alerts           int
	VehiclePositions int
	LastFetched      time.Time
}

// StateSummary returns current container sizes.
func (s *State) StateSummary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		TripUpdates:      len(s.tripUpdates),
		Alerts:           len(s.alerts),
		VehiclePositions: len(s.vehiclePositions),
		LastFetched:      s.lastFetched,
	}
}

func copyTripUpdates(updates map[string]*TripUpdate) map[string]*TripUpdate {
	copied := make(map[string]*TripUpdate, len(updates)+1)
	for id, update := range updates {
		copied[id] = update
	}
	return copied
}
