package routing

import (
	"context"
	"fmt"

	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
	"github.com/OpenTransitTools/transitroute/business/data/transitgraph"
	"gonum.org/v1/gonum/graph"
)

// tripSelectKey identifies one EarliestTrip lookup. The service date is
// fixed for the life of a scheduler, so it is not part of the key.
type tripSelectKey struct {
	routeID     string
	firstStopID string
	lastStopID  string
	notBefore   int
}

// scheduler binds candidate node paths to concrete scheduled trips. Store
// lookups are memoized for the duration of one FindRoutes call, where the
// same (route, segment, time) questions recur across candidates and the
// later-departure fill.
type scheduler struct {
	store       gtfs.Store
	snap        *transitgraph.Snapshot
	serviceDate string
	opts        Options

	tripSelect map[tripSelectKey]string             // "" records a known miss
	stopTimes  map[string]map[string]*gtfs.StopTime // trip id -> stop id -> stop time
}

func newScheduler(store gtfs.Store, snap *transitgraph.Snapshot, serviceDate string, opts Options) *scheduler {
	return &scheduler{
		store:       store,
		snap:        snap,
		serviceDate: serviceDate,
		opts:        opts,
		tripSelect:  make(map[tripSelectKey]string),
		stopTimes:   make(map[string]map[string]*gtfs.StopTime),
	}
}

// schedulePath binds one candidate node path to concrete legs leaving at or
// after notBeforeSec. A nil leg slice with a nil error means the path
// cannot be ridden that late; an error is a storage failure.
func (s *scheduler) schedulePath(ctx context.Context, nodePath []graph.Node, notBeforeSec int) ([]Leg, error) {
	stops := make([]string, len(nodePath))
	for i, node := range nodePath {
		stops[i] = s.snap.StopIDForNode(node.ID())
	}
	return s.scheduleStops(ctx, stops, notBeforeSec)
}

func (s *scheduler) scheduleStops(ctx context.Context, stops []string, notBeforeSec int) ([]Leg, error) {
	legs := make([]Leg, 0, len(stops))
	notBefore := notBeforeSec

	i := 0
	for i < len(stops)-1 {
		best := s.snap.BestEdge(stops[i], stops[i+1])
		if best == nil {
			return nil, nil
		}

		if best.Kind == transitgraph.WalkEdge {
			legs = append(legs, &WalkLeg{
				Kind:           WalkLegKind,
				FromStopID:     best.FromStopID,
				ToStopID:       best.ToStopID,
				FromStopName:   s.stopName(best.FromStopID),
				ToStopName:     s.stopName(best.ToStopID),
				DistanceMetres: best.DistanceMetres,
				WalkSeconds:    best.WalkSeconds,
			})
			notBefore += best.WalkSeconds
			i++
			continue
		}

		routeID := s.pickRoute(stops, i)
		segmentEnd := s.extendSegment(stops, i, routeID)
		segment := stops[i : segmentEnd+1]

		tripLegs, err := s.findTripLegs(ctx, routeID, segment, notBefore)
		if err != nil {
			return nil, err
		}
		if tripLegs == nil {
			return nil, nil
		}
		legs = append(legs, tripLegs...)

		lastLeg := tripLegs[len(tripLegs)-1].(*TripLeg)
		notBefore = gtfs.ParseHMS(lastLeg.ArrivalTime) + s.opts.MinTransferMinutes*60
		i = segmentEnd
	}

	if len(legs) == 0 {
		return nil, nil
	}
	return legs, nil
}

// pickRoute chooses among the cheapest trip edges on the pair at index i
// the route that keeps going the longest along the path, so a one-seat
// ride beats an equally fast ride that would force a transfer two stops
// later. Ties keep the first candidate in adjacency order.
func (s *scheduler) pickRoute(stops []string, i int) string {
	best := s.snap.BestEdge(stops[i], stops[i+1])
	candidates := make([]string, 0, 2)
	for _, edge := range s.snap.EdgesBetween(stops[i], stops[i+1]) {
		if edge.Kind != transitgraph.TripEdge || edge.Weight() != best.Weight() {
			continue
		}
		if !containsString(candidates, edge.RouteID) {
			candidates = append(candidates, edge.RouteID)
		}
	}

	chosen := candidates[0]
	if len(candidates) == 1 {
		return chosen
	}
	bestRun := s.routeRunLength(stops, i, chosen)
	for _, routeID := range candidates[1:] {
		if run := s.routeRunLength(stops, i, routeID); run > bestRun {
			chosen, bestRun = routeID, run
		}
	}
	return chosen
}

// routeRunLength counts consecutive pairs from index i that carry a trip
// edge on routeID, whatever that edge weighs.
func (s *scheduler) routeRunLength(stops []string, i int, routeID string) int {
	run := 0
	for j := i; j < len(stops)-1; j++ {
		if !s.hasRouteEdge(stops[j], stops[j+1], routeID) {
			break
		}
		run++
	}
	return run
}

// extendSegment returns the index of the last stop reachable from index i
// riding routeID without leaving the path.
func (s *scheduler) extendSegment(stops []string, i int, routeID string) int {
	j := i
	for j < len(stops)-1 && s.hasRouteEdge(stops[j], stops[j+1], routeID) {
		j++
	}
	return j
}

func (s *scheduler) hasRouteEdge(u, v, routeID string) bool {
	for _, edge := range s.snap.EdgesBetween(u, v) {
		if edge.Kind == transitgraph.TripEdge && edge.RouteID == routeID {
			return true
		}
	}
	return false
}

// findTripLegs binds one contiguous segment ridden on routeID to the
// earliest trip departing the segment head at or after notBeforeSec. Nil
// legs mean no such trip, or a trip that skips one of the segment stops.
func (s *scheduler) findTripLegs(ctx context.Context, routeID string, segment []string, notBeforeSec int) ([]Leg, error) {
	firstStopID, lastStopID := segment[0], segment[len(segment)-1]

	key := tripSelectKey{routeID: routeID, firstStopID: firstStopID, lastStopID: lastStopID, notBefore: notBeforeSec}
	tripID, cached := s.tripSelect[key]
	if !cached {
		var err error
		tripID, err = s.store.EarliestTrip(ctx, routeID, s.serviceDate, firstStopID, lastStopID, notBeforeSec)
		if err != nil {
			return nil, fmt.Errorf("unable to find earliest trip on route %s from %s to %s: %w",
				routeID, firstStopID, lastStopID, err)
		}
		s.tripSelect[key] = tripID
	}
	if tripID == "" {
		return nil, nil
	}

	byStop, err := s.tripStopTimes(ctx, tripID)
	if err != nil {
		return nil, err
	}

	legs := make([]Leg, 0, len(segment)-1)
	for i := 0; i < len(segment)-1; i++ {
		fromStop, ok := byStop[segment[i]]
		if !ok {
			return nil, nil
		}
		toStop, ok := byStop[segment[i+1]]
		if !ok {
			return nil, nil
		}
		travel := gtfs.ParseHMS(toStop.ArrivalTime) - gtfs.ParseHMS(fromStop.DepartureTime)
		if travel < 0 {
			travel = 0
		}
		legs = append(legs, &TripLeg{
			Kind:          TripLegKind,
			FromStopID:    segment[i],
			ToStopID:      segment[i+1],
			FromStopName:  s.stopName(segment[i]),
			ToStopName:    s.stopName(segment[i+1]),
			TripID:        tripID,
			RouteID:       routeID,
			ServiceID:     s.serviceDate,
			DepartureTime: fromStop.DepartureTime,
			ArrivalTime:   toStop.ArrivalTime,
			TravelSeconds: travel,
		})
	}
	return legs, nil
}

func (s *scheduler) tripStopTimes(ctx context.Context, tripID string) (map[string]*gtfs.StopTime, error) {
	if cached, ok := s.stopTimes[tripID]; ok {
		return cached, nil
	}
	rows, err := s.store.TripStopTimes(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("unable to load stop times for trip %s: %w", tripID, err)
	}
	byStop := make(map[string]*gtfs.StopTime, len(rows))
	for _, row := range rows {
		byStop[row.StopID] = row
	}
	s.stopTimes[tripID] = byStop
	return byStop, nil
}

func (s *scheduler) stopName(stopID string) string {
	if node := s.snap.Node(stopID); node != nil {
		return node.Name
	}
	return ""
}

func containsString(values []string, want string) bool {
	for _, value := range values {
		if value == want {
			return true
		}
	}
	return false
}
