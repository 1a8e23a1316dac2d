package routing

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
	"github.com/OpenTransitTools/transitroute/business/data/transitgraph"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// Search bounds applied when the corresponding Options field is zero.
const (
	DefaultMaxRoutes          = 5
	DefaultMaxTransfers       = 2
	DefaultMinTransferMinutes = 10
)

// candidateMultiplier caps how many raw shortest paths the k-shortest-path
// search may enumerate per query, relative to MaxRoutes.
const candidateMultiplier = 15

// maxFillDepartureSec is the last departure second of the service day the
// later-departure fill will chase (23:59:59).
const maxFillDepartureSec = 23*60*60 + 59*60 + 59

// UnknownStopError reports an origin or destination the graph has never
// heard of.
type UnknownStopError struct {
	StopID string
}

func (e UnknownStopError) Error() string {
	return fmt.Sprintf("unknown stop %s", e.StopID)
}

// Options bound the journey search.
type Options struct {
	MaxRoutes          int
	MaxTransfers       int
	MinTransferMinutes int
}

func (o Options) withDefaults() Options {
	if o.MaxRoutes <= 0 {
		o.MaxRoutes = DefaultMaxRoutes
	}
	if o.MaxTransfers <= 0 {
		o.MaxTransfers = DefaultMaxTransfers
	}
	if o.MinTransferMinutes <= 0 {
		o.MinTransferMinutes = DefaultMinTransferMinutes
	}
	return o
}

// FindRoutes plans up to MaxRoutes distinct journeys from origin to dest
// departing at or after departure. Candidate paths come from Yen's
// k-shortest-paths over the projected simple graph; each candidate is bound
// to concrete trips, filtered, and deduplicated by trip signature. When
// fewer than MaxRoutes distinct journeys emerge, later departures along the
// accepted paths fill the remaining slots.
//
// An empty result is not an error. Unknown stops return UnknownStopError;
// any other error is a storage failure.
func FindRoutes(ctx context.Context, log *log.Logger, store gtfs.Store, snap *transitgraph.Snapshot,
	origin, dest string, departure time.Time, opts Options) ([]Route, error) {

	opts = opts.withDefaults()

	originID, ok := snap.NodeID(origin)
	if !ok {
		return nil, UnknownStopError{StopID: origin}
	}
	destID, ok := snap.NodeID(dest)
	if !ok {
		return nil, UnknownStopError{StopID: dest}
	}

	projected := projectGraph(snap)
	candidates := path.YenKShortestPaths(projected,
		opts.MaxRoutes*candidateMultiplier, math.Inf(1),
		projected.Node(originID), projected.Node(destID))
	log.Printf("routing %s -> %s found %d candidate paths", origin, dest, len(candidates))

	sched := newScheduler(store, snap, gtfs.ServiceDate(departure), opts)
	notBefore := gtfs.SecondsOfDay(departure)

	routes := make([]Route, 0, opts.MaxRoutes)
	seen := make(map[string]bool)
	accepted := make([][]graph.Node, 0, opts.MaxRoutes)

	for _, candidate := range candidates {
		if len(routes) >= opts.MaxRoutes {
			break
		}
		legs, err := sched.schedulePath(ctx, candidate, notBefore)
		if err != nil {
			return nil, err
		}
		if legs == nil || !passesFilters(legs, opts.MaxTransfers, opts.MinTransferMinutes) {
			continue
		}
		signature := tripSignature(legs)
		if seen[signature] {
			continue
		}
		seen[signature] = true
		routes = append(routes, Route{Legs: legs})
		accepted = append(accepted, candidate)
	}

	if len(routes) < opts.MaxRoutes && len(accepted) > 0 {
		routes, err := fillLaterDepartures(ctx, sched, routes, accepted, seen, opts)
		if err != nil {
			return nil, err
		}
		return routes, nil
	}
	return routes, nil
}

// fillLaterDepartures reruns the accepted paths with ever later departure
// floors until MaxRoutes journeys exist or every path runs out of service
// day. Each path keeps a pointer one second past its last first-leg
// departure; a pointer that cannot be scheduled again dies.
func fillLaterDepartures(ctx context.Context, sched *scheduler, routes []Route,
	accepted [][]graph.Node, seen map[string]bool, opts Options) ([]Route, error) {

	pointers := make([]int, len(accepted))
	for i := range accepted {
		pointers[i] = nextPointer(routes[i].Legs)
	}

	for len(routes) < opts.MaxRoutes {
		for i := range accepted {
			if len(routes) >= opts.MaxRoutes {
				break
			}
			if pointers[i] < 0 || pointers[i] > maxFillDepartureSec {
				continue
			}
			legs, err := sched.schedulePath(ctx, accepted[i], pointers[i])
			if err != nil {
				return nil, err
			}
			if legs == nil || !passesFilters(legs, opts.MaxTransfers, opts.MinTransferMinutes) {
				pointers[i] = -1
				continue
			}
			next := nextPointer(legs)
			if next <= pointers[i] {
				// a pointer that fails to advance would rescan the same
				// departure forever
				pointers[i] = -1
				continue
			}
			pointers[i] = next

			signature := tripSignature(legs)
			if !seen[signature] {
				seen[signature] = true
				routes = append(routes, Route{Legs: legs})
			}
		}

		alive := false
		for _, pointer := range pointers {
			if pointer >= 0 && pointer <= maxFillDepartureSec {
				alive = true
				break
			}
		}
		if !alive {
			break
		}
	}
	return routes, nil
}

// nextPointer is one second past the first trip departure of legs, or -1
// when the journey has no trip legs.
func nextPointer(legs []Leg) int {
	for _, leg := range legs {
		if tripLeg, ok := leg.(*TripLeg); ok {
			return gtfs.ParseHMS(tripLeg.DepartureTime) + 1
		}
	}
	return -1
}

// projectGraph reduces the stop multigraph to a simple weighted digraph
// keeping the minimum weight per ordered pair, the shape Yen's algorithm
// expects. Trip metadata is recovered later against the full snapshot.
func projectGraph(snap *transitgraph.Snapshot) *simple.WeightedDirectedGraph {
	projected := simple.NewWeightedDirectedGraph(0, math.Inf(1))
	for _, stopID := range snap.StopIDs() {
		id, _ := snap.NodeID(stopID)
		projected.AddNode(simple.Node(id))
	}
	for _, stopID := range snap.StopIDs() {
		fromID, _ := snap.NodeID(stopID)
		done := make(map[string]bool)
		for _, edge := range snap.EdgesFrom(stopID) {
			if done[edge.ToStopID] {
				continue
			}
			done[edge.ToStopID] = true
			toID, _ := snap.NodeID(edge.ToStopID)
			best := snap.BestEdge(stopID, edge.ToStopID)
			projected.SetWeightedEdge(simple.WeightedEdge{
				F: simple.Node(fromID),
				T: simple.Node(toID),
				W: best.Weight(),
			})
		}
	}
	return projected
}
