// Package transitgraph builds and holds the in-memory stop graph journeys
// are planned over.
package transitgraph

import (
	"sort"

	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
)

// EdgeKind discriminates the two ways to move between adjacent stops.
type EdgeKind int

const (
	// TripEdge is a scheduled ride between consecutive stops of some trip.
	TripEdge EdgeKind = iota
	// WalkEdge is a transfer on foot between nearby stops.
	WalkEdge
)

// String - Stringer interface for EdgeKind
func (k EdgeKind) String() string {
	if k == WalkEdge {
		return "walk"
	}
	return "trip"
}

// Edge connects two stops. Trip edges carry the schedule fields of the
// minimum-travel exemplar seen while building, walk edges carry distance.
type Edge struct {
	Kind           EdgeKind
	FromStopID     string
	ToStopID       string
	TripID         string
	RouteID        string
	ServiceID      string
	DepartureTime  string
	ArrivalTime    string
	TravelSeconds  int
	DistanceMetres float64
	WalkSeconds    int
}

// Weight returns the edge cost in seconds.
func (e *Edge) Weight() float64 {
	if e.Kind == WalkEdge {
		return float64(e.WalkSeconds)
	}
	return float64(e.TravelSeconds)
}

// Node is a stop vertex.
type Node struct {
	StopID string
	Name   string
	Lat    float64
	Lon    float64
}

// Snapshot is an immutable stop graph. Numeric node ids for graph libraries
// come from the position of the stop id in the sorted stop id list, so they
// are stable for a given stop set.
type Snapshot struct {
	nodes     map[string]*Node
	stopIDs   []string
	nodeIndex map[string]int64
	adjacency map[string][]*Edge
	edgeCount int
}

func newSnapshot(stops []*gtfs.Stop) *Snapshot {
	snap := Snapshot{
		nodes:     make(map[string]*Node, len(stops)),
		stopIDs:   make([]string, 0, len(stops)),
		nodeIndex: make(map[string]int64, len(stops)),
		adjacency: make(map[string][]*Edge),
	}
	for _, stop := range stops {
		if _, present := snap.nodes[stop.StopID]; present {
			continue
		}
		snap.nodes[stop.StopID] = &Node{
			StopID: stop.StopID,
			Name:   stop.StopName,
			Lat:    stop.Lat,
			Lon:    stop.Lon,
		}
		snap.stopIDs = append(snap.stopIDs, stop.StopID)
	}
	sort.Strings(snap.stopIDs)
	for i, stopID := range snap.stopIDs {
		snap.nodeIndex[stopID] = int64(i)
	}
	return &snap
}

// addEdge appends an edge to the adjacency of its from stop. Edges naming a
// stop the snapshot does not know are dropped.
func (s *Snapshot) addEdge(edge *Edge) {
	if _, present := s.nodes[edge.FromStopID]; !present {
		return
	}
	if _, present := s.nodes[edge.ToStopID]; !present {
		return
	}
	s.adjacency[edge.FromStopID] = append(s.adjacency[edge.FromStopID], edge)
	s.edgeCount++
}

// NodeCount reports the number of stops in the graph.
func (s *Snapshot) NodeCount() int {
	return len(s.stopIDs)
}

// EdgeCount reports the number of edges in the graph.
func (s *Snapshot) EdgeCount() int {
	return s.edgeCount
}

// HasStop reports whether stopID is a node.
func (s *Snapshot) HasStop(stopID string) bool {
	_, present := s.nodes[stopID]
	return present
}

// Node returns the stop vertex for stopID, nil when absent.
func (s *Snapshot) Node(stopID string) *Node {
	return s.nodes[stopID]
}

// StopIDs returns all stop ids in sorted order. Callers must not modify the
// returned slice.
func (s *Snapshot) StopIDs() []string {
	return s.stopIDs
}

// NodeID returns the stable numeric id for stopID.
func (s *Snapshot) NodeID(stopID string) (int64, bool) {
	id, present := s.nodeIndex[stopID]
	return id, present
}

// StopIDForNode returns the stop id behind a numeric node id, "" when out of
// range.
func (s *Snapshot) StopIDForNode(id int64) string {
	if id < 0 || id >= int64(len(s.stopIDs)) {
		return ""
	}
	return s.stopIDs[id]
}

// EdgesFrom returns the outgoing edges of a stop in insertion order, trip
// edges ahead of walk edges. Callers must not modify the returned slice.
func (s *Snapshot) EdgesFrom(stopID string) []*Edge {
	return s.adjacency[stopID]
}

// EdgesBetween returns every edge from u to v in insertion order.
func (s *Snapshot) EdgesBetween(u string, v string) []*Edge {
	var between []*Edge
	for _, edge := range s.adjacency[u] {
		if edge.ToStopID == v {
			between = append(between, edge)
		}
	}
	return between
}

// BestEdge returns the first minimum weight edge from u to v, nil when the
// stops are not adjacent.
func (s *Snapshot) BestEdge(u string, v string) *Edge {
	var best *Edge
	for _, edge := range s.adjacency[u] {
		if edge.ToStopID != v {
			continue
		}
		if best == nil || edge.Weight() < best.Weight() {
			best = edge
		}
	}
	return best
}
