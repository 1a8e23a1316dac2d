package transitgraph

import (
	"context"
	"fmt"
	"log"
	"os"
	"reflect"
	"sort"
	"testing"

	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
	"github.com/OpenTransitTools/transitroute/foundation/geo"
	"github.com/matryer/is"
)

func testLogger() *log.Logger {
	return log.New(os.Stdout, "TEST : ", log.LstdFlags)
}

// testStore builds four stops where A, B and D are within walking range of
// each other and C is a long ride away, with two trips on R1 and one on R2.
func testStore() *gtfs.MemoryStore {
	store := gtfs.NewMemoryStore()
	store.AddStop("A", "First & Main", 45.5200, -122.6800)
	store.AddStop("B", "Second & Main", 45.5210, -122.6800)
	store.AddStop("C", "Main Street Station", 45.5300, -122.6800)
	store.AddStop("D", "Fourth & Main", 45.5204, -122.6795)
	store.AddRoute("R1", "1")
	store.AddRoute("R2", "2")
	store.AddTrip("T1", "R1", "20260209",
		gtfs.TripStopEntry{StopID: "A", ArrivalTime: "08:00:00", DepartureTime: "08:00:00"},
		gtfs.TripStopEntry{StopID: "B", ArrivalTime: "08:10:00", DepartureTime: "08:10:00"},
		gtfs.TripStopEntry{StopID: "C", ArrivalTime: "08:20:00", DepartureTime: "08:20:00"},
	)
	store.AddTrip("T2", "R1", "20260209",
		gtfs.TripStopEntry{StopID: "A", ArrivalTime: "09:00:00", DepartureTime: "09:00:00"},
		gtfs.TripStopEntry{StopID: "B", ArrivalTime: "09:05:00", DepartureTime: "09:05:00"},
		gtfs.TripStopEntry{StopID: "C", ArrivalTime: "09:20:00", DepartureTime: "09:20:00"},
	)
	store.AddTrip("T3", "R2", "20260209",
		gtfs.TripStopEntry{StopID: "A", ArrivalTime: "10:00:00", DepartureTime: "10:00:00"},
		gtfs.TripStopEntry{StopID: "B", ArrivalTime: "10:12:00", DepartureTime: "10:12:00"},
	)
	return store
}

func TestBuild(t *testing.T) {
	is := is.New(t)
	snap, err := Build(context.Background(), testLogger(), testStore(), Config{
		MaxWalkMetres: 500,
		WalkSpeedKPH:  4.5,
	})
	is.NoErr(err)

	is.Equal(snap.NodeCount(), 4)
	// 3 trip edges after dedup plus 6 walk edges among A, B and D
	is.Equal(snap.EdgeCount(), 9)

	// (A,B,R1) keeps the faster T2 run, (B,C,R1) keeps the faster T1 run
	between := snap.EdgesBetween("A", "B")
	is.Equal(len(between), 3)
	is.Equal(between[0].Kind, TripEdge)
	is.Equal(between[0].RouteID, "R1")
	is.Equal(between[0].TripID, "T2")
	is.Equal(between[0].TravelSeconds, 300)
	is.Equal(between[0].DepartureTime, "09:00:00")
	is.Equal(between[0].ArrivalTime, "09:05:00")
	is.Equal(between[1].Kind, TripEdge)
	is.Equal(between[1].RouteID, "R2")
	is.Equal(between[1].TripID, "T3")
	is.Equal(between[1].TravelSeconds, 720)
	is.Equal(between[2].Kind, WalkEdge)

	bc := snap.BestEdge("B", "C")
	is.Equal(bc.Kind, TripEdge)
	is.Equal(bc.TripID, "T1")
	is.Equal(bc.TravelSeconds, 600)

	// the ~111m walk beats both rides between A and B
	walk := snap.BestEdge("A", "B")
	is.Equal(walk.Kind, WalkEdge)
	if walk.DistanceMetres < 110 || walk.DistanceMetres > 113 {
		t.Errorf("expected A-B walk distance near 111m, got %v", walk.DistanceMetres)
	}
	is.Equal(walk.WalkSeconds, int(walk.DistanceMetres/1.25))

	// C is beyond walking range, it is only reachable by riding and the
	// schedule never leaves it
	for _, edge := range snap.EdgesBetween("B", "C") {
		is.Equal(edge.Kind, TripEdge)
	}
	is.Equal(len(snap.EdgesFrom("C")), 0)
	is.True(snap.BestEdge("C", "D") == nil)
}

func TestBuild_emptyStore(t *testing.T) {
	is := is.New(t)
	snap, err := Build(context.Background(), testLogger(), gtfs.NewMemoryStore(), Config{})
	is.NoErr(err)
	is.Equal(snap.NodeCount(), 0)
	is.Equal(snap.EdgeCount(), 0)
	is.True(!snap.HasStop("A"))
}

func TestBuild_malformedTimesKeepEdge(t *testing.T) {
	is := is.New(t)
	store := gtfs.NewMemoryStore()
	store.AddStop("A", "First & Main", 45.5200, -122.6800)
	store.AddStop("B", "Tenth & Burnside", 45.5600, -122.6800)
	store.AddRoute("R1", "1")
	store.AddTrip("T1", "R1", "20260209",
		gtfs.TripStopEntry{StopID: "A", ArrivalTime: "garbage", DepartureTime: "garbage"},
		gtfs.TripStopEntry{StopID: "B", ArrivalTime: "08:10:00", DepartureTime: "08:10:00"},
	)

	snap, err := Build(context.Background(), testLogger(), store, Config{})
	is.NoErr(err)

	edge := snap.BestEdge("A", "B")
	is.True(edge != nil)
	is.Equal(edge.Kind, TripEdge)
	is.Equal(edge.TravelSeconds, 0)
	is.Equal(edge.Weight(), 0.0)
}

func TestSnapshot_nodeIDsRoundTrip(t *testing.T) {
	is := is.New(t)
	snap, err := Build(context.Background(), testLogger(), testStore(), Config{})
	is.NoErr(err)

	is.Equal(snap.StopIDs(), []string{"A", "B", "C", "D"})
	for i, stopID := range snap.StopIDs() {
		id, present := snap.NodeID(stopID)
		is.True(present)
		is.Equal(id, int64(i))
		is.Equal(snap.StopIDForNode(id), stopID)
	}
	_, present := snap.NodeID("Z")
	is.True(!present)
	is.Equal(snap.StopIDForNode(99), "")
}

// when a ride and a walk cost the same, the trip edge was inserted first and
// must be the one BestEdge hands back
func TestSnapshot_bestEdgeTieKeepsFirst(t *testing.T) {
	is := is.New(t)
	snap := newSnapshot([]*gtfs.Stop{
		{StopID: "A", StopName: "First & Main"},
		{StopID: "B", StopName: "Second & Main"},
	})
	snap.addEdge(&Edge{Kind: TripEdge, FromStopID: "A", ToStopID: "B", RouteID: "R1", TravelSeconds: 100})
	snap.addEdge(&Edge{Kind: WalkEdge, FromStopID: "A", ToStopID: "B", WalkSeconds: 100})

	best := snap.BestEdge("A", "B")
	is.Equal(best.Kind, TripEdge)
	is.Equal(best.RouteID, "R1")
}

func bruteForcePairs(stops []*gtfs.Stop, maxMetres float64) []gtfs.WalkPair {
	var pairs []gtfs.WalkPair
	for _, a := range stops {
		for _, b := range stops {
			if a.StopID == b.StopID {
				continue
			}
			distance := geo.HaversineMetres(a.Lat, a.Lon, b.Lat, b.Lon)
			if distance > maxMetres {
				continue
			}
			pairs = append(pairs, gtfs.WalkPair{
				FromStopID:     a.StopID,
				ToStopID:       b.StopID,
				DistanceMetres: distance,
			})
		}
	}
	return pairs
}

func sortPairs(pairs []gtfs.WalkPair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].FromStopID != pairs[j].FromStopID {
			return pairs[i].FromStopID < pairs[j].FromStopID
		}
		return pairs[i].ToStopID < pairs[j].ToStopID
	})
}

// the latitude band scan must find exactly the pairs an exhaustive scan
// finds
func TestWalkPairsByLatitude_matchesBruteForce(t *testing.T) {
	var stops []*gtfs.Stop
	for i := 0; i < 60; i++ {
		stops = append(stops, &gtfs.Stop{
			StopID:   fmt.Sprintf("S%02d", i),
			StopName: fmt.Sprintf("Stop %d", i),
			Lat:      45.50 + float64((i*7)%60)*0.0004,
			Lon:      -122.68 + float64((i*13)%60)*0.0005,
		})
	}
	// two stops sharing a latitude exercise the sort tie break
	stops = append(stops,
		&gtfs.Stop{StopID: "X1", StopName: "West Twin", Lat: 45.5100, Lon: -122.6700},
		&gtfs.Stop{StopID: "X2", StopName: "East Twin", Lat: 45.5100, Lon: -122.6690},
	)

	for _, maxMetres := range []float64{150, 400, 900} {
		banded := walkPairsByLatitude(stops, maxMetres)
		brute := bruteForcePairs(stops, maxMetres)
		sortPairs(banded)
		sortPairs(brute)
		if !reflect.DeepEqual(banded, brute) {
			t.Errorf("band scan disagrees with brute force at %vm: %d pairs vs %d pairs",
				maxMetres, len(banded), len(brute))
		}
		if maxMetres >= 400 && len(brute) == 0 {
			t.Errorf("fixture produced no pairs at %vm, test is vacuous", maxMetres)
		}
	}
}

func TestCache(t *testing.T) {
	is := is.New(t)
	cache := NewCache()

	_, _, ok := cache.Current()
	is.True(!ok)

	snap, err := Build(context.Background(), testLogger(), testStore(), Config{})
	is.NoErr(err)
	cache.Set(snap)

	current, builtAt, ok := cache.Current()
	is.True(ok)
	is.True(!builtAt.IsZero())
	is.Equal(current, snap)
}
