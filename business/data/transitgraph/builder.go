package transitgraph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
	"github.com/OpenTransitTools/transitroute/foundation/geo"
)

// Defaults for Config fields left at zero.
const (
	DefaultMaxWalkMetres = 500.0
	DefaultWalkSpeedKPH  = 4.5
)

// metresPerDegreeLat is the approximate north-south span of one degree of
// latitude, used only to bound the candidate scan. Membership is always
// verified with the exact haversine distance.
const metresPerDegreeLat = 111320.0

// Config controls walk edge generation.
type Config struct {
	MaxWalkMetres float64
	WalkSpeedKPH  float64
}

// Build assembles a graph snapshot from the static schedule in store.
// Idempotent and deterministic for identical input. An empty store produces
// an empty snapshot, not an error.
func Build(ctx context.Context, log *log.Logger, store gtfs.Store, cfg Config) (*Snapshot, error) {
	if cfg.MaxWalkMetres <= 0 {
		cfg.MaxWalkMetres = DefaultMaxWalkMetres
	}
	if cfg.WalkSpeedKPH <= 0 {
		cfg.WalkSpeedKPH = DefaultWalkSpeedKPH
	}
	start := time.Now()

	stops, err := store.Stops(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load stops: %w", err)
	}
	snap := newSnapshot(stops)
	if len(stops) == 0 {
		return snap, nil
	}

	rows, err := store.StopTimeEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load stop time edges: %w", err)
	}
	addTripEdges(snap, rows)
	tripEdges := snap.EdgeCount()

	pairs, err := store.WalkPairsWithin(ctx, cfg.MaxWalkMetres)
	if err != nil {
		if !errors.Is(err, gtfs.ErrNoSpatialIndex) {
			return nil, fmt.Errorf("unable to load walk pairs: %w", err)
		}
		pairs = walkPairsByLatitude(stops, cfg.MaxWalkMetres)
	}
	metresPerSecond := cfg.WalkSpeedKPH * 1000.0 / 3600.0
	for _, pair := range pairs {
		snap.addEdge(&Edge{
			Kind:           WalkEdge,
			FromStopID:     pair.FromStopID,
			ToStopID:       pair.ToStopID,
			DistanceMetres: pair.DistanceMetres,
			WalkSeconds:    int(pair.DistanceMetres / metresPerSecond),
		})
	}

	log.Printf("built transit graph: %d nodes, %d trip edges, %d walk edges in %.2f seconds",
		snap.NodeCount(), tripEdges, snap.EdgeCount()-tripEdges, time.Since(start).Seconds())
	return snap, nil
}

type tripEdgeKey struct {
	fromStopID string
	toStopID   string
	routeID    string
}

// addTripEdges collapses consecutive stop time pairs into one edge per
// (from, to, route) keeping the minimum travel candidate. The first candidate
// wins ties, and keys flush in stream order so output is deterministic.
func addTripEdges(snap *Snapshot, rows []gtfs.TripStopRow) {
	best := make(map[tripEdgeKey]*Edge)
	order := make([]tripEdgeKey, 0)
	for i := 1; i < len(rows); i++ {
		a := rows[i-1]
		b := rows[i]
		if a.TripID != b.TripID {
			continue
		}
		travel := 0
		if gtfs.ValidHMS(a.DepartureTime) && gtfs.ValidHMS(b.ArrivalTime) {
			travel = gtfs.ParseHMS(b.ArrivalTime) - gtfs.ParseHMS(a.DepartureTime)
			if travel < 0 {
				travel = 0
			}
		}
		key := tripEdgeKey{fromStopID: a.StopID, toStopID: b.StopID, routeID: a.RouteID}
		if existing, present := best[key]; present {
			if travel >= existing.TravelSeconds {
				continue
			}
		} else {
			order = append(order, key)
		}
		best[key] = &Edge{
			Kind:          TripEdge,
			FromStopID:    a.StopID,
			ToStopID:      b.StopID,
			TripID:        a.TripID,
			RouteID:       a.RouteID,
			ServiceID:     a.ServiceID,
			DepartureTime: a.DepartureTime,
			ArrivalTime:   b.ArrivalTime,
			TravelSeconds: travel,
		}
	}
	for _, key := range order {
		snap.addEdge(best[key])
	}
}

// walkPairsByLatitude finds every ordered stop pair within maxMetres without
// a spatial index. Stops are scanned in input order against a latitude
// sorted copy, candidates inside the band pass a longitude prefilter and are
// verified with the haversine distance. Produces the same pair set a spatial
// range join would.
func walkPairsByLatitude(stops []*gtfs.Stop, maxMetres float64) []gtfs.WalkPair {
	if maxMetres <= 0 || len(stops) < 2 {
		return nil
	}
	byLat := make([]*gtfs.Stop, len(stops))
	copy(byLat, stops)
	sort.Slice(byLat, func(i, j int) bool {
		if byLat[i].Lat != byLat[j].Lat {
			return byLat[i].Lat < byLat[j].Lat
		}
		return byLat[i].StopID < byLat[j].StopID
	})

	deltaLat := maxMetres / metresPerDegreeLat
	var pairs []gtfs.WalkPair
	for _, stop := range stops {
		lowLat := stop.Lat - deltaLat
		low := sort.Search(len(byLat), func(i int) bool { return byLat[i].Lat >= lowLat })
		deltaLon := maxMetres / (metresPerDegreeLat * math.Cos(stop.Lat*math.Pi/180.0))
		for i := low; i < len(byLat) && byLat[i].Lat <= stop.Lat+deltaLat; i++ {
			candidate := byLat[i]
			if candidate.StopID == stop.StopID {
				continue
			}
			if math.Abs(candidate.Lon-stop.Lon) > deltaLon {
				continue
			}
			distance := geo.HaversineMetres(stop.Lat, stop.Lon, candidate.Lat, candidate.Lon)
			if distance > maxMetres {
				continue
			}
			pairs = append(pairs, gtfs.WalkPair{
				FromStopID:     stop.StopID,
				ToStopID:       candidate.StopID,
				DistanceMetres: distance,
			})
		}
	}
	return pairs
}
