// Package routing finds candidate journeys across the stop graph and binds
// them to concrete scheduled trips, returning up to K distinct routes per
// query.
package routing

import (
	"strings"

	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
	"github.com/OpenTransitTools/transitroute/business/reliability"
)

// Leg kind discriminators carried on the wire.
const (
	TripLegKind = "trip"
	WalkLegKind = "walk"
)

// Leg is one step of a journey, either riding a scheduled trip or walking
// between nearby stops. The concrete types are TripLeg and WalkLeg.
type Leg interface {
	LegKind() string
}

// TripLeg rides one scheduled trip between two consecutive stops of the
// journey. Risk is nil until the planner scores the leg.
type TripLeg struct {
	Kind          string                `json:"kind"`
	FromStopID    string                `json:"from_stop_id"`
	ToStopID      string                `json:"to_stop_id"`
	FromStopName  string                `json:"from_stop_name"`
	ToStopName    string                `json:"to_stop_name"`
	TripID        string                `json:"trip_id"`
	RouteID       string                `json:"route_id"`
	ServiceID     string                `json:"service_id"`
	DepartureTime string                `json:"departure_time"`
	ArrivalTime   string                `json:"arrival_time"`
	TravelSeconds int                   `json:"travel_seconds"`
	Risk          *reliability.LiveRisk `json:"risk"`
}

// LegKind - Leg interface
func (l *TripLeg) LegKind() string { return TripLegKind }

// WalkLeg is a transfer on foot. Walk legs never carry a risk figure, so
// the type has no field for one.
type WalkLeg struct {
	Kind           string  `json:"kind"`
	FromStopID     string  `json:"from_stop_id"`
	ToStopID       string  `json:"to_stop_id"`
	FromStopName   string  `json:"from_stop_name"`
	ToStopName     string  `json:"to_stop_name"`
	DistanceMetres float64 `json:"distance_m"`
	WalkSeconds    int     `json:"walk_seconds"`
}

// LegKind - Leg interface
func (l *WalkLeg) LegKind() string { return WalkLegKind }

// Route is one journey candidate, an ordered run of legs.
type Route struct {
	Legs []Leg `json:"legs"`
}

func collectTripLegs(legs []Leg) []*TripLeg {
	tripLegs := make([]*TripLeg, 0, len(legs))
	for _, leg := range legs {
		if tripLeg, ok := leg.(*TripLeg); ok {
			tripLegs = append(tripLegs, tripLeg)
		}
	}
	return tripLegs
}

// passesFilters reports whether legs form an acceptable journey: at least
// one trip leg, no more than maxTransfers route changes, and at least
// minTransferMinutes of slack wherever the rider changes routes.
func passesFilters(legs []Leg, maxTransfers, minTransferMinutes int) bool {
	tripLegs := collectTripLegs(legs)
	if len(tripLegs) == 0 {
		return false
	}
	transfers := 0
	for i := 1; i < len(tripLegs); i++ {
		if tripLegs[i].RouteID == tripLegs[i-1].RouteID {
			continue
		}
		transfers++
		gap := gtfs.ParseHMS(tripLegs[i].DepartureTime) - gtfs.ParseHMS(tripLegs[i-1].ArrivalTime)
		if gap < minTransferMinutes*60 {
			return false
		}
	}
	return transfers <= maxTransfers
}

// tripSignature joins the ordered trip ids of the journey, collapsing
// consecutive repeats, so two candidates riding the same trips dedupe to
// one regardless of which intermediate stops their paths named.
func tripSignature(legs []Leg) string {
	parts := make([]string, 0, len(legs))
	for _, leg := range legs {
		tripLeg, ok := leg.(*TripLeg)
		if !ok {
			continue
		}
		if len(parts) == 0 || parts[len(parts)-1] != tripLeg.TripID {
			parts = append(parts, tripLeg.TripID)
		}
	}
	return strings.Join(parts, "|")
}

// TotalTravelSeconds measures the wall clock span from the first trip
// departure to the last trip arrival. Layovers and intermediate walks count
// toward the span; a journey with no trip legs measures zero.
func TotalTravelSeconds(legs []Leg) int {
	tripLegs := collectTripLegs(legs)
	if len(tripLegs) == 0 {
		return 0
	}
	span := gtfs.ParseHMS(tripLegs[len(tripLegs)-1].ArrivalTime) - gtfs.ParseHMS(tripLegs[0].DepartureTime)
	if span < 0 {
		return 0
	}
	return span
}

// CountTransfers counts route changes between consecutive trip legs.
func CountTransfers(legs []Leg) int {
	tripLegs := collectTripLegs(legs)
	transfers := 0
	for i := 1; i < len(tripLegs); i++ {
		if tripLegs[i].RouteID != tripLegs[i-1].RouteID {
			transfers++
		}
	}
	return transfers
}

// TotalWalkMetres sums the walking distance across the journey.
func TotalWalkMetres(legs []Leg) float64 {
	total := 0.0
	for _, leg := range legs {
		if walkLeg, ok := leg.(*WalkLeg); ok {
			total += walkLeg.DistanceMetres
		}
	}
	return total
}
