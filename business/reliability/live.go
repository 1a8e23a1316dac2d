package reliability

import (
	"fmt"
	"math"
	"time"

	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
	"github.com/OpenTransitTools/transitroute/business/data/livefeed"
)

// Risk bumps added on top of the historical baseline. Each live signal
// contributes a fixed amount; the sum is capped at 1.
const (
	alertBump             = 0.10
	routeCancellationBump = 0.15
	missingVehicleBump    = 0.08
	lateEveningBump       = 0.05
	weekendBump           = 0.03
)

// missingVehicleWindowMinutes bounds how close to departure the absence of
// a vehicle position becomes suspicious.
const missingVehicleWindowMinutes = 15.0

// lateEveningStartSec marks 22:00, after which thinner schedules raise risk.
const lateEveningStartSec = 22 * 60 * 60

// LiveRisk is the scored outlook for one upcoming trip leg.
type LiveRisk struct {
	RiskScore   float64  `json:"risk_score"`
	RiskLabel   string   `json:"risk_label"`
	Modifiers   []string `json:"modifiers"`
	IsCancelled bool     `json:"is_cancelled"`
}

// ComputeLiveRisk combines the historical reliability baseline with the
// live feed signals that apply to one leg. It reads only its arguments, so
// the same inputs always produce the same LiveRisk.
//
// A trip the feed marks cancelled is maximum risk outright. Otherwise the
// baseline 1-hist is bumped for each matching service alert, once for
// cancellations elsewhere on the route, for a missing vehicle position
// close to departure, for late evening departures and for weekend queries.
func ComputeLiveRisk(live livefeed.Snapshot, routeID, stopID, tripID, departureHMS string, queryAt time.Time, hist float64) LiveRisk {
	if update := live.TripUpdateFor(tripID); update != nil && update.IsCancelled {
		return LiveRisk{
			RiskScore:   1.0,
			RiskLabel:   "High",
			Modifiers:   []string{"Trip is currently marked as cancelled in GTFS-RT."},
			IsCancelled: true,
		}
	}

	base := 1.0 - hist
	adjustment := 0.0
	modifiers := make([]string, 0)

	for _, alert := range live.AlertsMatching(routeID, stopID) {
		adjustment += alertBump
		modifiers = append(modifiers, "Service alert: "+alert.Header)
	}

	if n := live.CancelledOnRoute(routeID); n > 0 {
		adjustment += routeCancellationBump
		modifiers = append(modifiers, fmt.Sprintf("%d earlier cancellation(s) on route %s today.", n, routeID))
	}

	departureSec := gtfs.ParseHMS(departureHMS)
	minutesUntil := float64(departureSec-gtfs.SecondsOfDay(queryAt)) / 60.0
	if minutesUntil > 0 && minutesUntil <= missingVehicleWindowMinutes && !live.HasVehicle(tripID) {
		adjustment += missingVehicleBump
		modifiers = append(modifiers, "No vehicle position data found close to departure.")
	}

	if departureSec >= lateEveningStartSec {
		adjustment += lateEveningBump
		modifiers = append(modifiers, "Late-evening departure (after 22:00): reduced service frequency.")
	}

	switch queryAt.Weekday() {
	case time.Saturday, time.Sunday:
		adjustment += weekendBump
		modifiers = append(modifiers, "Weekend service: less frequent, higher no-show rate historically.")
	}

	risk := Round3(math.Min(1.0, base+adjustment))
	return LiveRisk{
		RiskScore: risk,
		RiskLabel: RiskLabelFor(risk),
		Modifiers: modifiers,
	}
}

// RiskLabelFor maps a 0..1 risk score onto its display label.
func RiskLabelFor(risk float64) string {
	switch {
	case risk < 0.33:
		return "Low"
	case risk < 0.66:
		return "Medium"
	default:
		return "High"
	}
}

// Round3 rounds a score to the three decimals carried on the wire.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
