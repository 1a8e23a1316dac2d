package planner

import (
	"context"
	"math"
	"time"

	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
	"github.com/OpenTransitTools/transitroute/business/data/livefeed"
	"github.com/OpenTransitTools/transitroute/business/reliability"
	"github.com/OpenTransitTools/transitroute/business/routing"
)

// ScoredRoute is one journey with reliability figures attached.
type ScoredRoute struct {
	Legs               []routing.Leg `json:"legs"`
	TotalTravelSeconds int           `json:"total_travel_seconds"`
	Transfers          int           `json:"transfers"`
	TotalWalkMetres    float64       `json:"total_walk_metres"`
	RiskScore          float64       `json:"risk_score"`
	RiskLabel          string        `json:"risk_label"`
}

// scoreRoutes attaches a risk figure to every trip leg and rolls the worst
// leg up to the route. The time bucket comes from the query clock, not the
// scheduled departure. Legs are copied before scoring, the inputs may be
// shared cache entries.
func scoreRoutes(ctx context.Context, store gtfs.Store, live livefeed.Snapshot,
	queryAt time.Time, routes []routing.Route) ([]ScoredRoute, error) {

	bucket := reliability.ClassifyTimeBucket(queryAt)

	scored := make([]ScoredRoute, 0, len(routes))
	for _, route := range routes {
		legs := make([]routing.Leg, len(route.Legs))
		worst := 0.0

		for i, leg := range route.Legs {
			switch leg := leg.(type) {
			case *routing.TripLeg:
				copied := *leg
				hist, err := reliability.HistoricalReliability(ctx, store, copied.RouteID, copied.FromStopID, bucket)
				if err != nil {
					return nil, err
				}
				risk := reliability.ComputeLiveRisk(live, copied.RouteID, copied.FromStopID,
					copied.TripID, copied.DepartureTime, queryAt, hist)
				copied.Risk = &risk
				if risk.RiskScore > worst {
					worst = risk.RiskScore
				}
				legs[i] = &copied
			case *routing.WalkLeg:
				copied := *leg
				legs[i] = &copied
			}
		}

		scored = append(scored, ScoredRoute{
			Legs:               legs,
			TotalTravelSeconds: routing.TotalTravelSeconds(legs),
			Transfers:          routing.CountTransfers(legs),
			TotalWalkMetres:    math.Round(routing.TotalWalkMetres(legs)*10) / 10,
			RiskScore:          reliability.Round3(worst),
			RiskLabel:          reliability.RiskLabelFor(worst),
		})
	}
	return scored, nil
}
