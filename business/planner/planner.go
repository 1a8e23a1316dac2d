// Package planner sits between the web service and the domain packages: it
// searches stops, plans and scores journeys, reports service health, and
// runs the static-data refresh used by the scheduled loop and the ingest
// endpoints.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
	"github.com/OpenTransitTools/transitroute/business/data/livefeed"
	"github.com/OpenTransitTools/transitroute/business/data/transitgraph"
	"github.com/OpenTransitTools/transitroute/business/reliability"
	"github.com/OpenTransitTools/transitroute/business/routing"
	"github.com/OpenTransitTools/transitroute/foundation/httpclient"
)

// DefaultSeedWindowDays is the seeding window used when the configuration
// leaves it unset.
const DefaultSeedWindowDays = 30

// stopSearchLimit caps how many stops one search returns.
const stopSearchLimit = 20

// ErrGraphNotReady reports that no transit graph has been built yet, which
// happens when queries arrive before the startup build finished.
var ErrGraphNotReady = errors.New("transit graph not built yet")

// Config carries the planner's tunables.
type Config struct {
	GTFSStaticURL  string
	GTFSTempDir    string
	SeedWindowDays int
	Graph          transitgraph.Config
	Routing        routing.Options

	// health reporting only
	RTPollingActive    bool
	RTStartupFetchOnly bool
}

// Explainer renders a rider-facing summary of a scored plan. The planner
// ships without one; the explanation field stays absent until an
// implementation is registered with SetExplainer.
type Explainer interface {
	Explain(routes []ScoredRoute) string
}

// Planner answers the web service's questions over the timetable store, the
// current graph snapshot and the live feed state.
type Planner struct {
	log        *log.Logger
	store      gtfs.Store
	graphCache *transitgraph.Cache
	liveState  *livefeed.State
	cfg        Config
	routeCache *routeCache
	explainer  Explainer

	mu            sync.Mutex
	nextRefreshAt time.Time
	lastFeedInfo  httpclient.RemoteFileInfo
	feedLoaded    bool
}

// New creates a Planner over the given store, graph cache and live state.
func New(log *log.Logger, store gtfs.Store, graphCache *transitgraph.Cache,
	liveState *livefeed.State, cfg Config) *Planner {

	if cfg.SeedWindowDays <= 0 {
		cfg.SeedWindowDays = DefaultSeedWindowDays
	}
	return &Planner{
		log:        log,
		store:      store,
		graphCache: graphCache,
		liveState:  liveState,
		cfg:        cfg,
		routeCache: newRouteCache(),
	}
}

// SetExplainer registers the renderer behind the explain flag.
func (p *Planner) SetExplainer(explainer Explainer) {
	p.explainer = explainer
}

// StopResult is one stop search hit.
type StopResult struct {
	StopID       string   `json:"stop_id"`
	StopName     string   `json:"stop_name"`
	Lat          float64  `json:"lat"`
	Lon          float64  `json:"lon"`
	RoutesServed []string `json:"routes_served"`
}

// SearchStops finds stops whose name contains query, with the distinct
// routes serving each, sorted for stable output.
func (p *Planner) SearchStops(ctx context.Context, query string) ([]StopResult, error) {
	stops, err := p.store.SearchStops(ctx, query, stopSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("unable to search stops for %q: %w", query, err)
	}

	stopIDs := make([]string, len(stops))
	for i, stop := range stops {
		stopIDs[i] = stop.StopID
	}
	served, err := p.store.RoutesServingStops(ctx, stopIDs)
	if err != nil {
		return nil, fmt.Errorf("unable to load routes serving stops: %w", err)
	}

	results := make([]StopResult, len(stops))
	for i, stop := range stops {
		routes := served[stop.StopID]
		if routes == nil {
			routes = make([]string, 0)
		}
		sort.Strings(routes)
		results[i] = StopResult{
			StopID:       stop.StopID,
			StopName:     stop.StopName,
			Lat:          stop.Lat,
			Lon:          stop.Lon,
			RoutesServed: routes,
		}
	}
	return results, nil
}

// JourneyPlan is the scored answer to one origin and destination query.
type JourneyPlan struct {
	Routes      []ScoredRoute `json:"routes"`
	Explanation string        `json:"explanation,omitempty"`
}

// PlanJourneys plans up to the configured number of journeys from origin to
// dest departing at or after departure, each scored against the reliability
// history and the live feed state current at call time. Raw routes may come
// from the minute-resolution cache; scoring always runs fresh.
func (p *Planner) PlanJourneys(ctx context.Context, origin, dest string, departure time.Time, explain bool) (*JourneyPlan, error) {
	snap, _, ok := p.graphCache.Current()
	if !ok {
		return nil, ErrGraphNotReady
	}

	now := time.Now()
	key := cacheKey(origin, dest, departure)
	routes, hit := p.routeCache.get(key, now)
	if !hit {
		var err error
		routes, err = routing.FindRoutes(ctx, p.log, p.store, snap, origin, dest, departure, p.cfg.Routing)
		if err != nil {
			return nil, err
		}
		p.routeCache.put(key, routes, now)
	}

	scored, err := scoreRoutes(ctx, p.store, p.liveState.Snapshot(), now, routes)
	if err != nil {
		return nil, err
	}

	plan := JourneyPlan{Routes: scored}
	if explain && p.explainer != nil {
		plan.Explanation = p.explainer.Explain(plan.Routes)
	}
	return &plan, nil
}

// HealthResponse reports the state of the timetable, the graph, the
// reliability history and the live feed wiring.
type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	GTFS        GTFSHealth        `json:"gtfs"`
	Reliability ReliabilityHealth `json:"reliability"`
	GTFSRT      GTFSRTHealth      `json:"gtfs_rt"`
}

// GTFSHealth covers the static timetable and the graph built from it.
type GTFSHealth struct {
	Stops             int        `json:"stops"`
	Trips             int        `json:"trips"`
	LatestServiceDate string     `json:"latest_service_date"`
	GraphNodes        int        `json:"graph_nodes"`
	GraphEdges        int        `json:"graph_edges"`
	GraphBuilt        bool       `json:"graph_built"`
	LastBuiltAt       *time.Time `json:"last_built_at"`
	NextRefreshAt     *time.Time `json:"next_refresh_at"`
}

// ReliabilityHealth covers the reliability record table.
type ReliabilityHealth struct {
	Records      int        `json:"records"`
	LastSeededAt *time.Time `json:"last_seeded_at"`
}

// GTFSRTHealth reports how the live feed is wired.
type GTFSRTHealth struct {
	PollingActive    bool `json:"polling_active"`
	StartupFetchOnly bool `json:"startup_fetch_only"`
}

// Health gathers the health payload. Storage failures propagate so the web
// layer can report them.
func (p *Planner) Health(ctx context.Context) (*HealthResponse, error) {
	stops, err := p.store.CountStops(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to count stops: %w", err)
	}
	trips, err := p.store.CountTrips(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to count trips: %w", err)
	}
	latestServiceDate, err := p.store.MaxServiceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to find latest service date: %w", err)
	}
	records, err := p.store.CountReliabilityRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to count reliability records: %w", err)
	}
	lastSeededAt, err := p.store.LastReliabilityUpdate(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to find last reliability update: %w", err)
	}

	health := HealthResponse{
		Status:    "up",
		Timestamp: time.Now(),
		GTFS: GTFSHealth{
			Stops:             stops,
			Trips:             trips,
			LatestServiceDate: latestServiceDate,
		},
		Reliability: ReliabilityHealth{
			Records:      records,
			LastSeededAt: lastSeededAt,
		},
		GTFSRT: GTFSRTHealth{
			PollingActive:    p.cfg.RTPollingActive,
			StartupFetchOnly: p.cfg.RTStartupFetchOnly,
		},
	}

	if snap, builtAt, ok := p.graphCache.Current(); ok {
		health.GTFS.GraphNodes = snap.NodeCount()
		health.GTFS.GraphEdges = snap.EdgeCount()
		health.GTFS.GraphBuilt = true
		health.GTFS.LastBuiltAt = &builtAt
	}
	if next := p.nextRefresh(); !next.IsZero() {
		health.GTFS.NextRefreshAt = &next
	}
	return &health, nil
}

// RebuildGraph builds a fresh snapshot from the stored timetable, swaps it
// into the cache and drops routes memoized against the old graph.
func (p *Planner) RebuildGraph(ctx context.Context) error {
	snap, err := transitgraph.Build(ctx, p.log, p.store, p.cfg.Graph)
	if err != nil {
		return fmt.Errorf("unable to build transit graph: %w", err)
	}
	p.graphCache.Set(snap)
	p.routeCache.clear()
	return nil
}

// RefreshStaticData downloads and replaces the static timetable, rebuilds
// the graph and reseeds reliability records in the given mode. Used by the
// scheduled refresh (fill gaps only, unforced) and the manual ingest
// (overwrite, forced). When force is false the remote feed's ETag and
// Last-Modified are compared against the last load and an unchanged feed is
// left alone.
func (p *Planner) RefreshStaticData(ctx context.Context, mode reliability.SeedMode, force bool) error {
	if !force && !p.shouldRefreshStaticFeed() {
		return nil
	}
	result, err := gtfs.LoadStaticFeed(ctx, p.log, p.store, p.cfg.GTFSStaticURL, p.cfg.GTFSTempDir)
	if err != nil {
		return fmt.Errorf("unable to refresh static gtfs data: %w", err)
	}
	p.mu.Lock()
	p.lastFeedInfo = result.FeedInfo
	p.feedLoaded = true
	p.mu.Unlock()

	if err := p.RebuildGraph(ctx); err != nil {
		return err
	}
	if _, err := reliability.SeedFromStatic(ctx, p.log, p.store, p.cfg.SeedWindowDays, mode); err != nil {
		return fmt.Errorf("unable to reseed reliability records: %w", err)
	}
	return nil
}

// shouldRefreshStaticFeed reports whether the remote feed looks newer than
// the one loaded last. A feed that offers neither an ETag nor a
// Last-Modified header cannot be compared and is always reloaded.
func (p *Planner) shouldRefreshStaticFeed() bool {
	p.mu.Lock()
	last, loaded := p.lastFeedInfo, p.feedLoaded
	p.mu.Unlock()
	if !loaded {
		return true
	}
	remote, err := httpclient.GetRemoteFileInfo(p.cfg.GTFSStaticURL)
	if err != nil {
		p.log.Printf("Unable to retrieve remote file information from '%s' error: %v", p.cfg.GTFSStaticURL, err)
		return false
	}
	if remote.ETag == "" && remote.LastModifiedTimestamp == 0 {
		return true
	}
	if remote.IsDifferent(last.ETag, last.LastModifiedTimestamp) {
		p.log.Printf("Remote gtfs feed indicates a new file is available")
		return true
	}
	p.log.Printf("Remote gtfs feed indicates the loaded timetable is current, skipping refresh")
	return false
}

// SeedReliability seeds reliability records over windowDays of schedule.
// reliability.ErrNoScheduleData comes back when the timetable is empty.
func (p *Planner) SeedReliability(ctx context.Context, windowDays int, mode reliability.SeedMode) (int, error) {
	return reliability.SeedFromStatic(ctx, p.log, p.store, windowDays, mode)
}

// SetNextRefresh records when the scheduled static refresh runs next, for
// health reporting.
func (p *Planner) SetNextRefresh(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextRefreshAt = at
}

func (p *Planner) nextRefresh() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextRefreshAt
}
