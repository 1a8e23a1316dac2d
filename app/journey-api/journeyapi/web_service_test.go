package journeyapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
	"github.com/OpenTransitTools/transitroute/business/data/livefeed"
	"github.com/OpenTransitTools/transitroute/business/data/transitgraph"
	"github.com/OpenTransitTools/transitroute/business/planner"
	"github.com/OpenTransitTools/transitroute/business/routing"
	"github.com/matryer/is"
)

func testLogger() *log.Logger {
	return log.New(os.Stdout, "TEST : ", log.LstdFlags)
}

// webStore lays three stops on one route with two morning trips between them.
func webStore() *gtfs.MemoryStore {
	store := gtfs.NewMemoryStore()
	store.AddStop("A", "First & Main", 45.5000, -122.6800)
	store.AddStop("B", "Second & Main", 45.5100, -122.6800)
	store.AddStop("C", "Third & Main", 45.5200, -122.6800)
	store.AddRoute("R1", "1")
	store.AddTrip("T1", "R1", "20260209",
		gtfs.TripStopEntry{StopID: "A", ArrivalTime: "08:00:00", DepartureTime: "08:00:00"},
		gtfs.TripStopEntry{StopID: "B", ArrivalTime: "08:20:00", DepartureTime: "08:20:00"},
		gtfs.TripStopEntry{StopID: "C", ArrivalTime: "08:40:00", DepartureTime: "08:40:00"},
	)
	store.AddTrip("T2", "R1", "20260209",
		gtfs.TripStopEntry{StopID: "A", ArrivalTime: "09:00:00", DepartureTime: "09:00:00"},
		gtfs.TripStopEntry{StopID: "B", ArrivalTime: "09:20:00", DepartureTime: "09:20:00"},
		gtfs.TripStopEntry{StopID: "C", ArrivalTime: "09:40:00", DepartureTime: "09:40:00"},
	)
	return store
}

// newTestServer builds a planner over store with the graph already built and
// returns the configured server's handler for httptest driving.
func newTestServer(t *testing.T, store gtfs.Store, cfg Config, plannerCfg planner.Config) (http.Handler, *planner.Planner) {
	t.Helper()
	journeyPlanner := planner.New(testLogger(), store, transitgraph.NewCache(), livefeed.NewState(), plannerCfg)
	if err := journeyPlanner.RebuildGraph(context.Background()); err != nil {
		t.Fatalf("unable to build graph for test server: %v", err)
	}
	return createServer(testLogger(), cfg, journeyPlanner).Handler, journeyPlanner
}

func testPlannerConfig() planner.Config {
	return planner.Config{Routing: routing.Options{MaxRoutes: 2}}
}

func doRequest(handler http.Handler, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, nil)
	for key, value := range headers {
		r.Header.Set(key, value)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func TestWebService_stopSearch(t *testing.T) {
	is := is.New(t)
	handler, _ := newTestServer(t, webStore(), Config{}, testPlannerConfig())

	w := doRequest(handler, http.MethodGet, "/stops?query=main", nil)
	is.Equal(w.Code, http.StatusOK)
	is.True(w.Header().Get("X-Request-Id") != "") // middleware tags every response
	var results []planner.StopResult
	is.NoErr(json.Unmarshal(w.Body.Bytes(), &results))
	is.Equal(len(results), 3)
	is.Equal(results[0].RoutesServed, []string{"R1"})

	// single rune queries are refused before they reach the store
	w = doRequest(handler, http.MethodGet, "/stops?query=m", nil)
	is.Equal(w.Code, http.StatusUnprocessableEntity)
	w = doRequest(handler, http.MethodGet, "/stops", nil)
	is.Equal(w.Code, http.StatusUnprocessableEntity)

	// no hits is an empty list, not an error
	w = doRequest(handler, http.MethodGet, "/stops?query=nowhere", nil)
	is.Equal(w.Code, http.StatusOK)
	is.Equal(strings.TrimSpace(w.Body.String()), "[]")
}

func TestWebService_journeySearch(t *testing.T) {
	is := is.New(t)
	handler, _ := newTestServer(t, webStore(), Config{}, testPlannerConfig())

	w := doRequest(handler, http.MethodGet,
		"/routes?origin=A&destination=C&travel_date=2026-02-09&departure_time=07:00", nil)
	is.Equal(w.Code, http.StatusOK)
	var plan planner.JourneyPlan
	is.NoErr(json.Unmarshal(w.Body.Bytes(), &plan))
	is.Equal(len(plan.Routes), 2)
	is.True(len(plan.Routes[0].Legs) > 0)
	is.True(plan.Routes[0].RiskLabel != "")
	is.True(strings.Contains(w.Body.String(), `"risk_score"`))

	// explain without a wired explainer leaves the field absent
	w = doRequest(handler, http.MethodGet,
		"/routes?origin=A&destination=C&travel_date=2026-02-09&departure_time=07:00&explain=true", nil)
	is.Equal(w.Code, http.StatusOK)
	is.True(!strings.Contains(w.Body.String(), `"explanation"`))

	w = doRequest(handler, http.MethodGet,
		"/routes?origin=Z&destination=C&travel_date=2026-02-09&departure_time=07:00", nil)
	is.Equal(w.Code, http.StatusNotFound)
	is.True(strings.Contains(w.Body.String(), "unknown stop Z"))

	// the timetable only runs A towards C
	w = doRequest(handler, http.MethodGet,
		"/routes?origin=C&destination=A&travel_date=2026-02-09&departure_time=07:00", nil)
	is.Equal(w.Code, http.StatusNotFound)
	is.True(strings.Contains(w.Body.String(), "No routes found"))

	w = doRequest(handler, http.MethodGet, "/routes?destination=C", nil)
	is.Equal(w.Code, http.StatusUnprocessableEntity)

	w = doRequest(handler, http.MethodGet,
		"/routes?origin=A&destination=C&travel_date=2026-2-9&departure_time=07:00", nil)
	is.Equal(w.Code, http.StatusUnprocessableEntity)
	is.True(strings.Contains(w.Body.String(), "travel_date"))

	w = doRequest(handler, http.MethodGet,
		"/routes?origin=A&destination=C&travel_date=2026-02-09&departure_time=7am", nil)
	is.Equal(w.Code, http.StatusUnprocessableEntity)
	is.True(strings.Contains(w.Body.String(), "departure_time"))

	w = doRequest(handler, http.MethodGet,
		"/routes?origin=A&destination=C&travel_date=2026-02-09&departure_time=25:00", nil)
	is.Equal(w.Code, http.StatusUnprocessableEntity)
}

func TestWebService_journeySearchDefaults(t *testing.T) {
	is := is.New(t)
	handler, _ := newTestServer(t, webStore(), Config{}, testPlannerConfig())

	// date and time default to now, which falls outside the fixture's single
	// service day, so the request parses cleanly and planning finds nothing
	w := doRequest(handler, http.MethodGet, "/routes?origin=A&destination=C", nil)
	is.Equal(w.Code, http.StatusNotFound)
	is.True(strings.Contains(w.Body.String(), "No routes found"))
}

func TestWebService_graphNotReady(t *testing.T) {
	is := is.New(t)
	journeyPlanner := planner.New(testLogger(), webStore(), transitgraph.NewCache(),
		livefeed.NewState(), testPlannerConfig())
	handler := createServer(testLogger(), Config{}, journeyPlanner).Handler

	w := doRequest(handler, http.MethodGet,
		"/routes?origin=A&destination=C&travel_date=2026-02-09&departure_time=07:00", nil)
	is.Equal(w.Code, http.StatusInternalServerError)
}

func TestWebService_health(t *testing.T) {
	is := is.New(t)
	handler, _ := newTestServer(t, webStore(), Config{}, testPlannerConfig())

	w := doRequest(handler, http.MethodGet, "/health", nil)
	is.Equal(w.Code, http.StatusOK)
	var health planner.HealthResponse
	is.NoErr(json.Unmarshal(w.Body.Bytes(), &health))
	is.Equal(health.Status, "up")
	is.Equal(health.GTFS.Stops, 3)
	is.Equal(health.GTFS.Trips, 2)
	is.True(health.GTFS.GraphBuilt)
}

func TestWebService_ingestGuard(t *testing.T) {
	is := is.New(t)
	handler, _ := newTestServer(t, webStore(), Config{IngestAPIKey: "sekret"}, testPlannerConfig())

	w := doRequest(handler, http.MethodPost, "/ingest/reliability-seed?window_days=7", nil)
	is.Equal(w.Code, http.StatusUnauthorized)

	w = doRequest(handler, http.MethodPost, "/ingest/reliability-seed?window_days=7",
		map[string]string{"X-API-Key": "wrong"})
	is.Equal(w.Code, http.StatusUnauthorized)

	w = doRequest(handler, http.MethodPost, "/ingest/reliability-seed?window_days=7",
		map[string]string{"X-API-Key": "sekret"})
	is.Equal(w.Code, http.StatusOK)
	var seeded seedResponse
	is.NoErr(json.Unmarshal(w.Body.Bytes(), &seeded))
	is.Equal(seeded.WindowDays, 7)
	is.True(seeded.RecordsWritten > 0)

	// without a configured key the endpoint is open
	open, _ := newTestServer(t, webStore(), Config{}, testPlannerConfig())
	w = doRequest(open, http.MethodPost, "/ingest/reliability-seed?window_days=7", nil)
	is.Equal(w.Code, http.StatusOK)
}

func TestWebService_seedWindowValidation(t *testing.T) {
	is := is.New(t)
	handler, _ := newTestServer(t, webStore(), Config{}, testPlannerConfig())

	for _, window := range []string{"0", "91", "-3", "abc"} {
		w := doRequest(handler, http.MethodPost, "/ingest/reliability-seed?window_days="+window, nil)
		is.Equal(w.Code, http.StatusUnprocessableEntity)
	}

	// omitting the parameter seeds the default window
	w := doRequest(handler, http.MethodPost, "/ingest/reliability-seed", nil)
	is.Equal(w.Code, http.StatusOK)
	var seeded seedResponse
	is.NoErr(json.Unmarshal(w.Body.Bytes(), &seeded))
	is.Equal(seeded.WindowDays, planner.DefaultSeedWindowDays)
}

func TestWebService_seedWithoutSchedule(t *testing.T) {
	is := is.New(t)
	handler, _ := newTestServer(t, gtfs.NewMemoryStore(), Config{}, testPlannerConfig())

	w := doRequest(handler, http.MethodPost, "/ingest/reliability-seed?window_days=7", nil)
	is.Equal(w.Code, http.StatusConflict)
}

// fixtureFeedZip assembles a minimal gtfs zip in memory.
func fixtureFeedZip(t *testing.T) []byte {
	t.Helper()
	files := map[string]string{
		"stops.txt": "stop_id,stop_name,stop_lat,stop_lon\n" +
			"A,First & Main,45.5000,-122.6800\n" +
			"B,Second & Main,45.5100,-122.6800\n",
		"routes.txt": "route_id,route_short_name,route_long_name,route_type\n" +
			"R1,1,First Avenue,3\n",
		"trips.txt": "trip_id,route_id,service_id,trip_headsign,direction_id\n" +
			"T1,R1,20260209,Downtown,0\n",
		"stop_times.txt": "trip_id,stop_sequence,stop_id,arrival_time,departure_time\n" +
			"T1,1,A,08:00:00,08:00:00\n" +
			"T1,2,B,08:20:00,08:20:00\n",
	}
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for name, contents := range files {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatalf("unable to add %s to fixture zip: %v", name, err)
		}
		if _, err = f.Write([]byte(contents)); err != nil {
			t.Fatalf("unable to write %s to fixture zip: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("unable to close fixture zip: %v", err)
	}
	return buf.Bytes()
}

func TestWebService_staticIngest(t *testing.T) {
	is := is.New(t)
	zipBytes := fixtureFeedZip(t)
	feedServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(zipBytes)
	}))
	defer feedServer.Close()

	plannerCfg := testPlannerConfig()
	plannerCfg.GTFSStaticURL = feedServer.URL
	plannerCfg.GTFSTempDir = t.TempDir()
	handler, _ := newTestServer(t, gtfs.NewMemoryStore(), Config{}, plannerCfg)

	w := doRequest(handler, http.MethodPost, "/ingest/gtfs-static", nil)
	is.Equal(w.Code, http.StatusOK)
	is.True(strings.Contains(w.Body.String(), "completed"))

	// the refreshed timetable is live: stops stored, graph rebuilt, records seeded
	w = doRequest(handler, http.MethodGet, "/health", nil)
	is.Equal(w.Code, http.StatusOK)
	var health planner.HealthResponse
	is.NoErr(json.Unmarshal(w.Body.Bytes(), &health))
	is.Equal(health.GTFS.Stops, 2)
	is.Equal(health.GTFS.Trips, 1)
	is.Equal(health.GTFS.GraphNodes, 2)
	is.True(health.Reliability.Records > 0)
}

func TestWebService_staticIngestWithoutURL(t *testing.T) {
	is := is.New(t)
	handler, _ := newTestServer(t, webStore(), Config{}, testPlannerConfig())

	w := doRequest(handler, http.MethodPost, "/ingest/gtfs-static", nil)
	is.Equal(w.Code, http.StatusInternalServerError)
}

func TestParseDepartureTime(t *testing.T) {
	is := is.New(t)
	now := time.Date(2026, time.August, 25, 14, 30, 45, 0, time.UTC)

	parsed, err := parseDepartureTime("", "", now)
	is.NoErr(err)
	is.True(parsed.Equal(now))

	parsed, err = parseDepartureTime("2026-02-09", "", now)
	is.NoErr(err)
	is.True(parsed.Equal(time.Date(2026, time.February, 9, 14, 30, 45, 0, time.UTC)))

	parsed, err = parseDepartureTime("", "08:15", now)
	is.NoErr(err)
	is.True(parsed.Equal(time.Date(2026, time.August, 25, 8, 15, 0, 0, time.UTC)))

	parsed, err = parseDepartureTime("2026-02-09", "08:15:30", now)
	is.NoErr(err)
	is.True(parsed.Equal(time.Date(2026, time.February, 9, 8, 15, 30, 0, time.UTC)))

	for _, bad := range []string{"02/09/2026", "2026-2-9", "20260209"} {
		if _, err = parseDepartureTime(bad, "", now); err == nil {
			t.Errorf("expected error for travel_date %q", bad)
		}
	}
	for _, bad := range []string{"8am", "25:00", "08:15:30.5"} {
		if _, err = parseDepartureTime("", bad, now); err == nil {
			t.Errorf("expected error for departure_time %q", bad)
		}
	}
}
