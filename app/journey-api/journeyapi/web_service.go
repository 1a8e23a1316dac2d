package journeyapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/OpenTransitTools/transitroute/business/planner"
	"github.com/OpenTransitTools/transitroute/business/reliability"
	"github.com/OpenTransitTools/transitroute/business/routing"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	logger "log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

//seed windows accepted by the reliability seed endpoint
const (
	minSeedWindowDays = 1
	maxSeedWindowDays = 90
)

//defaultHttpHandler simple default http handler for default route
type defaultHttpHandler struct {
}

//ServeHTTP implements defaultHttpHandler http.Handler interface
func (h *defaultHttpHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Add("Application-Status", "OK")
}

//stopSearchHandler holds data needed to respond to stop search requests
type stopSearchHandler struct {
	log            *logger.Logger
	journeyPlanner *planner.Planner
}

//stopSearchHandler factory
func makeStopSearchHandler(log *logger.Logger, journeyPlanner *planner.Planner) *stopSearchHandler {
	return &stopSearchHandler{
		log:            log,
		journeyPlanner: journeyPlanner,
	}
}

//ServeHTTP implements stopSearchHandler's http.Handler interface
func (h *stopSearchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.FormValue("query"))
	if utf8.RuneCountInString(query) < 2 {
		http.Error(w, "query parameter must be at least 2 characters long", http.StatusUnprocessableEntity)
		return
	}
	results, err := h.journeyPlanner.SearchStops(r.Context(), query)
	if err != nil {
		h.log.Printf("Error searching stops for %q, error:%v", query, err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	writeJSON(h.log, w, results)
}

//journeySearchHandler holds data needed to respond to journey planning requests
type journeySearchHandler struct {
	log            *logger.Logger
	journeyPlanner *planner.Planner
}

//journeySearchHandler factory
func makeJourneySearchHandler(log *logger.Logger, journeyPlanner *planner.Planner) *journeySearchHandler {
	return &journeySearchHandler{
		log:            log,
		journeyPlanner: journeyPlanner,
	}
}

//ServeHTTP implements journeySearchHandler's http.Handler interface
func (h *journeySearchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := strings.TrimSpace(r.FormValue("origin"))
	destination := strings.TrimSpace(r.FormValue("destination"))
	if origin == "" || destination == "" {
		http.Error(w, "origin and destination parameters are required", http.StatusUnprocessableEntity)
		return
	}
	departure, err := parseDepartureTime(r.FormValue("travel_date"), r.FormValue("departure_time"), time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	explain := strings.ToLower(r.FormValue("explain")) == "true"

	plan, err := h.journeyPlanner.PlanJourneys(r.Context(), origin, destination, departure, explain)
	if err != nil {
		var unknownStop routing.UnknownStopError
		if errors.As(err, &unknownStop) {
			http.Error(w, unknownStop.Error(), http.StatusNotFound)
			return
		}
		h.log.Printf("Error planning journeys from %s to %s, error:%v", origin, destination, err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	if len(plan.Routes) == 0 {
		http.Error(w, fmt.Sprintf("No routes found from %s to %s at the requested time", origin, destination),
			http.StatusNotFound)
		return
	}
	writeJSON(h.log, w, plan)
}

//parseDepartureTime combines the optional travel_date and departure_time parameters
//into a departure timestamp, defaulting each missing part to now
func parseDepartureTime(travelDate string, departureTime string, now time.Time) (time.Time, error) {
	year, month, day := now.Date()
	hour, minute, second := now.Clock()

	if travelDate != "" {
		parsed, err := time.Parse("2006-01-02", travelDate)
		if err != nil {
			return time.Time{}, fmt.Errorf("travel_date must be formatted YYYY-MM-DD, got %q", travelDate)
		}
		year, month, day = parsed.Date()
	}
	if departureTime != "" {
		parsed, err := time.Parse("15:04:05", departureTime)
		if err != nil {
			parsed, err = time.Parse("15:04", departureTime)
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("departure_time must be formatted HH:MM or HH:MM:SS, got %q", departureTime)
		}
		hour, minute, second = parsed.Clock()
	}
	return time.Date(year, month, day, hour, minute, second, 0, now.Location()), nil
}

//healthHandler holds data needed to respond to health requests
type healthHandler struct {
	log            *logger.Logger
	journeyPlanner *planner.Planner
}

//healthHandler factory
func makeHealthHandler(log *logger.Logger, journeyPlanner *planner.Planner) *healthHandler {
	return &healthHandler{
		log:            log,
		journeyPlanner: journeyPlanner,
	}
}

//ServeHTTP implements healthHandler's http.Handler interface
func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	health, err := h.journeyPlanner.Health(r.Context())
	if err != nil {
		h.log.Printf("Error collecting service health, error:%v", err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	writeJSON(h.log, w, health)
}

//staticIngestHandler triggers a full static feed refresh on demand
type staticIngestHandler struct {
	log            *logger.Logger
	journeyPlanner *planner.Planner
}

//staticIngestHandler factory
func makeStaticIngestHandler(log *logger.Logger, journeyPlanner *planner.Planner) *staticIngestHandler {
	return &staticIngestHandler{
		log:            log,
		journeyPlanner: journeyPlanner,
	}
}

//ingestResponse acknowledges a completed ingest request
type ingestResponse struct {
	Status string `json:"status"`
}

//ServeHTTP implements staticIngestHandler's http.Handler interface
func (h *staticIngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.log.Printf("static feed refresh requested over http")
	if err := h.journeyPlanner.RefreshStaticData(r.Context(), reliability.SeedOverwrite, true); err != nil {
		h.log.Printf("Error refreshing static feed, error:%v", err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	writeJSON(h.log, w, ingestResponse{Status: "completed"})
}

//reliabilitySeedHandler reseeds reliability records on demand
type reliabilitySeedHandler struct {
	log               *logger.Logger
	journeyPlanner    *planner.Planner
	defaultWindowDays int
}

//reliabilitySeedHandler factory
func makeReliabilitySeedHandler(log *logger.Logger,
	journeyPlanner *planner.Planner,
	defaultWindowDays int) *reliabilitySeedHandler {
	if defaultWindowDays <= 0 {
		defaultWindowDays = planner.DefaultSeedWindowDays
	}
	return &reliabilitySeedHandler{
		log:               log,
		journeyPlanner:    journeyPlanner,
		defaultWindowDays: defaultWindowDays,
	}
}

//seedResponse reports what a reliability seed run wrote
type seedResponse struct {
	RecordsWritten int `json:"records_written"`
	WindowDays     int `json:"window_days"`
}

//ServeHTTP implements reliabilitySeedHandler's http.Handler interface
func (h *reliabilitySeedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	windowDays := h.defaultWindowDays
	if raw := r.FormValue("window_days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < minSeedWindowDays || parsed > maxSeedWindowDays {
			http.Error(w, fmt.Sprintf("window_days must be a number between %d and %d",
				minSeedWindowDays, maxSeedWindowDays), http.StatusUnprocessableEntity)
			return
		}
		windowDays = parsed
	}
	written, err := h.journeyPlanner.SeedReliability(r.Context(), windowDays, reliability.SeedOverwrite)
	if err != nil {
		if errors.Is(err, reliability.ErrNoScheduleData) {
			http.Error(w, "No schedule data loaded, load a static feed first", http.StatusConflict)
			return
		}
		h.log.Printf("Error seeding reliability records, error:%v", err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	h.log.Printf("seeded %d reliability records over a %d day window", written, windowDays)
	writeJSON(h.log, w, seedResponse{RecordsWritten: written, WindowDays: windowDays})
}

//apiKeyHandler guards an ingest handler behind the X-API-Key header. An empty
//configured key leaves the endpoint open.
type apiKeyHandler struct {
	apiKey string
	next   http.Handler
}

//ServeHTTP implements apiKeyHandler's http.Handler interface
func (a *apiKeyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.apiKey != "" && r.Header.Get("X-API-Key") != a.apiKey {
		http.Error(w, "Invalid or missing api key", http.StatusUnauthorized)
		return
	}
	a.next.ServeHTTP(w, r)
}

//makeRequestLogMiddleware tags each response with a request id and logs the
//request with its duration
func makeRequestLogMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := uuid.New().String()
			w.Header().Set("X-Request-Id", requestID)
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Printf("%s %s requestID:%s took %s", r.Method, r.URL.Path, requestID,
				fmtDuration(time.Now().Sub(start)))
		})
	}
}

//writeJSON marshals payload as the json response body
func writeJSON(log *logger.Logger, w http.ResponseWriter, payload interface{}) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Error marshaling response to json, error:%v", err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(jsonData); err != nil {
		log.Printf("Error writing json response: %s", err)
	}
}

//createServer creates configured http.Server for responding to journey api requests
func createServer(log *logger.Logger, cfg Config, journeyPlanner *planner.Planner) *http.Server {
	r := mux.NewRouter()
	r.Use(makeRequestLogMiddleware(log))
	r.Handle("/", &defaultHttpHandler{})
	r.Handle("/stops", makeStopSearchHandler(log, journeyPlanner)).Methods(http.MethodGet)
	r.Handle("/routes", makeJourneySearchHandler(log, journeyPlanner)).Methods(http.MethodGet)
	r.Handle("/health", makeHealthHandler(log, journeyPlanner)).Methods(http.MethodGet)
	r.Handle("/ingest/gtfs-static", &apiKeyHandler{
		apiKey: cfg.IngestAPIKey,
		next:   makeStaticIngestHandler(log, journeyPlanner),
	}).Methods(http.MethodPost)
	r.Handle("/ingest/reliability-seed", &apiKeyHandler{
		apiKey: cfg.IngestAPIKey,
		next:   makeReliabilitySeedHandler(log, journeyPlanner, cfg.SeedWindowDays),
	}).Methods(http.MethodPost)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-API-Key"}),
	)

	srv := &http.Server{
		Addr: cfg.WebAPIHost,
		// Good practice to set timeouts to avoid Slowloris attacks.
		WriteTimeout: cfg.WebWriteTimeout,
		ReadTimeout:  cfg.WebReadTimeout,
		IdleTimeout:  cfg.WebIdleTimeout,
		Handler:      cors(r),
	}
	return srv
}

//runWebService starts up the journey api web service, and terminates on shutdown signal
func runWebService(log *logger.Logger,
	wg *sync.WaitGroup,
	cfg Config,
	journeyPlanner *planner.Planner,
	shutdownSignal chan bool,
) {
	wg.Add(1)
	defer wg.Done()
	srv := createServer(log, cfg, journeyPlanner)
	log.Printf("Starting server on %s", cfg.WebAPIHost)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Printf("server ListenAndServe ended. %s", err)
		}
	}()
	select {
	case <-shutdownSignal:
		log.Printf("ending webservice on shutdown signal")
		shutdownCtx, serverCancelFunc := context.WithTimeout(context.Background(), time.Duration(5)*time.Second)
		defer serverCancelFunc()
		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			log.Printf("error shutting down webservice, error:%s", err)
		}
	}
}
