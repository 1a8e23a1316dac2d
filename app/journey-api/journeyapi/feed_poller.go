package journeyapi

import (
	"context"
	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
	"github.com/OpenTransitTools/transitroute/business/data/livefeed"
	"github.com/OpenTransitTools/transitroute/business/reliability"
	"github.com/OpenTransitTools/transitroute/foundation/httpclient"
	logger "log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

//feedPoller downloads the gtfs-rt feeds, swaps the parsed results into the shared
//live state, and turns the current trip updates into daily departure observations
type feedPoller struct {
	log       *logger.Logger
	store     gtfs.Store
	liveState *livefeed.State
	publisher *observationPublisher

	tripUpdatesURL      string
	vehiclePositionsURL string
	alertsURL           string
	apiKey              string

	//trips already recorded for recordedDay, reset when the local date changes
	recordedDay   string
	recordedTrips map[string]bool
}

//feedPoller factory
func makeFeedPoller(log *logger.Logger,
	cfg Config,
	store gtfs.Store,
	liveState *livefeed.State,
	publisher *observationPublisher) *feedPoller {
	return &feedPoller{
		log:                 log,
		store:               store,
		liveState:           liveState,
		publisher:           publisher,
		tripUpdatesURL:      cfg.TripUpdatesURL,
		vehiclePositionsURL: cfg.VehiclePositionsURL,
		alertsURL:           cfg.AlertsURL,
		apiKey:              cfg.RTAPIKey,
		recordedTrips:       make(map[string]bool),
	}
}

//pollingActive reports whether live polling is configured. An empty api key
//turns the gtfs-rt side of the service off
func (p *feedPoller) pollingActive() bool {
	return p.apiKey != ""
}

//pollAndRecord fetches all configured feeds, then records the day's new
//departure observations from the refreshed trip updates
func (p *feedPoller) pollAndRecord(now time.Time) {
	p.pollFeeds()
	p.recordDepartures(now)
}

//pollFeeds fetches the configured feeds concurrently. A failed fetch or parse
//logs and leaves the previous state for that feed in place
func (p *feedPoller) pollFeeds() {
	fetchWG := sync.WaitGroup{}

	if p.tripUpdatesURL != "" {
		fetchWG.Add(1)
		go func() {
			defer fetchWG.Done()
			payload, err := httpclient.FetchBytes(feedURL(p.tripUpdatesURL, p.apiKey))
			if err != nil {
				p.log.Printf("Error fetching trip updates, keeping previous state, error:%v", err)
				return
			}
			updates, err := livefeed.ParseTripUpdates(payload)
			if err != nil {
				p.log.Printf("Error parsing trip updates feed, keeping previous state, error:%v", err)
				return
			}
			p.liveState.SetTripUpdates(updates)
		}()
	}
	if p.alertsURL != "" {
		fetchWG.Add(1)
		go func() {
			defer fetchWG.Done()
			payload, err := httpclient.FetchBytes(feedURL(p.alertsURL, p.apiKey))
			if err != nil {
				p.log.Printf("Error fetching alerts, keeping previous state, error:%v", err)
				return
			}
			alerts, err := livefeed.ParseAlerts(payload)
			if err != nil {
				p.log.Printf("Error parsing alerts feed, keeping previous state, error:%v", err)
				return
			}
			p.liveState.SetAlerts(alerts)
		}()
	}
	if p.vehiclePositionsURL != "" {
		fetchWG.Add(1)
		go func() {
			defer fetchWG.Done()
			payload, err := httpclient.FetchBytes(feedURL(p.vehiclePositionsURL, p.apiKey))
			if err != nil {
				p.log.Printf("Error fetching vehicle positions, keeping previous state, error:%v", err)
				return
			}
			positions, err := livefeed.ParseVehiclePositions(payload)
			if err != nil {
				p.log.Printf("Error parsing vehicle positions feed, keeping previous state, error:%v", err)
				return
			}
			p.liveState.SetVehiclePositions(positions)
		}()
	}
	fetchWG.Wait()
}

//feedURL appends the api key to a feed url
func feedURL(feed string, apiKey string) string {
	if apiKey == "" {
		return feed
	}
	separator := "?"
	if strings.Contains(feed, "?") {
		separator = "&"
	}
	return feed + separator + "key=" + url.QueryEscape(apiKey)
}

//recordDepartures builds departure observations for trips in the current trip
//update map that have not been recorded today and hands them to the publisher.
//A trip is marked recorded only once at least one of its stops produced an
//observation, so a trip seen before any scheduled departure is retried on the
//next poll
func (p *feedPoller) recordDepartures(now time.Time) {
	day := now.Format("2006-01-02")
	if day != p.recordedDay {
		p.recordedDay = day
		p.recordedTrips = make(map[string]bool)
	}

	snapshot := p.liveState.Snapshot()
	var pendingTripIDs []string
	for tripID := range snapshot.TripUpdates {
		if !p.recordedTrips[tripID] {
			pendingTripIDs = append(pendingTripIDs, tripID)
		}
	}
	if len(pendingTripIDs) == 0 {
		return
	}
	sort.Strings(pendingTripIDs)

	stopsByTrip, err := p.store.TripStopTimesForTrips(context.Background(), pendingTripIDs)
	if err != nil {
		p.log.Printf("Error loading stop times for observed trips, error:%v", err)
		return
	}

	var batch []reliability.DepartureObservation
	tripCount := 0
	for _, tripID := range pendingTripIDs {
		observations := observeDepartures(snapshot.TripUpdates[tripID], stopsByTrip[tripID], now)
		if len(observations) == 0 {
			continue
		}
		p.recordedTrips[tripID] = true
		tripCount++
		batch = append(batch, observations...)
	}
	if len(batch) == 0 {
		return
	}
	p.log.Printf("recording %d departure observations from %d trips", len(batch), tripCount)
	p.publisher.publish(batch)
}

//observeDepartures builds the observations one trip update yields: every
//scheduled stop when the trip is cancelled, otherwise every stop whose
//scheduled departure has already passed, carrying the best known delay
func observeDepartures(update *livefeed.TripUpdate,
	stops []gtfs.TripStopRow,
	now time.Time) []reliability.DepartureObservation {
	if update == nil || len(stops) == 0 {
		return nil
	}
	parsedDate, err := gtfs.ParseServiceDate(stops[0].ServiceID)
	if err != nil {
		return nil
	}
	serviceDate := time.Date(parsedDate.Year(), parsedDate.Month(), parsedDate.Day(),
		0, 0, 0, 0, now.Location())

	var observations []reliability.DepartureObservation
	for _, stop := range stops {
		scheduledAt := serviceDate.Add(time.Duration(gtfs.ParseHMS(stop.DepartureTime)) * time.Second)
		if update.IsCancelled {
			observations = append(observations, reliability.DepartureObservation{
				TripID:      update.TripID,
				RouteID:     stop.RouteID,
				StopID:      stop.StopID,
				ScheduledAt: scheduledAt,
				Cancelled:   true,
			})
			continue
		}
		if scheduledAt.After(now) {
			continue
		}
		delay := update.DelaySeconds
		if stopDelay, ok := update.StopDelays[stop.StopID]; ok {
			delay = stopDelay
		}
		observations = append(observations, reliability.DepartureObservation{
			TripID:       update.TripID,
			RouteID:      stop.RouteID,
			StopID:       stop.StopID,
			ScheduledAt:  scheduledAt,
			DelaySeconds: delay,
		})
	}
	return observations
}
