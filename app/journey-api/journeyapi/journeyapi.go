// Package journeyapi wires the journey planning web service to its background
// work: the scheduled static feed refresh, the gtfs-rt poller that keeps live
// state current and records departure observations, and the NATS listener that
// folds published observations into reliability records.
package journeyapi

import (
	"context"
	"fmt"
	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
	"github.com/OpenTransitTools/transitroute/business/data/livefeed"
	"github.com/OpenTransitTools/transitroute/business/planner"
	"github.com/OpenTransitTools/transitroute/business/reliability"
	"github.com/nats-io/nats.go"
	logger "log"
	"os"
	"sync"
	"time"
)

//Config carries the settings the journey api services need, assembled from the
//command line by main
type Config struct {
	WebAPIHost      string
	WebReadTimeout  time.Duration
	WebWriteTimeout time.Duration
	WebIdleTimeout  time.Duration
	IngestAPIKey    string
	SeedWindowDays  int

	StaticRefreshInterval time.Duration

	TripUpdatesURL      string
	VehiclePositionsURL string
	AlertsURL           string
	RTAPIKey            string
	PollInterval        time.Duration
}

//StartServices brings up the static refresh loop, the live feed poller, the
//observation listener and the web service. Exits application on shutdown signal
func StartServices(log *logger.Logger,
	cfg Config,
	journeyPlanner *planner.Planner,
	liveState *livefeed.State,
	store gtfs.Store,
	natsConn *nats.Conn,
	shutdownSignal chan os.Signal) {

	wg := sync.WaitGroup{}

	//create shared observation pipeline
	publisher := makeObservationPublisher(log, store, natsConn)
	poller := makeFeedPoller(log, cfg, store, liveState, publisher)

	//create shutdown channels
	staticRefreshShutdown := make(chan bool, 1)
	feedPollShutdown := make(chan bool, 1)
	observationListenerShutdown := make(chan bool, 1)
	webServiceShutdown := make(chan bool, 1)

	//start all child services
	go runStaticRefreshLoop(log, &wg, journeyPlanner, cfg.StaticRefreshInterval, staticRefreshShutdown)
	if poller.pollingActive() {
		//fetch once before the loop so queries see live state from startup,
		//and so a zero poll interval still gets its single snapshot
		poller.pollAndRecord(time.Now())
		if cfg.PollInterval > 0 {
			go runFeedPollLoop(log, &wg, poller, cfg.PollInterval, feedPollShutdown)
		}
	}
	if natsConn != nil {
		go runObservationListener(log, &wg, natsConn, store, observationListenerShutdown)
	}
	go runWebService(log, &wg, cfg, journeyPlanner, webServiceShutdown)

	select {
	case <-shutdownSignal:
		log.Printf("Exiting on shutdown signal, shutting down subroutines")
		staticRefreshShutdown <- true
		feedPollShutdown <- true
		observationListenerShutdown <- true
		webServiceShutdown <- true
		wg.Wait()
		log.Printf("Subroutines shut down, exiting journey api")
	}
}

//runStaticRefreshLoop periodically re-downloads the static feed, rebuilds the
//transit graph and tops up synthetic reliability records without touching
//observed ones
func runStaticRefreshLoop(log *logger.Logger,
	wg *sync.WaitGroup,
	journeyPlanner *planner.Planner,
	interval time.Duration,
	shutdownSignal chan bool) {
	wg.Add(1)
	defer wg.Done()

	sleepChan := make(chan bool)
	sleep := interval
	journeyPlanner.SetNextRefresh(time.Now().Add(sleep))

	for {
		go func() {
			time.Sleep(sleep)
			sleepChan <- true
		}()

		select {
		case <-shutdownSignal:
			log.Printf("exiting static refresh loop on shutdown signal")
			return
		case <-sleepChan:
			break
		}

		// mark the time we start working
		start := time.Now()

		if err := journeyPlanner.RefreshStaticData(context.Background(), reliability.SeedFillGapsOnly, false); err != nil {
			log.Printf("error refreshing static feed, will retry next cycle. error:%v\n", err)
		}

		workTook := time.Now().Sub(start)
		log.Printf("static refresh work took %s\n", fmtDuration(workTook))

		// if the work took longer than the interval don't sleep at all on the next loop
		if workTook >= interval {
			sleep = time.Duration(0)
		} else {
			sleep = interval - workTook
		}
		journeyPlanner.SetNextRefresh(time.Now().Add(sleep))
	}
}

//runFeedPollLoop polls the configured gtfs-rt feeds on the poll interval and
//records the day's new departure observations after every fetch
func runFeedPollLoop(log *logger.Logger,
	wg *sync.WaitGroup,
	poller *feedPoller,
	interval time.Duration,
	shutdownSignal chan bool) {
	wg.Add(1)
	defer wg.Done()

	sleepChan := make(chan bool)
	sleep := interval

	for {
		go func() {
			time.Sleep(sleep)
			sleepChan <- true
		}()

		select {
		case <-shutdownSignal:
			log.Printf("exiting feed poll loop on shutdown signal")
			return
		case <-sleepChan:
			break
		}

		// mark the time we start working
		start := time.Now()

		poller.pollAndRecord(time.Now())

		workTook := time.Now().Sub(start)

		// if the work took longer than the interval don't sleep at all on the next loop
		if workTook >= interval {
			sleep = time.Duration(0)
		} else {
			sleep = interval - workTook
		}
	}
}

//fmtDuration returns a string presentation of time.Duration for logging
func fmtDuration(d time.Duration) string {
	d = d.Round(time.Millisecond)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	mill := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d.%d", h, m, mill)
}
