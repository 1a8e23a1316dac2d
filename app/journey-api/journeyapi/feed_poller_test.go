package journeyapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
	"github.com/OpenTransitTools/transitroute/business/data/livefeed"
	"github.com/OpenTransitTools/transitroute/business/reliability"
	"github.com/matryer/is"
	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/proto"
)

// pollerStore lays one trip over three stops on the morning of Monday
// 2026-02-09, with the last departure after the peak window.
func pollerStore() *gtfs.MemoryStore {
	store := gtfs.NewMemoryStore()
	store.AddStop("A", "First & Main", 45.5000, -122.6800)
	store.AddStop("B", "Second & Main", 45.5100, -122.6800)
	store.AddStop("C", "Third & Main", 45.5200, -122.6800)
	store.AddRoute("R1", "1")
	store.AddTrip("T1", "R1", "20260209",
		gtfs.TripStopEntry{StopID: "A", ArrivalTime: "08:00:00", DepartureTime: "08:00:00"},
		gtfs.TripStopEntry{StopID: "B", ArrivalTime: "08:10:00", DepartureTime: "08:10:00"},
		gtfs.TripStopEntry{StopID: "C", ArrivalTime: "09:50:00", DepartureTime: "09:50:00"},
	)
	return store
}

func tripRows(t *testing.T, store gtfs.Store, tripID string) []gtfs.TripStopRow {
	t.Helper()
	rows, err := store.TripStopTimesForTrips(context.Background(), []string{tripID})
	if err != nil {
		t.Fatalf("unable to load stop rows for %s: %v", tripID, err)
	}
	return rows[tripID]
}

func newTestPoller(store gtfs.Store) (*feedPoller, *livefeed.State) {
	state := livefeed.NewState()
	publisher := makeObservationPublisher(testLogger(), store, nil)
	poller := makeFeedPoller(testLogger(), Config{RTAPIKey: "k"}, store, state, publisher)
	return poller, state
}

// localTime builds a clock time on the fixture's service day in the local zone,
// matching how scheduled departures are compared against the wall clock.
func localTime(hour, minute int) time.Time {
	return time.Date(2026, time.February, 9, hour, minute, 0, 0, time.Local)
}

func TestObserveDepartures(t *testing.T) {
	is := is.New(t)
	rows := tripRows(t, pollerStore(), "T1")
	now := localTime(9, 0)

	update := &livefeed.TripUpdate{
		TripID:       "T1",
		RouteID:      "R1",
		DelaySeconds: 120,
		StopDelays:   map[string]int{"B": 300},
	}
	observations := observeDepartures(update, rows, now)
	is.Equal(len(observations), 2) // C departs 09:50, still in the future
	is.Equal(observations[0].StopID, "A")
	is.Equal(observations[0].DelaySeconds, 120) // trip level delay
	is.True(observations[0].ScheduledAt.Equal(localTime(8, 0)))
	is.True(!observations[0].Cancelled)
	is.Equal(observations[1].StopID, "B")
	is.Equal(observations[1].DelaySeconds, 300) // stop override wins

	// a cancelled trip yields one observation per scheduled stop, departed or not
	cancelled := &livefeed.TripUpdate{TripID: "T1", RouteID: "R1", IsCancelled: true}
	observations = observeDepartures(cancelled, rows, localTime(0, 1))
	is.Equal(len(observations), 3)
	for _, observation := range observations {
		is.True(observation.Cancelled)
		is.Equal(observation.RouteID, "R1")
	}

	is.Equal(len(observeDepartures(nil, rows, now)), 0)
	is.Equal(len(observeDepartures(update, nil, now)), 0)
}

func TestRecordDepartures_oncePerDay(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := pollerStore()
	poller, state := newTestPoller(store)

	state.SetTripUpdates(map[string]*livefeed.TripUpdate{
		"T1": {TripID: "T1", RouteID: "R1", DelaySeconds: 60},
	})
	poller.recordDepartures(localTime(9, 0))

	rec, err := store.ReliabilityRecord(ctx, "R1", "A", "weekday_am_peak")
	is.NoErr(err)
	is.True(rec != nil)
	is.Equal(rec.ScheduledDepartures, 1)
	is.Equal(rec.ObservedDepartures, 1)
	is.Equal(rec.TotalDelaySeconds, 60.0)

	// the same trip seen again minutes later must not double count
	poller.recordDepartures(localTime(9, 30))
	rec, err = store.ReliabilityRecord(ctx, "R1", "A", "weekday_am_peak")
	is.NoErr(err)
	is.Equal(rec.ScheduledDepartures, 1)

	// a new local day resets the recorded set
	poller.recordDepartures(time.Date(2026, time.February, 10, 9, 0, 0, 0, time.Local))
	rec, err = store.ReliabilityRecord(ctx, "R1", "A", "weekday_am_peak")
	is.NoErr(err)
	is.Equal(rec.ScheduledDepartures, 2)
}

func TestRecordDepartures_notYetDeparted(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := pollerStore()
	poller, state := newTestPoller(store)

	state.SetTripUpdates(map[string]*livefeed.TripUpdate{
		"T1": {TripID: "T1", RouteID: "R1", DelaySeconds: 45},
	})

	// before any scheduled departure nothing is recorded and the trip stays pending
	poller.recordDepartures(localTime(7, 0))
	count, err := store.CountReliabilityRecords(ctx)
	is.NoErr(err)
	is.Equal(count, 0)

	// the next poll after the first departure picks the trip back up
	poller.recordDepartures(localTime(8, 5))
	rec, err := store.ReliabilityRecord(ctx, "R1", "A", "weekday_am_peak")
	is.NoErr(err)
	is.True(rec != nil)
	is.Equal(rec.ObservedDepartures, 1)

	// B departs 08:10 and had not gone yet
	rec, err = store.ReliabilityRecord(ctx, "R1", "B", "weekday_am_peak")
	is.NoErr(err)
	is.True(rec == nil)
}

func TestRecordDepartures_cancelledFanOut(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := pollerStore()
	poller, state := newTestPoller(store)

	state.InjectCancellation("T1", "R1")
	poller.recordDepartures(localTime(6, 0))

	// every scheduled stop counts the cancellation, future ones included
	for _, check := range []struct{ stopID, bucket string }{
		{"A", "weekday_am_peak"},
		{"B", "weekday_am_peak"},
		{"C", "weekday_offpeak"},
	} {
		rec, err := store.ReliabilityRecord(ctx, "R1", check.stopID, check.bucket)
		is.NoErr(err)
		is.True(rec != nil)
		is.Equal(rec.Cancellations, 1)
		is.Equal(rec.ObservedDepartures, 0)
	}
}

func TestRecordDepartures_unknownTrip(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := pollerStore()
	poller, state := newTestPoller(store)

	// a trip update with no scheduled stops produces nothing
	state.SetTripUpdates(map[string]*livefeed.TripUpdate{
		"GHOST": {TripID: "GHOST", RouteID: "RX"},
	})
	poller.recordDepartures(localTime(9, 0))
	count, err := store.CountReliabilityRecords(ctx)
	is.NoErr(err)
	is.Equal(count, 0)
}

func TestHandleObservationMessage(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := pollerStore()

	batch := []reliability.DepartureObservation{
		{TripID: "T1", RouteID: "R1", StopID: "A", ScheduledAt: localTime(8, 0), DelaySeconds: 90},
		{TripID: "T1", RouteID: "R1", StopID: "B", ScheduledAt: localTime(8, 10), Cancelled: true},
	}
	payload, err := json.Marshal(batch)
	is.NoErr(err)

	handleObservationMessage(testLogger(), store, &nats.Msg{Subject: observationSubject, Data: payload})

	rec, err := store.ReliabilityRecord(ctx, "R1", "A", "weekday_am_peak")
	is.NoErr(err)
	is.Equal(rec.ObservedDepartures, 1)
	is.Equal(rec.TotalDelaySeconds, 90.0)
	rec, err = store.ReliabilityRecord(ctx, "R1", "B", "weekday_am_peak")
	is.NoErr(err)
	is.Equal(rec.Cancellations, 1)

	// malformed payloads log and drop, leaving records untouched
	handleObservationMessage(testLogger(), store, &nats.Msg{Subject: observationSubject, Data: []byte("not json")})
	count, err := store.CountReliabilityRecords(ctx)
	is.NoErr(err)
	is.Equal(count, 2)
}

func TestFeedURL(t *testing.T) {
	is := is.New(t)
	is.Equal(feedURL("https://example.com/tripupdates", "abc"), "https://example.com/tripupdates?key=abc")
	is.Equal(feedURL("https://example.com/feed?format=pb", "abc"), "https://example.com/feed?format=pb&key=abc")
	is.Equal(feedURL("https://example.com/feed", ""), "https://example.com/feed")
	is.Equal(feedURL("https://example.com/feed", "a b/c"), "https://example.com/feed?key=a+b%2Fc")
}

func marshalFeed(t *testing.T, entities ...*gtfsrt.FeedEntity) []byte {
	t.Helper()
	feedMessage := gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
		},
		Entity: entities,
	}
	b, err := proto.Marshal(&feedMessage)
	if err != nil {
		t.Fatalf("unable to marshal test FeedMessage: %v", err)
	}
	return b
}

func TestPollFeeds(t *testing.T) {
	is := is.New(t)
	updatesPayload := marshalFeed(t, &gtfsrt.FeedEntity{
		Id: proto.String("1"),
		TripUpdate: &gtfsrt.TripUpdate{
			Trip: &gtfsrt.TripDescriptor{
				TripId:  proto.String("T1"),
				RouteId: proto.String("R1"),
			},
		},
	})
	var mu sync.Mutex
	var gotKey string
	updateServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotKey = r.URL.Query().Get("key")
		mu.Unlock()
		_, _ = w.Write(updatesPayload)
	}))
	defer updateServer.Close()
	alertServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer alertServer.Close()

	store := pollerStore()
	state := livefeed.NewState()
	state.InjectAlert("A1", "detour", "", []string{"R1"}, nil)
	cfg := Config{
		RTAPIKey:       "sekret",
		TripUpdatesURL: updateServer.URL,
		AlertsURL:      alertServer.URL,
	}
	poller := makeFeedPoller(testLogger(), cfg, store, state, makeObservationPublisher(testLogger(), store, nil))

	poller.pollFeeds()

	mu.Lock()
	is.Equal(gotKey, "sekret") // the api key travels as a query parameter
	mu.Unlock()
	snapshot := state.Snapshot()
	is.Equal(len(snapshot.TripUpdates), 1)
	is.True(snapshot.TripUpdates["T1"] != nil)
	is.Equal(len(snapshot.Alerts), 1) // the failed alert fetch kept previous state
}
