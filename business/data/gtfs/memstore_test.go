package gtfs

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"
)

func testStore() *MemoryStore {
	store := NewMemoryStore()
	store.AddStop("A", "First & Main", 45.52, -122.68)
	store.AddStop("B", "Second & Main", 45.53, -122.68)
	store.AddStop("C", "Main Street Station", 45.54, -122.68)
	store.AddRoute("R1", "1")
	store.AddRoute("R2", "2")
	store.AddTrip("T1", "R1", "20260209",
		TripStopEntry{StopID: "A", ArrivalTime: "08:00:00", DepartureTime: "08:00:00"},
		TripStopEntry{StopID: "B", ArrivalTime: "08:10:00", DepartureTime: "08:11:00"},
		TripStopEntry{StopID: "C", ArrivalTime: "08:20:00", DepartureTime: "08:20:00"},
	)
	store.AddTrip("T2", "R1", "20260209",
		TripStopEntry{StopID: "A", ArrivalTime: "09:00:00", DepartureTime: "09:00:00"},
		TripStopEntry{StopID: "B", ArrivalTime: "09:10:00", DepartureTime: "09:11:00"},
		TripStopEntry{StopID: "C", ArrivalTime: "09:20:00", DepartureTime: "09:20:00"},
	)
	store.AddTrip("T3", "R2", "20260209",
		TripStopEntry{StopID: "B", ArrivalTime: "25:10:00", DepartureTime: "25:10:00"},
		TripStopEntry{StopID: "C", ArrivalTime: "25:30:00", DepartureTime: "25:30:00"},
	)
	return store
}

func TestMemoryStore_EarliestTrip(t *testing.T) {
	store := testStore()
	type args struct {
		routeID      string
		serviceDate  string
		firstStopID  string
		lastStopID   string
		notBeforeSec int
	}
	tests := []struct {
		name string
		args args
		want string
	}{
		{
			name: "first departure of the day",
			args: args{routeID: "R1", serviceDate: "20260209", firstStopID: "A", lastStopID: "C", notBeforeSec: 0},
			want: "T1",
		},
		{
			name: "not before pushes to the later trip",
			args: args{routeID: "R1", serviceDate: "20260209", firstStopID: "A", lastStopID: "C", notBeforeSec: ParseHMS("08:00:01")},
			want: "T2",
		},
		{
			name: "boarding exactly at not before",
			args: args{routeID: "R1", serviceDate: "20260209", firstStopID: "A", lastStopID: "C", notBeforeSec: ParseHMS("09:00:00")},
			want: "T2",
		},
		{
			name: "destination before origin on the trip",
			args: args{routeID: "R1", serviceDate: "20260209", firstStopID: "C", lastStopID: "A", notBeforeSec: 0},
			want: "",
		},
		{
			name: "no trips on the service date",
			args: args{routeID: "R1", serviceDate: "20260210", firstStopID: "A", lastStopID: "C", notBeforeSec: 0},
			want: "",
		},
		{
			name: "post midnight departure found past 24 hours",
			args: args{routeID: "R2", serviceDate: "20260209", firstStopID: "B", lastStopID: "C", notBeforeSec: ParseHMS("24:30:00")},
			want: "T3",
		},
		{
			name: "no departures after not before",
			args: args{routeID: "R1", serviceDate: "20260209", firstStopID: "A", lastStopID: "C", notBeforeSec: ParseHMS("10:00:00")},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.EarliestTrip(context.Background(), tt.args.routeID, tt.args.serviceDate,
				tt.args.firstStopID, tt.args.lastStopID, tt.args.notBeforeSec)
			if err != nil {
				t.Errorf("EarliestTrip() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("EarliestTrip() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemoryStore_SearchStops(t *testing.T) {
	is := is.New(t)
	store := testStore()

	results, err := store.SearchStops(context.Background(), "main", 0)
	is.NoErr(err)
	is.Equal(len(results), 3)
	// ordered by stop name
	is.Equal(results[0].StopID, "A")
	is.Equal(results[1].StopID, "C")
	is.Equal(results[2].StopID, "B")

	results, err = store.SearchStops(context.Background(), "main", 2)
	is.NoErr(err)
	is.Equal(len(results), 2)

	results, err = store.SearchStops(context.Background(), "station", 20)
	is.NoErr(err)
	is.Equal(len(results), 1)
	is.Equal(results[0].StopID, "C")
}

func TestMemoryStore_RoutesServingStops(t *testing.T) {
	is := is.New(t)
	store := testStore()

	served, err := store.RoutesServingStops(context.Background(), []string{"A", "B", "Z"})
	is.NoErr(err)
	is.Equal(served["A"], []string{"R1"})
	is.Equal(served["B"], []string{"R1", "R2"})
	_, present := served["Z"]
	is.Equal(present, false)
}

func TestMemoryStore_ScheduledDepartureCounts(t *testing.T) {
	is := is.New(t)
	store := testStore()

	rows, err := store.ScheduledDepartureCounts(context.Background(), "20260209", "20260209")
	is.NoErr(err)

	stopAHours := make([]int, 0)
	for _, row := range rows {
		if row.RouteID == "R1" && row.StopID == "A" {
			is.Equal(row.Departures, 1)
			stopAHours = append(stopAHours, row.DepartureHour)
		}
		if row.RouteID == "R2" && row.StopID == "B" {
			// 25:10:00 wraps to hour 1
			is.Equal(row.DepartureHour, 1)
		}
	}
	// the two R1 trips depart stop A in hours 8 and 9
	is.Equal(stopAHours, []int{8, 9})

	rows, err = store.ScheduledDepartureCounts(context.Background(), "20260210", "20260211")
	is.NoErr(err)
	is.Equal(len(rows), 0)
}

func TestMemoryStore_ServiceIDRange(t *testing.T) {
	is := is.New(t)
	store := NewMemoryStore()

	minServiceID, maxServiceID, err := store.ServiceIDRange(context.Background())
	is.NoErr(err)
	is.Equal(minServiceID, "")
	is.Equal(maxServiceID, "")

	store.AddTrip("T1", "R1", "20260210")
	store.AddTrip("T2", "R1", "20260208")
	minServiceID, maxServiceID, err = store.ServiceIDRange(context.Background())
	is.NoErr(err)
	is.Equal(minServiceID, "20260208")
	is.Equal(maxServiceID, "20260210")
}

func TestMemoryStore_UpsertReliabilityRecord(t *testing.T) {
	is := is.New(t)
	store := NewMemoryStore()
	ctx := context.Background()

	rec, err := store.ReliabilityRecord(ctx, "R1", "A", "weekday_am_peak")
	is.NoErr(err)
	is.Equal(rec, (*ReliabilityRecord)(nil))

	first := &ReliabilityRecord{
		RouteID:             "R1",
		StopID:              "A",
		TimeBucket:          "weekday_am_peak",
		ScheduledDepartures: 10,
		ObservedDepartures:  9,
		UpdatedAt:           time.Date(2026, 2, 9, 8, 0, 0, 0, time.UTC),
	}
	is.NoErr(store.UpsertReliabilityRecord(ctx, first))
	is.True(first.ID != 0)

	stored, err := store.ReliabilityRecord(ctx, "R1", "A", "weekday_am_peak")
	is.NoErr(err)
	is.Equal(stored.ScheduledDepartures, 10)

	stored.ScheduledDepartures = 11
	stored.UpdatedAt = stored.UpdatedAt.Add(time.Hour)
	is.NoErr(store.UpsertReliabilityRecord(ctx, stored))

	count, err := store.CountReliabilityRecords(ctx)
	is.NoErr(err)
	is.Equal(count, 1)

	latest, err := store.ReliabilityRecord(ctx, "R1", "A", "weekday_am_peak")
	is.NoErr(err)
	is.Equal(latest.ScheduledDepartures, 11)

	lastUpdate, err := store.LastReliabilityUpdate(ctx)
	is.NoErr(err)
	is.Equal(*lastUpdate, time.Date(2026, 2, 9, 9, 0, 0, 0, time.UTC))
}
