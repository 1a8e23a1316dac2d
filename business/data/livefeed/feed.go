package livefeed

import (
	"fmt"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

/*
ParseTripUpdates decodes a gtfs-realtime trip update FeedMessage into domain TripUpdates
keyed by trip id. Any changes to the GTFS-realtime protocol or generated code can be
handled here and not elsewhere in the program.

Only the fields the risk scorer reads are kept: trip id, route id, the cancelled
schedule relationship, and per-stop departure delays. The last departure delay seen
on a trip doubles as the trip level delay.
*/
func ParseTripUpdates(b []byte) (map[string]*TripUpdate, error) {
	feedMessage := gtfsrt.FeedMessage{}
	err := proto.Unmarshal(b, &feedMessage)
	if err != nil {
		return nil, fmt.Errorf("unable to unmarshal trip update FeedMessage: %w", err)
	}
	now := time.Now()
	updates := make(map[string]*TripUpdate)
	for _, entity := range feedMessage.Entity {
		if entity.TripUpdate == nil {
			continue
		}
		trip := entity.TripUpdate.Trip
		if trip == nil || trip.TripId == nil {
			continue
		}
		update := TripUpdate{
			TripID:     *trip.TripId,
			StopDelays: make(map[string]int),
			FetchedAt:  now,
		}
		if trip.RouteId != nil {
			update.RouteID = *trip.RouteId
		}
		if trip.ScheduleRelationship != nil && *trip.ScheduleRelationship == gtfsrt.TripDescriptor_CANCELED {
			update.IsCancelled = true
		}
		for _, stopTimeUpdate := range entity.TripUpdate.StopTimeUpdate {
			if stopTimeUpdate.StopId == nil || stopTimeUpdate.Departure == nil || stopTimeUpdate.Departure.Delay == nil {
				continue
			}
			delay := int(*stopTimeUpdate.Departure.Delay)
			update.StopDelays[*stopTimeUpdate.StopId] = delay
			update.DelaySeconds = delay
		}
		updates[update.TripID] = &update
	}
	return updates, nil
}

// ParseAlerts decodes a gtfs-realtime alert FeedMessage into ServiceAlerts, keeping
// the first translation of header and description and the routes and stops named by
// the informed entities.
func ParseAlerts(b []byte) ([]*ServiceAlert, error) {
	feedMessage := gtfsrt.FeedMessage{}
	err := proto.Unmarshal(b, &feedMessage)
	if err != nil {
		return nil, fmt.Errorf("unable to unmarshal alert FeedMessage: %w", err)
	}
	now := time.Now()
	alerts := make([]*ServiceAlert, 0)
	for _, entity := range feedMessage.Entity {
		if entity.Alert == nil {
			continue
		}
		alert := ServiceAlert{
			Header:      firstTranslation(entity.Alert.HeaderText),
			Description: firstTranslation(entity.Alert.DescriptionText),
			FetchedAt:   now,
		}
		if entity.Id != nil {
			alert.ID = *entity.Id
		}
		for _, informed := range entity.Alert.InformedEntity {
			if informed.RouteId != nil {
				alert.AffectedRouteIDs = append(alert.AffectedRouteIDs, *informed.RouteId)
			}
			if informed.StopId != nil {
				alert.AffectedStopIDs = append(alert.AffectedStopIDs, *informed.StopId)
			}
		}
		alerts = append(alerts, &alert)
	}
	return alerts, nil
}

// ParseVehiclePositions decodes a gtfs-realtime vehicle position FeedMessage into
// VehiclePositions keyed by trip id. Vehicles without a trip descriptor are skipped,
// the scorer only ever looks positions up by trip.
func ParseVehiclePositions(b []byte) (map[string]*VehiclePosition, error) {
	feedMessage := gtfsrt.FeedMessage{}
	err := proto.Unmarshal(b, &feedMessage)
	if err != nil {
		return nil, fmt.Errorf("unable to unmarshal vehicle position FeedMessage: %w", err)
	}
	now := time.Now().Unix()
	positions := make(map[string]*VehiclePosition)
	for _, entity := range feedMessage.Entity {
		if entity.Vehicle == nil {
			continue
		}
		vehicle := entity.Vehicle
		if vehicle.Trip == nil || vehicle.Trip.TripId == nil {
			continue
		}
		position := VehiclePosition{
			TripID: *vehicle.Trip.TripId,
		}
		if vehicle.Position != nil {
			if vehicle.Position.Latitude != nil {
				position.Lat = float64(*vehicle.Position.Latitude)
			}
			if vehicle.Position.Longitude != nil {
				position.Lon = float64(*vehicle.Position.Longitude)
			}
		}
		if vehicle.Timestamp != nil {
			position.Timestamp = int64(*vehicle.Timestamp)
		} else {
			position.Timestamp = now
		}
		positions[position.TripID] = &position
	}
	return positions, nil
}

func firstTranslation(translated *gtfsrt.TranslatedString) string {
	if translated == nil || len(translated.Translation) == 0 {
		return ""
	}
	if translated.Translation[0].Text == nil {
		return ""
	}
	return *translated.Translation[0].Text
}
