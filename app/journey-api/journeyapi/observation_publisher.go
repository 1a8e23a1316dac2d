package journeyapi

import (
	"context"
	"encoding/json"
	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
	"github.com/OpenTransitTools/transitroute/business/reliability"
	"github.com/nats-io/nats.go"
	logger "log"
)

//observationSubject is the NATS subject carrying departure observation batches
const observationSubject = "departure-observations"

//observationPublisher takes departure observations made by the feed poller and
//sends them to their destination. With a NATS connection batches are published
//for the observation listener queue group, without one they are written
//straight to the reliability records
type observationPublisher struct {
	log              *logger.Logger
	store            gtfs.Store
	natsConnection   *nats.Conn
	recordToDatabase bool
	publishOverNats  bool
}

//observationPublisher factory
func makeObservationPublisher(log *logger.Logger,
	store gtfs.Store,
	natsConnection *nats.Conn) *observationPublisher {
	return &observationPublisher{
		log:              log,
		store:            store,
		natsConnection:   natsConnection,
		recordToDatabase: natsConnection == nil,
		publishOverNats:  natsConnection != nil,
	}
}

//publish sends departure observations over NATS and records them to the
//database according to publishOverNats and recordToDatabase
func (o *observationPublisher) publish(observations []reliability.DepartureObservation) {
	if len(observations) == 0 {
		return
	}
	if o.publishOverNats {
		o.sendOverNats(observations)
	}
	if o.recordToDatabase {
		o.record(observations)
	}
}

func (o *observationPublisher) sendOverNats(observations []reliability.DepartureObservation) {
	jsonData, err := json.Marshal(observations)
	if err != nil {
		o.log.Printf("failed to marshal departure observations in "+
			"observationPublisher.sendOverNats, error:%v", err)
		return
	}
	err = o.natsConnection.Publish(observationSubject, jsonData)
	if err != nil {
		o.log.Printf("failed to send departure observations in "+
			"observationPublisher.sendOverNats, error:%v", err)
	}
}

func (o *observationPublisher) record(observations []reliability.DepartureObservation) {
	ctx := context.Background()
	for _, observation := range observations {
		if err := reliability.RecordObservation(ctx, o.store, observation); err != nil {
			o.log.Printf("Error recording departure observation for trip %s stop %s, error:%v",
				observation.TripID, observation.StopID, err)
		}
	}
}
