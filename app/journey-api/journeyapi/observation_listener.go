package journeyapi

import (
	"context"
	"encoding/json"
	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
	"github.com/OpenTransitTools/transitroute/business/reliability"
	"github.com/nats-io/nats.go"
	logger "log"
	"os"
	"sync"
)

//observationQueueGroup is the NATS queue group the listener joins, so more than
//one journey-api process can share the recording work
const observationQueueGroup = "reliability-recorder"

//runObservationListener listens on NATS for departure-observations batches and
//folds each one into the reliability records. Exits on shutdown signal
func runObservationListener(log *logger.Logger,
	wg *sync.WaitGroup,
	natsConn *nats.Conn,
	store gtfs.Store,
	shutdownSignal chan bool) {
	wg.Add(1)
	defer wg.Done()

	ch := make(chan *nats.Msg, 64)
	log.Printf("Subscribing to %s in queue group %s on nats: %v\n",
		observationSubject, observationQueueGroup, natsConn.Servers())
	sub, err := natsConn.ChanQueueSubscribe(observationSubject, observationQueueGroup, ch)
	if err != nil {
		log.Printf("Unable to establish subscription to nats server: %v\n", err)
		os.Exit(1)
	}

	for {
		select {
		case msg := <-ch:
			handleObservationMessage(log, store, msg)
			break
		case <-shutdownSignal:
			log.Printf("ending observation listener on shutdown signal\n")
			unsubscribe(log, sub, observationSubject)
			return
		}
	}
}

//handleObservationMessage unmarshalls one departure observation batch and
//records every observation in it
func handleObservationMessage(log *logger.Logger, store gtfs.Store, msg *nats.Msg) {
	var observations []reliability.DepartureObservation
	if err := json.Unmarshal(msg.Data, &observations); err != nil {
		log.Printf("Error unmarshalling departure observation batch, error:%v\n", err)
		return
	}
	ctx := context.Background()
	for _, observation := range observations {
		if err := reliability.RecordObservation(ctx, store, observation); err != nil {
			log.Printf("Error recording departure observation for trip %s stop %s, error:%v",
				observation.TripID, observation.StopID, err)
		}
	}
}

//unsubscribe removes the nats subscription if it is still valid
func unsubscribe(log *logger.Logger, sub *nats.Subscription, subName string) {
	if !sub.IsValid() {
		return
	}
	log.Printf("Unsubscribing to %s in queue group %s\n", subName, observationQueueGroup)
	err := sub.Unsubscribe()

	if err != nil {
		log.Printf("error when attempting to unsubscribe to %s: %v\n", subName, err)
	}
}
