package notify

import (
	"errors"
	"log/slog"

	"github.com/example/haul-dispatch/internal/models"
)

// Fanout implements the coordinator's Notifier over every configured
// channel: driver WebSocket first, push as fallback, Kafka always (when
// wired). Failures are logged, never returned; dispatch must not stall on a
// notification channel.
type Fanout struct {
	WS    *WSRegistry
	Push  *PushClient
	Kafka *KafkaEvents
	Log   *slog.Logger
}

func NewFanout(ws *WSRegistry, push *PushClient, kafka *KafkaEvents, log *slog.Logger) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{WS: ws, Push: push, Kafka: kafka, Log: log}
}

func (f *Fanout) OfferCreated(trip models.Trip, offer models.Offer, etaSeconds float64) {
	ev := offerEvent(trip, offer, etaSeconds)
	delivered := false
	if f.WS != nil {
		err := f.WS.Send(offer.DriverID, ev)
		if err == nil {
			delivered = true
		} else if !errors.Is(err, ErrNoSession) {
			f.Log.Warn("ws offer send failed", "driver_id", offer.DriverID, "error", err)
		}
	}
	if !delivered && f.Push != nil {
		if err := f.Push.Send(offer.DriverID, ev); err != nil {
			f.Log.Warn("push offer send failed", "driver_id", offer.DriverID, "error", err)
		}
	}
	if f.Kafka != nil {
		if err := f.Kafka.Publish(trip.ID, "offer_created", ev); err != nil {
			f.Log.Warn("kafka offer publish failed", "trip_id", trip.ID, "error", err)
		}
	}
}

func (f *Fanout) TripResolved(trip models.Trip) {
	ev := resolutionEvent(trip)
	if f.WS != nil && trip.AssignedDriverID != "" {
		if err := f.WS.Send(trip.AssignedDriverID, ev); err != nil && !errors.Is(err, ErrNoSession) {
			f.Log.Warn("ws resolution send failed", "driver_id", trip.AssignedDriverID, "error", err)
		}
	}
	if f.Kafka != nil {
		if err := f.Kafka.Publish(trip.ID, "trip_resolved", ev); err != nil {
			f.Log.Warn("kafka resolution publish failed", "trip_id", trip.ID, "error", err)
		}
	}
}
