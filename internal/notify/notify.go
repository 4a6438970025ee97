package notify

import (
	"time"

	"github.com/example/haul-dispatch/internal/models"
)

// OfferEvent is pushed to the offered driver's channel(s).
type OfferEvent struct {
	OfferID    string         `json:"offer_id"`
	TripID     string         `json:"trip_id"`
	DriverID   string         `json:"driver_id"`
	Pickup     models.Address `json:"pickup"`
	Dropoff    models.Address `json:"dropoff"`
	Material   string         `json:"material"`
	WeightKg   float64        `json:"weight_kg"`
	PriceCents int64          `json:"price_cents"`
	ETASeconds float64        `json:"eta_seconds,omitempty"`
	Deadline   time.Time      `json:"deadline"`
}

// ResolutionEvent announces a trip reaching a terminal dispatch status.
type ResolutionEvent struct {
	TripID   string            `json:"trip_id"`
	Status   models.TripStatus `json:"status"`
	DriverID string            `json:"driver_id,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

func offerEvent(trip models.Trip, offer models.Offer, etaSeconds float64) OfferEvent {
	return OfferEvent{
		OfferID:    offer.ID,
		TripID:     trip.ID,
		DriverID:   offer.DriverID,
		Pickup:     trip.Pickup,
		Dropoff:    trip.Dropoff,
		Material:   trip.Material,
		WeightKg:   trip.WeightKg,
		PriceCents: trip.QuotedPriceCents,
		ETASeconds: etaSeconds,
		Deadline:   offer.Deadline,
	}
}

func resolutionEvent(trip models.Trip) ResolutionEvent {
	return ResolutionEvent{
		TripID:   trip.ID,
		Status:   trip.Status,
		DriverID: trip.AssignedDriverID,
		Reason:   trip.FailureReason,
	}
}
