package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Address is the structured form used at the API boundary. Coordinates are
// required for dispatch; the textual fields are carried for notifications.
type Address struct {
	Line1      string `json:"line1"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Coord      Coord  `json:"coord"`
}

func (a Address) Validate() error {
	if a.Coord.Lat < -90 || a.Coord.Lat > 90 {
		return ErrInvalidAddress
	}
	if a.Coord.Lon < -180 || a.Coord.Lon > 180 {
		return ErrInvalidAddress
	}
	if a.Coord.Lat == 0 && a.Coord.Lon == 0 {
		return ErrInvalidAddress
	}
	return nil
}

type TimePreference string

const (
	TimeASAP      TimePreference = "asap"
	TimeScheduled TimePreference = "scheduled"
)

type TripStatus string

const (
	TripPending   TripStatus = "pending"
	TripOffering  TripStatus = "offering"
	TripMatched   TripStatus = "matched"
	TripNoDrivers TripStatus = "no_drivers_available"
	TripExpired   TripStatus = "expired"
	TripCancelled TripStatus = "cancelled"
)

func (s TripStatus) IsValid() bool {
	switch s {
	case TripPending, TripOffering, TripMatched, TripNoDrivers, TripExpired, TripCancelled:
		return true
	}
	return false
}

// Terminal reports whether the trip can no longer change status.
func (s TripStatus) Terminal() bool {
	switch s {
	case TripMatched, TripNoDrivers, TripExpired, TripCancelled:
		return true
	}
	return false
}

type Trip struct {
	ID               string         `json:"id"`
	CustomerID       string         `json:"customer_id"`
	Pickup           Address        `json:"pickup"`
	Dropoff          Address        `json:"dropoff"`
	Material         string         `json:"material"`
	WeightKg         float64        `json:"weight_kg"`
	VolumeM3         float64        `json:"volume_m3"`
	TruckType        string         `json:"truck_type,omitempty"`
	TimePreference   TimePreference `json:"time_preference"`
	QuotedPriceCents int64          `json:"quoted_price_cents"`
	Status           TripStatus     `json:"status"`
	AssignedDriverID string         `json:"assigned_driver_id,omitempty"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	PaymentHoldID    string         `json:"-"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

type OfferStatus string

const (
	OfferOutstanding OfferStatus = "outstanding"
	OfferAccepted    OfferStatus = "accepted"
	OfferDeclined    OfferStatus = "declined"
	OfferExpired     OfferStatus = "expired"
	OfferSuperseded  OfferStatus = "superseded"
)

func (s OfferStatus) IsValid() bool {
	switch s {
	case OfferOutstanding, OfferAccepted, OfferDeclined, OfferExpired, OfferSuperseded:
		return true
	}
	return false
}

// Offer is one time-bounded proposal of a trip to a driver. Rows are
// append-only: once an offer leaves outstanding it is never rewritten.
type Offer struct {
	ID          string      `json:"id"`
	TripID      string      `json:"trip_id"`
	DriverID    string      `json:"driver_id"`
	Status      OfferStatus `json:"status"`
	OfferedAt   time.Time   `json:"offered_at"`
	Deadline    time.Time   `json:"deadline"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
}

func (o Offer) ExpiredAt(now time.Time) bool {
	return !now.Before(o.Deadline)
}

// DriverCandidate is a dispatch-time snapshot taken from the geo index.
type DriverCandidate struct {
	DriverID   string    `json:"driver_id"`
	Loc        Coord     `json:"loc"`
	Updated    time.Time `json:"updated"`
	Available  bool      `json:"available"`
	Approved   bool      `json:"approved"`
	TruckType  string    `json:"truck_type,omitempty"`
	DistanceKm float64   `json:"distance_km"`
}

// DriverPing is the shape drivers publish on the location feed.
type DriverPing struct {
	DriverID  string    `json:"driver_id"`
	Loc       Coord     `json:"loc"`
	Available bool      `json:"available"`
	Approved  bool      `json:"approved"`
	TruckType string    `json:"truck_type,omitempty"`
	Updated   time.Time `json:"updated"`
}
