package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/example/haul-dispatch/internal/models"
)

// The concurrency-contract errors. These are expected under races and are
// signals to the caller, not failures.
var (
	ErrTripNotFound    = errors.New("trip not found")
	ErrOfferNotFound   = errors.New("offer not found")
	ErrAlreadyOffering = errors.New("an offer is already outstanding for this trip")
	ErrNotYours        = errors.New("offer belongs to a different driver")
	ErrOfferExpired    = errors.New("offer deadline has passed")
	ErrAlreadyResolved = errors.New("offer already resolved")
	ErrNotDispatchable = errors.New("trip is not in a dispatchable status")
)

// Ledger is the authoritative record of trips and offers. Every transition
// is a single atomic conditional update: under concurrent invocation exactly
// one caller observes success for a given trip+transition, and everyone else
// gets a well-defined error. No other component writes trip or offer status.
type Ledger interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, tripID string) (models.Trip, error)
	GetOffer(ctx context.Context, offerID string) (models.Offer, error)
	ListOffers(ctx context.Context, tripID string) ([]models.Offer, error)

	// ListOffering returns the IDs of trips currently in offering status.
	// The sweeper derives its worklist from this, never from its own memory.
	ListOffering(ctx context.Context) ([]string, error)

	// StartDispatch transitions pending -> offering.
	StartDispatch(ctx context.Context, tripID string) error

	// CreateOffer succeeds only if the trip is offering and no outstanding
	// offer exists for it.
	CreateOffer(ctx context.Context, tripID, driverID string, ttl time.Duration) (models.Offer, error)

	// Accept succeeds only if driverID holds the outstanding offer and the
	// deadline has not passed. On success the offer becomes accepted and the
	// trip becomes matched with AssignedDriverID set, in one atomic step.
	Accept(ctx context.Context, tripID, driverID string) (models.Trip, error)

	// Decline resolves the outstanding offer held by driverID.
	Decline(ctx context.Context, tripID, driverID string) error

	// ExpireIfOverdue transitions the outstanding offer to expired only if
	// its deadline has passed. Returns true when it performed the expiry.
	// Losing a race to Accept or Decline is a false return, not an error.
	ExpireIfOverdue(ctx context.Context, tripID string) (bool, error)

	// CancelTrip transitions a non-terminal trip to cancelled and marks any
	// outstanding offer superseded, so a late Accept is rejected.
	CancelTrip(ctx context.Context, tripID string) error

	// FinishExhausted transitions pending/offering -> no_drivers_available
	// with a reason for observability.
	FinishExhausted(ctx context.Context, tripID, reason string) error

	// SetPaymentHold records the payment hold reference on a matched trip.
	SetPaymentHold(ctx context.Context, tripID, holdID string) error
}
