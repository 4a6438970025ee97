package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/haul-dispatch/internal/eta"
	"github.com/example/haul-dispatch/internal/geo"
	"github.com/example/haul-dispatch/internal/ledger"
	"github.com/example/haul-dispatch/internal/models"
	"github.com/example/haul-dispatch/internal/observability"
)

var ErrNotASAP = errors.New("trip is not an asap request")

// Failure reasons recorded on trips that resolve to no_drivers_available.
// The HTTP layer keys customer messaging off these values.
const (
	ReasonGeoUnavailable = "driver locations unavailable"
	ReasonNoCandidates   = "no eligible drivers"
	ReasonExhausted      = "all candidates declined or timed out"
)

// Notifier receives dispatch events for delivery to drivers and customers.
// Delivery and retry are the notification collaborator's problem; calls here
// are best effort.
type Notifier interface {
	OfferCreated(trip models.Trip, offer models.Offer, etaSeconds float64)
	TripResolved(trip models.Trip)
}

// PaymentHolder places and releases a hold for the quoted price.
type PaymentHolder interface {
	Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error)
	Cancel(ctx context.Context, holdID string) error
}

type Config struct {
	OfferTTL         time.Duration
	MaxCandidates    int
	MaxDistanceKm    float64
	MaxLocationAge   time.Duration
	GeoRetryAttempts int
	GeoRetryBackoff  time.Duration
}

// Coordinator drives one trip from pending to a terminal status. All status
// writes go through the ledger's conditional transitions; the coordinator
// only remembers the ranked queue and its cursor per in-flight trip.
type Coordinator struct {
	geo      geo.Geo
	ledger   ledger.Ledger
	notifier Notifier
	payments PaymentHolder
	eta      *eta.Estimator
	cfg      Config
	log      *slog.Logger

	mu     sync.Mutex
	queues map[string]*offerQueue
}

// offerQueue is owned by the coordinator for one trip. The candidate list is
// ranked once and never reordered; cursor points at the next unoffered entry.
type offerQueue struct {
	mu         sync.Mutex
	pickup     models.Coord
	candidates []models.DriverCandidate
	cursor     int
}

func NewCoordinator(g geo.Geo, l ledger.Ledger, n Notifier, cfg Config, log *slog.Logger) *Coordinator {
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = 15 * time.Second
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 8
	}
	if cfg.GeoRetryAttempts <= 0 {
		cfg.GeoRetryAttempts = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		geo:      g,
		ledger:   l,
		notifier: n,
		cfg:      cfg,
		log:      log,
		queues:   make(map[string]*offerQueue),
	}
}

// SetPayments wires the optional payment hold hook.
func (c *Coordinator) SetPayments(p PaymentHolder) { c.payments = p }

// SetETA wires the optional pickup-ETA estimator used to enrich offers.
func (c *Coordinator) SetETA(e *eta.Estimator) { c.eta = e }

// Start begins dispatch for a pending asap trip: build the queue, then offer
// to the first candidate. An empty queue resolves the trip to
// no_drivers_available without it ever entering offering.
func (c *Coordinator) Start(ctx context.Context, tripID string) error {
	trip, err := c.ledger.GetTrip(ctx, tripID)
	if err != nil {
		return err
	}
	if trip.TimePreference != models.TimeASAP {
		return ErrNotASAP
	}
	if trip.Status != models.TripPending {
		return ledger.ErrNotDispatchable
	}

	cands, err := c.findCandidates(ctx, trip)
	if err != nil {
		c.log.Warn("candidate lookup failed, resolving trip", "trip_id", tripID, "error", err)
		return c.finish(ctx, tripID, ReasonGeoUnavailable)
	}
	ranked := Rank(cands, c.cfg.MaxCandidates)
	observability.QueueDepth.Observe(float64(len(ranked)))
	if len(ranked) == 0 {
		return c.finish(ctx, tripID, ReasonNoCandidates)
	}

	if err := c.ledger.StartDispatch(ctx, tripID); err != nil {
		return err
	}

	q := &offerQueue{pickup: trip.Pickup.Coord, candidates: orderByIDs(cands, ranked)}
	c.mu.Lock()
	c.queues[tripID] = q
	c.mu.Unlock()

	c.log.Info("dispatch started", "trip_id", tripID, "queue_depth", len(ranked))
	return c.Advance(ctx, tripID)
}

// findCandidates queries the geo index with bounded retry on store outages.
func (c *Coordinator) findCandidates(ctx context.Context, trip models.Trip) ([]models.DriverCandidate, error) {
	q := geo.EligibilityQuery{
		MaxDistanceKm:  c.cfg.MaxDistanceKm,
		MaxLocationAge: c.cfg.MaxLocationAge,
		TruckType:      trip.TruckType,
	}
	backoff := c.cfg.GeoRetryBackoff
	var lastErr error
	for attempt := 0; attempt < c.cfg.GeoRetryAttempts; attempt++ {
		cands, err := c.geo.FindEligible(ctx, trip.Pickup.Coord, q)
		if err == nil {
			return cands, nil
		}
		if !errors.Is(err, geo.ErrDataUnavailable) {
			return nil, err
		}
		lastErr = err
		if attempt < c.cfg.GeoRetryAttempts-1 && backoff > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}

// Advance offers the trip to the next candidate. It is safe to call from the
// decline path and the sweeper concurrently: the ledger's CreateOffer is the
// arbiter, and ErrAlreadyOffering means another actor already advanced.
func (c *Coordinator) Advance(ctx context.Context, tripID string) error {
	c.mu.Lock()
	q := c.queues[tripID]
	c.mu.Unlock()
	if q == nil {
		// Not an in-flight trip of ours (process restart or already
		// resolved); the sweeper will still expire its offers, and the trip
		// resolves when they run out via the status check below.
		return c.finishIfOrphaned(ctx, tripID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.cursor < len(q.candidates) {
		cand := q.candidates[q.cursor]
		offer, err := c.ledger.CreateOffer(ctx, tripID, cand.DriverID, c.cfg.OfferTTL)
		switch {
		case err == nil:
			q.cursor++
			observability.OffersCreatedTotal.Inc()
			c.log.Info("offer created", "trip_id", tripID, "driver_id", cand.DriverID, "deadline", offer.Deadline)
			c.notifyOffer(ctx, tripID, cand, offer)
			return nil
		case errors.Is(err, ledger.ErrAlreadyOffering):
			// Someone else advanced first; converged.
			return nil
		case errors.Is(err, ledger.ErrNotDispatchable):
			// Trip reached a terminal status underneath us.
			c.dropQueue(tripID)
			return nil
		default:
			return err
		}
	}
	c.dropQueue(tripID)
	return c.finish(ctx, tripID, ReasonExhausted)
}

func (c *Coordinator) notifyOffer(ctx context.Context, tripID string, cand models.DriverCandidate, offer models.Offer) {
	if c.notifier == nil {
		return
	}
	trip, err := c.ledger.GetTrip(ctx, tripID)
	if err != nil {
		return
	}
	var etaSec float64
	if c.eta != nil {
		etaSec = c.eta.Seconds(cand.Loc, trip.Pickup.Coord)
	}
	c.notifier.OfferCreated(trip, offer, etaSec)
}

// HandleAccept routes a driver accept through the ledger. Exactly one accept
// can win; everyone else gets a contract error to relay to the client.
func (c *Coordinator) HandleAccept(ctx context.Context, tripID, driverID string) (models.Trip, error) {
	trip, err := c.ledger.Accept(ctx, tripID, driverID)
	if err != nil {
		return models.Trip{}, err
	}
	observability.OffersResolvedTotal.WithLabelValues("accepted").Inc()
	observability.DispatchOutcomes.WithLabelValues(string(models.TripMatched)).Inc()
	c.dropQueue(tripID)
	c.holdPayment(ctx, &trip)
	if c.notifier != nil {
		c.notifier.TripResolved(trip)
	}
	c.log.Info("trip matched", "trip_id", tripID, "driver_id", driverID)
	return trip, nil
}

func (c *Coordinator) holdPayment(ctx context.Context, trip *models.Trip) {
	if c.payments == nil || trip.QuotedPriceCents <= 0 {
		return
	}
	holdID, err := c.payments.Hold(ctx, trip.QuotedPriceCents, "usd", trip.CustomerID)
	if err != nil {
		c.log.Error("payment hold failed", "trip_id", trip.ID, "error", err)
		return
	}
	trip.PaymentHoldID = holdID
	if err := c.ledger.SetPaymentHold(ctx, trip.ID, holdID); err != nil {
		c.log.Error("payment hold not recorded", "trip_id", trip.ID, "error", err)
	}
}

// HandleDecline resolves a decline and advances the queue. A decline that
// lost a race to the sweeper still converges on a single advance.
func (c *Coordinator) HandleDecline(ctx context.Context, tripID, driverID string) error {
	err := c.ledger.Decline(ctx, tripID, driverID)
	switch {
	case err == nil:
		observability.OffersResolvedTotal.WithLabelValues("declined").Inc()
	case errors.Is(err, ledger.ErrAlreadyResolved):
		// Expiry or cancellation got there first; advancing is idempotent.
	default:
		return err
	}
	return c.Advance(ctx, tripID)
}

// HandleExpired is called by the sweeper after it expired an offer.
func (c *Coordinator) HandleExpired(ctx context.Context, tripID string) error {
	observability.OffersResolvedTotal.WithLabelValues("expired").Inc()
	return c.Advance(ctx, tripID)
}

// Cancel withdraws a trip on the customer's behalf. Any outstanding offer is
// superseded so a late accept is rejected.
func (c *Coordinator) Cancel(ctx context.Context, tripID string) error {
	if err := c.ledger.CancelTrip(ctx, tripID); err != nil {
		return err
	}
	observability.DispatchOutcomes.WithLabelValues(string(models.TripCancelled)).Inc()
	c.dropQueue(tripID)
	trip, err := c.ledger.GetTrip(ctx, tripID)
	if err == nil {
		if c.payments != nil && trip.PaymentHoldID != "" {
			if err := c.payments.Cancel(ctx, trip.PaymentHoldID); err != nil {
				c.log.Error("payment hold release failed", "trip_id", tripID, "error", err)
			}
		}
		if c.notifier != nil {
			c.notifier.TripResolved(trip)
		}
	}
	c.log.Info("trip cancelled", "trip_id", tripID)
	return nil
}

func (c *Coordinator) finish(ctx context.Context, tripID, reason string) error {
	err := c.ledger.FinishExhausted(ctx, tripID, reason)
	if errors.Is(err, ledger.ErrAlreadyResolved) {
		return nil
	}
	if err != nil {
		return err
	}
	observability.DispatchOutcomes.WithLabelValues(string(models.TripNoDrivers)).Inc()
	if c.notifier != nil {
		if trip, err := c.ledger.GetTrip(ctx, tripID); err == nil {
			c.notifier.TripResolved(trip)
		}
	}
	c.log.Info("dispatch exhausted", "trip_id", tripID, "reason", reason)
	return nil
}

// finishIfOrphaned resolves an offering trip we have no queue for. This only
// happens after a coordinator restart; without a queue there is nobody left
// to offer to, so the trip ends as no_drivers_available rather than hanging.
func (c *Coordinator) finishIfOrphaned(ctx context.Context, tripID string) error {
	trip, err := c.ledger.GetTrip(ctx, tripID)
	if err != nil || trip.Status != models.TripOffering {
		return err
	}
	return c.finish(ctx, tripID, "dispatch interrupted")
}

func (c *Coordinator) dropQueue(tripID string) {
	c.mu.Lock()
	delete(c.queues, tripID)
	c.mu.Unlock()
}

func orderByIDs(cands []models.DriverCandidate, ids []string) []models.DriverCandidate {
	byID := make(map[string]models.DriverCandidate, len(cands))
	for _, c := range cands {
		if prev, ok := byID[c.DriverID]; ok && prev.DistanceKm <= c.DistanceKm {
			continue
		}
		byID[c.DriverID] = c
	}
	out := make([]models.DriverCandidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out
}
