package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/haul-dispatch/internal/geo"
	"github.com/example/haul-dispatch/internal/ledger"
	"github.com/example/haul-dispatch/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeGeo struct {
	mu    sync.Mutex
	cands []models.DriverCandidate
	err   error
	calls int
}

func (f *fakeGeo) FindEligible(ctx context.Context, pickup models.Coord, q geo.EligibilityQuery) ([]models.DriverCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.cands, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	offered  []string
	resolved []models.Trip
}

func (f *fakeNotifier) OfferCreated(trip models.Trip, offer models.Offer, etaSeconds float64) {
	f.mu.Lock()
	f.offered = append(f.offered, offer.DriverID)
	f.mu.Unlock()
}

func (f *fakeNotifier) TripResolved(trip models.Trip) {
	f.mu.Lock()
	f.resolved = append(f.resolved, trip)
	f.mu.Unlock()
}

func candidates(ids ...string) []models.DriverCandidate {
	out := make([]models.DriverCandidate, 0, len(ids))
	for i, id := range ids {
		out = append(out, models.DriverCandidate{
			DriverID:   id,
			Loc:        models.Coord{Lat: 40.0 + float64(i)*0.01, Lon: -74.0},
			DistanceKm: float64(i + 1),
			Available:  true,
			Approved:   true,
			Updated:    time.Now(),
		})
	}
	return out
}

type fixture struct {
	coord   *Coordinator
	led     *ledger.MemoryLedger
	clock   *fakeClock
	geo     *fakeGeo
	notes   *fakeNotifier
	sweeper *Sweeper
	tripID  string
}

func newFixture(t *testing.T, g *fakeGeo) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	led := ledger.NewMemoryLedger()
	led.Now = clock.Now
	notes := &fakeNotifier{}
	coord := NewCoordinator(g, led, notes, Config{
		OfferTTL:         15 * time.Second,
		MaxCandidates:    8,
		MaxDistanceKm:    25,
		MaxLocationAge:   5 * time.Minute,
		GeoRetryAttempts: 3,
		GeoRetryBackoff:  time.Millisecond,
	}, nil)
	sweeper := NewSweeper(led, coord, time.Second, nil)

	trip := &models.Trip{
		CustomerID:       "c1",
		TimePreference:   models.TimeASAP,
		Pickup:           models.Address{Coord: models.Coord{Lat: 40.0, Lon: -74.0}},
		Dropoff:          models.Address{Coord: models.Coord{Lat: 40.2, Lon: -74.2}},
		QuotedPriceCents: 45000,
	}
	if err := led.CreateTrip(context.Background(), trip); err != nil {
		t.Fatalf("create trip: %v", err)
	}
	return &fixture{coord: coord, led: led, clock: clock, geo: g, notes: notes, sweeper: sweeper, tripID: trip.ID}
}

func (fx *fixture) trip(t *testing.T) models.Trip {
	t.Helper()
	trip, err := fx.led.GetTrip(context.Background(), fx.tripID)
	if err != nil {
		t.Fatalf("get trip: %v", err)
	}
	return trip
}

func (fx *fixture) offers(t *testing.T) []models.Offer {
	t.Helper()
	offers, err := fx.led.ListOffers(context.Background(), fx.tripID)
	if err != nil {
		t.Fatalf("list offers: %v", err)
	}
	return offers
}

func TestEmptyQueueTerminatesWithoutOffering(t *testing.T) {
	fx := newFixture(t, &fakeGeo{})
	if err := fx.coord.Start(context.Background(), fx.tripID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := fx.trip(t).Status; got != models.TripNoDrivers {
		t.Fatalf("status=%s, want no_drivers_available", got)
	}
	if n := len(fx.offers(t)); n != 0 {
		t.Fatalf("offers created=%d, want 0", n)
	}
}

func TestMonotonicEscalation(t *testing.T) {
	fx := newFixture(t, &fakeGeo{cands: candidates("A", "B", "C")})
	ctx := context.Background()
	if err := fx.coord.Start(ctx, fx.tripID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// A declines.
	if err := fx.coord.HandleDecline(ctx, fx.tripID, "A"); err != nil {
		t.Fatalf("decline A: %v", err)
	}
	// B times out.
	fx.clock.Advance(16 * time.Second)
	fx.sweeper.Sweep(ctx)

	offers := fx.offers(t)
	if len(offers) != 3 {
		t.Fatalf("offers=%d, want 3", len(offers))
	}
	want := []string{"A", "B", "C"}
	for i, o := range offers {
		if o.DriverID != want[i] {
			t.Fatalf("offer[%d] to %s, want %s", i, o.DriverID, want[i])
		}
	}
	if offers[2].Status != models.OfferOutstanding {
		t.Fatalf("C's offer status=%s", offers[2].Status)
	}
}

func TestQueueExhaustion(t *testing.T) {
	fx := newFixture(t, &fakeGeo{cands: candidates("A", "B", "C")})
	ctx := context.Background()
	if err := fx.coord.Start(ctx, fx.tripID); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, d := range []string{"A", "B", "C"} {
		if err := fx.coord.HandleDecline(ctx, fx.tripID, d); err != nil {
			t.Fatalf("decline %s: %v", d, err)
		}
	}
	trip := fx.trip(t)
	if trip.Status != models.TripNoDrivers {
		t.Fatalf("status=%s, want no_drivers_available", trip.Status)
	}
	offers := fx.offers(t)
	if len(offers) != 3 {
		t.Fatalf("offers=%d, want exactly len(queue)", len(offers))
	}
	seen := map[string]bool{}
	for _, o := range offers {
		if seen[o.DriverID] {
			t.Fatalf("driver %s offered twice", o.DriverID)
		}
		seen[o.DriverID] = true
	}
}

func TestGeoUnavailableResolvesWithReason(t *testing.T) {
	g := &fakeGeo{err: geo.ErrDataUnavailable}
	fx := newFixture(t, g)
	if err := fx.coord.Start(context.Background(), fx.tripID); err != nil {
		t.Fatalf("start: %v", err)
	}
	trip := fx.trip(t)
	if trip.Status != models.TripNoDrivers {
		t.Fatalf("status=%s", trip.Status)
	}
	if trip.FailureReason != ReasonGeoUnavailable {
		t.Fatalf("reason=%q", trip.FailureReason)
	}
	if g.calls != 3 {
		t.Fatalf("geo queried %d times, want bounded retries (3)", g.calls)
	}
}

func TestCancelInvalidatesOutstandingOffer(t *testing.T) {
	fx := newFixture(t, &fakeGeo{cands: candidates("A", "B")})
	ctx := context.Background()
	if err := fx.coord.Start(ctx, fx.tripID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := fx.coord.Cancel(ctx, fx.tripID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := fx.coord.HandleAccept(ctx, fx.tripID, "A"); !errors.Is(err, ledger.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	trip := fx.trip(t)
	if trip.Status != models.TripCancelled || trip.AssignedDriverID != "" {
		t.Fatalf("status=%s driver=%q after cancel", trip.Status, trip.AssignedDriverID)
	}
}

func TestDeclineAndSweepAdvanceOnce(t *testing.T) {
	fx := newFixture(t, &fakeGeo{cands: candidates("A", "B", "C")})
	ctx := context.Background()
	if err := fx.coord.Start(ctx, fx.tripID); err != nil {
		t.Fatalf("start: %v", err)
	}
	fx.clock.Advance(15 * time.Second)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = fx.coord.HandleDecline(ctx, fx.tripID, "A")
	}()
	go func() {
		defer wg.Done()
		fx.sweeper.Sweep(ctx)
	}()
	wg.Wait()

	offers := fx.offers(t)
	if len(offers) != 2 {
		t.Fatalf("offers=%d, want 2 (queue advanced exactly once)", len(offers))
	}
	if offers[1].DriverID != "B" || offers[1].Status != models.OfferOutstanding {
		t.Fatalf("second offer %s/%s, want B outstanding", offers[1].DriverID, offers[1].Status)
	}
}

func TestStartRejectsScheduledTrip(t *testing.T) {
	fx := newFixture(t, &fakeGeo{cands: candidates("A")})
	trip := &models.Trip{
		CustomerID:     "c2",
		TimePreference: models.TimeScheduled,
		Pickup:         models.Address{Coord: models.Coord{Lat: 40.0, Lon: -74.0}},
		Dropoff:        models.Address{Coord: models.Coord{Lat: 40.1, Lon: -74.1}},
	}
	if err := fx.led.CreateTrip(context.Background(), trip); err != nil {
		t.Fatalf("create trip: %v", err)
	}
	if err := fx.coord.Start(context.Background(), trip.ID); !errors.Is(err, ErrNotASAP) {
		t.Fatalf("expected ErrNotASAP, got %v", err)
	}
}

// The worked example: queue [D1,D2,D3], ttl 15s. D1 times out, D2 declines,
// D3 accepts. Exactly three offer rows, trip matched to D3.
func TestExampleTimeline(t *testing.T) {
	fx := newFixture(t, &fakeGeo{cands: candidates("D1", "D2", "D3")})
	ctx := context.Background()
	if err := fx.coord.Start(ctx, fx.tripID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// t=15s: D1 never answered.
	fx.clock.Advance(15 * time.Second)
	fx.sweeper.Sweep(ctx)

	// t=17s: D2 declines.
	fx.clock.Advance(2 * time.Second)
	if err := fx.coord.HandleDecline(ctx, fx.tripID, "D2"); err != nil {
		t.Fatalf("decline D2: %v", err)
	}

	// t=20s: D3 accepts.
	fx.clock.Advance(3 * time.Second)
	trip, err := fx.coord.HandleAccept(ctx, fx.tripID, "D3")
	if err != nil {
		t.Fatalf("accept D3: %v", err)
	}
	if trip.Status != models.TripMatched || trip.AssignedDriverID != "D3" {
		t.Fatalf("trip status=%s driver=%s", trip.Status, trip.AssignedDriverID)
	}

	offers := fx.offers(t)
	if len(offers) != 3 {
		t.Fatalf("offer rows=%d, want exactly 3", len(offers))
	}
	wantStatus := []models.OfferStatus{models.OfferExpired, models.OfferDeclined, models.OfferAccepted}
	for i, o := range offers {
		if o.Status != wantStatus[i] {
			t.Fatalf("offer[%d] status=%s, want %s", i, o.Status, wantStatus[i])
		}
	}
}
