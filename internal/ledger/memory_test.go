package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/haul-dispatch/internal/models"
)

func newTestLedger(t *testing.T) (*MemoryLedger, string) {
	t.Helper()
	m := NewMemoryLedger()
	trip := &models.Trip{
		CustomerID:     "c1",
		TimePreference: models.TimeASAP,
		Pickup:         models.Address{Coord: models.Coord{Lat: 40.0, Lon: -74.0}},
		Dropoff:        models.Address{Coord: models.Coord{Lat: 40.1, Lon: -74.1}},
	}
	if err := m.CreateTrip(context.Background(), trip); err != nil {
		t.Fatalf("create trip: %v", err)
	}
	if err := m.StartDispatch(context.Background(), trip.ID); err != nil {
		t.Fatalf("start dispatch: %v", err)
	}
	return m, trip.ID
}

func TestCreateOfferRejectsSecondOutstanding(t *testing.T) {
	m, tripID := newTestLedger(t)
	ctx := context.Background()
	if _, err := m.CreateOffer(ctx, tripID, "d1", 15*time.Second); err != nil {
		t.Fatalf("first offer: %v", err)
	}
	if _, err := m.CreateOffer(ctx, tripID, "d2", 15*time.Second); !errors.Is(err, ErrAlreadyOffering) {
		t.Fatalf("expected ErrAlreadyOffering, got %v", err)
	}
}

func TestConcurrentAcceptsExactlyOneWins(t *testing.T) {
	m, tripID := newTestLedger(t)
	ctx := context.Background()
	if _, err := m.CreateOffer(ctx, tripID, "d1", 15*time.Second); err != nil {
		t.Fatalf("create offer: %v", err)
	}

	const n = 20
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		driver := "d1"
		if i > 0 {
			driver = "other"
		}
		go func(d string) {
			defer wg.Done()
			_, err := m.Accept(ctx, tripID, d)
			errs <- err
		}(driver)
	}
	wg.Wait()
	close(errs)

	var wins, losses int
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		if errors.Is(err, ErrNotYours) || errors.Is(err, ErrAlreadyResolved) {
			losses++
			continue
		}
		t.Fatalf("unexpected error: %v", err)
	}
	if wins != 1 || losses != n-1 {
		t.Fatalf("wins=%d losses=%d, want 1 and %d", wins, losses, n-1)
	}

	trip, err := m.GetTrip(ctx, tripID)
	if err != nil {
		t.Fatalf("get trip: %v", err)
	}
	if trip.Status != models.TripMatched || trip.AssignedDriverID != "d1" {
		t.Fatalf("trip status=%s driver=%s", trip.Status, trip.AssignedDriverID)
	}
}

func TestAcceptAfterDeadlineRejected(t *testing.T) {
	m, tripID := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()
	m.Now = func() time.Time { return now }
	if _, err := m.CreateOffer(ctx, tripID, "d1", 15*time.Second); err != nil {
		t.Fatalf("create offer: %v", err)
	}
	now = now.Add(15 * time.Second)
	if _, err := m.Accept(ctx, tripID, "d1"); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("expected ErrOfferExpired, got %v", err)
	}
}

func TestExpireIfOverdue(t *testing.T) {
	m, tripID := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()
	m.Now = func() time.Time { return now }
	if _, err := m.CreateOffer(ctx, tripID, "d1", 15*time.Second); err != nil {
		t.Fatalf("create offer: %v", err)
	}

	expired, err := m.ExpireIfOverdue(ctx, tripID)
	if err != nil || expired {
		t.Fatalf("expected still active, got expired=%v err=%v", expired, err)
	}
	now = now.Add(16 * time.Second)
	expired, err = m.ExpireIfOverdue(ctx, tripID)
	if err != nil || !expired {
		t.Fatalf("expected expiry, got expired=%v err=%v", expired, err)
	}
	// A second sweep must not re-expire.
	expired, err = m.ExpireIfOverdue(ctx, tripID)
	if err != nil || expired {
		t.Fatalf("expected no-op on second sweep, got expired=%v err=%v", expired, err)
	}
}

func TestDeclineVsExpireRaceResolvesOnce(t *testing.T) {
	m, tripID := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()
	m.Now = func() time.Time { return now }
	if _, err := m.CreateOffer(ctx, tripID, "d1", 15*time.Second); err != nil {
		t.Fatalf("create offer: %v", err)
	}
	now = now.Add(15 * time.Second)

	var wg sync.WaitGroup
	results := make(chan string, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := m.Decline(ctx, tripID, "d1"); err == nil {
			results <- "declined"
		}
	}()
	go func() {
		defer wg.Done()
		if expired, _ := m.ExpireIfOverdue(ctx, tripID); expired {
			results <- "expired"
		}
	}()
	wg.Wait()
	close(results)

	count := 0
	for range results {
		count++
	}
	if count != 1 {
		t.Fatalf("offer resolved %d times, want exactly once", count)
	}
	offers, _ := m.ListOffers(ctx, tripID)
	if len(offers) != 1 {
		t.Fatalf("offer count=%d", len(offers))
	}
	if s := offers[0].Status; s != models.OfferDeclined && s != models.OfferExpired {
		t.Fatalf("offer status=%s", s)
	}
}

func TestCancelSupersedesOutstandingOffer(t *testing.T) {
	m, tripID := newTestLedger(t)
	ctx := context.Background()
	if _, err := m.CreateOffer(ctx, tripID, "d1", 15*time.Second); err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := m.CancelTrip(ctx, tripID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := m.Accept(ctx, tripID, "d1"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved after cancel, got %v", err)
	}
	trip, _ := m.GetTrip(ctx, tripID)
	if trip.Status != models.TripCancelled || trip.AssignedDriverID != "" {
		t.Fatalf("trip status=%s driver=%q", trip.Status, trip.AssignedDriverID)
	}
	offers, _ := m.ListOffers(ctx, tripID)
	if offers[0].Status != models.OfferSuperseded {
		t.Fatalf("offer status=%s, want superseded", offers[0].Status)
	}
}

func TestAcceptWrongDriver(t *testing.T) {
	m, tripID := newTestLedger(t)
	ctx := context.Background()
	if _, err := m.CreateOffer(ctx, tripID, "d1", 15*time.Second); err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if _, err := m.Accept(ctx, tripID, "d2"); !errors.Is(err, ErrNotYours) {
		t.Fatalf("expected ErrNotYours, got %v", err)
	}
	// The outstanding offer is untouched for the real holder.
	if _, err := m.Accept(ctx, tripID, "d1"); err != nil {
		t.Fatalf("holder accept: %v", err)
	}
}

func TestStartDispatchOnlyFromPending(t *testing.T) {
	m, tripID := newTestLedger(t)
	if err := m.StartDispatch(context.Background(), tripID); !errors.Is(err, ErrNotDispatchable) {
		t.Fatalf("expected ErrNotDispatchable, got %v", err)
	}
}
