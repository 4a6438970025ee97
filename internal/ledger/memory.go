package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/haul-dispatch/internal/models"
)

// MemoryLedger keeps the whole trip+offer record under one mutex, which makes
// every transition trivially atomic. Used for tests and single-node runs.
type MemoryLedger struct {
	mu     sync.Mutex
	trips  map[string]*models.Trip
	offers map[string]*models.Offer // by offer ID
	byTrip map[string][]string      // trip ID -> offer IDs, append order

	// Now is injectable so deadline behavior can be tested deterministically.
	Now func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		trips:  make(map[string]*models.Trip),
		offers: make(map[string]*models.Offer),
		byTrip: make(map[string][]string),
		Now:    time.Now,
	}
}

func (m *MemoryLedger) CreateTrip(ctx context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, ok := m.trips[t.ID]; ok {
		return fmt.Errorf("trip %s already exists", t.ID)
	}
	now := m.Now()
	if t.Status == "" {
		t.Status = models.TripPending
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryLedger) GetTrip(ctx context.Context, tripID string) (models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return models.Trip{}, ErrTripNotFound
	}
	return *t, nil
}

func (m *MemoryLedger) GetOffer(ctx context.Context, offerID string) (models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok {
		return models.Offer{}, ErrOfferNotFound
	}
	return *o, nil
}

func (m *MemoryLedger) ListOffers(ctx context.Context, tripID string) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byTrip[tripID]
	out := make([]models.Offer, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.offers[id])
	}
	return out, nil
}

func (m *MemoryLedger) ListOffering(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, t := range m.trips {
		if t.Status == models.TripOffering {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemoryLedger) StartDispatch(ctx context.Context, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrTripNotFound
	}
	if t.Status != models.TripPending {
		return fmt.Errorf("%w: status=%s", ErrNotDispatchable, t.Status)
	}
	t.Status = models.TripOffering
	t.UpdatedAt = m.Now()
	return nil
}

func (m *MemoryLedger) outstanding(tripID string) *models.Offer {
	for _, id := range m.byTrip[tripID] {
		if o := m.offers[id]; o.Status == models.OfferOutstanding {
			return o
		}
	}
	return nil
}

func (m *MemoryLedger) CreateOffer(ctx context.Context, tripID, driverID string, ttl time.Duration) (models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return models.Offer{}, ErrTripNotFound
	}
	if t.Status != models.TripOffering {
		return models.Offer{}, fmt.Errorf("%w: status=%s", ErrNotDispatchable, t.Status)
	}
	if m.outstanding(tripID) != nil {
		return models.Offer{}, ErrAlreadyOffering
	}
	now := m.Now()
	o := &models.Offer{
		ID:        uuid.NewString(),
		TripID:    tripID,
		DriverID:  driverID,
		Status:    models.OfferOutstanding,
		OfferedAt: now,
		Deadline:  now.Add(ttl),
	}
	m.offers[o.ID] = o
	m.byTrip[tripID] = append(m.byTrip[tripID], o.ID)
	return *o, nil
}

func (m *MemoryLedger) Accept(ctx context.Context, tripID, driverID string) (models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return models.Trip{}, ErrTripNotFound
	}
	o := m.outstanding(tripID)
	if o == nil {
		return models.Trip{}, ErrAlreadyResolved
	}
	if o.DriverID != driverID {
		return models.Trip{}, ErrNotYours
	}
	now := m.Now()
	if o.ExpiredAt(now) {
		return models.Trip{}, ErrOfferExpired
	}
	if t.Status != models.TripOffering {
		return models.Trip{}, ErrAlreadyResolved
	}
	o.Status = models.OfferAccepted
	o.RespondedAt = &now
	t.Status = models.TripMatched
	t.AssignedDriverID = driverID
	t.UpdatedAt = now
	return *t, nil
}

func (m *MemoryLedger) Decline(ctx context.Context, tripID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[tripID]; !ok {
		return ErrTripNotFound
	}
	o := m.outstanding(tripID)
	if o == nil {
		return ErrAlreadyResolved
	}
	if o.DriverID != driverID {
		return ErrNotYours
	}
	now := m.Now()
	o.Status = models.OfferDeclined
	o.RespondedAt = &now
	return nil
}

func (m *MemoryLedger) ExpireIfOverdue(ctx context.Context, tripID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.outstanding(tripID)
	if o == nil {
		return false, nil
	}
	now := m.Now()
	if !o.ExpiredAt(now) {
		return false, nil
	}
	o.Status = models.OfferExpired
	o.RespondedAt = &now
	return true, nil
}

func (m *MemoryLedger) CancelTrip(ctx context.Context, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrTripNotFound
	}
	if t.Status.Terminal() {
		return ErrAlreadyResolved
	}
	now := m.Now()
	if o := m.outstanding(tripID); o != nil {
		o.Status = models.OfferSuperseded
		o.RespondedAt = &now
	}
	t.Status = models.TripCancelled
	t.UpdatedAt = now
	return nil
}

func (m *MemoryLedger) FinishExhausted(ctx context.Context, tripID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrTripNotFound
	}
	if t.Status != models.TripPending && t.Status != models.TripOffering {
		return ErrAlreadyResolved
	}
	t.Status = models.TripNoDrivers
	t.FailureReason = reason
	t.UpdatedAt = m.Now()
	return nil
}

func (m *MemoryLedger) SetPaymentHold(ctx context.Context, tripID, holdID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrTripNotFound
	}
	t.PaymentHoldID = holdID
	return nil
}
