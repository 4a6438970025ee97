package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/haul-dispatch/internal/models"
)

// PostgresLedger implements Ledger on database/sql. Every transition is a
// conditional UPDATE whose WHERE clause encodes the expected prior state;
// RowsAffected tells us whether we won the race. A partial unique index on
// offers(trip_id) WHERE status='outstanding' backs the single-outstanding
// invariant at the storage layer as well.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresLedger{db: db}, nil
}

func (p *PostgresLedger) CreateTrip(ctx context.Context, t *models.Trip) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = models.TripPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trips(id, customer_id, pickup_lat, pickup_lon, pickup_line1, pickup_city,
			dropoff_lat, dropoff_lon, dropoff_line1, dropoff_city,
			material, weight_kg, volume_m3, truck_type, time_preference,
			quoted_price_cents, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		t.ID, t.CustomerID,
		t.Pickup.Coord.Lat, t.Pickup.Coord.Lon, t.Pickup.Line1, t.Pickup.City,
		t.Dropoff.Coord.Lat, t.Dropoff.Coord.Lon, t.Dropoff.Line1, t.Dropoff.City,
		t.Material, t.WeightKg, t.VolumeM3, t.TruckType, string(t.TimePreference),
		t.QuotedPriceCents, string(t.Status), t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresLedger) GetTrip(ctx context.Context, tripID string) (models.Trip, error) {
	return p.scanTrip(p.db.QueryRowContext(ctx, `
		SELECT id, customer_id, pickup_lat, pickup_lon, pickup_line1, pickup_city,
			dropoff_lat, dropoff_lon, dropoff_line1, dropoff_city,
			material, weight_kg, volume_m3, truck_type, time_preference,
			quoted_price_cents, status, COALESCE(assigned_driver_id,''),
			COALESCE(failure_reason,''), COALESCE(payment_hold_id,''), created_at, updated_at
		FROM trips WHERE id=$1`, tripID))
}

func (p *PostgresLedger) scanTrip(row *sql.Row) (models.Trip, error) {
	var t models.Trip
	var pref, status string
	err := row.Scan(&t.ID, &t.CustomerID,
		&t.Pickup.Coord.Lat, &t.Pickup.Coord.Lon, &t.Pickup.Line1, &t.Pickup.City,
		&t.Dropoff.Coord.Lat, &t.Dropoff.Coord.Lon, &t.Dropoff.Line1, &t.Dropoff.City,
		&t.Material, &t.WeightKg, &t.VolumeM3, &t.TruckType, &pref,
		&t.QuotedPriceCents, &status, &t.AssignedDriverID,
		&t.FailureReason, &t.PaymentHoldID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, ErrTripNotFound
	}
	if err != nil {
		return models.Trip{}, err
	}
	t.TimePreference = models.TimePreference(pref)
	t.Status = models.TripStatus(status)
	return t, nil
}

func (p *PostgresLedger) GetOffer(ctx context.Context, offerID string) (models.Offer, error) {
	var o models.Offer
	var status string
	var responded sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, trip_id, driver_id, status, offered_at, deadline, responded_at
		FROM offers WHERE id=$1`, offerID).
		Scan(&o.ID, &o.TripID, &o.DriverID, &status, &o.OfferedAt, &o.Deadline, &responded)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Offer{}, ErrOfferNotFound
	}
	if err != nil {
		return models.Offer{}, err
	}
	o.Status = models.OfferStatus(status)
	if responded.Valid {
		o.RespondedAt = &responded.Time
	}
	return o, nil
}

func (p *PostgresLedger) ListOffers(ctx context.Context, tripID string) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trip_id, driver_id, status, offered_at, deadline, responded_at
		FROM offers WHERE trip_id=$1 ORDER BY offered_at`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Offer
	for rows.Next() {
		var o models.Offer
		var status string
		var responded sql.NullTime
		if err := rows.Scan(&o.ID, &o.TripID, &o.DriverID, &status, &o.OfferedAt, &o.Deadline, &responded); err != nil {
			return nil, err
		}
		o.Status = models.OfferStatus(status)
		if responded.Valid {
			o.RespondedAt = &responded.Time
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresLedger) ListOffering(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM trips WHERE status='offering'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *PostgresLedger) StartDispatch(ctx context.Context, tripID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE trips SET status='offering', updated_at=now()
		WHERE id=$1 AND status='pending'`, tripID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	t, err := p.GetTrip(ctx, tripID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: status=%s", ErrNotDispatchable, t.Status)
}

func (p *PostgresLedger) CreateOffer(ctx context.Context, tripID, driverID string, ttl time.Duration) (models.Offer, error) {
	o := models.Offer{
		ID:        uuid.NewString(),
		TripID:    tripID,
		DriverID:  driverID,
		Status:    models.OfferOutstanding,
		OfferedAt: time.Now().UTC(),
	}
	o.Deadline = o.OfferedAt.Add(ttl)
	// Insert is conditional on the trip still offering and no outstanding
	// offer existing; the partial unique index catches the remaining race
	// between two concurrent inserts.
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO offers(id, trip_id, driver_id, status, offered_at, deadline)
		SELECT $1, $2, $3, 'outstanding', $4, $5
		WHERE EXISTS (SELECT 1 FROM trips WHERE id=$2 AND status='offering')
		  AND NOT EXISTS (SELECT 1 FROM offers WHERE trip_id=$2 AND status='outstanding')`,
		o.ID, tripID, driverID, o.OfferedAt, o.Deadline)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Offer{}, ErrAlreadyOffering
		}
		return models.Offer{}, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return o, nil
	}
	t, err := p.GetTrip(ctx, tripID)
	if err != nil {
		return models.Offer{}, err
	}
	if t.Status != models.TripOffering {
		return models.Offer{}, fmt.Errorf("%w: status=%s", ErrNotDispatchable, t.Status)
	}
	return models.Offer{}, ErrAlreadyOffering
}

func (p *PostgresLedger) Accept(ctx context.Context, tripID, driverID string) (models.Trip, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Trip{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the trip row before touching offers. CancelTrip locks trips then
	// offers; taking rows in the same order here keeps a concurrent accept
	// and cancel from deadlocking each other.
	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM trips WHERE id=$1 FOR UPDATE`, tripID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, ErrTripNotFound
	}
	if err != nil {
		return models.Trip{}, err
	}
	if status != string(models.TripOffering) {
		// Cancelled or already resolved; any outstanding offer was superseded.
		return models.Trip{}, p.diagnoseAccept(ctx, tripID, driverID)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE offers SET status='accepted', responded_at=now()
		WHERE trip_id=$1 AND driver_id=$2 AND status='outstanding' AND deadline > now()`,
		tripID, driverID)
	if err != nil {
		return models.Trip{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Trip{}, p.diagnoseAccept(ctx, tripID, driverID)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE trips SET status='matched', assigned_driver_id=$2, updated_at=now()
		WHERE id=$1 AND status='offering'`, tripID, driverID)
	if err != nil {
		return models.Trip{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Trip{}, ErrAlreadyResolved
	}
	if err := tx.Commit(); err != nil {
		return models.Trip{}, err
	}
	return p.GetTrip(ctx, tripID)
}

// diagnoseAccept distinguishes why the conditional accept matched no rows.
func (p *PostgresLedger) diagnoseAccept(ctx context.Context, tripID, driverID string) error {
	var holder string
	var deadline time.Time
	err := p.db.QueryRowContext(ctx, `
		SELECT driver_id, deadline FROM offers WHERE trip_id=$1 AND status='outstanding'`,
		tripID).Scan(&holder, &deadline)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAlreadyResolved
	}
	if err != nil {
		return err
	}
	if holder != driverID {
		return ErrNotYours
	}
	return ErrOfferExpired
}

func (p *PostgresLedger) Decline(ctx context.Context, tripID, driverID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE offers SET status='declined', responded_at=now()
		WHERE trip_id=$1 AND driver_id=$2 AND status='outstanding'`, tripID, driverID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var holder string
	err = p.db.QueryRowContext(ctx, `
		SELECT driver_id FROM offers WHERE trip_id=$1 AND status='outstanding'`, tripID).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAlreadyResolved
	}
	if err != nil {
		return err
	}
	return ErrNotYours
}

func (p *PostgresLedger) ExpireIfOverdue(ctx context.Context, tripID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE offers SET status='expired', responded_at=now()
		WHERE trip_id=$1 AND status='outstanding' AND deadline <= now()`, tripID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *PostgresLedger) CancelTrip(ctx context.Context, tripID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE trips SET status='cancelled', updated_at=now()
		WHERE id=$1 AND status IN ('pending','offering')`, tripID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.GetTrip(ctx, tripID); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE offers SET status='superseded', responded_at=now()
		WHERE trip_id=$1 AND status='outstanding'`, tripID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresLedger) FinishExhausted(ctx context.Context, tripID, reason string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE trips SET status='no_drivers_available', failure_reason=$2, updated_at=now()
		WHERE id=$1 AND status IN ('pending','offering')`, tripID, reason)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

func (p *PostgresLedger) SetPaymentHold(ctx context.Context, tripID, holdID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE trips SET payment_hold_id=$2 WHERE id=$1`, tripID, holdID)
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
