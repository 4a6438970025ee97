package geo

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/example/haul-dispatch/internal/models"
)

// ErrDataUnavailable means the location store could not be reached. Callers
// must treat it as retryable and never confuse it with an empty result.
var ErrDataUnavailable = errors.New("driver location store unavailable")

// EligibilityQuery bounds a nearest-driver lookup. MaxLocationAge guards
// against stale pings; TruckType empty means any truck qualifies.
type EligibilityQuery struct {
	MaxDistanceKm  float64
	MaxLocationAge time.Duration
	TruckType      string
}

// Geo answers "which drivers could plausibly take this pickup" queries.
// An empty slice with a nil error is a valid no-drivers outcome.
type Geo interface {
	FindEligible(ctx context.Context, pickup models.Coord, q EligibilityQuery) ([]models.DriverCandidate, error)
}

// Upserter is the write side of a driver index.
type Upserter interface {
	Upsert(ctx context.Context, d models.DriverCandidate) error
}

// Index is the in-memory implementation, used for tests and single-node runs.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverCandidate
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverCandidate), now: time.Now}
}

func (g *Index) Upsert(ctx context.Context, d models.DriverCandidate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.Updated.IsZero() {
		d.Updated = g.now()
	}
	g.drivers[d.DriverID] = d
	return nil
}

func (g *Index) Remove(driverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
}

func (g *Index) FindEligible(ctx context.Context, pickup models.Coord, q EligibilityQuery) ([]models.DriverCandidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	now := g.now()
	out := make([]models.DriverCandidate, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !eligible(d, q, now) {
			continue
		}
		d.DistanceKm = HaversineKm(pickup.Lat, pickup.Lon, d.Loc.Lat, d.Loc.Lon)
		if d.DistanceKm > q.MaxDistanceKm {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func eligible(d models.DriverCandidate, q EligibilityQuery, now time.Time) bool {
	if !d.Available || !d.Approved {
		return false
	}
	if q.TruckType != "" && d.TruckType != q.TruckType {
		return false
	}
	if q.MaxLocationAge > 0 && now.Sub(d.Updated) > q.MaxLocationAge {
		return false
	}
	return true
}

// HaversineKm is the great-circle distance in kilometers.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
