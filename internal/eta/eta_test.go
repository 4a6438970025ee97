package eta

import (
	"errors"
	"testing"
	"time"

	"github.com/example/haul-dispatch/internal/models"
)

func TestEstimateSecondsFallbackSpeed(t *testing.T) {
	from := models.Coord{Lat: 40.0, Lon: -74.0}
	to := models.Coord{Lat: 40.0, Lon: -74.0}
	if got := EstimateSeconds(from, to, 10); got != 0 {
		t.Fatalf("zero distance should be zero seconds, got %f", got)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	a := models.Coord{Lat: 1, Lon: 2}
	b := models.Coord{Lat: 3, Lon: 4}
	c.Set(a, b, 42)
	if v, ok := c.Get(a, b); !ok || v != 42 {
		t.Fatalf("expected hit, got %f %v", v, ok)
	}
	time.Sleep(15 * time.Millisecond)
	if _, ok := c.Get(a, b); ok {
		t.Fatalf("expected expiry")
	}
}

type failingClient struct{}

func (f *failingClient) EstimateSeconds(from, to models.Coord) (float64, error) {
	return 0, errors.New("routing down")
}

func TestEstimatorFallsBackWhenClientFails(t *testing.T) {
	e := &Estimator{Client: &failingClient{}, DefaultSpeedMps: 10}
	from := models.Coord{Lat: 40.0, Lon: -74.0}
	to := models.Coord{Lat: 40.1, Lon: -74.0}
	got := e.Seconds(from, to)
	if got <= 0 {
		t.Fatalf("expected positive fallback estimate, got %f", got)
	}
}
