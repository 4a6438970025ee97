package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/haul-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands plus a per-driver meta
// hash maintained by the location consumer. Eligibility flags live in the
// hash; only position and distance come from the geo set.
type RedisGeo struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, now: time.Now}
}

// Upsert writes position and eligibility meta. The consumer binary uses the
// same key layout so either path can feed the index.
func (r *RedisGeo) Upsert(ctx context.Context, d models.DriverCandidate) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.DriverID}).Result(); err != nil {
		return fmt.Errorf("geoadd: %w", err)
	}
	updated := d.Updated
	if updated.IsZero() {
		updated = r.now()
	}
	err := r.client.HSet(ctx, metaKey(d.DriverID), map[string]interface{}{
		"available":  strconv.FormatBool(d.Available),
		"approved":   strconv.FormatBool(d.Approved),
		"truck_type": d.TruckType,
		"updated":    updated.Format(time.RFC3339),
	}).Err()
	if err != nil {
		return fmt.Errorf("hset meta: %w", err)
	}
	return nil
}

func (r *RedisGeo) FindEligible(ctx context.Context, pickup models.Coord, q EligibilityQuery) ([]models.DriverCandidate, error) {
	res, err := r.client.GeoRadius(ctx, r.key, pickup.Lon, pickup.Lat, &redis.GeoRadiusQuery{
		Radius:    q.MaxDistanceKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	now := r.now()
	out := make([]models.DriverCandidate, 0, len(res))
	for _, g := range res {
		d := models.DriverCandidate{DriverID: g.Name, DistanceKm: g.Dist}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
		}
		if v, ok := m["available"]; ok {
			d.Available = v == "true"
		}
		if v, ok := m["approved"]; ok {
			d.Approved = v == "true"
		}
		d.TruckType = m["truck_type"]
		if v, ok := m["updated"]; ok {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				d.Updated = t
			}
		}
		if !eligible(d, q, now) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
