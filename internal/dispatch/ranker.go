package dispatch

import (
	"sort"

	"github.com/example/haul-dispatch/internal/models"
)

// Rank turns a raw eligibility result set into the offer queue: deduplicated
// by driver, closest first, capped at max. Ties on distance go to the driver
// with the older location timestamp (continuously available longer), then to
// the lexically smaller ID so the order is deterministic.
//
// Pure function; the queue it produces is computed once per trip and never
// re-ranked mid-dispatch.
func Rank(cands []models.DriverCandidate, max int) []string {
	byID := make(map[string]models.DriverCandidate, len(cands))
	for _, c := range cands {
		if prev, ok := byID[c.DriverID]; ok && prev.DistanceKm <= c.DistanceKm {
			continue
		}
		byID[c.DriverID] = c
	}
	uniq := make([]models.DriverCandidate, 0, len(byID))
	for _, c := range byID {
		uniq = append(uniq, c)
	}
	sort.Slice(uniq, func(i, j int) bool {
		a, b := uniq[i], uniq[j]
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		if !a.Updated.Equal(b.Updated) {
			return a.Updated.Before(b.Updated)
		}
		return a.DriverID < b.DriverID
	})
	if max > 0 && len(uniq) > max {
		uniq = uniq[:max]
	}
	out := make([]string, len(uniq))
	for i, c := range uniq {
		out[i] = c.DriverID
	}
	return out
}
