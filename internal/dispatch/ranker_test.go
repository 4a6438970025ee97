package dispatch

import (
	"testing"
	"time"

	"github.com/example/haul-dispatch/internal/models"
)

func TestRankClosestFirst(t *testing.T) {
	base := time.Now()
	cands := []models.DriverCandidate{
		{DriverID: "far", DistanceKm: 9.5, Updated: base},
		{DriverID: "near", DistanceKm: 1.2, Updated: base},
		{DriverID: "mid", DistanceKm: 4.0, Updated: base},
	}
	got := Rank(cands, 10)
	want := []string{"near", "mid", "far"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rank[%d]=%s, want %s", i, got[i], want[i])
		}
	}
}

func TestRankTieBreaksOnOlderTimestamp(t *testing.T) {
	base := time.Now()
	cands := []models.DriverCandidate{
		{DriverID: "fresh", DistanceKm: 2.0, Updated: base},
		{DriverID: "steady", DistanceKm: 2.0, Updated: base.Add(-time.Minute)},
	}
	got := Rank(cands, 10)
	if got[0] != "steady" {
		t.Fatalf("expected steady first, got %v", got)
	}
}

func TestRankDeduplicatesKeepingNearest(t *testing.T) {
	cands := []models.DriverCandidate{
		{DriverID: "d1", DistanceKm: 5.0},
		{DriverID: "d1", DistanceKm: 2.0},
		{DriverID: "d2", DistanceKm: 3.0},
	}
	got := Rank(cands, 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %v", got)
	}
	if got[0] != "d1" || got[1] != "d2" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestRankCapsQueue(t *testing.T) {
	cands := []models.DriverCandidate{
		{DriverID: "a", DistanceKm: 1},
		{DriverID: "b", DistanceKm: 2},
		{DriverID: "c", DistanceKm: 3},
		{DriverID: "d", DistanceKm: 4},
	}
	got := Rank(cands, 2)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected [a b], got %v", got)
	}
}

func TestRankEmptyInput(t *testing.T) {
	if got := Rank(nil, 5); len(got) != 0 {
		t.Fatalf("expected empty queue, got %v", got)
	}
}
