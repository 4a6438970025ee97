package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/haul-dispatch/internal/ledger"
	"github.com/example/haul-dispatch/internal/observability"
)

// Sweeper expires overdue offers on a fixed cadence. It keeps no state of
// its own between runs: the worklist comes from the ledger's offering trips,
// and ExpireIfOverdue is conditional, so a restarted sweeper neither loses
// work nor double-processes.
type Sweeper struct {
	ledger   ledger.Ledger
	coord    *Coordinator
	interval time.Duration
	log      *slog.Logger
}

func NewSweeper(l ledger.Ledger, c *Coordinator, interval time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{ledger: l, coord: c, interval: interval, log: log}
}

// Run sweeps until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Exported so tests and callers can drive it directly.
func (s *Sweeper) Sweep(ctx context.Context) {
	tripIDs, err := s.ledger.ListOffering(ctx)
	if err != nil {
		s.log.Error("sweep list failed", "error", err)
		return
	}
	for _, tripID := range tripIDs {
		expired, err := s.ledger.ExpireIfOverdue(ctx, tripID)
		if err != nil {
			s.log.Error("expire check failed", "trip_id", tripID, "error", err)
			continue
		}
		if !expired {
			continue
		}
		observability.SweeperExpirations.Inc()
		s.log.Info("offer expired", "trip_id", tripID)
		if err := s.coord.HandleExpired(ctx, tripID); err != nil {
			s.log.Error("escalation failed", "trip_id", tripID, "error", err)
		}
	}
}
