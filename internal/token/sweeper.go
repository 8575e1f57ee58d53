package token

import (
	"context"
	"time"

	"fieldgate.org/internal/clock"
	"fieldgate.org/internal/obs"
)

// Sweeper periodically prunes ledger entries whose tokens have expired.
type Sweeper struct {
	ledger   Ledger
	clock    clock.Clock
	interval time.Duration
	// grace keeps entries a little past expiry to absorb clock drift
	// between nodes sharing the ledger.
	grace time.Duration
}

// NewSweeper builds a sweeper. interval <= 0 defaults to one minute.
func NewSweeper(l Ledger, clk clock.Clock, interval, grace time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Sweeper{ledger: l, clock: clk, interval: interval, grace: grace}
}

// Sweep runs one pruning pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	n, err := s.ledger.Prune(ctx, s.clock.Now().Add(-s.grace))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		obs.RevocationsPruned(n)
	}
	return n, nil
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				obs.Logger().Error("revocation sweep failed", "error", err)
				continue
			}
			if n > 0 {
				obs.Logger().Info("revocation sweep", "pruned", n)
			}
		}
	}
}
