package core

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/BranchIntl/queuectl/errors"
)

// Reclaimer periodically returns jobs abandoned by crashed workers to pending
type Reclaimer struct {
	store      Store
	staleAfter time.Duration
	interval   time.Duration
	reclaimed  int64
}

// NewReclaimer creates a new reclaimer
func NewReclaimer(store Store, staleAfter, interval time.Duration) *Reclaimer {
	return &Reclaimer{
		store:      store,
		staleAfter: staleAfter,
		interval:   interval,
	}
}

// Start sweeps once immediately and then every interval until ctx is done
func (r *Reclaimer) Start(ctx context.Context) error {
	slog.Info("Reclaimer started", "stale_after", r.staleAfter, "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			if errors.IsTemporary(err) {
				slog.Warn("Store unavailable during reclaim", "error", err)
			} else {
				slog.Error("Error reclaiming stale jobs", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			slog.Info("Reclaimer stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep reclaims stale jobs once
func (r *Reclaimer) Sweep(ctx context.Context) (int, error) {
	n, err := r.store.ReclaimStale(ctx, r.staleAfter)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		atomic.AddInt64(&r.reclaimed, int64(n))
		slog.Warn("Reclaimed stale jobs", "count", n, "stale_after", r.staleAfter)
	}
	return n, nil
}

// Reclaimed returns the total number of jobs reclaimed so far
func (r *Reclaimer) Reclaimed() int64 {
	return atomic.LoadInt64(&r.reclaimed)
}
