package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Purger deletes terminal jobs that finished before a cutoff and returns their IDs.
type Purger interface {
	DeleteTerminalBefore(ctx context.Context, before time.Time) ([]string, error)
}

// Forgetter drops per-job state kept outside the store, such as event buffers.
type Forgetter interface {
	Forget(jobID string)
}

// Cleaner periodically removes terminal jobs older than TTL.
type Cleaner struct {
	store    Purger
	forget   Forgetter
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewCleaner returns a Cleaner; forget may be nil.
func NewCleaner(store Purger, forget Forgetter, ttl, interval time.Duration, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		store:    store,
		forget:   forget,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
		logger:   logger.With("component", "cleanup"),
	}
}

// Run sweeps every interval until ctx is done. A non-positive TTL or interval disables it.
func (c *Cleaner) Run(ctx context.Context) error {
	if c.ttl <= 0 || c.interval <= 0 {
		c.logger.Info("job cleanup disabled")
		return nil
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep deletes expired jobs once and returns how many were removed.
func (c *Cleaner) Sweep(ctx context.Context) int {
	ids, err := c.store.DeleteTerminalBefore(ctx, c.now().Add(-c.ttl))
	if err != nil {
		c.logger.Error("delete expired jobs", "error", err)
		return 0
	}
	if c.forget != nil {
		for _, id := range ids {
			c.forget.Forget(id)
		}
	}
	if len(ids) > 0 {
		c.logger.Info("expired jobs deleted", "count", len(ids), "ttl", c.ttl)
	}
	return len(ids)
}
