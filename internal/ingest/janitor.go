package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultIdempotencyRetention = 72 * time.Hour
	defaultJanitorInterval      = 10 * time.Minute
)

// Janitor prunes idempotency records past the retention window and attempt
// counters nobody touched for a while.
type Janitor struct {
	Gateway   Gateway
	Retry     *RetryCoordinator
	Retention time.Duration
	Interval  time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (j Janitor) Sweep(ctx context.Context) (int, error) {
	retention := j.Retention
	if retention <= 0 {
		retention = DefaultIdempotencyRetention
	}
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	if j.Retry != nil {
		j.Retry.Prune()
	}
	return j.Gateway.PruneIdempotency(ctx, now().Add(-retention))
}

func (j Janitor) Run(ctx context.Context) error {
	interval := j.Interval
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		pruned, err := j.Sweep(ctx)
		if err != nil {
			j.Logger.Warn().Err(err).Msg("idempotency prune failed")
			continue
		}
		if pruned > 0 {
			j.Logger.Info().Int("pruned", pruned).Msg("idempotency records pruned")
		}
	}
}
