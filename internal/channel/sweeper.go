package channel

import (
	"context"
	"log/slog"
	"time"
)

// SweepInterval is the default tick for the idle sweeper.
const SweepInterval = 60 * time.Second

// Sweeper periodically closes channels that have seen no frame activity
// for longer than IdleTimeout and reclaims their resources.
type Sweeper struct {
	registry    *Registry
	idleTimeout time.Duration
	interval    time.Duration
	logger      *slog.Logger
}

// NewSweeper builds a sweeper over registry using the given idle timeout
// and tick interval, defaulting either when zero.
func NewSweeper(registry *Registry, idleTimeout, interval time.Duration, logger *slog.Logger) *Sweeper {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if interval <= 0 {
		interval = SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{registry: registry, idleTimeout: idleTimeout, interval: interval, logger: logger}
}

// Run blocks, sweeping idle channels every tick until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	now := time.Now()
	for _, ch := range s.registry.All() {
		if ch.State() == StateClosed {
			continue
		}
		if now.Sub(ch.LastActivity()) >= s.idleTimeout {
			s.logger.Debug("idle sweep closing channel", "channel", ch.ID.Short())
			s.registry.Drop(ch.ID)
		}
	}
}
