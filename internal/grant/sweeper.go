package grant

import (
	"context"
	"time"

	"campusgov.org/internal/obs"
)

// DefaultSweepInterval bounds how long an expired grant can sit in storage
// with status active. Callers never see it active: reads settle lazily.
const DefaultSweepInterval = 30 * time.Second

// Sweeper runs SweepExpired on a fixed interval.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
}

// NewSweeper returns a sweeper for m.
func NewSweeper(m *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{manager: m, interval: interval}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Once(ctx)
		}
	}
}

// Once runs a single sweep and logs its outcome.
func (s *Sweeper) Once(ctx context.Context) int {
	n, err := s.manager.SweepExpired(ctx)
	if err != nil && ctx.Err() == nil {
		obs.LogEvent(obs.LevelError, "grant sweep incomplete", map[string]any{"expired": n, "error": err})
	}
	if n > 0 {
		obs.LogEvent(obs.LevelInfo, "grant sweep", map[string]any{"expired": n})
	}
	return n
}
