// Package holds expires provisional holds that were never confirmed. The
// sweep is periodic, idempotent and safe to run from several processes at
// once: every expiry is a version-guarded ledger append, so a concurrent
// confirm always wins the race and the losing expiry is simply dropped.
package holds

import (
	"context"
	"errors"
	"sync"
	"time"

	"rezerv/internal/ledger"
	"rezerv/internal/metrics"
	"rezerv/internal/models"
	"rezerv/internal/slotindex"

	"github.com/rs/zerolog"
)

// Config holds sweep parameters.
type Config struct {
	// Interval is how often the sweep runs.
	Interval time.Duration
}

// DefaultConfig returns the default sweep configuration.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second}
}

// Sweeper runs the hold expiry loop.
type Sweeper struct {
	config Config
	ledger *ledger.Ledger
	index  *slotindex.Index
	logger *zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

type Option func(*Sweeper)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func NewSweeper(config Config, led *ledger.Ledger, index *slotindex.Index, logger *zerolog.Logger, opts ...Option) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	s := &Sweeper{
		config: config,
		ledger: led,
		index:  index,
		logger: logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the sweep loop and blocks until Stop or context cancel.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info().Dur("interval", s.config.Interval).Msg("hold sweeper started")

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("hold sweeper stopped by context")
			return
		case <-s.stopCh:
			s.logger.Info().Msg("hold sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// Stop stops the loop.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if s.running {
		s.running = false
		close(s.stopCh)
	}
	s.mu.Unlock()
}

// SweepOnce expires every hold past its deadline and returns how many
// transitions it committed.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	metrics.IncSweepRun()

	expired, err := s.ledger.ExpiredHeld(ctx, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("sweep: listing expired holds failed")
		return 0
	}

	swept := 0
	for _, r := range expired {
		_, err := s.ledger.Append(ctx, r.ID, models.StateHeld, models.StateExpired, r.Version)
		if err != nil {
			if errors.Is(err, models.ErrConflict) {
				// A concurrent confirm or cancel moved the reservation
				// first; that outcome stands.
				continue
			}
			s.logger.Error().Err(err).Str("reservation_id", r.ID).Msg("sweep: expiry append failed")
			continue
		}

		s.index.Remove(r.ResourceID, r.ID)
		metrics.IncHoldsExpired()
		swept++
	}

	if swept > 0 {
		s.logger.Info().Int("expired", swept).Msg("sweep expired holds")
	}
	return swept
}
