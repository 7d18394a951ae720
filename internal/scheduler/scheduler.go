// Package scheduler drives the periodic sweeps: re-attempting descriptors
// whose retry is due, and refreshing canonical mappings that went stale.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/leedenison/portfoliodb/internal/engine"
	"github.com/leedenison/portfoliodb/internal/metrics"
	"github.com/leedenison/portfoliodb/internal/models"
	"github.com/leedenison/portfoliodb/internal/store"
)

// Resolver re-submits descriptors to the resolution engine.
type Resolver interface {
	Resolve(ctx context.Context, sd models.ScopedDescriptor, opts engine.Options) (*models.Outcome, error)
}

var _ Resolver = (*engine.Engine)(nil)

// Store is the persistence the sweeps need.
type Store interface {
	DueRetries(ctx context.Context, now time.Time, limit int) ([]models.RetryRecord, error)
	DeleteRetry(ctx context.Context, d models.Descriptor) error
	CountRetries(ctx context.Context) (int, error)
	StaleMappings(ctx context.Context, before time.Time, limit int) ([]store.DescriptorMapping, error)
	store.SweepState
}

// Config holds sweep configuration.
type Config struct {
	Interval time.Duration
	// StaleAfter is the age at which a non-authoritative canonical mapping is refreshed.
	StaleAfter time.Duration
	// BatchSize caps the records handled by one sweep.
	BatchSize int
	// Workers bounds concurrent re-attempts within a sweep.
	Workers int
}

// DefaultConfig returns the default sweep configuration.
func DefaultConfig() Config {
	return Config{
		Interval:   15 * time.Minute,
		StaleAfter: 30 * 24 * time.Hour,
		BatchSize:  500,
		Workers:    4,
	}
}

// SweepResult counts the outcomes of one sweep.
type SweepResult struct {
	Attempted    int
	Resolved     int
	Pending      int
	Unresolvable int
	Failed       int
}

func (r *SweepResult) record(out *models.Outcome, err error) {
	r.Attempted++
	switch {
	case err != nil:
		r.Failed++
	case out.Resolved():
		r.Resolved++
	case out.State == models.StateUnresolvablePresented:
		r.Unresolvable++
	default:
		r.Pending++
	}
}

// Scheduler runs the retry and refresh sweeps.
type Scheduler struct {
	store    Store
	resolver Resolver
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a scheduler.
func New(s Store, r Resolver, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Scheduler{
		store:    s,
		resolver: r,
		cfg:      cfg,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock used to select due and stale records.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// ProcessDue re-attempts every retry record whose next eligible time has
// passed, as ordinary (non-forced) canonical resolutions. Records resolved
// canonically through another path in the meantime are cleared by the
// store-first check. A user's private override never clears a record.
func (s *Scheduler) ProcessDue(ctx context.Context) (SweepResult, error) {
	now := s.now()
	due, err := s.store.DueRetries(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, err
	}

	items := make([]models.ScopedDescriptor, len(due))
	for i, rec := range due {
		items[i] = models.ScopedDescriptor{User: models.NoUser, Descriptor: rec.Descriptor}
	}
	result, errs := s.sweep(ctx, items, engine.Options{}, func(ctx context.Context, sd models.ScopedDescriptor, out *models.Outcome) error {
		if out.Resolved() && out.Layer == models.LayerCanonical {
			return s.store.DeleteRetry(ctx, sd.Descriptor)
		}
		return nil
	})

	if pending, err := s.store.CountRetries(ctx); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		metrics.RetryPending.Set(float64(pending))
	}
	if err := s.store.SetLastSweep(ctx, store.SweepRetries, now); err != nil {
		errs = multierr.Append(errs, err)
	}

	s.logSweep("retries", result, errs)
	return result, errs
}

// RefreshStale force-refreshes non-authoritative canonical mappings that have
// not been updated for StaleAfter. User-layer overrides are never touched.
func (s *Scheduler) RefreshStale(ctx context.Context) (SweepResult, error) {
	now := s.now()
	stale, err := s.store.StaleMappings(ctx, now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, err
	}

	items := make([]models.ScopedDescriptor, len(stale))
	for i, m := range stale {
		items[i] = models.ScopedDescriptor{User: models.NoUser, Descriptor: m.Descriptor}
	}
	result, errs := s.sweep(ctx, items, engine.Options{Force: true}, nil)

	if err := s.store.SetLastSweep(ctx, store.SweepStale, now); err != nil {
		errs = multierr.Append(errs, err)
	}

	s.logSweep("stale", result, errs)
	return result, errs
}

func (s *Scheduler) sweep(ctx context.Context, items []models.ScopedDescriptor, opts engine.Options,
	after func(context.Context, models.ScopedDescriptor, *models.Outcome) error) (SweepResult, error) {
	var (
		mu     sync.Mutex
		result SweepResult
		errs   error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, sd := range items {
		g.Go(func() error {
			out, err := s.resolver.Resolve(gctx, sd, opts)
			if err == nil && after != nil {
				err = after(gctx, sd, out)
			}

			mu.Lock()
			defer mu.Unlock()
			result.record(out, err)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", sd.Descriptor, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return result, errs
}

func (s *Scheduler) logSweep(name string, r SweepResult, err error) {
	event := s.logger.Info()
	if err != nil {
		event = s.logger.Warn().Err(err)
	}
	event.
		Str("sweep", name).
		Int("attempted", r.Attempted).
		Int("resolved", r.Resolved).
		Int("pending", r.Pending).
		Int("unresolvable", r.Unresolvable).
		Int("failed", r.Failed).
		Msg("Sweep finished")
}

// Run sweeps once immediately and then every Interval until ctx is done.
// Sweep failures are logged; they never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	_, _ = s.ProcessDue(ctx)
	if s.cfg.StaleAfter > 0 {
		_, _ = s.RefreshStale(ctx)
	}
}
