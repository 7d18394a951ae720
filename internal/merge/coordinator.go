// Package merge folds duplicate instruments into a single survivor.
package merge

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/logging"
	"github.com/leedenison/portfoliodb/internal/metrics"
	"github.com/leedenison/portfoliodb/internal/models"
	"github.com/leedenison/portfoliodb/internal/store"
	"github.com/leedenison/portfoliodb/pkg/utils"
)

// Store is the subset of the identity store the coordinator needs.
type Store interface {
	GetInstrument(ctx context.Context, id models.InstrumentID) (*models.Instrument, error)
	ResolveRedirect(ctx context.Context, id models.InstrumentID) (models.InstrumentID, error)
	MergeInstruments(ctx context.Context, req store.MergeRequest) (*store.MergeResult, error)
}

// Outcome describes a finished merge. Loser is zero when both keys already
// named the same instrument.
type Outcome struct {
	Survivor models.InstrumentID
	Loser    models.InstrumentID
	Moved    *store.MergeResult
}

// Coordinator picks survivors and drives merges through the store.
type Coordinator struct {
	store  Store
	logger zerolog.Logger
	retry  utils.RetryConfig
}

// NewCoordinator creates a coordinator. A merge that loses an optimistic
// concurrency race is re-read and retried once.
func NewCoordinator(s Store, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:  s,
		logger: logger.With().Str("component", "merge").Logger(),
		retry: utils.RetryOnce(func(err error) bool {
			return errors.Is(err, apperrors.ErrConflict)
		}),
	}
}

// Survivor orders two instruments: the one created first survives, ties going
// to the lower key.
func Survivor(a, b *models.Instrument) (survivor, loser *models.Instrument) {
	if b.CreatedAt.Before(a.CreatedAt) || (b.CreatedAt.Equal(a.CreatedAt) && b.ID < a.ID) {
		return b, a
	}
	return a, b
}

// Merge folds a and b into one instrument. Redirects are followed first, so
// keys of already-merged instruments are accepted.
func (c *Coordinator) Merge(ctx context.Context, a, b models.InstrumentID) (*Outcome, error) {
	out, err := utils.RetryWithResult(ctx, c.retry, func(ctx context.Context) (*Outcome, error) {
		return c.attempt(ctx, a, b)
	})

	switch {
	case err == nil && out.Loser == 0:
		metrics.MergesTotal.WithLabelValues("noop").Inc()
	case err == nil:
		metrics.MergesTotal.WithLabelValues("merged").Inc()
		logging.LogMerge(c.logger, int64(out.Loser), int64(out.Survivor), nil)
	case errors.Is(err, apperrors.ErrConflict):
		metrics.MergesTotal.WithLabelValues("conflict").Inc()
		logging.LogMerge(c.logger, int64(a), int64(b), err)
	default:
		metrics.MergesTotal.WithLabelValues("failed").Inc()
		logging.LogMerge(c.logger, int64(a), int64(b), err)
	}
	return out, err
}

func (c *Coordinator) attempt(ctx context.Context, a, b models.InstrumentID) (*Outcome, error) {
	first, err := c.load(ctx, a)
	if err != nil {
		return nil, err
	}
	second, err := c.load(ctx, b)
	if err != nil {
		return nil, err
	}
	if first.ID == second.ID {
		return &Outcome{Survivor: first.ID}, nil
	}

	survivor, loser := Survivor(first, second)
	moved, err := c.store.MergeInstruments(ctx, store.MergeRequest{
		Loser:           loser.ID,
		LoserVersion:    loser.Version,
		Survivor:        survivor.ID,
		SurvivorVersion: survivor.Version,
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{Survivor: survivor.ID, Loser: loser.ID, Moved: moved}, nil
}

func (c *Coordinator) load(ctx context.Context, id models.InstrumentID) (*models.Instrument, error) {
	final, err := c.store.ResolveRedirect(ctx, id)
	if err != nil {
		return nil, err
	}
	inst, err := c.store.GetInstrument(ctx, final)
	if err != nil {
		return nil, err
	}
	if !inst.IsActive() {
		return nil, apperrors.Wrapf(apperrors.ErrConflict, "instrument %d is %s", inst.ID, inst.Status)
	}
	return inst, nil
}

// MergeAll folds every instrument in others into target, one pair at a time.
// It returns the final survivor and the instruments merged away. A failed pair
// is skipped and its error collected; the remaining pairs still run.
func (c *Coordinator) MergeAll(ctx context.Context, target models.InstrumentID, others []models.InstrumentID) (models.InstrumentID, []models.InstrumentID, error) {
	survivor := target
	var merged []models.InstrumentID
	var errs error

	for _, other := range others {
		if other == survivor {
			continue
		}
		out, err := c.Merge(ctx, survivor, other)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if out.Loser != 0 {
			merged = append(merged, out.Loser)
		}
		survivor = out.Survivor
	}
	return survivor, merged, errs
}
