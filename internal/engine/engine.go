// Package engine turns broker descriptors into canonical instruments.
//
// A resolution attempt checks the identity store first, then fans the
// descriptor out to the precedence chain, arbitrates the answers, writes the
// result back in one store transaction and finally merges any instruments the
// new identifiers prove to be duplicates.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/logging"
	"github.com/leedenison/portfoliodb/internal/merge"
	"github.com/leedenison/portfoliodb/internal/metrics"
	"github.com/leedenison/portfoliodb/internal/models"
	"github.com/leedenison/portfoliodb/internal/resilience"
	"github.com/leedenison/portfoliodb/internal/resolver"
	"github.com/leedenison/portfoliodb/internal/security"
	"github.com/leedenison/portfoliodb/internal/store"
	"github.com/leedenison/portfoliodb/pkg/utils"
)

// Store is the persistence the engine needs.
type Store interface {
	store.IdentityStore
	store.RetryStore
}

// Merger folds duplicate instruments together.
type Merger interface {
	MergeAll(ctx context.Context, target models.InstrumentID, others []models.InstrumentID) (models.InstrumentID, []models.InstrumentID, error)
}

var _ Merger = (*merge.Coordinator)(nil)

// Config holds engine configuration.
type Config struct {
	// Workers bounds the descriptors ResolveBatch resolves in parallel.
	Workers int
	// AttemptTimeout bounds an attempt shared by concurrent callers. The
	// attempt outlives any single caller's context.
	AttemptTimeout time.Duration
	// Backoff schedules retries of unresolved descriptors.
	Backoff resilience.Backoff
	// MaxRetries is the number of failed attempts after which a descriptor is
	// presented as unresolvable and no longer retried.
	MaxRetries int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Workers:        8,
		AttemptTimeout: 2 * time.Minute,
		Backoff:        resilience.DefaultBackoff(),
		MaxRetries:     20,
	}
}

// Options alter a single resolution attempt.
type Options struct {
	// Force skips the store-first check and re-resolves through the chain.
	// User-layer overrides are never touched by a forced attempt.
	Force bool
	// OverrideAuthoritative lets a forced attempt replace an authoritative
	// canonical mapping.
	OverrideAuthoritative bool
}

func (o Options) flightSuffix() string {
	switch {
	case o.Force && o.OverrideAuthoritative:
		return "/force/override"
	case o.Force:
		return "/force"
	}
	return ""
}

// Engine resolves descriptors.
type Engine struct {
	store  Store
	chain  *resolver.Chain
	merger Merger
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	flight   singleflight.Group
	conflict utils.RetryConfig
}

// New creates an engine.
func New(s Store, chain *resolver.Chain, merger Merger, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	return &Engine{
		store:  s,
		chain:  chain,
		merger: merger,
		cfg:    cfg,
		logger: logger.With().Str("component", "engine").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		conflict: utils.RetryOnce(func(err error) bool {
			return errors.Is(err, apperrors.ErrConflict)
		}),
	}
}

// SetClock overrides the clock used for retry scheduling.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Resolve resolves one descriptor for a user. Concurrent calls for the same
// descriptor, user and options share a single attempt. A caller whose
// context ends stops waiting; the shared attempt carries on for the others.
//
// The returned error reports failures of the attempt itself. A descriptor no
// resolver could identify is not an error: the outcome is RETRY_SCHEDULED or
// UNRESOLVABLE_PRESENTED and carries the raw broker string.
func (e *Engine) Resolve(ctx context.Context, sd models.ScopedDescriptor, opts Options) (*models.Outcome, error) {
	if err := sd.Descriptor.Validate(); err != nil {
		return nil, apperrors.NewValidationError("descriptor", sd.Descriptor.Raw(), err.Error())
	}

	ch := e.flight.DoChan(sd.FlightKey()+opts.flightSuffix(), func() (any, error) {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.AttemptTimeout)
		defer cancel()
		return e.resolve(actx, sd, opts)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	out := *res.Val.(*models.Outcome)
	out.Merged = append([]models.InstrumentID(nil), out.Merged...)
	return &out, nil
}

// ResolveBatch resolves descriptors on a bounded worker pool. Outcomes are
// returned in input order; an attempt that failed has its error in Err and
// contributes to the returned aggregate error.
func (e *Engine) ResolveBatch(ctx context.Context, sds []models.ScopedDescriptor, opts Options) ([]models.Outcome, error) {
	outcomes := make([]models.Outcome, len(sds))
	errs := make([]error, len(sds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, sd := range sds {
		g.Go(func() error {
			out, err := e.Resolve(gctx, sd, opts)
			if err != nil {
				outcomes[i] = models.Outcome{
					Descriptor: sd,
					State:      models.StateUnresolved,
					Raw:        sd.Descriptor.Raw(),
					Err:        err,
				}
				errs[i] = fmt.Errorf("%s: %w", sd.Descriptor, err)
				return nil
			}
			outcomes[i] = *out
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, multierr.Combine(errs...)
}

func (e *Engine) resolve(ctx context.Context, sd models.ScopedDescriptor, opts Options) (*models.Outcome, error) {
	start := time.Now()
	logger := logging.WithDescriptor(logging.WithRunID(e.logger, newRunID()), int64(sd.User), sd.Descriptor.String())
	ctx = logging.WithLogger(ctx, logger)
	d := sd.Descriptor

	out := &models.Outcome{Descriptor: sd, State: models.StateCheckingStore, Raw: d.Raw()}

	var existing *store.DescriptorMapping
	if !opts.Force {
		inst, layer, err := e.store.FindByDescriptor(ctx, sd.User, d)
		switch {
		case err == nil:
			return e.finish(logger, resolved(out, inst.ID, layer), start, opts), nil
		case !errors.Is(err, apperrors.ErrNotFound):
			return nil, fmt.Errorf("failed to check store: %w", err)
		}
	} else {
		m, err := e.store.CanonicalMapping(ctx, d)
		switch {
		case err == nil:
			existing = m
		case !errors.Is(err, apperrors.ErrNotFound):
			return nil, fmt.Errorf("failed to read canonical mapping: %w", err)
		}
		if existing != nil && existing.Authoritative && !opts.OverrideAuthoritative {
			logger.Debug().Msg("Keeping authoritative mapping")
			return e.current(ctx, logger, out, start, opts)
		}
	}

	out.State = models.StateFanningOut
	fan := e.chain.Resolve(ctx, e.chain.Snapshot(), d)
	out.PluginCalls = fan.Calls()

	decision, ok := resolver.Arbitrate(fan)
	if !ok {
		if existing != nil {
			// A refresh that learns nothing keeps the mapping it had.
			return e.current(ctx, logger, out, start, opts)
		}
		return e.unresolved(ctx, logger, out, fan, start, opts)
	}

	return e.apply(ctx, logger, out, decision, start, opts)
}

// Assert maps d canonically to the instrument carrying ids as an
// authoritative decision, without consulting any resolver. Instruments
// already owning one of ids are merged as in a normal resolution.
func (e *Engine) Assert(ctx context.Context, d models.Descriptor, ids []models.Identifier, typ models.InstrumentType) (*models.Outcome, error) {
	if err := d.Validate(); err != nil {
		return nil, apperrors.NewValidationError("descriptor", d.Raw(), err.Error())
	}
	decision := &resolver.Decision{
		Winner:        models.SourceUser,
		Authoritative: true,
		Type:          typ,
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = id.Normalize()
		if id.Namespace == "" || id.Value == "" || seen[id.Namespace] {
			return nil, apperrors.NewValidationError("identifiers", id.Ref().String(), "one non-empty identifier per namespace required")
		}
		seen[id.Namespace] = true
		id.Source = models.SourceUser
		id.Authoritative = true
		decision.Identifiers = append(decision.Identifiers, id)
	}
	if len(decision.Identifiers) == 0 {
		return nil, apperrors.NewValidationError("identifiers", ids, "at least one identifier required")
	}

	start := time.Now()
	sd := models.ScopedDescriptor{User: models.NoUser, Descriptor: d}
	logger := logging.WithDescriptor(logging.WithRunID(e.logger, newRunID()), 0, d.String())
	out := &models.Outcome{Descriptor: sd, State: models.StateResolving, Raw: d.Raw()}
	return e.apply(logging.WithLogger(ctx, logger), logger, out, decision, start, Options{Force: true, OverrideAuthoritative: true})
}

// apply writes an arbitrated decision back and merges the duplicates it exposes.
func (e *Engine) apply(ctx context.Context, logger zerolog.Logger, out *models.Outcome, decision *resolver.Decision, start time.Time, opts Options) (*models.Outcome, error) {
	d := out.Descriptor.Descriptor
	out.State = models.StateResolving
	if decision.Conflict {
		metrics.ConflictsTotal.Inc()
		logging.LogConflict(logger, d.String(), decision.Winner, decision.CandidateStrings())
	}

	var w *writeResult
	err := utils.Retry(ctx, e.conflict, func(ctx context.Context) error {
		var err error
		w, err = e.writeBack(ctx, d, decision)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write resolution: %w", err)
	}

	if len(w.partners) > 0 {
		_, merged, err := e.merger.MergeAll(ctx, w.target, w.partners)
		out.Merged = merged
		if err != nil {
			// The descriptor is resolved either way; unmerged duplicates stay ACTIVE.
			out.Err = err
			logger.Warn().Err(err).Int64("target", int64(w.target)).Msg("Merging duplicate instruments failed")
		}
	}

	inst, layer, err := e.store.FindByDescriptor(ctx, out.Descriptor.User, d)
	if err != nil {
		return nil, fmt.Errorf("failed to read back resolution: %w", err)
	}
	return e.finish(logger, resolved(out, inst.ID, layer), start, opts), nil
}

// current reports whatever the store maps the descriptor to for the user.
func (e *Engine) current(ctx context.Context, logger zerolog.Logger, out *models.Outcome, start time.Time, opts Options) (*models.Outcome, error) {
	inst, layer, err := e.store.FindByDescriptor(ctx, out.Descriptor.User, out.Descriptor.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("failed to read current mapping: %w", err)
	}
	return e.finish(logger, resolved(out, inst.ID, layer), start, opts), nil
}

// unresolved schedules the next attempt, or gives up once MaxRetries is reached.
func (e *Engine) unresolved(ctx context.Context, logger zerolog.Logger, out *models.Outcome, fan resolver.FanOut, start time.Time, opts Options) (*models.Outcome, error) {
	d := out.Descriptor.Descriptor

	count := 0
	prev, err := e.store.GetRetry(ctx, d)
	switch {
	case err == nil:
		count = prev.RetryCount
	case !errors.Is(err, apperrors.ErrNotFound):
		return nil, fmt.Errorf("failed to read retry record: %w", err)
	}
	count++

	now := e.now()
	rec := models.RetryRecord{
		User:          out.Descriptor.User,
		Descriptor:    d,
		RetryCount:    count,
		LastAttempted: now,
		NextEligible:  e.cfg.Backoff.Next(now, count),
		Exhausted:     count >= e.cfg.MaxRetries,
		LastError:     failureSummary(fan),
	}
	if err := e.store.UpsertRetry(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to schedule retry: %w", err)
	}

	if rec.Exhausted {
		out.State = models.StateUnresolvablePresented
	} else {
		out.State = models.StateRetryScheduled
		out.Pending = true
	}
	logger.Debug().
		Int("retry_count", count).
		Time("next_eligible", rec.NextEligible).
		Str("last_error", rec.LastError).
		Msg("Descriptor unresolved")
	return e.finish(logger, out, start, opts), nil
}

func (e *Engine) finish(logger zerolog.Logger, out *models.Outcome, start time.Time, opts Options) *models.Outcome {
	metrics.ResolutionsTotal.WithLabelValues(string(out.State)).Inc()
	metrics.ResolutionDuration.WithLabelValues(strconv.FormatBool(opts.Force)).Observe(time.Since(start).Seconds())
	logging.LogResolution(logger, string(out.State), int64(out.Instrument), out.PluginCalls)
	return out
}

// failureSummary describes why no resolver produced a result.
func failureSummary(fan resolver.FanOut) string {
	transient := fan.Transient()
	if len(transient) == 0 {
		if fan.Calls() == 0 {
			return "no resolvers enabled"
		}
		return "not found by any resolver"
	}
	msgs := make([]string, 0, len(transient))
	for _, r := range transient {
		msgs = append(msgs, security.MaskInString(r.Err.Error()))
	}
	return strings.Join(msgs, "; ")
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func resolved(out *models.Outcome, id models.InstrumentID, layer models.Layer) *models.Outcome {
	out.State = models.StateResolved
	out.Instrument = id
	out.Layer = layer
	out.Pending = false
	return out
}
