// Package admin implements the administrative operations on the resolver
// precedence, the identity store and the resolution engine.
package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/leedenison/portfoliodb/internal/engine"
	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/models"
	"github.com/leedenison/portfoliodb/internal/resilience"
	"github.com/leedenison/portfoliodb/internal/resolver"
	"github.com/leedenison/portfoliodb/internal/security"
	"github.com/leedenison/portfoliodb/internal/store"
	"github.com/leedenison/portfoliodb/pkg/utils"
)

// Store is the persistence the admin operations need.
type Store interface {
	store.IdentityStore
	store.PrecedenceStore
	store.ConflictLog
	ListRetries(ctx context.Context, filter store.RetryFilter) ([]models.RetryRecord, error)
}

// Engine is the part of the resolution engine admin operations drive.
type Engine interface {
	ResolveBatch(ctx context.Context, sds []models.ScopedDescriptor, opts engine.Options) ([]models.Outcome, error)
	Assert(ctx context.Context, d models.Descriptor, ids []models.Identifier, typ models.InstrumentType) (*models.Outcome, error)
}

var _ Engine = (*engine.Engine)(nil)

// Admin groups the administrative operations.
type Admin struct {
	store    Store
	chain    *resolver.Chain
	engine   Engine
	logger   zerolog.Logger
	conflict utils.RetryConfig
}

// New creates an Admin.
func New(s Store, chain *resolver.Chain, e Engine, logger zerolog.Logger) *Admin {
	return &Admin{
		store:  s,
		chain:  chain,
		engine: e,
		logger: logger.With().Str("component", "admin").Logger(),
		conflict: utils.RetryOnce(func(err error) bool {
			return errors.Is(err, apperrors.ErrConflict)
		}),
	}
}

// ============================================================================
// Precedence
// ============================================================================

// Bootstrap publishes the stored precedence order. When none has been stored
// yet, defaults are stored and published instead.
func (a *Admin) Bootstrap(ctx context.Context, defaults []models.PrecedenceEntry) (*resolver.Snapshot, error) {
	entries, err := a.store.LoadPrecedence(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		a.logger.Info().Int("entries", len(defaults)).Msg("No stored precedence, using configured defaults")
		return a.SetPrecedence(ctx, defaults)
	}
	return a.chain.Publish(entries)
}

// Precedence returns the current precedence snapshot.
func (a *Admin) Precedence() *resolver.Snapshot {
	return a.chain.Snapshot()
}

// SetPrecedence replaces the precedence order as a whole.
func (a *Admin) SetPrecedence(ctx context.Context, entries []models.PrecedenceEntry) (*resolver.Snapshot, error) {
	snap, err := a.chain.Publish(entries)
	if err != nil {
		return nil, err
	}
	return snap, a.persist(ctx, snap)
}

// Reorder ranks resolvers 1..n in the order given.
func (a *Admin) Reorder(ctx context.Context, names []string) (*resolver.Snapshot, error) {
	snap, err := a.chain.Reorder(names)
	if err != nil {
		return nil, err
	}
	return snap, a.persist(ctx, snap)
}

// Enable enables a resolver, appending it to the order if it is not ranked yet.
func (a *Admin) Enable(ctx context.Context, name string) (*resolver.Snapshot, error) {
	return a.setEnabled(ctx, name, true)
}

// Disable disables a resolver without changing its rank.
func (a *Admin) Disable(ctx context.Context, name string) (*resolver.Snapshot, error) {
	return a.setEnabled(ctx, name, false)
}

func (a *Admin) setEnabled(ctx context.Context, name string, enabled bool) (*resolver.Snapshot, error) {
	snap, err := a.chain.SetEnabled(name, enabled)
	if err != nil {
		return nil, err
	}
	return snap, a.persist(ctx, snap)
}

// persist stores a published snapshot. A snapshot that fails to persist stays
// published until the next restart.
func (a *Admin) persist(ctx context.Context, snap *resolver.Snapshot) error {
	if err := a.store.SavePrecedence(ctx, snap.Entries); err != nil {
		return fmt.Errorf("failed to persist precedence version %d: %w", snap.Version, err)
	}
	a.logger.Info().Uint64("version", snap.Version).Msg("Precedence updated")
	return nil
}

// Configure passes options to a resolver. Invalid options are reported as a
// *errors.ConfigError and leave the resolver unchanged.
func (a *Admin) Configure(name string, options map[string]string) error {
	if err := a.chain.Configure(name, options); err != nil {
		return err
	}
	a.logger.Info().
		Str("resolver", name).
		Interface("options", security.RedactOptions(options)).
		Msg("Resolver configured")
	return nil
}

// Breakers returns the circuit breaker state of every resolver called so far.
func (a *Admin) Breakers() []resilience.CircuitBreakerStats {
	return a.chain.Breakers().AllStats()
}

// ResetBreaker closes a resolver's circuit breaker.
func (a *Admin) ResetBreaker(name string) error {
	if !a.chain.Breakers().Reset(name) {
		return apperrors.Wrapf(apperrors.ErrNotFound, "circuit breaker %q", name)
	}
	a.logger.Info().Str("resolver", name).Msg("Circuit breaker reset")
	return nil
}

// ============================================================================
// Refresh
// ============================================================================

// RefreshDescriptors force-refreshes the canonical mappings of ds.
// Authoritative mappings are replaced only with override.
func (a *Admin) RefreshDescriptors(ctx context.Context, ds []models.Descriptor, override bool) ([]models.Outcome, error) {
	sds := make([]models.ScopedDescriptor, len(ds))
	for i, d := range ds {
		sds[i] = models.ScopedDescriptor{User: models.NoUser, Descriptor: d}
	}
	return a.engine.ResolveBatch(ctx, sds, engine.Options{Force: true, OverrideAuthoritative: override})
}

// RefreshInstrument force-refreshes every canonical descriptor mapped to an instrument.
func (a *Admin) RefreshInstrument(ctx context.Context, id models.InstrumentID, override bool) ([]models.Outcome, error) {
	survivor, err := a.store.ResolveRedirect(ctx, id)
	if err != nil {
		return nil, err
	}
	ds, err := a.store.Descriptors(ctx, survivor)
	if err != nil {
		return nil, err
	}
	if len(ds) == 0 {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "no descriptors mapped to instrument %d", survivor)
	}
	return a.RefreshDescriptors(ctx, ds, override)
}

// ============================================================================
// Overrides
// ============================================================================

// OverrideCanonical maps d to the instrument carrying ids for every user. The
// mapping is authoritative, so refreshes keep it unless explicitly overridden.
func (a *Admin) OverrideCanonical(ctx context.Context, d models.Descriptor, ids []models.Identifier, typ models.InstrumentType) (*models.Outcome, error) {
	out, err := a.engine.Assert(ctx, d, ids, typ)
	if err != nil {
		return nil, err
	}
	a.logger.Info().
		Str("descriptor", d.String()).
		Int64("instrument", int64(out.Instrument)).
		Msg("Canonical override applied")
	return out, nil
}

// OverrideUser maps d to the instrument carrying ids for user only. The
// canonical layer and other users are unaffected. When no instrument carries
// the first identifier, a new instrument is created holding ids as private
// identifiers of user.
func (a *Admin) OverrideUser(ctx context.Context, user models.UserID, d models.Descriptor, ids []models.Identifier, typ models.InstrumentType) (*models.Outcome, error) {
	if user == models.NoUser {
		return nil, apperrors.NewValidationError("user", user, "user override requires a user")
	}
	if err := d.Validate(); err != nil {
		return nil, apperrors.NewValidationError("descriptor", d.Raw(), err.Error())
	}
	if len(ids) == 0 {
		return nil, apperrors.NewValidationError("identifiers", ids, "at least one identifier required")
	}

	var target models.InstrumentID
	err := utils.Retry(ctx, a.conflict, func(ctx context.Context) error {
		var err error
		target, err = a.overrideUser(ctx, user, d, ids, typ)
		return err
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info().
		Int64("user_id", int64(user)).
		Str("descriptor", d.String()).
		Int64("instrument", int64(target)).
		Msg("User override applied")
	return &models.Outcome{
		Descriptor: models.ScopedDescriptor{User: user, Descriptor: d},
		State:      models.StateResolved,
		Instrument: target,
		Layer:      models.LayerUser,
		Raw:        d.Raw(),
	}, nil
}

func (a *Admin) overrideUser(ctx context.Context, user models.UserID, d models.Descriptor, ids []models.Identifier, typ models.InstrumentType) (models.InstrumentID, error) {
	existing, _, err := a.store.FindByIdentifier(ctx, user, ids[0].Ref())
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		existing = nil
	case err != nil:
		return 0, fmt.Errorf("failed to look up identifier: %w", err)
	}

	tx, err := a.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var target models.InstrumentID
	if existing == nil {
		inst, err := tx.CreateInstrument(ctx, typ)
		if err != nil {
			return 0, err
		}
		target = inst.ID
	} else {
		if err := tx.TouchInstrument(ctx, existing.ID, existing.Version); err != nil {
			return 0, err
		}
		target = existing.ID
	}

	for _, id := range ids {
		id.Source = models.SourceUser
		if err := tx.AttachUserIdentifier(ctx, user, target, id); err != nil {
			return 0, err
		}
	}
	if err := tx.LinkDescriptor(ctx, store.DescriptorLink{
		Layer:      models.LayerUser,
		User:       user,
		Descriptor: d,
		Instrument: target,
		Source:     models.SourceUser,
	}); err != nil {
		return 0, err
	}
	if _, err := tx.RepointTransactions(ctx, models.LayerUser, user, d, target); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return target, nil
}

// ============================================================================
// Inspection
// ============================================================================

// Conflicts lists recorded resolver disagreements, newest first.
func (a *Admin) Conflicts(ctx context.Context, limit int) ([]models.Conflict, error) {
	return a.store.ListConflicts(ctx, limit)
}

// Retries lists descriptors awaiting another attempt or given up on.
func (a *Admin) Retries(ctx context.Context, filter store.RetryFilter) ([]models.RetryRecord, error) {
	return a.store.ListRetries(ctx, filter)
}
