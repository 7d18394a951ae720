package admin_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leedenison/portfoliodb/internal/admin"
	"github.com/leedenison/portfoliodb/internal/engine"
	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/merge"
	"github.com/leedenison/portfoliodb/internal/models"
	"github.com/leedenison/portfoliodb/internal/resolver"
	"github.com/leedenison/portfoliodb/internal/resolver/resolvertest"
	"github.com/leedenison/portfoliodb/internal/store"
)

var (
	tesco     = models.NewDescriptionDescriptor("hl", "TESCO PLC ORD 6 1/3P")
	tescoISIN = resolvertest.ISIN("GB00BLGZ9862")
)

type setup struct {
	store  *store.SQLiteStore
	chain  *resolver.Chain
	engine *engine.Engine
	admin  *admin.Admin
}

func newSetup(t *testing.T, path string, plugins ...resolver.Plugin) *setup {
	t.Helper()
	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	chain := resolver.NewChain(resolver.DefaultChainConfig(), zerolog.Nop(), plugins...)
	e := engine.New(s, chain, merge.NewCoordinator(s, zerolog.Nop()), engine.DefaultConfig(), zerolog.Nop())
	return &setup{
		store:  s,
		chain:  chain,
		engine: e,
		admin:  admin.New(s, chain, e, zerolog.Nop()),
	}
}

func bootstrapped(t *testing.T, plugins ...resolver.Plugin) *setup {
	t.Helper()
	st := newSetup(t, filepath.Join(t.TempDir(), "admin.db"), plugins...)
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name()
	}
	_, err := st.admin.Bootstrap(context.Background(), resolvertest.Entries(names...))
	require.NoError(t, err)
	return st
}

func (st *setup) addTransactions(t *testing.T, user models.UserID, d models.Descriptor) {
	t.Helper()
	_, err := st.store.AddTransactions(context.Background(), []models.Transaction{{
		User:       user,
		Descriptor: d,
		Units:      decimal.NewFromInt(100),
		TradeDate:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Type:       models.TxBuy,
	}})
	require.NoError(t, err)
}

func TestBootstrap_PrefersStoredOrder(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "admin.db")
	a, b := resolvertest.NotFound("a"), resolvertest.NotFound("b")

	first := newSetup(t, path, a, b)
	snap, err := first.admin.Bootstrap(ctx, resolvertest.Entries("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, "a", snap.Entries[0].Name)

	_, err = first.admin.Reorder(ctx, []string{"b", "a"})
	require.NoError(t, err)
	_, err = first.admin.Disable(ctx, "a")
	require.NoError(t, err)

	second := newSetup(t, path, a, b)
	snap, err = second.admin.Bootstrap(ctx, resolvertest.Entries("a", "b"))
	require.NoError(t, err)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, "b", snap.Entries[0].Name)
	assert.Equal(t, 2, snap.Entries[1].Rank)
	assert.False(t, snap.Entries[1].Enabled)
	assert.Len(t, snap.Enabled(), 1)
}

func TestPrecedence_RejectsUnknownResolver(t *testing.T) {
	ctx := context.Background()
	st := bootstrapped(t, resolvertest.NotFound("a"))
	before := st.admin.Precedence().Version

	_, err := st.admin.Enable(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrResolverNotFound)
	_, err = st.admin.Reorder(ctx, []string{"a", "missing"})
	assert.Error(t, err)
	assert.Equal(t, before, st.admin.Precedence().Version)

	stored, err := st.store.LoadPrecedence(ctx)
	require.NoError(t, err)
	assert.Equal(t, resolvertest.Entries("a"), stored)
}

func TestConfigure_SurfacesConfigError(t *testing.T) {
	p := resolvertest.NotFound("vendor")
	p.Required = []string{"api_key"}
	st := bootstrapped(t, p)

	err := st.admin.Configure("vendor", map[string]string{})
	var cfgErr *apperrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "api_key", cfgErr.Option)

	require.NoError(t, st.admin.Configure("vendor", map[string]string{"api_key": "k"}))
	assert.Equal(t, "k", p.Options()["api_key"])
}

func TestResetBreaker_UnknownResolver(t *testing.T) {
	st := bootstrapped(t, resolvertest.NotFound("a"))
	assert.ErrorIs(t, st.admin.ResetBreaker("a"), apperrors.ErrNotFound)

	_, err := st.engine.Resolve(context.Background(), models.ScopedDescriptor{User: 1, Descriptor: tesco}, engine.Options{})
	require.NoError(t, err)
	require.NoError(t, st.admin.ResetBreaker("a"))
	assert.Len(t, st.admin.Breakers(), 1)
}

func TestRefreshInstrument_AddsIdentifiers(t *testing.T) {
	ctx := context.Background()
	p := resolvertest.Returning("p", tescoISIN)
	st := bootstrapped(t, p)

	out, err := st.engine.Resolve(ctx, models.ScopedDescriptor{User: 1, Descriptor: tesco}, engine.Options{})
	require.NoError(t, err)

	p.Set(resolvertest.Answer(tescoISIN, models.Identifier{Namespace: models.NamespaceSEDOL, Value: "BLGZ986"}))
	outs, err := st.admin.RefreshInstrument(ctx, out.Instrument, false)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, out.Instrument, outs[0].Instrument)

	ids, err := st.store.Identifiers(ctx, out.Instrument)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	_, err = st.admin.RefreshInstrument(ctx, 999, false)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestOverrideUser_IsolatedFromOtherUsers(t *testing.T) {
	ctx := context.Background()
	p := resolvertest.Returning("p", tescoISIN)
	st := bootstrapped(t, p)
	st.addTransactions(t, 1, tesco)
	st.addTransactions(t, 2, tesco)

	canonical, err := st.engine.Resolve(ctx, models.ScopedDescriptor{User: 2, Descriptor: tesco}, engine.Options{})
	require.NoError(t, err)

	private := models.Identifier{Namespace: "INTERNAL", Value: "TSCO-LEGACY"}
	out, err := st.admin.OverrideUser(ctx, 1, tesco, []models.Identifier{private}, models.InstrumentStock)
	require.NoError(t, err)
	assert.Equal(t, models.LayerUser, out.Layer)
	assert.NotEqual(t, canonical.Instrument, out.Instrument)

	// A canonical refresh leaves the override alone.
	_, err = st.admin.RefreshDescriptors(ctx, []models.Descriptor{tesco}, true)
	require.NoError(t, err)

	inst, layer, err := st.store.FindByDescriptor(ctx, 1, tesco)
	require.NoError(t, err)
	assert.Equal(t, out.Instrument, inst.ID)
	assert.Equal(t, models.LayerUser, layer)

	inst, layer, err = st.store.FindByDescriptor(ctx, 2, tesco)
	require.NoError(t, err)
	assert.Equal(t, canonical.Instrument, inst.ID)
	assert.Equal(t, models.LayerCanonical, layer)

	_, _, err = st.store.FindByIdentifier(ctx, 2, private.Ref())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	for user, want := range map[models.UserID]models.InstrumentID{1: out.Instrument, 2: canonical.Instrument} {
		txs, err := st.store.Transactions(ctx, store.TransactionFilter{User: user})
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, want, txs[0].Instrument)
	}
}

func TestOverrideUser_ReusesCanonicalInstrument(t *testing.T) {
	ctx := context.Background()
	st := bootstrapped(t, resolvertest.Returning("p", tescoISIN))

	canonical, err := st.engine.Resolve(ctx, models.ScopedDescriptor{User: 2, Descriptor: tesco}, engine.Options{})
	require.NoError(t, err)

	other := models.NewSymbolDescriptor("", "LSE", "TSCO", "GBP")
	out, err := st.admin.OverrideUser(ctx, 1, other, []models.Identifier{tescoISIN}, "")
	require.NoError(t, err)
	assert.Equal(t, canonical.Instrument, out.Instrument)

	_, err = st.admin.OverrideUser(ctx, models.NoUser, other, []models.Identifier{tescoISIN}, "")
	assert.ErrorIs(t, err, apperrors.ErrInputValidation)
}

func TestOverrideCanonical(t *testing.T) {
	ctx := context.Background()
	st := bootstrapped(t, resolvertest.NotFound("p"))

	out, err := st.admin.OverrideCanonical(ctx, tesco, []models.Identifier{tescoISIN}, models.InstrumentStock)
	require.NoError(t, err)
	assert.Equal(t, models.StateResolved, out.State)

	resolved, err := st.engine.Resolve(ctx, models.ScopedDescriptor{User: 7, Descriptor: tesco}, engine.Options{})
	require.NoError(t, err)
	assert.Equal(t, out.Instrument, resolved.Instrument)

	inst, err := st.store.GetInstrument(ctx, out.Instrument)
	require.NoError(t, err)
	assert.Equal(t, models.InstrumentStock, inst.Type)

	conflicts, err := st.admin.Conflicts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestRetries_ListsPendingDescriptors(t *testing.T) {
	ctx := context.Background()
	st := bootstrapped(t, resolvertest.Transient("flaky"))

	_, err := st.engine.Resolve(ctx, models.ScopedDescriptor{User: 1, Descriptor: tesco}, engine.Options{})
	require.NoError(t, err)

	recs, err := st.admin.Retries(ctx, store.RetryFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].RetryCount)
	assert.Equal(t, tesco.Key(), recs[0].Descriptor.Key())
}
