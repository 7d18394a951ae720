package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "portfolio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedInstrument creates an instrument carrying ids and maps d to it canonically.
func seedInstrument(t *testing.T, s *SQLiteStore, d *models.Descriptor, ids ...models.Identifier) *models.Instrument {
	t.Helper()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	inst, err := tx.CreateInstrument(ctx, models.InstrumentStock)
	require.NoError(t, err)
	for _, id := range ids {
		require.NoError(t, tx.AttachIdentifier(ctx, inst.ID, id))
	}
	if d != nil {
		require.NoError(t, tx.LinkDescriptor(ctx, DescriptorLink{
			Layer:      models.LayerCanonical,
			Descriptor: *d,
			Instrument: inst.ID,
			Source:     "test",
		}))
	}
	require.NoError(t, tx.Commit())
	return inst
}

func isin(v string) models.Identifier {
	return models.Identifier{Namespace: models.NamespaceISIN, Value: v, Source: "test"}
}

func addTransactions(t *testing.T, s *SQLiteStore, user models.UserID, d models.Descriptor, inst models.InstrumentID, n int) {
	t.Helper()
	txs := make([]models.Transaction, n)
	for i := range txs {
		txs[i] = models.Transaction{
			User:       user,
			Descriptor: d,
			Instrument: inst,
			Units:      decimal.NewFromInt(int64(i + 1)),
			TradeDate:  time.Date(2024, 1, i+1, 0, 0, 0, 0, time.UTC),
			Type:       models.TxBuy,
		}
	}
	_, err := s.AddTransactions(context.Background(), txs)
	require.NoError(t, err)
}

func TestNewSQLiteStore_SchemaVersion(t *testing.T) {
	s := newTestStore(t)

	var version int
	require.NoError(t, s.DB().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestFindByDescriptor_UserLayerShadowsCanonical(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d := models.NewDescriptionDescriptor("ib", "Apple Inc")
	canonical := seedInstrument(t, s, &d, isin("US0378331005"))
	private := seedInstrument(t, s, nil)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.LinkDescriptor(ctx, DescriptorLink{
		Layer: models.LayerUser, User: 7, Descriptor: d, Instrument: private.ID,
	}))
	require.NoError(t, tx.Commit())

	inst, layer, err := s.FindByDescriptor(ctx, 7, d)
	require.NoError(t, err)
	assert.Equal(t, private.ID, inst.ID)
	assert.Equal(t, models.LayerUser, layer)

	inst, layer, err = s.FindByDescriptor(ctx, 8, d)
	require.NoError(t, err)
	assert.Equal(t, canonical.ID, inst.ID)
	assert.Equal(t, models.LayerCanonical, layer)

	// Keys are normalised, so broker whitespace and case do not matter.
	inst, _, err = s.FindByDescriptor(ctx, models.NoUser, models.NewDescriptionDescriptor(" IB ", "Apple   Inc"))
	require.NoError(t, err)
	assert.Equal(t, canonical.ID, inst.ID)

	_, layer, err = s.FindByDescriptor(ctx, 7, models.NewDescriptionDescriptor("ib", "Unknown Corp"))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, models.LayerNone, layer)
}

func TestFindByIdentifier(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inst := seedInstrument(t, s, nil, isin("us0378331005"))

	found, layer, err := s.FindByIdentifier(ctx, models.NoUser, isin("US0378331005").Ref())
	require.NoError(t, err)
	assert.Equal(t, inst.ID, found.ID)
	assert.Equal(t, models.LayerCanonical, layer)

	_, _, err = s.FindByIdentifier(ctx, models.NoUser, isin("US5949181045").Ref())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestAttachIdentifier_OwnedByAnotherInstrument(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seedInstrument(t, s, nil, isin("US0378331005"))
	other := seedInstrument(t, s, nil)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	err = tx.AttachIdentifier(ctx, other.ID, isin("US0378331005"))
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestAttachIdentifier_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inst := seedInstrument(t, s, nil, isin("US0378331005"))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AttachIdentifier(ctx, inst.ID, models.Identifier{
		Namespace: models.NamespaceISIN, Value: "US0378331005", Source: "reference", Authoritative: true,
	}))
	require.NoError(t, tx.Commit())

	ids, err := s.Identifiers(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.True(t, ids[0].Authoritative)
	assert.Equal(t, "reference", ids[0].Source)
}

func TestTouchInstrument_StaleVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inst := seedInstrument(t, s, nil)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.TouchInstrument(ctx, inst.ID, inst.Version))
	require.NoError(t, tx.Commit())

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	assert.ErrorIs(t, tx.TouchInstrument(ctx, inst.ID, inst.Version), apperrors.ErrConflict)
}

func TestRepointTransactions_CanonicalSkipsUserOverrides(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d := models.NewSymbolDescriptor("", "NSE", "INFY", "INR")
	target := seedInstrument(t, s, nil)
	private := seedInstrument(t, s, nil)

	addTransactions(t, s, 1, d, 0, 2)
	addTransactions(t, s, 2, d, 0, 3)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.LinkDescriptor(ctx, DescriptorLink{
		Layer: models.LayerUser, User: 2, Descriptor: d, Instrument: private.ID,
	}))
	n, err := tx.RepointTransactions(ctx, models.LayerCanonical, models.NoUser, d, target.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = tx.RepointTransactions(ctx, models.LayerUser, 2, d, private.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, tx.Commit())

	txs, err := s.Transactions(ctx, TransactionFilter{User: 1})
	require.NoError(t, err)
	for _, tr := range txs {
		assert.Equal(t, target.ID, tr.Instrument)
	}
	txs, err = s.Transactions(ctx, TransactionFilter{User: 2})
	require.NoError(t, err)
	for _, tr := range txs {
		assert.Equal(t, private.ID, tr.Instrument)
	}
}

func TestRollback_DiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d := models.NewDescriptionDescriptor("ib", "Apple Inc")
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	inst, err := tx.CreateInstrument(ctx, models.InstrumentStock)
	require.NoError(t, err)
	require.NoError(t, tx.LinkDescriptor(ctx, DescriptorLink{
		Layer: models.LayerCanonical, Descriptor: d, Instrument: inst.ID, Source: "test",
	}))
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback())

	_, _, err = s.FindByDescriptor(ctx, models.NoUser, d)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// ============================================================================
// Merges
// ============================================================================

func TestMergeInstruments_MovesEverything(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	loserDesc := models.NewDescriptionDescriptor("ib", "Apple Inc")
	survivorDesc := models.NewSymbolDescriptor("", "NASDAQ", "AAPL", "USD")
	survivor := seedInstrument(t, s, &survivorDesc, isin("US0378331005"))
	loser := seedInstrument(t, s, &loserDesc, models.Identifier{Namespace: models.NamespaceCUSIP, Value: "037833100", Source: "test"})

	addTransactions(t, s, 1, loserDesc, loser.ID, 5)
	addTransactions(t, s, 1, survivorDesc, survivor.ID, 2)
	require.NoError(t, s.AddPrice(ctx, models.Price{Instrument: loser.ID, AsOf: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Price: decimal.NewFromInt(170)}))

	res, err := s.MergeInstruments(ctx, MergeRequest{
		Loser: loser.ID, LoserVersion: loser.Version,
		Survivor: survivor.ID, SurvivorVersion: survivor.Version,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Transactions)
	assert.Equal(t, int64(1), res.Prices)
	assert.Equal(t, int64(1), res.Identifiers)
	assert.Equal(t, int64(1), res.Descriptors)

	txs, err := s.Transactions(ctx, TransactionFilter{Instrument: survivor.ID})
	require.NoError(t, err)
	assert.Len(t, txs, 7)

	merged, err := s.GetInstrument(ctx, loser.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMerged, merged.Status)

	final, err := s.ResolveRedirect(ctx, loser.ID)
	require.NoError(t, err)
	assert.Equal(t, survivor.ID, final)

	inst, _, err := s.FindByDescriptor(ctx, models.NoUser, loserDesc)
	require.NoError(t, err)
	assert.Equal(t, survivor.ID, inst.ID)

	redirects, err := s.Redirects(ctx, survivor.ID)
	require.NoError(t, err)
	require.Len(t, redirects, 1)
	assert.Equal(t, loser.ID, redirects[0].Loser)
}

func TestMergeInstruments_ChainedRedirects(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := seedInstrument(t, s, nil)
	b := seedInstrument(t, s, nil)
	c := seedInstrument(t, s, nil)

	_, err := s.MergeInstruments(ctx, MergeRequest{Loser: a.ID, LoserVersion: a.Version, Survivor: b.ID, SurvivorVersion: b.Version})
	require.NoError(t, err)

	b, err = s.GetInstrument(ctx, b.ID)
	require.NoError(t, err)
	_, err = s.MergeInstruments(ctx, MergeRequest{Loser: b.ID, LoserVersion: b.Version, Survivor: c.ID, SurvivorVersion: c.Version})
	require.NoError(t, err)

	final, err := s.ResolveRedirect(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, final)
}

func TestMergeInstruments_RollsBackOnDuplicatePrice(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	survivor := seedInstrument(t, s, nil)
	loser := seedInstrument(t, s, nil)
	d := models.NewDescriptionDescriptor("ib", "Apple Inc")
	addTransactions(t, s, 1, d, loser.ID, 3)

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddPrice(ctx, models.Price{Instrument: survivor.ID, AsOf: day, Price: decimal.NewFromInt(1)}))
	require.NoError(t, s.AddPrice(ctx, models.Price{Instrument: loser.ID, AsOf: day, Price: decimal.NewFromInt(2)}))

	_, err := s.MergeInstruments(ctx, MergeRequest{
		Loser: loser.ID, LoserVersion: loser.Version,
		Survivor: survivor.ID, SurvivorVersion: survivor.Version,
	})
	var mergeErr *apperrors.MergeError
	require.ErrorAs(t, err, &mergeErr)
	assert.ErrorIs(t, err, apperrors.ErrMergeFailed)

	for _, id := range []models.InstrumentID{survivor.ID, loser.ID} {
		inst, err := s.GetInstrument(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, inst.Status)
		assert.Equal(t, int64(1), inst.Version)
	}
	txs, err := s.Transactions(ctx, TransactionFilter{Instrument: loser.ID})
	require.NoError(t, err)
	assert.Len(t, txs, 3)
}

func TestMergeInstruments_StaleVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	survivor := seedInstrument(t, s, nil)
	loser := seedInstrument(t, s, nil)

	_, err := s.MergeInstruments(ctx, MergeRequest{
		Loser: loser.ID, LoserVersion: loser.Version + 1,
		Survivor: survivor.ID, SurvivorVersion: survivor.Version,
	})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	inst, err := s.GetInstrument(ctx, survivor.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inst.Version)

	_, err = s.MergeInstruments(ctx, MergeRequest{Loser: loser.ID, Survivor: loser.ID})
	assert.ErrorIs(t, err, apperrors.ErrInputValidation)
}

// Property: merging an instrument holding n transactions into one holding m
// leaves the survivor with n+m transactions and the loser with none.
func TestProperty_MergeConservesTransactions(t *testing.T) {
	s := newTestStore(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("merge moves every transaction to the survivor", prop.ForAll(
		func(n, m int) bool {
			ctx := context.Background()
			survivor := seedInstrument(t, s, nil)
			loser := seedInstrument(t, s, nil)
			d := models.NewDescriptionDescriptor("ib", "prop")
			addTransactions(t, s, 1, d, loser.ID, n)
			addTransactions(t, s, 1, d, survivor.ID, m)

			if _, err := s.MergeInstruments(ctx, MergeRequest{
				Loser: loser.ID, LoserVersion: loser.Version,
				Survivor: survivor.ID, SurvivorVersion: survivor.Version,
			}); err != nil {
				return false
			}
			onSurvivor, err := s.Transactions(ctx, TransactionFilter{Instrument: survivor.ID})
			if err != nil {
				return false
			}
			onLoser, err := s.Transactions(ctx, TransactionFilter{Instrument: loser.ID})
			if err != nil {
				return false
			}
			return len(onSurvivor) == n+m && len(onLoser) == 0
		},
		gen.IntRange(0, 10),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}

// ============================================================================
// Retries, precedence, conflicts
// ============================================================================

func TestRetries_DueAndExhausted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	desc := models.NewDescriptionDescriptor("ib", "Mystery Fund")
	sym := models.NewSymbolDescriptor("", "LSE", "XYZ", "GBP")
	later := models.NewSymbolDescriptor("", "LSE", "ABC", "GBP")
	gone := models.NewDescriptionDescriptor("ib", "Delisted Co")

	require.NoError(t, s.UpsertRetry(ctx, models.RetryRecord{User: 1, Descriptor: desc, RetryCount: 1, LastAttempted: now, NextEligible: now.Add(-time.Minute)}))
	require.NoError(t, s.UpsertRetry(ctx, models.RetryRecord{User: 2, Descriptor: sym, RetryCount: 2, LastAttempted: now, NextEligible: now.Add(-time.Hour)}))
	require.NoError(t, s.UpsertRetry(ctx, models.RetryRecord{User: 1, Descriptor: later, RetryCount: 1, LastAttempted: now, NextEligible: now.Add(time.Hour)}))
	require.NoError(t, s.UpsertRetry(ctx, models.RetryRecord{User: 1, Descriptor: gone, RetryCount: 9, LastAttempted: now, NextEligible: now.Add(-time.Hour), Exhausted: true}))

	due, err := s.DueRetries(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, sym.Key(), due[0].Descriptor.Key())
	assert.Equal(t, desc.Key(), due[1].Descriptor.Key())

	count, err := s.CountRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	all, err := s.ListRetries(ctx, RetryFilter{Kind: models.KindSymbol})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	rec, err := s.GetRetry(ctx, desc)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RetryCount)
	assert.True(t, rec.NextEligible.Equal(now.Add(-time.Minute)))

	// Upserting the same descriptor for another user replaces the record.
	require.NoError(t, s.UpsertRetry(ctx, models.RetryRecord{User: 3, Descriptor: desc, RetryCount: 2, LastAttempted: now, NextEligible: now.Add(time.Minute)}))
	rec, err = s.GetRetry(ctx, desc)
	require.NoError(t, err)
	assert.Equal(t, models.UserID(3), rec.User)
	assert.Equal(t, 2, rec.RetryCount)

	// A canonical-scope attempt keeps the user of the latest user failure.
	require.NoError(t, s.UpsertRetry(ctx, models.RetryRecord{User: models.NoUser, Descriptor: desc, RetryCount: 3, LastAttempted: now, NextEligible: now.Add(2 * time.Minute)}))
	rec, err = s.GetRetry(ctx, desc)
	require.NoError(t, err)
	assert.Equal(t, models.UserID(3), rec.User)
	assert.Equal(t, 3, rec.RetryCount)

	require.NoError(t, s.DeleteRetry(ctx, desc))
	_, err = s.GetRetry(ctx, desc)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestPrecedence_SaveReplacesOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SavePrecedence(ctx, []models.PrecedenceEntry{
		{Name: "reference", Rank: 1, Enabled: true},
		{Name: "openfigi", Rank: 2, Enabled: true},
	}))
	require.NoError(t, s.SavePrecedence(ctx, []models.PrecedenceEntry{
		{Name: "openfigi", Rank: 1, Enabled: true},
		{Name: "reference", Rank: 2, Enabled: false},
		{Name: "kite", Rank: 3, Enabled: true},
	}))

	entries, err := s.LoadPrecedence(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "openfigi", entries[0].Name)
	assert.False(t, entries[1].Enabled)
	assert.Equal(t, 3, entries[2].Rank)
}

func TestConflicts_RecordAndList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d := models.NewSymbolDescriptor("", "NYSE", "BRK.B", "USD")
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.RecordConflict(ctx, models.Conflict{
		Descriptor: d,
		Winner:     "reference",
		Candidates: map[string][]models.IdentifierRef{
			"reference": {{Namespace: "ISIN", Value: "US0846707026"}},
			"openfigi":  {{Namespace: "ISIN", Value: "US0846701086"}},
		},
	}))
	require.NoError(t, tx.Commit())

	conflicts, err := s.ListConflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, "reference", c.Winner)
	assert.Equal(t, d.Key(), c.Descriptor.Key())
	assert.Equal(t, "US0846701086", c.Candidates["openfigi"][0].Value)
}

func TestStaleMappings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	past := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return past })
	old := models.NewDescriptionDescriptor("ib", "Old Mapping")
	seedInstrument(t, s, &old)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	inst, err := tx.CreateInstrument(ctx, models.InstrumentStock)
	require.NoError(t, err)
	pinned := models.NewDescriptionDescriptor("ib", "Pinned")
	require.NoError(t, tx.LinkDescriptor(ctx, DescriptorLink{
		Layer: models.LayerCanonical, Descriptor: pinned, Instrument: inst.ID, Source: "USER", Authoritative: true,
	}))
	require.NoError(t, tx.Commit())

	s.SetClock(func() time.Time { return past.Add(48 * time.Hour) })
	fresh := models.NewDescriptionDescriptor("ib", "Fresh Mapping")
	seedInstrument(t, s, &fresh)

	stale, err := s.StaleMappings(ctx, past.Add(24*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.Key(), stale[0].Descriptor.Key())
}

func TestSweepState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	last, err := s.GetLastSweep(ctx, SweepRetries)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetLastSweep(ctx, SweepRetries, now))
	last, err = s.GetLastSweep(ctx, SweepRetries)
	require.NoError(t, err)
	assert.True(t, last.Equal(now))
}

// ============================================================================
// Ledger
// ============================================================================

func TestTransactions_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	batch := &models.Batch{User: 4, Broker: "ib", TotalRecords: 2}
	require.NoError(t, s.CreateBatch(ctx, batch))
	require.NotZero(t, batch.ID)
	assert.Equal(t, models.BatchPending, batch.Status)

	settled := time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC)
	d := models.NewSymbolDescriptor("", "nse", "infy", "inr")
	ids, err := s.AddTransactions(ctx, []models.Transaction{
		{
			User: 4, AccountID: "U123", Descriptor: d,
			Units:     decimal.RequireFromString("10.5"),
			UnitPrice: decimal.NewNullDecimal(decimal.RequireFromString("1450.25")),
			Currency:  "INR", TradeDate: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			SettledDate: &settled, Type: models.TxBuy, BatchID: batch.ID,
		},
		{
			User: 4, AccountID: "U123", Descriptor: d,
			Units:     decimal.NewFromInt(-2),
			Currency:  "INR", TradeDate: time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC),
			Type: models.TxSell, BatchID: batch.ID,
		},
	})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	txs, err := s.Transactions(ctx, TransactionFilter{BatchID: batch.ID, Unresolved: true})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.True(t, txs[0].Units.Equal(decimal.RequireFromString("10.5")))
	assert.True(t, txs[0].UnitPrice.Valid)
	assert.True(t, txs[0].UnitPrice.Decimal.Equal(decimal.RequireFromString("1450.25")))
	require.NotNil(t, txs[0].SettledDate)
	assert.True(t, txs[0].SettledDate.Equal(settled))
	assert.Equal(t, "INFY", txs[0].Descriptor.Symbol)
	assert.Equal(t, d.Key(), txs[0].Descriptor.Key())
	assert.False(t, txs[1].UnitPrice.Valid)
	assert.Nil(t, txs[1].SettledDate)

	processed := time.Now().UTC()
	batch.Status = models.BatchCompleted
	batch.ProcessedRecords = 2
	batch.ProcessedAt = &processed
	require.NoError(t, s.UpdateBatch(ctx, batch))

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, got.Status)
	assert.Equal(t, 2, got.ProcessedRecords)
	assert.NotNil(t, got.ProcessedAt)

	_, err = s.GetBatch(ctx, batch.ID+100)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDerivatives(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	underlying := seedInstrument(t, s, nil)
	option := seedInstrument(t, s, nil)

	expiry := time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddDerivative(ctx, models.Derivative{
		Instrument: option.ID, Underlying: underlying.ID, Expiration: expiry,
		PutCall: models.Call, Strike: decimal.NewFromInt(200), Multiplier: decimal.NewFromInt(100),
	}))

	got, err := s.GetDerivative(ctx, option.ID)
	require.NoError(t, err)
	assert.Equal(t, underlying.ID, got.Underlying)
	assert.Equal(t, models.Call, got.PutCall)
	assert.True(t, got.Expiration.Equal(expiry))
	assert.True(t, got.Strike.Equal(decimal.NewFromInt(200)))

	_, err = s.GetDerivative(ctx, underlying.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
