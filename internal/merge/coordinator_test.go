package merge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/models"
	"github.com/leedenison/portfoliodb/internal/store"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "merge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createInstrument(t *testing.T, s *store.SQLiteStore, at time.Time) *models.Instrument {
	t.Helper()
	ctx := context.Background()
	s.SetClock(func() time.Time { return at })

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	inst, err := tx.CreateInstrument(ctx, models.InstrumentStock)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return inst
}

// racingStore fails the first merge with a version conflict, as if another
// writer touched one of the instruments between read and write.
type racingStore struct {
	*store.SQLiteStore
	failures int
	calls    int
}

func (r *racingStore) MergeInstruments(ctx context.Context, req store.MergeRequest) (*store.MergeResult, error) {
	r.calls++
	if r.calls <= r.failures {
		return nil, apperrors.Wrapf(apperrors.ErrConflict, "instrument %d changed", req.Survivor)
	}
	return r.SQLiteStore.MergeInstruments(ctx, req)
}

func TestSurvivor(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	older := &models.Instrument{ID: 9, CreatedAt: t0}
	newer := &models.Instrument{ID: 2, CreatedAt: t0.Add(time.Second)}

	s, l := Survivor(newer, older)
	assert.Equal(t, models.InstrumentID(9), s.ID)
	assert.Equal(t, models.InstrumentID(2), l.ID)

	tieA := &models.Instrument{ID: 5, CreatedAt: t0}
	tieB := &models.Instrument{ID: 3, CreatedAt: t0}
	s, _ = Survivor(tieA, tieB)
	assert.Equal(t, models.InstrumentID(3), s.ID)
	s, _ = Survivor(tieB, tieA)
	assert.Equal(t, models.InstrumentID(3), s.ID)
}

func TestMerge_EarliestInstrumentSurvives(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Created later but with the lower key.
	late := createInstrument(t, s, t0.Add(time.Hour))
	early := createInstrument(t, s, t0)

	c := NewCoordinator(s, zerolog.Nop())
	out, err := c.Merge(ctx, late.ID, early.ID)
	require.NoError(t, err)
	assert.Equal(t, early.ID, out.Survivor)
	assert.Equal(t, late.ID, out.Loser)

	inst, err := s.GetInstrument(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMerged, inst.Status)

	// Merging again through the redirect is a no-op.
	out, err = c.Merge(ctx, late.ID, early.ID)
	require.NoError(t, err)
	assert.Equal(t, early.ID, out.Survivor)
	assert.Zero(t, out.Loser)
}

func TestMerge_RetriesOnceOnConflict(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := createInstrument(t, s, t0)
	b := createInstrument(t, s, t0.Add(time.Minute))

	racing := &racingStore{SQLiteStore: s, failures: 1}
	c := NewCoordinator(racing, zerolog.Nop())

	out, err := c.Merge(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, racing.calls)
	assert.Equal(t, a.ID, out.Survivor)
}

func TestMerge_SurfacesRepeatedConflict(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := createInstrument(t, s, t0)
	b := createInstrument(t, s, t0.Add(time.Minute))

	racing := &racingStore{SQLiteStore: s, failures: 2}
	c := NewCoordinator(racing, zerolog.Nop())

	_, err := c.Merge(ctx, a.ID, b.ID)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, 2, racing.calls)
}

func TestMerge_ConstraintViolationLeavesBothActive(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := createInstrument(t, s, t0)
	b := createInstrument(t, s, t0.Add(time.Minute))

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddPrice(ctx, models.Price{Instrument: a.ID, AsOf: day, Price: decimal.NewFromInt(10)}))
	require.NoError(t, s.AddPrice(ctx, models.Price{Instrument: b.ID, AsOf: day, Price: decimal.NewFromInt(11)}))

	c := NewCoordinator(s, zerolog.Nop())
	_, err := c.Merge(ctx, a.ID, b.ID)
	var mergeErr *apperrors.MergeError
	require.ErrorAs(t, err, &mergeErr)
	assert.Equal(t, int64(b.ID), mergeErr.Loser)

	for _, id := range []models.InstrumentID{a.ID, b.ID} {
		inst, err := s.GetInstrument(ctx, id)
		require.NoError(t, err)
		assert.True(t, inst.IsActive())
	}
}

func TestMergeAll(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	target := createInstrument(t, s, t0.Add(2*time.Minute))
	oldest := createInstrument(t, s, t0)
	blocked := createInstrument(t, s, t0.Add(time.Minute))
	plain := createInstrument(t, s, t0.Add(3*time.Minute))

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddPrice(ctx, models.Price{Instrument: target.ID, AsOf: day, Price: decimal.NewFromInt(1)}))
	require.NoError(t, s.AddPrice(ctx, models.Price{Instrument: blocked.ID, AsOf: day, Price: decimal.NewFromInt(2)}))

	c := NewCoordinator(s, zerolog.Nop())
	survivor, merged, err := c.MergeAll(ctx, target.ID, []models.InstrumentID{oldest.ID, blocked.ID, plain.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrMergeFailed)
	assert.Equal(t, oldest.ID, survivor)
	assert.ElementsMatch(t, []models.InstrumentID{target.ID, plain.ID}, merged)

	inst, err := s.GetInstrument(ctx, blocked.ID)
	require.NoError(t, err)
	assert.True(t, inst.IsActive())
}
