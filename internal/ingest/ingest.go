// Package ingest accepts broker records, stores their transactions and
// resolves the descriptors they carry.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/leedenison/portfoliodb/internal/engine"
	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/models"
)

// Store is the persistence ingestion needs.
type Store interface {
	AddTransactions(ctx context.Context, txs []models.Transaction) ([]int64, error)
	AssignBatchTransactions(ctx context.Context, batchID int64, d models.Descriptor, instrument models.InstrumentID) (int64, error)
	CreateBatch(ctx context.Context, b *models.Batch) error
	UpdateBatch(ctx context.Context, b *models.Batch) error
}

// Resolver resolves descriptors for a user.
type Resolver interface {
	ResolveBatch(ctx context.Context, sds []models.ScopedDescriptor, opts engine.Options) ([]models.Outcome, error)
}

var _ Resolver = (*engine.Engine)(nil)

// Record is one validated broker record: a descriptor and the transactions
// that reference it.
type Record struct {
	Descriptor   models.Descriptor
	Transactions []models.Transaction
}

// Batch is a set of records submitted together by one user.
type Batch struct {
	User    models.UserID
	Broker  string
	Records []Record
}

// Status is the per-record result of an ingestion.
type Status string

const (
	StatusResolved   Status = "resolved"
	StatusUnresolved Status = "unresolved"
	StatusError      Status = "error"
)

// Result reports what happened to one record.
type Result struct {
	Descriptor models.Descriptor
	Status     Status
	// Instrument is set when Status is StatusResolved.
	Instrument models.InstrumentID
	// Raw is the broker string to present while the record is unresolved.
	Raw string
	// Pending is set when the descriptor will be retried.
	Pending bool
	Err     error
}

// Summary is the result of ingesting a batch.
type Summary struct {
	BatchID    int64
	Results    []Result
	Resolved   int
	Unresolved int
	Errors     int
	// PartialValuation is set when any record is unresolved, so holdings
	// built from the batch cannot be fully valued yet.
	PartialValuation bool
}

// Ingester runs ingestions.
type Ingester struct {
	store    Store
	resolver Resolver
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates an Ingester.
func New(s Store, r Resolver, logger zerolog.Logger) *Ingester {
	return &Ingester{
		store:    s,
		resolver: r,
		logger:   logger.With().Str("component", "ingest").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ingest stores the transactions of b and resolves its descriptors. The
// returned error reports failures of the batch itself; records that could
// not be resolved are reported in the summary.
func (in *Ingester) Ingest(ctx context.Context, b Batch) (*Summary, error) {
	if b.User == models.NoUser {
		return nil, apperrors.NewValidationError("user", b.User, "batch requires a user")
	}
	for i, rec := range b.Records {
		if err := rec.Descriptor.Validate(); err != nil {
			return nil, apperrors.NewValidationError(fmt.Sprintf("records[%d].descriptor", i), rec.Descriptor.Raw(), err.Error())
		}
	}

	batch := &models.Batch{
		User:         b.User,
		Broker:       b.Broker,
		Status:       models.BatchPending,
		TotalRecords: len(b.Records),
	}
	if err := in.store.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}
	logger := in.logger.With().Int64("batch_id", batch.ID).Int64("user_id", int64(b.User)).Logger()
	logger.Info().Int("records", len(b.Records)).Msg("Ingesting batch")

	var txs []models.Transaction
	for _, rec := range b.Records {
		for _, t := range rec.Transactions {
			t.User = b.User
			t.Descriptor = rec.Descriptor
			t.BatchID = batch.ID
			t.Instrument = 0
			txs = append(txs, t)
		}
	}
	if _, err := in.store.AddTransactions(ctx, txs); err != nil {
		return nil, in.fail(ctx, logger, batch, err)
	}

	batch.Status = models.BatchResolving
	if err := in.store.UpdateBatch(ctx, batch); err != nil {
		return nil, in.fail(ctx, logger, batch, err)
	}

	// Records sharing a descriptor are resolved once.
	index := make(map[string]int)
	var sds []models.ScopedDescriptor
	for _, rec := range b.Records {
		key := rec.Descriptor.String()
		if _, ok := index[key]; ok {
			continue
		}
		index[key] = len(sds)
		sds = append(sds, models.ScopedDescriptor{User: b.User, Descriptor: rec.Descriptor})
	}
	outcomes, _ := in.resolver.ResolveBatch(ctx, sds, engine.Options{})
	if err := ctx.Err(); err != nil {
		return nil, in.fail(ctx, logger, batch, err)
	}

	summary := &Summary{BatchID: batch.ID, Results: make([]Result, len(b.Records))}
	assigned := make(map[string]bool)
	for i, rec := range b.Records {
		key := rec.Descriptor.String()
		out := outcomes[index[key]]
		res := Result{Descriptor: rec.Descriptor, Raw: rec.Descriptor.Raw(), Err: out.Err}

		switch {
		case out.Resolved():
			res.Status = StatusResolved
			res.Instrument = out.Instrument
			if !assigned[key] {
				if _, err := in.store.AssignBatchTransactions(ctx, batch.ID, rec.Descriptor, out.Instrument); err != nil {
					return nil, in.fail(ctx, logger, batch, err)
				}
				assigned[key] = true
			}
			summary.Resolved++
		case out.State == models.StateUnresolved && out.Err != nil:
			res.Status = StatusError
			summary.Errors++
		default:
			res.Status = StatusUnresolved
			res.Pending = out.Pending
			summary.Unresolved++
		}
		summary.Results[i] = res
	}
	summary.PartialValuation = summary.Unresolved+summary.Errors > 0

	processed := in.now()
	batch.Status = models.BatchCompleted
	batch.ProcessedRecords = len(b.Records)
	batch.ErrorCount = summary.Errors
	batch.ProcessedAt = &processed
	if err := in.store.UpdateBatch(ctx, batch); err != nil {
		return nil, err
	}

	logger.Info().
		Int("resolved", summary.Resolved).
		Int("unresolved", summary.Unresolved).
		Int("errors", summary.Errors).
		Bool("partial_valuation", summary.PartialValuation).
		Msg("Batch ingested")
	return summary, nil
}

// fail marks the batch failed and returns err.
func (in *Ingester) fail(ctx context.Context, logger zerolog.Logger, batch *models.Batch, err error) error {
	processed := in.now()
	batch.Status = models.BatchFailed
	batch.ErrorMessage = err.Error()
	batch.ProcessedAt = &processed
	if uerr := in.store.UpdateBatch(context.WithoutCancel(ctx), batch); uerr != nil {
		logger.Error().Err(uerr).Msg("Failed to mark batch failed")
	}
	logger.Error().Err(err).Msg("Batch ingestion failed")
	return fmt.Errorf("failed to ingest batch %d: %w", batch.ID, err)
}
