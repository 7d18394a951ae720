package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/models"
)

// ============================================================================
// Transactions
// ============================================================================

// AddTransactions implements Ledger. Transactions without an instrument are
// stored unresolved.
func (s *SQLiteStore) AddTransactions(ctx context.Context, txs []models.Transaction) ([]int64, error) {
	if len(txs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transactions
			(user_id, account_id, kind, key, raw, instrument_id, units, unit_price,
			 currency, trade_date, settled_date, type, batch_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(txs))
	for _, t := range txs {
		n := t.Descriptor.Normalize()
		instrument := sql.NullInt64{Int64: int64(t.Instrument), Valid: t.Instrument != 0}
		var settled sql.NullTime
		if t.SettledDate != nil {
			settled = sql.NullTime{Time: t.SettledDate.UTC(), Valid: true}
		}
		batch := sql.NullInt64{Int64: t.BatchID, Valid: t.BatchID != 0}

		res, err := stmt.ExecContext(ctx, t.User, t.AccountID, n.Kind, n.Key(), t.Descriptor.Raw(),
			instrument, t.Units, t.UnitPrice, t.Currency, t.TradeDate.UTC(), settled, t.Type, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to insert transaction: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read transaction id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return ids, nil
}

// AssignBatchTransactions implements Ledger.
func (s *SQLiteStore) AssignBatchTransactions(ctx context.Context, batchID int64, d models.Descriptor, instrument models.InstrumentID) (int64, error) {
	n := d.Normalize()
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET instrument_id = ?
		WHERE batch_id = ? AND kind = ? AND key = ? AND instrument_id IS NULL
	`, instrument, batchID, n.Kind, n.Key())
	if err != nil {
		return 0, fmt.Errorf("failed to assign batch transactions: %w", err)
	}
	return res.RowsAffected()
}

// Transactions implements Ledger.
func (s *SQLiteStore) Transactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error) {
	query := `
		SELECT id, user_id, account_id, kind, key, instrument_id, units, unit_price,
		       currency, trade_date, settled_date, type, batch_id
		FROM transactions WHERE 1=1`
	var args []any

	if filter.User != models.NoUser {
		query += " AND user_id = ?"
		args = append(args, filter.User)
	}
	if filter.Instrument != 0 {
		query += " AND instrument_id = ?"
		args = append(args, filter.Instrument)
	}
	if filter.Descriptor != nil {
		n := filter.Descriptor.Normalize()
		query += " AND kind = ? AND key = ?"
		args = append(args, n.Kind, n.Key())
	}
	if filter.BatchID != 0 {
		query += " AND batch_id = ?"
		args = append(args, filter.BatchID)
	}
	if filter.Unresolved {
		query += " AND instrument_id IS NULL"
	}
	query += " ORDER BY trade_date, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var kind models.DescriptorKind
		var key string
		var instrument, batch sql.NullInt64
		var settled sql.NullTime
		if err := rows.Scan(&t.ID, &t.User, &t.AccountID, &kind, &key, &instrument,
			&t.Units, &t.UnitPrice, &t.Currency, &t.TradeDate, &settled, &t.Type, &batch); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Descriptor = keyDescriptor(kind, key)
		t.Instrument = models.InstrumentID(instrument.Int64)
		t.BatchID = batch.Int64
		if settled.Valid {
			st := settled.Time
			t.SettledDate = &st
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return out, nil
}

// keyDescriptor rebuilds the normalised descriptor from its lookup key.
func keyDescriptor(kind models.DescriptorKind, key string) models.Descriptor {
	if kind == models.KindSymbol {
		parts := strings.SplitN(key, "|", 4)
		for len(parts) < 4 {
			parts = append(parts, "")
		}
		return models.NewSymbolDescriptor(parts[0], parts[1], parts[2], parts[3])
	}
	broker, description, _ := strings.Cut(key, "|")
	return models.NewDescriptionDescriptor(broker, description)
}

// ============================================================================
// Prices
// ============================================================================

// AddPrice implements Ledger.
func (s *SQLiteStore) AddPrice(ctx context.Context, p models.Price) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prices (instrument_id, as_of, price) VALUES (?, ?, ?)
		ON CONFLICT (instrument_id, as_of) DO UPDATE SET price = excluded.price
	`, p.Instrument, p.AsOf.UTC().Format("2006-01-02"), p.Price)
	if err != nil {
		return fmt.Errorf("failed to save price: %w", err)
	}
	return nil
}

// Prices implements Ledger.
func (s *SQLiteStore) Prices(ctx context.Context, instrument models.InstrumentID) ([]models.Price, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument_id, as_of, price FROM prices WHERE instrument_id = ? ORDER BY as_of
	`, instrument)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	var out []models.Price
	for rows.Next() {
		var p models.Price
		if err := rows.Scan(&p.Instrument, &p.AsOf, &p.Price); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prices: %w", err)
	}
	return out, nil
}

// ============================================================================
// Derivatives
// ============================================================================

// AddDerivative implements Ledger.
func (s *SQLiteStore) AddDerivative(ctx context.Context, d models.Derivative) error {
	var expiration sql.NullString
	if !d.Expiration.IsZero() {
		expiration = sql.NullString{String: d.Expiration.UTC().Format("2006-01-02"), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO derivatives (instrument_id, underlying_id, expiration, put_call, strike, multiplier)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (instrument_id) DO UPDATE SET
			underlying_id = excluded.underlying_id,
			expiration = excluded.expiration,
			put_call = excluded.put_call,
			strike = excluded.strike,
			multiplier = excluded.multiplier
	`, d.Instrument, d.Underlying, expiration, string(d.PutCall), d.Strike, d.Multiplier)
	if err != nil {
		return fmt.Errorf("failed to save derivative: %w", err)
	}
	return nil
}

// GetDerivative implements Ledger.
func (s *SQLiteStore) GetDerivative(ctx context.Context, instrument models.InstrumentID) (*models.Derivative, error) {
	var d models.Derivative
	var expiration sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT instrument_id, underlying_id, expiration, put_call, strike, multiplier
		FROM derivatives WHERE instrument_id = ?
	`, instrument).Scan(&d.Instrument, &d.Underlying, &expiration, &d.PutCall, &d.Strike, &d.Multiplier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get derivative: %w", err)
	}
	if expiration.Valid {
		d.Expiration = expiration.Time
	}
	return &d, nil
}

// ============================================================================
// Ingest batches
// ============================================================================

// CreateBatch implements Ledger. The batch ID and creation time are filled in.
func (s *SQLiteStore) CreateBatch(ctx context.Context, b *models.Batch) error {
	if b.Status == "" {
		b.Status = models.BatchPending
	}
	b.CreatedAt = s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_batches (user_id, broker, status, total_records, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, b.User, b.Broker, b.Status, b.TotalRecords, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	if b.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read batch id: %w", err)
	}
	return nil
}

// UpdateBatch implements Ledger.
func (s *SQLiteStore) UpdateBatch(ctx context.Context, b *models.Batch) error {
	var processed sql.NullTime
	if b.ProcessedAt != nil {
		processed = sql.NullTime{Time: b.ProcessedAt.UTC(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingest_batches SET
			status = ?, total_records = ?, processed_records = ?, error_count = ?,
			processed_at = ?, error_message = ?
		WHERE id = ?
	`, b.Status, b.TotalRecords, b.ProcessedRecords, b.ErrorCount, processed, b.ErrorMessage, b.ID)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Wrapf(apperrors.ErrNotFound, "batch %d", b.ID)
	}
	return nil
}

// GetBatch implements Ledger.
func (s *SQLiteStore) GetBatch(ctx context.Context, id int64) (*models.Batch, error) {
	var b models.Batch
	var processed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, broker, status, total_records, processed_records, error_count,
		       created_at, processed_at, error_message
		FROM ingest_batches WHERE id = ?
	`, id).Scan(&b.ID, &b.User, &b.Broker, &b.Status, &b.TotalRecords, &b.ProcessedRecords,
		&b.ErrorCount, &b.CreatedAt, &processed, &b.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "batch %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	if processed.Valid {
		t := processed.Time
		b.ProcessedAt = &t
	}
	return &b, nil
}
