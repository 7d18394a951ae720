package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/models"
)

// Retry records are split by descriptor kind: description descriptors go to
// retry_descriptions and symbol triplets to retry_symbols.

const (
	retryDescriptionColumns = `key, user_id, broker, description, retry_count, last_attempted, next_eligible, exhausted, last_error`
	retrySymbolColumns      = `key, user_id, domain, exchange, symbol, currency, retry_count, last_attempted, next_eligible, exhausted, last_error`
)

func retryTable(kind models.DescriptorKind) (string, error) {
	switch kind {
	case models.KindDescription:
		return "retry_descriptions", nil
	case models.KindSymbol:
		return "retry_symbols", nil
	}
	return "", apperrors.NewValidationError("kind", kind, "unknown descriptor kind")
}

// GetRetry implements RetryStore.
func (s *SQLiteStore) GetRetry(ctx context.Context, d models.Descriptor) (*models.RetryRecord, error) {
	n := d.Normalize()
	var row *sql.Row
	switch n.Kind {
	case models.KindDescription:
		row = s.db.QueryRowContext(ctx, `SELECT `+retryDescriptionColumns+` FROM retry_descriptions WHERE key = ?`, n.Key())
	case models.KindSymbol:
		row = s.db.QueryRowContext(ctx, `SELECT `+retrySymbolColumns+` FROM retry_symbols WHERE key = ?`, n.Key())
	default:
		return nil, apperrors.NewValidationError("kind", n.Kind, "unknown descriptor kind")
	}

	rec, err := scanRetry(row, n.Kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get retry record: %w", err)
	}
	return rec, nil
}

// UpsertRetry implements RetryStore.
func (s *SQLiteStore) UpsertRetry(ctx context.Context, rec models.RetryRecord) error {
	n := rec.Descriptor.Normalize()
	common := []any{rec.RetryCount, rec.LastAttempted.UTC(), rec.NextEligible.UTC(), boolInt(rec.Exhausted), rec.LastError}

	var err error
	switch n.Kind {
	case models.KindDescription:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO retry_descriptions (`+retryDescriptionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
				user_id = CASE WHEN excluded.user_id = 0 THEN user_id ELSE excluded.user_id END,
				retry_count = excluded.retry_count,
				last_attempted = excluded.last_attempted,
				next_eligible = excluded.next_eligible,
				exhausted = excluded.exhausted,
				last_error = excluded.last_error
		`, append([]any{n.Key(), rec.User, n.Broker, n.Description}, common...)...)
	case models.KindSymbol:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO retry_symbols (`+retrySymbolColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
				user_id = CASE WHEN excluded.user_id = 0 THEN user_id ELSE excluded.user_id END,
				retry_count = excluded.retry_count,
				last_attempted = excluded.last_attempted,
				next_eligible = excluded.next_eligible,
				exhausted = excluded.exhausted,
				last_error = excluded.last_error
		`, append([]any{n.Key(), rec.User, n.Domain, n.Exchange, n.Symbol, n.Currency}, common...)...)
	default:
		return apperrors.NewValidationError("kind", n.Kind, "unknown descriptor kind")
	}
	if err != nil {
		return fmt.Errorf("failed to upsert retry record: %w", err)
	}
	return nil
}

// DeleteRetry implements RetryStore.
func (s *SQLiteStore) DeleteRetry(ctx context.Context, d models.Descriptor) error {
	return deleteRetry(ctx, s.db, d)
}

func deleteRetry(ctx context.Context, q queryer, d models.Descriptor) error {
	n := d.Normalize()
	table, err := retryTable(n.Kind)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM `+table+` WHERE key = ?`, n.Key()); err != nil {
		return fmt.Errorf("failed to delete retry record: %w", err)
	}
	return nil
}

// DueRetries implements RetryStore.
func (s *SQLiteStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]models.RetryRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	descriptions, err := s.queryRetries(ctx, models.KindDescription,
		`WHERE exhausted = 0 AND next_eligible <= ? ORDER BY next_eligible LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	symbols, err := s.queryRetries(ctx, models.KindSymbol,
		`WHERE exhausted = 0 AND next_eligible <= ? ORDER BY next_eligible LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}

	out := append(descriptions, symbols...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextEligible.Before(out[j].NextEligible) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRetries implements RetryStore.
func (s *SQLiteStore) ListRetries(ctx context.Context, filter RetryFilter) ([]models.RetryRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	var out []models.RetryRecord
	for _, kind := range []models.DescriptorKind{models.KindDescription, models.KindSymbol} {
		if filter.Kind != "" && filter.Kind != kind {
			continue
		}
		recs, err := s.queryRetries(ctx, kind, `ORDER BY next_eligible LIMIT ?`, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextEligible.Before(out[j].NextEligible) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountRetries implements RetryStore. Exhausted records are not counted.
func (s *SQLiteStore) CountRetries(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM retry_descriptions WHERE exhausted = 0)
		     + (SELECT COUNT(*) FROM retry_symbols WHERE exhausted = 0)
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count retry records: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) queryRetries(ctx context.Context, kind models.DescriptorKind, clause string, args ...any) ([]models.RetryRecord, error) {
	var query string
	switch kind {
	case models.KindDescription:
		query = `SELECT ` + retryDescriptionColumns + ` FROM retry_descriptions ` + clause
	default:
		query = `SELECT ` + retrySymbolColumns + ` FROM retry_symbols ` + clause
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query retry records: %w", err)
	}
	defer rows.Close()

	var out []models.RetryRecord
	for rows.Next() {
		rec, err := scanRetry(rows, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to scan retry record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating retry records: %w", err)
	}
	return out, nil
}

func scanRetry(row scanner, kind models.DescriptorKind) (*models.RetryRecord, error) {
	rec := models.RetryRecord{Descriptor: models.Descriptor{Kind: kind}}
	var key string
	d := &rec.Descriptor

	var err error
	switch kind {
	case models.KindDescription:
		err = row.Scan(&key, &rec.User, &d.Broker, &d.Description,
			&rec.RetryCount, &rec.LastAttempted, &rec.NextEligible, &rec.Exhausted, &rec.LastError)
	default:
		err = row.Scan(&key, &rec.User, &d.Domain, &d.Exchange, &d.Symbol, &d.Currency,
			&rec.RetryCount, &rec.LastAttempted, &rec.NextEligible, &rec.Exhausted, &rec.LastError)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
