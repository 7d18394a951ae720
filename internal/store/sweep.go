package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sweep names recorded in sweep_state.
const (
	SweepRetries = "retries"
	SweepStale   = "stale"
)

// GetLastSweep implements SweepState. It returns the zero time if the sweep never ran.
func (s *SQLiteStore) GetLastSweep(ctx context.Context, name string) (time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, `SELECT last_run FROM sweep_state WHERE name = ?`, name).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last sweep: %w", err)
	}
	return t, nil
}

// SetLastSweep implements SweepState.
func (s *SQLiteStore) SetLastSweep(ctx context.Context, name string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_state (name, last_run) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET last_run = excluded.last_run
	`, name, t.UTC())
	if err != nil {
		return fmt.Errorf("failed to set last sweep: %w", err)
	}
	return nil
}
