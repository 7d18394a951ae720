package store

import (
	"context"
	"fmt"

	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/models"
)

// repointStatements move every reference to the loser onto the survivor. Each
// takes (survivor, loser).
var repointStatements = []struct {
	name  string
	query string
}{
	{"transactions", `UPDATE transactions SET instrument_id = ? WHERE instrument_id = ?`},
	{"prices", `UPDATE prices SET instrument_id = ? WHERE instrument_id = ?`},
	{"canonical identifiers", `UPDATE canonical_identifiers SET instrument_id = ? WHERE instrument_id = ?`},
	{"user identifiers", `UPDATE user_identifiers SET instrument_id = ? WHERE instrument_id = ?`},
	{"canonical descriptors", `UPDATE canonical_descriptors SET instrument_id = ? WHERE instrument_id = ?`},
	{"user descriptors", `UPDATE user_descriptors SET instrument_id = ? WHERE instrument_id = ?`},
	{"derivatives", `UPDATE derivatives SET instrument_id = ? WHERE instrument_id = ?`},
	{"derivative underlyings", `UPDATE derivatives SET underlying_id = ? WHERE underlying_id = ?`},
	{"redirects", `UPDATE instrument_redirects SET survivor_id = ? WHERE survivor_id = ?`},
}

// MergeInstruments implements IdentityStore.
func (s *SQLiteStore) MergeInstruments(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	if req.Loser == req.Survivor {
		return nil, apperrors.NewValidationError("loser", req.Loser, "cannot merge an instrument into itself")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Both guards run before any row moves, so a stale read never repoints anything.
	if err := touchInstrument(ctx, tx, req.Survivor, req.SurvivorVersion); err != nil {
		return nil, err
	}
	if err := touchInstrument(ctx, tx, req.Loser, req.LoserVersion); err != nil {
		return nil, err
	}

	result := &MergeResult{}
	counters := map[string]*int64{
		"transactions":           &result.Transactions,
		"prices":                 &result.Prices,
		"canonical identifiers":  &result.Identifiers,
		"user identifiers":       &result.Identifiers,
		"canonical descriptors":  &result.Descriptors,
		"user descriptors":       &result.Descriptors,
		"derivatives":            &result.Derivatives,
		"derivative underlyings": &result.Derivatives,
		"redirects":              &result.Redirects,
	}

	for _, stmt := range repointStatements {
		res, err := tx.ExecContext(ctx, stmt.query, req.Survivor, req.Loser)
		if isConstraintViolation(err) {
			return nil, apperrors.NewMergeError(int64(req.Loser), int64(req.Survivor),
				"cannot repoint "+stmt.name, err)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to repoint %s: %w", stmt.name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read rows affected: %w", err)
		}
		*counters[stmt.name] += n
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE instruments SET status = ? WHERE id = ?
	`, models.StatusMerged, req.Loser); err != nil {
		return nil, fmt.Errorf("failed to retire loser: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO instrument_redirects (loser_id, survivor_id, merged_at) VALUES (?, ?, ?)
	`, req.Loser, req.Survivor, s.now()); err != nil {
		if isConstraintViolation(err) {
			return nil, apperrors.NewMergeError(int64(req.Loser), int64(req.Survivor), "redirect exists", err)
		}
		return nil, fmt.Errorf("failed to insert redirect: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit merge: %w", err)
	}
	return result, nil
}

// Redirects returns the instruments merged into id.
func (s *SQLiteStore) Redirects(ctx context.Context, id models.InstrumentID) ([]models.Redirect, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT loser_id, survivor_id, merged_at FROM instrument_redirects
		WHERE survivor_id = ? ORDER BY merged_at
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query redirects: %w", err)
	}
	defer rows.Close()

	var out []models.Redirect
	for rows.Next() {
		var r models.Redirect
		if err := rows.Scan(&r.Loser, &r.Survivor, &r.MergedAt); err != nil {
			return nil, fmt.Errorf("failed to scan redirect: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating redirects: %w", err)
	}
	return out, nil
}
