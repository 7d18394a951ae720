package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/leedenison/portfoliodb/internal/models"
)

// LoadPrecedence implements PrecedenceStore.
func (s *SQLiteStore) LoadPrecedence(ctx context.Context) ([]models.PrecedenceEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, rank, enabled FROM resolver_precedence ORDER BY rank
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query precedence: %w", err)
	}
	defer rows.Close()

	var out []models.PrecedenceEntry
	for rows.Next() {
		var e models.PrecedenceEntry
		if err := rows.Scan(&e.Name, &e.Rank, &e.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan precedence entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating precedence: %w", err)
	}
	return out, nil
}

// SavePrecedence implements PrecedenceStore. The stored order is replaced as a whole.
func (s *SQLiteStore) SavePrecedence(ctx context.Context, entries []models.PrecedenceEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM resolver_precedence`); err != nil {
		return fmt.Errorf("failed to clear precedence: %w", err)
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO resolver_precedence (name, rank, enabled) VALUES (?, ?, ?)
		`, e.Name, e.Rank, boolInt(e.Enabled)); err != nil {
			return fmt.Errorf("failed to insert precedence entry %q: %w", e.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListConflicts implements ConflictLog, newest first.
func (s *SQLiteStore) ListConflicts(ctx context.Context, limit int) ([]models.Conflict, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, `+descriptorColumns+`, winner, candidates, created_at
		FROM resolution_conflicts ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var out []models.Conflict
	for rows.Next() {
		var c models.Conflict
		var candidates string
		dest := append([]any{&c.ID}, descriptorDest(&c.Descriptor)...)
		dest = append(dest, &c.Winner, &candidates, &c.CreatedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}

		var values map[string][]string
		if err := json.Unmarshal([]byte(candidates), &values); err != nil {
			return nil, fmt.Errorf("failed to decode conflict candidates: %w", err)
		}
		c.Candidates = make(map[string][]models.IdentifierRef, len(values))
		for name, refs := range values {
			for _, r := range refs {
				ns, value, _ := strings.Cut(r, ":")
				c.Candidates[name] = append(c.Candidates[name], models.IdentifierRef{Namespace: ns, Value: value})
			}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return out, nil
}
