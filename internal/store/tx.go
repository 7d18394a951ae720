package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/models"
)

// sqliteTx implements Tx on a database transaction.
type sqliteTx struct {
	s  *SQLiteStore
	tx *sql.Tx
}

// Begin implements IdentityStore.
func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqliteTx{s: s, tx: tx}, nil
}

func (t *sqliteTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

func (t *sqliteTx) CreateInstrument(ctx context.Context, typ models.InstrumentType) (*models.Instrument, error) {
	if typ == "" {
		typ = models.InstrumentUnknown
	}
	now := t.s.now()
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO instruments (type, status, created_at, version) VALUES (?, ?, ?, 1)
	`, typ, models.StatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create instrument: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read instrument id: %w", err)
	}
	return &models.Instrument{
		ID:        models.InstrumentID(id),
		Type:      typ,
		Status:    models.StatusActive,
		CreatedAt: now,
		Version:   1,
	}, nil
}

func (t *sqliteTx) TouchInstrument(ctx context.Context, id models.InstrumentID, version int64) error {
	return touchInstrument(ctx, t.tx, id, version)
}

func touchInstrument(ctx context.Context, q queryer, id models.InstrumentID, version int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE instruments SET version = version + 1
		WHERE id = ? AND version = ? AND status = ?
	`, id, version, models.StatusActive)
	if err != nil {
		return fmt.Errorf("failed to touch instrument: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return apperrors.Wrapf(apperrors.ErrConflict, "instrument %d changed since version %d", id, version)
	}
	return nil
}

func (t *sqliteTx) AttachIdentifier(ctx context.Context, instrument models.InstrumentID, id models.Identifier) error {
	n := id.Normalize()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO canonical_identifiers (namespace, value, instrument_id, source, authoritative, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, value) DO NOTHING
	`, n.Namespace, n.Value, instrument, n.Source, boolInt(n.Authoritative), t.s.now())
	if err != nil {
		return fmt.Errorf("failed to attach identifier: %w", err)
	}

	owner, err := t.s.resolveOwner(ctx, t.tx, n.Ref())
	if err != nil {
		return err
	}
	if owner != instrument {
		return apperrors.Wrapf(apperrors.ErrConflict, "identifier %s already belongs to instrument %d", n.Ref(), owner)
	}
	if n.Authoritative {
		if _, err := t.tx.ExecContext(ctx, `
			UPDATE canonical_identifiers SET authoritative = 1, source = ? WHERE namespace = ? AND value = ?
		`, n.Source, n.Namespace, n.Value); err != nil {
			return fmt.Errorf("failed to mark identifier authoritative: %w", err)
		}
	}
	return nil
}

// resolveOwner returns the surviving owner of a canonical identifier.
func (s *SQLiteStore) resolveOwner(ctx context.Context, q queryer, ref models.IdentifierRef) (models.InstrumentID, error) {
	var owner models.InstrumentID
	if err := q.QueryRowContext(ctx, `
		SELECT instrument_id FROM canonical_identifiers WHERE namespace = ? AND value = ?
	`, ref.Namespace, ref.Value).Scan(&owner); err != nil {
		return 0, fmt.Errorf("failed to read identifier owner: %w", err)
	}
	return s.resolveRedirect(ctx, q, owner)
}

func (t *sqliteTx) AttachUserIdentifier(ctx context.Context, user models.UserID, instrument models.InstrumentID, id models.Identifier) error {
	n := id.Normalize()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_identifiers (user_id, namespace, value, instrument_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, namespace, value) DO UPDATE SET instrument_id = excluded.instrument_id
	`, user, n.Namespace, n.Value, instrument, t.s.now())
	if err != nil {
		return fmt.Errorf("failed to attach user identifier: %w", err)
	}
	return nil
}

func (t *sqliteTx) LinkDescriptor(ctx context.Context, link DescriptorLink) error {
	args := descriptorArgs(link.Descriptor)
	now := t.s.now()

	var err error
	switch link.Layer {
	case models.LayerCanonical:
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO canonical_descriptors
				(kind, key, broker, description, domain, exchange, symbol, currency,
				 instrument_id, source, authoritative, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (kind, key) DO UPDATE SET
				instrument_id = excluded.instrument_id,
				source = excluded.source,
				authoritative = excluded.authoritative,
				updated_at = excluded.updated_at
		`, append(args, link.Instrument, link.Source, boolInt(link.Authoritative), now)...)
	case models.LayerUser:
		if link.User == models.NoUser {
			return apperrors.NewValidationError("user", link.User, "user layer requires a user")
		}
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO user_descriptors
				(user_id, kind, key, broker, description, domain, exchange, symbol, currency,
				 instrument_id, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, kind, key) DO UPDATE SET
				instrument_id = excluded.instrument_id,
				updated_at = excluded.updated_at
		`, append(append([]any{link.User}, args...), link.Instrument, now)...)
	default:
		return apperrors.NewValidationError("layer", link.Layer, "unknown layer")
	}
	if isConstraintViolation(err) {
		return apperrors.Wrapf(apperrors.ErrConflict, "link descriptor %s", link.Descriptor)
	}
	if err != nil {
		return fmt.Errorf("failed to link descriptor: %w", err)
	}
	return nil
}

func (t *sqliteTx) RepointTransactions(ctx context.Context, layer models.Layer, user models.UserID, d models.Descriptor, instrument models.InstrumentID) (int64, error) {
	n := d.Normalize()

	var res sql.Result
	var err error
	switch layer {
	case models.LayerCanonical:
		res, err = t.tx.ExecContext(ctx, `
			UPDATE transactions SET instrument_id = ?
			WHERE kind = ? AND key = ?
			  AND (instrument_id IS NULL OR instrument_id != ?)
			  AND NOT EXISTS (
				SELECT 1 FROM user_descriptors u
				WHERE u.user_id = transactions.user_id AND u.kind = transactions.kind AND u.key = transactions.key
			  )
		`, instrument, n.Kind, n.Key(), instrument)
	case models.LayerUser:
		res, err = t.tx.ExecContext(ctx, `
			UPDATE transactions SET instrument_id = ?
			WHERE user_id = ? AND kind = ? AND key = ?
		`, instrument, user, n.Kind, n.Key())
	default:
		return 0, apperrors.NewValidationError("layer", layer, "unknown layer")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to repoint transactions: %w", err)
	}
	return res.RowsAffected()
}

func (t *sqliteTx) RecordConflict(ctx context.Context, c models.Conflict) error {
	candidates := make(map[string][]string, len(c.Candidates))
	for name, refs := range c.Candidates {
		for _, r := range refs {
			candidates[name] = append(candidates[name], r.String())
		}
	}
	data, err := json.Marshal(candidates)
	if err != nil {
		return fmt.Errorf("failed to encode conflict candidates: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO resolution_conflicts
			(kind, key, broker, description, domain, exchange, symbol, currency, winner, candidates, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, append(descriptorArgs(c.Descriptor), c.Winner, string(data), t.s.now())...); err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}
	return nil
}

func (t *sqliteTx) DeleteRetry(ctx context.Context, d models.Descriptor) error {
	return deleteRetry(ctx, t.tx, d)
}
