package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - identity, retry, ledger and batch tables
const currentSchemaVersion = 1

// maxRedirectHops bounds redirect chains. Merges repoint older redirects, so
// chains longer than one hop only appear mid-merge.
const maxRedirectHops = 16

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at dbPath.
//
// Write transactions take the database write lock when they begin
// (_txlock=immediate), so concurrent resolution attempts serialise on BEGIN
// instead of failing on their first write.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SetClock overrides the clock used for timestamps.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

// DB returns the underlying database handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ============================================================================
// Lookups
// ============================================================================

// FindByDescriptor implements IdentityStore.
func (s *SQLiteStore) FindByDescriptor(ctx context.Context, user models.UserID, d models.Descriptor) (*models.Instrument, models.Layer, error) {
	n := d.Normalize()
	key := n.Key()

	if user != models.NoUser {
		var id models.InstrumentID
		err := s.db.QueryRowContext(ctx, `
			SELECT instrument_id FROM user_descriptors WHERE user_id = ? AND kind = ? AND key = ?
		`, user, n.Kind, key).Scan(&id)
		switch {
		case err == nil:
			inst, err := s.activeInstrument(ctx, s.db, id)
			return inst, models.LayerUser, err
		case !errors.Is(err, sql.ErrNoRows):
			return nil, models.LayerNone, fmt.Errorf("failed to query user descriptor: %w", err)
		}
	}

	var id models.InstrumentID
	err := s.db.QueryRowContext(ctx, `
		SELECT instrument_id FROM canonical_descriptors WHERE kind = ? AND key = ?
	`, n.Kind, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.LayerNone, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, models.LayerNone, fmt.Errorf("failed to query canonical descriptor: %w", err)
	}
	inst, err := s.activeInstrument(ctx, s.db, id)
	return inst, models.LayerCanonical, err
}

// FindByIdentifier implements IdentityStore.
func (s *SQLiteStore) FindByIdentifier(ctx context.Context, user models.UserID, ref models.IdentifierRef) (*models.Instrument, models.Layer, error) {
	if user != models.NoUser {
		var id models.InstrumentID
		err := s.db.QueryRowContext(ctx, `
			SELECT instrument_id FROM user_identifiers WHERE user_id = ? AND namespace = ? AND value = ?
		`, user, ref.Namespace, ref.Value).Scan(&id)
		switch {
		case err == nil:
			inst, err := s.activeInstrument(ctx, s.db, id)
			return inst, models.LayerUser, err
		case !errors.Is(err, sql.ErrNoRows):
			return nil, models.LayerNone, fmt.Errorf("failed to query user identifier: %w", err)
		}
	}

	var id models.InstrumentID
	err := s.db.QueryRowContext(ctx, `
		SELECT instrument_id FROM canonical_identifiers WHERE namespace = ? AND value = ?
	`, ref.Namespace, ref.Value).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.LayerNone, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, models.LayerNone, fmt.Errorf("failed to query canonical identifier: %w", err)
	}
	inst, err := s.activeInstrument(ctx, s.db, id)
	return inst, models.LayerCanonical, err
}

// CanonicalMapping implements IdentityStore.
func (s *SQLiteStore) CanonicalMapping(ctx context.Context, d models.Descriptor) (*DescriptorMapping, error) {
	n := d.Normalize()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+descriptorColumns+`, instrument_id, source, authoritative, updated_at
		FROM canonical_descriptors WHERE kind = ? AND key = ?
	`, n.Kind, n.Key())
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query canonical mapping: %w", err)
	}
	if m.Instrument, err = s.resolveRedirect(ctx, s.db, m.Instrument); err != nil {
		return nil, err
	}
	return m, nil
}

// GetInstrument implements IdentityStore. Merged instruments are returned as is.
func (s *SQLiteStore) GetInstrument(ctx context.Context, id models.InstrumentID) (*models.Instrument, error) {
	return getInstrument(ctx, s.db, id)
}

// ResolveRedirect implements IdentityStore.
func (s *SQLiteStore) ResolveRedirect(ctx context.Context, id models.InstrumentID) (models.InstrumentID, error) {
	return s.resolveRedirect(ctx, s.db, id)
}

// Identifiers implements IdentityStore.
func (s *SQLiteStore) Identifiers(ctx context.Context, id models.InstrumentID) ([]models.AttachedIdentifier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, value, source, authoritative, instrument_id, created_at
		FROM canonical_identifiers WHERE instrument_id = ?
		ORDER BY namespace, value
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query identifiers: %w", err)
	}
	defer rows.Close()

	var out []models.AttachedIdentifier
	for rows.Next() {
		var a models.AttachedIdentifier
		if err := rows.Scan(&a.Namespace, &a.Value, &a.Source, &a.Authoritative, &a.Instrument, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan identifier: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating identifiers: %w", err)
	}
	return out, nil
}

// UserIdentifiers returns the identifiers user attached privately to an instrument.
func (s *SQLiteStore) UserIdentifiers(ctx context.Context, user models.UserID, id models.InstrumentID) ([]models.AttachedIdentifier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, value, instrument_id, user_id, created_at
		FROM user_identifiers WHERE user_id = ? AND instrument_id = ?
		ORDER BY namespace, value
	`, user, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query user identifiers: %w", err)
	}
	defer rows.Close()

	var out []models.AttachedIdentifier
	for rows.Next() {
		a := models.AttachedIdentifier{Identifier: models.Identifier{Source: models.SourceUser, Authoritative: true}}
		if err := rows.Scan(&a.Namespace, &a.Value, &a.Instrument, &a.User, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user identifier: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user identifiers: %w", err)
	}
	return out, nil
}

// Descriptors implements IdentityStore.
func (s *SQLiteStore) Descriptors(ctx context.Context, id models.InstrumentID) ([]models.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+descriptorColumns+` FROM canonical_descriptors WHERE instrument_id = ? ORDER BY kind, key
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query descriptors: %w", err)
	}
	defer rows.Close()

	var out []models.Descriptor
	for rows.Next() {
		var d models.Descriptor
		if err := rows.Scan(descriptorDest(&d)...); err != nil {
			return nil, fmt.Errorf("failed to scan descriptor: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating descriptors: %w", err)
	}
	return out, nil
}

// StaleMappings implements Store.
func (s *SQLiteStore) StaleMappings(ctx context.Context, before time.Time, limit int) ([]DescriptorMapping, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+descriptorColumns+`, instrument_id, source, authoritative, updated_at
		FROM canonical_descriptors
		WHERE authoritative = 0 AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale mappings: %w", err)
	}
	defer rows.Close()

	var out []DescriptorMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}
	return out, nil
}

// activeInstrument follows redirects from id and loads the survivor.
func (s *SQLiteStore) activeInstrument(ctx context.Context, q queryer, id models.InstrumentID) (*models.Instrument, error) {
	final, err := s.resolveRedirect(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return getInstrument(ctx, q, final)
}

func (s *SQLiteStore) resolveRedirect(ctx context.Context, q queryer, id models.InstrumentID) (models.InstrumentID, error) {
	current := id
	for i := 0; i < maxRedirectHops; i++ {
		var next models.InstrumentID
		err := q.QueryRowContext(ctx, `
			SELECT survivor_id FROM instrument_redirects WHERE loser_id = ?
		`, current).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return current, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to query redirect: %w", err)
		}
		current = next
	}
	return 0, fmt.Errorf("redirect chain from instrument %d exceeds %d hops", id, maxRedirectHops)
}

func getInstrument(ctx context.Context, q queryer, id models.InstrumentID) (*models.Instrument, error) {
	var inst models.Instrument
	err := q.QueryRowContext(ctx, `
		SELECT id, type, status, created_at, version FROM instruments WHERE id = ?
	`, id).Scan(&inst.ID, &inst.Type, &inst.Status, &inst.CreatedAt, &inst.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrapf(apperrors.ErrInstrumentNotFound, "instrument %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instrument: %w", err)
	}
	return &inst, nil
}

// ============================================================================
// Helpers
// ============================================================================

const descriptorColumns = `kind, broker, description, domain, exchange, symbol, currency`

func descriptorArgs(d models.Descriptor) []any {
	n := d.Normalize()
	return []any{string(n.Kind), n.Key(), n.Broker, n.Description, n.Domain, n.Exchange, n.Symbol, n.Currency}
}

func descriptorDest(d *models.Descriptor) []any {
	return []any{&d.Kind, &d.Broker, &d.Description, &d.Domain, &d.Exchange, &d.Symbol, &d.Currency}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMapping(row scanner) (*DescriptorMapping, error) {
	var m DescriptorMapping
	dest := append(descriptorDest(&m.Descriptor), &m.Instrument, &m.Source, &m.Authoritative, &m.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &m, nil
}

// isConstraintViolation reports whether err is a SQLite constraint failure.
func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
