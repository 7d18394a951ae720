// Package store provides persistence for instrument identities and the
// records that reference them.
package store

import (
	"context"
	"time"

	"github.com/leedenison/portfoliodb/internal/models"
)

// IdentityStore is the data-access contract of the resolution engine and the
// merge coordinator. Lookups follow merge redirects, so they only ever return
// the surviving instrument.
type IdentityStore interface {
	// FindByDescriptor looks the descriptor up in the user layer of user, then
	// in the canonical layer. It returns errors.ErrNotFound when neither maps it.
	FindByDescriptor(ctx context.Context, user models.UserID, d models.Descriptor) (*models.Instrument, models.Layer, error)
	// FindByIdentifier looks an identifier up in the user layer, then the canonical layer.
	FindByIdentifier(ctx context.Context, user models.UserID, ref models.IdentifierRef) (*models.Instrument, models.Layer, error)
	// CanonicalMapping returns the canonical descriptor mapping, if any.
	CanonicalMapping(ctx context.Context, d models.Descriptor) (*DescriptorMapping, error)
	GetInstrument(ctx context.Context, id models.InstrumentID) (*models.Instrument, error)
	// ResolveRedirect follows merge redirects from id to the surviving instrument.
	ResolveRedirect(ctx context.Context, id models.InstrumentID) (models.InstrumentID, error)
	// Identifiers returns the canonical identifiers of an instrument.
	Identifiers(ctx context.Context, id models.InstrumentID) ([]models.AttachedIdentifier, error)
	// Descriptors returns the canonical descriptors mapped to an instrument.
	Descriptors(ctx context.Context, id models.InstrumentID) ([]models.Descriptor, error)

	// Begin starts the single atomic transaction of one resolution attempt.
	Begin(ctx context.Context) (Tx, error)

	// MergeInstruments folds req.Loser into req.Survivor atomically. It returns
	// errors.ErrConflict when either instrument changed since its version was
	// read, and a *errors.MergeError when a constraint made the merge impossible.
	// In both cases nothing changes.
	MergeInstruments(ctx context.Context, req MergeRequest) (*MergeResult, error)
}

// Tx groups the writes of one resolution attempt. Mutations of an existing
// instrument must be preceded by TouchInstrument with the version read while
// planning.
type Tx interface {
	CreateInstrument(ctx context.Context, typ models.InstrumentType) (*models.Instrument, error)
	// TouchInstrument bumps the version of an ACTIVE instrument, failing with
	// errors.ErrConflict if it is no longer at version.
	TouchInstrument(ctx context.Context, id models.InstrumentID, version int64) error
	// AttachIdentifier attaches a canonical identifier. Attaching an identifier
	// owned by another instrument fails with errors.ErrConflict.
	AttachIdentifier(ctx context.Context, instrument models.InstrumentID, id models.Identifier) error
	// AttachUserIdentifier attaches an identifier visible only to user.
	AttachUserIdentifier(ctx context.Context, user models.UserID, instrument models.InstrumentID, id models.Identifier) error
	// LinkDescriptor maps d to instrument in the given layer, replacing any
	// previous mapping in that layer. user is ignored for the canonical layer.
	LinkDescriptor(ctx context.Context, link DescriptorLink) error
	// RepointTransactions points transactions carrying d at instrument. In the
	// canonical layer every user without their own override is repointed; in
	// the user layer only user's transactions are.
	RepointTransactions(ctx context.Context, layer models.Layer, user models.UserID, d models.Descriptor, instrument models.InstrumentID) (int64, error)
	RecordConflict(ctx context.Context, c models.Conflict) error
	DeleteRetry(ctx context.Context, d models.Descriptor) error
	Commit() error
	Rollback() error
}

// RetryStore persists the two retry tracks.
type RetryStore interface {
	GetRetry(ctx context.Context, d models.Descriptor) (*models.RetryRecord, error)
	UpsertRetry(ctx context.Context, rec models.RetryRecord) error
	DeleteRetry(ctx context.Context, d models.Descriptor) error
	// DueRetries returns up to limit records eligible at now, oldest first.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]models.RetryRecord, error)
	ListRetries(ctx context.Context, filter RetryFilter) ([]models.RetryRecord, error)
	CountRetries(ctx context.Context) (int, error)
}

// PrecedenceStore persists the admin-defined resolver order.
type PrecedenceStore interface {
	LoadPrecedence(ctx context.Context) ([]models.PrecedenceEntry, error)
	SavePrecedence(ctx context.Context, entries []models.PrecedenceEntry) error
}

// ConflictLog lists recorded resolver disagreements.
type ConflictLog interface {
	ListConflicts(ctx context.Context, limit int) ([]models.Conflict, error)
}

// Ledger stores the records that reference instruments.
type Ledger interface {
	AddTransactions(ctx context.Context, txs []models.Transaction) ([]int64, error)
	// AssignBatchTransactions points the still unresolved transactions of a
	// batch carrying d at instrument.
	AssignBatchTransactions(ctx context.Context, batchID int64, d models.Descriptor, instrument models.InstrumentID) (int64, error)
	Transactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error)
	AddPrice(ctx context.Context, p models.Price) error
	Prices(ctx context.Context, instrument models.InstrumentID) ([]models.Price, error)
	AddDerivative(ctx context.Context, d models.Derivative) error
	GetDerivative(ctx context.Context, instrument models.InstrumentID) (*models.Derivative, error)

	CreateBatch(ctx context.Context, b *models.Batch) error
	UpdateBatch(ctx context.Context, b *models.Batch) error
	GetBatch(ctx context.Context, id int64) (*models.Batch, error)
}

// SweepState records when each periodic sweep last ran.
type SweepState interface {
	GetLastSweep(ctx context.Context, name string) (time.Time, error)
	SetLastSweep(ctx context.Context, name string, t time.Time) error
}

// Store is the full persistence surface.
type Store interface {
	IdentityStore
	RetryStore
	PrecedenceStore
	ConflictLog
	Ledger
	SweepState

	// StaleMappings returns non-authoritative canonical mappings not refreshed
	// since before, oldest first.
	StaleMappings(ctx context.Context, before time.Time, limit int) ([]DescriptorMapping, error)

	Close() error
}

// DescriptorMapping is a canonical descriptor row.
type DescriptorMapping struct {
	Descriptor    models.Descriptor
	Instrument    models.InstrumentID
	Source        string
	Authoritative bool
	UpdatedAt     time.Time
}

// DescriptorLink describes a descriptor mapping to write.
type DescriptorLink struct {
	Layer         models.Layer
	User          models.UserID
	Descriptor    models.Descriptor
	Instrument    models.InstrumentID
	Source        string
	Authoritative bool
}

// MergeRequest names the instruments of a merge and the versions they were read at.
type MergeRequest struct {
	Loser           models.InstrumentID
	LoserVersion    int64
	Survivor        models.InstrumentID
	SurvivorVersion int64
}

// MergeResult counts the rows moved by a merge.
type MergeResult struct {
	Transactions int64
	Prices       int64
	Identifiers  int64
	Descriptors  int64
	Derivatives  int64
	Redirects    int64
}

// RetryFilter narrows ListRetries.
type RetryFilter struct {
	Kind  models.DescriptorKind
	Limit int
}

// TransactionFilter narrows Transactions. Zero fields match everything.
type TransactionFilter struct {
	User       models.UserID
	Instrument models.InstrumentID
	Descriptor *models.Descriptor
	BatchID    int64
	// Unresolved selects transactions without an instrument.
	Unresolved bool
	Limit      int
}
