// Package models provides domain models for instrument identity resolution.
package models

import (
	"time"
)

// InstrumentType represents the kind of tradeable entity.
type InstrumentType string

const (
	InstrumentStock   InstrumentType = "STK"
	InstrumentOption  InstrumentType = "OPT"
	InstrumentFuture  InstrumentType = "FUT"
	InstrumentFund    InstrumentType = "MF"
	InstrumentETF     InstrumentType = "ETF"
	InstrumentBond    InstrumentType = "BOND"
	InstrumentCash    InstrumentType = "CASH"
	InstrumentUnknown InstrumentType = "UNKNOWN"
)

// ParseInstrumentType maps a free-form type code onto a known InstrumentType.
func ParseInstrumentType(s string) InstrumentType {
	switch InstrumentType(s) {
	case InstrumentStock, InstrumentOption, InstrumentFuture, InstrumentFund,
		InstrumentETF, InstrumentBond, InstrumentCash:
		return InstrumentType(s)
	}
	return InstrumentUnknown
}

// InstrumentStatus represents the lifecycle status of an instrument.
type InstrumentStatus string

const (
	StatusActive  InstrumentStatus = "ACTIVE"
	StatusRetired InstrumentStatus = "RETIRED"
	StatusMerged  InstrumentStatus = "MERGED"
)

// InstrumentID is the opaque, stable key of an instrument.
// Keys of merged instruments remain valid redirect targets.
type InstrumentID int64

// Instrument represents a tradeable entity shared across users.
type Instrument struct {
	ID        InstrumentID
	Type      InstrumentType
	Status    InstrumentStatus
	CreatedAt time.Time
	// Version is bumped on every mutation and used for optimistic concurrency.
	Version int64
}

// IsActive reports whether the instrument can be a resolution target.
func (i *Instrument) IsActive() bool {
	return i != nil && i.Status == StatusActive
}

// Redirect records that a merged instrument now lives on as its survivor.
type Redirect struct {
	Loser    InstrumentID
	Survivor InstrumentID
	MergedAt time.Time
}

// Layer identifies which tier of the identity model produced a mapping.
type Layer string

const (
	LayerNone      Layer = ""
	LayerUser      Layer = "user"
	LayerCanonical Layer = "canonical"
)

// UserID identifies the owner of user-layer records. Zero means no user scope.
type UserID int64

// NoUser is the scope used for canonical-only lookups.
const NoUser UserID = 0
