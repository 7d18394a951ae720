package models

import (
	"strings"
	"time"
)

// Well-known identifier namespaces.
const (
	NamespaceISIN  = "ISIN"
	NamespaceCUSIP = "CUSIP"
	NamespaceSEDOL = "SEDOL"
	NamespaceFIGI  = "FIGI"
	NamespaceKite  = "KITE"
)

// SourceUser tags identifiers submitted by a user or an admin override.
const SourceUser = "USER"

// Identifier is a canonical external code attached to an instrument.
type Identifier struct {
	Namespace     string
	Value         string
	Source        string
	Authoritative bool
}

// Normalize upper-cases namespace and value and trims whitespace.
func (id Identifier) Normalize() Identifier {
	id.Namespace = strings.ToUpper(strings.TrimSpace(id.Namespace))
	id.Value = strings.ToUpper(strings.TrimSpace(id.Value))
	return id
}

// Ref returns the (namespace, value) pair that makes an identifier unique.
func (id Identifier) Ref() IdentifierRef {
	n := id.Normalize()
	return IdentifierRef{Namespace: n.Namespace, Value: n.Value}
}

// IdentifierRef is the uniqueness key of an identifier.
type IdentifierRef struct {
	Namespace string
	Value     string
}

func (r IdentifierRef) String() string {
	return r.Namespace + ":" + r.Value
}

// AttachedIdentifier is an identifier as stored against an instrument.
type AttachedIdentifier struct {
	Identifier
	Instrument InstrumentID
	User       UserID
	CreatedAt  time.Time
}

// Conflict records resolvers disagreeing about a descriptor.
type Conflict struct {
	ID         int64
	Descriptor Descriptor
	Winner     string
	Candidates map[string][]IdentifierRef
	CreatedAt  time.Time
}
