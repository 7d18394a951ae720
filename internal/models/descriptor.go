package models

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DescriptorKind distinguishes the two broker descriptor shapes.
type DescriptorKind string

const (
	// KindDescription is a (broker, free-text description) descriptor.
	KindDescription DescriptorKind = "description"
	// KindSymbol is a (domain, exchange, symbol, currency) descriptor.
	KindSymbol DescriptorKind = "symbol"
)

// Descriptor is a broker-supplied, imprecise identification of an instrument.
type Descriptor struct {
	Kind DescriptorKind

	// Description descriptors.
	Broker      string
	Description string

	// Symbol descriptors.
	Domain   string
	Exchange string
	Symbol   string
	Currency string

	// TypeHint is the instrument type the broker reported, if any.
	TypeHint InstrumentType
}

// NewDescriptionDescriptor builds a (broker, description) descriptor.
func NewDescriptionDescriptor(broker, description string) Descriptor {
	return Descriptor{Kind: KindDescription, Broker: broker, Description: description}
}

// NewSymbolDescriptor builds a (domain, exchange, symbol, currency) descriptor.
func NewSymbolDescriptor(domain, exchange, symbol, currency string) Descriptor {
	return Descriptor{Kind: KindSymbol, Domain: domain, Exchange: exchange, Symbol: symbol, Currency: currency}
}

// Normalize returns a copy with whitespace collapsed, text NFKC-normalised and
// codes upper-cased, so visually identical broker strings key identically.
func (d Descriptor) Normalize() Descriptor {
	n := d
	n.Broker = strings.ToLower(normalizeText(d.Broker))
	n.Description = normalizeText(d.Description)
	n.Domain = strings.ToUpper(normalizeText(d.Domain))
	n.Exchange = strings.ToUpper(normalizeText(d.Exchange))
	n.Symbol = strings.ToUpper(normalizeText(d.Symbol))
	n.Currency = strings.ToUpper(normalizeText(d.Currency))
	return n
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

// Key returns the normalised lookup key of the descriptor within its kind.
func (d Descriptor) Key() string {
	n := d.Normalize()
	switch n.Kind {
	case KindSymbol:
		return strings.Join([]string{n.Domain, n.Exchange, n.Symbol, n.Currency}, "|")
	default:
		return n.Broker + "|" + n.Description
	}
}

// Raw returns the broker string used to present an unresolved descriptor.
func (d Descriptor) Raw() string {
	switch d.Kind {
	case KindSymbol:
		s := d.Symbol
		if d.Exchange != "" {
			s = d.Exchange + ":" + s
		}
		if d.Currency != "" {
			s += " (" + d.Currency + ")"
		}
		return s
	default:
		return d.Description
	}
}

// Validate checks the descriptor carries the fields its kind requires.
func (d Descriptor) Validate() error {
	n := d.Normalize()
	switch n.Kind {
	case KindDescription:
		if n.Broker == "" || n.Description == "" {
			return fmt.Errorf("description descriptor requires broker and description")
		}
	case KindSymbol:
		if n.Symbol == "" {
			return fmt.Errorf("symbol descriptor requires a symbol")
		}
	default:
		return fmt.Errorf("unknown descriptor kind %q", d.Kind)
	}
	return nil
}

func (d Descriptor) String() string {
	return string(d.Kind) + ":" + d.Key()
}

// ScopedDescriptor is a descriptor as seen by a particular user.
type ScopedDescriptor struct {
	User       UserID
	Descriptor Descriptor
}

// FlightKey identifies concurrent attempts that must be collapsed into one.
func (s ScopedDescriptor) FlightKey() string {
	return fmt.Sprintf("%d/%s", s.User, s.Descriptor.String())
}
