package models

import (
	"time"
)

// RetryRecord tracks a descriptor that failed to resolve.
type RetryRecord struct {
	User          UserID
	Descriptor    Descriptor
	RetryCount    int
	LastAttempted time.Time
	NextEligible  time.Time
	// Exhausted records that have used up their attempts are kept for display
	// but never come due.
	Exhausted     bool
	LastError     string
}

// Due reports whether the record is eligible for another attempt at now.
func (r RetryRecord) Due(now time.Time) bool {
	return !r.Exhausted && !r.NextEligible.After(now)
}

// PrecedenceEntry positions a resolver within the precedence chain.
type PrecedenceEntry struct {
	Name    string `mapstructure:"name" json:"name"`
	Rank    int    `mapstructure:"rank" json:"rank"`
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
}

// ResolutionState is the per-descriptor state of a resolution attempt.
type ResolutionState string

const (
	StateUnresolved            ResolutionState = "UNRESOLVED"
	StateCheckingStore         ResolutionState = "CHECKING_STORE"
	StateFanningOut            ResolutionState = "FANNING_OUT"
	StateResolving             ResolutionState = "RESOLVING"
	StateResolved              ResolutionState = "RESOLVED"
	StateRetryScheduled        ResolutionState = "RETRY_SCHEDULED"
	StateUnresolvablePresented ResolutionState = "UNRESOLVABLE_PRESENTED"
)

// Outcome is the result of resolving a single descriptor.
type Outcome struct {
	Descriptor ScopedDescriptor
	State      ResolutionState
	Instrument InstrumentID
	Layer      Layer
	// Raw is the broker string presented while identification is pending.
	Raw string
	// Pending is set when the descriptor will be retried.
	Pending bool
	// PluginCalls is the number of resolver invocations made by the attempt.
	PluginCalls int
	// Merged lists instruments folded into Instrument during the attempt.
	Merged []InstrumentID
	Err    error
}

// Resolved reports whether the outcome mapped the descriptor to an instrument.
func (o Outcome) Resolved() bool {
	return o.State == StateResolved && o.Instrument != 0
}
