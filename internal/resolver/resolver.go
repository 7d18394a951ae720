// Package resolver defines the contract identification sources implement and the
// precedence chain that fans descriptors out to them.
package resolver

import (
	"context"
	"time"

	"github.com/leedenison/portfoliodb/internal/models"
)

// Plugin is an identification source. Resolve returns a result with at least
// one identifier, an error matching errors.ErrNotFound when the source does not
// know the descriptor, or any other error, which the chain treats as transient.
// Caching and quota handling are the plugin's own business.
type Plugin interface {
	Name() string
	Resolve(ctx context.Context, d models.Descriptor) (*Result, error)
	// Configure applies admin-supplied options. Invalid options yield a
	// *errors.ConfigError and leave the previous configuration in place.
	Configure(options map[string]string) error
}

// Result is a successful plugin answer. Identifiers are ordered best match first.
type Result struct {
	Identifiers   []models.Identifier
	Authoritative bool
	Type          models.InstrumentType
}

// CallOutcome classifies a single plugin call.
type CallOutcome string

const (
	OutcomeSuccess   CallOutcome = "success"
	OutcomeNotFound  CallOutcome = "not_found"
	OutcomeTransient CallOutcome = "transient"
)

// Response is one plugin's contribution to a fan-out.
type Response struct {
	Resolver string
	Rank     int
	Outcome  CallOutcome
	Result   *Result
	Err      error
	Duration time.Duration
}

// FanOut holds the responses of every enabled plugin, ordered by rank.
type FanOut struct {
	Version   uint64
	Responses []Response
}

// Successes returns the successful responses in rank order.
func (f FanOut) Successes() []Response {
	return f.filter(OutcomeSuccess)
}

// NotFound returns the responses of plugins that did not know the descriptor.
func (f FanOut) NotFound() []Response {
	return f.filter(OutcomeNotFound)
}

// Transient returns the responses that failed in a retryable way.
func (f FanOut) Transient() []Response {
	return f.filter(OutcomeTransient)
}

// Calls is the number of plugins invoked.
func (f FanOut) Calls() int {
	return len(f.Responses)
}

func (f FanOut) filter(outcome CallOutcome) []Response {
	var out []Response
	for _, r := range f.Responses {
		if r.Outcome == outcome {
			out = append(out, r)
		}
	}
	return out
}
