// Package resolvertest provides scriptable resolver plugins for tests.
package resolvertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/models"
	"github.com/leedenison/portfoliodb/internal/resolver"
)

// ErrUnavailable is the failure returned by Transient plugins.
var ErrUnavailable = errors.New("upstream unavailable")

// ResolveFunc answers a descriptor.
type ResolveFunc func(ctx context.Context, d models.Descriptor) (*resolver.Result, error)

// Plugin is a resolver whose answers are set by the test.
type Plugin struct {
	name  string
	calls atomic.Int64

	mu      sync.Mutex
	fn      ResolveFunc
	options map[string]string
	// Required lists options Configure insists on.
	Required []string
}

var _ resolver.Plugin = (*Plugin)(nil)

// New creates a plugin answering with fn.
func New(name string, fn ResolveFunc) *Plugin {
	return &Plugin{name: name, fn: fn}
}

// Returning creates a plugin that answers every descriptor with ids.
func Returning(name string, ids ...models.Identifier) *Plugin {
	return New(name, Answer(ids...))
}

// NotFound creates a plugin that knows nothing.
func NotFound(name string) *Plugin {
	return New(name, func(context.Context, models.Descriptor) (*resolver.Result, error) {
		return nil, apperrors.ErrNotFound
	})
}

// Transient creates a plugin that always fails with ErrUnavailable.
func Transient(name string) *Plugin {
	return New(name, func(context.Context, models.Descriptor) (*resolver.Result, error) {
		return nil, ErrUnavailable
	})
}

// Blocking creates a plugin that only returns once ctx is done or release is closed.
func Blocking(name string, release <-chan struct{}, ids ...models.Identifier) *Plugin {
	return New(name, func(ctx context.Context, d models.Descriptor) (*resolver.Result, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return Answer(ids...)(ctx, d)
		}
	})
}

// Answer returns a ResolveFunc that always yields ids.
func Answer(ids ...models.Identifier) ResolveFunc {
	return func(context.Context, models.Descriptor) (*resolver.Result, error) {
		return &resolver.Result{Identifiers: append([]models.Identifier(nil), ids...), Type: models.InstrumentStock}, nil
	}
}

// ByKey answers descriptors by their key and reports not found otherwise.
func ByKey(answers map[string][]models.Identifier) ResolveFunc {
	return func(_ context.Context, d models.Descriptor) (*resolver.Result, error) {
		ids, ok := answers[d.Key()]
		if !ok {
			return nil, apperrors.ErrNotFound
		}
		return &resolver.Result{Identifiers: append([]models.Identifier(nil), ids...), Type: models.InstrumentStock}, nil
	}
}

// Name implements resolver.Plugin.
func (p *Plugin) Name() string { return p.name }

// Resolve implements resolver.Plugin.
func (p *Plugin) Resolve(ctx context.Context, d models.Descriptor) (*resolver.Result, error) {
	p.calls.Add(1)
	p.mu.Lock()
	fn := p.fn
	p.mu.Unlock()
	return fn(ctx, d)
}

// Configure implements resolver.Plugin.
func (p *Plugin) Configure(options map[string]string) error {
	for _, key := range p.Required {
		if options[key] == "" {
			return apperrors.NewConfigError(p.name, key, "required")
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.options = options
	return nil
}

// Options returns the last accepted options.
func (p *Plugin) Options() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.options
}

// Set replaces the answer function.
func (p *Plugin) Set(fn ResolveFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fn = fn
}

// Calls returns the number of Resolve invocations.
func (p *Plugin) Calls() int {
	return int(p.calls.Load())
}

// ISIN builds an ISIN identifier.
func ISIN(value string) models.Identifier {
	return models.Identifier{Namespace: models.NamespaceISIN, Value: value}
}

// CUSIP builds a CUSIP identifier.
func CUSIP(value string) models.Identifier {
	return models.Identifier{Namespace: models.NamespaceCUSIP, Value: value}
}

// Entries builds an enabled precedence order from names, ranked 1..n.
func Entries(names ...string) []models.PrecedenceEntry {
	out := make([]models.PrecedenceEntry, len(names))
	for i, n := range names {
		out[i] = models.PrecedenceEntry{Name: n, Rank: i + 1, Enabled: true}
	}
	return out
}
