package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/leedenison/portfoliodb/internal/config"
	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/logging"
	"github.com/leedenison/portfoliodb/internal/metrics"
	"github.com/leedenison/portfoliodb/internal/models"
	"github.com/leedenison/portfoliodb/internal/resilience"
)

// Snapshot is an immutable, versioned view of the precedence order.
type Snapshot struct {
	Version uint64
	// Entries are ordered by rank, disabled entries included.
	Entries []models.PrecedenceEntry
}

// Enabled returns the enabled entries in rank order.
func (s *Snapshot) Enabled() []models.PrecedenceEntry {
	var out []models.PrecedenceEntry
	for _, e := range s.Entries {
		if e.Enabled {
			out = append(out, e)
		}
	}
	return out
}

// Rank returns the rank of the named resolver.
func (s *Snapshot) Rank(name string) (int, bool) {
	for _, e := range s.Entries {
		if e.Name == name {
			return e.Rank, true
		}
	}
	return 0, false
}

// ChainConfig bounds the fan-out.
type ChainConfig struct {
	// MaxParallel caps concurrently running plugin calls within one fan-out.
	MaxParallel int
	// PluginTimeout bounds each plugin call.
	PluginTimeout time.Duration
	// Breaker configures the per-plugin circuit breakers.
	Breaker resilience.CircuitBreakerConfig
}

// DefaultChainConfig returns the default fan-out bounds.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		MaxParallel:   4,
		PluginTimeout: 10 * time.Second,
		Breaker:       resilience.DefaultCircuitBreakerConfig(),
	}
}

// Chain holds the registered plugins and the published precedence snapshot.
// Readers take a snapshot once per attempt; publishers swap in a new one, so
// in-flight attempts keep the order they started with.
type Chain struct {
	cfg      ChainConfig
	logger   zerolog.Logger
	breakers *resilience.CircuitBreakerRegistry

	mu      sync.RWMutex
	plugins map[string]Plugin

	publishMu sync.Mutex
	snapshot  atomic.Pointer[Snapshot]
}

// NewChain creates a chain over plugins with an empty precedence order.
func NewChain(cfg ChainConfig, logger zerolog.Logger, plugins ...Plugin) *Chain {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	breaker := cfg.Breaker
	breaker.IsFailure = func(err error) bool { return !errors.Is(err, apperrors.ErrNotFound) }

	c := &Chain{
		cfg:      cfg,
		logger:   logger.With().Str("component", "chain").Logger(),
		breakers: resilience.NewCircuitBreakerRegistry(breaker),
		plugins:  make(map[string]Plugin),
	}
	c.snapshot.Store(&Snapshot{})
	for _, p := range plugins {
		c.plugins[p.Name()] = p
	}
	return c
}

// Register adds a plugin. Registration does not place it in the precedence order.
func (c *Chain) Register(p Plugin) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.plugins[p.Name()]; ok {
		return fmt.Errorf("resolver %q already registered", p.Name())
	}
	c.plugins[p.Name()] = p
	return nil
}

// Plugin returns the named plugin.
func (c *Chain) Plugin(name string) (Plugin, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plugins[name]
	return p, ok
}

// Names returns the registered plugin names, sorted.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.plugins))
	for name := range c.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Breakers exposes the per-plugin circuit breakers.
func (c *Chain) Breakers() *resilience.CircuitBreakerRegistry {
	return c.breakers
}

// Snapshot returns the current precedence snapshot.
func (c *Chain) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Publish validates entries and swaps in a new snapshot.
func (c *Chain) Publish(entries []models.PrecedenceEntry) (*Snapshot, error) {
	if err := config.ValidatePrecedence(entries); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, err.Error())
	}
	for _, e := range entries {
		if _, ok := c.Plugin(e.Name); !ok {
			return nil, apperrors.Wrapf(apperrors.ErrResolverNotFound, "precedence entry %q", e.Name)
		}
	}

	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	next := &Snapshot{
		Version: c.snapshot.Load().Version + 1,
		Entries: config.SortedPrecedence(entries),
	}
	c.snapshot.Store(next)
	metrics.PrecedenceVersion.Set(float64(next.Version))

	c.logger.Info().
		Uint64("version", next.Version).
		Int("enabled", len(next.Enabled())).
		Msg("Published precedence snapshot")
	return next, nil
}

// Reorder assigns ranks 1..n in the given order. names must list every entry
// of the current snapshot exactly once.
func (c *Chain) Reorder(names []string) (*Snapshot, error) {
	current := c.Snapshot()
	if len(names) != len(current.Entries) {
		return nil, apperrors.NewValidationError("names", names, "must list every resolver in the precedence order")
	}
	byName := make(map[string]models.PrecedenceEntry, len(current.Entries))
	for _, e := range current.Entries {
		byName[e.Name] = e
	}

	entries := make([]models.PrecedenceEntry, 0, len(names))
	for i, name := range names {
		e, ok := byName[name]
		if !ok {
			return nil, apperrors.Wrapf(apperrors.ErrResolverNotFound, "reorder %q", name)
		}
		delete(byName, name)
		e.Rank = i + 1
		entries = append(entries, e)
	}
	return c.Publish(entries)
}

// SetEnabled toggles a resolver. A registered resolver missing from the order is
// appended after the last rank.
func (c *Chain) SetEnabled(name string, enabled bool) (*Snapshot, error) {
	current := c.Snapshot()
	entries := append([]models.PrecedenceEntry(nil), current.Entries...)

	found := false
	last := 0
	for i := range entries {
		if entries[i].Name == name {
			entries[i].Enabled = enabled
			found = true
		}
		last = max(last, entries[i].Rank)
	}
	if !found {
		entries = append(entries, models.PrecedenceEntry{Name: name, Rank: last + 1, Enabled: enabled})
	}
	return c.Publish(entries)
}

// Configure forwards admin options to the named plugin.
func (c *Chain) Configure(name string, options map[string]string) error {
	p, ok := c.Plugin(name)
	if !ok {
		return apperrors.Wrapf(apperrors.ErrResolverNotFound, "configure %q", name)
	}
	if err := p.Configure(options); err != nil {
		c.logger.Warn().Err(err).Str("resolver", name).Msg("Resolver rejected configuration")
		return err
	}
	c.logger.Info().Str("resolver", name).Int("options", len(options)).Msg("Resolver configured")
	return nil
}

// Resolve fans d out to every enabled plugin of snap concurrently. It waits for
// every call to finish or time out, so the whole fan-out is bounded by the
// slowest plugin timeout. Failures never abort the other calls.
func (c *Chain) Resolve(ctx context.Context, snap *Snapshot, d models.Descriptor) FanOut {
	if snap == nil {
		snap = c.Snapshot()
	}
	enabled := snap.Enabled()
	fan := FanOut{Version: snap.Version, Responses: make([]Response, len(enabled))}

	p := pool.New().WithMaxGoroutines(c.cfg.MaxParallel)
	for i, entry := range enabled {
		p.Go(func() {
			fan.Responses[i] = c.call(ctx, entry, d)
		})
	}
	p.Wait()
	return fan
}

func (c *Chain) call(ctx context.Context, entry models.PrecedenceEntry, d models.Descriptor) Response {
	resp := Response{Resolver: entry.Name, Rank: entry.Rank}
	start := time.Now()
	defer func() {
		resp.Duration = time.Since(start)
		metrics.ResolverCallsTotal.WithLabelValues(entry.Name, string(resp.Outcome)).Inc()
		logging.LogResolverCall(c.logger, entry.Name, string(resp.Outcome), resp.Duration, resp.Err)
	}()

	plugin, ok := c.Plugin(entry.Name)
	if !ok {
		resp.Outcome = OutcomeTransient
		resp.Err = apperrors.NewTransientError(entry.Name, apperrors.ErrResolverNotFound)
		return resp
	}

	callCtx := ctx
	if c.cfg.PluginTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.PluginTimeout)
		defer cancel()
	}

	result, err := resilience.ExecuteWithResult(c.breakers.Get(entry.Name), callCtx,
		func(ctx context.Context) (*Result, error) {
			return plugin.Resolve(ctx, d)
		})

	if err == nil && result != nil {
		result = normalizeResult(entry.Name, result)
	}

	switch {
	case err == nil && result != nil && len(result.Identifiers) > 0:
		resp.Outcome = OutcomeSuccess
		resp.Result = result
	case err == nil, errors.Is(err, apperrors.ErrNotFound):
		resp.Outcome = OutcomeNotFound
	default:
		resp.Outcome = OutcomeTransient
		var te *apperrors.TransientError
		if errors.As(err, &te) {
			resp.Err = err
		} else {
			resp.Err = apperrors.NewTransientError(entry.Name, err)
		}
	}
	return resp
}

// normalizeResult keeps the best identifier per namespace and tags its source.
func normalizeResult(source string, r *Result) *Result {
	out := &Result{Authoritative: r.Authoritative, Type: r.Type}
	seen := make(map[string]bool)
	for _, id := range r.Identifiers {
		id = id.Normalize()
		if id.Namespace == "" || id.Value == "" || seen[id.Namespace] {
			continue
		}
		seen[id.Namespace] = true
		if id.Source == "" {
			id.Source = source
		}
		id.Authoritative = id.Authoritative || r.Authoritative
		out.Identifiers = append(out.Identifiers, id)
	}
	if out.Type == "" {
		out.Type = models.InstrumentUnknown
	}
	return out
}
