// Package kite resolves exchange symbols against the Zerodha Kite Connect
// instrument dump.
package kite

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/models"
	"github.com/leedenison/portfoliodb/internal/resolver"
)

// Name is the resolver name used in the precedence order.
const Name = "kite"

// DefaultRefresh is how long a downloaded instrument dump is used. Kite
// regenerates the dump once a day.
const DefaultRefresh = 12 * time.Hour

var errNotConfigured = errors.New("kite resolver is not configured")

// InstrumentSource downloads the instrument dump. *kiteconnect.Client satisfies it.
type InstrumentSource interface {
	GetInstruments() (kiteconnect.Instruments, error)
}

type instrument struct {
	token int
	kind  string
}

// Resolver maps (exchange, trading symbol) pairs onto Kite instrument tokens.
type Resolver struct {
	mu          sync.RWMutex
	source      InstrumentSource
	refresh     time.Duration
	loadedAt    time.Time
	instruments map[string]instrument
	now         func() time.Time

	// load collapses concurrent downloads of a stale dump into one.
	load singleflight.Group
}

var _ resolver.Plugin = (*Resolver)(nil)

// New creates a resolver. A nil source leaves it unconfigured until Configure
// supplies credentials.
func New(source InstrumentSource) *Resolver {
	return &Resolver{
		source:      source,
		refresh:     DefaultRefresh,
		instruments: make(map[string]instrument),
		now:         time.Now,
	}
}

// Name implements resolver.Plugin.
func (r *Resolver) Name() string { return Name }

// Configure implements resolver.Plugin. Options: api_key and access_token
// (required), refresh (duration).
func (r *Resolver) Configure(options map[string]string) error {
	apiKey := options["api_key"]
	if apiKey == "" {
		return apperrors.NewConfigError(Name, "api_key", "required")
	}
	accessToken := options["access_token"]
	if accessToken == "" {
		return apperrors.NewConfigError(Name, "access_token", "required")
	}
	refresh := DefaultRefresh
	if v := options["refresh"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return apperrors.NewConfigError(Name, "refresh", "must be a positive duration")
		}
		refresh = d
	}

	client := kiteconnect.New(apiKey)
	client.SetAccessToken(accessToken)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.source = client
	r.refresh = refresh
	r.loadedAt = time.Time{}
	r.instruments = make(map[string]instrument)
	return nil
}

// Resolve implements resolver.Plugin. Only symbol descriptors on Indian
// exchanges are answered.
func (r *Resolver) Resolve(ctx context.Context, d models.Descriptor) (*resolver.Result, error) {
	d = d.Normalize()
	if d.Kind != models.KindSymbol || d.Exchange == "" {
		return nil, apperrors.ErrNotFound
	}
	if d.Currency != "" && d.Currency != "INR" {
		return nil, apperrors.ErrNotFound
	}

	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	inst, ok := r.instruments[key(d.Exchange, d.Symbol)]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.ErrNotFound
	}

	return &resolver.Result{
		Identifiers: []models.Identifier{{
			Namespace: models.NamespaceKite,
			Value:     strconv.Itoa(inst.token),
			Source:    Name,
		}},
		Type: mapInstrumentType(inst.kind),
	}, nil
}

func (r *Resolver) ensureLoaded(ctx context.Context) error {
	r.mu.RLock()
	source := r.source
	fresh := !r.loadedAt.IsZero() && r.now().Sub(r.loadedAt) < r.refresh
	r.mu.RUnlock()

	if source == nil {
		return apperrors.NewTransientError(Name, errNotConfigured)
	}
	if fresh {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ch := r.load.DoChan("instruments", func() (any, error) {
		return nil, r.download(source)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (r *Resolver) download(source InstrumentSource) error {
	r.mu.RLock()
	fresh := !r.loadedAt.IsZero() && r.now().Sub(r.loadedAt) < r.refresh
	r.mu.RUnlock()
	if fresh {
		return nil
	}

	instruments, err := source.GetInstruments()
	if err != nil {
		return apperrors.NewTransientError(Name, fmt.Errorf("failed to get instruments: %w", err))
	}

	index := make(map[string]instrument, len(instruments))
	for _, inst := range instruments {
		index[key(inst.Exchange, inst.Tradingsymbol)] = instrument{
			token: inst.InstrumentToken,
			kind:  inst.InstrumentType,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Configure swapped the client while the download ran.
	if r.source != source {
		return nil
	}
	r.instruments = index
	r.loadedAt = r.now()
	return nil
}

// Len returns the number of instruments in the loaded dump.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}

func key(exchange, symbol string) string {
	return strings.ToUpper(exchange) + ":" + strings.ToUpper(symbol)
}

func mapInstrumentType(kind string) models.InstrumentType {
	switch strings.ToUpper(kind) {
	case "EQ":
		return models.InstrumentStock
	case "CE", "PE":
		return models.InstrumentOption
	case "FUT":
		return models.InstrumentFuture
	default:
		return models.InstrumentUnknown
	}
}
