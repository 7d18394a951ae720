// Package openfigi resolves descriptors to FIGIs through the OpenFIGI API.
package openfigi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/models"
	"github.com/leedenison/portfoliodb/internal/resolver"
)

// Name is the resolver name used in the precedence order.
const Name = "openfigi"

const (
	DefaultBaseURL = "https://api.openfigi.com/v3"
	// Unauthenticated clients get 25 mapping requests per minute.
	DefaultPerMinute = 25
	DefaultCacheTTL  = 6 * time.Hour
)

// Resolver queries OpenFIGI. Answers, including misses, are cached and outgoing
// requests are throttled to the configured quota.
type Resolver struct {
	httpClient *http.Client

	mu      sync.RWMutex
	baseURL string
	apiKey  string
	limiter *rate.Limiter
	cache   *cache.Cache
}

var _ resolver.Plugin = (*Resolver)(nil)

// New creates a resolver using httpClient, or http.DefaultClient when nil.
func New(httpClient *http.Client) *Resolver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Resolver{
		httpClient: httpClient,
		baseURL:    DefaultBaseURL,
		limiter:    newLimiter(DefaultPerMinute),
		cache:      cache.New(DefaultCacheTTL, 2*DefaultCacheTTL),
	}
}

func newLimiter(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

// Name implements resolver.Plugin.
func (r *Resolver) Name() string { return Name }

// Configure implements resolver.Plugin. Options: api_key, base_url,
// per_minute, cache_ttl. All are optional.
func (r *Resolver) Configure(options map[string]string) error {
	baseURL := DefaultBaseURL
	if v := options["base_url"]; v != "" {
		u, err := url.Parse(v)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperrors.NewConfigError(Name, "base_url", "must be an http(s) URL")
		}
		baseURL = v
	}
	perMinute := DefaultPerMinute
	if v := options["per_minute"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return apperrors.NewConfigError(Name, "per_minute", "must be a positive integer")
		}
		perMinute = n
	}
	ttl := DefaultCacheTTL
	if v := options["cache_ttl"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return apperrors.NewConfigError(Name, "cache_ttl", "must be a positive duration")
		}
		ttl = d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.baseURL = baseURL
	r.apiKey = options["api_key"]
	r.limiter = newLimiter(perMinute)
	r.cache = cache.New(ttl, 2*ttl)
	return nil
}

// mappingJob is one entry of a /mapping request.
type mappingJob struct {
	IDType   string `json:"idType"`
	IDValue  string `json:"idValue"`
	ExchCode string `json:"exchCode,omitempty"`
	Currency string `json:"currency,omitempty"`
}

type searchRequest struct {
	Query    string `json:"query"`
	Currency string `json:"currency,omitempty"`
}

// Security is one FIGI record.
type Security struct {
	FIGI          string `json:"figi"`
	CompositeFIGI string `json:"compositeFIGI"`
	Name          string `json:"name"`
	Ticker        string `json:"ticker"`
	ExchCode      string `json:"exchCode"`
	MarketSector  string `json:"marketSector"`
	SecurityType  string `json:"securityType"`
	SecurityType2 string `json:"securityType2"`
}

type mappingResult struct {
	Data    []Security `json:"data"`
	Warning string     `json:"warning"`
	Error   string     `json:"error"`
}

// Resolve implements resolver.Plugin. Symbol descriptors are mapped by ticker,
// description descriptors by free-text search.
func (r *Resolver) Resolve(ctx context.Context, d models.Descriptor) (*resolver.Result, error) {
	d = d.Normalize()

	r.mu.RLock()
	c := r.cache
	r.mu.RUnlock()

	cacheKey := d.String()
	if v, ok := c.Get(cacheKey); ok {
		if v == nil {
			return nil, apperrors.ErrNotFound
		}
		return v.(*resolver.Result), nil
	}

	var securities []Security
	var err error
	switch d.Kind {
	case models.KindSymbol:
		securities, err = r.mapTicker(ctx, d)
	default:
		securities, err = r.search(ctx, d)
	}
	if err != nil {
		return nil, err
	}
	if len(securities) == 0 {
		c.SetDefault(cacheKey, nil)
		return nil, apperrors.ErrNotFound
	}

	best := securities[0]
	figi := best.CompositeFIGI
	if figi == "" {
		figi = best.FIGI
	}
	res := &resolver.Result{
		Identifiers: []models.Identifier{{Namespace: models.NamespaceFIGI, Value: figi, Source: Name}},
		Type:        mapSecurityType(best),
	}
	c.SetDefault(cacheKey, res)
	return res, nil
}

func (r *Resolver) mapTicker(ctx context.Context, d models.Descriptor) ([]Security, error) {
	jobs := []mappingJob{{IDType: "TICKER", IDValue: d.Symbol, ExchCode: d.Exchange, Currency: d.Currency}}
	var results []mappingResult
	if err := r.post(ctx, "/mapping", jobs, &results); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	if results[0].Error != "" {
		return nil, apperrors.NewTransientError(Name, fmt.Errorf("mapping: %s", results[0].Error))
	}
	return results[0].Data, nil
}

func (r *Resolver) search(ctx context.Context, d models.Descriptor) ([]Security, error) {
	var result mappingResult
	if err := r.post(ctx, "/search", searchRequest{Query: d.Description, Currency: d.Currency}, &result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, apperrors.NewTransientError(Name, fmt.Errorf("search: %s", result.Error))
	}
	return result.Data, nil
}

func (r *Resolver) post(ctx context.Context, path string, body, out interface{}) error {
	r.mu.RLock()
	baseURL, apiKey, limiter := r.baseURL, r.apiKey, r.limiter
	r.mu.RUnlock()

	if err := limiter.Wait(ctx); err != nil {
		return apperrors.NewTransientError(Name, err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-OPENFIGI-APIKEY", apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return apperrors.NewTransientError(Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.NewTransientError(Name, fmt.Errorf("POST %s: %s", path, resp.Status))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.NewTransientError(Name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.NewTransientError(Name, fmt.Errorf("failed to decode %s response: %w", path, err))
	}
	return nil
}

func mapSecurityType(s Security) models.InstrumentType {
	switch s.SecurityType2 {
	case "Common Stock", "Depositary Receipt", "Preference":
		return models.InstrumentStock
	case "Option":
		return models.InstrumentOption
	case "Future":
		return models.InstrumentFuture
	case "Mutual Fund":
		return models.InstrumentFund
	case "ETP":
		return models.InstrumentETF
	}
	switch s.MarketSector {
	case "Govt", "Corp", "Muni", "Mtge":
		return models.InstrumentBond
	case "Curncy":
		return models.InstrumentCash
	}
	return models.InstrumentUnknown
}
