package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mirrordesk/copy-engine/internal/observ"
)

// HTTPQuotesAdapter fetches token quotes from a price API over HTTP with
// request rate limiting, a TTL cache and a staleness ceiling.
type HTTPQuotesAdapter struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	cache       *quoteCache
	config      HTTPQuotesConfig
}

// HTTPQuotesConfig holds configuration for the HTTP quotes adapter.
type HTTPQuotesConfig struct {
	BaseURL             string `yaml:"base_url"`
	APIKey              string `yaml:"api_key"`
	RateLimitPerMinute  int    `yaml:"rate_limit_per_minute"`
	CacheTTLSeconds     int    `yaml:"cache_ttl_seconds"`
	StaleCeilingSeconds int    `yaml:"stale_ceiling_seconds"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	MaxRetries          int    `yaml:"max_retries"`
	BackoffBaseMs       int    `yaml:"backoff_base_ms"`
}

// quoteCache provides a thread-safe TTL cache.
type quoteCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	quote     *Quote
	fetchedAt time.Time
}

// NewHTTPQuotesAdapter creates a rate-limited HTTP quotes adapter.
func NewHTTPQuotesAdapter(config HTTPQuotesConfig) (*HTTPQuotesAdapter, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("quotes base URL is required")
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 60
	}
	if config.CacheTTLSeconds <= 0 {
		config.CacheTTLSeconds = 5
	}
	if config.StaleCeilingSeconds <= 0 {
		config.StaleCeilingSeconds = 60
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 10
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.BackoffBaseMs <= 0 {
		config.BackoffBaseMs = 200
	}

	return &HTTPQuotesAdapter{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout: time.Duration(config.TimeoutSeconds) * time.Second,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(config.RateLimitPerMinute)/60), 1),
		cache:       &quoteCache{entries: map[string]*cacheEntry{}},
		config:      config,
	}, nil
}

// GetQuote returns a cached quote when fresh, otherwise fetches. A fetch
// failure falls back to cache up to the staleness ceiling.
func (a *HTTPQuotesAdapter) GetQuote(ctx context.Context, token string) (*Quote, error) {
	ttl := time.Duration(a.config.CacheTTLSeconds) * time.Second
	if q, age, ok := a.cache.get(token); ok && age <= ttl {
		observ.IncCounter("quote_cache_hits_total", nil)
		return q, nil
	}

	q, err := a.fetchWithRetry(ctx, token)
	if err != nil {
		// Serve stale within the ceiling rather than failing the caller.
		ceiling := time.Duration(a.config.StaleCeilingSeconds) * time.Second
		if cached, age, ok := a.cache.get(token); ok && age <= ceiling {
			observ.IncCounter("quote_stale_served_total", nil)
			return cached, nil
		}
		return nil, err
	}
	a.cache.put(token, q)
	return q, nil
}

func (a *HTTPQuotesAdapter) fetchWithRetry(ctx context.Context, token string) (*Quote, error) {
	var lastErr error
	for attempt := 0; attempt < a.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(a.config.BackoffBaseMs*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		q, err := a.fetch(ctx, token)
		if err == nil {
			return q, nil
		}
		lastErr = err
		observ.IncCounter("quote_fetch_errors_total", map[string]string{"attempt": fmt.Sprint(attempt + 1)})
	}
	return nil, lastErr
}

type quoteResponse struct {
	PriceUSD     float64 `json:"price_usd"`
	LiquidityUSD float64 `json:"liquidity_usd"`
	MarketCapUSD float64 `json:"market_cap_usd"`
	AgeDays      float64 `json:"age_days"`
}

func (a *HTTPQuotesAdapter) fetch(ctx context.Context, token string) (*Quote, error) {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return nil, NewRateLimitError(token, "rate limiter wait cancelled")
	}

	u := fmt.Sprintf("%s/v1/tokens/%s/quote", a.baseURL, url.PathEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, NewProviderError(token, "build request", err)
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, NewNetworkError(token, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, NewRateLimitError(token, "provider returned 429")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewProviderError(token, fmt.Sprintf("status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, NewNetworkError(token, "read body", err)
	}
	var qr quoteResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, NewProviderError(token, "decode body", err)
	}

	q := &Quote{
		Token:        token,
		PriceUSD:     qr.PriceUSD,
		LiquidityUSD: qr.LiquidityUSD,
		MarketCapUSD: qr.MarketCapUSD,
		AgeDays:      qr.AgeDays,
		Timestamp:    time.Now().UTC(),
		Source:       "http",
	}
	if err := ValidateQuote(q); err != nil {
		return nil, NewProviderError(token, "invalid quote", err)
	}
	return q, nil
}

func (a *HTTPQuotesAdapter) Close() error { return nil }

func (c *quoteCache) get(token string) (*Quote, time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[token]
	if !ok {
		return nil, 0, false
	}
	return e.quote, time.Since(e.fetchedAt), true
}

func (c *quoteCache) put(token string, q *Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = &cacheEntry{quote: q, fetchedAt: time.Now()}
}
