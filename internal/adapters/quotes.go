package adapters

import (
	"context"
	"fmt"
	"time"
)

// Quote is normalized token market data from any provider.
type Quote struct {
	Token        string    `json:"token"`
	PriceUSD     float64   `json:"price_usd"`
	LiquidityUSD float64   `json:"liquidity_usd"`
	MarketCapUSD float64   `json:"market_cap_usd"`
	AgeDays      float64   `json:"age_days"`
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source"` // "http"|"mock"
}

// QuotesAdapter provides token quotes for sizing, filters and exits.
type QuotesAdapter interface {
	GetQuote(ctx context.Context, token string) (*Quote, error)
	Close() error
}

// ValidateQuote rejects quotes the engine must not act on (fail-closed).
func ValidateQuote(q *Quote) error {
	if q == nil {
		return fmt.Errorf("quote is nil")
	}
	if q.Token == "" {
		return fmt.Errorf("empty token")
	}
	if q.PriceUSD <= 0 {
		return fmt.Errorf("invalid price: %.8f", q.PriceUSD)
	}
	if q.LiquidityUSD < 0 || q.MarketCapUSD < 0 {
		return fmt.Errorf("negative liquidity or market cap")
	}
	return nil
}

// QuoteError classifies quote fetch failures.
type QuoteError struct {
	Type    string // "network", "rate_limit", "provider_error", "bad_token", "stale"
	Token   string
	Message string
	Cause   error
}

func (e *QuoteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Type, e.Token, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Token, e.Message)
}

func (e *QuoteError) Unwrap() error { return e.Cause }

func NewNetworkError(token, message string, cause error) *QuoteError {
	return &QuoteError{Type: "network", Token: token, Message: message, Cause: cause}
}

func NewRateLimitError(token, message string) *QuoteError {
	return &QuoteError{Type: "rate_limit", Token: token, Message: message}
}

func NewProviderError(token, message string, cause error) *QuoteError {
	return &QuoteError{Type: "provider_error", Token: token, Message: message, Cause: cause}
}

func NewStaleError(token string, age time.Duration) *QuoteError {
	return &QuoteError{Type: "stale", Token: token, Message: fmt.Sprintf("quote too stale: %v", age)}
}
