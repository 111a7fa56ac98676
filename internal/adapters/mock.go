package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockQuotesAdapter serves deterministic quotes for tests and dry runs.
type MockQuotesAdapter struct {
	mu     sync.RWMutex
	quotes map[string]*Quote
}

func NewMockQuotesAdapter() *MockQuotesAdapter {
	now := time.Now().UTC()
	return &MockQuotesAdapter{
		quotes: map[string]*Quote{
			"TOKEN_X": {
				Token:        "TOKEN_X",
				PriceUSD:     1.25,
				LiquidityUSD: 250_000,
				MarketCapUSD: 4_000_000,
				AgeDays:      90,
				Timestamp:    now,
				Source:       "mock",
			},
			"TOKEN_THIN": {
				Token:        "TOKEN_THIN",
				PriceUSD:     0.004,
				LiquidityUSD: 1_200, // thin book, should trip liquidity filters
				MarketCapUSD: 60_000,
				AgeDays:      2,
				Timestamp:    now,
				Source:       "mock",
			},
		},
	}
}

func (m *MockQuotesAdapter) GetQuote(_ context.Context, token string) (*Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotes[token]
	if !ok {
		return nil, &QuoteError{Type: "bad_token", Token: token, Message: "no mock quote"}
	}
	cp := *q
	return &cp, nil
}

// SetQuote installs or replaces a mock quote (test hook).
func (m *MockQuotesAdapter) SetQuote(q *Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.Token] = q
}

// SetPrice adjusts only the price of an existing mock quote.
func (m *MockQuotesAdapter) SetPrice(token string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.quotes[token]; ok {
		q.PriceUSD = price
		q.Timestamp = time.Now().UTC()
	}
}

func (m *MockQuotesAdapter) Close() error { return nil }

// MockExecutor records intents and answers with configurable outcomes.
type MockExecutor struct {
	mu sync.Mutex

	Buys  []BuyIntent
	Sells []SellOrder

	FailBuys      bool
	FailSells     bool
	SellFailures  int // fail this many sells, then succeed
	BuyFillPrice  float64
	SellFillPrice float64
}

func NewMockExecutor() *MockExecutor {
	return &MockExecutor{BuyFillPrice: 1.0, SellFillPrice: 1.0}
}

func (m *MockExecutor) ExecuteBuy(_ context.Context, intent BuyIntent) (*BuyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Buys = append(m.Buys, intent)
	if m.FailBuys {
		return nil, fmt.Errorf("mock buy failure")
	}
	return &BuyResult{Filled: true, AmountUSD: intent.AmountUSD, Price: m.BuyFillPrice}, nil
}

func (m *MockExecutor) ExecuteSell(_ context.Context, order SellOrder) (*SellResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sells = append(m.Sells, order)
	if m.FailSells {
		return nil, fmt.Errorf("mock sell failure")
	}
	if m.SellFailures > 0 {
		m.SellFailures--
		return nil, fmt.Errorf("mock transient sell failure")
	}
	return &SellResult{Filled: true, ProceedsUSD: order.PortionPct, Price: m.SellFillPrice}, nil
}

// BuyCount returns how many buy intents were dispatched.
func (m *MockExecutor) BuyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Buys)
}

// SellCount returns how many sell orders were dispatched.
func (m *MockExecutor) SellCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sells)
}
