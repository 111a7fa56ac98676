package adapters

import (
	"context"
	"time"
)

// BuyIntent is what the engine hands to the execution layer. The engine
// never moves funds itself; it only emits intents and consumes outcomes.
type BuyIntent struct {
	ID             string    `json:"id"`
	RuleID         string    `json:"rule_id"`
	Token          string    `json:"token"`
	AmountUSD      float64   `json:"amount_usd"`
	MaxSlippagePct float64   `json:"max_slippage_pct"`
	CreatedAt      time.Time `json:"created_at"`
}

// BuyResult is the execution layer's response to a BuyIntent.
type BuyResult struct {
	Filled    bool    `json:"filled"`
	AmountUSD float64 `json:"amount_usd"`
	Price     float64 `json:"price"`
}

// SellOrder asks the execution layer to liquidate a portion of a position.
type SellOrder struct {
	ID         string    `json:"id"`
	PositionID string    `json:"position_id"`
	RuleID     string    `json:"rule_id"`
	Token      string    `json:"token"`
	PortionPct float64   `json:"portion_pct"` // of original position size
	Reason     string    `json:"reason"`      // "ladder"|"stop_loss"|"mirror"|"force_liquidate"
	CreatedAt  time.Time `json:"created_at"`
}

// SellResult is the execution layer's response to a SellOrder.
type SellResult struct {
	Filled      bool    `json:"filled"`
	ProceedsUSD float64 `json:"proceeds_usd"`
	Price       float64 `json:"price"`
}

// Executor is the execution/custody layer boundary.
type Executor interface {
	ExecuteBuy(ctx context.Context, intent BuyIntent) (*BuyResult, error)
	ExecuteSell(ctx context.Context, order SellOrder) (*SellResult, error)
}
