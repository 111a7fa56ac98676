package feed

import (
	"time"
)

// Side is the direction of an observed trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TradeSignal is one observed trade by a watched wallet, in canonical form.
// Signals are ephemeral; the engine never persists them.
type TradeSignal struct {
	SourceWallet string    `json:"source_wallet"`
	Token        string    `json:"token"`
	Side         Side      `json:"side"`
	AmountUSD    float64   `json:"amount_usd"`
	Timestamp    time.Time `json:"timestamp"`
}
