package position

import (
	"sync"
	"time"

	"github.com/mirrordesk/copy-engine/internal/rules"
)

// Position is the live state of a filled buy, owned exclusively by the
// Manager. The sell spec and the triggering sources' observed buy sizes are
// snapshotted at fill time; later rule patches do not affect open exits.
type Position struct {
	ID             string
	RuleID         string
	Token          string
	EntryPrice     float64
	EntryAmountUSD float64
	OpenedAt       time.Time

	// RemainingPortionPct is the unsold share of the original size, in
	// percent. Starts at 100; the position closes at 0.
	RemainingPortionPct float64

	// ExecutedRungs holds indices of ladder rungs already fired. Rungs are
	// monotonic and idempotent: each index fires at most once.
	ExecutedRungs map[int]bool

	// CurrentStopPrice is 0 when no stop-loss is configured. With a
	// trailing stop it only ever moves up.
	CurrentStopPrice float64

	SellSpec     *rules.SellSpec
	SourceBuyUSD map[string]float64 // triggering wallet -> observed buy USD

	mu     sync.Mutex
	closed bool
}

// rungTarget is the price at which rung i fires.
func (p *Position) rungTarget(i int) float64 {
	return p.EntryPrice * (1 + p.SellSpec.LimitLadders[i].GainPct/100)
}

// stopConfigured reports whether this position has any stop-loss.
func (p *Position) stopConfigured() bool {
	return p.SellSpec != nil && p.SellSpec.StopLoss != nil
}
