package engine

import (
	"sort"
	"time"

	"github.com/mirrordesk/copy-engine/internal/feed"
	"github.com/mirrordesk/copy-engine/internal/observ"
	"github.com/mirrordesk/copy-engine/internal/rules"
)

// RearmPolicy decides when a fired window may fire again.
type RearmPolicy string

const (
	// RearmOnEmpty re-arms only once the window has fully emptied and
	// repopulated (the default).
	RearmOnEmpty RearmPolicy = "empty"
	// RearmAfterCooldown re-arms a fixed interval after the last fire.
	RearmAfterCooldown RearmPolicy = "cooldown"
)

// FireEvent is emitted when a rule's condition is satisfied for a token.
// It carries a snapshot of the triggering wallets and their observed buy
// sizes so the position manager can mirror sells pro-rata.
type FireEvent struct {
	Rule              *rules.Rule
	Token             string
	TriggeringWallets []string
	SourceBuyUSD      map[string]float64
	AsOf              time.Time
}

// Evaluator applies ANY/ALL semantics over the window after each update.
// Firing is exactly once per qualifying window occupancy: the fired marker
// is set in the same critical section that observed the qualifying signal,
// so concurrent qualifying signals cannot produce duplicate fires.
type Evaluator struct {
	tracker       *Tracker
	policy        RearmPolicy
	rearmCooldown time.Duration
}

func NewEvaluator(tracker *Tracker, policy RearmPolicy, rearmCooldown time.Duration) *Evaluator {
	if policy == "" {
		policy = RearmOnEmpty
	}
	return &Evaluator{tracker: tracker, policy: policy, rearmCooldown: rearmCooldown}
}

// Tracker exposes the underlying window tracker.
func (e *Evaluator) Tracker() *Tracker { return e.tracker }

// OnSignal records a buy signal and decides trigger-or-not. Returns nil
// when the rule does not fire.
func (e *Evaluator) OnSignal(rule *rules.Rule, sig feed.TradeSignal) *FireEvent {
	if sig.Side != feed.SideBuy {
		return nil
	}

	e.tracker.mu.Lock()
	defer e.tracker.mu.Unlock()

	w := e.tracker.observe(rule, sig)

	if w.fired && e.policy == RearmAfterCooldown &&
		!w.lastFiredAt.IsZero() && sig.Timestamp.Sub(w.lastFiredAt) >= e.rearmCooldown {
		w.fired = false
		observ.IncCounter("windows_rearmed_total", map[string]string{"cause": "cooldown"})
	}
	if w.fired {
		// Second evaluation against the same unexpired window set: no-op.
		return nil
	}
	if len(w.wallets) < rule.Condition.RequiredCount() {
		return nil
	}

	w.fired = true
	w.lastFiredAt = sig.Timestamp

	wallets := make([]string, 0, len(w.wallets))
	buyUSD := make(map[string]float64, len(w.wallets))
	for wallet, entry := range w.wallets {
		wallets = append(wallets, wallet)
		buyUSD[wallet] = entry.buyUSD
	}
	sort.Strings(wallets)

	observ.IncCounter("rule_fires_total", map[string]string{"mode": string(rule.Condition.Mode)})
	return &FireEvent{
		Rule:              rule,
		Token:             sig.Token,
		TriggeringWallets: wallets,
		SourceBuyUSD:      buyUSD,
		AsOf:              sig.Timestamp,
	}
}
