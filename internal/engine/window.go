package engine

import (
	"sync"
	"time"

	"github.com/mirrordesk/copy-engine/internal/feed"
	"github.com/mirrordesk/copy-engine/internal/observ"
	"github.com/mirrordesk/copy-engine/internal/rules"
)

type shardKey struct {
	ruleID string
	token  string
}

// walletEntry is one watched wallet's presence inside the window.
type walletEntry struct {
	lastSeen time.Time
	buyUSD   float64 // summed observed buys inside the window
}

// windowState is the per (rule, token) tracker. Membership is computed
// from signal timestamps, not arrival order, so late signals still count
// if they land inside the current window.
type windowState struct {
	wallets     map[string]*walletEntry
	maxTS       time.Time // highest signal timestamp seen, drives pruning
	fired       bool
	lastFiredAt time.Time
	touched     time.Time // wall clock of the last observe, drives sweeping
}

// Tracker keeps sliding-window state per (rule, token). All mutation for a
// given key is serialized by the owning shard worker; the mutex only guards
// cross-goroutine re-arms and inspection.
type Tracker struct {
	mu      sync.Mutex
	windows map[shardKey]*windowState
	now     func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{windows: map[shardKey]*windowState{}, now: time.Now}
}

// WithClock injects a controllable clock for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// observe records a buy signal for the rule's window and returns the state
// after pruning and insertion. Returns nil for signals already outside the
// window. Caller holds t.mu via the exported entry points.
func (t *Tracker) observe(rule *rules.Rule, sig feed.TradeSignal) *windowState {
	key := shardKey{ruleID: rule.ID, token: sig.Token}
	w, ok := t.windows[key]
	if !ok {
		w = &windowState{wallets: map[string]*walletEntry{}}
		t.windows[key] = w
	}
	w.touched = t.now()

	if sig.Timestamp.After(w.maxTS) {
		w.maxTS = sig.Timestamp
	}
	window := time.Duration(rule.Condition.TimeWindowSec) * time.Second
	cutoff := w.maxTS.Add(-window)

	t.prune(w, cutoff)

	// Late beyond the current window: honored only inside it.
	if sig.Timestamp.Before(cutoff) {
		return w
	}

	e, ok := w.wallets[sig.SourceWallet]
	if !ok {
		e = &walletEntry{}
		w.wallets[sig.SourceWallet] = e
	}
	if sig.Timestamp.After(e.lastSeen) {
		e.lastSeen = sig.Timestamp
	}
	e.buyUSD += sig.AmountUSD
	return w
}

// prune drops wallets whose last activity fell out of the window. When
// pruning empties a fired window, the window re-arms (empty-then-refill).
func (t *Tracker) prune(w *windowState, cutoff time.Time) {
	for wallet, e := range w.wallets {
		if e.lastSeen.Before(cutoff) {
			delete(w.wallets, wallet)
		}
	}
	if len(w.wallets) == 0 && w.fired {
		w.fired = false
		observ.IncCounter("windows_rearmed_total", map[string]string{"cause": "emptied"})
	}
}

// DistinctSourceCount returns the number of unique wallets in the rule's
// window for token as of asOf. A wallet trading twice counts once.
func (t *Tracker) DistinctSourceCount(rule *rules.Rule, token string, asOf time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[shardKey{ruleID: rule.ID, token: token}]
	if !ok {
		return 0
	}
	window := time.Duration(rule.Condition.TimeWindowSec) * time.Second
	cutoff := asOf.Add(-window)
	n := 0
	for _, e := range w.wallets {
		if !e.lastSeen.Before(cutoff) {
			n++
		}
	}
	return n
}

// Rearm clears the fired marker so the window may fire again, used when a
// position closes.
func (t *Tracker) Rearm(ruleID, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.windows[shardKey{ruleID: ruleID, token: token}]; ok && w.fired {
		w.fired = false
		observ.IncCounter("windows_rearmed_total", map[string]string{"cause": "position_closed"})
	}
}

// Forget drops all window state for a rule (rule deleted).
func (t *Tracker) Forget(ruleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.windows {
		if key.ruleID == ruleID {
			delete(t.windows, key)
		}
	}
}

// Sweep discards windows untouched for maxIdle, bounding memory for tokens
// that stopped trading. Any window that idle would have emptied and re-armed
// long before, so dropping the fired marker with it is equivalent.
func (t *Tracker) Sweep(maxIdle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-maxIdle)
	removed := 0
	for key, w := range t.windows {
		if w.touched.Before(cutoff) {
			delete(t.windows, key)
			removed++
		}
	}
	observ.SetGauge("window_active_shards", float64(len(t.windows)), nil)
	return removed
}
