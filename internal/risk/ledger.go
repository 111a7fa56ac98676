package risk

import (
	"sync"
	"time"
)

// SpendLedger tracks per-rule buy spend over a rolling window (24h for the
// daily cap). Entries are append-only with time-based eviction. A planned
// buy reserves its amount first; the reservation is committed on fill and
// released on failure, so in-flight buys still count against the cap.
type SpendLedger struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time

	committed map[string][]spendEntry           // ruleID -> fills
	reserved  map[string]map[string]reservation // ruleID -> reservationID
}

type spendEntry struct {
	amountUSD float64
	at        time.Time
}

type reservation struct {
	amountUSD float64
	at        time.Time
}

func NewSpendLedger(window time.Duration) *SpendLedger {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &SpendLedger{
		window:    window,
		now:       time.Now,
		committed: map[string][]spendEntry{},
		reserved:  map[string]map[string]reservation{},
	}
}

// WithClock injects a controllable clock for tests.
func (l *SpendLedger) WithClock(now func() time.Time) *SpendLedger {
	l.now = now
	return l
}

// Sum returns the rule's spend inside the window: committed fills plus
// outstanding reservations.
func (l *SpendLedger) Sum(ruleID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(ruleID)

	var sum float64
	for _, e := range l.committed[ruleID] {
		sum += e.amountUSD
	}
	for _, r := range l.reserved[ruleID] {
		sum += r.amountUSD
	}
	return sum
}

// Reserve holds amountUSD against the rule's cap pending execution.
func (l *SpendLedger) Reserve(ruleID, reservationID string, amountUSD float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.reserved[ruleID]
	if !ok {
		m = map[string]reservation{}
		l.reserved[ruleID] = m
	}
	m[reservationID] = reservation{amountUSD: amountUSD, at: l.now()}
}

// Commit converts a reservation into a committed fill. filledUSD may differ
// from the reserved amount (partial fills); the fill amount is what counts.
func (l *SpendLedger) Commit(ruleID, reservationID string, filledUSD float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.reserved[ruleID]; ok {
		delete(m, reservationID)
	}
	l.committed[ruleID] = append(l.committed[ruleID], spendEntry{amountUSD: filledUSD, at: l.now()})
	l.evict(ruleID)
}

// Release drops a reservation after a failed or rejected buy.
func (l *SpendLedger) Release(ruleID, reservationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.reserved[ruleID]; ok {
		delete(m, reservationID)
		if len(m) == 0 {
			delete(l.reserved, ruleID)
		}
	}
}

// Forget drops all state for a rule (rule deleted).
func (l *SpendLedger) Forget(ruleID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.committed, ruleID)
	delete(l.reserved, ruleID)
}

// evict prunes committed entries older than the window. Caller holds mu.
func (l *SpendLedger) evict(ruleID string) {
	cutoff := l.now().Add(-l.window)
	entries := l.committed[ruleID]
	kept := entries[:0]
	for _, e := range entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(l.committed, ruleID)
		return
	}
	l.committed[ruleID] = kept
}
