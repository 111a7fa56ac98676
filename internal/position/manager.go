package position

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mirrordesk/copy-engine/internal/adapters"
	"github.com/mirrordesk/copy-engine/internal/feed"
	"github.com/mirrordesk/copy-engine/internal/observ"
	"github.com/mirrordesk/copy-engine/internal/outbox"
	"github.com/mirrordesk/copy-engine/internal/rules"
)

const closeEpsilonPct = 1e-9

// RetryConfig bounds the sell retry loop. An open, un-exitable position is
// a risk the system must not silently tolerate, so sells are retried with
// exponential backoff; buys are never retried (a new qualifying window is
// required instead).
//
// Retries run while the position is locked: until the loop resolves, price
// updates and mirror sells for that position wait. MaxAttempts and
// BackoffMax bound that stall, which is the price of never interleaving two
// exits for one position.
type RetryConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c *RetryConfig) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 250 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
}

// Manager owns the lifecycle of positions opened by fired rules. Each
// position is mutated by exactly one goroutine at a time (its own lock);
// the manager maps are guarded separately so price updates for different
// tokens proceed in parallel.
type Manager struct {
	executor adapters.Executor
	quotes   adapters.QuotesAdapter
	journal  *outbox.Outbox
	retry    RetryConfig
	now      func() time.Time

	// onClosed re-arms the rule/token window after a position closes.
	onClosed func(ruleID, token string)

	mu      sync.RWMutex
	byID    map[string]*Position
	byToken map[string]map[string]*Position // token -> id -> position
	byRule  map[string]map[string]*Position // ruleID -> id -> position
}

func NewManager(executor adapters.Executor, quotes adapters.QuotesAdapter, journal *outbox.Outbox, retry RetryConfig) *Manager {
	retry.defaults()
	return &Manager{
		executor: executor,
		quotes:   quotes,
		journal:  journal,
		retry:    retry,
		now:      time.Now,
		byID:     map[string]*Position{},
		byToken:  map[string]map[string]*Position{},
		byRule:   map[string]map[string]*Position{},
	}
}

// WithClock injects a controllable clock for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// OnClosed registers the hook invoked after any position closes.
func (m *Manager) OnClosed(fn func(ruleID, token string)) {
	m.onClosed = fn
}

// Open creates a position from a confirmed fill and starts managing its
// exit. sourceBuyUSD is the triggering wallets' observed buy sizes, used
// for pro-rata mirrored sells.
func (m *Manager) Open(rule *rules.Rule, token string, res *adapters.BuyResult, sourceBuyUSD map[string]float64) *Position {
	p := &Position{
		ID:                  uuid.NewString(),
		RuleID:              rule.ID,
		Token:               token,
		EntryPrice:          res.Price,
		EntryAmountUSD:      res.AmountUSD,
		OpenedAt:            m.now(),
		RemainingPortionPct: 100,
		ExecutedRungs:       map[int]bool{},
		SellSpec:            rule.SellSpec,
		SourceBuyUSD:        sourceBuyUSD,
	}
	if p.stopConfigured() {
		p.CurrentStopPrice = res.Price * (1 - p.SellSpec.StopLoss.Pct/100)
	}

	m.mu.Lock()
	m.byID[p.ID] = p
	if m.byToken[token] == nil {
		m.byToken[token] = map[string]*Position{}
	}
	m.byToken[token][p.ID] = p
	if m.byRule[rule.ID] == nil {
		m.byRule[rule.ID] = map[string]*Position{}
	}
	m.byRule[rule.ID][p.ID] = p
	open := len(m.byID)
	m.mu.Unlock()

	observ.SetGauge("positions_open", float64(open), nil)
	observ.Log("position_opened", map[string]any{
		"position_id": p.ID, "rule_id": p.RuleID, "token": token,
		"entry_price": p.EntryPrice, "entry_usd": p.EntryAmountUSD,
	})
	return p
}

// OpenCount returns the number of currently open positions.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Get returns an open position by id (test hook).
func (m *Manager) Get(id string) (*Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	return p, ok
}

// OpenTokens lists tokens with at least one open position.
func (m *Manager) OpenTokens() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byToken))
	for t := range m.byToken {
		out = append(out, t)
	}
	return out
}

func (m *Manager) positionsForToken(token string) []*Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Position, 0, len(m.byToken[token]))
	for _, p := range m.byToken[token] {
		out = append(out, p)
	}
	return out
}

// OnPriceUpdate applies ladders and the stop-loss to every open position on
// token. A stop breach liquidates 100% of the remaining portion and
// overrides pending rungs; the trailing stop only ratchets upward.
func (m *Manager) OnPriceUpdate(ctx context.Context, token string, price float64) {
	if price <= 0 {
		return
	}
	for _, p := range m.positionsForToken(token) {
		m.applyPrice(ctx, p, price)
	}
}

func (m *Manager) applyPrice(ctx context.Context, p *Position, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.SellSpec == nil {
		return
	}

	// Stop breach first: it overrides any pending ladder rungs.
	if p.stopConfigured() && price <= p.CurrentStopPrice {
		m.sellLocked(ctx, p, p.RemainingPortionPct, "stop_loss")
		return
	}

	// Ladder rungs newly crossed, ascending; each fires once per position.
	for i := range p.SellSpec.LimitLadders {
		if p.closed || p.RemainingPortionPct <= closeEpsilonPct {
			return
		}
		if p.ExecutedRungs[i] || price < p.rungTarget(i) {
			continue
		}
		portion := p.SellSpec.LimitLadders[i].PortionPct
		if portion > p.RemainingPortionPct {
			portion = p.RemainingPortionPct
		}
		if m.sellLocked(ctx, p, portion, "ladder") {
			p.ExecutedRungs[i] = true
			observ.IncCounter("ladder_rungs_fired_total", nil)
		}
	}

	// Trailing ratchet never moves the stop down.
	if !p.closed && p.stopConfigured() && p.SellSpec.StopLoss.TrailPct > 0 {
		candidate := price * (1 - p.SellSpec.StopLoss.TrailPct/100)
		if candidate > p.CurrentStopPrice {
			p.CurrentStopPrice = candidate
		}
	}
}

// OnSourceSell mirrors a triggering source's sell: the remaining portion is
// sold pro-rata to the source's observed sell fraction. A sell with no
// recorded buy size mirrors the full remaining portion.
func (m *Manager) OnSourceSell(ctx context.Context, sig feed.TradeSignal) {
	if sig.Side != feed.SideSell {
		return
	}
	for _, p := range m.positionsForToken(sig.Token) {
		p.mu.Lock()
		if p.closed || !p.SellSpec.FollowsSeller() {
			p.mu.Unlock()
			continue
		}
		buyUSD, tracked := p.SourceBuyUSD[sig.SourceWallet]
		if !tracked {
			p.mu.Unlock()
			continue
		}
		fraction := 1.0
		if buyUSD > 0 && sig.AmountUSD < buyUSD {
			fraction = sig.AmountUSD / buyUSD
		}
		portion := fraction * p.RemainingPortionPct
		m.sellLocked(ctx, p, portion, "mirror")
		p.mu.Unlock()
	}
}

// ForceLiquidateRule market-sells the remaining portion of every open
// position belonging to a deleted rule.
func (m *Manager) ForceLiquidateRule(ctx context.Context, ruleID string) {
	m.mu.RLock()
	ps := make([]*Position, 0, len(m.byRule[ruleID]))
	for _, p := range m.byRule[ruleID] {
		ps = append(ps, p)
	}
	m.mu.RUnlock()

	for _, p := range ps {
		p.mu.Lock()
		if !p.closed {
			m.sellLocked(ctx, p, p.RemainingPortionPct, "force_liquidate")
		}
		p.mu.Unlock()
	}
}

// Watch polls quotes for open-position tokens and feeds price updates.
// Blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, token := range m.OpenTokens() {
				q, err := m.quotes.GetQuote(ctx, token)
				if err != nil {
					observ.IncCounter("price_poll_errors_total", nil)
					continue
				}
				m.OnPriceUpdate(ctx, token, q.PriceUSD)
			}
		}
	}
}

// sellLocked dispatches a sell for portionPct (of original size) with
// retry/backoff. Caller holds p.mu. Returns true when the sell filled.
func (m *Manager) sellLocked(ctx context.Context, p *Position, portionPct float64, reason string) bool {
	if portionPct <= closeEpsilonPct {
		return false
	}
	if portionPct > p.RemainingPortionPct {
		portionPct = p.RemainingPortionPct
	}

	order := adapters.SellOrder{
		ID:         uuid.NewString(),
		PositionID: p.ID,
		RuleID:     p.RuleID,
		Token:      p.Token,
		PortionPct: portionPct,
		Reason:     reason,
		CreatedAt:  m.now(),
	}

	res, err := m.sellWithRetry(ctx, order)
	rec := outbox.SellRecord{
		OrderID:    order.ID,
		PositionID: p.ID,
		RuleID:     p.RuleID,
		Token:      p.Token,
		PortionPct: portionPct,
		Reason:     reason,
	}
	if err != nil {
		rec.Error = err.Error()
		m.writeSell(rec)
		observ.Error("sell_exhausted_retries", err, map[string]any{
			"position_id": p.ID, "token": p.Token, "reason": reason,
		})
		return false
	}

	rec.Filled = true
	rec.ProceedsUSD = res.ProceedsUSD
	m.writeSell(rec)

	p.RemainingPortionPct -= portionPct
	if p.RemainingPortionPct <= closeEpsilonPct {
		p.RemainingPortionPct = 0
		m.closeLocked(p, closeReason(reason))
	}
	return true
}

func (m *Manager) sellWithRetry(ctx context.Context, order adapters.SellOrder) (*adapters.SellResult, error) {
	var lastErr error
	backoff := m.retry.BackoffBase
	for attempt := 0; attempt < m.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			observ.IncCounter("sell_retries_total", nil)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
			if backoff > m.retry.BackoffMax {
				backoff = m.retry.BackoffMax
			}
		}
		res, err := m.executor.ExecuteSell(ctx, order)
		if err == nil && res != nil && res.Filled {
			return res, nil
		}
		// An unfilled result with no error is still a failed exit and must
		// surface as one after the attempts run out.
		if err != nil {
			lastErr = err
		} else {
			lastErr = errors.New("sell not filled")
		}
	}
	return nil, lastErr
}

// closeLocked removes the position from the maps. Caller holds p.mu.
func (m *Manager) closeLocked(p *Position, reason string) {
	p.closed = true

	m.mu.Lock()
	delete(m.byID, p.ID)
	if tm := m.byToken[p.Token]; tm != nil {
		delete(tm, p.ID)
		if len(tm) == 0 {
			delete(m.byToken, p.Token)
		}
	}
	if rm := m.byRule[p.RuleID]; rm != nil {
		delete(rm, p.ID)
		if len(rm) == 0 {
			delete(m.byRule, p.RuleID)
		}
	}
	open := len(m.byID)
	m.mu.Unlock()

	observ.SetGauge("positions_open", float64(open), nil)
	observ.Log("position_closed", map[string]any{
		"position_id": p.ID, "rule_id": p.RuleID, "token": p.Token, "reason": reason,
	})
	m.writeClose(outbox.CloseRecord{
		PositionID: p.ID, RuleID: p.RuleID, Token: p.Token, Reason: reason,
	})
	if m.onClosed != nil {
		m.onClosed(p.RuleID, p.Token)
	}
}

func closeReason(sellReason string) string {
	switch sellReason {
	case "stop_loss", "force_liquidate":
		return sellReason
	default:
		return "exhausted"
	}
}

func (m *Manager) writeSell(rec outbox.SellRecord) {
	if m.journal == nil {
		return
	}
	if err := m.journal.WriteSell(rec); err != nil {
		observ.Error("outbox_write_failed", err, map[string]any{"type": "sell"})
	}
}

func (m *Manager) writeClose(rec outbox.CloseRecord) {
	if m.journal == nil {
		return
	}
	if err := m.journal.WriteClose(rec); err != nil {
		observ.Error("outbox_write_failed", err, map[string]any{"type": "close"})
	}
}
