package engine

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mirrordesk/copy-engine/internal/adapters"
	"github.com/mirrordesk/copy-engine/internal/feed"
	"github.com/mirrordesk/copy-engine/internal/observ"
	"github.com/mirrordesk/copy-engine/internal/outbox"
	"github.com/mirrordesk/copy-engine/internal/planner"
	"github.com/mirrordesk/copy-engine/internal/position"
	"github.com/mirrordesk/copy-engine/internal/risk"
	"github.com/mirrordesk/copy-engine/internal/rules"
)

// Config tunes the evaluation engine.
type Config struct {
	Shards              int         `yaml:"shards"`
	Rearm               RearmPolicy `yaml:"rearm"`
	RearmCooldownSec    int         `yaml:"rearm_cooldown_sec"`
	WindowSweepSec      int         `yaml:"window_sweep_sec"`
	WindowMaxIdleSec    int         `yaml:"window_max_idle_sec"`
	PricePollIntervalMs int         `yaml:"price_poll_interval_ms"`
}

func (c *Config) defaults() {
	if c.Shards <= 0 {
		c.Shards = 16
	}
	if c.Rearm == "" {
		c.Rearm = RearmOnEmpty
	}
	if c.RearmCooldownSec <= 0 {
		c.RearmCooldownSec = 300
	}
	if c.WindowSweepSec <= 0 {
		c.WindowSweepSec = 60
	}
	if c.WindowMaxIdleSec <= 0 {
		c.WindowMaxIdleSec = 600
	}
	if c.PricePollIntervalMs <= 0 {
		c.PricePollIntervalMs = 1000
	}
}

// Deps are the engine's collaborators.
type Deps struct {
	Store     rules.Store
	Groups    adapters.GroupResolver
	Enforcer  *risk.Enforcer
	Planner   *planner.Planner
	Positions *position.Manager
	Executor  adapters.Executor
	Journal   *outbox.Outbox
}

// Engine evaluates incoming trade signals against many rules concurrently.
// Evaluation is sharded by (rule id, token): window state for one shard is
// mutated under that shard's lock only, which is what makes firing exactly
// once per qualifying window hold under concurrent signal arrival. Blocking
// work (quotes, execution) happens after the shard lock is released.
type Engine struct {
	cfg    Config
	store  rules.Store
	groups adapters.GroupResolver
	guard  *risk.Enforcer
	plan   *planner.Planner
	pos    *position.Manager
	exec   adapters.Executor
	out    *outbox.Outbox
	now    func() time.Time

	shards []*Evaluator

	wg sync.WaitGroup
}

func New(cfg Config, deps Deps) *Engine {
	cfg.defaults()
	e := &Engine{
		cfg:    cfg,
		store:  deps.Store,
		groups: deps.Groups,
		guard:  deps.Enforcer,
		plan:   deps.Planner,
		pos:    deps.Positions,
		exec:   deps.Executor,
		out:    deps.Journal,
		now:    time.Now,
	}
	cooldown := time.Duration(cfg.RearmCooldownSec) * time.Second
	e.shards = make([]*Evaluator, cfg.Shards)
	for i := range e.shards {
		e.shards[i] = NewEvaluator(NewTracker(), cfg.Rearm, cooldown)
	}
	if e.pos != nil {
		e.pos.OnClosed(e.rearm)
	}
	return e
}

// WithClock injects a controllable clock for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	for _, s := range e.shards {
		s.tracker.WithClock(now)
	}
	return e
}

func (e *Engine) shardFor(ruleID, token string) *Evaluator {
	h := fnv.New32a()
	h.Write([]byte(ruleID))
	h.Write([]byte{0})
	h.Write([]byte(token))
	return e.shards[int(h.Sum32())%len(e.shards)]
}

// rearm clears the fired marker after a position closed.
func (e *Engine) rearm(ruleID, token string) {
	e.shardFor(ruleID, token).tracker.Rearm(ruleID, token)
}

// OnRuleDeleted drops evaluation state and force-liquidates open positions
// for a deleted rule.
func (e *Engine) OnRuleDeleted(ctx context.Context, ruleID string) {
	for _, s := range e.shards {
		s.tracker.Forget(ruleID)
	}
	e.guard.Ledger().Forget(ruleID)
	if e.pos != nil {
		e.pos.ForceLiquidateRule(ctx, ruleID)
	}
}

// DistinctSourceCount reports window occupancy for a rule/token.
func (e *Engine) DistinctSourceCount(rule *rules.Rule, token string, asOf time.Time) int {
	return e.shardFor(rule.ID, token).tracker.DistinctSourceCount(rule, token, asOf)
}

// Process evaluates one normalized signal. Safe for concurrent callers:
// same-shard work serializes on the shard lock, different shards run in
// parallel.
func (e *Engine) Process(ctx context.Context, sig feed.TradeSignal) {
	switch sig.Side {
	case feed.SideSell:
		if e.pos != nil {
			e.pos.OnSourceSell(ctx, sig)
		}
	case feed.SideBuy:
		matched, err := e.matchRules(ctx, sig)
		if err != nil {
			observ.Error("rule_match_failed", err, map[string]any{"wallet": sig.SourceWallet})
			return
		}
		for _, r := range matched {
			if ev := e.shardFor(r.ID, sig.Token).OnSignal(r, sig); ev != nil {
				e.handleFire(ctx, ev)
			}
		}
	}
}

// matchRules returns active rules whose sources include the signal's
// wallet, directly or through group membership.
func (e *Engine) matchRules(ctx context.Context, sig feed.TradeSignal) ([]*rules.Rule, error) {
	candidates, err := e.store.ListActiveForWallet(ctx, sig.SourceWallet)
	if err != nil {
		return nil, err
	}
	var out []*rules.Rule
	for _, r := range candidates {
		switch r.Source.Type {
		case rules.SourceUser:
			if r.WatchesWallet(sig.SourceWallet) {
				out = append(out, r)
			}
		case rules.SourceGroup:
			members, err := e.groups.ResolveGroupMembers(ctx, r.Source.GroupID)
			if err != nil {
				observ.Error("group_resolve_failed", err, map[string]any{
					"rule_id": r.ID, "group_id": r.Source.GroupID,
				})
				continue
			}
			for _, m := range members {
				if equalWallet(m, sig.SourceWallet) {
					out = append(out, r)
					break
				}
			}
		}
	}
	return out, nil
}

func equalWallet(a, b string) bool { return strings.EqualFold(a, b) }

// handleFire runs after the shard lock is released: status re-check,
// guardrails, sizing, planning, dispatch. Every rejection is terminal for
// this fire; the window stays marked fired.
func (e *Engine) handleFire(ctx context.Context, ev *FireEvent) {
	e.journal(func() error {
		return e.out.WriteFire(outbox.FireRecord{
			RuleID:            ev.Rule.ID,
			Token:             ev.Token,
			TriggeringWallets: ev.TriggeringWallets,
			AsOf:              ev.AsOf,
		})
	})

	// Status is read from the store at the point of firing, not only at
	// ingestion: once a rule is observed paused or deleted, no intent may
	// leave the engine for it.
	current, err := e.store.Get(ctx, ev.Rule.ID)
	if err != nil || current.Status != rules.StatusActive {
		e.reject(ev, "status", "rule_not_active")
		return
	}

	amountUSD, err := e.plan.ResolveSizeUSD(ctx, current, ev.Token)
	if err != nil {
		e.reject(ev, "planner", "size_unresolvable")
		return
	}

	reservationID := uuid.NewString()
	if ok, reason := e.guard.Approve(current, ev.Token, amountUSD, reservationID); !ok {
		e.reject(ev, "guardrail", reason)
		return
	}

	intent, rejectReason, err := e.plan.Plan(ctx, current, ev.Token, amountUSD)
	if err != nil {
		e.guard.Ledger().Release(current.ID, reservationID)
		e.reject(ev, "planner", "quote_unavailable")
		return
	}
	if rejectReason != "" {
		e.guard.Ledger().Release(current.ID, reservationID)
		e.reject(ev, "planner", rejectReason)
		return
	}

	e.journal(func() error {
		return e.out.WriteIntent(outbox.IntentRecord{
			IntentID:       intent.ID,
			RuleID:         intent.RuleID,
			Token:          intent.Token,
			AmountUSD:      intent.AmountUSD,
			MaxSlippagePct: intent.MaxSlippagePct,
		})
	})

	res, err := e.exec.ExecuteBuy(ctx, *intent)
	if err != nil || !res.Filled {
		// Reserved spend is released; the fire is not retried. Automatic
		// retry risks double-triggering on stale conditions.
		e.guard.Ledger().Release(current.ID, reservationID)
		rec := outbox.FillRecord{IntentID: intent.ID, RuleID: current.ID, Token: ev.Token}
		if err != nil {
			rec.Error = err.Error()
		} else {
			rec.Error = "not_filled"
		}
		e.journal(func() error { return e.out.WriteFill(rec) })
		observ.IncCounter("buy_failures_total", nil)
		return
	}

	e.guard.Ledger().Commit(current.ID, reservationID, res.AmountUSD)
	rec := outbox.FillRecord{
		IntentID:  intent.ID,
		RuleID:    current.ID,
		Token:     ev.Token,
		Filled:    true,
		AmountUSD: res.AmountUSD,
		Price:     res.Price,
	}
	if e.pos != nil {
		rec.PositionID = e.pos.Open(current, ev.Token, res, ev.SourceBuyUSD).ID
	}
	e.journal(func() error { return e.out.WriteFill(rec) })
	observ.IncCounter("buys_filled_total", nil)
}

func (e *Engine) reject(ev *FireEvent, stage, reason string) {
	observ.IncCounter("fire_rejects_total", map[string]string{"stage": stage})
	observ.Log("fire_rejected", map[string]any{
		"rule_id": ev.Rule.ID, "token": ev.Token, "stage": stage, "reason": reason,
	})
	e.journal(func() error {
		return e.out.WriteReject(outbox.RejectRecord{
			RuleID: ev.Rule.ID, Token: ev.Token, Stage: stage, Reason: reason,
		})
	})
}

func (e *Engine) journal(write func() error) {
	if e.out == nil {
		return
	}
	if err := write(); err != nil {
		observ.Error("outbox_write_failed", err, nil)
	}
}

// Start launches the background loops: idle-window sweeping and position
// price watching. They exit when ctx is cancelled; Wait blocks for them.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(time.Duration(e.cfg.WindowSweepSec) * time.Second)
		defer ticker.Stop()
		maxIdle := time.Duration(e.cfg.WindowMaxIdleSec) * time.Second
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range e.shards {
					s.tracker.Sweep(maxIdle)
				}
			}
		}
	}()

	if e.pos != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.pos.Watch(ctx, time.Duration(e.cfg.PricePollIntervalMs)*time.Millisecond)
		}()
	}
}

// Wait blocks until the background loops exit.
func (e *Engine) Wait() {
	e.wg.Wait()
}
