package position

import (
	"context"
	"testing"
	"time"

	"github.com/mirrordesk/copy-engine/internal/adapters"
	"github.com/mirrordesk/copy-engine/internal/feed"
	"github.com/mirrordesk/copy-engine/internal/rules"
)

func sellRule(spec *rules.SellSpec) *rules.Rule {
	return &rules.Rule{
		ID:       "rule-1",
		Owner:    "user-1",
		Status:   rules.StatusActive,
		SellSpec: spec,
	}
}

func fill(price float64) *adapters.BuyResult {
	return &adapters.BuyResult{Filled: true, AmountUSD: 100, Price: price}
}

func newTestManager(exec *adapters.MockExecutor) *Manager {
	return NewManager(exec, adapters.NewMockQuotesAdapter(), nil, RetryConfig{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	})
}

func TestLadderRungsFireOnceEach(t *testing.T) {
	ctx := context.Background()
	exec := adapters.NewMockExecutor()
	m := newTestManager(exec)

	p := m.Open(sellRule(&rules.SellSpec{
		LimitLadders: []rules.LadderRung{
			{GainPct: 50, PortionPct: 20},
			{GainPct: 100, PortionPct: 50},
		},
	}), "TOKEN_X", fill(1.0), nil)

	// Below the first rung target of 1.5: nothing happens.
	m.OnPriceUpdate(ctx, "TOKEN_X", 1.4)
	if exec.SellCount() != 0 {
		t.Fatal("sold below first rung")
	}

	m.OnPriceUpdate(ctx, "TOKEN_X", 1.6)
	if exec.SellCount() != 1 || exec.Sells[0].PortionPct != 20 {
		t.Fatalf("first rung: %+v", exec.Sells)
	}

	// Same price again: rung already executed, no duplicate.
	m.OnPriceUpdate(ctx, "TOKEN_X", 1.6)
	if exec.SellCount() != 1 {
		t.Fatal("rung fired twice")
	}

	// One update crossing the second rung fires it alone.
	m.OnPriceUpdate(ctx, "TOKEN_X", 2.5)
	if exec.SellCount() != 2 || exec.Sells[1].PortionPct != 50 {
		t.Fatalf("second rung: %+v", exec.Sells)
	}
	if p.RemainingPortionPct != 30 {
		t.Fatalf("remaining = %v, want 30", p.RemainingPortionPct)
	}
}

func TestLadderSkippedRungsFireInOneUpdate(t *testing.T) {
	ctx := context.Background()
	exec := adapters.NewMockExecutor()
	m := newTestManager(exec)

	m.Open(sellRule(&rules.SellSpec{
		LimitLadders: []rules.LadderRung{
			{GainPct: 20, PortionPct: 25},
			{GainPct: 50, PortionPct: 25},
		},
	}), "TOKEN_X", fill(1.0), nil)

	// A gap straight past both rungs fires both, ascending.
	m.OnPriceUpdate(ctx, "TOKEN_X", 2.0)
	if exec.SellCount() != 2 {
		t.Fatalf("sells = %d, want 2", exec.SellCount())
	}
	if exec.Sells[0].PortionPct != 25 || exec.Sells[1].PortionPct != 25 {
		t.Fatalf("rung portions: %+v", exec.Sells)
	}
}

func TestLadderPortionClampedToRemaining(t *testing.T) {
	ctx := context.Background()
	exec := adapters.NewMockExecutor()
	m := newTestManager(exec)

	p := m.Open(sellRule(&rules.SellSpec{
		LimitLadders: []rules.LadderRung{
			{GainPct: 50, PortionPct: 80},
			{GainPct: 100, PortionPct: 80},
		},
	}), "TOKEN_X", fill(1.0), nil)

	m.OnPriceUpdate(ctx, "TOKEN_X", 2.5)
	if exec.SellCount() != 2 {
		t.Fatalf("sells = %d, want 2", exec.SellCount())
	}
	// Second rung wants 80 but only 20 remains.
	if exec.Sells[1].PortionPct != 20 {
		t.Fatalf("clamped portion = %v, want 20", exec.Sells[1].PortionPct)
	}
	if p.RemainingPortionPct != 0 || m.OpenCount() != 0 {
		t.Fatalf("position not closed: remaining=%v open=%d", p.RemainingPortionPct, m.OpenCount())
	}
}

func TestStopLossLiquidatesRemaining(t *testing.T) {
	ctx := context.Background()
	exec := adapters.NewMockExecutor()
	m := newTestManager(exec)

	m.Open(sellRule(&rules.SellSpec{
		LimitLadders: []rules.LadderRung{{GainPct: 50, PortionPct: 20}},
		StopLoss:     &rules.StopLossSpec{Pct: 30},
	}), "TOKEN_X", fill(1.0), nil)

	m.OnPriceUpdate(ctx, "TOKEN_X", 1.6)
	if exec.SellCount() != 1 {
		t.Fatalf("rung did not fire: %d", exec.SellCount())
	}

	// Breach at 0.7: the stop sells the full remaining 80 and overrides
	// any pending rungs.
	m.OnPriceUpdate(ctx, "TOKEN_X", 0.65)
	if exec.SellCount() != 2 {
		t.Fatalf("stop did not fire: %d", exec.SellCount())
	}
	last := exec.Sells[1]
	if last.Reason != "stop_loss" || last.PortionPct != 80 {
		t.Fatalf("stop sell = %+v", last)
	}
	if m.OpenCount() != 0 {
		t.Fatal("position survived stop")
	}
}

func TestTrailingStopRatchetsUpOnly(t *testing.T) {
	ctx := context.Background()
	exec := adapters.NewMockExecutor()
	m := newTestManager(exec)

	p := m.Open(sellRule(&rules.SellSpec{
		StopLoss: &rules.StopLossSpec{Pct: 30, TrailPct: 20},
	}), "TOKEN_X", fill(1.0), nil)

	if p.CurrentStopPrice != 0.7 {
		t.Fatalf("initial stop = %v, want 0.7", p.CurrentStopPrice)
	}

	m.OnPriceUpdate(ctx, "TOKEN_X", 2.0)
	if p.CurrentStopPrice != 1.6 {
		t.Fatalf("trailed stop = %v, want 1.6", p.CurrentStopPrice)
	}

	// Price retreat never lowers the stop.
	m.OnPriceUpdate(ctx, "TOKEN_X", 1.7)
	if p.CurrentStopPrice != 1.6 {
		t.Fatalf("stop moved down to %v", p.CurrentStopPrice)
	}

	m.OnPriceUpdate(ctx, "TOKEN_X", 1.5)
	if exec.SellCount() != 1 || exec.Sells[0].Reason != "stop_loss" {
		t.Fatalf("trailed stop did not trigger: %+v", exec.Sells)
	}
}

func TestMirroredSellProRata(t *testing.T) {
	ctx := context.Background()
	exec := adapters.NewMockExecutor()
	m := newTestManager(exec)

	p := m.Open(sellRule(nil), "TOKEN_X", fill(1.0), map[string]float64{"W1": 400})

	// W1 sells a quarter of its observed 400: mirror 25% of remaining.
	m.OnSourceSell(ctx, feed.TradeSignal{
		SourceWallet: "W1", Token: "TOKEN_X", Side: feed.SideSell, AmountUSD: 100,
	})
	if exec.SellCount() != 1 || exec.Sells[0].PortionPct != 25 {
		t.Fatalf("pro-rata mirror: %+v", exec.Sells)
	}
	if p.RemainingPortionPct != 75 {
		t.Fatalf("remaining = %v, want 75", p.RemainingPortionPct)
	}

	// A sell at or beyond the observed buy size exits the rest.
	m.OnSourceSell(ctx, feed.TradeSignal{
		SourceWallet: "W1", Token: "TOKEN_X", Side: feed.SideSell, AmountUSD: 900,
	})
	if exec.SellCount() != 2 || exec.Sells[1].PortionPct != 75 {
		t.Fatalf("full mirror: %+v", exec.Sells)
	}
	if m.OpenCount() != 0 {
		t.Fatal("position survived full mirror")
	}
}

func TestMirroredSellIgnoresUntrackedAndDisabled(t *testing.T) {
	ctx := context.Background()
	exec := adapters.NewMockExecutor()
	m := newTestManager(exec)

	m.Open(sellRule(nil), "TOKEN_X", fill(1.0), map[string]float64{"W1": 400})

	// A wallet that did not trigger this position is ignored.
	m.OnSourceSell(ctx, feed.TradeSignal{
		SourceWallet: "W9", Token: "TOKEN_X", Side: feed.SideSell, AmountUSD: 100,
	})
	if exec.SellCount() != 0 {
		t.Fatal("untracked wallet mirrored")
	}

	no := false
	m.Open(sellRule(&rules.SellSpec{FollowSeller: &no}), "TOKEN_Y", fill(1.0),
		map[string]float64{"W1": 400})
	m.OnSourceSell(ctx, feed.TradeSignal{
		SourceWallet: "W1", Token: "TOKEN_Y", Side: feed.SideSell, AmountUSD: 100,
	})
	if exec.SellCount() != 0 {
		t.Fatal("follow_seller=false mirrored anyway")
	}
}

func TestForceLiquidateRule(t *testing.T) {
	ctx := context.Background()
	exec := adapters.NewMockExecutor()
	m := newTestManager(exec)

	m.Open(sellRule(nil), "TOKEN_X", fill(1.0), nil)
	m.Open(sellRule(nil), "TOKEN_Y", fill(1.0), nil)
	other := sellRule(nil)
	other.ID = "rule-2"
	m.Open(other, "TOKEN_X", fill(1.0), nil)

	m.ForceLiquidateRule(ctx, "rule-1")

	if exec.SellCount() != 2 {
		t.Fatalf("sells = %d, want 2", exec.SellCount())
	}
	for _, s := range exec.Sells {
		if s.Reason != "force_liquidate" || s.PortionPct != 100 {
			t.Fatalf("sell = %+v", s)
		}
	}
	// The other rule's position is untouched.
	if m.OpenCount() != 1 {
		t.Fatalf("open = %d, want 1", m.OpenCount())
	}
}

func TestSellRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	exec := adapters.NewMockExecutor()
	exec.SellFailures = 2
	m := newTestManager(exec)

	m.Open(sellRule(nil), "TOKEN_X", fill(1.0), map[string]float64{"W1": 400})
	m.OnSourceSell(ctx, feed.TradeSignal{
		SourceWallet: "W1", Token: "TOKEN_X", Side: feed.SideSell, AmountUSD: 400,
	})

	// Two transient failures, then a fill on the third attempt.
	if exec.SellCount() != 3 {
		t.Fatalf("attempts = %d, want 3", exec.SellCount())
	}
	if m.OpenCount() != 0 {
		t.Fatal("position survived a filled exit")
	}
}

// unfilledExecutor answers every sell with a clean "not filled" outcome,
// which the Executor contract allows alongside hard errors.
type unfilledExecutor struct {
	sells int
}

func (e *unfilledExecutor) ExecuteBuy(_ context.Context, intent adapters.BuyIntent) (*adapters.BuyResult, error) {
	return &adapters.BuyResult{Filled: true, AmountUSD: intent.AmountUSD, Price: 1.0}, nil
}

func (e *unfilledExecutor) ExecuteSell(_ context.Context, _ adapters.SellOrder) (*adapters.SellResult, error) {
	e.sells++
	return &adapters.SellResult{Filled: false}, nil
}

func TestSellUnfilledWithoutErrorExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	exec := &unfilledExecutor{}
	m := NewManager(exec, adapters.NewMockQuotesAdapter(), nil, RetryConfig{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	})

	p := m.Open(sellRule(nil), "TOKEN_X", fill(1.0), map[string]float64{"W1": 400})
	m.OnSourceSell(ctx, feed.TradeSignal{
		SourceWallet: "W1", Token: "TOKEN_X", Side: feed.SideSell, AmountUSD: 400,
	})

	if exec.sells != 3 {
		t.Fatalf("attempts = %d, want 3", exec.sells)
	}
	// Same outcome as an error-returning executor: the position stays open
	// with its portion untouched.
	if m.OpenCount() != 1 || p.RemainingPortionPct != 100 {
		t.Fatalf("open=%d remaining=%v", m.OpenCount(), p.RemainingPortionPct)
	}
}

func TestSellExhaustedRetriesKeepsPosition(t *testing.T) {
	ctx := context.Background()
	exec := adapters.NewMockExecutor()
	exec.FailSells = true
	m := newTestManager(exec)

	p := m.Open(sellRule(nil), "TOKEN_X", fill(1.0), map[string]float64{"W1": 400})
	m.OnSourceSell(ctx, feed.TradeSignal{
		SourceWallet: "W1", Token: "TOKEN_X", Side: feed.SideSell, AmountUSD: 400,
	})

	if exec.SellCount() != 3 {
		t.Fatalf("attempts = %d, want 3", exec.SellCount())
	}
	// The position stays open and the portion untouched: the exit did not
	// happen and must remain visible.
	if m.OpenCount() != 1 || p.RemainingPortionPct != 100 {
		t.Fatalf("open=%d remaining=%v", m.OpenCount(), p.RemainingPortionPct)
	}
}

func TestCloseHookFires(t *testing.T) {
	ctx := context.Background()
	exec := adapters.NewMockExecutor()
	m := newTestManager(exec)

	var gotRule, gotToken string
	m.OnClosed(func(ruleID, token string) { gotRule, gotToken = ruleID, token })

	m.Open(sellRule(nil), "TOKEN_X", fill(1.0), map[string]float64{"W1": 400})
	m.OnSourceSell(ctx, feed.TradeSignal{
		SourceWallet: "W1", Token: "TOKEN_X", Side: feed.SideSell, AmountUSD: 400,
	})
	if gotRule != "rule-1" || gotToken != "TOKEN_X" {
		t.Fatalf("close hook got (%q, %q)", gotRule, gotToken)
	}
}
