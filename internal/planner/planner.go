package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mirrordesk/copy-engine/internal/adapters"
	"github.com/mirrordesk/copy-engine/internal/observ"
	"github.com/mirrordesk/copy-engine/internal/rules"
)

// Planner turns an approved fire into a sized, bounded buy intent. It does
// not simulate slippage; the max slippage bound is forwarded to the
// execution layer as a constraint.
type Planner struct {
	quotes adapters.QuotesAdapter
	now    func() time.Time
}

func New(quotes adapters.QuotesAdapter) *Planner {
	return &Planner{quotes: quotes, now: time.Now}
}

// WithClock injects a controllable clock for tests.
func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

// ResolveSizeUSD returns the planned buy size in USD: amount_usd directly,
// or amount_token converted at the current price.
func (p *Planner) ResolveSizeUSD(ctx context.Context, rule *rules.Rule, token string) (float64, error) {
	if rule.BuySpec.AmountUSD > 0 {
		return rule.BuySpec.AmountUSD, nil
	}
	q, err := p.quotes.GetQuote(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("resolve size for %s: %w", token, err)
	}
	if err := adapters.ValidateQuote(q); err != nil {
		return 0, fmt.Errorf("resolve size for %s: %w", token, err)
	}
	return rule.BuySpec.AmountToken * q.PriceUSD, nil
}

// Plan applies the liquidity and token filters as hard pre-conditions and,
// when they pass, emits the buy intent. A filter violation is terminal for
// this fire, same semantics as a guardrail rejection.
func (p *Planner) Plan(ctx context.Context, rule *rules.Rule, token string, amountUSD float64) (*adapters.BuyIntent, string, error) {
	spec := rule.BuySpec
	needsQuote := spec.MinLiquidityUSD > 0 || spec.TokenFilters != nil

	if needsQuote {
		q, err := p.quotes.GetQuote(ctx, token)
		if err != nil {
			return nil, "", fmt.Errorf("plan %s: %w", token, err)
		}
		if reason := checkFilters(spec, q); reason != "" {
			observ.IncCounter("plan_rejects_total", map[string]string{"reason": reason})
			observ.Log("plan_reject", map[string]any{
				"rule_id": rule.ID, "token": token, "reason": reason,
			})
			return nil, reason, nil
		}
	}

	intent := &adapters.BuyIntent{
		ID:             uuid.NewString(),
		RuleID:         rule.ID,
		Token:          token,
		AmountUSD:      amountUSD,
		MaxSlippagePct: spec.SlippagePct(),
		CreatedAt:      p.now(),
	}
	observ.IncCounter("buy_intents_total", nil)
	return intent, "", nil
}

func checkFilters(spec rules.BuySpec, q *adapters.Quote) string {
	if spec.MinLiquidityUSD > 0 && q.LiquidityUSD < spec.MinLiquidityUSD {
		return fmt.Sprintf("liquidity_%.0f_below_%.0f", q.LiquidityUSD, spec.MinLiquidityUSD)
	}
	f := spec.TokenFilters
	if f == nil {
		return ""
	}
	if f.MinMarketCapUSD > 0 && q.MarketCapUSD < f.MinMarketCapUSD {
		return fmt.Sprintf("market_cap_%.0f_below_%.0f", q.MarketCapUSD, f.MinMarketCapUSD)
	}
	if f.MaxMarketCapUSD > 0 && q.MarketCapUSD > f.MaxMarketCapUSD {
		return fmt.Sprintf("market_cap_%.0f_above_%.0f", q.MarketCapUSD, f.MaxMarketCapUSD)
	}
	if f.MinAgeDays > 0 && q.AgeDays < f.MinAgeDays {
		return fmt.Sprintf("token_age_%.1f_below_%.1f", q.AgeDays, f.MinAgeDays)
	}
	if f.MaxAgeDays > 0 && q.AgeDays > f.MaxAgeDays {
		return fmt.Sprintf("token_age_%.1f_above_%.1f", q.AgeDays, f.MaxAgeDays)
	}
	return ""
}
