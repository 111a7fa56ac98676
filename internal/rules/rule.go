package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle state of a rule. Deleted is terminal.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusDeleted Status = "deleted"
)

// ValidStatus reports whether s is one of the known lifecycle states.
func ValidStatus(s Status) bool {
	return s == StatusActive || s == StatusPaused || s == StatusDeleted
}

// SourceType selects which variant of Source is populated.
type SourceType string

const (
	SourceUser  SourceType = "USER"
	SourceGroup SourceType = "GROUP"
)

// Source names the wallets being copied: either an explicit wallet set or a
// group reference resolved by an external collaborator. Exactly one form is
// populated; the invariant is checked at construction, not at evaluation.
type Source struct {
	Type    SourceType `json:"type" yaml:"type"`
	Wallets []string   `json:"wallets,omitempty" yaml:"wallets,omitempty"`
	GroupID string     `json:"group_id,omitempty" yaml:"group_id,omitempty"`
}

func (s Source) validate() error {
	switch s.Type {
	case SourceUser:
		if len(s.Wallets) == 0 {
			return fmt.Errorf("%w: USER source requires wallets", ErrValidation)
		}
		if s.GroupID != "" {
			return fmt.Errorf("%w: USER source must not set group_id", ErrValidation)
		}
		for _, w := range s.Wallets {
			if strings.TrimSpace(w) == "" {
				return fmt.Errorf("%w: empty wallet in USER source", ErrValidation)
			}
		}
	case SourceGroup:
		if s.GroupID == "" {
			return fmt.Errorf("%w: GROUP source requires group_id", ErrValidation)
		}
		if len(s.Wallets) != 0 {
			return fmt.Errorf("%w: GROUP source must not set wallets", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown source type %q", ErrValidation, s.Type)
	}
	return nil
}

// ConditionMode selects ANY (first qualifying signal) or ALL (k distinct
// sources inside the window).
type ConditionMode string

const (
	ModeAny ConditionMode = "ANY"
	ModeAll ConditionMode = "ALL"
)

// Condition describes what pattern of source activity triggers a copy.
type Condition struct {
	Mode          ConditionMode `json:"mode" yaml:"mode"`
	Count         int           `json:"count,omitempty" yaml:"count,omitempty"`
	TimeWindowSec int           `json:"time_window_sec" yaml:"time_window_sec"`
}

func (c Condition) validate() error {
	switch c.Mode {
	case ModeAny:
		// count is ignored, treated as 1
	case ModeAll:
		if c.Count <= 0 {
			return fmt.Errorf("%w: ALL mode requires count > 0", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown condition mode %q", ErrValidation, c.Mode)
	}
	if c.TimeWindowSec <= 0 {
		return fmt.Errorf("%w: time_window_sec must be positive", ErrValidation)
	}
	return nil
}

// RequiredCount is the distinct-source threshold for the condition to fire.
func (c Condition) RequiredCount() int {
	if c.Mode == ModeAny {
		return 1
	}
	return c.Count
}

// TokenFilters are hard pre-conditions applied by the buy planner.
// Zero values mean "no bound".
type TokenFilters struct {
	MinMarketCapUSD float64 `json:"min_market_cap_usd,omitempty" yaml:"min_market_cap_usd,omitempty"`
	MaxMarketCapUSD float64 `json:"max_market_cap_usd,omitempty" yaml:"max_market_cap_usd,omitempty"`
	MinAgeDays      float64 `json:"min_age_days,omitempty" yaml:"min_age_days,omitempty"`
	MaxAgeDays      float64 `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
}

// BuySpec sizes and bounds the buy produced by a fire.
type BuySpec struct {
	AmountUSD       float64       `json:"amount_usd,omitempty" yaml:"amount_usd,omitempty"`
	AmountToken     float64       `json:"amount_token,omitempty" yaml:"amount_token,omitempty"`
	MaxSlippagePct  *float64      `json:"max_slippage_pct,omitempty" yaml:"max_slippage_pct,omitempty"`
	MinLiquidityUSD float64       `json:"min_liquidity_usd,omitempty" yaml:"min_liquidity_usd,omitempty"`
	TokenFilters    *TokenFilters `json:"token_filters,omitempty" yaml:"token_filters,omitempty"`
}

const DefaultMaxSlippagePct = 0.5

// SlippagePct reports the effective slippage bound. A nil field means
// unset and falls back to the default; an explicit zero means zero.
func (b BuySpec) SlippagePct() float64 {
	if b.MaxSlippagePct == nil {
		return DefaultMaxSlippagePct
	}
	return *b.MaxSlippagePct
}

func (b BuySpec) validate() error {
	if b.AmountUSD <= 0 && b.AmountToken <= 0 {
		return fmt.Errorf("%w: buy spec requires amount_usd or amount_token", ErrValidation)
	}
	if b.AmountUSD > 0 && b.AmountToken > 0 {
		return fmt.Errorf("%w: buy spec must set only one of amount_usd, amount_token", ErrValidation)
	}
	if b.MaxSlippagePct != nil && (*b.MaxSlippagePct < 0 || *b.MaxSlippagePct > 100) {
		return fmt.Errorf("%w: max_slippage_pct must be in [0,100]", ErrValidation)
	}
	if b.MinLiquidityUSD < 0 {
		return fmt.Errorf("%w: min_liquidity_usd must be >= 0", ErrValidation)
	}
	return nil
}

// LadderRung is one take-profit step: at GainPct price gain, sell PortionPct
// of the original position size.
type LadderRung struct {
	GainPct    float64 `json:"pct" yaml:"pct"`
	PortionPct float64 `json:"portion_pct" yaml:"portion_pct"`
}

// StopLossSpec is a static stop at entry*(1-Pct), optionally trailing:
// TrailPct > 0 ratchets the stop upward as price rises.
type StopLossSpec struct {
	Pct      float64 `json:"pct" yaml:"pct"`
	TrailPct float64 `json:"trail_pct,omitempty" yaml:"trail_pct,omitempty"`
}

// SellSpec controls exit management for positions opened by this rule.
type SellSpec struct {
	FollowSeller *bool         `json:"follow_seller,omitempty" yaml:"follow_seller,omitempty"`
	LimitLadders []LadderRung  `json:"limit_ladders,omitempty" yaml:"limit_ladders,omitempty"`
	StopLoss     *StopLossSpec `json:"stop_loss,omitempty" yaml:"stop_loss,omitempty"`
}

// FollowsSeller reports the effective mirrored-sell setting (default true).
func (s *SellSpec) FollowsSeller() bool {
	if s == nil || s.FollowSeller == nil {
		return true
	}
	return *s.FollowSeller
}

func (s *SellSpec) validate() error {
	if s == nil {
		return nil
	}
	for i, r := range s.LimitLadders {
		if r.GainPct <= 0 {
			return fmt.Errorf("%w: ladder rung %d pct must be positive", ErrValidation, i)
		}
		if r.PortionPct < 0 || r.PortionPct > 100 {
			return fmt.Errorf("%w: ladder rung %d portion_pct must be in [0,100]", ErrValidation, i)
		}
	}
	if s.StopLoss != nil {
		if s.StopLoss.Pct <= 0 || s.StopLoss.Pct >= 100 {
			return fmt.Errorf("%w: stop_loss pct must be in (0,100)", ErrValidation)
		}
		if s.StopLoss.TrailPct < 0 || s.StopLoss.TrailPct >= 100 {
			return fmt.Errorf("%w: stop_loss trail_pct must be in [0,100)", ErrValidation)
		}
	}
	return nil
}

// Guardrails are hard pre-trade constraints independent of the condition.
type Guardrails struct {
	SpendDailyCapUSD float64  `json:"spend_daily_cap_usd,omitempty" yaml:"spend_daily_cap_usd,omitempty"`
	Allowlist        []string `json:"allowlist,omitempty" yaml:"allowlist,omitempty"`
	Denylist         []string `json:"denylist,omitempty" yaml:"denylist,omitempty"`
}

func (g *Guardrails) validate() error {
	if g == nil {
		return nil
	}
	if g.SpendDailyCapUSD < 0 {
		return fmt.Errorf("%w: spend_daily_cap_usd must be >= 0", ErrValidation)
	}
	return nil
}

// Rule is a user's standing copy-trade instruction.
type Rule struct {
	ID         string         `json:"id"`
	Owner      string         `json:"owner"`
	Status     Status         `json:"status"`
	Source     Source         `json:"source"`
	Condition  Condition      `json:"condition"`
	BuySpec    BuySpec        `json:"buy_spec"`
	SellSpec   *SellSpec      `json:"sell_spec,omitempty"`
	Guardrails *Guardrails    `json:"guardrails,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Validate checks the construction invariants. Invalid rules are never
// stored and never enter evaluation.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Owner) == "" {
		return fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if err := r.Source.validate(); err != nil {
		return err
	}
	if err := r.Condition.validate(); err != nil {
		return err
	}
	if err := r.BuySpec.validate(); err != nil {
		return err
	}
	if err := r.SellSpec.validate(); err != nil {
		return err
	}
	return r.Guardrails.validate()
}

// Normalize fills defaults and puts derived fields in canonical form.
// Called by the lifecycle service after Validate, before storing.
func (r *Rule) Normalize() {
	if r.Status == "" {
		r.Status = StatusActive
	}
	if r.Condition.Mode == ModeAny {
		r.Condition.Count = 1
	}
	if r.BuySpec.MaxSlippagePct == nil {
		def := DefaultMaxSlippagePct
		r.BuySpec.MaxSlippagePct = &def
	}
	if r.SellSpec != nil && len(r.SellSpec.LimitLadders) > 1 {
		sort.SliceStable(r.SellSpec.LimitLadders, func(i, j int) bool {
			return r.SellSpec.LimitLadders[i].GainPct < r.SellSpec.LimitLadders[j].GainPct
		})
	}
}

// WatchesWallet reports whether a USER-sourced rule names wallet directly.
// GROUP rules answer false here; membership is resolved externally.
func (r *Rule) WatchesWallet(wallet string) bool {
	if r.Source.Type != SourceUser {
		return false
	}
	for _, w := range r.Source.Wallets {
		if strings.EqualFold(w, wallet) {
			return true
		}
	}
	return false
}

// TokenDenied checks the rule's denylist, then allowlist if present.
// Returns (denied, reason).
func (r *Rule) TokenDenied(token string) (bool, string) {
	if r.Guardrails == nil {
		return false, ""
	}
	for _, t := range r.Guardrails.Denylist {
		if strings.EqualFold(t, token) {
			return true, "denylist"
		}
	}
	if len(r.Guardrails.Allowlist) > 0 {
		for _, t := range r.Guardrails.Allowlist {
			if strings.EqualFold(t, token) {
				return false, ""
			}
		}
		return true, "not_in_allowlist"
	}
	return false, ""
}
