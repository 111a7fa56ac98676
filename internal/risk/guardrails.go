package risk

import (
	"fmt"

	"github.com/mirrordesk/copy-engine/internal/observ"
	"github.com/mirrordesk/copy-engine/internal/rules"
)

// Enforcer gates every rule fire before it becomes a buy intent. All
// rejections are terminal for that fire: the evaluator has already marked
// the window fired, so nothing retries the same occupancy.
type Enforcer struct {
	ledger *SpendLedger
}

func NewEnforcer(ledger *SpendLedger) *Enforcer {
	return &Enforcer{ledger: ledger}
}

// Ledger exposes the underlying spend ledger for fill/failure settlement.
func (e *Enforcer) Ledger() *SpendLedger { return e.ledger }

// Approve runs the guardrail checks in order and, when all pass, reserves
// plannedUSD under reservationID. A rejected fire never mutates the ledger.
// Returns (ok, reason); reason is a machine-readable snake_case string.
func (e *Enforcer) Approve(rule *rules.Rule, token string, plannedUSD float64, reservationID string) (bool, string) {
	if denied, why := rule.TokenDenied(token); denied {
		e.reject(why)
		observ.Log("guardrail_reject", map[string]any{
			"rule_id": rule.ID, "token": token, "reason": why,
		})
		return false, why
	}

	if rule.Guardrails != nil && rule.Guardrails.SpendDailyCapUSD > 0 {
		cap := rule.Guardrails.SpendDailyCapUSD
		sum := e.ledger.Sum(rule.ID)
		// Exactly reaching the cap is allowed; exceeding it is not.
		if sum+plannedUSD > cap {
			reason := fmt.Sprintf("spend_cap_%.2f_plus_%.2f_exceeds_%.2f", sum, plannedUSD, cap)
			e.reject("spend_cap")
			observ.Log("guardrail_reject", map[string]any{
				"rule_id": rule.ID, "token": token, "reason": reason,
			})
			return false, reason
		}
	}

	e.ledger.Reserve(rule.ID, reservationID, plannedUSD)
	return true, ""
}

func (e *Enforcer) reject(reason string) {
	observ.IncCounter("guardrail_rejects_total", map[string]string{"reason": reason})
}
