package outbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Outbox is the append-only JSONL journal of engine outcomes: fires,
// rejections, intents, fills and position closes. Guardrail and execution
// results are asynchronous, so this journal is the observable history the
// dashboard reads them from.
type Outbox struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// Entry wraps every journal record with its type and write time.
type Entry struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

// FireRecord journals a rule fire leaving the evaluator.
type FireRecord struct {
	RuleID            string    `json:"rule_id"`
	Token             string    `json:"token"`
	TriggeringWallets []string  `json:"triggering_wallets"`
	AsOf              time.Time `json:"as_of"`
}

// RejectRecord journals a guardrail or planner rejection. Terminal for
// that fire; the rule may fire again on a future qualifying window.
type RejectRecord struct {
	RuleID string `json:"rule_id"`
	Token  string `json:"token"`
	Stage  string `json:"stage"` // "guardrail" | "planner" | "status"
	Reason string `json:"reason"`
}

// IntentRecord journals a buy intent handed to the execution layer.
type IntentRecord struct {
	IntentID       string  `json:"intent_id"`
	RuleID         string  `json:"rule_id"`
	Token          string  `json:"token"`
	AmountUSD      float64 `json:"amount_usd"`
	MaxSlippagePct float64 `json:"max_slippage_pct"`
}

// FillRecord journals a buy outcome.
type FillRecord struct {
	IntentID   string  `json:"intent_id"`
	RuleID     string  `json:"rule_id"`
	Token      string  `json:"token"`
	Filled     bool    `json:"filled"`
	AmountUSD  float64 `json:"amount_usd,omitempty"`
	Price      float64 `json:"price,omitempty"`
	Error      string  `json:"error,omitempty"`
	PositionID string  `json:"position_id,omitempty"`
}

// SellRecord journals a sell order and its outcome.
type SellRecord struct {
	OrderID     string  `json:"order_id"`
	PositionID  string  `json:"position_id"`
	RuleID      string  `json:"rule_id"`
	Token       string  `json:"token"`
	PortionPct  float64 `json:"portion_pct"`
	Reason      string  `json:"reason"`
	Filled      bool    `json:"filled"`
	ProceedsUSD float64 `json:"proceeds_usd,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// CloseRecord journals a position reaching zero remaining portion.
type CloseRecord struct {
	PositionID string `json:"position_id"`
	RuleID     string `json:"rule_id"`
	Token      string `json:"token"`
	Reason     string `json:"reason"` // "exhausted" | "stop_loss" | "force_liquidate"
}

func New(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Outbox{path: path, now: time.Now}, nil
}

// WithClock injects a controllable clock for tests.
func (o *Outbox) WithClock(now func() time.Time) *Outbox {
	o.now = now
	return o
}

func (o *Outbox) WriteFire(r FireRecord) error     { return o.append("fire", r) }
func (o *Outbox) WriteReject(r RejectRecord) error { return o.append("reject", r) }
func (o *Outbox) WriteIntent(r IntentRecord) error { return o.append("intent", r) }
func (o *Outbox) WriteFill(r FillRecord) error     { return o.append("fill", r) }
func (o *Outbox) WriteSell(r SellRecord) error     { return o.append("sell", r) }
func (o *Outbox) WriteClose(r CloseRecord) error   { return o.append("close", r) }

func (o *Outbox) append(typ string, data any) error {
	entry := Entry{Type: typ, Data: data, At: o.now().UTC()}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}
