package feed

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/mirrordesk/copy-engine/internal/observ"
)

// rawEvent is the superset of field spellings seen across feed providers.
// The normalizer picks the first populated alias for each canonical field.
type rawEvent struct {
	Wallet       string `json:"wallet"`
	SourceWallet string `json:"source_wallet"`
	Trader       string `json:"trader"`

	Token string `json:"token"`
	Mint  string `json:"mint"`
	Asset string `json:"asset"`

	Side string `json:"side"`
	Type string `json:"type"`

	AmountUSD float64 `json:"amount_usd"`
	USDValue  float64 `json:"usd_value"`

	Timestamp  string `json:"timestamp"`
	TimestampS int64  `json:"ts"`
}

// Normalizer converts heterogeneous feed events into TradeSignals.
// It is a pure per-event mapping: malformed events are dropped and counted,
// never propagated, and no ordering is imposed here.
type Normalizer struct{}

func NewNormalizer() *Normalizer { return &Normalizer{} }

// Normalize parses one raw feed event. ok=false means the event was dropped.
func (n *Normalizer) Normalize(raw []byte) (TradeSignal, bool) {
	var ev rawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		n.drop("unparseable")
		return TradeSignal{}, false
	}

	sig := TradeSignal{
		SourceWallet: firstNonEmpty(ev.SourceWallet, ev.Wallet, ev.Trader),
		Token:        firstNonEmpty(ev.Token, ev.Mint, ev.Asset),
		AmountUSD:    ev.AmountUSD,
	}
	if sig.AmountUSD == 0 {
		sig.AmountUSD = ev.USDValue
	}

	switch strings.ToUpper(firstNonEmpty(ev.Side, ev.Type)) {
	case "BUY":
		sig.Side = SideBuy
	case "SELL":
		sig.Side = SideSell
	default:
		n.drop("bad_side")
		return TradeSignal{}, false
	}

	switch {
	case ev.Timestamp != "":
		ts, err := time.Parse(time.RFC3339, ev.Timestamp)
		if err != nil {
			n.drop("bad_timestamp")
			return TradeSignal{}, false
		}
		sig.Timestamp = ts
	case ev.TimestampS > 0:
		sig.Timestamp = time.Unix(ev.TimestampS, 0).UTC()
	default:
		n.drop("missing_timestamp")
		return TradeSignal{}, false
	}

	if sig.SourceWallet == "" || sig.Token == "" || sig.AmountUSD <= 0 {
		n.drop("missing_fields")
		return TradeSignal{}, false
	}

	observ.IncCounter("signals_normalized_total", nil)
	return sig, true
}

func (n *Normalizer) drop(reason string) {
	observ.IncCounter("signals_dropped_total", map[string]string{"reason": reason})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
