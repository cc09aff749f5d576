package utilities

import (
	"fmt"
	"strings"
	"time"
)

// Shared domain structs passed between the router, engine, reconciler,
// and status layers. Kept here so the leaf packages do not import each
// other.

// --- Types (Alphabetized) ---

// AccountKey identifies one exchange-account pair. Accounts of different
// scopes are distinct keys even on the same exchange; nothing keyed by
// AccountKey is ever shared across scopes.
type AccountKey struct {
	Exchange string `json:"exchange"`
	Scope    string `json:"scope"`
}

// String renders the key in "exchange/scope" form, used for store keys and logs.
func (k AccountKey) String() string {
	return k.Exchange + "/" + k.Scope
}

// IsOperator reports whether the key belongs to the operator account.
func (k AccountKey) IsOperator() bool {
	return k.Scope == ScopeOperator
}

// ExchangeAccount is the startup-built value object for one configured
// exchange-account pair. Credentials stay inside the broker client; this
// struct carries only routing-relevant facts.
type ExchangeAccount struct {
	Key             AccountKey `json:"key"`
	QuoteCurrency   string     `json:"quote_currency"`
	MakerFeePercent float64    `json:"maker_fee_percent"`
	TakerFeePercent float64    `json:"taker_fee_percent"`
	Tier            string     `json:"tier"`
}

// RoundTripFeePercent is the combined cost of entering and exiting a
// position on this account, used for router preference ordering.
func (a ExchangeAccount) RoundTripFeePercent() float64 {
	return a.MakerFeePercent + a.TakerFeePercent
}

// Position is one internal ledger entry for a held asset on one account.
type Position struct {
	Account      AccountKey `json:"account"`
	Symbol       string     `json:"symbol"`
	Quantity     float64    `json:"quantity"`
	EstimatedUSD float64    `json:"estimated_usd"`
	Source       string     `json:"source"` // PositionSourceLedger or PositionSourceReconciled
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsDust reports whether the position falls below the given USD threshold.
// Dust positions stay in the ledger but are invisible to caps and routing.
func (p Position) IsDust(thresholdUSD float64) bool {
	return p.EstimatedUSD < thresholdUSD
}

// ReconcileReport summarizes one reconciliation run for an account.
type ReconcileReport struct {
	Account  AccountKey `json:"account"`
	Added    []string   `json:"added"`    // symbols the exchange held that the ledger did not
	Removed  []string   `json:"removed"`  // phantom ledger entries deleted
	Adjusted []string   `json:"adjusted"` // ledger quantities corrected to exchange truth
	RanAt    time.Time  `json:"ran_at"`
}

// Clean reports whether the run found internal and exchange state already in agreement.
func (r ReconcileReport) Clean() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Adjusted) == 0
}

// TradeIntent is the immutable instruction handed in by the signal layer.
// Exactly one of Quantity or NotionalUSD is set; the router sizes the
// order either way.
type TradeIntent struct {
	Symbol      string    `json:"symbol"` // common form, e.g. "BTC/USD"
	Side        string    `json:"side"`   // SideBuy or SideSell
	Quantity    float64   `json:"quantity,omitempty"`
	NotionalUSD float64   `json:"notional_usd,omitempty"`
	IsExit      bool      `json:"is_exit"`
	RequestedBy string    `json:"requested_by"` // "operator" or "user:<id>"
	CreatedAt   time.Time `json:"created_at"`
}

// Validate rejects malformed intents before they reach the router.
func (ti TradeIntent) Validate() error {
	if ti.Symbol == "" {
		return fmt.Errorf("trade intent missing symbol")
	}
	side := strings.ToLower(ti.Side)
	if side != SideBuy && side != SideSell {
		return fmt.Errorf("trade intent has invalid side %q", ti.Side)
	}
	if ti.Quantity <= 0 && ti.NotionalUSD <= 0 {
		return fmt.Errorf("trade intent for %s carries neither quantity nor notional", ti.Symbol)
	}
	if ti.RequestedBy == "" {
		return fmt.Errorf("trade intent for %s missing requester scope", ti.Symbol)
	}
	return nil
}

// --- Constants ---

const (
	SideBuy  = "buy"
	SideSell = "sell"

	ScopeOperator = "operator"

	PositionSourceLedger     = "internal_ledger"
	PositionSourceReconciled = "reconciled"
)
