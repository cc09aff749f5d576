// File: pkg/router/router.go
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"Blackice/pkg/broker"
	"Blackice/pkg/exchange"
	"Blackice/store"
	"Blackice/utilities"
)

// Denial reason strings. These appear in journal records and status
// output, so they stay short and stable.
const (
	DenyHalted        = "trading halted"
	DenyNoScope       = "no account in requested scope"
	DenyAllDegraded   = "all eligible accounts degraded"
	DenyCapReached    = "position cap reached on all eligible accounts"
	DenyNotHeld       = "no eligible account holds the position"
	DenyBelowNotional = "sized order below exchange minimum notional"
	DenyBelowFloor    = "sized order below tier position floor"
	DenyNoPrice       = "no price available for sizing"
	DenyUnquantizable = "quantity rounds to zero at exchange step size"
)

// RouteDenied is the terminal "no" — no eligible account, or the sized
// order fell below a floor. It satisfies error so callers can bubble it.
type RouteDenied struct {
	Reason string
	Intent utilities.TradeIntent
}

func (d *RouteDenied) Error() string {
	return fmt.Sprintf("route denied for %s %s: %s", d.Intent.Side, d.Intent.Symbol, d.Reason)
}

// Route is an accepted intent bound to an account with a final size.
type Route struct {
	Account     utilities.ExchangeAccount
	Quantity    float64
	NotionalUSD float64
}

// Gate is the safety check consulted before any selection work.
type Gate interface {
	AllowTrading() error
}

// Sequencer signs the balance queries used for tie-breaking.
type Sequencer interface {
	Next(account utilities.AccountKey) (int64, error)
}

// Ledger supplies per-account position sets for cap counting and exit
// eligibility.
type Ledger interface {
	LoadPositions(account utilities.AccountKey) ([]utilities.Position, error)
}

// Journal is the append-only audit sink.
type Journal interface {
	Append(kind, accountKey string, payload interface{}) error
}

// candidate is one registered exchange-account.
type candidate struct {
	account utilities.ExchangeAccount
	brk     broker.Broker
}

// Router selects the exchange-account for each trade intent and sizes
// the order against the account's tier rules. It is the single
// checkpoint every intent passes through; no caller submits directly.
// It also receives degradation notices from the execution engines.
type Router struct {
	rules   *exchange.Rules
	gate    Gate
	seq     Sequencer
	ledger  Ledger
	journal Journal
	logger  *utilities.Logger
	tiers   map[string]utilities.TierConfig

	// onDegrade fires after a degradation is recorded; the app layer
	// hangs alerting off it.
	onDegrade func(account utilities.AccountKey, until time.Time, reason string)

	mu         sync.Mutex
	candidates []candidate
	degraded   map[string]degradation // keyed by AccountKey.String()
}

// degradation is one active account cool-down.
type degradation struct {
	Until  time.Time `json:"until"`
	Reason string    `json:"reason"`
}

// New builds a router over the given tier table.
func New(rules *exchange.Rules, gate Gate, seq Sequencer, ledger Ledger, journal Journal, trading utilities.TradingConfig, logger *utilities.Logger) *Router {
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
		logger.LogWarn("router.New: Logger fallback used.")
	}
	tiers := make(map[string]utilities.TierConfig, len(trading.Tiers))
	for _, t := range trading.Tiers {
		tiers[t.Name] = t
	}
	return &Router{
		rules:    rules,
		gate:     gate,
		seq:      seq,
		ledger:   ledger,
		journal:  journal,
		logger:   logger,
		tiers:    tiers,
		degraded: make(map[string]degradation),
	}
}

// Register adds an exchange-account as a routing candidate.
func (r *Router) Register(account utilities.ExchangeAccount, brk broker.Broker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates = append(r.candidates, candidate{account: account, brk: brk})
}

// SetDegradeHook registers the callback fired when an account enters a
// cool-down. Must be called before the first Degrade.
func (r *Router) SetDegradeHook(fn func(account utilities.AccountKey, until time.Time, reason string)) {
	r.onDegrade = fn
}

// Degrade suspends an account until the given time. Called by the
// execution engine on PERMISSION_DENIED and TEMPORARY_LOCKOUT failures.
func (r *Router) Degrade(account utilities.AccountKey, until time.Time, reason string) {
	r.mu.Lock()
	r.degraded[account.String()] = degradation{Until: until, Reason: reason}
	r.mu.Unlock()
	r.logger.LogWarn("router [%s]: %saccount degraded%s until %s (%s)", account, utilities.ColorRed, utilities.ColorReset, until.Format(time.RFC3339), reason)
	if r.onDegrade != nil {
		r.onDegrade(account, until, reason)
	}
}

// Degraded reports the currently suspended accounts for status tooling.
// Expired entries are pruned on read.
func (r *Router) Degraded() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	out := make(map[string]string)
	for key, d := range r.degraded {
		if now.After(d.Until) {
			delete(r.degraded, key)
			continue
		}
		out[key] = d.Reason
	}
	return out
}

// Route selects an account and final size for the intent, or denies it.
// Selection order: scope filter, health filter, cap filter, then lowest
// round-trip fee tie-broken by highest quote balance.
func (r *Router) Route(ctx context.Context, intent utilities.TradeIntent) (Route, error) {
	if err := intent.Validate(); err != nil {
		return r.deny(intent, err.Error())
	}
	if err := r.gate.AllowTrading(); err != nil {
		return r.deny(intent, DenyHalted)
	}

	scoped := r.inScope(intent)
	if len(scoped) == 0 {
		return r.deny(intent, DenyNoScope)
	}

	healthy := r.healthy(scoped)
	if len(healthy) == 0 {
		return r.deny(intent, DenyAllDegraded)
	}

	if intent.IsExit || intent.Side == utilities.SideSell {
		return r.routeExit(ctx, intent, healthy)
	}
	return r.routeEntry(ctx, intent, healthy)
}

// routeEntry places a new position: cap filter, fee/balance preference,
// tier sizing.
func (r *Router) routeEntry(ctx context.Context, intent utilities.TradeIntent, eligible []candidate) (Route, error) {
	underCap := make([]candidate, 0, len(eligible))
	for _, c := range eligible {
		count, err := r.openPositionCount(c.account)
		if err != nil {
			r.logger.LogError("router [%s]: position count failed, skipping candidate: %v", c.account.Key, err)
			continue
		}
		tier, ok := r.tiers[c.account.Tier]
		if ok && tier.MaxPositions > 0 && count >= tier.MaxPositions {
			continue
		}
		underCap = append(underCap, c)
	}
	if len(underCap) == 0 {
		return r.deny(intent, DenyCapReached)
	}

	chosen := r.prefer(ctx, intent.Symbol, underCap)
	return r.size(ctx, intent, chosen)
}

// routeExit sells down an existing position: the account must actually
// hold the symbol, and the size never exceeds what is held. Exits skip
// the cap filter since they only shrink the position set.
func (r *Router) routeExit(ctx context.Context, intent utilities.TradeIntent, eligible []candidate) (Route, error) {
	type holder struct {
		c   candidate
		pos utilities.Position
	}
	var holders []holder
	for _, c := range eligible {
		positions, err := r.ledger.LoadPositions(c.account.Key)
		if err != nil {
			r.logger.LogError("router [%s]: ledger read failed, skipping candidate: %v", c.account.Key, err)
			continue
		}
		for _, pos := range positions {
			if pos.Symbol == intent.Symbol && !pos.IsDust(r.rules.DustThresholdUSD()) {
				holders = append(holders, holder{c: c, pos: pos})
				break
			}
		}
	}
	if len(holders) == 0 {
		return r.deny(intent, DenyNotHeld)
	}

	// Exit from the largest holding first.
	sort.Slice(holders, func(i, j int) bool {
		return holders[i].pos.EstimatedUSD > holders[j].pos.EstimatedUSD
	})
	chosen := holders[0]

	quantity := intent.Quantity
	if quantity <= 0 || quantity > chosen.pos.Quantity {
		quantity = chosen.pos.Quantity
	}
	quantity, err := r.rules.Quantize(chosen.c.account.Key.Exchange, intent.Symbol, quantity)
	if err != nil {
		if errors.Is(err, exchange.ErrZeroQuantity) {
			return r.deny(intent, DenyUnquantizable)
		}
		return r.deny(intent, err.Error())
	}

	notional := 0.0
	if chosen.pos.Quantity > 0 {
		notional = chosen.pos.EstimatedUSD * (quantity / chosen.pos.Quantity)
	}
	return r.accept(intent, chosen.c.account, quantity, notional)
}

// prefer orders candidates by lowest effective round-trip fee, then by
// highest available quote balance. The fee comes from the exchange's
// published schedule when the broker can serve it; the configured rates
// are the fallback.
func (r *Router) prefer(ctx context.Context, symbol string, candidates []candidate) candidate {
	type scored struct {
		c       candidate
		fee     float64
		balance float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		fee := c.account.RoundTripFeePercent()
		if maker, taker, err := c.brk.GetTradeFees(ctx, symbol); err == nil && maker+taker > 0 {
			fee = maker + taker
		}
		ranked = append(ranked, scored{
			c:       c,
			fee:     fee,
			balance: r.availableBalance(ctx, c),
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].fee != ranked[j].fee {
			return ranked[i].fee < ranked[j].fee
		}
		return ranked[i].balance > ranked[j].balance
	})
	return ranked[0].c
}

func (r *Router) availableBalance(ctx context.Context, c candidate) float64 {
	token, err := r.seq.Next(c.account.Key)
	if err != nil {
		return 0
	}
	bal, err := c.brk.GetBalance(ctx, c.account.QuoteCurrency, token)
	if err != nil {
		r.logger.LogWarn("router [%s]: balance query failed, treating as empty: %v", c.account.Key, err)
		return 0
	}
	return bal.Available
}

// size clamps the intent's notional into the account's tier band and
// converts it to a quantized order quantity at the current price.
func (r *Router) size(ctx context.Context, intent utilities.TradeIntent, chosen candidate) (Route, error) {
	notional := intent.NotionalUSD
	tier, hasTier := r.tiers[chosen.account.Tier]
	if hasTier {
		if tier.MaxPositionUSD > 0 && notional > tier.MaxPositionUSD {
			notional = tier.MaxPositionUSD
		}
		if notional < tier.MinPositionUSD {
			return r.deny(intent, DenyBelowFloor)
		}
	}
	if notional < r.rules.MinNotional(chosen.account.Key.Exchange, intent.Symbol) {
		return r.deny(intent, DenyBelowNotional)
	}

	price, err := chosen.brk.GetLastPrice(ctx, intent.Symbol)
	if err != nil || price <= 0 {
		return r.deny(intent, DenyNoPrice)
	}
	quantity, err := r.rules.Quantize(chosen.account.Key.Exchange, intent.Symbol, notional/price)
	if err != nil {
		if errors.Is(err, exchange.ErrZeroQuantity) {
			return r.deny(intent, DenyUnquantizable)
		}
		return r.deny(intent, err.Error())
	}
	return r.accept(intent, chosen.account, quantity, notional)
}

func (r *Router) inScope(intent utilities.TradeIntent) []candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]candidate, 0, len(r.candidates))
	for _, c := range r.candidates {
		// Accounts are never substituted across scopes.
		if c.account.Key.Scope == intent.RequestedBy {
			out = append(out, c)
		}
	}
	return out
}

func (r *Router) healthy(scoped []candidate) []candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	out := make([]candidate, 0, len(scoped))
	for _, c := range scoped {
		if d, ok := r.degraded[c.account.Key.String()]; ok && now.Before(d.Until) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// openPositionCount counts the account's non-dust positions. Dust never
// occupies a cap slot.
func (r *Router) openPositionCount(account utilities.ExchangeAccount) (int, error) {
	positions, err := r.ledger.LoadPositions(account.Key)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, pos := range positions {
		if !pos.IsDust(r.rules.DustThresholdUSD()) {
			count++
		}
	}
	return count, nil
}

func (r *Router) accept(intent utilities.TradeIntent, account utilities.ExchangeAccount, quantity, notional float64) (Route, error) {
	r.logger.LogInfo("router: %s %s%s%s routed to [%s], qty=%f notional=%.2f", intent.Side, utilities.ColorYellow, intent.Symbol, utilities.ColorReset, account.Key, quantity, notional)
	return Route{Account: account, Quantity: quantity, NotionalUSD: notional}, nil
}

func (r *Router) deny(intent utilities.TradeIntent, reason string) (Route, error) {
	denial := &RouteDenied{Reason: reason, Intent: intent}
	if r.journal != nil {
		if err := r.journal.Append(store.EventRouteDenied, intent.RequestedBy, denial); err != nil {
			r.logger.LogError("router: journal append failed: %v", err)
		}
	}
	r.logger.LogWarn("router: %v", denial)
	return Route{}, denial
}
