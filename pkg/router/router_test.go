package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"Blackice/pkg/broker"
	"Blackice/pkg/exchange"
	"Blackice/store"
	"Blackice/utilities"
)

type fakeSeq struct {
	mu   sync.Mutex
	last int64
}

func (s *fakeSeq) Next(utilities.AccountKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	return s.last, nil
}

type fakeGate struct{ err error }

func (g *fakeGate) AllowTrading() error { return g.err }

type fakeLedger struct {
	mu        sync.Mutex
	positions map[string][]utilities.Position // keyed by AccountKey.String()
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{positions: make(map[string][]utilities.Position)}
}

func (l *fakeLedger) add(pos utilities.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := pos.Account.String()
	l.positions[key] = append(l.positions[key], pos)
}

func (l *fakeLedger) LoadPositions(account utilities.AccountKey) ([]utilities.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positions[account.String()], nil
}

type fakeBroker struct {
	balance  float64
	price    float64
	makerFee float64
	takerFee float64
}

func (b *fakeBroker) PlaceOrder(context.Context, string, string, string, float64, float64, int64, string) (string, error) {
	return "", errors.New("not implemented")
}
func (b *fakeBroker) CancelOrder(context.Context, string, int64) error { return nil }
func (b *fakeBroker) GetOrderStatus(context.Context, string, int64) (broker.Order, error) {
	return broker.Order{}, nil
}
func (b *fakeBroker) GetBalance(context.Context, string, int64) (broker.Balance, error) {
	return broker.Balance{Currency: "USD", Available: b.balance, Total: b.balance}, nil
}
func (b *fakeBroker) GetHoldings(context.Context, int64) ([]broker.Holding, error) {
	return nil, nil
}
func (b *fakeBroker) GetTradeFees(context.Context, string) (float64, float64, error) {
	if b.makerFee == 0 && b.takerFee == 0 {
		return 0, 0, errors.New("fee schedule unavailable")
	}
	return b.makerFee, b.takerFee, nil
}
func (b *fakeBroker) GetLastPrice(context.Context, string) (float64, error) {
	if b.price <= 0 {
		return 0, errors.New("no trades")
	}
	return b.price, nil
}
func (b *fakeBroker) Ping(context.Context) error { return nil }
func (b *fakeBroker) Exchange() string           { return "kraken" }

type memJournal struct {
	mu    sync.Mutex
	kinds []string
}

func (j *memJournal) Append(kind, _ string, _ interface{}) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.kinds = append(j.kinds, kind)
	return nil
}

func account(scope, tier string, maker, taker float64) utilities.ExchangeAccount {
	return utilities.ExchangeAccount{
		Key:             utilities.AccountKey{Exchange: "kraken", Scope: scope},
		QuoteCurrency:   "USD",
		MakerFeePercent: maker,
		TakerFeePercent: taker,
		Tier:            tier,
	}
}

var standardTiers = utilities.TradingConfig{
	DustThresholdUSD: 1.0,
	Tiers: []utilities.TierConfig{
		{Name: "starter", MaxPositions: 2, MinPositionUSD: 50, MaxPositionUSD: 500},
		{Name: "plus", MaxPositions: 5, MinPositionUSD: 50, MaxPositionUSD: 2000},
	},
}

func newRouter(gate *fakeGate, ledger *fakeLedger, journal Journal) *Router {
	return New(exchange.NewRules(1.0), gate, &fakeSeq{}, ledger, journal, standardTiers, utilities.NewLogger(utilities.Fatal))
}

func buyIntent(scope string, notional float64) utilities.TradeIntent {
	return utilities.TradeIntent{Symbol: "BTC/USD", Side: utilities.SideBuy, NotionalUSD: notional, RequestedBy: scope, CreatedAt: time.Now()}
}

func TestScopeIsNeverSubstituted(t *testing.T) {
	r := newRouter(&fakeGate{}, newFakeLedger(), nil)
	r.Register(account("user-42", "starter", 0.16, 0.26), &fakeBroker{balance: 10000, price: 60000})

	_, err := r.Route(context.Background(), buyIntent(utilities.ScopeOperator, 100))
	var denied *RouteDenied
	if !errors.As(err, &denied) || denied.Reason != DenyNoScope {
		t.Fatalf("err = %v, want RouteDenied(%s)", err, DenyNoScope)
	}
}

func TestHaltedGateDeniesBeforeSelection(t *testing.T) {
	r := newRouter(&fakeGate{err: errors.New("halted")}, newFakeLedger(), nil)
	r.Register(account(utilities.ScopeOperator, "starter", 0.16, 0.26), &fakeBroker{balance: 10000, price: 60000})

	_, err := r.Route(context.Background(), buyIntent(utilities.ScopeOperator, 100))
	var denied *RouteDenied
	if !errors.As(err, &denied) || denied.Reason != DenyHalted {
		t.Fatalf("err = %v, want RouteDenied(%s)", err, DenyHalted)
	}
}

func TestDegradedAccountSkippedUntilCooldownExpires(t *testing.T) {
	r := newRouter(&fakeGate{}, newFakeLedger(), nil)
	acct := account(utilities.ScopeOperator, "starter", 0.16, 0.26)
	r.Register(acct, &fakeBroker{balance: 10000, price: 60000})

	r.Degrade(acct.Key, time.Now().Add(time.Hour), "PERMISSION_DENIED")
	_, err := r.Route(context.Background(), buyIntent(utilities.ScopeOperator, 100))
	var denied *RouteDenied
	if !errors.As(err, &denied) || denied.Reason != DenyAllDegraded {
		t.Fatalf("err = %v, want RouteDenied(%s)", err, DenyAllDegraded)
	}

	// Expired cool-down restores eligibility.
	r.Degrade(acct.Key, time.Now().Add(-time.Second), "PERMISSION_DENIED")
	if _, err := r.Route(context.Background(), buyIntent(utilities.ScopeOperator, 100)); err != nil {
		t.Fatalf("expected route after cool-down expiry, got %v", err)
	}
}

func TestPositionCapBlocksEntries(t *testing.T) {
	ledger := newFakeLedger()
	r := newRouter(&fakeGate{}, ledger, nil)
	acct := account(utilities.ScopeOperator, "starter", 0.16, 0.26) // cap 2
	r.Register(acct, &fakeBroker{balance: 10000, price: 60000})

	ledger.add(utilities.Position{Account: acct.Key, Symbol: "ETH/USD", Quantity: 1, EstimatedUSD: 2600})
	ledger.add(utilities.Position{Account: acct.Key, Symbol: "SOL/USD", Quantity: 10, EstimatedUSD: 1500})

	_, err := r.Route(context.Background(), buyIntent(utilities.ScopeOperator, 100))
	var denied *RouteDenied
	if !errors.As(err, &denied) || denied.Reason != DenyCapReached {
		t.Fatalf("err = %v, want RouteDenied(%s)", err, DenyCapReached)
	}
}

func TestDustDoesNotOccupyCapSlot(t *testing.T) {
	ledger := newFakeLedger()
	r := newRouter(&fakeGate{}, ledger, nil)
	acct := account(utilities.ScopeOperator, "starter", 0.16, 0.26) // cap 2
	r.Register(acct, &fakeBroker{balance: 10000, price: 60000})

	ledger.add(utilities.Position{Account: acct.Key, Symbol: "ETH/USD", Quantity: 1, EstimatedUSD: 2600})
	ledger.add(utilities.Position{Account: acct.Key, Symbol: "SHIB/USD", Quantity: 50000, EstimatedUSD: 0.42})

	if _, err := r.Route(context.Background(), buyIntent(utilities.ScopeOperator, 100)); err != nil {
		t.Fatalf("dust residue consumed a cap slot: %v", err)
	}
}

func TestPrefersLowestFeeThenHighestBalance(t *testing.T) {
	r := newRouter(&fakeGate{}, newFakeLedger(), nil)
	cheap := account(utilities.ScopeOperator, "plus", 0.10, 0.20)
	pricey := account(utilities.ScopeOperator, "plus", 0.16, 0.26)
	pricey.Key.Exchange = "paper"
	r.Register(pricey, &fakeBroker{balance: 99999, price: 60000})
	r.Register(cheap, &fakeBroker{balance: 100, price: 60000})

	route, err := r.Route(context.Background(), buyIntent(utilities.ScopeOperator, 100))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.Account.Key != cheap.Key {
		t.Errorf("routed to %s, want lowest-fee account %s", route.Account.Key, cheap.Key)
	}

	// Equal fees: the fatter balance wins.
	r2 := newRouter(&fakeGate{}, newFakeLedger(), nil)
	a := account(utilities.ScopeOperator, "plus", 0.16, 0.26)
	b := account(utilities.ScopeOperator, "plus", 0.16, 0.26)
	b.Key.Exchange = "paper"
	r2.Register(a, &fakeBroker{balance: 500, price: 60000})
	r2.Register(b, &fakeBroker{balance: 99999, price: 60000})

	route2, err := r2.Route(context.Background(), buyIntent(utilities.ScopeOperator, 100))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route2.Account.Key != b.Key {
		t.Errorf("routed to %s, want highest-balance account %s", route2.Account.Key, b.Key)
	}
}

func TestLiveFeeScheduleOverridesConfiguredFees(t *testing.T) {
	// Config says `cheap` has the lower rates, but the exchange's
	// published schedule inverts that; the published rates win.
	r := newRouter(&fakeGate{}, newFakeLedger(), nil)
	cheap := account(utilities.ScopeOperator, "plus", 0.10, 0.20)
	pricey := account(utilities.ScopeOperator, "plus", 0.16, 0.26)
	pricey.Key.Exchange = "paper"
	r.Register(cheap, &fakeBroker{balance: 100, price: 60000, makerFee: 0.25, takerFee: 0.40})
	r.Register(pricey, &fakeBroker{balance: 100, price: 60000, makerFee: 0.05, takerFee: 0.10})

	route, err := r.Route(context.Background(), buyIntent(utilities.ScopeOperator, 100))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.Account.Key != pricey.Key {
		t.Errorf("routed to %s, want the account with the lower published fees %s", route.Account.Key, pricey.Key)
	}
}

func TestDegradeHookReceivesNotice(t *testing.T) {
	r := newRouter(&fakeGate{}, newFakeLedger(), nil)
	acct := account(utilities.ScopeOperator, "starter", 0.16, 0.26)

	var gotKey utilities.AccountKey
	var gotReason string
	r.SetDegradeHook(func(account utilities.AccountKey, _ time.Time, reason string) {
		gotKey = account
		gotReason = reason
	})

	r.Degrade(acct.Key, time.Now().Add(time.Hour), "PERMISSION_DENIED")
	if gotKey != acct.Key || gotReason != "PERMISSION_DENIED" {
		t.Errorf("hook saw (%s, %s), want (%s, PERMISSION_DENIED)", gotKey, gotReason, acct.Key)
	}
}

func TestTierSizingClampsAndFloors(t *testing.T) {
	r := newRouter(&fakeGate{}, newFakeLedger(), nil)
	acct := account(utilities.ScopeOperator, "starter", 0.16, 0.26) // max 500, min 50
	r.Register(acct, &fakeBroker{balance: 10000, price: 50000})

	// Oversized request clamps to the tier max.
	route, err := r.Route(context.Background(), buyIntent(utilities.ScopeOperator, 5000))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.NotionalUSD != 500 {
		t.Errorf("notional = %.2f, want clamped 500", route.NotionalUSD)
	}
	if route.Quantity <= 0 || route.Quantity > 0.01 {
		t.Errorf("quantity = %f, want 500/50000 quantized", route.Quantity)
	}

	// Undersized request is denied, not bumped up.
	_, err = r.Route(context.Background(), buyIntent(utilities.ScopeOperator, 10))
	var denied *RouteDenied
	if !errors.As(err, &denied) || denied.Reason != DenyBelowFloor {
		t.Fatalf("err = %v, want RouteDenied(%s)", err, DenyBelowFloor)
	}
}

func TestExitRoutesToHoldingAccountAndCapsQuantity(t *testing.T) {
	ledger := newFakeLedger()
	r := newRouter(&fakeGate{}, ledger, nil)
	holder := account(utilities.ScopeOperator, "plus", 0.16, 0.26)
	empty := account(utilities.ScopeOperator, "plus", 0.10, 0.20)
	empty.Key.Exchange = "paper"
	r.Register(holder, &fakeBroker{balance: 100, price: 60000})
	r.Register(empty, &fakeBroker{balance: 99999, price: 60000})

	ledger.add(utilities.Position{Account: holder.Key, Symbol: "BTC/USD", Quantity: 0.02, EstimatedUSD: 1200})

	intent := utilities.TradeIntent{Symbol: "BTC/USD", Side: utilities.SideSell, Quantity: 5, IsExit: true, RequestedBy: utilities.ScopeOperator, CreatedAt: time.Now()}
	route, err := r.Route(context.Background(), intent)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.Account.Key != holder.Key {
		t.Errorf("exit routed to %s, want the holding account %s", route.Account.Key, holder.Key)
	}
	if route.Quantity > 0.02 {
		t.Errorf("exit quantity %f exceeds held 0.02", route.Quantity)
	}
}

func TestExitQuantizingToZeroDeniedDistinctly(t *testing.T) {
	// A residual holding below the exchange step size cannot produce an
	// order; the denial names the quantization, not the notional floor.
	ledger := newFakeLedger()
	r := newRouter(&fakeGate{}, ledger, nil)
	acct := account(utilities.ScopeOperator, "plus", 0.16, 0.26)
	r.Register(acct, &fakeBroker{balance: 100, price: 60000})

	ledger.add(utilities.Position{Account: acct.Key, Symbol: "BTC/USD", Quantity: 0.000001, EstimatedUSD: 2.0})

	intent := utilities.TradeIntent{Symbol: "BTC/USD", Side: utilities.SideSell, Quantity: 0.000001, IsExit: true, RequestedBy: utilities.ScopeOperator, CreatedAt: time.Now()}
	_, err := r.Route(context.Background(), intent)
	var denied *RouteDenied
	if !errors.As(err, &denied) || denied.Reason != DenyUnquantizable {
		t.Fatalf("err = %v, want RouteDenied(%s)", err, DenyUnquantizable)
	}
}

func TestExitWithNoHolderDenied(t *testing.T) {
	r := newRouter(&fakeGate{}, newFakeLedger(), nil)
	r.Register(account(utilities.ScopeOperator, "plus", 0.16, 0.26), &fakeBroker{balance: 100, price: 60000})

	intent := utilities.TradeIntent{Symbol: "BTC/USD", Side: utilities.SideSell, Quantity: 0.01, IsExit: true, RequestedBy: utilities.ScopeOperator, CreatedAt: time.Now()}
	_, err := r.Route(context.Background(), intent)
	var denied *RouteDenied
	if !errors.As(err, &denied) || denied.Reason != DenyNotHeld {
		t.Fatalf("err = %v, want RouteDenied(%s)", err, DenyNotHeld)
	}
}

func TestDenialsAreJournaled(t *testing.T) {
	journal := &memJournal{}
	r := newRouter(&fakeGate{err: errors.New("halted")}, newFakeLedger(), journal)

	r.Route(context.Background(), buyIntent(utilities.ScopeOperator, 100))
	if len(journal.kinds) != 1 || journal.kinds[0] != store.EventRouteDenied {
		t.Errorf("journal kinds = %v, want one %s record", journal.kinds, store.EventRouteDenied)
	}
}
