package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"Blackice/pkg/broker"
	"Blackice/pkg/exchange"
	"Blackice/utilities"
)

// --- Fakes ---

type fakeSeq struct {
	mu     sync.Mutex
	last   int64
	issued []int64
	jumps  int
}

func (s *fakeSeq) Next(utilities.AccountKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	s.issued = append(s.issued, s.last)
	return s.last, nil
}

func (s *fakeSeq) Jump(utilities.AccountKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last += 1000
	s.jumps++
	s.issued = append(s.issued, s.last)
	return s.last, nil
}

type fakeGate struct {
	mu  sync.Mutex
	err error
}

func (g *fakeGate) AllowTrading() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

func (g *fakeGate) halt() {
	g.mu.Lock()
	g.err = errors.New("safety: trading halted: kill switch engaged")
	g.mu.Unlock()
}

type fakeLedger struct {
	mu        sync.Mutex
	positions map[string]utilities.Position
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{positions: make(map[string]utilities.Position)}
}

func (l *fakeLedger) SavePosition(pos utilities.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[pos.Symbol] = pos
	return nil
}

func (l *fakeLedger) DeletePosition(_ utilities.AccountKey, symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.positions, symbol)
	return nil
}

func (l *fakeLedger) GetPosition(_ utilities.AccountKey, symbol string) (utilities.Position, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[symbol]
	return pos, ok, nil
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeReconciler) Reconcile(context.Context, utilities.AccountKey) (utilities.ReconcileReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return utilities.ReconcileReport{}, nil
}

type fakeDegrader struct {
	mu      sync.Mutex
	reasons []string
}

func (d *fakeDegrader) Degrade(_ utilities.AccountKey, _ time.Time, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons = append(d.reasons, reason)
}

// scriptedBroker returns its responses in order; the last repeats.
type scriptedBroker struct {
	mu        sync.Mutex
	responses []response
	calls     []int64 // sequence tokens seen per PlaceOrder call
	onCall    func()
}

type response struct {
	txid string
	err  error
}

func (b *scriptedBroker) PlaceOrder(_ context.Context, _, _, _ string, _, _ float64, token int64, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, token)
	if b.onCall != nil {
		b.onCall()
	}
	idx := len(b.calls) - 1
	if idx >= len(b.responses) {
		idx = len(b.responses) - 1
	}
	return b.responses[idx].txid, b.responses[idx].err
}

func (b *scriptedBroker) CancelOrder(context.Context, string, int64) error { return nil }
func (b *scriptedBroker) GetOrderStatus(context.Context, string, int64) (broker.Order, error) {
	return broker.Order{}, errors.New("status unavailable")
}
func (b *scriptedBroker) GetBalance(context.Context, string, int64) (broker.Balance, error) {
	return broker.Balance{}, nil
}
func (b *scriptedBroker) GetHoldings(context.Context, int64) ([]broker.Holding, error) {
	return nil, nil
}
func (b *scriptedBroker) GetTradeFees(context.Context, string) (float64, float64, error) {
	return 0.16, 0.26, nil
}
func (b *scriptedBroker) GetLastPrice(context.Context, string) (float64, error) {
	return 60000, nil
}
func (b *scriptedBroker) Ping(context.Context) error { return nil }
func (b *scriptedBroker) Exchange() string           { return "kraken" }

// --- Harness ---

type harness struct {
	engine     *Engine
	seq        *fakeSeq
	gate       *fakeGate
	ledger     *fakeLedger
	reconciler *fakeReconciler
	degrader   *fakeDegrader
	broker     *scriptedBroker
	delays     []time.Duration
}

func newHarness(t *testing.T, responses ...response) *harness {
	t.Helper()
	h := &harness{
		seq:        &fakeSeq{},
		gate:       &fakeGate{},
		ledger:     newFakeLedger(),
		reconciler: &fakeReconciler{},
		degrader:   &fakeDegrader{},
		broker:     &scriptedBroker{responses: responses},
	}
	account := utilities.ExchangeAccount{
		Key:           utilities.AccountKey{Exchange: "kraken", Scope: "operator"},
		QuoteCurrency: "USD",
	}
	h.engine = NewEngine(account, h.broker, exchange.NewRules(0), h.seq, h.gate, h.ledger, h.reconciler, h.degrader, nil, utilities.ExecutionConfig{}, utilities.NewLogger(utilities.Fatal))
	h.engine.sleep = func(_ context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		return nil
	}
	return h
}

func buyIntent() utilities.TradeIntent {
	return utilities.TradeIntent{Symbol: "BTC/USD", Side: utilities.SideBuy, NotionalUSD: 500, RequestedBy: "operator", CreatedAt: time.Now()}
}

func sellIntent() utilities.TradeIntent {
	return utilities.TradeIntent{Symbol: "BTC/USD", Side: utilities.SideSell, Quantity: 0.01, IsExit: true, RequestedBy: "operator", CreatedAt: time.Now()}
}

// --- Tests ---

func TestConfirmedBuyCreatesLedgerEntry(t *testing.T) {
	h := newHarness(t, response{txid: "TX-1"})

	result := h.engine.Submit(context.Background(), buyIntent(), 0.01)
	if !result.Confirmed {
		t.Fatalf("expected confirmation, got %+v", result)
	}
	if result.ConfirmationID != "TX-1" {
		t.Errorf("confirmation id = %s, want TX-1", result.ConfirmationID)
	}
	if _, found, _ := h.ledger.GetPosition(utilities.AccountKey{}, "BTC/USD"); !found {
		t.Error("confirmed buy did not create a ledger entry")
	}
}

func TestNoFillWithoutConfirmationID(t *testing.T) {
	// The exchange "accepts" but returns no transaction id; this must
	// never be treated as filled and must never touch the ledger.
	h := newHarness(t, response{txid: "", err: nil})

	result := h.engine.Submit(context.Background(), buyIntent(), 0.01)
	if result.Confirmed {
		t.Fatal("result confirmed despite missing confirmation id")
	}
	if len(h.ledger.positions) != 0 {
		t.Error("ledger modified without a confirmation id")
	}
}

func TestSequencingJumpAndLongBackoff(t *testing.T) {
	h := newHarness(t,
		response{err: errors.New("kraken: EAPI:Invalid nonce")},
		response{txid: "TX-2"},
	)

	result := h.engine.Submit(context.Background(), buyIntent(), 0.01)
	if !result.Confirmed {
		t.Fatalf("expected eventual confirmation, got %+v", result)
	}

	if len(h.broker.calls) != 2 {
		t.Fatalf("broker calls = %d, want 2", len(h.broker.calls))
	}
	first, second := h.broker.calls[0], h.broker.calls[1]
	if second < first+10 {
		t.Errorf("retry token %d not jumped (first was %d)", second, first)
	}
	if h.seq.jumps != 1 {
		t.Errorf("jump count = %d, want 1", h.seq.jumps)
	}
	if len(h.delays) != 1 || h.delays[0] < 30*time.Second {
		t.Errorf("sequencing retry delay = %v, want >= 30s", h.delays)
	}
}

func TestNetworkBackoffDoubles(t *testing.T) {
	h := newHarness(t,
		response{err: errors.New("connection reset by peer")},
		response{err: errors.New("connection reset by peer")},
		response{txid: "TX-3"},
	)

	result := h.engine.Submit(context.Background(), buyIntent(), 0.01)
	if !result.Confirmed {
		t.Fatalf("expected eventual confirmation, got %+v", result)
	}
	if len(h.delays) != 2 {
		t.Fatalf("delays = %v, want 2 entries", h.delays)
	}
	if h.delays[1] != 2*h.delays[0] {
		t.Errorf("backoff did not double: %v", h.delays)
	}
}

func TestInsufficientFundsFailsImmediately(t *testing.T) {
	h := newHarness(t, response{err: errors.New("kraken: EOrder:Insufficient funds")})

	result := h.engine.Submit(context.Background(), buyIntent(), 0.01)
	if result.Confirmed {
		t.Fatal("expected failure")
	}
	if result.Class != ClassInsufficientFunds {
		t.Errorf("class = %s, want INSUFFICIENT_FUNDS", result.Class)
	}
	if len(h.broker.calls) != 1 {
		t.Errorf("broker calls = %d, want 1 (no retry on funds errors)", len(h.broker.calls))
	}
}

func TestPermissionDeniedDegradesAccount(t *testing.T) {
	h := newHarness(t, response{err: errors.New("kraken: EGeneral:Permission denied")})

	result := h.engine.Submit(context.Background(), buyIntent(), 0.01)
	if result.Confirmed || result.Class != ClassPermissionDenied {
		t.Fatalf("result = %+v, want PERMISSION_DENIED failure", result)
	}
	if len(h.degrader.reasons) != 1 || h.degrader.reasons[0] != string(ClassPermissionDenied) {
		t.Errorf("degrader saw %v, want one PERMISSION_DENIED notice", h.degrader.reasons)
	}
	if len(h.broker.calls) != 1 {
		t.Errorf("broker calls = %d, want 1 (account degraded, no retry)", len(h.broker.calls))
	}
}

func TestKillSwitchAbortsRetryLoop(t *testing.T) {
	h := newHarness(t,
		response{err: errors.New("connection reset by peer")},
		response{txid: "TX-NEVER"},
	)
	// Engage the halt during the first attempt; the retry's gate check
	// must abort before a second submission.
	h.broker.onCall = func() { h.gate.halt() }

	result := h.engine.Submit(context.Background(), buyIntent(), 0.01)
	if result.Confirmed {
		t.Fatal("order confirmed after kill switch engaged")
	}
	if len(h.broker.calls) != 1 {
		t.Fatalf("broker calls = %d, want 1 (no submission after halt)", len(h.broker.calls))
	}
}

func TestFailedExitTriggersReconciliation(t *testing.T) {
	h := newHarness(t, response{err: errors.New("kraken: EOrder:Insufficient funds")})

	result := h.engine.Submit(context.Background(), sellIntent(), 0.01)
	if result.Confirmed {
		t.Fatal("expected failure")
	}
	if h.reconciler.calls != 1 {
		t.Errorf("reconciler calls = %d, want 1 after failed exit", h.reconciler.calls)
	}
}

func TestFailedBuyDoesNotTriggerReconciliation(t *testing.T) {
	h := newHarness(t, response{err: errors.New("kraken: EOrder:Insufficient funds")})

	h.engine.Submit(context.Background(), buyIntent(), 0.01)
	if h.reconciler.calls != 0 {
		t.Errorf("reconciler calls = %d, want 0 for failed buy", h.reconciler.calls)
	}
}

func TestZeroQuantityRejectedBeforeSubmission(t *testing.T) {
	h := newHarness(t, response{txid: "TX-1"})

	// Below BTC's step size; must be rejected without any broker call.
	result := h.engine.Submit(context.Background(), buyIntent(), 0.0000001)
	if result.Confirmed {
		t.Fatal("expected rejection")
	}
	if result.Class != ClassMinSizeViolation {
		t.Errorf("class = %s, want MIN_SIZE_VIOLATION", result.Class)
	}
	if len(h.broker.calls) != 0 {
		t.Errorf("broker calls = %d, want 0", len(h.broker.calls))
	}
}

func TestUnknownExchangeRejectedAsValidation(t *testing.T) {
	h := newHarness(t, response{txid: "TX-1"})
	account := utilities.ExchangeAccount{
		Key:           utilities.AccountKey{Exchange: "bitfinex", Scope: "operator"},
		QuoteCurrency: "USD",
	}
	h.engine = NewEngine(account, h.broker, exchange.NewRules(0), h.seq, h.gate, h.ledger, h.reconciler, h.degrader, nil, utilities.ExecutionConfig{}, utilities.NewLogger(utilities.Fatal))

	result := h.engine.Submit(context.Background(), buyIntent(), 0.01)
	if result.Confirmed {
		t.Fatal("expected rejection for an exchange with no rules table")
	}
	if result.Class != ClassValidation {
		t.Errorf("class = %s, want VALIDATION", result.Class)
	}
	if len(h.broker.calls) != 0 {
		t.Errorf("broker calls = %d, want 0", len(h.broker.calls))
	}
}

func TestRetryBudgetCountsRetriesBeyondFirstAttempt(t *testing.T) {
	// A persistent transient failure gets the initial attempt plus the
	// full retry budget: 1 + 3 submissions for NETWORK.
	h := newHarness(t, response{err: errors.New("connection reset by peer")})

	result := h.engine.Submit(context.Background(), buyIntent(), 0.01)
	if result.Confirmed {
		t.Fatal("expected terminal failure")
	}
	if len(h.broker.calls) != 4 {
		t.Errorf("broker calls = %d, want 4 (initial attempt + 3 retries)", len(h.broker.calls))
	}
	if result.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", result.Attempts)
	}
}

func TestConfirmedSellReducesAndRemovesPosition(t *testing.T) {
	h := newHarness(t, response{txid: "TX-S"})
	account := utilities.AccountKey{Exchange: "kraken", Scope: "operator"}
	h.ledger.SavePosition(utilities.Position{Account: account, Symbol: "BTC/USD", Quantity: 0.02, EstimatedUSD: 1200, Source: utilities.PositionSourceLedger, UpdatedAt: time.Now()})

	h.engine.Submit(context.Background(), sellIntent(), 0.01)
	pos, found, _ := h.ledger.GetPosition(account, "BTC/USD")
	if !found {
		t.Fatal("partial sell removed the whole position")
	}
	if pos.Quantity >= 0.02 {
		t.Errorf("quantity not reduced: %f", pos.Quantity)
	}

	h.engine.Submit(context.Background(), sellIntent(), 0.01)
	if _, found, _ := h.ledger.GetPosition(account, "BTC/USD"); found {
		t.Error("full exit left a position behind")
	}
}

func TestClassifyTable(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorClass
	}{
		{"EAPI:Invalid nonce", ClassSequencing},
		{"EGeneral:Permission denied", ClassPermissionDenied},
		{"EAPI:Rate limit exceeded", ClassRateLimited},
		{"EGeneral:Temporary lockout", ClassTemporaryLockout},
		{"EOrder:Insufficient funds", ClassInsufficientFunds},
		{"EOrder:Order minimum not met", ClassMinSizeViolation},
		{"dial tcp: connection refused", ClassNetwork},
	}
	for _, tc := range tests {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}
