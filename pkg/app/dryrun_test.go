package app

import (
	"context"
	"strings"
	"testing"

	"Blackice/pkg/broker"
	paperBroker "Blackice/pkg/broker/paper"
	"Blackice/pkg/safety"
	"Blackice/store"
	"Blackice/utilities"
)

// recordingLiveBroker stands in for a real exchange adapter and counts
// every order that reaches it.
type recordingLiveBroker struct {
	placeCalls int
	lastPrice  float64
	priceErr   error
}

func (b *recordingLiveBroker) PlaceOrder(_ context.Context, _, _, _ string, _, _ float64, _ int64, _ string) (string, error) {
	b.placeCalls++
	return "REAL-TX-1", nil
}

func (b *recordingLiveBroker) CancelOrder(context.Context, string, int64) error { return nil }

func (b *recordingLiveBroker) GetOrderStatus(context.Context, string, int64) (broker.Order, error) {
	return broker.Order{}, nil
}

func (b *recordingLiveBroker) GetBalance(context.Context, string, int64) (broker.Balance, error) {
	return broker.Balance{}, nil
}

func (b *recordingLiveBroker) GetHoldings(context.Context, int64) ([]broker.Holding, error) {
	return nil, nil
}

func (b *recordingLiveBroker) GetTradeFees(context.Context, string) (float64, float64, error) {
	return 0.16, 0.26, nil
}

func (b *recordingLiveBroker) GetLastPrice(context.Context, string) (float64, error) {
	return b.lastPrice, b.priceErr
}

func (b *recordingLiveBroker) Ping(context.Context) error { return nil }

func (b *recordingLiveBroker) Exchange() string { return "kraken" }

func newTestMachine(t *testing.T) *safety.Machine {
	t.Helper()
	st, err := store.NewSafetyStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSafetyStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	machine, err := safety.Load(st, t.TempDir()+"/halt.flag", utilities.NewLogger(utilities.Fatal))
	if err != nil {
		t.Fatalf("safety.Load: %v", err)
	}
	return machine
}

func newTestSwitch(t *testing.T) (*dryRunSwitch, *recordingLiveBroker, *safety.Machine) {
	t.Helper()
	machine := newTestMachine(t)
	live := &recordingLiveBroker{lastPrice: 50000}
	paper := paperBroker.New("USD", 10000, utilities.NewLogger(utilities.Fatal))
	paper.SetPrice("BTC/USD", 50000)
	return newDryRunSwitch(machine, live, paper), live, machine
}

func TestDryRunOrdersNeverReachLiveExchange(t *testing.T) {
	sw, live, machine := newTestSwitch(t)
	if err := machine.Transition(safety.StateDryRun, "test", "arm"); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	id, err := sw.PlaceOrder(context.Background(), "BTC/USD", "buy", "market", 0.01, 0, 1, "order-1")
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if live.placeCalls != 0 {
		t.Fatalf("live exchange received %d orders in DRY_RUN, want 0", live.placeCalls)
	}
	if !strings.HasPrefix(id, "PAPER-") {
		t.Fatalf("order id = %q, want a paper fill", id)
	}
}

func TestLiveActiveOrdersReachLiveExchange(t *testing.T) {
	sw, live, machine := newTestSwitch(t)
	if err := machine.Transition(safety.StateDryRun, "test", "arm"); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := machine.Transition(safety.StateLivePending, "test", "arm"); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := machine.AcknowledgeRisk("test", "I accept the risk of live trading"); err != nil {
		t.Fatalf("AcknowledgeRisk: %v", err)
	}

	id, err := sw.PlaceOrder(context.Background(), "BTC/USD", "buy", "market", 0.01, 0, 1, "order-1")
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if live.placeCalls != 1 {
		t.Fatalf("live exchange received %d orders in LIVE_ACTIVE, want 1", live.placeCalls)
	}
	if id != "REAL-TX-1" {
		t.Fatalf("order id = %q, want the live confirmation", id)
	}
}

func TestLivePriceSeedsPaperDouble(t *testing.T) {
	machine := newTestMachine(t)
	live := &recordingLiveBroker{lastPrice: 61250}
	paper := paperBroker.New("USD", 10000, utilities.NewLogger(utilities.Fatal))
	sw := newDryRunSwitch(machine, live, paper)

	price, err := sw.GetLastPrice(context.Background(), "ETH/USD")
	if err != nil {
		t.Fatalf("GetLastPrice: %v", err)
	}
	if price != 61250 {
		t.Fatalf("price = %f, want the live quote", price)
	}
	seeded, err := paper.GetLastPrice(context.Background(), "ETH/USD")
	if err != nil || seeded != 61250 {
		t.Fatalf("paper price = %f, %v, want the seeded live quote", seeded, err)
	}
}

func TestKrakenAccountStartsBehindPaperShadow(t *testing.T) {
	cfg := testConfig(t)
	cfg.Accounts[0] = utilities.AccountConfig{
		Exchange:          "kraken",
		Scope:             utilities.ScopeOperator,
		APIKey:            "key",
		APISecret:         "c2VjcmV0",
		QuoteCurrency:     "USD",
		Tier:              "starter",
		RequestTimeoutSec: 5,
		RateLimitPerSec:   100,
		RateBurst:         100,
	}
	a, err := New(cfg, utilities.NewLogger(utilities.Fatal))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)

	rt, ok := a.runtimes["kraken/operator"]
	if !ok {
		t.Fatal("kraken runtime not registered")
	}
	if _, ok := rt.brk.(*dryRunSwitch); !ok {
		t.Fatalf("kraken account wired to %T, want the dry-run switch", rt.brk)
	}
	if rt.kraken == nil {
		t.Fatal("runtime lost its handle on the live adapter")
	}
}
