package exchange

import (
	"errors"
	"math"
	"testing"
)

func TestNormalizeTableDriven(t *testing.T) {
	rules := NewRules(0)

	tests := []struct {
		exchange string
		symbol   string
		want     string
	}{
		{"kraken", "BTC/USD", "XBTUSD"},
		{"kraken", "btc/usd", "XBTUSD"},
		{"kraken", "ETH/USD", "ETHUSD"},
		{"kraken", "DOGE/USD", "XDGUSD"}, // fallback path with asset rename
		{"kraken", "LINK/USD", "LINKUSD"},
		{"kraken", "LINK-USD", "LINKUSD"},
		{"paper", "BTC/USD", "BTC-USD"},
		{"paper", "sol_usd", "SOL-USD"},
	}

	for _, tc := range tests {
		got, err := rules.Normalize(tc.exchange, tc.symbol)
		if err != nil {
			t.Fatalf("Normalize(%s, %s) returned error: %v", tc.exchange, tc.symbol, err)
		}
		if got != tc.want {
			t.Errorf("Normalize(%s, %s) = %s, want %s", tc.exchange, tc.symbol, got, tc.want)
		}
	}
}

func TestNormalizeUnknownExchange(t *testing.T) {
	rules := NewRules(0)
	if _, err := rules.Normalize("mtgox", "BTC/USD"); !errors.Is(err, ErrUnknownExchange) {
		t.Errorf("expected ErrUnknownExchange, got %v", err)
	}
}

func TestQuantizeRoundsDownOnly(t *testing.T) {
	rules := NewRules(0)

	tests := []struct {
		symbol string
		raw    float64
		want   float64
	}{
		{"BTC/USD", 0.123456789, 0.12345},
		{"BTC/USD", 0.00001, 0.00001},
		{"XRP/USD", 10.9, 10}, // whole-unit asset
		{"XRP/USD", 250.0001, 250},
		{"SOL/USD", 3.14159, 3.14},
	}

	for _, tc := range tests {
		got, err := rules.Quantize("kraken", tc.symbol, tc.raw)
		if err != nil {
			t.Fatalf("Quantize(%s, %f) returned error: %v", tc.symbol, tc.raw, err)
		}
		if math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("Quantize(%s, %f) = %f, want %f", tc.symbol, tc.raw, got, tc.want)
		}
		if got > tc.raw {
			t.Errorf("Quantize(%s, %f) rounded up to %f", tc.symbol, tc.raw, got)
		}
	}
}

func TestQuantizeRejectsZeroResult(t *testing.T) {
	rules := NewRules(0)

	// 0.4 of a whole-unit asset floors to zero and must be rejected.
	if _, err := rules.Quantize("kraken", "XRP/USD", 0.4); !errors.Is(err, ErrZeroQuantity) {
		t.Errorf("expected ErrZeroQuantity for sub-step quantity, got %v", err)
	}
	if _, err := rules.Quantize("kraken", "BTC/USD", 0.0000001); !errors.Is(err, ErrZeroQuantity) {
		t.Errorf("expected ErrZeroQuantity for sub-step BTC quantity, got %v", err)
	}
}

func TestQuantizeRejectsNegative(t *testing.T) {
	rules := NewRules(0)
	if _, err := rules.Quantize("kraken", "BTC/USD", -1); err == nil {
		t.Error("expected error for negative quantity")
	}
}

func TestDustThreshold(t *testing.T) {
	rules := NewRules(0)
	if !rules.IsDust(0.99) {
		t.Error("0.99 USD should be dust at the default threshold")
	}
	if rules.IsDust(1.00) {
		t.Error("1.00 USD should not be dust at the default threshold")
	}

	custom := NewRules(5.00)
	if !custom.IsDust(4.99) {
		t.Error("4.99 USD should be dust at a 5.00 threshold")
	}
}

func TestMinNotional(t *testing.T) {
	rules := NewRules(0)
	if got := rules.MinNotional("kraken", "BTC/USD"); got != 5.00 {
		t.Errorf("MinNotional(kraken, BTC/USD) = %f, want 5.00", got)
	}
	// Unknown symbol uses the exchange default.
	if got := rules.MinNotional("kraken", "PEPE/USD"); got != 5.00 {
		t.Errorf("MinNotional(kraken, PEPE/USD) = %f, want default 5.00", got)
	}
}
