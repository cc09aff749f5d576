// File: pkg/exchange/rules.go
package exchange

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrZeroQuantity is returned when a raw quantity rounds to zero at the
// exchange's step size. The caller must re-plan sizing; a zero-quantity
// order is never submitted.
var ErrZeroQuantity = errors.New("exchange: quantity rounds to zero at step size")

// ErrUnknownExchange is returned for an exchange id with no rules table.
var ErrUnknownExchange = errors.New("exchange: no rules table for exchange")

// DefaultDustThresholdUSD is the fixed USD value below which a holding is
// treated as dust: kept in records, excluded from caps and routing.
const DefaultDustThresholdUSD = 1.00

// symbolRule carries the per-symbol quirks of one exchange.
type symbolRule struct {
	spelling    string  // exchange-native spelling, if it differs from the fallback
	stepSize    string  // smallest quantity increment, decimal string
	minNotional float64 // smallest order value in USD the exchange accepts
}

// exchangeTable holds all per-symbol rules plus exchange-wide defaults.
type exchangeTable struct {
	separator       string // what the exchange puts between base and quote
	assetRenames    map[string]string
	symbols         map[string]symbolRule
	defaultStep     string
	defaultNotional float64
}

// Rules answers the per-exchange questions the engine and router ask:
// how a symbol is spelled, what quantity increments are legal, what the
// minimum order value is, and what counts as dust. Tables are fixed at
// construction; unknown symbols fall back to documented defaults rather
// than failing.
type Rules struct {
	dustUSD float64
	tables  map[string]*exchangeTable
}

// NewRules builds the rules set with the built-in exchange tables.
// A dustUSD of zero selects DefaultDustThresholdUSD.
func NewRules(dustUSD float64) *Rules {
	if dustUSD <= 0 {
		dustUSD = DefaultDustThresholdUSD
	}
	return &Rules{
		dustUSD: dustUSD,
		tables: map[string]*exchangeTable{
			"kraken": {
				separator: "",
				assetRenames: map[string]string{
					"BTC":  "XBT",
					"DOGE": "XDG",
				},
				symbols: map[string]symbolRule{
					"BTC/USD": {spelling: "XBTUSD", stepSize: "0.00001", minNotional: 5.00},
					"ETH/USD": {spelling: "ETHUSD", stepSize: "0.0001", minNotional: 5.00},
					"SOL/USD": {spelling: "SOLUSD", stepSize: "0.01", minNotional: 5.00},
					"XRP/USD": {spelling: "XRPUSD", stepSize: "1", minNotional: 5.00},
					"ADA/USD": {spelling: "ADAUSD", stepSize: "1", minNotional: 5.00},
				},
				defaultStep:     "0.0001",
				defaultNotional: 5.00,
			},
			// The paper exchange accepts anything reasonable; generous
			// defaults keep dry runs from tripping size checks.
			"paper": {
				separator:       "-",
				assetRenames:    map[string]string{},
				symbols:         map[string]symbolRule{},
				defaultStep:     "0.00000001",
				defaultNotional: 1.00,
			},
		},
	}
}

// Normalize translates a common pair symbol ("BTC/USD") into the
// exchange's native spelling. Symbols absent from the table use the
// documented fallback: apply asset renames, uppercase, and join with the
// exchange's separator.
func (r *Rules) Normalize(exchangeID, symbol string) (string, error) {
	table, ok := r.tables[strings.ToLower(exchangeID)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownExchange, exchangeID)
	}

	upper := strings.ToUpper(strings.TrimSpace(symbol))
	if rule, ok := table.symbols[upper]; ok && rule.spelling != "" {
		return rule.spelling, nil
	}

	base, quote := splitPair(upper)
	if renamed, ok := table.assetRenames[base]; ok {
		base = renamed
	}
	if renamed, ok := table.assetRenames[quote]; ok {
		quote = renamed
	}
	if quote == "" {
		return base, nil
	}
	return base + table.separator + quote, nil
}

// Quantize rounds a raw quantity DOWN to the exchange's step size for the
// symbol. Rounding is never upward, so the order can only be smaller than
// requested. A result of zero is an error, not a silent clamp.
func (r *Rules) Quantize(exchangeID, symbol string, rawQuantity float64) (float64, error) {
	table, ok := r.tables[strings.ToLower(exchangeID)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownExchange, exchangeID)
	}
	if rawQuantity < 0 {
		return 0, fmt.Errorf("exchange: negative quantity %f for %s", rawQuantity, symbol)
	}

	stepStr := table.defaultStep
	if rule, ok := table.symbols[strings.ToUpper(symbol)]; ok && rule.stepSize != "" {
		stepStr = rule.stepSize
	}

	step, err := decimal.NewFromString(stepStr)
	if err != nil {
		return 0, fmt.Errorf("exchange: bad step size %q for %s on %s: %w", stepStr, symbol, exchangeID, err)
	}

	raw := decimal.NewFromFloat(rawQuantity)
	steps := raw.Div(step).Floor()
	quantized := steps.Mul(step)

	if quantized.IsZero() {
		return 0, fmt.Errorf("%w: %f of %s on %s (step %s)", ErrZeroQuantity, rawQuantity, symbol, exchangeID, stepStr)
	}

	result, _ := quantized.Float64()
	return result, nil
}

// MinNotional returns the smallest order value in USD the exchange
// accepts for the symbol.
func (r *Rules) MinNotional(exchangeID, symbol string) float64 {
	table, ok := r.tables[strings.ToLower(exchangeID)]
	if !ok {
		return 0
	}
	if rule, ok := table.symbols[strings.ToUpper(symbol)]; ok && rule.minNotional > 0 {
		return rule.minNotional
	}
	return table.defaultNotional
}

// IsDust reports whether a USD value falls below the dust threshold.
func (r *Rules) IsDust(usdValue float64) bool {
	return usdValue < r.dustUSD
}

// DustThresholdUSD exposes the configured threshold for status reporting.
func (r *Rules) DustThresholdUSD() float64 {
	return r.dustUSD
}

// Known reports whether an exchange id has a rules table.
func (r *Rules) Known(exchangeID string) bool {
	_, ok := r.tables[strings.ToLower(exchangeID)]
	return ok
}

// splitPair breaks "BTC/USD", "BTC-USD" or "BTC_USD" into base and quote.
// A symbol with no separator comes back as (symbol, "").
func splitPair(symbol string) (string, string) {
	for _, sep := range []string{"/", "-", "_"} {
		if i := strings.Index(symbol, sep); i > 0 {
			return symbol[:i], symbol[i+len(sep):]
		}
	}
	return symbol, ""
}
