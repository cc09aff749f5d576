// File: pkg/broker/paper/paper.go
package paper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"Blackice/pkg/broker"
	"Blackice/utilities"

	"github.com/google/uuid"
)

// Adapter is an in-memory broker that fills every market order
// immediately against virtual balances. DRY_RUN sessions run the full
// submission path through it, including sequence token checks, without
// touching a real exchange.
type Adapter struct {
	logger        *utilities.Logger
	quoteCurrency string

	mu        sync.Mutex
	balances  map[string]float64 // asset -> quantity; quote currency is cash
	prices    map[string]float64 // common pair -> last price
	orders    map[string]broker.Order
	lastToken int64
}

// New seeds a paper account with starting cash in the quote currency.
func New(quoteCurrency string, startingCash float64, logger *utilities.Logger) *Adapter {
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
		logger.LogWarn("paper.New: Logger fallback used.")
	}
	quote := strings.ToUpper(quoteCurrency)
	return &Adapter{
		logger:        logger,
		quoteCurrency: quote,
		balances:      map[string]float64{quote: startingCash},
		prices:        make(map[string]float64),
		orders:        make(map[string]broker.Order),
	}
}

// SetPrice sets the simulated market price for a pair. Orders for pairs
// with no price are rejected, same as an exchange with no market.
// Accepts "BTC/USD" and "BTC-USD" interchangeably.
func (a *Adapter) SetPrice(commonPair string, price float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prices[canonicalPair(commonPair)] = price
}

// Deposit credits the virtual account.
func (a *Adapter) Deposit(asset string, quantity float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[strings.ToUpper(asset)] += quantity
}

func (a *Adapter) Exchange() string { return "paper" }

func (a *Adapter) Ping(context.Context) error { return nil }

func (a *Adapter) PlaceOrder(_ context.Context, assetPair, side, orderType string, volume, price float64, sequenceToken int64, clientOrderID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkToken(sequenceToken); err != nil {
		return "", err
	}

	execPrice := price
	if strings.ToLower(orderType) == "market" {
		p, ok := a.prices[canonicalPair(assetPair)]
		if !ok {
			return "", fmt.Errorf("paper: no price available for %s", assetPair)
		}
		execPrice = p
	}
	if execPrice <= 0 {
		return "", fmt.Errorf("paper: non-positive execution price for %s", assetPair)
	}

	base, quote, err := splitPair(assetPair)
	if err != nil {
		return "", err
	}

	cost := volume * execPrice
	switch strings.ToLower(side) {
	case utilities.SideBuy:
		if a.balances[quote] < cost {
			return "", fmt.Errorf("paper: insufficient funds: need %.2f %s, have %.2f", cost, quote, a.balances[quote])
		}
		a.balances[quote] -= cost
		a.balances[base] += volume
	case utilities.SideSell:
		if a.balances[base] < volume {
			return "", fmt.Errorf("paper: insufficient funds: need %f %s, have %f", volume, base, a.balances[base])
		}
		a.balances[base] -= volume
		a.balances[quote] += cost
	default:
		return "", fmt.Errorf("paper: invalid side %q", side)
	}

	txid := "PAPER-" + uuid.NewString()[:8]
	now := time.Now()
	a.orders[txid] = broker.Order{
		ID:            txid,
		ClientOrderID: clientOrderID,
		Pair:          assetPair,
		Side:          strings.ToLower(side),
		Type:          strings.ToLower(orderType),
		Status:        "closed",
		Price:         execPrice,
		Volume:        volume,
		FilledVolume:  volume,
		AvgFillPrice:  execPrice,
		TimePlaced:    now,
		TimeCompleted: now,
	}
	a.logger.LogInfo("paper: filled %s %f %s @ %.2f, id=%s", side, volume, assetPair, execPrice, txid)
	return txid, nil
}

func (a *Adapter) CancelOrder(_ context.Context, orderID string, sequenceToken int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkToken(sequenceToken); err != nil {
		return err
	}
	order, ok := a.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: order not found: %s", orderID)
	}
	if order.Status == "closed" {
		return fmt.Errorf("paper: cannot cancel filled order: %s", orderID)
	}
	order.Status = "canceled"
	a.orders[orderID] = order
	return nil
}

func (a *Adapter) GetOrderStatus(_ context.Context, orderID string, sequenceToken int64) (broker.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkToken(sequenceToken); err != nil {
		return broker.Order{}, err
	}
	order, ok := a.orders[orderID]
	if !ok {
		return broker.Order{}, errors.New("paper: order not found")
	}
	return order, nil
}

func (a *Adapter) GetBalance(_ context.Context, currency string, sequenceToken int64) (broker.Balance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkToken(sequenceToken); err != nil {
		return broker.Balance{}, err
	}
	bal := a.balances[strings.ToUpper(currency)]
	return broker.Balance{Currency: strings.ToUpper(currency), Available: bal, Total: bal}, nil
}

func (a *Adapter) GetHoldings(_ context.Context, sequenceToken int64) ([]broker.Holding, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkToken(sequenceToken); err != nil {
		return nil, err
	}

	var holdings []broker.Holding
	for asset, quantity := range a.balances {
		if asset == a.quoteCurrency || quantity == 0 {
			continue
		}
		symbol := asset + "/" + a.quoteCurrency
		holdings = append(holdings, broker.Holding{
			Symbol:       symbol,
			Quantity:     quantity,
			EstimatedUSD: quantity * a.prices[symbol],
		})
	}
	return holdings, nil
}

func (a *Adapter) GetTradeFees(context.Context, string) (float64, float64, error) {
	return 0, 0, nil
}

func (a *Adapter) GetLastPrice(_ context.Context, commonPair string) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	price, ok := a.prices[canonicalPair(commonPair)]
	if !ok {
		return 0, fmt.Errorf("paper: no price available for %s", commonPair)
	}
	return price, nil
}

// checkToken enforces the same strictly-increasing token rule a real
// exchange does, so sequencing bugs surface in dry runs too. Callers
// must hold a.mu.
func (a *Adapter) checkToken(sequenceToken int64) error {
	if sequenceToken <= a.lastToken {
		return fmt.Errorf("paper: invalid nonce: token %d not above %d", sequenceToken, a.lastToken)
	}
	a.lastToken = sequenceToken
	return nil
}

// canonicalPair keys the price map by "BASE/QUOTE" regardless of which
// separator the caller used.
func canonicalPair(pair string) string {
	base, quote, err := splitPair(pair)
	if err != nil {
		return strings.ToUpper(pair)
	}
	return base + "/" + quote
}

func splitPair(commonPair string) (base, quote string, err error) {
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.SplitN(commonPair, sep, 2); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
		}
	}
	return "", "", fmt.Errorf("paper: cannot split pair %q", commonPair)
}
