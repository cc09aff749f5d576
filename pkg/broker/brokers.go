// File: pkg/broker/brokers.go
package broker

import (
	"context"
	"time"
)

// Broker defines the interface for interacting with a cryptocurrency exchange
// on behalf of a single exchange-account pair. One Broker instance holds the
// credentials for exactly one account; accounts never share instances.
type Broker interface {
	// PlaceOrder submits a new order to the exchange and returns the
	// exchange-issued transaction ID. The sequence token is the durable
	// request-ordering value the exchange requires to strictly increase.
	PlaceOrder(ctx context.Context, assetPair, side, orderType string, volume, price float64, sequenceToken int64, clientOrderID string) (string, error)

	// CancelOrder cancels an existing order by its ID.
	CancelOrder(ctx context.Context, orderID string, sequenceToken int64) error

	// GetOrderStatus retrieves the status of a specific order.
	GetOrderStatus(ctx context.Context, orderID string, sequenceToken int64) (Order, error)

	// GetBalance retrieves the account balance for a specific currency.
	GetBalance(ctx context.Context, currency string, sequenceToken int64) (Balance, error)

	// GetHoldings retrieves every non-zero asset holding on the account,
	// valued in the account's quote currency. This is the authoritative
	// view the reconciler trusts over the internal ledger.
	GetHoldings(ctx context.Context, sequenceToken int64) ([]Holding, error)

	// GetTradeFees returns the current maker and taker fee rates for a pair.
	GetTradeFees(ctx context.Context, commonPair string) (makerFee float64, takerFee float64, err error)

	// GetLastPrice returns the most recent trade price for a pair in the
	// quote currency. Public endpoint; no sequence token required.
	GetLastPrice(ctx context.Context, commonPair string) (float64, error)

	// Ping performs a cheap unauthenticated connectivity check.
	Ping(ctx context.Context) error

	// Exchange returns the exchange identifier this broker talks to.
	Exchange() string
}

// Order represents a trade order's state and details.
type Order struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Pair          string    `json:"pair"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	Price         float64   `json:"price,omitempty"`
	Volume        float64   `json:"volume"`
	FilledVolume  float64   `json:"filled_volume"`
	AvgFillPrice  float64   `json:"avg_fill_price,omitempty"`
	Fee           float64   `json:"fee,omitempty"`
	TimePlaced    time.Time `json:"time_placed"`
	TimeCompleted time.Time `json:"time_completed,omitempty"`
}

// Balance represents the balance of a single currency.
type Balance struct {
	Currency  string  `json:"currency"`  // e.g., "BTC", "USD"
	Available float64 `json:"available"` // Amount available for trading
	Total     float64 `json:"total"`     // Total amount (available + on hold)
}

// Holding is one exchange-reported asset position, valued in quote currency.
type Holding struct {
	Symbol       string  `json:"symbol"` // common pair form, e.g. "BTC/USD"
	Quantity     float64 `json:"quantity"`
	EstimatedUSD float64 `json:"estimated_usd"`
}
