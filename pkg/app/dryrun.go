// File: pkg/app/dryrun.go
package app

import (
	"context"

	"Blackice/pkg/broker"
	paperBroker "Blackice/pkg/broker/paper"
	"Blackice/pkg/safety"
)

// dryRunSwitch fronts a live exchange adapter with a paper double. Every
// private call lands on the live adapter only while the safety machine
// reads LIVE_ACTIVE; in every other state the paper double takes it, so a
// dry-run order can never reach the real exchange. Public reads (prices,
// connectivity) always go live so dry-run fills track real market data.
type dryRunSwitch struct {
	machine *safety.Machine
	live    broker.Broker
	paper   *paperBroker.Adapter
}

func newDryRunSwitch(machine *safety.Machine, live broker.Broker, paper *paperBroker.Adapter) *dryRunSwitch {
	return &dryRunSwitch{machine: machine, live: live, paper: paper}
}

// target picks the broker for a private call. The per-attempt trading
// gate runs before any order is sent, so a state flip between DRY_RUN
// and LIVE_ACTIVE cannot smuggle a dry-run order to the live exchange:
// every path between the two passes through LIVE_PENDING, where the
// gate refuses to trade at all.
func (s *dryRunSwitch) target() broker.Broker {
	if s.machine.Current() == safety.StateLiveActive {
		return s.live
	}
	return s.paper
}

func (s *dryRunSwitch) Exchange() string { return s.live.Exchange() }

func (s *dryRunSwitch) Ping(ctx context.Context) error { return s.live.Ping(ctx) }

func (s *dryRunSwitch) PlaceOrder(ctx context.Context, assetPair, side, orderType string, volume, price float64, sequenceToken int64, clientOrderID string) (string, error) {
	return s.target().PlaceOrder(ctx, assetPair, side, orderType, volume, price, sequenceToken, clientOrderID)
}

func (s *dryRunSwitch) CancelOrder(ctx context.Context, orderID string, sequenceToken int64) error {
	return s.target().CancelOrder(ctx, orderID, sequenceToken)
}

func (s *dryRunSwitch) GetOrderStatus(ctx context.Context, orderID string, sequenceToken int64) (broker.Order, error) {
	return s.target().GetOrderStatus(ctx, orderID, sequenceToken)
}

func (s *dryRunSwitch) GetBalance(ctx context.Context, currency string, sequenceToken int64) (broker.Balance, error) {
	return s.target().GetBalance(ctx, currency, sequenceToken)
}

func (s *dryRunSwitch) GetHoldings(ctx context.Context, sequenceToken int64) ([]broker.Holding, error) {
	return s.target().GetHoldings(ctx, sequenceToken)
}

func (s *dryRunSwitch) GetTradeFees(ctx context.Context, commonPair string) (float64, float64, error) {
	return s.target().GetTradeFees(ctx, commonPair)
}

// GetLastPrice prefers the live feed and seeds the paper double with it,
// so paper fills happen at real prices. When the feed is down the paper
// double's last known price answers instead.
func (s *dryRunSwitch) GetLastPrice(ctx context.Context, commonPair string) (float64, error) {
	price, err := s.live.GetLastPrice(ctx, commonPair)
	if err == nil && price > 0 {
		s.paper.SetPrice(commonPair, price)
		return price, nil
	}
	return s.paper.GetLastPrice(ctx, commonPair)
}
