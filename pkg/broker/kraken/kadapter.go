// File: pkg/broker/kraken/kadapter.go
package kraken

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"Blackice/pkg/broker"
	"Blackice/utilities"
)

// Adapter implements broker.Broker over the Kraken REST API for one
// exchange-account pair.
type Adapter struct {
	client *Client
	logger *utilities.Logger
	cfg    *utilities.AccountConfig
}

func NewAdapter(cfg *utilities.AccountConfig, httpClient *http.Client, logger *utilities.Logger) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.New("kraken adapter: AccountConfig cannot be nil")
	}
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
		logger.LogWarn("Kraken.Adapter: Logger fallback used for adapter.")
	}

	logger.LogInfo("Initializing Kraken Adapter for scope %s...", cfg.Scope)
	return &Adapter{
		client: NewClient(cfg, httpClient, logger),
		logger: logger,
		cfg:    cfg,
	}, nil
}

// RefreshAssetInfo primes the client's asset and pair translation maps.
// Called once at startup and safe to call again on demand.
func (a *Adapter) RefreshAssetInfo(ctx context.Context) error {
	return a.client.RefreshAssetInfo(ctx)
}

func (a *Adapter) Exchange() string { return "kraken" }

func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.GetSystemTimeAPI(ctx)
}

func (a *Adapter) PlaceOrder(ctx context.Context, assetPair, side, orderType string, volume, price float64, sequenceToken int64, clientOrderID string) (string, error) {
	krakenPair, err := a.client.GetKrakenPairName(ctx, assetPair)
	if err != nil {
		return "", err
	}
	pairDetail, err := a.client.GetPairDetail(ctx, krakenPair)
	if err != nil {
		return "", err
	}

	params := url.Values{
		"pair":      {krakenPair},
		"type":      {strings.ToLower(side)},
		"ordertype": {strings.ToLower(orderType)},
		"volume":    {strconv.FormatFloat(volume, 'f', pairDetail.LotDecimals, 64)},
	}
	if strings.Contains(orderType, "limit") {
		params.Set("price", strconv.FormatFloat(price, 'f', pairDetail.PairDecimals, 64))
	}
	if clientOrderID != "" {
		params.Set("cl_ord_id", clientOrderID)
	}

	return a.client.AddOrderAPI(ctx, params, sequenceToken)
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string, sequenceToken int64) error {
	if orderID == "" {
		return errors.New("CancelOrder: orderID cannot be empty")
	}
	return a.client.CancelOrderAPI(ctx, orderID, sequenceToken)
}

func (a *Adapter) GetOrderStatus(ctx context.Context, orderID string, sequenceToken int64) (broker.Order, error) {
	if orderID == "" {
		return broker.Order{}, errors.New("GetOrderStatus: orderID empty")
	}

	ordersInfo, err := a.client.QueryOrdersAPI(ctx, orderID, sequenceToken)
	if err != nil {
		return broker.Order{}, err
	}
	order, ok := ordersInfo[orderID]
	if !ok {
		return broker.Order{}, errors.New("GetOrderStatus: order not found")
	}

	price, _ := strconv.ParseFloat(order.Price, 64)
	volume, _ := strconv.ParseFloat(order.Volume, 64)
	executedVol, _ := strconv.ParseFloat(order.VolExec, 64)
	fee, _ := strconv.ParseFloat(order.Fee, 64)

	avgFill := 0.0
	if executedVol > 0 {
		if cost, err := strconv.ParseFloat(order.Cost, 64); err == nil && cost > 0 {
			avgFill = cost / executedVol
		}
	}

	return broker.Order{
		ID:            orderID,
		Pair:          order.Descr.Pair,
		Side:          order.Descr.Type,
		Type:          order.Descr.OrderType,
		Status:        order.Status,
		Price:         price,
		Volume:        volume,
		FilledVolume:  executedVol,
		AvgFillPrice:  avgFill,
		Fee:           fee,
		TimePlaced:    time.Unix(int64(order.Opentm), 0),
		TimeCompleted: time.Unix(int64(order.Closetm), 0),
	}, nil
}

func (a *Adapter) GetBalance(ctx context.Context, currency string, sequenceToken int64) (broker.Balance, error) {
	balances, err := a.client.GetBalancesAPI(ctx, sequenceToken)
	if err != nil {
		return broker.Balance{}, err
	}

	// Kraken keys balances by its internal asset names (ZUSD, XXBT).
	upper := strings.ToUpper(currency)
	for key, balanceStr := range balances {
		commonName, nameErr := a.client.GetCommonAssetName(ctx, trimStakingSuffix(key))
		if nameErr != nil {
			continue
		}
		if !strings.EqualFold(commonName, upper) {
			continue
		}
		bal, parseErr := strconv.ParseFloat(balanceStr, 64)
		if parseErr != nil {
			return broker.Balance{}, parseErr
		}
		return broker.Balance{Currency: upper, Total: bal, Available: bal}, nil
	}
	return broker.Balance{Currency: upper}, nil
}

// GetHoldings walks every non-zero asset balance, translates Kraken's
// internal asset names to common pair form, and values each holding in
// the account's quote currency at the current bid. Assets with no
// direct quote pair are valued through the XBT pivot.
func (a *Adapter) GetHoldings(ctx context.Context, sequenceToken int64) ([]broker.Holding, error) {
	balances, err := a.client.GetBalancesAPI(ctx, sequenceToken)
	if err != nil {
		return nil, fmt.Errorf("GetHoldings: failed to get balances: %w", err)
	}

	quote := strings.ToUpper(a.cfg.QuoteCurrency)
	pivotBid, pivotErr := a.bidPrice(ctx, "XBT/"+quote)

	var holdings []broker.Holding
	for originalKey, balanceStr := range balances {
		balance, err := strconv.ParseFloat(balanceStr, 64)
		if err != nil || balance == 0 {
			continue
		}

		commonName, err := a.client.GetCommonAssetName(ctx, trimStakingSuffix(originalKey))
		if err != nil {
			a.logger.LogWarn("GetHoldings: could not get common name for %s: %v. Skipping.", originalKey, err)
			continue
		}
		// The quote currency itself is cash, not a position.
		if strings.EqualFold(commonName, quote) {
			continue
		}

		symbol := commonName + "/" + quote
		value := 0.0
		if bid, err := a.bidPrice(ctx, symbol); err == nil && bid > 0 {
			value = balance * bid
		} else if pivotErr == nil && pivotBid > 0 {
			// Triangulate via XBT when no direct quote pair trades.
			if triangBid, tErr := a.bidPrice(ctx, commonName+"/XBT"); tErr == nil && triangBid > 0 {
				value = balance * triangBid * pivotBid
			} else {
				a.logger.LogWarn("GetHoldings: no direct or pivot valuation for %s, reporting zero value.", symbol)
			}
		}

		holdings = append(holdings, broker.Holding{
			Symbol:       symbol,
			Quantity:     balance,
			EstimatedUSD: value,
		})
	}
	return holdings, nil
}

func (a *Adapter) GetLastPrice(ctx context.Context, commonPair string) (float64, error) {
	krakenPair, err := a.client.GetKrakenPairName(ctx, commonPair)
	if err != nil {
		return 0, err
	}
	ticker, err := a.client.GetTickerAPI(ctx, krakenPair)
	if err != nil {
		return 0, err
	}
	if len(ticker.LastTradeClosed) == 0 || ticker.LastTradeClosed[0] == "" {
		return 0, fmt.Errorf("GetLastPrice: ticker for %s returned no last trade", commonPair)
	}
	price, err := strconv.ParseFloat(ticker.LastTradeClosed[0], 64)
	if err != nil {
		return 0, err
	}
	return price, nil
}

// GetTradeFees reads the first tier of the pair's published fee
// schedules. Volume-discounted tiers are ignored; the first tier is the
// conservative bound.
func (a *Adapter) GetTradeFees(ctx context.Context, commonPair string) (float64, float64, error) {
	krakenPair, err := a.client.GetKrakenPairName(ctx, commonPair)
	if err != nil {
		return 0, 0, err
	}
	info, err := a.client.GetPairInfo(ctx, krakenPair)
	if err != nil {
		return 0, 0, err
	}

	taker := 0.0
	if len(info.Fees) > 0 && len(info.Fees[0]) > 1 {
		taker, _ = info.Fees[0][1].Float64()
	}
	maker := taker
	if len(info.FeesMaker) > 0 && len(info.FeesMaker[0]) > 1 {
		maker, _ = info.FeesMaker[0][1].Float64()
	}
	return maker, taker, nil
}

func (a *Adapter) bidPrice(ctx context.Context, commonPair string) (float64, error) {
	krakenPair, err := a.client.GetKrakenPairName(ctx, commonPair)
	if err != nil {
		return 0, err
	}
	ticker, err := a.client.GetTickerAPI(ctx, krakenPair)
	if err != nil {
		return 0, err
	}
	if len(ticker.Bid) == 0 || ticker.Bid[0] == "" {
		return 0, fmt.Errorf("ticker for %s returned no bid", commonPair)
	}
	return strconv.ParseFloat(ticker.Bid[0], 64)
}

// trimStakingSuffix maps staked/earn balance keys (ETH.F, DOT.S) back to
// their base asset for name translation.
func trimStakingSuffix(assetKey string) string {
	if idx := strings.IndexByte(assetKey, '.'); idx > 0 {
		return assetKey[:idx]
	}
	return assetKey
}
