// File: pkg/broker/kraken/kclient.go
package kraken

import (
	"Blackice/utilities"
	"context"
	"errors"
	"fmt"
	"golang.org/x/time/rate"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

type PairDetail struct {
	PairDecimals int
	LotDecimals  int
	OrderMin     string
}

// Client is the low-level Kraken REST client for one set of credentials.
// Private calls are signed with a caller-supplied sequence token rather
// than an internal counter, so the token's durability is owned by the
// caller and survives restarts.
type Client struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	HTTPClient *http.Client
	limiter    *rate.Limiter
	logger     *utilities.Logger

	dataMu             sync.RWMutex
	assetInfoMap       map[string]AssetInfo
	pairInfoMap        map[string]AssetPairInfo
	pairDetailsCache   map[string]PairDetail
	commonToKrakenPair map[string]string
	krakenToCommonPair map[string]string
}

func NewClient(cfg *utilities.AccountConfig, httpClient *http.Client, logger *utilities.Logger) *Client {
	if cfg == nil {
		panic("Kraken Client requires non-nil AccountConfig")
	}
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
		logger.LogWarn("Kraken.NewClient: Logger fallback used.")
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutSec) * time.Second,
		}
	}

	return &Client{
		BaseURL:            cfg.BaseURL,
		APIKey:             cfg.APIKey,
		APISecret:          cfg.APISecret,
		HTTPClient:         httpClient,
		limiter:            rate.NewLimiter(cfg.RateLimitPerSec, cfg.RateBurst),
		logger:             logger,
		assetInfoMap:       make(map[string]AssetInfo),
		pairInfoMap:        make(map[string]AssetPairInfo),
		pairDetailsCache:   make(map[string]PairDetail),
		commonToKrakenPair: make(map[string]string),
		krakenToCommonPair: make(map[string]string),
	}
}

func (c *Client) GetKrakenPairName(ctx context.Context, commonPair string) (string, error) {
	c.dataMu.RLock()
	krakenPair, ok := c.commonToKrakenPair[commonPair]
	c.dataMu.RUnlock()
	if ok {
		return krakenPair, nil
	}

	if err := c.RefreshAssetInfo(ctx); err != nil {
		return "", err
	}

	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	krakenPair, ok = c.commonToKrakenPair[commonPair]
	if !ok {
		return "", fmt.Errorf("pair %s not found after refresh", commonPair)
	}
	return krakenPair, nil
}

func (c *Client) GetCommonAssetName(ctx context.Context, krakenAssetName string) (string, error) {
	c.dataMu.RLock()
	assetInfo, ok := c.assetInfoMap[krakenAssetName]
	c.dataMu.RUnlock()

	if !ok || assetInfo.Altname == "" {
		if err := c.RefreshAssets(ctx); err != nil {
			return "", fmt.Errorf("failed to refresh assets while getting common name for %s: %w", krakenAssetName, err)
		}
		c.dataMu.RLock()
		assetInfo, ok = c.assetInfoMap[krakenAssetName]
		c.dataMu.RUnlock()
		if !ok || assetInfo.Altname == "" {
			return "", fmt.Errorf("common asset name for Kraken asset %s not found after refresh", krakenAssetName)
		}
	}
	if assetInfo.Altname == "XBT" {
		return "BTC", nil
	}
	return assetInfo.Altname, nil
}

func (c *Client) GetPairDetail(ctx context.Context, krakenPair string) (PairDetail, error) {
	c.dataMu.RLock()
	detail, ok := c.pairDetailsCache[krakenPair]
	c.dataMu.RUnlock()
	if ok {
		return detail, nil
	}

	if err := c.RefreshAssetInfo(ctx); err != nil {
		return PairDetail{}, err
	}

	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	detail, ok = c.pairDetailsCache[krakenPair]
	if !ok {
		return PairDetail{}, fmt.Errorf("pair detail %s not found after refresh", krakenPair)
	}
	return detail, nil
}

func (c *Client) GetPairInfo(ctx context.Context, krakenPair string) (AssetPairInfo, error) {
	c.dataMu.RLock()
	info, ok := c.pairInfoMap[krakenPair]
	c.dataMu.RUnlock()
	if ok {
		return info, nil
	}
	if err := c.RefreshAssetInfo(ctx); err != nil {
		return AssetPairInfo{}, err
	}
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	info, ok = c.pairInfoMap[krakenPair]
	if !ok {
		return AssetPairInfo{}, fmt.Errorf("pair info %s not found after refresh", krakenPair)
	}
	return info, nil
}

func (c *Client) AddOrderAPI(ctx context.Context, params url.Values, sequenceToken int64) (string, error) {
	var resp struct {
		Error  []string `json:"error"`
		Result struct {
			Txid []string `json:"txid"`
		} `json:"result"`
	}
	if err := c.callPrivate(ctx, "/0/private/AddOrder", params, sequenceToken, &resp); err != nil {
		return "", err
	}
	if len(resp.Error) > 0 {
		return "", errors.New(strings.Join(resp.Error, ", "))
	}
	if len(resp.Result.Txid) == 0 {
		return "", errors.New("Kraken AddOrder returned no transaction ID")
	}
	return resp.Result.Txid[0], nil
}

func (c *Client) CancelOrderAPI(ctx context.Context, orderID string, sequenceToken int64) error {
	params := url.Values{"txid": {orderID}}
	var resp struct {
		Error []string `json:"error"`
	}
	if err := c.callPrivate(ctx, "/0/private/CancelOrder", params, sequenceToken, &resp); err != nil {
		return err
	}
	if len(resp.Error) > 0 {
		return errors.New(strings.Join(resp.Error, ", "))
	}
	return nil
}

func (c *Client) QueryOrdersAPI(ctx context.Context, txids string, sequenceToken int64) (map[string]OrderInfo, error) {
	params := url.Values{"txid": {txids}, "trades": {"true"}}
	var resp struct {
		Error  []string             `json:"error"`
		Result map[string]OrderInfo `json:"result"`
	}
	if err := c.callPrivate(ctx, "/0/private/QueryOrders", params, sequenceToken, &resp); err != nil {
		return nil, err
	}
	if len(resp.Error) > 0 {
		return nil, errors.New(strings.Join(resp.Error, ", "))
	}
	return resp.Result, nil
}

func (c *Client) GetBalancesAPI(ctx context.Context, sequenceToken int64) (map[string]string, error) {
	var resp struct {
		Error  []string          `json:"error"`
		Result map[string]string `json:"result"`
	}
	if err := c.callPrivate(ctx, "/0/private/Balance", nil, sequenceToken, &resp); err != nil {
		return nil, err
	}
	if len(resp.Error) > 0 {
		return nil, errors.New(strings.Join(resp.Error, ", "))
	}
	return resp.Result, nil
}

func (c *Client) GetTickerAPI(ctx context.Context, krakenPairName string) (TickerInfo, error) {
	var resp struct {
		Error  []string              `json:"error"`
		Result map[string]TickerInfo `json:"result"`
	}
	params := url.Values{"pair": {krakenPairName}}
	if err := c.callPublic(ctx, "/0/public/Ticker", params, &resp); err != nil {
		return TickerInfo{}, err
	}
	if len(resp.Error) > 0 {
		return TickerInfo{}, errors.New(strings.Join(resp.Error, ", "))
	}
	ticker, ok := resp.Result[krakenPairName]
	if !ok {
		// Kraken sometimes keys the result by the pair's primary name
		// even when queried by altname; take whatever single entry came
		// back.
		for _, t := range resp.Result {
			return t, nil
		}
		return TickerInfo{}, errors.New("Kraken GetTicker pair not found")
	}
	return ticker, nil
}

func (c *Client) GetSystemTimeAPI(ctx context.Context) error {
	var resp struct {
		Error  []string `json:"error"`
		Result struct {
			Unixtime int64 `json:"unixtime"`
		} `json:"result"`
	}
	if err := c.callPublic(ctx, "/0/public/Time", nil, &resp); err != nil {
		return err
	}
	if len(resp.Error) > 0 {
		return errors.New(strings.Join(resp.Error, ", "))
	}
	return nil
}

// callPrivate signs and submits one authenticated request. The sequence
// token doubles as the Kraken nonce, which is why it must strictly
// increase across restarts.
func (c *Client) callPrivate(ctx context.Context, apiPath string, data url.Values, sequenceToken int64, target interface{}) error {
	if c.APIKey == "" || c.APISecret == "" {
		return errors.New("kraken: API key or secret not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	tokenStr := strconv.FormatInt(sequenceToken, 10)
	if data == nil {
		data = url.Values{}
	}
	data.Set("nonce", tokenStr)

	authHeaders, err := utilities.GenerateKrakenAuthHeaders(c.APIKey, c.APISecret, apiPath, tokenStr, data)
	if err != nil {
		return fmt.Errorf("kraken: generate auth headers for %s: %w", apiPath, err)
	}

	fullURL := c.BaseURL + apiPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("kraken: create private request for %s: %w", apiPath, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "BlackiceBot/1.0")
	for key, val := range authHeaders {
		req.Header.Set(key, val)
	}
	c.logger.LogDebug("Kraken callPrivate: URL=%s, Token=%s", fullURL, tokenStr)

	// Private calls are never retried here: the engine owns retries and
	// must issue a fresh token for every resubmission.
	return utilities.DoJSONRequest(c.HTTPClient, req, 0, 0, target)
}

func (c *Client) callPublic(ctx context.Context, path string, params url.Values, target interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	endpoint := c.BaseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	c.logger.LogDebug("Kraken callPublic: URL=%s", endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("kraken: create public request for %s: %w", endpoint, err)
	}
	req.Header.Set("User-Agent", "BlackiceBot/1.0")

	return utilities.DoJSONRequest(c.HTTPClient, req, 2, 2*time.Second, target)
}

// RefreshAssetInfo refreshes assets then pairs, in that order; the pair
// translation maps are built from the asset altnames.
func (c *Client) RefreshAssetInfo(ctx context.Context) error {
	if err := c.RefreshAssets(ctx); err != nil {
		return err
	}
	return c.RefreshAssetPairs(ctx)
}

func (c *Client) RefreshAssets(ctx context.Context) error {
	c.logger.LogInfo("Kraken Client: Refreshing assets info...")
	var resp struct {
		Error  []string             `json:"error"`
		Result map[string]AssetInfo `json:"result"`
	}
	err := c.callPublic(ctx, "/0/public/Assets", nil, &resp)
	if err != nil {
		return fmt.Errorf("kraken: RefreshAssets API call failed: %w", err)
	}
	if len(resp.Error) > 0 {
		return fmt.Errorf("kraken: Assets API error: %s", strings.Join(resp.Error, ", "))
	}

	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	c.assetInfoMap = resp.Result
	c.logger.LogInfo("Kraken Client: Refreshed %d assets.", len(c.assetInfoMap))
	return nil
}

func (c *Client) RefreshAssetPairs(ctx context.Context) error {
	c.logger.LogInfo("Kraken Client: Refreshing asset pairs info...")
	var resp struct {
		Error  []string                 `json:"error"`
		Result map[string]AssetPairInfo `json:"result"`
	}
	err := c.callPublic(ctx, "/0/public/AssetPairs", nil, &resp)
	if err != nil {
		return fmt.Errorf("kraken: RefreshAssetPairs API call failed: %w", err)
	}
	if len(resp.Error) > 0 {
		return fmt.Errorf("kraken: AssetPairs API error: %s", strings.Join(resp.Error, ", "))
	}

	c.dataMu.Lock()
	defer c.dataMu.Unlock()

	if len(c.assetInfoMap) == 0 {
		return errors.New("kraken: asset map not initialized, RefreshAssets must run first")
	}

	c.pairInfoMap = resp.Result
	c.pairDetailsCache = make(map[string]PairDetail)
	c.commonToKrakenPair = make(map[string]string)
	c.krakenToCommonPair = make(map[string]string)

	for krakenPairName, pairInfo := range resp.Result {
		c.pairDetailsCache[krakenPairName] = PairDetail{
			PairDecimals: pairInfo.PairDecimals,
			LotDecimals:  pairInfo.LotDecimals,
			OrderMin:     pairInfo.OrderMin,
		}

		baseAssetInfo, baseOk := c.assetInfoMap[pairInfo.Base]
		quoteAssetInfo, quoteOk := c.assetInfoMap[pairInfo.Quote]
		if !baseOk || !quoteOk {
			continue
		}

		commonBase := baseAssetInfo.Altname
		commonQuote := quoteAssetInfo.Altname
		if commonBase == "" || commonQuote == "" {
			continue
		}

		commonPairKey := fmt.Sprintf("%s/%s", commonBase, commonQuote)
		c.commonToKrakenPair[commonPairKey] = krakenPairName
		c.krakenToCommonPair[krakenPairName] = commonPairKey

		if commonBase == "XBT" {
			btcPairKey := fmt.Sprintf("BTC/%s", commonQuote)
			c.commonToKrakenPair[btcPairKey] = krakenPairName
			c.krakenToCommonPair[krakenPairName] = btcPairKey
		}
	}

	c.logger.LogInfo("Kraken Client: Refreshed %d asset pairs. Mapped %d human-readable pairs.", len(c.pairInfoMap), len(c.commonToKrakenPair))
	return nil
}
