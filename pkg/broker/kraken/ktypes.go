package kraken

import "encoding/json"

type AssetInfo struct {
	Altname string `json:"altname"`
	// Other fields pruned
}

type AssetPairInfo struct {
	Altname      string          `json:"altname"`
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	PairDecimals int             `json:"pair_decimals"`
	LotDecimals  int             `json:"lot_decimals"`
	OrderMin     string          `json:"ordermin"`
	WSName       string          `json:"wsname"`
	Fees         [][]json.Number `json:"fees"`       // Taker fees schedule
	FeesMaker    [][]json.Number `json:"fees_maker"` // Maker fees schedule
}

type TickerInfo struct {
	Ask             []string `json:"a"` // [price, wholeLotVolume, lotVolume]
	Bid             []string `json:"b"` // [price, wholeLotVolume, lotVolume]
	LastTradeClosed []string `json:"c"` // [price, lotVolume]
	Volume          []string `json:"v"` // [today, last24Hours]
	Low             []string `json:"l"` // [today, last24Hours]
	High            []string `json:"h"` // [today, last24Hours]
	OpenPrice       string   `json:"o"`
}

// OrderDescription is part of Kraken's order info response.
type OrderDescription struct {
	Pair      string `json:"pair"`
	Type      string `json:"type"`      // "buy" or "sell"
	OrderType string `json:"ordertype"` // "limit", "market"
	Price     string `json:"price"`
	Order     string `json:"order"`
}

// OrderInfo represents Kraken's structure for an order, open or closed.
type OrderInfo struct {
	Userref interface{}      `json:"userref"`
	Status  string           `json:"status"`
	Reason  string           `json:"reason,omitempty"`
	Opentm  float64          `json:"opentm"`
	Closetm float64          `json:"closetm,omitempty"`
	Descr   OrderDescription `json:"descr"`
	Volume  string           `json:"vol"`
	VolExec string           `json:"vol_exec"`
	Cost    string           `json:"cost"`
	Fee     string           `json:"fee"`
	Price   string           `json:"price"`
}
