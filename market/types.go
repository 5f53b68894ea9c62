package market

import "time"

// Kline is one OHLCV candle. Turnover is the quote-currency volume.
type Kline struct {
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Turnover  float64 `json:"turnover"`
	Confirmed bool    `json:"confirmed"`
}

type Ticker struct {
	Symbol         string    `json:"symbol"`
	LastPrice      float64   `json:"last_price"`
	Bid            float64   `json:"bid"`
	Ask            float64   `json:"ask"`
	Volume24h      float64   `json:"volume_24h"`
	PriceChange24h float64   `json:"price_change_24h"`
	UpdatedAt      time.Time `json:"updated_at"`
}
