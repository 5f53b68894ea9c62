package trader

import (
	"fmt"
	"strings"
)

// New builds the exchange adapter for the configured venue.
func New(name, apiKey, apiSecret string, testnet bool) (Exchange, error) {
	switch strings.ToLower(name) {
	case "", "bybit":
		return NewBybitExchange(apiKey, apiSecret, testnet), nil
	case "binance":
		return NewBinanceExchange(apiKey, apiSecret, testnet), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", name)
	}
}
