package trader

import (
	"context"

	"gridbot/market"
)

// Side values, lowercase to match the grid engine's convention.
// Adapters translate to each venue's native casing at the wire.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Unified order status values across venues.
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
)

type Balance struct {
	TotalEquity   float64 `json:"total_equity"`
	WalletBalance float64 `json:"wallet_balance"`
	Available     float64 `json:"available"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
}

// Position is the venue's net position for one symbol in one-way mode.
// Size is signed: positive long, negative short.
type Position struct {
	Symbol           string  `json:"symbol"`
	Size             float64 `json:"size"`
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	UnrealizedPnl    float64 `json:"unrealized_pnl"`
	Leverage         float64 `json:"leverage"`
	LiquidationPrice float64 `json:"liquidation_price"`
}

type OpenOrder struct {
	OrderID  string  `json:"order_id"`
	ClientID string  `json:"client_id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	Qty      float64 `json:"qty"`
}

type LimitOrderRequest struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Price      float64 `json:"price"`
	Qty        float64 `json:"qty"`
	PostOnly   bool    `json:"post_only"`
	ReduceOnly bool    `json:"reduce_only"`
	ClientID   string  `json:"client_id"`
}

type LimitOrderResult struct {
	OrderID  string `json:"order_id"`
	ClientID string `json:"client_id"`
	Status   string `json:"status"`
}

// OrderStatus is the settled view of one order, used to turn vanished
// open orders into fills or cancellations.
type OrderStatus struct {
	OrderID     string  `json:"order_id"`
	Status      string  `json:"status"`
	AvgPrice    float64 `json:"avg_price"`
	ExecutedQty float64 `json:"executed_qty"`
	Fee         float64 `json:"fee"`
}

// Instrument carries the precision constraints orders must respect.
type Instrument struct {
	Symbol   string  `json:"symbol"`
	QtyStep  float64 `json:"qty_step"`
	TickSize float64 `json:"tick_size"`
	MinQty   float64 `json:"min_qty"`
}

// Exchange is the venue surface the control loop runs against.
// Implementations must be safe for concurrent use; the bot calls them
// from its worker pool.
type Exchange interface {
	Name() string

	GetBalance(ctx context.Context) (*Balance, error)
	GetTicker(ctx context.Context, symbol string) (*market.Ticker, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error)
	GetInstrument(ctx context.Context, symbol string) (*Instrument, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceLimitOrder(ctx context.Context, req *LimitOrderRequest) (*LimitOrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error)

	FormatQuantity(symbol string, qty float64) string
	FormatPrice(symbol string, price float64) string
}
