package trader

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"gridbot/logger"
	"gridbot/market"
)

// BinanceExchange trades USDT-margined futures. Post-only orders use GTX,
// which the venue expires instead of letting them cross the book.
type BinanceExchange struct {
	client *futures.Client

	instMu      sync.RWMutex
	instruments map[string]*Instrument

	positionModeOnce sync.Once
}

func NewBinanceExchange(apiKey, apiSecret string, testnet bool) *BinanceExchange {
	futures.UseTestnet = testnet
	client := futures.NewClient(apiKey, apiSecret)

	logger.Infof("[Binance] Exchange client initialized (testnet=%v)", testnet)

	return &BinanceExchange{
		client:      client,
		instruments: make(map[string]*Instrument),
	}
}

func (t *BinanceExchange) Name() string { return "binance" }

// ============================================================================
// Account
// ============================================================================

func (t *BinanceExchange) GetBalance(ctx context.Context) (*Balance, error) {
	account, err := t.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance account: %w", err)
	}

	return &Balance{
		TotalEquity:   parseFloat(account.TotalMarginBalance),
		WalletBalance: parseFloat(account.TotalWalletBalance),
		Available:     parseFloat(account.AvailableBalance),
		UnrealizedPnl: parseFloat(account.TotalUnrealizedProfit),
	}, nil
}

func (t *BinanceExchange) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	risks, err := t.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance position: %w", err)
	}

	position := &Position{Symbol: symbol}
	for _, p := range risks {
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		position.Size = amt
		position.EntryPrice = parseFloat(p.EntryPrice)
		position.MarkPrice = parseFloat(p.MarkPrice)
		position.UnrealizedPnl = parseFloat(p.UnRealizedProfit)
		position.Leverage = parseFloat(p.Leverage)
		position.LiquidationPrice = parseFloat(p.LiquidationPrice)
		break
	}
	return position, nil
}

// ============================================================================
// Market data
// ============================================================================

func (t *BinanceExchange) GetTicker(ctx context.Context, symbol string) (*market.Ticker, error) {
	prices, err := t.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance ticker: %w", err)
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("binance ticker: no data for %s", symbol)
	}

	ticker := &market.Ticker{
		Symbol:    symbol,
		LastPrice: parseFloat(prices[0].Price),
		UpdatedAt: time.Now(),
	}
	if ticker.LastPrice <= 0 {
		return nil, fmt.Errorf("binance ticker: invalid last price for %s", symbol)
	}

	if books, err := t.client.NewListBookTickersService().Symbol(symbol).Do(ctx); err == nil && len(books) > 0 {
		ticker.Bid = parseFloat(books[0].BidPrice)
		ticker.Ask = parseFloat(books[0].AskPrice)
	}
	return ticker, nil
}

func (t *BinanceExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	rows, err := t.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines: %w", err)
	}

	klines := make([]market.Kline, 0, len(rows))
	for _, row := range rows {
		klines = append(klines, market.Kline{
			OpenTime:  row.OpenTime,
			Open:      parseFloat(row.Open),
			High:      parseFloat(row.High),
			Low:       parseFloat(row.Low),
			Close:     parseFloat(row.Close),
			Volume:    parseFloat(row.Volume),
			Turnover:  parseFloat(row.QuoteAssetVolume),
			Confirmed: true,
		})
	}
	return klines, nil
}

func (t *BinanceExchange) GetInstrument(ctx context.Context, symbol string) (*Instrument, error) {
	t.instMu.RLock()
	if inst, ok := t.instruments[symbol]; ok {
		out := *inst
		t.instMu.RUnlock()
		return &out, nil
	}
	t.instMu.RUnlock()

	info, err := t.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance exchange info: %w", err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}

		inst := &Instrument{Symbol: symbol, QtyStep: 0.001, TickSize: 0.01}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				if v, ok := f["tickSize"].(string); ok {
					inst.TickSize = parseFloat(v)
				}
			case "LOT_SIZE":
				if v, ok := f["stepSize"].(string); ok {
					inst.QtyStep = parseFloat(v)
				}
				if v, ok := f["minQty"].(string); ok {
					inst.MinQty = parseFloat(v)
				}
			}
		}

		t.instMu.Lock()
		t.instruments[symbol] = inst
		t.instMu.Unlock()

		logger.Infof("[Binance] %s qtyStep=%v tickSize=%v minQty=%v",
			symbol, inst.QtyStep, inst.TickSize, inst.MinQty)

		out := *inst
		return &out, nil
	}
	return nil, fmt.Errorf("binance exchange info: %s not found", symbol)
}

// ============================================================================
// Orders
// ============================================================================

func (t *BinanceExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	// The grid runs in one-way mode; flipping an already-correct mode
	// returns -4059 which is safe to ignore.
	t.positionModeOnce.Do(func() {
		if err := t.client.NewChangePositionModeService().DualSide(false).Do(ctx); err != nil {
			if !strings.Contains(err.Error(), "-4059") {
				logger.Warnf("[Binance] Position mode change failed: %v", err)
			}
		}
	})

	if _, err := t.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return fmt.Errorf("binance set leverage: %w", err)
	}
	return nil
}

func (t *BinanceExchange) PlaceLimitOrder(ctx context.Context, req *LimitOrderRequest) (*LimitOrderResult, error) {
	side := futures.SideTypeBuy
	if req.Side == SideSell {
		side = futures.SideTypeSell
	}
	tif := futures.TimeInForceTypeGTC
	if req.PostOnly {
		tif = futures.TimeInForceTypeGTX
	}

	svc := t.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(futures.OrderTypeLimit).
		TimeInForce(tif).
		Price(t.FormatPrice(req.Symbol, req.Price)).
		Quantity(t.FormatQuantity(req.Symbol, req.Qty))
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance place order: %w", err)
	}

	return &LimitOrderResult{
		OrderID:  strconv.FormatInt(res.OrderID, 10),
		ClientID: req.ClientID,
		Status:   StatusNew,
	}, nil
}

func (t *BinanceExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance cancel order: bad order id %q: %w", orderID, err)
	}
	if _, err := t.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return fmt.Errorf("binance cancel order: %w", err)
	}
	return nil
}

func (t *BinanceExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := t.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return fmt.Errorf("binance cancel all: %w", err)
	}
	return nil
}

func (t *BinanceExchange) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	rows, err := t.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance open orders: %w", err)
	}

	orders := make([]OpenOrder, 0, len(rows))
	for _, o := range rows {
		side := SideBuy
		if o.Side == futures.SideTypeSell {
			side = SideSell
		}
		orders = append(orders, OpenOrder{
			OrderID:  strconv.FormatInt(o.OrderID, 10),
			ClientID: o.ClientOrderID,
			Symbol:   symbol,
			Side:     side,
			Price:    parseFloat(o.Price),
			Qty:      parseFloat(o.OrigQuantity),
		})
	}
	return orders, nil
}

func (t *BinanceExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("binance order status: bad order id %q: %w", orderID, err)
	}

	order, err := t.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance order status: %w", err)
	}

	unified := string(order.Status)
	switch order.Status {
	case futures.OrderStatusTypeFilled:
		unified = StatusFilled
	case futures.OrderStatusTypeNew:
		unified = StatusNew
	case futures.OrderStatusTypePartiallyFilled:
		unified = StatusPartiallyFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeRejected, futures.OrderStatusTypeExpired:
		// GTX rejects arrive as EXPIRED.
		unified = StatusCanceled
	}

	return &OrderStatus{
		OrderID:     orderID,
		Status:      unified,
		AvgPrice:    parseFloat(order.AvgPrice),
		ExecutedQty: parseFloat(order.ExecutedQuantity),
	}, nil
}

// ============================================================================
// Formatting
// ============================================================================

func (t *BinanceExchange) FormatQuantity(symbol string, qty float64) string {
	t.instMu.RLock()
	inst, ok := t.instruments[symbol]
	t.instMu.RUnlock()
	if !ok {
		return AlignToStep(qty, 0)
	}
	return AlignToStep(qty, inst.QtyStep)
}

func (t *BinanceExchange) FormatPrice(symbol string, price float64) string {
	t.instMu.RLock()
	inst, ok := t.instruments[symbol]
	t.instMu.RUnlock()
	if !ok {
		return RoundToStep(price, 0)
	}
	return RoundToStep(price, inst.TickSize)
}
