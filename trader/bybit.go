package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	"gridbot/logger"
	"gridbot/market"
)

const (
	bybitMainnetREST = "https://api.bybit.com"
	bybitTestnetREST = "https://api-testnet.bybit.com"
)

// BybitExchange trades USDT perpetuals through the v5 unified account API.
// Balance, position and instrument lookups are cached briefly so one tick
// does not hammer the venue.
type BybitExchange struct {
	client     *bybit.Client
	restBase   string
	httpClient *http.Client

	balanceMu     sync.RWMutex
	cachedBalance *Balance
	balanceAt     time.Time

	positionMu      sync.RWMutex
	cachedPositions map[string]*Position
	positionsAt     time.Time

	instMu      sync.RWMutex
	instruments map[string]*Instrument

	cacheTTL time.Duration
}

func NewBybitExchange(apiKey, apiSecret string, testnet bool) *BybitExchange {
	baseURL := bybit.MAINNET
	restBase := bybitMainnetREST
	if testnet {
		baseURL = bybit.TESTNET
		restBase = bybitTestnetREST
	}

	client := bybit.NewBybitHttpClient(apiKey, apiSecret, bybit.WithBaseURL(baseURL))

	logger.Infof("[Bybit] Exchange client initialized (testnet=%v)", testnet)

	return &BybitExchange{
		client:          client,
		restBase:        restBase,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		cachedPositions: make(map[string]*Position),
		instruments:     make(map[string]*Instrument),
		cacheTTL:        15 * time.Second,
	}
}

func (t *BybitExchange) Name() string { return "bybit" }

// bybitError converts a non-zero retCode into a classifiable APIError.
func bybitError(retCode int, retMsg string) error {
	if retCode == 0 {
		return nil
	}
	return &APIError{Venue: "bybit", Code: retCode, Msg: retMsg}
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func floatField(m map[string]interface{}, key string) float64 {
	return parseFloat(stringField(m, key))
}

// ============================================================================
// Account
// ============================================================================

func (t *BybitExchange) GetBalance(ctx context.Context) (*Balance, error) {
	t.balanceMu.RLock()
	if t.cachedBalance != nil && time.Since(t.balanceAt) < t.cacheTTL {
		balance := *t.cachedBalance
		t.balanceMu.RUnlock()
		return &balance, nil
	}
	t.balanceMu.RUnlock()

	params := map[string]interface{}{
		"accountType": "UNIFIED",
	}

	result, err := t.client.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
	if err != nil {
		return nil, fmt.Errorf("bybit wallet: %w", err)
	}
	if err := bybitError(result.RetCode, result.RetMsg); err != nil {
		return nil, err
	}

	resultData, ok := result.Result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("bybit wallet: unexpected response shape")
	}
	list, _ := resultData["list"].([]interface{})

	balance := &Balance{}
	if len(list) > 0 {
		account, _ := list[0].(map[string]interface{})
		balance.TotalEquity = floatField(account, "totalEquity")
		balance.Available = floatField(account, "totalAvailableBalance")
		balance.WalletBalance = floatField(account, "totalWalletBalance")
		balance.UnrealizedPnl = floatField(account, "totalPerpUPL")
	}
	if balance.WalletBalance == 0 {
		balance.WalletBalance = balance.TotalEquity
	}

	t.balanceMu.Lock()
	t.cachedBalance = balance
	t.balanceAt = time.Now()
	t.balanceMu.Unlock()

	out := *balance
	return &out, nil
}

func (t *BybitExchange) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	t.positionMu.RLock()
	if pos, ok := t.cachedPositions[symbol]; ok && time.Since(t.positionsAt) < t.cacheTTL {
		out := *pos
		t.positionMu.RUnlock()
		return &out, nil
	}
	t.positionMu.RUnlock()

	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
	}

	result, err := t.client.NewUtaBybitServiceWithParams(params).GetPositionList(ctx)
	if err != nil {
		return nil, fmt.Errorf("bybit positions: %w", err)
	}
	if err := bybitError(result.RetCode, result.RetMsg); err != nil {
		return nil, err
	}

	resultData, ok := result.Result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("bybit positions: unexpected response shape")
	}
	list, _ := resultData["list"].([]interface{})

	position := &Position{Symbol: symbol}
	for _, item := range list {
		pos, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		size := floatField(pos, "size")
		if size == 0 {
			continue
		}

		// One-way mode: a single net entry per symbol, Sell side is short.
		if stringField(pos, "side") == "Sell" {
			size = -size
		}
		position.Size = size
		position.EntryPrice = floatField(pos, "avgPrice")
		position.MarkPrice = floatField(pos, "markPrice")
		position.UnrealizedPnl = floatField(pos, "unrealisedPnl")
		position.Leverage = floatField(pos, "leverage")
		position.LiquidationPrice = floatField(pos, "liqPrice")
		break
	}

	t.positionMu.Lock()
	t.cachedPositions[symbol] = position
	t.positionsAt = time.Now()
	t.positionMu.Unlock()

	out := *position
	return &out, nil
}

// ============================================================================
// Market data
// ============================================================================

func (t *BybitExchange) GetTicker(ctx context.Context, symbol string) (*market.Ticker, error) {
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
	}

	result, err := t.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("bybit ticker: %w", err)
	}
	if err := bybitError(result.RetCode, result.RetMsg); err != nil {
		return nil, err
	}

	resultData, ok := result.Result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("bybit ticker: unexpected response shape")
	}
	list, _ := resultData["list"].([]interface{})
	if len(list) == 0 {
		return nil, fmt.Errorf("bybit ticker: no data for %s", symbol)
	}

	item, _ := list[0].(map[string]interface{})
	lastPrice := floatField(item, "lastPrice")
	if lastPrice <= 0 {
		return nil, fmt.Errorf("bybit ticker: invalid last price for %s", symbol)
	}

	return &market.Ticker{
		Symbol:         symbol,
		LastPrice:      lastPrice,
		Bid:            floatField(item, "bid1Price"),
		Ask:            floatField(item, "ask1Price"),
		Volume24h:      floatField(item, "volume24h"),
		PriceChange24h: floatField(item, "price24hPcnt") * 100,
		UpdatedAt:      time.Now(),
	}, nil
}

// bybitIntervals maps the common interval notation to Bybit's minute codes.
var bybitIntervals = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720",
	"1d": "D", "1w": "W",
}

// GetKlines pulls candles from the public market endpoint. Bybit returns
// them newest first; callers get them oldest first.
func (t *BybitExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	wireInterval, ok := bybitIntervals[interval]
	if !ok {
		wireInterval = interval
	}
	path := fmt.Sprintf("/v5/market/kline?category=linear&symbol=%s&interval=%s&limit=%d",
		symbol, wireInterval, limit)

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := t.publicGet(ctx, path, &result); err != nil {
		return nil, fmt.Errorf("bybit klines: %w", err)
	}
	if err := bybitError(result.RetCode, result.RetMsg); err != nil {
		return nil, err
	}

	klines := make([]market.Kline, 0, len(result.Result.List))
	for i := len(result.Result.List) - 1; i >= 0; i-- {
		row := result.Result.List[i]
		if len(row) < 7 {
			continue
		}
		openTime, _ := strconv.ParseInt(row[0], 10, 64)
		klines = append(klines, market.Kline{
			OpenTime:  openTime,
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
			Turnover:  parseFloat(row[6]),
			Confirmed: true,
		})
	}
	return klines, nil
}

func (t *BybitExchange) GetInstrument(ctx context.Context, symbol string) (*Instrument, error) {
	t.instMu.RLock()
	if inst, ok := t.instruments[symbol]; ok {
		out := *inst
		t.instMu.RUnlock()
		return &out, nil
	}
	t.instMu.RUnlock()

	path := fmt.Sprintf("/v5/market/instruments-info?category=linear&symbol=%s", symbol)

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Symbol        string `json:"symbol"`
				LotSizeFilter struct {
					QtyStep     string `json:"qtyStep"`
					MinOrderQty string `json:"minOrderQty"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := t.publicGet(ctx, path, &result); err != nil {
		return nil, fmt.Errorf("bybit instrument: %w", err)
	}
	if err := bybitError(result.RetCode, result.RetMsg); err != nil {
		return nil, err
	}
	if len(result.Result.List) == 0 {
		return nil, fmt.Errorf("bybit instrument: %s not found", symbol)
	}

	row := result.Result.List[0]
	inst := &Instrument{
		Symbol:   symbol,
		QtyStep:  parseFloat(row.LotSizeFilter.QtyStep),
		MinQty:   parseFloat(row.LotSizeFilter.MinOrderQty),
		TickSize: parseFloat(row.PriceFilter.TickSize),
	}
	if inst.QtyStep <= 0 {
		inst.QtyStep = 1
	}

	t.instMu.Lock()
	t.instruments[symbol] = inst
	t.instMu.Unlock()

	logger.Infof("[Bybit] %s qtyStep=%v tickSize=%v minQty=%v",
		symbol, inst.QtyStep, inst.TickSize, inst.MinQty)

	out := *inst
	return &out, nil
}

func (t *BybitExchange) publicGet(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.restBase+path, nil)
	if err != nil {
		return err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// ============================================================================
// Orders
// ============================================================================

func (t *BybitExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  fmt.Sprintf("%d", leverage),
		"sellLeverage": fmt.Sprintf("%d", leverage),
	}

	result, err := t.client.NewUtaBybitServiceWithParams(params).SetPositionLeverage(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "leverage not modified") {
			return nil
		}
		return fmt.Errorf("bybit set leverage: %w", err)
	}
	// 110043 = leverage not modified
	if result.RetCode != 0 && result.RetCode != 110043 {
		return bybitError(result.RetCode, result.RetMsg)
	}
	return nil
}

func (t *BybitExchange) PlaceLimitOrder(ctx context.Context, req *LimitOrderRequest) (*LimitOrderResult, error) {
	side := "Buy"
	if req.Side == SideSell {
		side = "Sell"
	}
	timeInForce := "GTC"
	if req.PostOnly {
		timeInForce = "PostOnly"
	}

	params := map[string]interface{}{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        side,
		"orderType":   "Limit",
		"qty":         t.FormatQuantity(req.Symbol, req.Qty),
		"price":       t.FormatPrice(req.Symbol, req.Price),
		"timeInForce": timeInForce,
		"positionIdx": 0,
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}
	if req.ClientID != "" {
		params["orderLinkId"] = req.ClientID
	}

	result, err := t.client.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return nil, fmt.Errorf("bybit place order: %w", err)
	}
	if err := bybitError(result.RetCode, result.RetMsg); err != nil {
		return nil, err
	}

	t.clearCache()

	resultData, ok := result.Result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("bybit place order: unexpected response shape")
	}
	return &LimitOrderResult{
		OrderID:  stringField(resultData, "orderId"),
		ClientID: req.ClientID,
		Status:   StatusNew,
	}, nil
}

func (t *BybitExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}

	result, err := t.client.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	if err != nil {
		return fmt.Errorf("bybit cancel order: %w", err)
	}
	if err := bybitError(result.RetCode, result.RetMsg); err != nil {
		return err
	}

	t.clearCache()
	return nil
}

func (t *BybitExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
	}

	result, err := t.client.NewUtaBybitServiceWithParams(params).CancelAllOrders(ctx)
	if err != nil {
		return fmt.Errorf("bybit cancel all: %w", err)
	}
	if err := bybitError(result.RetCode, result.RetMsg); err != nil {
		return err
	}

	t.clearCache()
	return nil
}

func (t *BybitExchange) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
	}

	result, err := t.client.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("bybit open orders: %w", err)
	}
	if err := bybitError(result.RetCode, result.RetMsg); err != nil {
		return nil, err
	}

	resultData, ok := result.Result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("bybit open orders: unexpected response shape")
	}
	list, _ := resultData["list"].([]interface{})

	orders := make([]OpenOrder, 0, len(list))
	for _, item := range list {
		order, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		side := SideBuy
		if stringField(order, "side") == "Sell" {
			side = SideSell
		}
		orders = append(orders, OpenOrder{
			OrderID:  stringField(order, "orderId"),
			ClientID: stringField(order, "orderLinkId"),
			Symbol:   symbol,
			Side:     side,
			Price:    floatField(order, "price"),
			Qty:      floatField(order, "qty"),
		})
	}
	return orders, nil
}

func (t *BybitExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error) {
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}

	result, err := t.client.NewUtaBybitServiceWithParams(params).GetOrderHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("bybit order status: %w", err)
	}
	if err := bybitError(result.RetCode, result.RetMsg); err != nil {
		return nil, err
	}

	resultData, ok := result.Result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("bybit order status: unexpected response shape")
	}
	list, _ := resultData["list"].([]interface{})
	if len(list) == 0 {
		return nil, fmt.Errorf("bybit order status: order %s not found", orderID)
	}

	order, _ := list[0].(map[string]interface{})

	status := stringField(order, "orderStatus")
	unified := status
	switch status {
	case "Filled":
		unified = StatusFilled
	case "New", "Created", "Untriggered":
		unified = StatusNew
	case "PartiallyFilled":
		unified = StatusPartiallyFilled
	// PartiallyFilledCanceled is terminal; the executed part is booked
	// from ExecutedQty like any other cancel-after-fill.
	case "Cancelled", "Rejected", "Deactivated", "PartiallyFilledCanceled":
		unified = StatusCanceled
	}

	return &OrderStatus{
		OrderID:     orderID,
		Status:      unified,
		AvgPrice:    floatField(order, "avgPrice"),
		ExecutedQty: floatField(order, "cumExecQty"),
		Fee:         floatField(order, "cumExecFee"),
	}, nil
}

// ============================================================================
// Formatting
// ============================================================================

func (t *BybitExchange) FormatQuantity(symbol string, qty float64) string {
	return AlignToStep(qty, t.instrumentStep(symbol))
}

func (t *BybitExchange) FormatPrice(symbol string, price float64) string {
	t.instMu.RLock()
	inst, ok := t.instruments[symbol]
	t.instMu.RUnlock()
	if !ok {
		return RoundToStep(price, 0)
	}
	return RoundToStep(price, inst.TickSize)
}

func (t *BybitExchange) instrumentStep(symbol string) float64 {
	t.instMu.RLock()
	inst, ok := t.instruments[symbol]
	t.instMu.RUnlock()
	if ok {
		return inst.QtyStep
	}

	// Not loaded yet: fetch once, fall back to whole units on failure.
	loaded, err := t.GetInstrument(context.Background(), symbol)
	if err != nil {
		logger.Warnf("[Bybit] Instrument info unavailable for %s: %v", symbol, err)
		return 1
	}
	return loaded.QtyStep
}

func (t *BybitExchange) clearCache() {
	t.balanceMu.Lock()
	t.cachedBalance = nil
	t.balanceMu.Unlock()

	t.positionMu.Lock()
	t.cachedPositions = make(map[string]*Position)
	t.positionMu.Unlock()
}
