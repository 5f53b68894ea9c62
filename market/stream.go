package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridbot/logger"
)

const (
	mainnetStreamURL = "wss://stream.bybit.com/v5/public/linear"
	testnetStreamURL = "wss://stream-testnet.bybit.com/v5/public/linear"

	// Bybit closes idle connections; the docs ask for a ping every 20s.
	pingInterval = 20 * time.Second
)

// TickerStream keeps a live last-price cache for one symbol over the public
// v5 ticker stream. The control loop reads it instead of polling REST when
// the connection is healthy, and falls back to REST when the cache is stale.
type TickerStream struct {
	url    string
	symbol string

	mu      sync.RWMutex
	conn    *websocket.Conn
	ticker  Ticker
	hasTick bool

	reconnect bool
	done      chan struct{}
	closeOnce sync.Once
}

func NewTickerStream(symbol string, testnet bool) *TickerStream {
	url := mainnetStreamURL
	if testnet {
		url = testnetStreamURL
	}
	return &TickerStream{
		url:       url,
		symbol:    symbol,
		reconnect: true,
		done:      make(chan struct{}),
	}
}

func (s *TickerStream) Connect() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("ticker stream connect: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.subscribe(); err != nil {
		conn.Close()
		return err
	}

	logger.Infof("[Market] Ticker stream connected for %s", s.symbol)
	go s.readMessages(conn)
	go s.keepalive(conn)
	return nil
}

func (s *TickerStream) subscribe() error {
	msg := map[string]interface{}{
		"op":   "subscribe",
		"args": []string{"tickers." + s.symbol},
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return fmt.Errorf("ticker stream not connected")
	}
	return s.conn.WriteJSON(msg)
}

func (s *TickerStream) keepalive(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.RLock()
			current := s.conn
			s.mu.RUnlock()
			if current != conn {
				return
			}
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				logger.Debugf("[Market] Ping failed: %v", err)
				return
			}
		}
	}
}

func (s *TickerStream) readMessages(conn *websocket.Conn) {
	for {
		select {
		case <-s.done:
			return
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-s.done:
				default:
					logger.Warnf("[Market] Ticker stream read failed: %v", err)
					s.handleReconnect()
				}
				return
			}
			s.handleMessage(message)
		}
	}
}

type streamMessage struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success,omitempty"`
	RetMsg  string          `json:"ret_msg"`
}

type tickerPayload struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	Bid1Price    string `json:"bid1Price"`
	Ask1Price    string `json:"ask1Price"`
	Volume24h    string `json:"volume24h"`
	Price24hPcnt string `json:"price24hPcnt"`
}

func (s *TickerStream) handleMessage(message []byte) {
	var msg streamMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		logger.Debugf("[Market] Unparseable stream message: %v", err)
		return
	}

	if msg.Op != "" {
		if msg.Success != nil && !*msg.Success {
			logger.Warnf("[Market] Stream op %s rejected: %s", msg.Op, msg.RetMsg)
		}
		return
	}
	if msg.Topic != "tickers."+s.symbol || len(msg.Data) == 0 {
		return
	}

	var payload tickerPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		logger.Debugf("[Market] Unparseable ticker payload: %v", err)
		return
	}
	s.applyTicker(payload)
}

// applyTicker merges a snapshot or delta into the cache. Delta frames only
// carry changed fields, so empty strings keep the previous value.
func (s *TickerStream) applyTicker(p tickerPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker.Symbol = s.symbol
	if v, err := strconv.ParseFloat(p.LastPrice, 64); err == nil && p.LastPrice != "" {
		s.ticker.LastPrice = v
	}
	if v, err := strconv.ParseFloat(p.Bid1Price, 64); err == nil && p.Bid1Price != "" {
		s.ticker.Bid = v
	}
	if v, err := strconv.ParseFloat(p.Ask1Price, 64); err == nil && p.Ask1Price != "" {
		s.ticker.Ask = v
	}
	if v, err := strconv.ParseFloat(p.Volume24h, 64); err == nil && p.Volume24h != "" {
		s.ticker.Volume24h = v
	}
	if v, err := strconv.ParseFloat(p.Price24hPcnt, 64); err == nil && p.Price24hPcnt != "" {
		s.ticker.PriceChange24h = v * 100
	}
	s.ticker.UpdatedAt = time.Now()
	s.hasTick = s.ticker.LastPrice > 0
}

// LastPrice returns the cached price when it is no older than maxAge.
func (s *TickerStream) LastPrice(maxAge time.Duration) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.hasTick {
		return 0, false
	}
	if time.Since(s.ticker.UpdatedAt) > maxAge {
		return 0, false
	}
	return s.ticker.LastPrice, true
}

func (s *TickerStream) Snapshot() (Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ticker, s.hasTick
}

func (s *TickerStream) handleReconnect() {
	s.mu.RLock()
	retry := s.reconnect
	s.mu.RUnlock()
	if !retry {
		return
	}

	logger.Infof("[Market] Ticker stream reconnecting...")
	time.Sleep(3 * time.Second)

	select {
	case <-s.done:
		return
	default:
	}

	if err := s.Connect(); err != nil {
		logger.Warnf("[Market] Ticker stream reconnect failed: %v", err)
		go s.handleReconnect()
	}
}

func (s *TickerStream) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reconnect = false
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()

		close(s.done)
		if conn != nil {
			conn.Close()
		}
	})
}
