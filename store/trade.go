package store

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TradeModel is one executed order (a filled grid level or a round trip).
type TradeModel struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Timestamp time.Time `json:"timestamp" gorm:"index;not null"`
	Symbol    string    `json:"symbol" gorm:"index;not null"`
	Side      string    `json:"side" gorm:"not null"`
	Price     float64   `json:"price" gorm:"not null"`
	Qty       float64   `json:"qty" gorm:"not null"`
	OrderID   string    `json:"order_id" gorm:"index"`
	Status    string    `json:"status"`
	PnL       float64   `json:"pnl" gorm:"column:pnl;default:0"`
	Fee       float64   `json:"fee" gorm:"default:0"`
	Note      string    `json:"note,omitempty"`
}

func (TradeModel) TableName() string {
	return "trades"
}

// TradeStats aggregates closed-trade performance.
type TradeStats struct {
	Trades    int64   `json:"trades" gorm:"column:trades"`
	Wins      int64   `json:"wins" gorm:"column:wins"`
	TotalPnL  float64 `json:"total_pnl" gorm:"column:total_pnl"`
	TotalFees float64 `json:"total_fees" gorm:"column:total_fees"`
}

// WinRate returns the share of winning round trips, 0 when no trades.
func (st TradeStats) WinRate() float64 {
	if st.Trades == 0 {
		return 0
	}
	return float64(st.Wins) / float64(st.Trades)
}

// TradeStore provides database operations for executed trades
type TradeStore struct {
	db *gorm.DB
}

// Save records a trade. ID and timestamp are filled when empty.
func (s *TradeStore) Save(trade *TradeModel) error {
	if trade.ID == "" {
		trade.ID = uuid.New().String()
	}
	if trade.Timestamp.IsZero() {
		trade.Timestamp = time.Now().UTC()
	} else {
		trade.Timestamp = trade.Timestamp.UTC()
	}
	return s.db.Create(trade).Error
}

// Recent returns the latest trades, newest first.
func (s *TradeStore) Recent(limit int) ([]TradeModel, error) {
	var trades []TradeModel
	query := s.db.Order("timestamp DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// ListBySymbol returns the latest trades for one symbol, newest first.
func (s *TradeStore) ListBySymbol(symbol string, limit int) ([]TradeModel, error) {
	var trades []TradeModel
	query := s.db.Where("symbol = ?", symbol).Order("timestamp DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// Stats aggregates performance for a symbol; empty symbol means all.
func (s *TradeStore) Stats(symbol string) (TradeStats, error) {
	return s.StatsSince(symbol, time.Time{})
}

// StatsSince aggregates performance for trades at or after since. A zero
// since covers the whole history.
func (s *TradeStore) StatsSince(symbol string, since time.Time) (TradeStats, error) {
	var stats TradeStats
	query := s.db.Model(&TradeModel{}).Select(
		"COUNT(*) AS trades, " +
			"COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0) AS wins, " +
			"COALESCE(SUM(pnl), 0) AS total_pnl, " +
			"COALESCE(SUM(fee), 0) AS total_fees")
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}
	if !since.IsZero() {
		query = query.Where("timestamp >= ?", since)
	}
	err := query.Scan(&stats).Error
	return stats, err
}

var csvHeader = []string{"timestamp", "symbol", "side", "price", "qty", "order_id", "status", "pnl", "fee", "note"}

func csvRow(t TradeModel) []string {
	return []string{
		t.Timestamp.UTC().Format(time.RFC3339),
		t.Symbol,
		t.Side,
		strconv.FormatFloat(t.Price, 'f', -1, 64),
		strconv.FormatFloat(t.Qty, 'f', -1, 64),
		t.OrderID,
		t.Status,
		strconv.FormatFloat(t.PnL, 'f', -1, 64),
		strconv.FormatFloat(t.Fee, 'f', -1, 64),
		t.Note,
	}
}

// AppendCSV appends one trade to the CSV trade log, writing the header
// when the file is new.
func (s *TradeStore) AppendCSV(path string, trade TradeModel) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open trade log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	if err := w.Write(csvRow(trade)); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// ExportCSV writes the full trade history to path, oldest first.
func (s *TradeStore) ExportCSV(path string) error {
	var trades []TradeModel
	if err := s.db.Order("timestamp ASC").Find(&trades).Error; err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create trade log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, t := range trades {
		if err := w.Write(csvRow(t)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
