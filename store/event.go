package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Event types recorded by the bot.
const (
	EventBotStarted    = "bot_started"
	EventBotStopped    = "bot_stopped"
	EventOrderPlaced   = "order_placed"
	EventOrderFilled   = "order_filled"
	EventOrderCanceled = "order_canceled"
	EventGridRebuilt   = "grid_rebuilt"
	EventGridDegraded  = "grid_degraded"
	EventTierChanged   = "tier_changed"
	EventRiskHalt      = "risk_halt"
	EventRiskReset     = "risk_reset"
)

// EventModel is one lifecycle event (order activity, rebalances, halts).
type EventModel struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Timestamp time.Time `json:"timestamp" gorm:"index"`
	Type      string    `json:"type" gorm:"index;not null"`
	Symbol    string    `json:"symbol,omitempty"`
	Side      string    `json:"side,omitempty"`
	Price     float64   `json:"price,omitempty"`
	Qty       float64   `json:"qty,omitempty"`
	PnL       float64   `json:"pnl,omitempty" gorm:"column:pnl"`
	Message   string    `json:"message,omitempty" gorm:"type:text"`
}

func (EventModel) TableName() string {
	return "events"
}

// EventStore provides database operations for lifecycle events
type EventStore struct {
	db *gorm.DB
}

// Log records an event. ID and timestamp are filled when empty.
func (s *EventStore) Log(event *EventModel) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return s.db.Create(event).Error
}

// Recent returns the latest events, newest first.
func (s *EventStore) Recent(limit int) ([]EventModel, error) {
	var events []EventModel
	query := s.db.Order("timestamp DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// RecentByType returns the latest events of one type, newest first.
func (s *EventStore) RecentByType(eventType string, limit int) ([]EventModel, error) {
	var events []EventModel
	query := s.db.Where("type = ?", eventType).Order("timestamp DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
