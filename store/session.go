package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"gridbot/kernel"
)

// SessionModel is the persisted trading session for one symbol: the
// active ladder and the day's risk state, serialized as JSON. One row
// per symbol; the bot overwrites it every tick and restores from it
// after a restart.
type SessionModel struct {
	Symbol    string    `json:"symbol" gorm:"primaryKey"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
	Ladder    string    `json:"-" gorm:"column:ladder;type:text"`
	Risk      string    `json:"-" gorm:"column:risk;type:text"`
}

func (SessionModel) TableName() string {
	return "sessions"
}

// SessionStore provides database operations for session recovery
type SessionStore struct {
	db *gorm.DB
}

// Save upserts the session snapshot for a symbol.
func (s *SessionStore) Save(symbol string, ladder *kernel.GridLadder, risk kernel.RiskState) error {
	ladderJSON, err := json.Marshal(ladder)
	if err != nil {
		return fmt.Errorf("failed to serialize ladder: %w", err)
	}
	riskJSON, err := json.Marshal(risk)
	if err != nil {
		return fmt.Errorf("failed to serialize risk state: %w", err)
	}
	return s.db.Save(&SessionModel{
		Symbol: symbol,
		Ladder: string(ladderJSON),
		Risk:   string(riskJSON),
	}).Error
}

// Load restores the session snapshot for a symbol. A missing row is not
// an error; both returns are nil.
func (s *SessionStore) Load(symbol string) (*kernel.GridLadder, *kernel.RiskState, error) {
	var row SessionModel
	err := s.db.Where("symbol = ?", symbol).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var ladder kernel.GridLadder
	if err := json.Unmarshal([]byte(row.Ladder), &ladder); err != nil {
		return nil, nil, fmt.Errorf("failed to restore ladder: %w", err)
	}
	var risk kernel.RiskState
	if err := json.Unmarshal([]byte(row.Risk), &risk); err != nil {
		return nil, nil, fmt.Errorf("failed to restore risk state: %w", err)
	}
	return &ladder, &risk, nil
}

// Clear removes the session snapshot for a symbol.
func (s *SessionStore) Clear(symbol string) error {
	return s.db.Where("symbol = ?", symbol).Delete(&SessionModel{}).Error
}
