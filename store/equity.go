package store

import (
	"time"

	"gorm.io/gorm"
)

// EquityModel is one account equity snapshot (for plotting return curves).
type EquityModel struct {
	ID            int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Timestamp     time.Time `json:"timestamp" gorm:"index;not null"`
	TotalEquity   float64   `json:"total_equity"`
	Balance       float64   `json:"balance"`
	UnrealizedPnL float64   `json:"unrealized_pnl" gorm:"column:unrealized_pnl"`
	PositionValue float64   `json:"position_value"`
}

func (EquityModel) TableName() string {
	return "equity_snapshots"
}

// EquityStore provides database operations for equity snapshots
type EquityStore struct {
	db *gorm.DB
}

// Save records an equity snapshot.
func (s *EquityStore) Save(snap *EquityModel) error {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	} else {
		snap.Timestamp = snap.Timestamp.UTC()
	}
	return s.db.Create(snap).Error
}

// GetLatest returns the latest N snapshots sorted old to new, suitable
// for plotting curves.
func (s *EquityStore) GetLatest(limit int) ([]*EquityModel, error) {
	var snaps []*EquityModel
	query := s.db.Order("timestamp DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&snaps).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(snaps)-1; i < j; i, j = i+1, j-1 {
		snaps[i], snaps[j] = snaps[j], snaps[i]
	}
	return snaps, nil
}

// GetByTimeRange returns snapshots within the time range, old to new.
func (s *EquityStore) GetByTimeRange(start, end time.Time) ([]*EquityModel, error) {
	var snaps []*EquityModel
	err := s.db.Where("timestamp >= ? AND timestamp <= ?", start.UTC(), end.UTC()).
		Order("timestamp ASC").
		Find(&snaps).Error
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

// CleanOldRecords removes snapshots older than N days and reports how
// many rows were deleted.
func (s *EquityStore) CleanOldRecords(days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res := s.db.Where("timestamp < ?", cutoff).Delete(&EquityModel{})
	return res.RowsAffected, res.Error
}

// Count returns the number of stored snapshots.
func (s *EquityStore) Count() (int64, error) {
	var count int64
	err := s.db.Model(&EquityModel{}).Count(&count).Error
	return count, err
}
