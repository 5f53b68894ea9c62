// Package store persists trades, events, equity snapshots and session
// state to a local SQLite database. All database access goes through
// this package.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"gridbot/logger"
)

// Store is the unified storage handle. Sub-stores are created lazily.
type Store struct {
	db *gorm.DB

	trade   *TradeStore
	event   *EventStore
	session *SessionStore
	equity  *EquityStore

	mu sync.Mutex
}

// New opens (or creates) the SQLite database at path and migrates the
// schema. The modernc driver keeps the build cgo-free.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.New(sqlite.Config{
		DriverName: "sqlite",
		DSN:        path,
	}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}

	logger.Infof("[Store] Database ready at %s", path)
	return s, nil
}

func (s *Store) initTables() error {
	return s.db.AutoMigrate(
		&TradeModel{},
		&EventModel{},
		&SessionModel{},
		&EquityModel{},
	)
}

// Trade gets trade storage
func (s *Store) Trade() *TradeStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trade == nil {
		s.trade = &TradeStore{db: s.db}
	}
	return s.trade
}

// Event gets event storage
func (s *Store) Event() *EventStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.event == nil {
		s.event = &EventStore{db: s.db}
	}
	return s.event
}

// Session gets session storage
func (s *Store) Session() *SessionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		s.session = &SessionStore{db: s.db}
	}
	return s.session
}

// Equity gets equity snapshot storage
func (s *Store) Equity() *EquityStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.equity == nil {
		s.equity = &EquityStore{db: s.db}
	}
	return s.equity
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
