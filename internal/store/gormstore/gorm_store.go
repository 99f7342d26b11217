// Package gormstore persists trading results: executed trades, hourly
// asset snapshots and operational log lines.
package gormstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// TradeHistory is one executed (or attempted) order of a trading cycle.
type TradeHistory struct {
	ID          uint   `gorm:"primaryKey"`
	UserID      string `gorm:"index:idx_trade_user_exchange"`
	Exchange    string `gorm:"index:idx_trade_user_exchange"`
	Symbol      string `gorm:"index"`
	Side        string
	Qty         string
	Price       string
	OrderID     string
	Status      string
	FundingRate string
	Detail      datatypes.JSON
	CreatedAt   time.Time `gorm:"index"`
}

// AssetHistory is one point of the hourly per-account equity series.
type AssetHistory struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"index:idx_asset_user_exchange"`
	Exchange  string `gorm:"index:idx_asset_user_exchange"`
	Coin      string
	Equity    string
	Available string
	CreatedAt time.Time `gorm:"index"`
}

// SystemLog is one operational event worth keeping beyond process logs.
type SystemLog struct {
	ID        uint `gorm:"primaryKey"`
	Level     string
	Scope     string `gorm:"index"`
	Message   string
	Detail    datatypes.JSON
	CreatedAt time.Time `gorm:"index"`
}

// Store wraps the sqlite-backed history database.
type Store struct {
	db *gorm.DB
}

// Open opens the history database at path and migrates the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	// The DSN uses modernc.org/sqlite's _pragma syntax; route the gorm
	// dialector through that cgo-free driver (registered as "sqlite").
	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("打开历史数据库失败: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)

	if err := db.AutoMigrate(&TradeHistory{}, &AssetHistory{}, &SystemLog{}); err != nil {
		return nil, fmt.Errorf("迁移历史表失败: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordTrade appends one trade row.
func (s *Store) RecordTrade(ctx context.Context, trade *TradeHistory) error {
	return s.db.WithContext(ctx).Create(trade).Error
}

// RecentTrades returns up to limit trades, newest first, optionally
// filtered by user.
func (s *Store) RecentTrades(ctx context.Context, userID string, limit int) ([]TradeHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var trades []TradeHistory
	if err := q.Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// RecordAsset appends one equity snapshot row.
func (s *Store) RecordAsset(ctx context.Context, snapshot *AssetHistory) error {
	return s.db.WithContext(ctx).Create(snapshot).Error
}

// AssetSeries returns snapshots for one (user, exchange) since the cutoff,
// oldest first.
func (s *Store) AssetSeries(ctx context.Context, userID, exchange string, since time.Time) ([]AssetHistory, error) {
	var series []AssetHistory
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND exchange = ? AND created_at >= ?", userID, exchange, since).
		Order("created_at ASC").
		Find(&series).Error
	if err != nil {
		return nil, err
	}
	return series, nil
}

// RecordLog appends one system log row.
func (s *Store) RecordLog(ctx context.Context, entry *SystemLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// RecentLogs returns up to limit log rows, newest first, optionally
// filtered by scope.
func (s *Store) RecentLogs(ctx context.Context, scope string, limit int) ([]SystemLog, error) {
	if limit <= 0 {
		limit = 200
	}
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if scope != "" {
		q = q.Where("scope = ?", scope)
	}
	var logs []SystemLog
	if err := q.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
