package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type KVRecord struct {
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

type UsageRecord struct {
	ID               uint      `gorm:"primaryKey;autoIncrement"`
	Kind             string    `gorm:"not null;index"` // "chat" or "image"
	Model            string    `gorm:"not null"`
	PromptTokens     int64     `gorm:"not null;default:0"`
	CompletionTokens int64     `gorm:"not null;default:0"`
	CostMicro        int64     `gorm:"not null;default:0"` // microdollars
	DurationMs       int64     `gorm:"not null;default:0"`
	CreatedAt        time.Time `gorm:"autoCreateTime;index"`
}

type UsageSummary struct {
	TotalCalls            int64 `json:"total_calls"`
	ChatCalls             int64 `json:"chat_calls"`
	ImageCalls            int64 `json:"image_calls"`
	TotalPromptTokens     int64 `json:"total_prompt_tokens"`
	TotalCompletionTokens int64 `json:"total_completion_tokens"`
	TotalCostMicro        int64 `json:"total_cost_micro"`
}

// Store is the sqlite-backed durable store for the gateway. It implements
// KV and additionally keeps the billable-usage log.
type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	dbDir := filepath.Dir(path)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&KVRecord{}, &UsageRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
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

func (s *Store) Get(key string) (string, bool, error) {
	var rec KVRecord
	err := s.db.Where("key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.Value, true, nil
}

func (s *Store) Set(key, value string) error {
	return s.db.Save(&KVRecord{Key: key, Value: value}).Error
}

func (s *Store) Delete(key string) error {
	return s.db.Where("key = ?", key).Delete(&KVRecord{}).Error
}

// RecordUsage appends one billable call to the usage log.
func (s *Store) RecordUsage(rec *UsageRecord) error {
	return s.db.Create(rec).Error
}

func (s *Store) Usage() (UsageSummary, error) {
	var sum UsageSummary
	if err := s.db.Model(&UsageRecord{}).Count(&sum.TotalCalls).Error; err != nil {
		return sum, err
	}
	if err := s.db.Model(&UsageRecord{}).Where("kind = ?", "chat").Count(&sum.ChatCalls).Error; err != nil {
		return sum, err
	}
	if err := s.db.Model(&UsageRecord{}).Where("kind = ?", "image").Count(&sum.ImageCalls).Error; err != nil {
		return sum, err
	}
	if err := s.db.Model(&UsageRecord{}).Select("COALESCE(SUM(prompt_tokens), 0)").Scan(&sum.TotalPromptTokens).Error; err != nil {
		return sum, err
	}
	if err := s.db.Model(&UsageRecord{}).Select("COALESCE(SUM(completion_tokens), 0)").Scan(&sum.TotalCompletionTokens).Error; err != nil {
		return sum, err
	}
	if err := s.db.Model(&UsageRecord{}).Select("COALESCE(SUM(cost_micro), 0)").Scan(&sum.TotalCostMicro).Error; err != nil {
		return sum, err
	}
	return sum, nil
}
