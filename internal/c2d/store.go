package c2d

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNoMessage is returned by Next when nothing is pending.
var ErrNoMessage = errors.New("no pending cloud-to-device message")

// Message is a cloud-to-device message persisted until it is acknowledged.
type Message struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Topic     string    `gorm:"not null"`
	Payload   []byte    `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}

func (Message) TableName() string { return "c2d_messages" }

// Store is the sqlite-backed inbound message queue.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
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

	if err := db.AutoMigrate(&Message{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Push persists a delivered message.
func (s *Store) Push(ctx context.Context, topic string, payload []byte) (*Message, error) {
	if payload == nil {
		payload = []byte{}
	}
	msg := &Message{Topic: topic, Payload: payload}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	return msg, nil
}

// Next returns the oldest pending message with an id greater than after,
// without removing it.
func (s *Store) Next(ctx context.Context, after uint) (*Message, error) {
	var msg Message
	err := s.db.WithContext(ctx).Where("id > ?", after).Order("id").Take(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return &msg, nil
}

// Ack removes msg so it is not delivered again.
func (s *Store) Ack(ctx context.Context, msg *Message) error {
	if err := s.db.WithContext(ctx).Delete(&Message{}, msg.ID).Error; err != nil {
		return fmt.Errorf("remove message %d: %w", msg.ID, err)
	}
	return nil
}

// Pending counts unacknowledged messages.
func (s *Store) Pending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Message{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
