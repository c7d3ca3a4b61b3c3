// Package store keeps a local history of sent and received messages in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/xxh3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Direction tells which way a message travelled over the air.
type Direction string

const (
	DirRX Direction = "rx"
	DirTX Direction = "tx"
)

var (
	ErrInvalidDirection = errors.New("store: invalid direction")
	ErrClosed           = errors.New("store: closed")
)

// Message is one history row.
type Message struct {
	ID        uint      `gorm:"primaryKey"`
	Direction Direction `gorm:"type:varchar(2);index;not null"`
	Text      string    `gorm:"not null"`
	Digest    int64     `gorm:"index"` // xxh3 of Text, bit-cast to fit an SQLite integer
	CreatedAt time.Time `gorm:"index"`
}

// TableName pins the table name.
func (Message) TableName() string { return "messages" }

// Digest is the content hash stored alongside each message.
func Digest(text string) int64 { return int64(xxh3.HashString(text)) }

// Store wraps the GORM database instance.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the history database at path using the pure Go
// SQLite driver.
func Open(path string) (*Store, error) {
	dialector := sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// one writer keeps SQLite from reporting busy under WAL
	sqlDB.SetMaxOpenConns(1)
	if err := configureSQLite(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store pragma: %w", err)
	}
	if err := db.AutoMigrate(&Message{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func configureSQLite(sqlDB *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=memory",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

// Save appends a message and returns the stored row.
func (s *Store) Save(ctx context.Context, dir Direction, text string) (Message, error) {
	if dir != DirRX && dir != DirTX {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidDirection, dir)
	}
	m := Message{Direction: dir, Text: text, Digest: Digest(text), CreatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return Message{}, err
	}
	return m, nil
}

// Recent returns up to n messages, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Message, error) {
	var out []Message
	if n <= 0 {
		return out, nil
	}
	err := s.db.WithContext(ctx).Order("id DESC").Limit(n).Find(&out).Error
	return out, err
}

// Count returns the number of stored messages in direction dir, or all
// messages when dir is empty.
func (s *Store) Count(ctx context.Context, dir Direction) (int64, error) {
	var n int64
	q := s.db.WithContext(ctx).Model(&Message{})
	if dir != "" {
		q = q.Where("direction = ?", dir)
	}
	err := q.Count(&n).Error
	return n, err
}

// SeenSince reports whether text was stored in direction dir after t.
func (s *Store) SeenSince(ctx context.Context, dir Direction, text string, t time.Time) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Message{}).
		Where("direction = ? AND digest = ? AND created_at > ?", dir, Digest(text), t.UTC()).
		Count(&n).Error
	return n > 0, err
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
