package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"bullywork/pkg/storage"
)

// Object is one row of the objects table.
type Object struct {
	Bucket    string    `gorm:"primaryKey;type:varchar(255)"`
	Key       string    `gorm:"primaryKey;type:varchar(1024)"`
	Payload   []byte    `gorm:"type:bytea;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

type Store struct {
	db *gorm.DB
}

// DSN builds a libpq connection string.
func DSN(host, port, user, password, dbname string) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)
}

// New opens the database and migrates the objects table.
func New(connString string) (*Store, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&Object{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
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

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *Store) ListPrefix(ctx context.Context, bucket, prefix string) ([]storage.Object, error) {
	var rows []Object
	result := s.db.WithContext(ctx).
		Where("bucket = ?", bucket).
		Where("key LIKE ?", likeEscaper.Replace(prefix)+"%").
		Order("key COLLATE \"C\" asc").
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list %s/%s: %w", bucket, prefix, result.Error)
	}

	objs := make([]storage.Object, len(rows))
	for i, r := range rows {
		objs[i] = storage.Object{Key: r.Key, Payload: r.Payload}
	}
	return objs, nil
}

func (s *Store) Keys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	result := s.db.WithContext(ctx).
		Model(&Object{}).
		Where("bucket = ?", bucket).
		Where("key LIKE ?", likeEscaper.Replace(prefix)+"%").
		Order("key COLLATE \"C\" asc").
		Pluck("key", &keys)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list keys %s/%s: %w", bucket, prefix, result.Error)
	}
	return keys, nil
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var row Object
	result := s.db.WithContext(ctx).First(&row, "bucket = ? AND key = ?", bucket, key)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s/%s: %w", bucket, key, result.Error)
	}
	return row.Payload, nil
}

// Put upserts the object; a second Put for the same key overwrites the payload.
func (s *Store) Put(ctx context.Context, bucket, key string, payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}
	row := Object{Bucket: bucket, Key: key, Payload: payload}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bucket"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("failed to put %s/%s: %w", bucket, key, result.Error)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	result := s.db.WithContext(ctx).Where("bucket = ? AND key = ?", bucket, key).Delete(&Object{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", bucket, key, result.Error)
	}
	return nil
}
