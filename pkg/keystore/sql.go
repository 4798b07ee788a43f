package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SecureRecordRow is the gorm model backing SQLStore.
type SecureRecordRow struct {
	ID         uint   `gorm:"primaryKey"`
	Context    string `gorm:"column:scope;uniqueIndex:record_scope;not null"`
	Key        string `gorm:"column:record_key;uniqueIndex:record_scope;not null"`
	Ciphertext []byte
	UpdatedAt  time.Time
}

// TableName pins the table name independent of the struct name.
func (SecureRecordRow) TableName() string { return "secure_records" }

// SQLStore persists records in a SQL database through gorm.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore migrates the record table and returns a store bound to db.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, ErrUnavailable
	}
	if err := db.AutoMigrate(&SecureRecordRow{}); err != nil {
		return nil, fmt.Errorf("%w: migrate secure_records: %v", ErrUnavailable, err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(ctx context.Context, scope, key string) (Record, error) {
	var row SecureRecordRow
	err := s.db.WithContext(ctx).Where("scope = ? AND record_key = ?", scope, key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return rowToRecord(row), nil
}

func (s *SQLStore) Put(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if err := upsert(s.db.WithContext(ctx), rec); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, scope, key string) error {
	err := s.db.WithContext(ctx).Where("scope = ? AND record_key = ?", scope, key).Delete(&SecureRecordRow{}).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]Record, error) {
	var rows []SecureRecordRow
	if err := s.db.WithContext(ctx).Order("scope, record_key").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToRecord(row))
	}
	return out, nil
}

func (s *SQLStore) PutAll(ctx context.Context, recs []Record) error {
	for _, rec := range recs {
		if err := rec.validate(); err != nil {
			return err
		}
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rec := range recs {
			if err := upsert(tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func upsert(db *gorm.DB, rec Record) error {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	row := SecureRecordRow{
		Context:    rec.Context,
		Key:        rec.Key,
		Ciphertext: rec.Ciphertext,
		UpdatedAt:  updated,
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}, {Name: "record_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "updated_at"}),
	}).Create(&row).Error
}

func rowToRecord(row SecureRecordRow) Record {
	return Record{
		Context:    row.Context,
		Key:        row.Key,
		Ciphertext: append([]byte(nil), row.Ciphertext...),
		UpdatedAt:  row.UpdatedAt,
	}
}
