package main

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

var errReplay = errors.New("nonce replay detected")

// NonceStore provides persistent replay protection using the database.
type NonceStore struct {
	db     *gorm.DB
	window time.Duration
	now    func() time.Time
}

func NewNonceStore(db *gorm.DB, window time.Duration) *NonceStore {
	return &NonceStore{db: db, window: window, now: time.Now}
}

// CheckAndStore records a nonce for an operator, returning errReplay if it
// was already used inside the window.
func (s *NonceStore) CheckAndStore(operator, nonce string, ts time.Time) error {
	if operator == "" || nonce == "" {
		return errors.New("missing operator or nonce")
	}

	cutoff := s.now().Add(-s.window)
	if err := s.db.Where("seen_at < ?", cutoff).Delete(&AdminNonce{}).Error; err != nil {
		return err
	}

	var existing int64
	if err := s.db.Model(&AdminNonce{}).Where("operator = ? AND nonce = ?", operator, nonce).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return errReplay
	}

	record := AdminNonce{Operator: operator, Nonce: nonce, SeenAt: ts}
	if err := s.db.Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errReplay
		}
		return err
	}
	return nil
}
