// Package account exposes cloud account metadata and import bookkeeping.
package account

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"cloudledger/internal/model"
)

// ErrNotFound is returned when a cloud account does not exist.
var ErrNotFound = errors.New("account: not found")

// Service reads and updates cloud account records.
type Service struct {
	db *gorm.DB
}

// NewService creates a Service backed by the given database.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Get returns the cloud account with the given id.
func (s *Service) Get(ctx context.Context, id string) (*model.CloudAccount, error) {
	var acc model.CloudAccount
	err := s.db.WithContext(ctx).First(&acc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("account: get failed: %w", err)
	}
	return &acc, nil
}

// SetLastImportAt records a successful import completion time.
func (s *Service) SetLastImportAt(ctx context.Context, id string, ts int64) error {
	err := s.db.WithContext(ctx).Model(&model.CloudAccount{}).
		Where("id = ?", id).
		Update("last_import_at", ts).Error
	if err != nil {
		return fmt.Errorf("account: update import time failed: %w", err)
	}
	return nil
}

// RecordAttempt records an import attempt and its error, if any. An empty
// message clears the stored error.
func (s *Service) RecordAttempt(ctx context.Context, id string, ts int64, attemptErr string) error {
	err := s.db.WithContext(ctx).Model(&model.CloudAccount{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_import_attempt_at":    ts,
			"last_import_attempt_error": attemptErr,
		}).Error
	if err != nil {
		return fmt.Errorf("account: record attempt failed: %w", err)
	}
	return nil
}
