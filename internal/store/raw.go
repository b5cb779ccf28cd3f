// Package store provides the persistence layer of the expense pipeline:
// the raw-expense store and the append-only signed ledgers.
package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"cloudledger/internal/model"
)

// DateRange is a closed day interval used by range-scoped queries.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// RawStore persists normalized provider billing records.
type RawStore struct {
	db *gorm.DB
}

// NewRawStore creates a RawStore backed by the given database.
func NewRawStore(db *gorm.DB) *RawStore {
	return &RawStore{db: db}
}

// rawUpdateColumns are the mutable fields of a raw expense. Everything else
// keeps its first-insert value, mirroring an insert-if-absent upsert.
var rawUpdateColumns = []string{"cost", "usage", "end_date", "fields", "updated_at"}

// Upsert writes a chunk of raw expenses, inserting new identities and
// updating only the mutable cost/usage fields of existing ones.
func (s *RawStore) Upsert(ctx context.Context, records []model.RawExpense) error {
	if len(records) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "cloud_account_id"},
			{Name: "resource_id"},
			{Name: "start_date"},
			{Name: "item_key"},
		},
		DoUpdates: clause.AssignmentColumns(rawUpdateColumns),
	}).Create(&records).Error
	if err != nil {
		return fmt.Errorf("store: raw upsert failed: %w", err)
	}
	return nil
}

// DistinctResourceIDs returns the distinct provider resource ids that have
// raw expenses for the account, optionally limited to start_date >= since.
func (s *RawStore) DistinctResourceIDs(ctx context.Context, cloudAccountID string, since time.Time) ([]string, error) {
	q := s.db.WithContext(ctx).Model(&model.RawExpense{}).
		Where("cloud_account_id = ?", cloudAccountID)
	if !since.IsZero() {
		q = q.Where("start_date >= ?", since)
	}
	var ids []string
	if err := q.Distinct("resource_id").Order("resource_id").Pluck("resource_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("store: distinct resource ids failed: %w", err)
	}
	return ids, nil
}

// ForResources returns all raw expenses for the given resource ids, oldest
// first, optionally limited to start_date >= since.
func (s *RawStore) ForResources(ctx context.Context, cloudAccountID string, since time.Time, resourceIDs []string) ([]model.RawExpense, error) {
	q := s.db.WithContext(ctx).
		Where("cloud_account_id = ? AND resource_id IN ?", cloudAccountID, resourceIDs)
	if !since.IsZero() {
		q = q.Where("start_date >= ?", since)
	}
	var records []model.RawExpense
	if err := q.Order("start_date ASC, id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("store: raw fetch failed: %w", err)
	}
	return records, nil
}

// DeleteFrom purges the account's raw expenses with start_date >= from.
// Used by recalculation and by period regression after an import gap.
func (s *RawStore) DeleteFrom(ctx context.Context, cloudAccountID string, from time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("cloud_account_id = ? AND start_date >= ?", cloudAccountID, from).
		Delete(&model.RawExpense{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: raw purge failed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// InRanges returns the account's raw expenses with nonzero cost whose
// start_date falls inside any of the given closed ranges. Ranges are
// applied as an explicit OR so disjoint tasks do not conflate the gaps
// between them.
func (s *RawStore) InRanges(ctx context.Context, cloudAccountID string, ranges []DateRange) ([]model.RawExpense, error) {
	if len(ranges) == 0 {
		return nil, nil
	}
	rangeQ := s.db.Where("start_date >= ? AND start_date <= ?", ranges[0].Start, ranges[0].End)
	for _, r := range ranges[1:] {
		rangeQ = rangeQ.Or("start_date >= ? AND start_date <= ?", r.Start, r.End)
	}
	var records []model.RawExpense
	err := s.db.WithContext(ctx).
		Where("cloud_account_id = ? AND cost <> 0", cloudAccountID).
		Where(rangeQ).
		Order("start_date ASC, id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("store: raw range fetch failed: %w", err)
	}
	return records, nil
}
