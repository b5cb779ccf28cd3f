package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"cloudledger/internal/model"
)

// TrafficKey identifies one traffic ledger cell.
type TrafficKey struct {
	ResourceID string
	Date       time.Time
	FromRegion string
	ToRegion   string
}

// TrafficValue is the effective cost/usage pair of a traffic ledger cell.
type TrafficValue struct {
	Cost  float64
	Usage float64
}

// TrafficLedgerStore is the signed-row ledger for inter-region transfer
// expenses. Like LedgerStore it is insert-only.
type TrafficLedgerStore struct {
	db *gorm.DB
}

// NewTrafficLedgerStore creates a TrafficLedgerStore backed by the given database.
func NewTrafficLedgerStore(db *gorm.DB) *TrafficLedgerStore {
	return &TrafficLedgerStore{db: db}
}

// Insert appends signed traffic rows.
func (s *TrafficLedgerStore) Insert(ctx context.Context, rows []model.TrafficExpense) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("store: traffic ledger insert failed: %w", err)
	}
	return nil
}

// EffectiveInRanges returns the effective cost/usage per traffic cell for
// dates inside any of the given closed ranges. Ranges are applied as an
// explicit OR of intervals, matching how traffic tasks are scoped.
func (s *TrafficLedgerStore) EffectiveInRanges(ctx context.Context, cloudAccountID string, ranges []DateRange) (map[TrafficKey]TrafficValue, error) {
	if len(ranges) == 0 {
		return map[TrafficKey]TrafficValue{}, nil
	}
	rangeQ := s.db.Where("date >= ? AND date <= ?", ranges[0].Start, ranges[0].End)
	for _, r := range ranges[1:] {
		rangeQ = rangeQ.Or("date >= ? AND date <= ?", r.Start, r.End)
	}
	var results []struct {
		ResourceID string
		Date       time.Time
		FromRegion string
		ToRegion   string
		Cost       float64
		Usage      float64
	}
	err := s.db.WithContext(ctx).Model(&model.TrafficExpense{}).
		Select("resource_id, date, from_region, to_region, SUM(cost*sign) AS cost, SUM(\"usage\"*sign) AS usage").
		Where("cloud_account_id = ?", cloudAccountID).
		Where(rangeQ).
		Group("resource_id, date, from_region, to_region").
		Scan(&results).Error
	if err != nil {
		return nil, fmt.Errorf("store: traffic ledger query failed: %w", err)
	}
	effective := make(map[TrafficKey]TrafficValue, len(results))
	for _, r := range results {
		d := r.Date.UTC()
		key := TrafficKey{
			ResourceID: r.ResourceID,
			// Rebuild the date so map keys compare equal regardless of
			// driver-specific time representations.
			Date:       time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC),
			FromRegion: r.FromRegion,
			ToRegion:   r.ToRegion,
		}
		effective[key] = TrafficValue{Cost: r.Cost, Usage: r.Usage}
	}
	return effective, nil
}
