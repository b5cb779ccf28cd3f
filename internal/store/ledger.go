package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"cloudledger/internal/model"
)

// LedgerStore is the append-only signed-row expense ledger. Rows are never
// updated or deleted; every write is an insert.
type LedgerStore struct {
	db *gorm.DB
}

// NewLedgerStore creates a LedgerStore backed by the given database.
func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// Insert appends signed rows to the ledger.
func (s *LedgerStore) Insert(ctx context.Context, rows []model.Expense) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("store: ledger insert failed: %w", err)
	}
	return nil
}

// Query returns all signed rows for the given resources within [from, to].
func (s *LedgerStore) Query(ctx context.Context, cloudAccountID string, from, to time.Time, resourceIDs []string) ([]model.Expense, error) {
	var rows []model.Expense
	err := s.db.WithContext(ctx).
		Where("cloud_account_id = ? AND date >= ? AND date <= ? AND resource_id IN ?",
			cloudAccountID, from, to, resourceIDs).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: ledger query failed: %w", err)
	}
	return rows, nil
}

// ResourceTotal is the aggregated ledger state of one resource.
type ResourceTotal struct {
	ResourceID string
	MaxDate    time.Time
	TotalCost  float64
}

// ResourceTotals returns, per resource, the latest ledgered date and the
// effective total cost (sum of cost*sign over all rows).
func (s *LedgerStore) ResourceTotals(ctx context.Context, cloudAccountID string, resourceIDs []string) (map[string]ResourceTotal, error) {
	rows, err := s.db.WithContext(ctx).Model(&model.Expense{}).
		Select("resource_id, MAX(date) AS max_date, SUM(cost*sign) AS total_cost").
		Where("cloud_account_id = ? AND resource_id IN ?", cloudAccountID, resourceIDs).
		Group("resource_id").
		Rows()
	if err != nil {
		return nil, fmt.Errorf("store: resource totals failed: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]ResourceTotal)
	for rows.Next() {
		var (
			resourceID string
			maxDate    scanTime
			totalCost  float64
		)
		if err := rows.Scan(&resourceID, &maxDate, &totalCost); err != nil {
			return nil, fmt.Errorf("store: resource totals scan failed: %w", err)
		}
		totals[resourceID] = ResourceTotal{
			ResourceID: resourceID,
			MaxDate:    maxDate.Time(),
			TotalCost:  totalCost,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: resource totals failed: %w", err)
	}
	return totals, nil
}

// MaxDate returns the latest ledgered date for the account, or ok=false if
// the account has no ledger rows.
func (s *LedgerStore) MaxDate(ctx context.Context, cloudAccountID string) (time.Time, bool, error) {
	row := s.db.WithContext(ctx).Model(&model.Expense{}).
		Select("MAX(date) AS max_date").
		Where("cloud_account_id = ?", cloudAccountID).
		Row()
	var maxDate scanTime
	if err := row.Scan(&maxDate); err != nil {
		return time.Time{}, false, fmt.Errorf("store: ledger max date failed: %w", err)
	}
	if maxDate.Time().IsZero() {
		return time.Time{}, false, nil
	}
	return maxDate.Time(), true, nil
}
