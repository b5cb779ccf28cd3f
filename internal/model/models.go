// Package model defines the GORM models shared by the expense pipeline:
// cloud accounts, raw billing records, canonical resources and the
// append-only signed expense ledgers.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMap stores an arbitrary provider record as a JSON column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("model: marshal json map: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("model: cannot scan %T into JSONMap", value)
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// CloudAccount holds per-account import configuration and bookkeeping.
// Import timestamps are unix seconds; zero means "never imported".
type CloudAccount struct {
	ID                     string    `gorm:"primaryKey;size:36" json:"id"`
	Name                   string    `json:"name"`
	Type                   string    `gorm:"not null;index" json:"type"` // aws_cnr, azure_cnr, alibaba_cnr
	SkipRefunds            bool      `gorm:"default:false" json:"skip_refunds"`
	LastImportAt           int64     `gorm:"default:0" json:"last_import_at"`
	LastImportAttemptAt    int64     `gorm:"default:0" json:"last_import_attempt_at"`
	LastImportAttemptError string    `json:"last_import_attempt_error,omitempty"`
	CreatedAt              time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CloudAccount) TableName() string { return "cloud_accounts" }

// RawExpense is one normalized provider billing line item. Identity is
// (cloud_account_id, resource_id, start_date, item_key) where item_key is a
// hash of the provider's stable billing-item attributes; re-importing the
// same item for the same day upserts in place.
type RawExpense struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CloudAccountID string    `gorm:"not null;size:36;uniqueIndex:idx_raw_identity,priority:1;index:idx_raw_account_date" json:"cloud_account_id"`
	ResourceID     string    `gorm:"not null;uniqueIndex:idx_raw_identity,priority:2" json:"resource_id"`
	StartDate      time.Time `gorm:"not null;uniqueIndex:idx_raw_identity,priority:3;index:idx_raw_account_date" json:"start_date"`
	ItemKey        string    `gorm:"not null;size:64;uniqueIndex:idx_raw_identity,priority:4" json:"item_key"`
	EndDate        time.Time `gorm:"not null" json:"end_date"`
	Cost           float64   `gorm:"not null;default:0" json:"cost"`
	Usage          float64   `gorm:"not null;default:0" json:"usage"`
	BillingItem    string    `json:"billing_item,omitempty"`
	ProductCode    string    `json:"product_code,omitempty"`
	Fields         JSONMap   `gorm:"type:text" json:"fields"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (RawExpense) TableName() string { return "raw_expenses" }

// Resource is a canonical cloud resource, created lazily the first time a
// raw expense references it. TotalCost and the last-expense pair are
// denormalized from the ledger for fast lookup.
type Resource struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	CloudAccountID  string    `gorm:"not null;size:36;uniqueIndex:idx_resource_identity,priority:1" json:"cloud_account_id"`
	CloudResourceID string    `gorm:"not null;uniqueIndex:idx_resource_identity,priority:2" json:"cloud_resource_id"`
	Type            string    `json:"type,omitempty"`
	Name            string    `json:"name,omitempty"`
	Region          string    `json:"region,omitempty"`
	ServiceName     string    `json:"service_name,omitempty"`
	Tags            JSONMap   `gorm:"type:text" json:"tags"`
	FirstSeen       int64     `gorm:"default:0" json:"first_seen"`
	LastSeen        int64     `gorm:"default:0" json:"last_seen"`
	TotalCost       float64   `gorm:"not null;default:0" json:"total_cost"`
	LastExpenseDate int64     `gorm:"default:0" json:"last_expense_date"`
	LastExpenseCost float64   `gorm:"not null;default:0" json:"last_expense_cost"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Resource) TableName() string { return "resources" }

// Expense is one signed ledger row. The ledger is insert-only: the
// effective cost of a (resource, date) cell is SUM(cost*sign) over its
// rows, and convergence to a new value is achieved by appending a -old row
// and a +new row, never by updating in place.
type Expense struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CloudAccountID string    `gorm:"not null;size:36;index:idx_expense_account_date" json:"cloud_account_id"`
	ResourceID     string    `gorm:"not null;size:36;index:idx_expense_resource" json:"resource_id"`
	Date           time.Time `gorm:"not null;index:idx_expense_account_date" json:"date"`
	Cost           float64   `gorm:"not null" json:"cost"`
	Sign           int       `gorm:"not null" json:"sign"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Expense) TableName() string { return "expenses" }

// TrafficExpense is a signed ledger row for inter-region network transfer,
// keyed additionally by source and destination region and carrying a usage
// quantity alongside cost.
type TrafficExpense struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CloudAccountID string    `gorm:"not null;size:36;index:idx_traffic_account_date" json:"cloud_account_id"`
	ResourceID     string    `gorm:"not null;index" json:"resource_id"`
	Date           time.Time `gorm:"not null;index:idx_traffic_account_date" json:"date"`
	FromRegion     string    `gorm:"not null" json:"from_region"`
	ToRegion       string    `gorm:"not null" json:"to_region"`
	Cost           float64   `gorm:"not null" json:"cost"`
	Usage          float64   `gorm:"not null" json:"usage"`
	Sign           int       `gorm:"not null" json:"sign"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (TrafficExpense) TableName() string { return "traffic_expenses" }

// All returns every model for migration.
func All() []any {
	return []any{
		&CloudAccount{},
		&RawExpense{},
		&Resource{},
		&Expense{},
		&TrafficExpense{},
	}
}
