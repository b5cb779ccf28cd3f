// Package registry resolves provider-native resource identifiers into
// canonical resource entities, creating missing ones on first sight.
package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"cloudledger/internal/model"
)

// ResourceInput describes one resource as inferred from its raw expenses.
type ResourceInput struct {
	CloudResourceID string
	Type            string
	Name            string
	Region          string
	ServiceName     string
	Tags            model.JSONMap
	FirstSeen       int64
	LastSeen        int64
}

// Registry is the resource registry service.
type Registry struct {
	db *gorm.DB
}

// NewRegistry creates a Registry backed by the given database.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// CreateIfNotExist ensures a canonical resource exists for every input and
// returns the resolved entities keyed by cloud resource id. Existing
// resources are left untouched (skip-existing behavior), so the call is
// idempotent.
func (r *Registry) CreateIfNotExist(ctx context.Context, cloudAccountID string, inputs []ResourceInput) (map[string]model.Resource, error) {
	if len(inputs) == 0 {
		return map[string]model.Resource{}, nil
	}
	resources := make([]model.Resource, 0, len(inputs))
	cloudIDs := make([]string, 0, len(inputs))
	for _, in := range inputs {
		resources = append(resources, model.Resource{
			ID:              uuid.NewString(),
			CloudAccountID:  cloudAccountID,
			CloudResourceID: in.CloudResourceID,
			Type:            in.Type,
			Name:            in.Name,
			Region:          in.Region,
			ServiceName:     in.ServiceName,
			Tags:            in.Tags,
			FirstSeen:       in.FirstSeen,
			LastSeen:        in.LastSeen,
		})
		cloudIDs = append(cloudIDs, in.CloudResourceID)
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "cloud_account_id"},
			{Name: "cloud_resource_id"},
		},
		DoNothing: true,
	}).Create(&resources).Error
	if err != nil {
		return nil, fmt.Errorf("registry: bulk create failed: %w", err)
	}

	var resolved []model.Resource
	err = r.db.WithContext(ctx).
		Where("cloud_account_id = ? AND cloud_resource_id IN ?", cloudAccountID, cloudIDs).
		Find(&resolved).Error
	if err != nil {
		return nil, fmt.Errorf("registry: resolve failed: %w", err)
	}
	out := make(map[string]model.Resource, len(resolved))
	for _, res := range resolved {
		out[res.CloudResourceID] = res
	}
	return out, nil
}

// SeenUpdate widens first_seen/last_seen on an existing resource when newly
// imported expenses extend its observed lifetime.
func (r *Registry) SeenUpdate(ctx context.Context, resourceID string, firstSeen, lastSeen int64) error {
	updates := map[string]any{}
	var res model.Resource
	if err := r.db.WithContext(ctx).First(&res, "id = ?", resourceID).Error; err != nil {
		return fmt.Errorf("registry: resource lookup failed: %w", err)
	}
	if firstSeen > 0 && (res.FirstSeen == 0 || firstSeen < res.FirstSeen) {
		updates["first_seen"] = firstSeen
	}
	if lastSeen > res.LastSeen {
		updates["last_seen"] = lastSeen
	}
	if len(updates) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Model(&model.Resource{}).Where("id = ?", resourceID).Updates(updates).Error; err != nil {
		return fmt.Errorf("registry: seen update failed: %w", err)
	}
	return nil
}

// ExpenseInfo is the denormalized summary written back onto a resource.
type ExpenseInfo struct {
	TotalCost       float64
	LastExpenseDate int64
	LastExpenseCost float64
	UpdateLast      bool
}

// UpdateExpenseInfo writes denormalized expense summaries onto resources.
func (r *Registry) UpdateExpenseInfo(ctx context.Context, cloudAccountID string, info map[string]ExpenseInfo) error {
	for resourceID, in := range info {
		updates := map[string]any{"total_cost": in.TotalCost}
		if in.UpdateLast {
			updates["last_expense_date"] = in.LastExpenseDate
			updates["last_expense_cost"] = in.LastExpenseCost
		}
		err := r.db.WithContext(ctx).Model(&model.Resource{}).
			Where("cloud_account_id = ? AND id = ?", cloudAccountID, resourceID).
			Updates(updates).Error
		if err != nil {
			return fmt.Errorf("registry: expense info update failed: %w", err)
		}
	}
	return nil
}
