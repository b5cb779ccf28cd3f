package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"cloudledger/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.All()...))
	return db
}

func TestCreateIfNotExistSkipsExisting(t *testing.T) {
	db := newTestDB(t)
	r := NewRegistry(db)
	ctx := context.Background()

	first, err := r.CreateIfNotExist(ctx, "acc-1", []ResourceInput{
		{CloudResourceID: "i-1", Type: "Instance", Name: "vm1", Region: "eu-west-1", FirstSeen: 100, LastSeen: 200},
	})
	require.NoError(t, err)
	require.Len(t, first, 1)
	created := first["i-1"]
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Instance", created.Type)

	// Re-resolving with different metadata must not overwrite the
	// existing entity and must return the same internal id.
	second, err := r.CreateIfNotExist(ctx, "acc-1", []ResourceInput{
		{CloudResourceID: "i-1", Type: "Volume", Name: "other", FirstSeen: 100, LastSeen: 200},
		{CloudResourceID: "i-2", Type: "Volume", FirstSeen: 150, LastSeen: 250},
	})
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, created.ID, second["i-1"].ID)
	assert.Equal(t, "Instance", second["i-1"].Type)
	assert.Equal(t, "Volume", second["i-2"].Type)
}

func TestSeenUpdateWidensLifetime(t *testing.T) {
	db := newTestDB(t)
	r := NewRegistry(db)
	ctx := context.Background()

	resolved, err := r.CreateIfNotExist(ctx, "acc-1", []ResourceInput{
		{CloudResourceID: "i-1", FirstSeen: 100, LastSeen: 200},
	})
	require.NoError(t, err)
	id := resolved["i-1"].ID

	require.NoError(t, r.SeenUpdate(ctx, id, 50, 300))

	var res model.Resource
	require.NoError(t, db.First(&res, "id = ?", id).Error)
	assert.Equal(t, int64(50), res.FirstSeen)
	assert.Equal(t, int64(300), res.LastSeen)

	// Narrower bounds are ignored.
	require.NoError(t, r.SeenUpdate(ctx, id, 80, 250))
	require.NoError(t, db.First(&res, "id = ?", id).Error)
	assert.Equal(t, int64(50), res.FirstSeen)
	assert.Equal(t, int64(300), res.LastSeen)
}

func TestUpdateExpenseInfo(t *testing.T) {
	db := newTestDB(t)
	r := NewRegistry(db)
	ctx := context.Background()

	resolved, err := r.CreateIfNotExist(ctx, "acc-1", []ResourceInput{
		{CloudResourceID: "i-1"},
		{CloudResourceID: "i-2"},
	})
	require.NoError(t, err)

	err = r.UpdateExpenseInfo(ctx, "acc-1", map[string]ExpenseInfo{
		resolved["i-1"].ID: {TotalCost: 42.5, UpdateLast: true, LastExpenseDate: 1700000000, LastExpenseCost: 1.5},
		resolved["i-2"].ID: {TotalCost: 7},
	})
	require.NoError(t, err)

	var res model.Resource
	require.NoError(t, db.First(&res, "id = ?", resolved["i-1"].ID).Error)
	assert.Equal(t, 42.5, res.TotalCost)
	assert.Equal(t, int64(1700000000), res.LastExpenseDate)
	assert.Equal(t, 1.5, res.LastExpenseCost)

	res = model.Resource{}
	require.NoError(t, db.First(&res, "id = ?", resolved["i-2"].ID).Error)
	assert.Equal(t, 7.0, res.TotalCost)
	assert.Equal(t, int64(0), res.LastExpenseDate)
}
