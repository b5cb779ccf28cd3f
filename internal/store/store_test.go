package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

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

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestRawStoreUpsertInPlace(t *testing.T) {
	db := newTestDB(t)
	s := NewRawStore(db)
	ctx := context.Background()

	rec := model.RawExpense{
		CloudAccountID: "acc-1",
		ResourceID:     "i-1",
		StartDate:      day(2024, 5, 10),
		EndDate:        day(2024, 5, 11),
		ItemKey:        "k1",
		Cost:           1.5,
		Usage:          24,
		BillingItem:    "Size",
		ProductCode:    "ecs",
		Fields:         model.JSONMap{"PretaxGrossAmount": "1.5"},
	}
	require.NoError(t, s.Upsert(ctx, []model.RawExpense{rec}))

	// Same identity, new mutable values.
	rec.Cost = 2.25
	rec.Usage = 30
	rec.ProductCode = "changed" // immutable, must keep first-insert value
	require.NoError(t, s.Upsert(ctx, []model.RawExpense{rec}))

	var got []model.RawExpense
	require.NoError(t, db.Find(&got).Error)
	require.Len(t, got, 1)
	assert.Equal(t, 2.25, got[0].Cost)
	assert.Equal(t, 30.0, got[0].Usage)
	assert.Equal(t, "ecs", got[0].ProductCode)
}

func TestRawStoreDistinctAndFetch(t *testing.T) {
	db := newTestDB(t)
	s := NewRawStore(db)
	ctx := context.Background()

	records := []model.RawExpense{
		{CloudAccountID: "acc-1", ResourceID: "i-1", StartDate: day(2024, 5, 1), EndDate: day(2024, 5, 2), ItemKey: "a", Cost: 1},
		{CloudAccountID: "acc-1", ResourceID: "i-1", StartDate: day(2024, 5, 2), EndDate: day(2024, 5, 3), ItemKey: "a", Cost: 2},
		{CloudAccountID: "acc-1", ResourceID: "i-2", StartDate: day(2024, 4, 1), EndDate: day(2024, 4, 2), ItemKey: "a", Cost: 3},
		{CloudAccountID: "acc-2", ResourceID: "i-3", StartDate: day(2024, 5, 1), EndDate: day(2024, 5, 2), ItemKey: "a", Cost: 4},
	}
	require.NoError(t, s.Upsert(ctx, records))

	ids, err := s.DistinctResourceIDs(ctx, "acc-1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"i-1", "i-2"}, ids)

	ids, err = s.DistinctResourceIDs(ctx, "acc-1", day(2024, 5, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"i-1"}, ids)

	got, err := s.ForResources(ctx, "acc-1", time.Time{}, []string{"i-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].StartDate.Before(got[1].StartDate))
}

func TestRawStoreDeleteFrom(t *testing.T) {
	db := newTestDB(t)
	s := NewRawStore(db)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []model.RawExpense{
		{CloudAccountID: "acc-1", ResourceID: "i-1", StartDate: day(2024, 3, 1), EndDate: day(2024, 3, 2), ItemKey: "a"},
		{CloudAccountID: "acc-1", ResourceID: "i-1", StartDate: day(2024, 4, 1), EndDate: day(2024, 4, 2), ItemKey: "a"},
		{CloudAccountID: "acc-2", ResourceID: "i-2", StartDate: day(2024, 4, 1), EndDate: day(2024, 4, 2), ItemKey: "a"},
	}))

	deleted, err := s.DeleteFrom(ctx, "acc-1", day(2024, 4, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	ids, err := s.DistinctResourceIDs(ctx, "acc-1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"i-1"}, ids)
}

func TestRawStoreInRangesIsExplicitOr(t *testing.T) {
	db := newTestDB(t)
	s := NewRawStore(db)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []model.RawExpense{
		{CloudAccountID: "acc-1", ResourceID: "i-1", StartDate: day(2024, 5, 1), EndDate: day(2024, 5, 2), ItemKey: "a", Cost: 1},
		{CloudAccountID: "acc-1", ResourceID: "i-2", StartDate: day(2024, 5, 5), EndDate: day(2024, 5, 6), ItemKey: "a", Cost: 2}, // in the gap
		{CloudAccountID: "acc-1", ResourceID: "i-3", StartDate: day(2024, 5, 10), EndDate: day(2024, 5, 11), ItemKey: "a", Cost: 3},
		{CloudAccountID: "acc-1", ResourceID: "i-4", StartDate: day(2024, 5, 10), EndDate: day(2024, 5, 11), ItemKey: "a", Cost: 0}, // zero cost
	}))

	got, err := s.InRanges(ctx, "acc-1", []DateRange{
		{Start: day(2024, 5, 1), End: day(2024, 5, 2)},
		{Start: day(2024, 5, 9), End: day(2024, 5, 11)},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "i-1", got[0].ResourceID)
	assert.Equal(t, "i-3", got[1].ResourceID)
}

func TestLedgerStoreAggregates(t *testing.T) {
	db := newTestDB(t)
	s := NewLedgerStore(db)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, []model.Expense{
		{CloudAccountID: "acc-1", ResourceID: "r-1", Date: day(2024, 5, 1), Cost: 10, Sign: 1},
		{CloudAccountID: "acc-1", ResourceID: "r-1", Date: day(2024, 5, 1), Cost: 10, Sign: -1},
		{CloudAccountID: "acc-1", ResourceID: "r-1", Date: day(2024, 5, 1), Cost: 12, Sign: 1},
		{CloudAccountID: "acc-1", ResourceID: "r-1", Date: day(2024, 5, 2), Cost: 3, Sign: 1},
		{CloudAccountID: "acc-1", ResourceID: "r-2", Date: day(2024, 4, 30), Cost: 7, Sign: 1},
		{CloudAccountID: "acc-2", ResourceID: "r-3", Date: day(2024, 6, 1), Cost: 99, Sign: 1},
	}))

	rows, err := s.Query(ctx, "acc-1", day(2024, 5, 1), day(2024, 5, 2), []string{"r-1"})
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	totals, err := s.ResourceTotals(ctx, "acc-1", []string{"r-1", "r-2"})
	require.NoError(t, err)
	assert.InDelta(t, 15.0, totals["r-1"].TotalCost, 1e-9)
	assert.Equal(t, day(2024, 5, 2), totals["r-1"].MaxDate)
	assert.InDelta(t, 7.0, totals["r-2"].TotalCost, 1e-9)

	maxDate, ok, err := s.MaxDate(ctx, "acc-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, day(2024, 5, 2), maxDate)

	_, ok, err = s.MaxDate(ctx, "acc-none")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTrafficLedgerEffectiveInRanges(t *testing.T) {
	db := newTestDB(t)
	s := NewTrafficLedgerStore(db)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, []model.TrafficExpense{
		{CloudAccountID: "acc-1", ResourceID: "r-1", Date: day(2024, 5, 1), FromRegion: "eu", ToRegion: "us", Cost: 5, Usage: 100, Sign: 1},
		{CloudAccountID: "acc-1", ResourceID: "r-1", Date: day(2024, 5, 1), FromRegion: "eu", ToRegion: "us", Cost: 5, Usage: 100, Sign: -1},
		{CloudAccountID: "acc-1", ResourceID: "r-1", Date: day(2024, 5, 1), FromRegion: "eu", ToRegion: "us", Cost: 6, Usage: 120, Sign: 1},
		{CloudAccountID: "acc-1", ResourceID: "r-1", Date: day(2024, 5, 5), FromRegion: "eu", ToRegion: "us", Cost: 1, Usage: 10, Sign: 1}, // in the gap
	}))

	effective, err := s.EffectiveInRanges(ctx, "acc-1", []DateRange{
		{Start: day(2024, 5, 1), End: day(2024, 5, 2)},
		{Start: day(2024, 5, 8), End: day(2024, 5, 9)},
	})
	require.NoError(t, err)
	require.Len(t, effective, 1)
	key := TrafficKey{ResourceID: "r-1", Date: day(2024, 5, 1), FromRegion: "eu", ToRegion: "us"}
	assert.InDelta(t, 6.0, effective[key].Cost, 1e-9)
	assert.InDelta(t, 120.0, effective[key].Usage, 1e-9)
}
