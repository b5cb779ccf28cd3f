package traffic

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

	"cloudledger/internal/account"
	"cloudledger/internal/adapter"
	"cloudledger/internal/model"
	"cloudledger/internal/store"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// regionAdapter serves a fixed region catalog; billing methods are unused
// by the processor.
type regionAdapter struct {
	regions map[string]adapter.RegionInfo
}

func (r *regionAdapter) BillingItems(context.Context, time.Time) ([]model.JSONMap, error) {
	return nil, nil
}

func (r *regionAdapter) RawUsage(context.Context, string, string, time.Time, time.Time) ([]model.JSONMap, error) {
	return nil, nil
}

func (r *regionAdapter) RoundDownDiscounts(context.Context, time.Time) (map[string]float64, error) {
	return nil, nil
}

func (r *regionAdapter) RegionCoordinates(context.Context) (map[string]adapter.RegionInfo, error) {
	return r.regions, nil
}

type procEnv struct {
	db        *gorm.DB
	processor *Processor
	ledger    *store.TrafficLedgerStore
}

func newProcEnv(t *testing.T, accounts ...model.CloudAccount) *procEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.All()...))
	for i := range accounts {
		require.NoError(t, db.Create(&accounts[i]).Error)
	}
	cloud := &regionAdapter{regions: map[string]adapter.RegionInfo{
		"eu-west-1": {Name: "EU (Ireland)", Alias: "Ireland"},
		"us-east-1": {Name: "US East (N. Virginia)"},
	}}
	ledger := store.NewTrafficLedgerStore(db)
	return &procEnv{
		db:     db,
		ledger: ledger,
		processor: NewProcessor(
			account.NewService(db),
			store.NewRawStore(db),
			ledger,
			func(*model.CloudAccount) (adapter.Adapter, error) { return cloud, nil },
		),
	}
}

func (env *procEnv) seedRaw(t *testing.T, d time.Time, resourceID, itemKey string, cost float64, fields model.JSONMap) {
	t.Helper()
	require.NoError(t, env.db.Create(&model.RawExpense{
		CloudAccountID: "acc-1",
		ResourceID:     resourceID,
		StartDate:      d,
		EndDate:        d.AddDate(0, 0, 1),
		ItemKey:        itemKey,
		Cost:           cost,
		Fields:         fields,
	}).Error)
}

func networkOut(region, usage string) model.JSONMap {
	return model.JSONMap{
		"BillingItemCode": "NetworkOut",
		"Region":          region,
		"Usage":           usage,
	}
}

func countTrafficRows(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.TrafficExpense{}).Count(&n).Error)
	return n
}

func TestTaskValidate(t *testing.T) {
	t.Parallel()

	valid := Task{StartDate: day(2024, 5, 10), EndDate: day(2024, 5, 14)}
	assert.NoError(t, valid.Validate())
	assert.Error(t, Task{EndDate: day(2024, 5, 14)}.Validate())
	assert.Error(t, Task{StartDate: day(2024, 5, 10)}.Validate())
	assert.Error(t, Task{StartDate: day(2024, 5, 14), EndDate: day(2024, 5, 10)}.Validate())
}

func TestExtractors(t *testing.T) {
	t.Parallel()

	t.Run("aws data transfer", func(t *testing.T) {
		t.Parallel()
		ex := extractors["aws_cnr"]

		fields := model.JSONMap{
			"product/servicecode":    "AWSDataTransfer",
			"pricing/term":           "OnDemand",
			"product/fromRegionCode": "us-east-1",
			"product/toRegionCode":   "eu-west-1",
			"lineItem/UsageAmount":   "12.5",
		}
		require.True(t, ex.match(fields))
		from, to, usage := ex.extract(fields)
		assert.Equal(t, "us-east-1", from)
		assert.Equal(t, "eu-west-1", to)
		assert.Equal(t, 12.5, usage)

		// Location names are the fallback when region codes are absent.
		from, to, _ = ex.extract(model.JSONMap{
			"product/fromLocation": "US East (N. Virginia)",
		})
		assert.Equal(t, "US East (N. Virginia)", from)
		assert.Equal(t, "Unknown", to)

		assert.False(t, ex.match(model.JSONMap{
			"product/servicecode": "AWSDataTransfer",
			"pricing/term":        "Reserved",
		}))
	})

	t.Run("azure bandwidth", func(t *testing.T) {
		t.Parallel()
		ex := extractors["azure_cnr"]

		fields := model.JSONMap{
			"resource_location": "westeurope",
			"meter_details": model.JSONMap{
				"meter_category": "Bandwidth",
				"meter_location": "EU West",
			},
			"usage_quantity": 3.5,
		}
		require.True(t, ex.match(fields))
		from, to, usage := ex.extract(fields)
		assert.Equal(t, "westeurope", from)
		assert.Equal(t, "EU West", to)
		assert.Equal(t, 3.5, usage)

		// "Zone 1" is Azure's wording for internet egress.
		from, to, _ = ex.extract(model.JSONMap{
			"resource_location": "westeurope",
			"meter_details":     model.JSONMap{"meter_location": "Zone 1"},
		})
		assert.Equal(t, "External", to)
		assert.Equal(t, "westeurope", from)

		assert.False(t, ex.match(model.JSONMap{
			"meter_details": model.JSONMap{"meter_category": "Storage"},
		}))
	})

	t.Run("alibaba network out", func(t *testing.T) {
		t.Parallel()
		ex := extractors["alibaba_cnr"]

		require.True(t, ex.match(model.JSONMap{"BillingItemCode": "NetworkOut"}))
		assert.False(t, ex.match(model.JSONMap{"BillingItemCode": "NetworkIn"}))

		from, to, usage := ex.extract(model.JSONMap{
			"Zone":   "eu-west-1a",
			"Region": "eu-west-1",
			"Usage":  "7",
		})
		assert.Equal(t, "eu-west-1a", from)
		assert.Equal(t, "External", to)
		assert.Equal(t, 7.0, usage)

		// A bound internet IP means the destination cannot be classified.
		_, to, _ = ex.extract(model.JSONMap{
			"Region":     "eu-west-1",
			"InternetIP": "1.2.3.4",
		})
		assert.Equal(t, "Unknown", to)
	})
}

// Full pass over sqlite-backed stores: extraction, region alias resolution,
// aggregation across split raw rows, idempotent rerun and signed-row
// convergence after a restatement.
func TestProcessConvergesTrafficLedger(t *testing.T) {
	env := newProcEnv(t, model.CloudAccount{ID: "acc-1", Type: "alibaba_cnr"})
	ctx := context.Background()
	tasks := []Task{{StartDate: day(2024, 5, 14), EndDate: day(2024, 5, 14)}}

	// Two raw rows collapse into one traffic cell; the alias resolves to
	// the canonical region id.
	env.seedRaw(t, day(2024, 5, 14), "i-1", "k1", 1.0, networkOut("Ireland", "5"))
	env.seedRaw(t, day(2024, 5, 14), "i-1", "k2", 0.5, networkOut("Ireland", "3"))
	// Non-traffic and zero-cost rows are ignored.
	env.seedRaw(t, day(2024, 5, 14), "i-1", "k3", 2.0, model.JSONMap{"BillingItemCode": "DiskUsage"})
	env.seedRaw(t, day(2024, 5, 14), "i-1", "k4", 0.0, networkOut("Ireland", "100"))
	// Outside the task range.
	env.seedRaw(t, day(2024, 5, 13), "i-1", "k5", 9.0, networkOut("Ireland", "1"))

	require.NoError(t, env.processor.Process(ctx, "acc-1", tasks))
	assert.Equal(t, int64(1), countTrafficRows(t, env.db))

	effective, err := env.ledger.EffectiveInRanges(ctx, "acc-1",
		[]store.DateRange{{Start: day(2024, 5, 14), End: day(2024, 5, 14)}})
	require.NoError(t, err)
	key := store.TrafficKey{
		ResourceID: "i-1",
		Date:       day(2024, 5, 14),
		FromRegion: "eu-west-1",
		ToRegion:   "External",
	}
	require.Contains(t, effective, key)
	assert.InDelta(t, 1.5, effective[key].Cost, 1e-9)
	assert.InDelta(t, 8.0, effective[key].Usage, 1e-9)

	// Rerunning over unchanged data writes nothing.
	require.NoError(t, env.processor.Process(ctx, "acc-1", tasks))
	assert.Equal(t, int64(1), countTrafficRows(t, env.db))

	// A restated raw cost yields one cancelling and one replacement row.
	require.NoError(t, env.db.Model(&model.RawExpense{}).
		Where("item_key = ?", "k1").
		Update("cost", 2.0).Error)
	require.NoError(t, env.processor.Process(ctx, "acc-1", tasks))
	assert.Equal(t, int64(3), countTrafficRows(t, env.db))

	effective, err = env.ledger.EffectiveInRanges(ctx, "acc-1",
		[]store.DateRange{{Start: day(2024, 5, 14), End: day(2024, 5, 14)}})
	require.NoError(t, err)
	assert.InDelta(t, 2.5, effective[key].Cost, 1e-9)
	assert.InDelta(t, 8.0, effective[key].Usage, 1e-9)
}

// Two disjoint task ranges must not touch the ledgered day in the gap
// between them.
func TestProcessDisjointRangesLeaveGapUntouched(t *testing.T) {
	env := newProcEnv(t, model.CloudAccount{ID: "acc-1", Type: "alibaba_cnr"})
	ctx := context.Background()

	for _, d := range []time.Time{day(2024, 5, 10), day(2024, 5, 12), day(2024, 5, 14)} {
		env.seedRaw(t, d, "i-1", d.Format("2006-01-02"), 1.0, networkOut("Ireland", "1"))
	}
	all := []Task{{StartDate: day(2024, 5, 10), EndDate: day(2024, 5, 14)}}
	require.NoError(t, env.processor.Process(ctx, "acc-1", all))
	require.Equal(t, int64(3), countTrafficRows(t, env.db))

	// Restate every day, then reprocess only the edges.
	require.NoError(t, env.db.Model(&model.RawExpense{}).
		Where("cloud_account_id = ?", "acc-1").
		Update("cost", 5.0).Error)
	edges := []Task{
		{StartDate: day(2024, 5, 10), EndDate: day(2024, 5, 10)},
		{StartDate: day(2024, 5, 14), EndDate: day(2024, 5, 14)},
	}
	require.NoError(t, env.processor.Process(ctx, "acc-1", edges))

	effective, err := env.ledger.EffectiveInRanges(ctx, "acc-1",
		[]store.DateRange{{Start: day(2024, 5, 10), End: day(2024, 5, 14)}})
	require.NoError(t, err)
	cost := func(d time.Time) float64 {
		return effective[store.TrafficKey{
			ResourceID: "i-1",
			Date:       d,
			FromRegion: "eu-west-1",
			ToRegion:   "External",
		}].Cost
	}
	assert.InDelta(t, 5.0, cost(day(2024, 5, 10)), 1e-9)
	assert.InDelta(t, 1.0, cost(day(2024, 5, 12)), 1e-9) // gap day untouched
	assert.InDelta(t, 5.0, cost(day(2024, 5, 14)), 1e-9)
}

func TestProcessEdgeCases(t *testing.T) {
	ctx := context.Background()
	tasks := []Task{{StartDate: day(2024, 5, 14), EndDate: day(2024, 5, 14)}}

	t.Run("missing account is a no-op", func(t *testing.T) {
		env := newProcEnv(t)
		require.NoError(t, env.processor.Process(ctx, "ghost", tasks))
		assert.Equal(t, int64(0), countTrafficRows(t, env.db))
	})

	t.Run("unsupported account type is a no-op", func(t *testing.T) {
		env := newProcEnv(t, model.CloudAccount{ID: "acc-1", Type: "environment"})
		env.seedRaw(t, day(2024, 5, 14), "i-1", "k1", 1.0, networkOut("Ireland", "5"))
		require.NoError(t, env.processor.Process(ctx, "acc-1", tasks))
		assert.Equal(t, int64(0), countTrafficRows(t, env.db))
	})

	t.Run("no tasks is a no-op", func(t *testing.T) {
		env := newProcEnv(t, model.CloudAccount{ID: "acc-1", Type: "alibaba_cnr"})
		require.NoError(t, env.processor.Process(ctx, "acc-1", nil))
	})

	t.Run("missing account id is rejected", func(t *testing.T) {
		env := newProcEnv(t)
		assert.Error(t, env.processor.Process(ctx, "", tasks))
	})

	t.Run("invalid task is rejected", func(t *testing.T) {
		env := newProcEnv(t, model.CloudAccount{ID: "acc-1", Type: "alibaba_cnr"})
		assert.Error(t, env.processor.Process(ctx, "acc-1", []Task{{}}))
	})
}
