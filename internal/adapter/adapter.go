// Package adapter defines the fixed contract this pipeline consumes from
// per-vendor cloud clients. Implementations live outside this module; tests
// use in-memory doubles.
package adapter

import (
	"context"
	"time"

	"cloudledger/internal/model"
)

// Usage metric types understood by RawUsage.
const (
	MetricDisk     = "YunDisk"
	MetricSnapshot = "EcsSnapshot"
)

// Usage granularities understood by RawUsage.
const (
	GranularityDay  = "Day"
	GranularityHour = "Hour"
)

// RegionInfo describes one provider region.
type RegionInfo struct {
	Name      string
	Alias     string
	Latitude  float64
	Longitude float64
}

// Adapter is the per-vendor billing client contract. All methods may be
// called repeatedly for overlapping windows; results are treated as
// non-idempotent upstream data and merged downstream.
type Adapter interface {
	// BillingItems returns the raw billing line items for one day.
	BillingItems(ctx context.Context, day time.Time) ([]model.JSONMap, error)
	// RawUsage returns ancillary usage records for a metric type over
	// [start, end) at the given granularity.
	RawUsage(ctx context.Context, metricType, granularity string, start, end time.Time) ([]model.JSONMap, error)
	// RoundDownDiscounts returns per-resource round-down discount costs
	// for a fully elapsed billing month.
	RoundDownDiscounts(ctx context.Context, month time.Time) (map[string]float64, error)
	// RegionCoordinates returns the provider's region catalog keyed by
	// region id.
	RegionCoordinates(ctx context.Context) (map[string]RegionInfo, error)
}
