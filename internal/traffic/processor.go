// Package traffic extracts inter-region network transfer records from raw
// expenses and reconciles them into the traffic ledger.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"cloudledger/internal/account"
	"cloudledger/internal/adapter"
	"cloudledger/internal/logging"
	"cloudledger/internal/metrics"
	"cloudledger/internal/model"
	"cloudledger/internal/store"
)

// insertChunkSize bounds one traffic ledger insert.
const insertChunkSize = 10000

// Task is one bounded, independently idempotent processing range.
type Task struct {
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// Validate fails fast on contract violations before any side effect.
func (t Task) Validate() error {
	if t.StartDate.IsZero() {
		return errors.New("traffic: task start_date is required")
	}
	if t.EndDate.IsZero() {
		return errors.New("traffic: task end_date is required")
	}
	if t.EndDate.Before(t.StartDate) {
		return fmt.Errorf("traffic: task end_date %s precedes start_date %s",
			t.EndDate.Format("2006-01-02"), t.StartDate.Format("2006-01-02"))
	}
	return nil
}

// extractor identifies a provider's traffic line items and pulls the
// transfer endpoints and usage out of them. Both funcs are pure, keeping
// per-provider rules independently testable.
type extractor struct {
	match   func(fields model.JSONMap) bool
	extract func(fields model.JSONMap) (from, to string, usage float64)
}

func nested(fields model.JSONMap, outer, inner string) string {
	var sub map[string]any
	switch v := fields[outer].(type) {
	case map[string]any:
		sub = v
	case model.JSONMap:
		sub = v
	default:
		return ""
	}
	s, _ := sub[inner].(string)
	return s
}

func str(fields model.JSONMap, key string) string {
	s, _ := fields[key].(string)
	return s
}

func num(fields model.JSONMap, key string) float64 {
	switch v := fields[key].(type) {
	case float64:
		return v
	case string:
		var f float64
		fmt.Sscanf(v, "%g", &f)
		return f
	default:
		return 0
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var extractors = map[string]extractor{
	"aws_cnr": {
		match: func(f model.JSONMap) bool {
			return str(f, "product/servicecode") == "AWSDataTransfer" &&
				str(f, "pricing/term") == "OnDemand"
		},
		extract: func(f model.JSONMap) (string, string, float64) {
			from := firstNonEmpty(
				str(f, "product/fromRegionCode"),
				str(f, "product_from_region_code"),
				str(f, "product/fromLocation"),
				"Unknown")
			to := firstNonEmpty(
				str(f, "product/toRegionCode"),
				str(f, "product_to_region_code"),
				str(f, "product/toLocation"),
				"Unknown")
			return from, to, num(f, "lineItem/UsageAmount")
		},
	},
	"azure_cnr": {
		match: func(f model.JSONMap) bool {
			return nested(f, "meter_details", "meter_category") == "Bandwidth"
		},
		extract: func(f model.JSONMap) (string, string, float64) {
			from := firstNonEmpty(str(f, "resource_location"), "Unknown")
			to := firstNonEmpty(
				nested(f, "meter_details", "meter_location"),
				nested(f, "meter_details", "meter_sub_category"))
			if to == "" || to == "Zone 1" {
				to = "External"
			}
			return from, to, num(f, "usage_quantity")
		},
	},
	"alibaba_cnr": {
		match: func(f model.JSONMap) bool {
			return str(f, "BillingItemCode") == "NetworkOut"
		},
		extract: func(f model.JSONMap) (string, string, float64) {
			from := firstNonEmpty(str(f, "Zone"), str(f, "Region"), "Unknown")
			to := "External"
			if str(f, "InternetIP") != "" {
				to = "Unknown"
			}
			return from, to, num(f, "Usage")
		},
	},
}

// AdapterFactory builds a provider adapter for a cloud account.
type AdapterFactory func(acc *model.CloudAccount) (adapter.Adapter, error)

// Processor reconciles traffic expenses for bounded date-range tasks.
type Processor struct {
	accounts    *account.Service
	raw         *store.RawStore
	ledger      *store.TrafficLedgerStore
	adapterFunc AdapterFactory
}

// NewProcessor creates a traffic Processor.
func NewProcessor(accounts *account.Service, raw *store.RawStore, ledger *store.TrafficLedgerStore, adapterFunc AdapterFactory) *Processor {
	return &Processor{accounts: accounts, raw: raw, ledger: ledger, adapterFunc: adapterFunc}
}

// regionNamesMap maps lowercased region names and aliases onto canonical
// region ids.
func regionNamesMap(ctx context.Context, cloud adapter.Adapter) (map[string]string, error) {
	coords, err := cloud.RegionCoordinates(ctx)
	if err != nil {
		return nil, fmt.Errorf("traffic: region catalog: %w", err)
	}
	names := make(map[string]string, 2*len(coords))
	for id, info := range coords {
		for _, v := range []string{info.Name, info.Alias} {
			if v == "" {
				continue
			}
			names[strings.ToLower(v)] = id
		}
	}
	return names, nil
}

// Process scans raw expenses inside the tasks' date ranges for the
// account's traffic line items and converges the traffic ledger with
// signed rows. Each task's existing rows are fetched by an explicit OR of
// its ranges, so disjoint tasks never conflate the gaps between them. An
// account that no longer exists is a no-op.
func (p *Processor) Process(ctx context.Context, cloudAccountID string, tasks []Task) error {
	if cloudAccountID == "" {
		return errors.New("traffic: cloud account id is required")
	}
	ranges := make([]store.DateRange, 0, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return err
		}
		ranges = append(ranges, store.DateRange{Start: t.StartDate, End: t.EndDate})
	}
	if len(ranges) == 0 {
		return nil
	}

	acc, err := p.accounts.Get(ctx, cloudAccountID)
	if errors.Is(err, account.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	ex, supported := extractors[acc.Type]
	if !supported {
		return nil
	}
	cloud, err := p.adapterFunc(acc)
	if err != nil {
		return err
	}
	regions, err := regionNamesMap(ctx, cloud)
	if err != nil {
		return err
	}

	raws, err := p.raw.InRanges(ctx, cloudAccountID, ranges)
	if err != nil {
		return err
	}
	updated := make(map[store.TrafficKey]store.TrafficValue)
	for _, r := range raws {
		if !ex.match(r.Fields) {
			continue
		}
		from, to, usage := ex.extract(r.Fields)
		if id, found := regions[strings.ToLower(from)]; found {
			from = id
		}
		if id, found := regions[strings.ToLower(to)]; found {
			to = id
		}
		resourceID := r.ResourceID
		if resourceID == "" {
			resourceID = "Unknown"
		}
		key := store.TrafficKey{
			ResourceID: resourceID,
			Date:       dayStart(r.StartDate),
			FromRegion: from,
			ToRegion:   to,
		}
		v := updated[key]
		v.Cost += r.Cost
		v.Usage += usage
		updated[key] = v
	}

	existing, err := p.ledger.EffectiveInRanges(ctx, cloudAccountID, ranges)
	if err != nil {
		return err
	}
	// Cells already converged need nothing; cells with a stale value get a
	// cancelling row; ledgered cells absent from the new data stay as is.
	collapse := make(map[store.TrafficKey]store.TrafficValue)
	for key, old := range existing {
		cur, found := updated[key]
		if !found {
			continue
		}
		if cur == old {
			delete(updated, key)
			continue
		}
		collapse[key] = old
	}

	keys := make([]store.TrafficKey, 0, len(updated))
	for key := range updated {
		keys = append(keys, key)
	}
	inserted := 0
	for i := 0; i < len(keys); i += insertChunkSize {
		end := i + insertChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		var chunk []model.TrafficExpense
		collapsed := 0
		for _, key := range keys[i:end] {
			if old, found := collapse[key]; found {
				chunk = append(chunk, trafficRow(cloudAccountID, key, old, -1))
				collapsed++
			}
			chunk = append(chunk, trafficRow(cloudAccountID, key, updated[key], 1))
		}
		if len(chunk) == 0 {
			continue
		}
		if err := p.ledger.Insert(ctx, chunk); err != nil {
			return err
		}
		inserted += len(chunk)
		logging.L().Info("inserted traffic expenses",
			zap.String("cloud_account_id", cloudAccountID),
			zap.Int("rows", len(chunk)),
			zap.Int("collapsed", collapsed))
	}
	m := metrics.Get()
	m.TrafficTasksProcessed.Add(float64(len(tasks)))
	m.TrafficRowsWritten.Add(float64(inserted))
	return nil
}

func trafficRow(cloudAccountID string, key store.TrafficKey, v store.TrafficValue, sign int) model.TrafficExpense {
	return model.TrafficExpense{
		CloudAccountID: cloudAccountID,
		ResourceID:     key.ResourceID,
		Date:           key.Date,
		FromRegion:     key.FromRegion,
		ToRegion:       key.ToRegion,
		Cost:           v.Cost,
		Usage:          v.Usage,
		Sign:           sign,
	}
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
