package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cloudledger/internal/adapter"
	"cloudledger/internal/logging"
	"cloudledger/internal/model"
	"cloudledger/internal/registry"
)

// costScale is the decimal precision of computed net costs.
const costScale = 8

// Alibaba bills system disks under two different item names depending on
// whether the VM is pay-as-you-go or subscription.
var alibabaSystemDiskItems = map[string]bool{
	"System Disk Size": true, // ordinary VMs
	"systemdisk":       true, // subscription VMs
}

var alibabaBoxUsageItems = map[string]bool{
	"Cloud server configuration": true, // ordinary instances
	"instance_type":              true, // subscription instances
	"Class Code":                 true, // RDS instances
	"Instance Type":              true, // subscription RDS instances
}

var alibabaDiscountFields = []string{
	"InvoiceDiscount",
	"DeductedByCoupons",
}

// alibabaMutableFields are the billing fields that may change between
// fetches of the same item and get summed when split bills are merged.
var alibabaMutableFields = []string{
	"PretaxGrossAmount",
	"PretaxAmount",
	"Usage",
	"InvoiceDiscount",
	"DeductedByCoupons",
}

// alibabaUniqueFields plus resource id and start date identify one billing
// item across re-imports.
var alibabaUniqueFields = []string{
	"CommodityCode",
	"Item",
	"BillingItem",
	"BillingType",
	"ProductCode",
	"ProductType",
	"UsageUnit",
	"ListPrice",
}

var alibabaTagPattern = regexp.MustCompile(`^\s*key:(.+)\s+value:(.*?)\s*$`)

// itemClass is the billing-item classification driving handler dispatch.
type itemClass int

const (
	classCommon itemClass = iota
	classRefund
	classSystemDisk
	classSnapshot
	classBoxUsage
)

// alibabaDay carries the per-day ancillary usage data the handlers need.
type alibabaDay struct {
	day       time.Time
	diskIDs   map[string]string           // instance id -> system disk id
	chainSize map[string]map[string]int64 // region -> chain -> bytes
	totalSize map[string]int64            // region -> bytes
}

type alibabaHandler func(ctx context.Context, imp *Importer, day *alibabaDay, item model.JSONMap) error

// Alibaba implements the provider import rules for Alibaba Cloud billing
// exports: split-bill merging, system-disk re-keying, regional snapshot
// cost apportionment and round-down discount reconciliation.
type Alibaba struct {
	handlers map[itemClass]alibabaHandler
}

// NewAlibaba creates the Alibaba provider.
func NewAlibaba() *Alibaba {
	a := &Alibaba{}
	a.handlers = map[itemClass]alibabaHandler{
		classCommon:     a.processCommonItem,
		classRefund:     a.processRefundItem,
		classSystemDisk: a.processSystemDiskItem,
		classSnapshot:   a.processSnapshotItem,
		classBoxUsage:   a.processBoxUsageItem,
	}
	return a
}

// Type returns the cloud account type this provider serves.
func (a *Alibaba) Type() string { return "alibaba_cnr" }

func (a *Alibaba) classify(item model.JSONMap, skipRefunds bool) itemClass {
	billingItem := fieldString(item, "BillingItem")
	switch {
	case skipRefunds && fieldString(item, "Item") == "Refund":
		return classRefund
	case alibabaSystemDiskItems[billingItem]:
		return classSystemDisk
	case fieldString(item, "ProductCode") == "snapshot" && billingItem == "Size":
		return classSnapshot
	case alibabaBoxUsageItems[billingItem]:
		return classBoxUsage
	default:
		return classCommon
	}
}

// LoadRawData fetches and normalizes billing items day by day from period
// start through now, upserting them in chunks.
func (a *Alibaba) LoadRawData(ctx context.Context, imp *Importer) error {
	day := dayStart(imp.periodStart)
	now := imp.now()
	for !day.After(now) {
		if err := imp.paceAdapter(ctx); err != nil {
			return err
		}
		items, err := imp.cloud.BillingItems(ctx, day)
		if err != nil {
			return fmt.Errorf("importer: billing items for %s: %w", day.Format("2006-01-02"), err)
		}
		// Alibaba sometimes splits the same expense for a date into
		// several bills; merge them into one before processing.
		merged := a.mergeSameBillingItems(items)

		dd, err := a.loadDayUsage(ctx, imp, day)
		if err != nil {
			return err
		}
		for _, item := range merged {
			cls := a.classify(item, imp.acc.SkipRefunds)
			if err := a.handlers[cls](ctx, imp, dd, item); err != nil {
				return err
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return a.generateRoundDownDiscounts(ctx, imp)
}

// loadDayUsage fetches the ancillary usage data needed to specialize the
// day's billing items.
func (a *Alibaba) loadDayUsage(ctx context.Context, imp *Importer, day time.Time) (*alibabaDay, error) {
	if err := imp.paceAdapter(ctx); err != nil {
		return nil, err
	}
	// Daily raw usage is not aligned to the requested window; include the
	// previous day to avoid losing entries shifted across midnight.
	diskUsage, err := imp.cloud.RawUsage(ctx, adapter.MetricDisk, adapter.GranularityDay,
		day.AddDate(0, 0, -1), day.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("importer: disk usage for %s: %w", day.Format("2006-01-02"), err)
	}
	diskIDs := make(map[string]string)
	for _, item := range diskUsage {
		if fieldString(item, "Portable") != "0" {
			continue
		}
		diskIDs[fieldString(item, "AttachedInstanceId")] = fieldString(item, "InstanceId")
	}

	if err := imp.paceAdapter(ctx); err != nil {
		return nil, err
	}
	// Snapshot chain usage only exists hourly; sum it into a daily total.
	snapUsage, err := imp.cloud.RawUsage(ctx, adapter.MetricSnapshot, adapter.GranularityHour,
		day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("importer: snapshot usage for %s: %w", day.Format("2006-01-02"), err)
	}
	chainSize := make(map[string]map[string]int64)
	totalSize := make(map[string]int64)
	for _, item := range snapUsage {
		region := fieldString(item, "Region")
		chain := fieldString(item, "LinkId")
		size := int64(fieldFloat(item, "Size"))
		if chainSize[region] == nil {
			chainSize[region] = make(map[string]int64)
		}
		chainSize[region][chain] += size
		totalSize[region] += size
	}
	return &alibabaDay{day: day, diskIDs: diskIDs, chainSize: chainSize, totalSize: totalSize}, nil
}

func (a *Alibaba) processRefundItem(_ context.Context, _ *Importer, _ *alibabaDay, item model.JSONMap) error {
	logging.S().Infof("skipping refund for resource %s, billing item %s",
		fieldString(item, "InstanceID"), fieldString(item, "BillingItem"))
	return nil
}

func (a *Alibaba) processCommonItem(ctx context.Context, imp *Importer, day *alibabaDay, item model.JSONMap) error {
	return imp.writeRaw(ctx, a.normalizeItem(imp, day.day, item))
}

func (a *Alibaba) processBoxUsageItem(ctx context.Context, imp *Importer, day *alibabaDay, item model.JSONMap) error {
	item["box_usage"] = true
	return a.processCommonItem(ctx, imp, day, item)
}

// processSystemDiskItem re-keys a system-disk billing item from the
// instance it was billed under to the disk itself. Alibaba bills system
// disks as part of instance expenses, which does not fit a per-resource
// cost model.
func (a *Alibaba) processSystemDiskItem(ctx context.Context, imp *Importer, day *alibabaDay, item model.JSONMap) error {
	instanceID := fieldString(item, "InstanceID")
	tags := a.extractTags(fieldString(item, "Tag"))
	diskID := day.diskIDs[instanceID]
	if diskID == "" {
		diskID = tags["acs:ecs:sourceSystemDiskId"]
	}
	if diskID != "" {
		item["InstanceID"] = diskID
		// There is no way to obtain the disk's own name and tags, so
		// drop the instance ones rather than mislabel the disk.
		item["Tag"] = ""
		item["NickName"] = ""
	} else {
		logging.L().Warn("could not resolve system disk id, keeping entry against instance",
			zap.String("instance_id", instanceID),
			zap.Time("day", day.day))
	}
	return a.processCommonItem(ctx, imp, day, item)
}

// processSnapshotItem splits a regional snapshot-storage bill across the
// region's snapshot chains, weighted by per-chain byte totals.
func (a *Alibaba) processSnapshotItem(ctx context.Context, imp *Importer, day *alibabaDay, item model.JSONMap) error {
	region := fieldString(item, "InstanceID")
	chainSizes := day.chainSize[region]
	total := day.totalSize[region]
	if len(chainSizes) == 0 || total == 0 {
		logging.L().Warn("no snapshot chain usage for region, keeping entry as is",
			zap.String("region", region),
			zap.Time("day", day.day))
		return a.processCommonItem(ctx, imp, day, item)
	}
	for chainID, size := range chainSizes {
		share := decimal.NewFromInt(size).Div(decimal.NewFromInt(total))
		chainItem := cloneFields(item)
		chainItem["InstanceID"] = chainID
		chainItem["Usage"] = bytesToGB(size)
		chainItem["PretaxGrossAmount"] = fieldDecimal(item, "PretaxGrossAmount").Mul(share).InexactFloat64()
		for _, f := range alibabaDiscountFields {
			chainItem[f] = fieldDecimal(item, f).Mul(share).InexactFloat64()
		}
		if err := a.processCommonItem(ctx, imp, day, chainItem); err != nil {
			return err
		}
	}
	return nil
}

// normalizeItem turns one provider billing item into a canonical raw
// expense. Net cost is gross minus the named discount fields, rounded to
// eight decimal places.
func (a *Alibaba) normalizeItem(imp *Importer, day time.Time, item model.JSONMap) model.RawExpense {
	net := fieldDecimal(item, "PretaxGrossAmount")
	for _, f := range alibabaDiscountFields {
		net = net.Sub(fieldDecimal(item, f))
	}
	return model.RawExpense{
		CloudAccountID: imp.accountID,
		ResourceID:     fieldString(item, "InstanceID"),
		StartDate:      day,
		EndDate:        day.AddDate(0, 0, 1),
		ItemKey:        a.itemKey(item),
		Cost:           net.Round(costScale).InexactFloat64(),
		Usage:          fieldFloat(item, "Usage"),
		BillingItem:    fieldString(item, "BillingItem"),
		ProductCode:    fieldString(item, "ProductCode"),
		Fields:         item,
	}
}

// itemKey hashes the stable billing-item attributes into the upsert
// identity component that, together with resource id and start date,
// uniquely identifies one billing item.
func (a *Alibaba) itemKey(item model.JSONMap) string {
	h := sha256.New()
	for _, f := range alibabaUniqueFields {
		h.Write([]byte(f))
		h.Write([]byte{0})
		h.Write([]byte(fieldString(item, f)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func (a *Alibaba) mergeKey(item model.JSONMap) string {
	parts := make([]string, 0, len(alibabaUniqueFields)+1)
	for _, f := range alibabaUniqueFields {
		parts = append(parts, fieldString(item, f))
	}
	parts = append(parts, fieldString(item, "InstanceID"))
	return strings.Join(parts, "\x00")
}

// mergeSameBillingItems collapses billing items that share the same unique
// key into one record whose mutable numeric fields are the field-wise sum.
func (a *Alibaba) mergeSameBillingItems(items []model.JSONMap) []model.JSONMap {
	out := make([]model.JSONMap, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		key := a.mergeKey(item)
		i, found := index[key]
		if !found {
			index[key] = len(out)
			out = append(out, item)
			continue
		}
		for _, f := range alibabaMutableFields {
			out[i][f] = fieldDecimal(out[i], f).Add(fieldDecimal(item, f)).InexactFloat64()
		}
	}
	return out
}

// extractTags parses Alibaba's "key:k value:v;..." tag string form.
func (a *Alibaba) extractTags(raw string) map[string]string {
	tags := make(map[string]string)
	if raw == "" {
		return tags
	}
	var failed []string
	for _, part := range strings.Split(raw, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		m := alibabaTagPattern.FindStringSubmatch(part)
		if m == nil {
			failed = append(failed, part)
			continue
		}
		tags[m[1]] = m[2]
	}
	if len(failed) > 0 {
		logging.L().Warn("could not parse tag items", zap.Strings("items", failed))
	}
	return tags
}

func (a *Alibaba) resourceType(e model.RawExpense) string {
	productDetail := fieldString(e.Fields, "ProductDetail")
	switch {
	case e.ProductCode == "yundisk" || alibabaSystemDiskItems[e.BillingItem]:
		return "Volume"
	case strings.Contains(e.ResourceID, "RDD"):
		return "Round Down Discount"
	case e.ProductCode == "ecs":
		return "Instance"
	case e.ProductCode == "snapshot" && e.BillingItem == "Size":
		return "Snapshot Chain"
	case e.ProductCode == "snapshot":
		return "Snapshot Storage"
	case e.ProductCode == "oss":
		return "Object Storage"
	case e.ProductCode == "rds":
		return "RDS Instance"
	case productDetail == "Elastic IP":
		return "IP Address"
	case productDetail == "sls_intl":
		return "Log Storage"
	default:
		return productDetail
	}
}

// ResourceInfo infers resource metadata from its raw expenses. Lifetime
// bounds come from the full set; type, name, region and tags come from the
// most recent record.
func (a *Alibaba) ResourceInfo(expenses []model.RawExpense) registry.ResourceInput {
	var firstSeen, lastSeen time.Time
	for _, e := range expenses {
		if firstSeen.IsZero() || e.StartDate.Before(firstSeen) {
			firstSeen = e.StartDate
		}
		if e.EndDate.After(lastSeen) {
			lastSeen = e.EndDate
		}
	}
	if lastSeen.Before(firstSeen) {
		lastSeen = firstSeen
	}
	last := expenses[len(expenses)-1]
	tags := model.JSONMap{}
	for k, v := range a.extractTags(fieldString(last.Fields, "Tag")) {
		tags[k] = v
	}
	return registry.ResourceInput{
		Type:        a.resourceType(last),
		Name:        fieldString(last.Fields, "NickName"),
		Region:      fieldString(last.Fields, "Region"),
		ServiceName: fieldString(last.Fields, "ProductName"),
		Tags:        tags,
		FirstSeen:   firstSeen.Unix(),
		LastSeen:    lastSeen.Unix(),
	}
}

// fullMonthsInPeriod returns the month starts fully covered by
// [periodStart, now): a month counts only when the period starts exactly at
// its beginning and the month has fully elapsed.
func fullMonthsInPeriod(periodStart, now time.Time) []time.Time {
	var months []time.Time
	for m := monthStart(periodStart); m.Before(monthStart(now)); m = m.AddDate(0, 1, 0) {
		if !m.Before(periodStart) {
			months = append(months, m)
		}
	}
	return months
}

// generateRoundDownDiscounts synthesizes one negative-cost adjustment per
// resource per fully elapsed billing month, dated to the month's last day.
func (a *Alibaba) generateRoundDownDiscounts(ctx context.Context, imp *Importer) error {
	months := fullMonthsInPeriod(imp.periodStart, imp.now())
	if len(months) == 0 {
		return nil
	}
	logging.S().Infof("generating round-down discounts for account %s over %d months",
		imp.accountID, len(months))
	for _, month := range months {
		if err := imp.paceAdapter(ctx); err != nil {
			return err
		}
		discounts, err := imp.cloud.RoundDownDiscounts(ctx, month)
		if err != nil {
			return fmt.Errorf("importer: round-down discounts for %s: %w", month.Format("2006-01"), err)
		}
		lastDay := month.AddDate(0, 1, -1)
		for resourceID, cost := range discounts {
			rec := model.RawExpense{
				CloudAccountID: imp.accountID,
				ResourceID:     resourceID,
				StartDate:      lastDay,
				EndDate:        lastDay.AddDate(0, 0, 1),
				ItemKey:        a.itemKey(model.JSONMap{"BillingItem": "RoundDownDiscount"}),
				Cost:           -math.Abs(cost),
				BillingItem:    "RoundDownDiscount",
				Fields: model.JSONMap{
					"NickName":    resourceID,
					"Region":      "",
					"Tag":         "",
					"BillingItem": "RoundDownDiscount",
				},
			}
			if err := imp.writeRaw(ctx, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func bytesToGB(size int64) float64 {
	return float64(size) / float64(1<<30)
}
