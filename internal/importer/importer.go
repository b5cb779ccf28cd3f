// Package importer implements the raw-to-clean expense reconciliation
// pipeline: period detection, provider-specific raw imports, daily clean
// expense generation and signed-row ledger reconciliation.
package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cloudledger/internal/account"
	"cloudledger/internal/adapter"
	"cloudledger/internal/logging"
	"cloudledger/internal/metrics"
	"cloudledger/internal/model"
	"cloudledger/internal/queue"
	"cloudledger/internal/registry"
	"cloudledger/internal/store"
)

// chunkSize bounds memory and round-trip count on bulk writes and on
// clean-expense generation batches. It does not affect correctness.
const chunkSize = 200

// TaskCreator emits follow-on traffic processing work items. Duplicate
// creation must surface queue.ErrTaskExists, which callers treat as success.
type TaskCreator interface {
	CreateTrafficTask(ctx context.Context, cloudAccountID string, start, end time.Time) error
}

// Provider carries the per-vendor import rules: how raw billing data is
// fetched and normalized, and how resource metadata is inferred from it.
type Provider interface {
	Type() string
	LoadRawData(ctx context.Context, imp *Importer) error
	ResourceInfo(expenses []model.RawExpense) registry.ResourceInput
}

// Deps are the external collaborators injected into an Importer.
type Deps struct {
	Accounts *account.Service
	Registry *registry.Registry
	Raw      *store.RawStore
	Ledger   *store.LedgerStore
	Cloud    adapter.Adapter
	Tasks    TaskCreator
}

// Options tune one import run.
type Options struct {
	// Recalculate purges the account's raw expenses from period start and
	// re-derives everything.
	Recalculate bool
	// Clock overrides the time source. Nil means time.Now in UTC.
	Clock func() time.Time
	// AdapterRate paces provider API calls. Zero disables pacing.
	AdapterRate rate.Limit
}

type lastExpense struct {
	date time.Time
	cost float64
}

// Importer runs the full pipeline for a single cloud account. Two imports
// must never run concurrently for the same account; the task queue
// dispatches at most one in-flight import per account.
type Importer struct {
	accountID   string
	provider    Provider
	accounts    *account.Service
	registry    *registry.Registry
	raw         *store.RawStore
	ledger      *store.LedgerStore
	cloud       adapter.Adapter
	tasks       TaskCreator
	limiter     *rate.Limiter
	recalculate bool
	now         func() time.Time

	acc           *model.CloudAccount
	periodStart   time.Time
	chunk         []model.RawExpense
	importedRange map[string]*store.DateRange
}

// New creates an Importer for one cloud account.
func New(cloudAccountID string, provider Provider, deps Deps, opts Options) *Importer {
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	var limiter *rate.Limiter
	if opts.AdapterRate > 0 {
		limiter = rate.NewLimiter(opts.AdapterRate, 1)
	}
	return &Importer{
		accountID:     cloudAccountID,
		provider:      provider,
		accounts:      deps.Accounts,
		registry:      deps.Registry,
		raw:           deps.Raw,
		ledger:        deps.Ledger,
		cloud:         deps.Cloud,
		tasks:         deps.Tasks,
		limiter:       limiter,
		recalculate:   opts.Recalculate,
		now:           now,
		chunk:         make([]model.RawExpense, 0, chunkSize),
		importedRange: make(map[string]*store.DateRange),
	}
}

// PeriodStart returns the detected start of the import window.
func (imp *Importer) PeriodStart() time.Time { return imp.periodStart }

// ImportReport is the single entry point invoked per queued import task.
// It records attempt bookkeeping on every run and advances last_import_at
// only on success. A failed attempt leaves the ledger consistent but stale.
func (imp *Importer) ImportReport(ctx context.Context) error {
	log := logging.L().With(zap.String("cloud_account_id", imp.accountID))
	log.Info("import started")
	started := imp.now()

	err := imp.run(ctx)

	attemptErr := ""
	if err != nil {
		attemptErr = err.Error()
	}
	if recErr := imp.accounts.RecordAttempt(ctx, imp.accountID, imp.now().Unix(), attemptErr); recErr != nil {
		log.Error("failed to record import attempt", zap.Error(recErr))
	}
	m := metrics.Get()
	m.ImportDuration.Observe(imp.now().Sub(started).Seconds())
	if err != nil {
		m.ImportAttemptsTotal.WithLabelValues("failed").Inc()
		log.Error("import failed", zap.Error(err))
		return err
	}
	m.ImportAttemptsTotal.WithLabelValues("completed").Inc()

	if err := imp.accounts.SetLastImportAt(ctx, imp.accountID, imp.now().Unix()); err != nil {
		return err
	}
	log.Info("import completed")

	if err := imp.createTrafficProcessingTasks(ctx); err != nil {
		return err
	}
	return nil
}

func (imp *Importer) run(ctx context.Context) error {
	acc, err := imp.accounts.Get(ctx, imp.accountID)
	if err != nil {
		return err
	}
	imp.acc = acc

	if err := imp.detectPeriodStart(ctx, acc); err != nil {
		return err
	}

	log := logging.L().With(zap.String("cloud_account_id", imp.accountID))
	if imp.recalculate {
		deleted, err := imp.raw.DeleteFrom(ctx, imp.accountID, imp.periodStart)
		if err != nil {
			return err
		}
		log.Info("recalculating raw expenses",
			zap.Time("period_start", imp.periodStart),
			zap.Int64("purged", deleted))
	}

	log.Info("importing raw data", zap.Time("period_start", imp.periodStart))
	if err := imp.provider.LoadRawData(ctx, imp); err != nil {
		return err
	}
	if err := imp.flushRaw(ctx); err != nil {
		return err
	}

	log.Info("generating clean records")
	return imp.generateCleanRecords(ctx)
}

// paceAdapter applies the configured provider API rate limit.
func (imp *Importer) paceAdapter(ctx context.Context) error {
	if imp.limiter == nil {
		return nil
	}
	return imp.limiter.Wait(ctx)
}

// writeRaw buffers one normalized raw expense, flushing full chunks.
func (imp *Importer) writeRaw(ctx context.Context, rec model.RawExpense) error {
	imp.trackImportedInterval(rec)
	imp.chunk = append(imp.chunk, rec)
	if len(imp.chunk) >= chunkSize {
		return imp.flushRaw(ctx)
	}
	return nil
}

func (imp *Importer) flushRaw(ctx context.Context) error {
	if len(imp.chunk) == 0 {
		return nil
	}
	if err := imp.raw.Upsert(ctx, imp.chunk); err != nil {
		return err
	}
	metrics.Get().RawRecordsUpserted.Add(float64(len(imp.chunk)))
	logging.S().Debugf("flushed %d raw records for account %s", len(imp.chunk), imp.accountID)
	imp.chunk = imp.chunk[:0]
	return nil
}

func (imp *Importer) trackImportedInterval(rec model.RawExpense) {
	r, found := imp.importedRange[rec.CloudAccountID]
	if !found {
		imp.importedRange[rec.CloudAccountID] = &store.DateRange{
			Start: rec.StartDate,
			End:   rec.StartDate,
		}
		return
	}
	if rec.StartDate.Before(r.Start) {
		r.Start = rec.StartDate
	}
	if rec.StartDate.After(r.End) {
		r.End = rec.StartDate
	}
}

// generateCleanRecords groups the account's raw expenses by resource in
// bounded batches and reconciles each batch's daily aggregates against the
// ledger.
func (imp *Importer) generateCleanRecords(ctx context.Context) error {
	ids, err := imp.raw.DistinctResourceIDs(ctx, imp.accountID, imp.periodStart)
	if err != nil {
		return err
	}
	total := len(ids)
	log := logging.L().With(zap.String("cloud_account_id", imp.accountID))
	log.Info("generating clean expenses", zap.Int("resource_count", total))

	lastDecile := 0
	for i := 0; i < total; i += chunkSize {
		if decile := i * 10 / total; decile != lastDecile {
			lastDecile = decile
			log.Info("clean expense progress", zap.Int("percent", decile*10))
		}
		end := i + chunkSize
		if end > total {
			end = total
		}
		records, err := imp.raw.ForResources(ctx, imp.accountID, imp.periodStart, ids[i:end])
		if err != nil {
			return err
		}
		groups := make(map[string][]model.RawExpense)
		for _, rec := range records {
			groups[rec.ResourceID] = append(groups[rec.ResourceID], rec)
		}
		if err := imp.saveCleanExpenses(ctx, groups); err != nil {
			return err
		}
	}
	return nil
}

// saveCleanExpenses resolves canonical resources for one batch, sums raw
// costs per (resource, day) and converges the ledger via signed rows.
func (imp *Importer) saveCleanExpenses(ctx context.Context, groups map[string][]model.RawExpense) error {
	inputs := make([]registry.ResourceInput, 0, len(groups))
	for cloudID, expenses := range groups {
		if len(expenses) == 0 {
			continue
		}
		info := imp.provider.ResourceInfo(expenses)
		info.CloudResourceID = cloudID
		inputs = append(inputs, info)
	}
	if len(inputs) == 0 {
		return nil
	}
	resolved, err := imp.registry.CreateIfNotExist(ctx, imp.accountID, inputs)
	if err != nil {
		return err
	}
	for _, in := range inputs {
		res, found := resolved[in.CloudResourceID]
		if !found {
			continue
		}
		if (in.FirstSeen > 0 && in.FirstSeen < res.FirstSeen) || in.LastSeen > res.LastSeen {
			if err := imp.registry.SeenUpdate(ctx, res.ID, in.FirstSeen, in.LastSeen); err != nil {
				return err
			}
		}
	}

	var (
		cleans           []CleanExpense
		minDate, maxDate time.Time
	)
	last := make(map[string]lastExpense)
	for cloudID, expenses := range groups {
		res, found := resolved[cloudID]
		if !found {
			continue
		}
		perDay := make(map[time.Time]float64)
		for _, e := range expenses {
			perDay[dayStart(e.StartDate.UTC())] += e.Cost
		}
		for day, cost := range perDay {
			cleans = append(cleans, CleanExpense{
				CloudAccountID: imp.accountID,
				ResourceID:     res.ID,
				Date:           day,
				Cost:           cost,
			})
			if minDate.IsZero() || day.Before(minDate) {
				minDate = day
			}
			if day.After(maxDate) {
				maxDate = day
			}
			le := last[res.ID]
			if le.date.IsZero() || day.After(le.date) {
				last[res.ID] = lastExpense{date: day, cost: cost}
			}
		}
	}
	if len(cleans) == 0 {
		return nil
	}

	resourceIDs := make([]string, 0, len(last))
	for id := range last {
		resourceIDs = append(resourceIDs, id)
	}
	existing, err := imp.ledger.Query(ctx, imp.accountID, minDate, maxDate, resourceIDs)
	if err != nil {
		return err
	}
	rows := Reconcile(existing, cleans)
	if len(rows) == 0 {
		return nil
	}
	if err := imp.ledger.Insert(ctx, rows); err != nil {
		return err
	}
	m := metrics.Get()
	for _, row := range rows {
		if row.Sign > 0 {
			m.LedgerRowsWritten.WithLabelValues("positive").Inc()
		} else {
			m.LedgerRowsWritten.WithLabelValues("negative").Inc()
		}
	}
	return imp.updateResourceExpenseInfo(ctx, last)
}

// updateResourceExpenseInfo refreshes the denormalized total_cost and
// last-expense fields on every touched resource. The batch's last clean
// expense only becomes the resource's last_expense when it is not older
// than the resource's historical max ledger date.
func (imp *Importer) updateResourceExpenseInfo(ctx context.Context, last map[string]lastExpense) error {
	ids := make([]string, 0, len(last))
	for id := range last {
		ids = append(ids, id)
	}
	totals, err := imp.ledger.ResourceTotals(ctx, imp.accountID, ids)
	if err != nil {
		return err
	}
	info := make(map[string]registry.ExpenseInfo, len(last))
	for id, le := range last {
		ei := registry.ExpenseInfo{TotalCost: totals[id].TotalCost}
		if !le.date.Before(dayStart(totals[id].MaxDate.UTC())) {
			ei.UpdateLast = true
			ei.LastExpenseDate = le.date.Unix()
			ei.LastExpenseCost = le.cost
		}
		info[id] = ei
	}
	return imp.registry.UpdateExpenseInfo(ctx, imp.accountID, info)
}

// createTrafficProcessingTasks emits one traffic task per account covering
// the raw date interval actually imported. A task that already exists is
// success, not an error.
func (imp *Importer) createTrafficProcessingTasks(ctx context.Context) error {
	for accountID, r := range imp.importedRange {
		err := imp.tasks.CreateTrafficTask(ctx, accountID, r.Start, r.End)
		if errors.Is(err, queue.ErrTaskExists) {
			logging.S().Infof("traffic processing task already exists for account %s", accountID)
			continue
		}
		if err != nil {
			return fmt.Errorf("importer: traffic task creation: %w", err)
		}
		metrics.Get().TrafficTasksCreated.Inc()
	}
	return nil
}
