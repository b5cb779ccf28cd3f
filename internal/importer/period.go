package importer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cloudledger/internal/logging"
	"cloudledger/internal/model"
)

// firstImportLookbackMonths is how far the very first import of an account
// reaches back, so there is enough trailing data to establish trends.
const firstImportLookbackMonths = 3

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func sameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}

// detectPeriodStart computes the date from which the next import must
// re-scan, based on the stored last-import timestamp and the ledger's true
// last-observed date.
//
// Rules:
//   - never imported: three full months before the current month start;
//   - last import within the current month: trust the ledger's max date;
//     if that date is the 1st of a month, back up one day into the previous
//     month (a ledger cleared mid-month leaves a misleading marker);
//   - last import in an earlier month (importer paused): restart from the
//     stored timestamp and purge raw expenses from that point, since the
//     gap invalidates merge assumptions; if the ledger ran past the marker
//     up to the 1st of a month, back up one day from there instead;
//   - ledger empty or cleared externally: fall back to the stored timestamp.
func (imp *Importer) detectPeriodStart(ctx context.Context, acc *model.CloudAccount) error {
	now := imp.now()
	if acc.LastImportAt == 0 {
		imp.periodStart = monthStart(now).AddDate(0, -firstImportLookbackMonths, 0)
		logging.L().Info("first import for account, using extended lookback",
			zap.String("cloud_account_id", acc.ID),
			zap.Time("period_start", imp.periodStart))
		return nil
	}

	lastImport := time.Unix(acc.LastImportAt, 0).UTC()
	ledgerMax, ok, err := imp.ledger.MaxDate(ctx, acc.ID)
	if err != nil {
		return fmt.Errorf("importer: period detection: %w", err)
	}

	if sameMonth(lastImport, now) {
		base := lastImport
		if ok {
			base = ledgerMax
		}
		if base.Day() == 1 {
			imp.periodStart = dayStart(base).AddDate(0, 0, -1)
		} else {
			imp.periodStart = base
		}
		return nil
	}

	// Paused for a full month or more.
	start := lastImport
	if ok && ledgerMax.Day() == 1 && ledgerMax.After(lastImport) {
		start = dayStart(ledgerMax).AddDate(0, 0, -1)
	}
	imp.periodStart = start
	deleted, err := imp.raw.DeleteFrom(ctx, acc.ID, imp.periodStart)
	if err != nil {
		return fmt.Errorf("importer: period regression purge: %w", err)
	}
	logging.L().Info("import gap detected, purged raw expenses from period start",
		zap.String("cloud_account_id", acc.ID),
		zap.Time("period_start", imp.periodStart),
		zap.Int64("deleted", deleted))
	return nil
}
