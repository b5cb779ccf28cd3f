package importer

import (
	"time"

	"cloudledger/internal/model"
)

// CleanExpense is one daily per-resource cost aggregate, the unit of
// reconciliation. Computed on every generation pass, never persisted.
type CleanExpense struct {
	CloudAccountID string
	ResourceID     string
	Date           time.Time
	Cost           float64
}

// ledgerCell collects the signed rows already present for one
// (resource, date) key.
type ledgerCell struct {
	signSum int
	value   float64
}

// Reconcile diffs new clean-expense values against existing signed ledger
// rows and returns the minimal rows needed to converge:
//
//   - key absent from the ledger: one +new row;
//   - key present with an equal effective value: nothing;
//   - key present with a different effective value: one -old row cancelling
//     the stale value and one +new row, preserving the full audit history;
//   - rows whose signs cancel out entirely behave as absent.
//
// Ledger keys missing from updates are left untouched; absence never means
// "cost is now zero". Only recalculation may assert that, by re-deriving
// the whole period.
func Reconcile(existing []model.Expense, updates []CleanExpense) []model.Expense {
	cells := make(map[string]map[time.Time]*ledgerCell)
	for _, row := range existing {
		date := dayStart(row.Date.UTC())
		byDate, found := cells[row.ResourceID]
		if !found {
			byDate = make(map[time.Time]*ledgerCell)
			cells[row.ResourceID] = byDate
		}
		cell, found := byDate[date]
		if !found {
			cell = &ledgerCell{}
			byDate[date] = cell
		}
		cell.signSum += row.Sign
		cell.value += row.Cost * float64(row.Sign)
	}

	var out []model.Expense
	for _, u := range updates {
		plus := model.Expense{
			CloudAccountID: u.CloudAccountID,
			ResourceID:     u.ResourceID,
			Date:           u.Date,
			Cost:           u.Cost,
			Sign:           1,
		}
		cell := cells[u.ResourceID][dayStart(u.Date.UTC())]
		if cell == nil || cell.signSum == 0 {
			out = append(out, plus)
			continue
		}
		if cell.value == u.Cost {
			continue
		}
		out = append(out, model.Expense{
			CloudAccountID: u.CloudAccountID,
			ResourceID:     u.ResourceID,
			Date:           u.Date,
			Cost:           cell.value,
			Sign:           -1,
		}, plus)
	}
	return out
}
