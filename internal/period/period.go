// Package period resolves the active stocktake accounting period from the calendar.
package period

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/stocktake/internal/countstore"
)

// CutoverDay is the last day of a month that still belongs to the previous period.
const CutoverDay = 15

// Period identifies the active count period and the one before it.
type Period struct {
	Year       int
	Month      int
	PriorYear  int
	PriorMonth int
}

// Resolve derives the active period for now using the default cutover day.
func Resolve(now time.Time) Period {
	return ResolveWithCutover(now, CutoverDay)
}

// ResolveWithCutover derives the active period for now. Days up to and including
// cutover count towards the previous calendar month.
func ResolveWithCutover(now time.Time, cutover int) Period {
	year, month := now.Year(), int(now.Month())
	if now.Day() <= cutover {
		year, month = previousMonth(year, month)
	}
	priorYear, priorMonth := previousMonth(year, month)
	return Period{Year: year, Month: month, PriorYear: priorYear, PriorMonth: priorMonth}
}

func previousMonth(year, month int) (int, int) {
	if month == 1 {
		return year - 1, 12
	}
	return year, month - 1
}

// Key returns the store key of the active period.
func (p Period) Key(storeID string) countstore.Key {
	return countstore.Key{Year: p.Year, Month: p.Month, StoreID: storeID}
}

// PriorKey returns the store key of the period before the active one.
func (p Period) PriorKey(storeID string) countstore.Key {
	return countstore.Key{Year: p.PriorYear, Month: p.PriorMonth, StoreID: storeID}
}

// Previous returns the period before p.
func (p Period) Previous() Period {
	year, month := previousMonth(p.PriorYear, p.PriorMonth)
	return Period{Year: p.PriorYear, Month: p.PriorMonth, PriorYear: year, PriorMonth: month}
}

// String renders the active period as YYYY-MM.
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// ReferenceDate formats the date a cycle started on as stored in count records.
func ReferenceDate(now time.Time) string {
	return now.Format(time.DateOnly)
}
