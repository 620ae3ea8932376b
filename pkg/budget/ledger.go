// Package budget implements the Budget Accountant: per-tenant monthly
// counters for solver-seconds, LLM tokens, and GPU-seconds, tracked via
// an append-only ledger with reserve/commit/release/refund semantics
// (§4.4).
package budget

import (
	"context"
	"time"

	"github.com/dyocense/kernel/pkg/domain"
)

// Ledger is the durable append-only store of BudgetLedgerEntry rows. The
// Postgres implementation lives in pkg/storage; Accountant is the sole
// writer.
type Ledger interface {
	Append(ctx context.Context, entry domain.BudgetLedgerEntry) error
	// Totals sums committed and reserved amounts for (tenant, period, kind)
	// across all ledger entries, grouped by reason category.
	Totals(ctx context.Context, tenantID, period string) (Totals, error)
	// EntriesForReservation returns every entry written under a
	// reservation id, used to determine whether it has already been
	// settled (commit or release).
	EntriesForReservation(ctx context.Context, reservationID string) ([]domain.BudgetLedgerEntry, error)
}

// Totals is the per-kind committed/reserved aggregate for a tenant period.
type Totals map[domain.BudgetKind]KindTotal

// KindTotal is the committed and outstanding-reserved amount for one
// metered resource.
type KindTotal struct {
	Committed float64
	Reserved  float64
}

// Sum returns committed + reserved, the quantity the cap bounds.
func (t KindTotal) Sum() float64 { return t.Committed + t.Reserved }

// period formats a time as the monthly bucket key used across the ledger.
func period(t time.Time) string {
	return t.Format("2006-01")
}
