package storage

import (
	"context"

	"github.com/dyocense/kernel/pkg/budget"
	"github.com/dyocense/kernel/pkg/domain"
)

// LedgerStore implements budget.Ledger against Postgres. Entries are
// append-only: no UPDATE or DELETE statement ever targets this table.
type LedgerStore struct {
	client *Client
}

// NewLedgerStore wraps client for budget ledger persistence.
func NewLedgerStore(client *Client) *LedgerStore {
	return &LedgerStore{client: client}
}

// Append implements budget.Ledger.
func (s *LedgerStore) Append(ctx context.Context, entry domain.BudgetLedgerEntry) error {
	_, err := s.client.DB().ExecContext(ctx, `
		INSERT INTO budget_ledger_entries
			(tenant_id, period, kind, delta, reason, run_id, reservation_id, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.TenantID, entry.Period, entry.Kind, entry.Delta, entry.Reason,
		nullableString(entry.RunID), entry.ReservationID, entry.Timestamp)
	return err
}

// Totals implements budget.Ledger by aggregating committed and
// outstanding-reserved amounts with a single grouped SQL SUM.
func (s *LedgerStore) Totals(ctx context.Context, tenantID, period string) (budget.Totals, error) {
	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT kind, reason, SUM(delta)
		FROM budget_ledger_entries
		WHERE tenant_id = $1 AND period = $2
		GROUP BY kind, reason`, tenantID, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(budget.Totals)
	for rows.Next() {
		var kind domain.BudgetKind
		var reason domain.LedgerReason
		var sum float64
		if err := rows.Scan(&kind, &reason, &sum); err != nil {
			return nil, err
		}
		kt := totals[kind]
		switch reason {
		case domain.LedgerReserve:
			kt.Reserved += sum
		case domain.LedgerCommit:
			kt.Committed += sum
			kt.Reserved -= sum
		case domain.LedgerRelease, domain.LedgerRefund:
			kt.Reserved += sum // sum is negative for release/refund rows
		}
		totals[kind] = kt
	}
	return totals, rows.Err()
}

// EntriesForReservation implements budget.Ledger.
func (s *LedgerStore) EntriesForReservation(ctx context.Context, reservationID string) ([]domain.BudgetLedgerEntry, error) {
	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT tenant_id, period, kind, delta, reason, COALESCE(run_id, ''), reservation_id, ts
		FROM budget_ledger_entries
		WHERE reservation_id = $1`, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BudgetLedgerEntry
	for rows.Next() {
		var e domain.BudgetLedgerEntry
		if err := rows.Scan(&e.TenantID, &e.Period, &e.Kind, &e.Delta, &e.Reason, &e.RunID, &e.ReservationID, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
