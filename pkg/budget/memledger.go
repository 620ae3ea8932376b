package budget

import (
	"context"
	"sync"

	"github.com/dyocense/kernel/pkg/domain"
)

// MemLedger is an in-memory Ledger used by tests and the in-process
// pipeline harness; it is not the production store.
type MemLedger struct {
	mu      sync.Mutex
	entries []domain.BudgetLedgerEntry
}

// NewMemLedger creates an empty in-memory ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{}
}

// Append implements Ledger.
func (m *MemLedger) Append(_ context.Context, entry domain.BudgetLedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Totals implements Ledger.
func (m *MemLedger) Totals(_ context.Context, tenantID, per string) (Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	totals := make(Totals)
	for _, e := range m.entries {
		if e.TenantID != tenantID || e.Period != per {
			continue
		}
		kt := totals[e.Kind]
		switch e.Reason {
		case domain.LedgerReserve:
			kt.Reserved += e.Delta
		case domain.LedgerCommit:
			kt.Committed += e.Delta
			kt.Reserved -= e.Delta
		case domain.LedgerRelease, domain.LedgerRefund:
			kt.Reserved += e.Delta // delta is negative for release/refund
		}
		totals[e.Kind] = kt
	}
	return totals, nil
}

// EntriesForReservation implements Ledger.
func (m *MemLedger) EntriesForReservation(_ context.Context, reservationID string) ([]domain.BudgetLedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.BudgetLedgerEntry
	for _, e := range m.entries {
		if e.ReservationID == reservationID {
			out = append(out, e)
		}
	}
	return out, nil
}
