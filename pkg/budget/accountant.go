package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dyocense/kernel/pkg/clock"
	"github.com/dyocense/kernel/pkg/domain"
)

// ErrBudgetExhausted is returned by Reserve when one or more cost
// components would exceed the tenant's cap for the period.
type ErrBudgetExhausted struct {
	Limiting []domain.BudgetKind
}

func (e *ErrBudgetExhausted) Error() string {
	return fmt.Sprintf("budget exhausted for components: %v", e.Limiting)
}

// ErrAlreadySettled is returned by Commit or Release when the reservation
// already has a final outcome.
var ErrAlreadySettled = errors.New("budget: reservation already settled")

// ErrReservationNotFound is returned by Commit or Release for an unknown
// reservation id.
var ErrReservationNotFound = errors.New("budget: reservation not found")

// AlertSink delivers the soft-alert notification fired when a tenant
// crosses 80% of its cap for some component in a period. Implemented by
// pkg/slack for production deployments; tests may use a no-op or
// recording sink.
type AlertSink interface {
	SoftAlert(ctx context.Context, tenantID string, kind domain.BudgetKind, period string, pctUsed float64) error
}

// NoopAlertSink discards soft alerts. Used when no channel is configured.
type NoopAlertSink struct{}

// SoftAlert implements AlertSink.
func (NoopAlertSink) SoftAlert(context.Context, string, domain.BudgetKind, string, float64) error {
	return nil
}

const softAlertThreshold = 0.80

// Accountant is the Budget Accountant component. It is the sole writer
// of BudgetLedgerEntry rows.
type Accountant struct {
	ledger Ledger
	clock  clock.Clock
	alerts AlertSink

	mu           sync.Mutex
	reservations map[string]reservationState
}

type reservationState struct {
	tenantID string
	period   string
	cost     domain.CostVector
	settled  bool
}

// New creates an Accountant. alerts may be nil, in which case soft alerts
// are discarded.
func New(ledger Ledger, c clock.Clock, alerts AlertSink) *Accountant {
	if alerts == nil {
		alerts = NoopAlertSink{}
	}
	return &Accountant{
		ledger:       ledger,
		clock:        c,
		alerts:       alerts,
		reservations: make(map[string]reservationState),
	}
}

// Reserve checks committed+reserved+v against the tenant's cap for every
// component and, if all fit, appends reserve ledger entries and returns a
// reservation id. On insufficient budget it returns ErrBudgetExhausted
// naming the limiting component(s); no entries are written in that case.
func (a *Accountant) Reserve(ctx context.Context, tenant domain.Tenant, v domain.CostVector) (reservationID string, err error) {
	now := a.clock.Now()
	per := period(now)

	totals, err := a.ledger.Totals(ctx, tenant.TenantID, per)
	if err != nil {
		return "", err
	}

	caps := capsByKind(tenant.Caps.MonthlyBudget)

	var limiting []domain.BudgetKind
	for _, c := range v.Components() {
		if c.Value <= 0 {
			continue
		}
		projected := totals[c.Kind].Sum() + c.Value
		if projected > caps[c.Kind] {
			limiting = append(limiting, c.Kind)
		}
	}
	if len(limiting) > 0 {
		return "", &ErrBudgetExhausted{Limiting: limiting}
	}

	reservationID = uuid.NewString()

	for _, c := range v.Components() {
		if c.Value <= 0 {
			continue
		}
		if err := a.ledger.Append(ctx, domain.BudgetLedgerEntry{
			TenantID:      tenant.TenantID,
			Period:        per,
			Kind:          c.Kind,
			Delta:         c.Value,
			Reason:        domain.LedgerReserve,
			ReservationID: reservationID,
			Timestamp:     now,
		}); err != nil {
			return "", err
		}
	}

	a.mu.Lock()
	a.reservations[reservationID] = reservationState{tenantID: tenant.TenantID, period: per, cost: v}
	a.mu.Unlock()

	a.maybeSoftAlert(ctx, tenant.TenantID, per, caps)

	return reservationID, nil
}

// Commit settles a reservation on stage completion with measured usage,
// scaled by rateFactor before billing. Pass 1.0 for a full-rate commit;
// a run whose terminal state is succeeded_partial is billed at the
// tenant tier's PartialRateFactor instead (1.0 unless the tier's
// configuration sets one, e.g. 0.75 — a partial result didn't consume
// the solver to convergence, so it need not be billed as if it had). Commit writes entries equal to
// min(scaled actual, reserved_remaining), and a refund entry for any
// unused reserved amount. Double-commit is rejected with
// ErrAlreadySettled.
func (a *Accountant) Commit(ctx context.Context, reservationID string, actual domain.CostVector, rateFactor float64) error {
	if rateFactor <= 0 {
		rateFactor = 1.0
	}
	return a.settle(ctx, reservationID, actual.Scale(rateFactor), true)
}

// Release refunds a reservation in full, for terminal states reached
// before any commit (e.g. admission-time failure after reserve).
func (a *Accountant) Release(ctx context.Context, reservationID string) error {
	return a.settle(ctx, reservationID, domain.CostVector{}, false)
}

func (a *Accountant) settle(ctx context.Context, reservationID string, actual domain.CostVector, isCommit bool) error {
	a.mu.Lock()
	state, ok := a.reservations[reservationID]
	if !ok {
		a.mu.Unlock()
		return ErrReservationNotFound
	}
	if state.settled {
		a.mu.Unlock()
		return ErrAlreadySettled
	}
	state.settled = true
	a.reservations[reservationID] = state
	a.mu.Unlock()

	settled, err := a.ledger.EntriesForReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	for _, e := range settled {
		if e.Reason == domain.LedgerCommit || e.Reason == domain.LedgerRelease {
			return ErrAlreadySettled
		}
	}

	now := a.clock.Now()
	actualByKind := costByKind(actual)
	reservedByKind := costByKind(state.cost)

	for kind, reserved := range reservedByKind {
		if reserved <= 0 {
			continue
		}

		if !isCommit {
			if err := a.ledger.Append(ctx, domain.BudgetLedgerEntry{
				TenantID:      state.tenantID,
				Period:        state.period,
				Kind:          kind,
				Delta:         -reserved,
				Reason:        domain.LedgerRelease,
				ReservationID: reservationID,
				Timestamp:     now,
			}); err != nil {
				return err
			}
			continue
		}

		used := actualByKind[kind]
		if used > reserved {
			used = reserved
		}
		if used > 0 {
			if err := a.ledger.Append(ctx, domain.BudgetLedgerEntry{
				TenantID:      state.tenantID,
				Period:        state.period,
				Kind:          kind,
				Delta:         used,
				Reason:        domain.LedgerCommit,
				ReservationID: reservationID,
				Timestamp:     now,
			}); err != nil {
				return err
			}
		}

		unused := reserved - used
		if unused > 0 {
			if err := a.ledger.Append(ctx, domain.BudgetLedgerEntry{
				TenantID:      state.tenantID,
				Period:        state.period,
				Kind:          kind,
				Delta:         -unused,
				Reason:        domain.LedgerRefund,
				ReservationID: reservationID,
				Timestamp:     now,
			}); err != nil {
				return err
			}
		}
	}

	return nil
}

// Query returns current consumption and outstanding reservations for a
// tenant period.
func (a *Accountant) Query(ctx context.Context, tenantID, per string) (Totals, error) {
	return a.ledger.Totals(ctx, tenantID, per)
}

func (a *Accountant) maybeSoftAlert(ctx context.Context, tenantID, per string, caps map[domain.BudgetKind]float64) {
	totals, err := a.ledger.Totals(ctx, tenantID, per)
	if err != nil {
		return
	}
	for kind, cap := range caps {
		if cap <= 0 {
			continue
		}
		pct := totals[kind].Sum() / cap
		if pct >= softAlertThreshold {
			_ = a.alerts.SoftAlert(ctx, tenantID, kind, per, pct)
		}
	}
}

func capsByKind(v domain.BudgetVector) map[domain.BudgetKind]float64 {
	return map[domain.BudgetKind]float64{
		domain.BudgetSolverSeconds: v.SolverSeconds,
		domain.BudgetLLMTokens:     v.LLMTokens,
		domain.BudgetGPUSeconds:    v.GPUSeconds,
	}
}

func costByKind(v domain.CostVector) map[domain.BudgetKind]float64 {
	m := make(map[domain.BudgetKind]float64, 3)
	for _, c := range v.Components() {
		m[c.Kind] = c.Value
	}
	return m
}
