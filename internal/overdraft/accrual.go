// Package overdraft models overdraft usage as a daily accrual state
// machine producing commission transactions and period open/close events.
package overdraft

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/fuelcard-core/internal/ledger"
	"github.com/example/fuelcard-core/internal/money"
	"github.com/example/fuelcard-core/internal/recon"
)

// State is the per-account overdraft state, derived from whether an open
// period exists.
type State string

const (
	StateClosed State = "CLOSED"
	StateOpen   State = "OPEN"
)

// InvalidTransitionError reports a step that would violate the state
// machine.
type InvalidTransitionError struct {
	FromState State
	ToState   State
	AccountID uuid.UUID
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid overdraft transition from %s to %s for account %s", e.FromState, e.ToState, e.AccountID)
}

// AllowedTransitions defines the valid state transitions.
func AllowedTransitions() map[State][]State {
	return map[State][]State{
		StateClosed: {StateOpen},
		StateOpen:   {StateClosed},
	}
}

// IsValidTransition checks if a state transition is allowed.
func IsValidTransition(fromState, toState State) bool {
	for _, allowed := range AllowedTransitions()[fromState] {
		if allowed == toState {
			return true
		}
	}
	return false
}

// Accrual advances one account's overdraft state by one day. Steps are
// idempotent: a day never yields two commissions, and re-running a step
// converges to the same stored state.
type Accrual struct {
	store  ledger.Store
	logger *slog.Logger
}

// NewAccrual creates the daily accrual machine over the given store.
func NewAccrual(store ledger.Store, logger *slog.Logger) *Accrual {
	return &Accrual{store: store, logger: logger}
}

// StepResult reports what one daily step materialized.
type StepResult struct {
	State        State
	Commission   *ledger.Transaction
	OpenedPeriod *ledger.OverdraftPeriod
	ClosedPeriod *ledger.OverdraftPeriod

	// ForcedOff is set when the grace window ran out and the account's
	// overdraft enable flag was cleared. No card action happens here.
	ForcedOff bool
}

// Step runs the accrual for one account on the given day, judging
// yesterday's balance. Callers must hold the account lock and should pass
// the run's stale tracker so an emitted commission gets folded into the
// running balance.
func (a *Accrual) Step(ctx context.Context, account *ledger.Account, today time.Time, tracker *recon.StaleRangeTracker) (*StepResult, error) {
	day := ledger.Day(today)
	yesterday := day.AddDate(0, 0, -1)

	period, err := a.store.CurrentOverdraftPeriod(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("load open period: %w", err)
	}

	state := StateClosed
	if period != nil {
		state = StateOpen
	}

	balance := account.CurrentBalance
	below := balance.LessThan(account.MinBalance)

	switch state {
	case StateClosed:
		if !below || !account.OverdraftEnabled {
			// No overdraft needed; a normal outcome, not an error.
			return &StepResult{State: StateClosed}, nil
		}
		return a.open(ctx, account, day, yesterday, tracker)

	case StateOpen:
		if !below {
			return a.close(ctx, account, period, yesterday)
		}
		return a.continueOpen(ctx, account, period, day, tracker)

	default:
		return nil, &InvalidTransitionError{FromState: state, AccountID: account.ID}
	}
}

func (a *Accrual) open(ctx context.Context, account *ledger.Account, day, yesterday time.Time, tracker *recon.StaleRangeTracker) (*StepResult, error) {
	res := &StepResult{State: StateOpen}

	commission, err := a.emitCommission(ctx, account, day, tracker)
	if err != nil {
		return nil, err
	}
	res.Commission = commission

	p := ledger.OverdraftPeriod{
		ID:        uuid.New(),
		AccountID: account.ID,
		BeginDate: yesterday,
		GraceDays: account.OverdraftGraceDays,
		Ceiling:   account.OverdraftLimit,
	}
	if err := a.store.OpenOverdraftPeriod(ctx, p); err != nil {
		return nil, fmt.Errorf("open overdraft period: %w", err)
	}
	res.OpenedPeriod = &p

	if a.logger != nil {
		a.logger.Info("overdraft opened",
			"account_id", account.ID,
			"begin_date", p.BeginDate,
			"balance", account.CurrentBalance.String(),
			"threshold", account.MinBalance.String(),
		)
	}
	return res, nil
}

func (a *Accrual) close(ctx context.Context, account *ledger.Account, period *ledger.OverdraftPeriod, yesterday time.Time) (*StepResult, error) {
	if err := a.store.CloseOverdraftPeriod(ctx, period.ID, yesterday); err != nil {
		return nil, fmt.Errorf("close overdraft period: %w", err)
	}

	closed := *period
	end := ledger.Day(yesterday)
	closed.EndDate = &end

	if a.logger != nil {
		a.logger.Info("overdraft closed",
			"account_id", account.ID,
			"begin_date", period.BeginDate,
			"end_date", end,
		)
	}
	return &StepResult{State: StateClosed, ClosedPeriod: &closed}, nil
}

func (a *Accrual) continueOpen(ctx context.Context, account *ledger.Account, period *ledger.OverdraftPeriod, day time.Time, tracker *recon.StaleRangeTracker) (*StepResult, error) {
	res := &StepResult{State: StateOpen}

	commission, err := a.emitCommission(ctx, account, day, tracker)
	if err != nil {
		return nil, err
	}
	res.Commission = commission

	// The agreed grace has one settlement day on top; past that the
	// privilege is withdrawn. Card locking is the reconciler's concern.
	deadline := ledger.Day(period.BeginDate).AddDate(0, 0, period.GraceDays+1)
	if day.After(deadline) && account.OverdraftEnabled {
		if err := a.store.SetOverdraftEnabled(ctx, account.ID, false); err != nil {
			return nil, fmt.Errorf("withdraw overdraft: %w", err)
		}
		account.OverdraftEnabled = false
		res.ForcedOff = true

		if a.logger != nil {
			a.logger.Warn("overdraft grace exceeded, privilege withdrawn",
				"account_id", account.ID,
				"begin_date", period.BeginDate,
				"grace_days", period.GraceDays,
			)
		}
	}
	return res, nil
}

// emitCommission writes at most one commission transaction per account per
// calendar day.
func (a *Accrual) emitCommission(ctx context.Context, account *ledger.Account, day time.Time, tracker *recon.StaleRangeTracker) (*ledger.Transaction, error) {
	exists, err := a.store.CommissionExistsOn(ctx, account.ID, day)
	if err != nil {
		return nil, fmt.Errorf("check existing commission: %w", err)
	}
	if exists {
		return nil, nil
	}

	overrun := money.Min(account.CurrentBalance.Sub(account.MinBalance), decimal.Zero)
	fee := money.RoundWhole(money.Percent(overrun, account.OverdraftFeePercent))
	if fee.IsZero() {
		return nil, nil
	}

	tx := ledger.Transaction{
		ID:          uuid.New(),
		AccountID:   account.ID,
		Kind:        ledger.KindCommission,
		OccurredAt:  day,
		ProductRef:  "overdraft-commission",
		TotalAmount: fee,
	}
	if err := a.store.InsertTransactions(ctx, []ledger.Transaction{tx}); err != nil {
		return nil, fmt.Errorf("insert commission: %w", err)
	}
	if tracker != nil {
		tracker.Record(account.ID, tx.OccurredAt)
	}

	if a.logger != nil {
		a.logger.Info("overdraft commission accrued",
			"account_id", account.ID,
			"day", day,
			"fee", fee.String(),
		)
	}
	return &tx, nil
}
