package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Recalculator replays an account's transactions forward from a stale
// point, recomputing the running balance as a single-threaded left-fold.
// Callers must already hold the account's store lock.
type Recalculator struct {
	store  Store
	logger *slog.Logger
}

// NewRecalculator creates a recalculator over the given store.
func NewRecalculator(store Store, logger *slog.Logger) *Recalculator {
	return &Recalculator{store: store, logger: logger}
}

// Recalculate folds the account's transactions at/after from on top of the
// last balance strictly before it, persists only the rows whose computed
// value differs from the stored one, and makes the final value the
// account's current balance. Returns that final balance.
func (r *Recalculator) Recalculate(ctx context.Context, accountID uuid.UUID, from time.Time) (decimal.Decimal, error) {
	baseline := decimal.Zero
	last, err := r.store.LastTransactionBefore(ctx, accountID, from)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load baseline: %w", err)
	}
	if last != nil {
		baseline = last.RunningBalanceAfter
	}

	txs, err := r.store.TransactionsFrom(ctx, accountID, from)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load transactions: %w", err)
	}

	balance := baseline
	var updates []BalanceUpdate
	for i := range txs {
		balance = balance.Add(txs[i].TotalAmount)
		if !balance.Equal(txs[i].RunningBalanceAfter) {
			updates = append(updates, BalanceUpdate{
				TransactionID:       txs[i].ID,
				RunningBalanceAfter: balance,
			})
		}
	}

	if len(updates) > 0 {
		if err := r.store.UpdateRunningBalances(ctx, updates); err != nil {
			return decimal.Zero, fmt.Errorf("persist running balances: %w", err)
		}
	}

	if err := r.store.UpdateAccountBalance(ctx, accountID, balance); err != nil {
		return decimal.Zero, fmt.Errorf("persist account balance: %w", err)
	}

	if r.logger != nil {
		r.logger.Info("ledger recalculated",
			"account_id", accountID,
			"from", from,
			"replayed", len(txs),
			"rewritten", len(updates),
			"balance", balance.String(),
		)
	}

	return balance, nil
}
