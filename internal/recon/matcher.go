package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/fuelcard-core/internal/ledger"
	"github.com/example/fuelcard-core/internal/money"
	"github.com/example/fuelcard-core/internal/provider"
	"github.com/example/fuelcard-core/internal/tariff"
)

// DataIntegrityError marks a remote record that cannot be mapped onto a
// known card. The record is skipped and the batch continues.
type DataIntegrityError struct {
	Provider       string
	ExternalCardID string
	OccurredAt     time.Time
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("recon: provider %s reported unknown card %q at %s",
		e.Provider, e.ExternalCardID, e.OccurredAt.Format(time.RFC3339))
}

// Diff is the minimal change set aligning local storage with a remote
// snapshot.
type Diff struct {
	Inserts []provider.RawTransaction
	Deletes []ledger.Transaction
}

// Empty reports whether the snapshot and the ledger already agree.
func (d Diff) Empty() bool {
	return len(d.Inserts) == 0 && len(d.Deletes) == 0
}

// matchKey identifies a transaction for matching purposes: equal timestamp,
// equal absolute volume, equal absolute amount. Signs differ between
// providers and the local ledger, so both sides are compared unsigned.
func matchKey(at time.Time, volume, amount decimal.Decimal) string {
	return fmt.Sprintf("%d|%s|%s", at.UTC().UnixNano(), volume.Abs().String(), amount.Abs().String())
}

// DiffTransactions pairs each local transaction with one remote record
// sharing its match key, consuming the first match from both sets.
// Unmatched locals become deletes, unmatched remotes become inserts.
// Re-running on an unchanged snapshot yields an empty diff.
func DiffTransactions(remote []provider.RawTransaction, local []ledger.Transaction) Diff {
	unclaimed := make(map[string][]int, len(remote))
	for i := range remote {
		k := matchKey(remote[i].OccurredAt, remote[i].Quantity, remote[i].Amount)
		unclaimed[k] = append(unclaimed[k], i)
	}

	var diff Diff
	claimed := make([]bool, len(remote))
	for i := range local {
		// The provider knows nothing about our fee; match on the raw
		// amount, which is the stored total minus the applied fee.
		raw := local[i].TotalAmount.Sub(local[i].FeeAmount)
		k := matchKey(local[i].OccurredAt, local[i].Quantity, raw)
		idxs := unclaimed[k]
		if len(idxs) == 0 {
			diff.Deletes = append(diff.Deletes, local[i])
			continue
		}
		claimed[idxs[0]] = true
		unclaimed[k] = idxs[1:]
	}

	for i := range remote {
		if !claimed[i] {
			diff.Inserts = append(diff.Inserts, remote[i])
		}
	}
	return diff
}

// Matcher applies remote snapshots to the ledger. Inserts get their tariff
// resolved on the way in; every write marks the account stale from the
// earliest changed timestamp.
type Matcher struct {
	store   ledger.Store
	tariffs *tariff.Resolver
	logger  *slog.Logger
}

// NewMatcher creates a matcher over the given store and rule set.
func NewMatcher(store ledger.Store, tariffs *tariff.Resolver, logger *slog.Logger) *Matcher {
	return &Matcher{store: store, tariffs: tariffs, logger: logger}
}

// Result summarizes one applied snapshot.
type Result struct {
	Inserted int
	Deleted  int
	Skipped  int
}

// Apply diffs the remote window against the stored ledger for one
// provider/account pair and persists the difference. Callers must hold the
// account lock. Records unresolvable to a known card are logged and
// skipped, never inserted.
func (m *Matcher) Apply(ctx context.Context, account *ledger.Account, providerName string, w provider.Window, remote []provider.RawTransaction, tracker *StaleRangeTracker) (Result, error) {
	local, err := m.store.TransactionsInWindow(ctx, account.ID, providerName, w.From, w.To)
	if err != nil {
		return Result{}, fmt.Errorf("load local window: %w", err)
	}

	// Commission transactions are generated locally and never reported by
	// a provider; they must not participate in matching.
	purchases := local[:0:0]
	for _, tx := range local {
		if tx.Kind == ledger.KindPurchase {
			purchases = append(purchases, tx)
		}
	}

	diff := DiffTransactions(remote, purchases)
	if diff.Empty() {
		return Result{}, nil
	}

	var res Result

	if len(diff.Deletes) > 0 {
		ids := make([]uuid.UUID, len(diff.Deletes))
		for i, tx := range diff.Deletes {
			ids[i] = tx.ID
			tracker.Record(account.ID, tx.OccurredAt)
		}
		if err := m.store.DeleteTransactions(ctx, ids); err != nil {
			return res, fmt.Errorf("delete vanished transactions: %w", err)
		}
		res.Deleted = len(ids)
	}

	var inserts []ledger.Transaction
	for _, rt := range diff.Inserts {
		tx, err := m.buildTransaction(ctx, account, providerName, rt)
		if err != nil {
			var die *DataIntegrityError
			if errors.As(err, &die) {
				if m.logger != nil {
					m.logger.Warn("skipping unmappable remote transaction",
						"provider", die.Provider,
						"external_card_id", die.ExternalCardID,
						"occurred_at", die.OccurredAt,
					)
				}
				res.Skipped++
				continue
			}
			return res, err
		}
		inserts = append(inserts, tx)
		tracker.Record(account.ID, tx.OccurredAt)
	}

	if len(inserts) > 0 {
		if err := m.store.InsertTransactions(ctx, inserts); err != nil {
			return res, fmt.Errorf("insert new transactions: %w", err)
		}
		res.Inserted = len(inserts)
	}

	return res, nil
}

// buildTransaction maps one remote record onto a ledger transaction,
// resolving its card and tariff. The running balance is left for the
// recalculator.
func (m *Matcher) buildTransaction(ctx context.Context, account *ledger.Account, providerName string, rt provider.RawTransaction) (ledger.Transaction, error) {
	card, err := m.store.CardByExternalID(ctx, providerName, rt.ExternalCardID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Transaction{}, &DataIntegrityError{
				Provider:       providerName,
				ExternalCardID: rt.ExternalCardID,
				OccurredAt:     rt.OccurredAt,
			}
		}
		return ledger.Transaction{}, fmt.Errorf("resolve card: %w", err)
	}

	tx := ledger.Transaction{
		ID:          uuid.New(),
		AccountID:   account.ID,
		CardID:      card.ID,
		Provider:    providerName,
		Kind:        ledger.KindPurchase,
		OccurredAt:  rt.OccurredAt,
		ProductRef:  rt.ProductRef,
		Quantity:    rt.Quantity,
		UnitPrice:   rt.UnitPrice,
		TotalAmount: rt.Amount,
	}

	rule, ok := m.tariffs.Resolve(account.PolicyID, rt.OccurredAt, tariff.Context{
		StationID:       rt.StationID,
		StationType:     rt.StationType,
		Region:          rt.Region,
		ProductGroup:    rt.ProductGroup,
		ProductCategory: rt.ProductCategory,
	})
	if ok {
		// The fee carries the sign of the purchase: a fee on a charge
		// deepens it, a discount-style negative percent reduces it.
		fee := money.Round(money.Percent(rt.Amount, rule.FeePercent))
		tx.TariffID = &rule.ID
		tx.FeeAmount = fee
		tx.TotalAmount = rt.Amount.Add(fee)
	}

	return tx, nil
}
