package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned for point queries on missing rows.
var ErrNotFound = errors.New("ledger: not found")

// ErrAlreadyOpen guards the at-most-one-open-period invariant.
var ErrAlreadyOpen = errors.New("ledger: account already has an open overdraft period")

// StoreError marks a failed ledger write. The sync pipeline aborts the
// affected account and leaves the others alone.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("ledger store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err is a fatal ledger-store failure.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// Store is the persistence capability the reconciliation core consumes.
// Implementations must serialize all mutation of one account's ledger via
// WithAccountLock; the recalculator's fold is unsafe under concurrent
// writers.
type Store interface {
	// Accounts
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	UpdateAccountBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error
	SetOverdraftEnabled(ctx context.Context, id uuid.UUID, enabled bool) error

	// Cards
	CardsByAccount(ctx context.Context, accountID uuid.UUID) ([]*Card, error)
	CardByExternalID(ctx context.Context, providerName, externalID string) (*Card, error)
	UpdateCardState(ctx context.Context, cardID uuid.UUID, active bool, reason BlockReason) error

	// Transactions. Range queries return rows ordered by OccurredAt ascending.
	TransactionsInWindow(ctx context.Context, accountID uuid.UUID, providerName string, from, to time.Time) ([]Transaction, error)
	TransactionsFrom(ctx context.Context, accountID uuid.UUID, from time.Time) ([]Transaction, error)
	LastTransactionBefore(ctx context.Context, accountID uuid.UUID, before time.Time) (*Transaction, error)
	InsertTransactions(ctx context.Context, txs []Transaction) error
	DeleteTransactions(ctx context.Context, ids []uuid.UUID) error
	UpdateRunningBalances(ctx context.Context, updates []BalanceUpdate) error
	CommissionExistsOn(ctx context.Context, accountID uuid.UUID, day time.Time) (bool, error)

	// Overdraft periods
	OpenOverdraftPeriod(ctx context.Context, p OverdraftPeriod) error
	CurrentOverdraftPeriod(ctx context.Context, accountID uuid.UUID) (*OverdraftPeriod, error)
	CloseOverdraftPeriod(ctx context.Context, periodID uuid.UUID, end time.Time) error

	// WithAccountLock runs fn while holding the account's exclusive lock.
	WithAccountLock(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context) error) error
}
