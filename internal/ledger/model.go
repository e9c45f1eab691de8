// Package ledger holds the local financial ledger: accounts, cards,
// transactions and overdraft periods, plus the stores that persist them
// and the running-balance recalculator.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BlockReason records why a card is locked.
type BlockReason string

const (
	ReasonNone     BlockReason = "none"
	ReasonManual   BlockReason = "manual"
	ReasonProvider BlockReason = "provider"
	ReasonPIN      BlockReason = "pin"
)

// TransactionKind distinguishes provider purchases from locally generated
// overdraft commissions.
type TransactionKind string

const (
	KindPurchase   TransactionKind = "purchase"
	KindCommission TransactionKind = "commission"
)

// Account is one customer's running ledger for one contractual scheme.
// CurrentBalance is mutated only by the recalculator and overdraft accrual.
type Account struct {
	ID       uuid.UUID
	Name     string
	PolicyID uuid.UUID

	CurrentBalance decimal.Decimal
	MinBalance     decimal.Decimal

	OverdraftEnabled    bool
	OverdraftLimit      decimal.Decimal
	OverdraftGraceDays  int
	OverdraftFeePercent decimal.Decimal
}

// Card is a fuel card linked to at most one account. ExternalIDs maps
// provider name to that provider's card identifier.
type Card struct {
	ID          uuid.UUID
	AccountID   uuid.UUID
	ExternalIDs map[string]string
	Active      bool
	BlockReason BlockReason
	LastUsedAt  time.Time
}

// Transaction is immutable once matched except for RunningBalanceAfter.
// Folding TotalAmount in timestamp order from zero reproduces every stored
// RunningBalanceAfter.
type Transaction struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	CardID     uuid.UUID
	Provider   string
	Kind       TransactionKind
	OccurredAt time.Time

	ProductRef string
	Quantity   decimal.Decimal
	UnitPrice  decimal.Decimal

	// TariffID is nil when no rule matched; the fee is then zero.
	TariffID  *uuid.UUID
	FeeAmount decimal.Decimal

	TotalAmount         decimal.Decimal
	RunningBalanceAfter decimal.Decimal
}

// OverdraftPeriod is one span of permitted negative balance. At most one
// open period (nil EndDate) exists per account; history is append-only.
type OverdraftPeriod struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	BeginDate time.Time
	GraceDays int
	Ceiling   decimal.Decimal
	EndDate   *time.Time
}

// Open reports whether the period has not been closed yet.
func (p OverdraftPeriod) Open() bool {
	return p.EndDate == nil
}

// BalanceUpdate is one row of a bulk running-balance write.
type BalanceUpdate struct {
	TransactionID       uuid.UUID
	RunningBalanceAfter decimal.Decimal
}

// Day truncates t to its calendar day in UTC. Commission idempotence and
// overdraft dates work on days, not instants.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
