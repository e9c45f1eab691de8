// Package provider defines the capability consumed from upstream fuel-card
// systems. Each provider adapter normalizes its wire payloads into the
// RawTransaction/RawCardState shapes before anything downstream sees them.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Window bounds a transaction fetch. Providers typically serve 30-50 days.
type Window struct {
	From time.Time
	To   time.Time
}

// RawTransaction is one provider-reported fuel transaction, normalized at
// the adapter boundary. Quantity and Amount keep the provider's sign.
type RawTransaction struct {
	ExternalCardID  string
	OccurredAt      time.Time
	ProductRef      string
	ProductGroup    string
	ProductCategory string
	StationID       string
	StationType     string
	Region          string
	Quantity        decimal.Decimal
	UnitPrice       decimal.Decimal
	Amount          decimal.Decimal
}

// RawCardState is the provider's view of one card's lock state.
type RawCardState struct {
	ExternalCardID string
	Blocked        bool
	PINBlocked     bool

	// PendingBlocked reports an in-flight state-change request on the
	// provider side, nil when none is pending.
	PendingBlocked *bool
}

// Client is the capability one upstream provider exposes to the core.
// Implementations live behind HTTP/SOAP/browser-automation adapters and
// must use bounded timeouts on every call.
type Client interface {
	Name() string
	FetchBalance(ctx context.Context) (decimal.Decimal, error)
	FetchTransactions(ctx context.Context, w Window) ([]RawTransaction, error)
	FetchCardStates(ctx context.Context) ([]RawCardState, error)
	SetCardState(ctx context.Context, externalCardID string, blocked bool) error
}

// TransientError marks a provider failure worth retrying on a later run;
// nothing has been written.
type TransientError struct {
	Provider string
	Op       string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("provider %s: transient failure during %s: %v", e.Provider, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RejectedError marks a request the provider refused outright; retrying
// the identical request will not help.
type RejectedError struct {
	Provider string
	Op       string
	Reason   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("provider %s: %s rejected: %s", e.Provider, e.Op, e.Reason)
}

// IsTransient reports whether err should be retried on a later run.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected reports whether the provider refused the request.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
