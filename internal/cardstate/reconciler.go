// Package cardstate reconciles desired card-lock state against the actual
// state upstream providers report, emitting the minimal set of remote
// commands.
package cardstate

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/fuelcard-core/internal/ledger"
	"github.com/example/fuelcard-core/internal/provider"
)

// RemoteStatus is the last-known provider view of one card.
type RemoteStatus struct {
	Provider       string
	ExternalCardID string
	Blocked        bool
	PINBlocked     bool

	// PendingBlocked mirrors an in-flight change request upstream; it is
	// treated as already resolved in that direction.
	PendingBlocked *bool
	ObservedAt     time.Time
}

// Effective is the remote lock state with any pending request applied.
func (rs RemoteStatus) Effective() bool {
	if rs.PendingBlocked != nil {
		return *rs.PendingBlocked
	}
	return rs.Blocked
}

// LocalWrite updates the stored card row.
type LocalWrite struct {
	CardID uuid.UUID
	Active bool
	Reason ledger.BlockReason
}

// Command is one state change to push upstream.
type Command struct {
	CardID         uuid.UUID
	Provider       string
	ExternalCardID string
	Block          bool
}

// CommandResult reports one command's outcome. A failure never rolls back
// the local write; a later pass retries while states stay inconsistent.
type CommandResult struct {
	Command Command
	Err     error
}

// Plan is the minimal change set for one provider/account pair. Local
// writes apply first, remote commands second.
type Plan struct {
	Writes   []LocalWrite
	Commands []Command
}

// Empty reports whether everything is already in the desired state.
func (p Plan) Empty() bool {
	return len(p.Writes) == 0 && len(p.Commands) == 0
}

// DesiredBlocked decides whether an account's cards should be locked:
// the balance fell below the minimum less whatever overdraft headroom is
// in effect.
func DesiredBlocked(account *ledger.Account, openPeriod *ledger.OverdraftPeriod) bool {
	headroom := decimal.Zero
	switch {
	case openPeriod != nil:
		headroom = openPeriod.Ceiling
	case account.OverdraftEnabled:
		headroom = account.OverdraftLimit
	}
	return account.CurrentBalance.LessThan(account.MinBalance.Sub(headroom))
}

// Reconciler computes and applies card-lock plans.
type Reconciler struct {
	store  ledger.Store
	logger *slog.Logger
}

// NewReconciler creates a reconciler writing through the given store.
func NewReconciler(store ledger.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// BuildPlan resolves the desired state against last-known remote statuses
// for one provider. Conflict priority:
//   - a remote PIN-block always forces local blocked/PIN and is never
//     auto-cleared here;
//   - a pending remote request counts as already resolved in its direction;
//   - a manual local block is operator intent and stays;
//   - otherwise the desired state wins.
//
// Cards already correct on both sides produce nothing.
func (r *Reconciler) BuildPlan(providerName string, cards []*ledger.Card, desiredBlocked bool, remote map[string]RemoteStatus) Plan {
	var plan Plan

	for _, card := range cards {
		externalID, ok := card.ExternalIDs[providerName]
		if !ok {
			continue
		}

		rs, known := remote[externalID]
		if known && rs.PINBlocked {
			if card.Active || card.BlockReason != ledger.ReasonPIN {
				plan.Writes = append(plan.Writes, LocalWrite{
					CardID: card.ID,
					Active: false,
					Reason: ledger.ReasonPIN,
				})
			}
			// Never auto-cleared and never commanded from here.
			continue
		}

		wantBlocked := desiredBlocked
		wantReason := ledger.ReasonNone
		if wantBlocked {
			wantReason = ledger.ReasonProvider
		}
		if card.BlockReason == ledger.ReasonManual {
			wantBlocked = true
			wantReason = ledger.ReasonManual
		}

		if card.Active == wantBlocked || card.BlockReason != wantReason {
			plan.Writes = append(plan.Writes, LocalWrite{
				CardID: card.ID,
				Active: !wantBlocked,
				Reason: wantReason,
			})
		}

		if !known || rs.Effective() != wantBlocked {
			plan.Commands = append(plan.Commands, Command{
				CardID:         card.ID,
				Provider:       providerName,
				ExternalCardID: externalID,
				Block:          wantBlocked,
			})
		}
	}

	return plan
}

// Apply performs the plan: local writes first, then paced remote commands.
// Remote failures are reported per card without rolling anything back.
func (r *Reconciler) Apply(ctx context.Context, plan Plan, client provider.Client, pacer provider.Pacer) ([]CommandResult, error) {
	for _, w := range plan.Writes {
		if err := r.store.UpdateCardState(ctx, w.CardID, w.Active, w.Reason); err != nil {
			return nil, err
		}
	}

	results := make([]CommandResult, 0, len(plan.Commands))
	for _, cmd := range plan.Commands {
		if err := pacer.Wait(ctx, cmd.Provider); err != nil {
			results = append(results, CommandResult{Command: cmd, Err: err})
			continue
		}

		err := client.SetCardState(ctx, cmd.ExternalCardID, cmd.Block)
		results = append(results, CommandResult{Command: cmd, Err: err})

		if err != nil && r.logger != nil {
			r.logger.Warn("remote card command failed",
				"provider", cmd.Provider,
				"external_card_id", cmd.ExternalCardID,
				"block", cmd.Block,
				"transient", provider.IsTransient(err),
				"error", err,
			)
		}
	}
	return results, nil
}
