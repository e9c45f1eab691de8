package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/fuelcard-core/internal/cardstate"
	"github.com/example/fuelcard-core/internal/ledger"
	"github.com/example/fuelcard-core/internal/overdraft"
	"github.com/example/fuelcard-core/internal/provider"
	"github.com/example/fuelcard-core/internal/recon"
	"github.com/example/fuelcard-core/internal/tariff"
	"github.com/example/fuelcard-core/pkg/audit"
)

// CardStatusStore persists last-known remote card statuses and the command
// journal between runs. *cardstate.StatusStore implements it.
type CardStatusStore interface {
	UpsertStatus(ctx context.Context, rs cardstate.RemoteStatus) error
	Statuses(ctx context.Context, providerName string) (map[string]cardstate.RemoteStatus, error)
	RecordCommand(ctx context.Context, res cardstate.CommandResult) error
}

// Config carries the orchestrator's tunables.
type Config struct {
	// WindowDays is how far back each transaction fetch reaches. Providers
	// rewrite recent history, so the window must cover their settlement lag.
	WindowDays int
}

// Orchestrator runs the named jobs over every account. All ledger mutation
// happens under the account's store lock; provider fetches happen before
// any lock is taken so a slow upstream never stalls unrelated accounts.
type Orchestrator struct {
	store    ledger.Store
	statuses CardStatusStore
	clients  []provider.Client
	pacer    provider.Pacer

	matcher *recon.Matcher
	recalc  *ledger.Recalculator
	accrual *overdraft.Accrual
	cards   *cardstate.Reconciler

	journal *audit.Journal
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewOrchestrator wires the pipeline stages over a shared store.
func NewOrchestrator(
	store ledger.Store,
	statuses CardStatusStore,
	clients []provider.Client,
	pacer provider.Pacer,
	tariffs *tariff.Resolver,
	journal *audit.Journal,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 30
	}
	if pacer == nil {
		pacer = provider.NopPacer{}
	}
	return &Orchestrator{
		store:    store,
		statuses: statuses,
		clients:  clients,
		pacer:    pacer,
		matcher:  recon.NewMatcher(store, tariffs, logger),
		recalc:   ledger.NewRecalculator(store, logger),
		accrual:  overdraft.NewAccrual(store, logger),
		cards:    cardstate.NewReconciler(store, logger),
		journal:  journal,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// RunAll executes the three jobs in pipeline order. A failed run stops the
// sequence; later jobs would only compound on a broken ledger state.
func (o *Orchestrator) RunAll(ctx context.Context) ([]*Run, error) {
	var runs []*Run
	for _, job := range []func(context.Context) *Run{
		o.SyncProviders,
		o.AccrueOverdraft,
		o.ReconcileCardState,
	} {
		run := job(ctx)
		runs = append(runs, run)
		if run.Status == JobStatusFailed {
			return runs, fmt.Errorf("job %s failed: %s", run.Type, run.Error)
		}
	}
	return runs, nil
}

// SyncProviders fetches each provider's transaction window and diffs it
// into the ledger, recalculating running balances from the earliest change.
func (o *Orchestrator) SyncProviders(ctx context.Context) *Run {
	run := newRun(JobSyncProvider, o.now())

	accounts, err := o.store.ListAccounts(ctx)
	if err != nil {
		run.finish(o.now(), fmt.Errorf("list accounts: %w", err))
		return run
	}

	w := provider.Window{
		From: o.now().AddDate(0, 0, -o.cfg.WindowDays),
		To:   o.now(),
	}

	for _, client := range o.clients {
		if err := ctx.Err(); err != nil {
			run.finish(o.now(), err)
			return run
		}

		name := client.Name()
		if err := o.pacer.Wait(ctx, name); err != nil {
			run.finish(o.now(), err)
			return run
		}

		remote, err := client.FetchTransactions(ctx, w)
		if err != nil {
			// A failed fetch must not be mistaken for an empty window;
			// applying it would delete everything. Skip the provider.
			o.logger.Warn("provider fetch failed, skipping",
				"provider", name, "transient", provider.IsTransient(err), "error", err)
			continue
		}

		if bal, err := client.FetchBalance(ctx); err != nil {
			o.logger.Warn("provider balance fetch failed", "provider", name, "error", err)
		} else {
			o.logger.Info("provider balance snapshot", "provider", name, "balance", bal.String())
		}

		byAccount, err := o.groupByAccount(ctx, name, remote)
		if err != nil {
			run.finish(o.now(), err)
			return run
		}

		for _, acct := range accounts {
			if err := ctx.Err(); err != nil {
				run.finish(o.now(), err)
				return run
			}
			if err := o.syncAccount(ctx, acct.ID, name, w, byAccount[acct.ID], run); err != nil {
				run.AccountsFailed++
				o.logger.Error("account sync failed",
					"account_id", acct.ID, "provider", name, "error", err)
				o.append(JobSyncProvider, acct.ID, "account_failed", err.Error())
				continue
			}
			run.AccountsProcessed++
		}
	}

	run.finish(o.now(), nil)
	return run
}

// groupByAccount resolves remote records to accounts through the card
// registry. Records on unknown cards are dropped here with a warning.
func (o *Orchestrator) groupByAccount(ctx context.Context, providerName string, remote []provider.RawTransaction) (map[uuid.UUID][]provider.RawTransaction, error) {
	out := make(map[uuid.UUID][]provider.RawTransaction)
	for _, rt := range remote {
		card, err := o.store.CardByExternalID(ctx, providerName, rt.ExternalCardID)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				o.logger.Warn("remote transaction on unknown card",
					"provider", providerName,
					"external_card_id", rt.ExternalCardID,
					"occurred_at", rt.OccurredAt)
				continue
			}
			return nil, fmt.Errorf("resolve card %s/%s: %w", providerName, rt.ExternalCardID, err)
		}
		out[card.AccountID] = append(out[card.AccountID], rt)
	}
	return out, nil
}

func (o *Orchestrator) syncAccount(ctx context.Context, accountID uuid.UUID, providerName string, w provider.Window, remote []provider.RawTransaction, run *Run) error {
	return o.store.WithAccountLock(ctx, accountID, func(ctx context.Context) error {
		acct, err := o.store.GetAccount(ctx, accountID)
		if err != nil {
			return fmt.Errorf("load account: %w", err)
		}

		tracker := recon.NewStaleRangeTracker()
		res, err := o.matcher.Apply(ctx, acct, providerName, w, remote, tracker)
		if err != nil {
			return fmt.Errorf("apply snapshot: %w", err)
		}

		if res.Inserted > 0 || res.Deleted > 0 {
			o.append(JobSyncProvider, accountID, "ledger_updated",
				fmt.Sprintf("provider=%s inserted=%d deleted=%d skipped=%d",
					providerName, res.Inserted, res.Deleted, res.Skipped))
		}

		return o.recalcStale(ctx, accountID, tracker)
	})
}

// recalcStale folds running balances forward from the earliest stale point,
// if any write marked one.
func (o *Orchestrator) recalcStale(ctx context.Context, accountID uuid.UUID, tracker *recon.StaleRangeTracker) error {
	from, ok := tracker.Earliest(accountID)
	if !ok {
		return nil
	}
	if _, err := o.recalc.Recalculate(ctx, accountID, from); err != nil {
		return fmt.Errorf("recalculate from %s: %w", from, err)
	}
	return nil
}

// AccrueOverdraft advances every account's overdraft state by one day,
// charging commissions and opening or closing periods as balances dictate.
func (o *Orchestrator) AccrueOverdraft(ctx context.Context) *Run {
	run := newRun(JobAccrueOverdraft, o.now())

	accounts, err := o.store.ListAccounts(ctx)
	if err != nil {
		run.finish(o.now(), fmt.Errorf("list accounts: %w", err))
		return run
	}

	today := o.now()
	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			run.finish(o.now(), err)
			return run
		}
		if err := o.accrueAccount(ctx, acct.ID, today); err != nil {
			run.AccountsFailed++
			o.logger.Error("overdraft accrual failed", "account_id", acct.ID, "error", err)
			o.append(JobAccrueOverdraft, acct.ID, "account_failed", err.Error())
			continue
		}
		run.AccountsProcessed++
	}

	run.finish(o.now(), nil)
	return run
}

func (o *Orchestrator) accrueAccount(ctx context.Context, accountID uuid.UUID, today time.Time) error {
	return o.store.WithAccountLock(ctx, accountID, func(ctx context.Context) error {
		acct, err := o.store.GetAccount(ctx, accountID)
		if err != nil {
			return fmt.Errorf("load account: %w", err)
		}

		tracker := recon.NewStaleRangeTracker()
		step, err := o.accrual.Step(ctx, acct, today, tracker)
		if err != nil {
			return fmt.Errorf("accrual step: %w", err)
		}

		if step.OpenedPeriod != nil {
			o.append(JobAccrueOverdraft, accountID, "period_opened",
				fmt.Sprintf("begin=%s", step.OpenedPeriod.BeginDate.Format("2006-01-02")))
		}
		if step.Commission != nil {
			o.append(JobAccrueOverdraft, accountID, "commission_charged",
				fmt.Sprintf("amount=%s", step.Commission.TotalAmount))
		}
		if step.ClosedPeriod != nil {
			o.append(JobAccrueOverdraft, accountID, "period_closed",
				fmt.Sprintf("end=%s", step.ClosedPeriod.EndDate.Format("2006-01-02")))
		}
		if step.ForcedOff {
			o.append(JobAccrueOverdraft, accountID, "overdraft_disabled", "grace window exceeded")
		}

		return o.recalcStale(ctx, accountID, tracker)
	})
}

// ReconcileCardState refreshes remote card statuses, then aligns each
// account's card locks with its balance. Commands for unreachable
// providers fall back to the last persisted status snapshot.
func (o *Orchestrator) ReconcileCardState(ctx context.Context) *Run {
	run := newRun(JobReconcileCardState, o.now())

	accounts, err := o.store.ListAccounts(ctx)
	if err != nil {
		run.finish(o.now(), fmt.Errorf("list accounts: %w", err))
		return run
	}

	remoteByProvider := make(map[string]map[string]cardstate.RemoteStatus, len(o.clients))
	for _, client := range o.clients {
		name := client.Name()
		if err := o.refreshStatuses(ctx, client); err != nil {
			if provider.IsTransient(err) || provider.IsRejected(err) {
				o.logger.Warn("card status fetch failed, using last known",
					"provider", name, "error", err)
			} else {
				run.finish(o.now(), err)
				return run
			}
		}
		statuses, err := o.statuses.Statuses(ctx, name)
		if err != nil {
			run.finish(o.now(), fmt.Errorf("load card statuses for %s: %w", name, err))
			return run
		}
		remoteByProvider[name] = statuses
	}

	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			run.finish(o.now(), err)
			return run
		}
		if err := o.reconcileAccountCards(ctx, acct.ID, remoteByProvider); err != nil {
			run.AccountsFailed++
			o.logger.Error("card reconciliation failed", "account_id", acct.ID, "error", err)
			o.append(JobReconcileCardState, acct.ID, "account_failed", err.Error())
			continue
		}
		run.AccountsProcessed++
	}

	run.finish(o.now(), nil)
	return run
}

// refreshStatuses pulls the provider's current card states into the status
// store. Provider errors surface to the caller; store errors are fatal.
func (o *Orchestrator) refreshStatuses(ctx context.Context, client provider.Client) error {
	name := client.Name()
	if err := o.pacer.Wait(ctx, name); err != nil {
		return err
	}
	states, err := client.FetchCardStates(ctx)
	if err != nil {
		return err
	}

	observed := o.now()
	for _, st := range states {
		err := o.statuses.UpsertStatus(ctx, cardstate.RemoteStatus{
			Provider:       name,
			ExternalCardID: st.ExternalCardID,
			Blocked:        st.Blocked,
			PINBlocked:     st.PINBlocked,
			PendingBlocked: st.PendingBlocked,
			ObservedAt:     observed,
		})
		if err != nil {
			return fmt.Errorf("persist card status %s/%s: %w", name, st.ExternalCardID, err)
		}
	}
	return nil
}

func (o *Orchestrator) reconcileAccountCards(ctx context.Context, accountID uuid.UUID, remoteByProvider map[string]map[string]cardstate.RemoteStatus) error {
	return o.store.WithAccountLock(ctx, accountID, func(ctx context.Context) error {
		acct, err := o.store.GetAccount(ctx, accountID)
		if err != nil {
			return fmt.Errorf("load account: %w", err)
		}
		period, err := o.store.CurrentOverdraftPeriod(ctx, accountID)
		if err != nil {
			return fmt.Errorf("load open period: %w", err)
		}
		cards, err := o.store.CardsByAccount(ctx, accountID)
		if err != nil {
			return fmt.Errorf("load cards: %w", err)
		}

		desired := cardstate.DesiredBlocked(acct, period)

		for _, client := range o.clients {
			name := client.Name()
			plan := o.cards.BuildPlan(name, cards, desired, remoteByProvider[name])
			if plan.Empty() {
				continue
			}

			results, err := o.cards.Apply(ctx, plan, client, o.pacer)
			if err != nil {
				return fmt.Errorf("apply card plan for %s: %w", name, err)
			}

			for _, res := range results {
				if err := o.statuses.RecordCommand(ctx, res); err != nil {
					return fmt.Errorf("journal card command: %w", err)
				}
				action := "card_unblock"
				if res.Command.Block {
					action = "card_block"
				}
				detail := fmt.Sprintf("provider=%s card=%s", name, res.Command.ExternalCardID)
				if res.Err != nil {
					action += "_failed"
					detail += " error=" + res.Err.Error()
				}
				o.append(JobReconcileCardState, accountID, action, detail)
			}
		}
		return nil
	})
}

func (o *Orchestrator) append(job JobType, accountID uuid.UUID, action, detail string) {
	if o.journal == nil {
		return
	}
	o.journal.Append(string(job), accountID, action, detail)
}
