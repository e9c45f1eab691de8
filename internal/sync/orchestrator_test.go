package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fuelcard-core/internal/cardstate"
	"github.com/example/fuelcard-core/internal/ledger"
	"github.com/example/fuelcard-core/internal/provider"
	"github.com/example/fuelcard-core/internal/tariff"
	"github.com/example/fuelcard-core/pkg/audit"
)

const testProvider = "petrolplus"

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type setCall struct {
	externalID string
	blocked    bool
}

type fakeClient struct {
	name                string
	fetchTransactionsFn func(ctx context.Context, w provider.Window) ([]provider.RawTransaction, error)
	fetchCardStatesFn   func(ctx context.Context) ([]provider.RawCardState, error)
	setCardStateFn      func(ctx context.Context, externalID string, blocked bool) error
	setCalls            []setCall
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeClient) FetchTransactions(ctx context.Context, w provider.Window) ([]provider.RawTransaction, error) {
	if f.fetchTransactionsFn != nil {
		return f.fetchTransactionsFn(ctx, w)
	}
	return nil, nil
}

func (f *fakeClient) FetchCardStates(ctx context.Context) ([]provider.RawCardState, error) {
	if f.fetchCardStatesFn != nil {
		return f.fetchCardStatesFn(ctx)
	}
	return nil, nil
}

func (f *fakeClient) SetCardState(ctx context.Context, externalID string, blocked bool) error {
	f.setCalls = append(f.setCalls, setCall{externalID: externalID, blocked: blocked})
	if f.setCardStateFn != nil {
		return f.setCardStateFn(ctx, externalID, blocked)
	}
	return nil
}

type fakeStatusStore struct {
	statuses map[string]map[string]cardstate.RemoteStatus
	commands []cardstate.CommandResult
}

func newFakeStatusStore() *fakeStatusStore {
	return &fakeStatusStore{statuses: make(map[string]map[string]cardstate.RemoteStatus)}
}

func (f *fakeStatusStore) UpsertStatus(ctx context.Context, rs cardstate.RemoteStatus) error {
	byCard, ok := f.statuses[rs.Provider]
	if !ok {
		byCard = make(map[string]cardstate.RemoteStatus)
		f.statuses[rs.Provider] = byCard
	}
	byCard[rs.ExternalCardID] = rs
	return nil
}

func (f *fakeStatusStore) Statuses(ctx context.Context, providerName string) (map[string]cardstate.RemoteStatus, error) {
	out := make(map[string]cardstate.RemoteStatus, len(f.statuses[providerName]))
	for k, v := range f.statuses[providerName] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStatusStore) RecordCommand(ctx context.Context, res cardstate.CommandResult) error {
	f.commands = append(f.commands, res)
	return nil
}

type pipeline struct {
	store    *ledger.MemoryStore
	statuses *fakeStatusStore
	client   *fakeClient
	journal  *audit.Journal
	orch     *Orchestrator

	accountID uuid.UUID
	cardID    uuid.UUID
	now       time.Time
}

func newPipeline(t *testing.T, account ledger.Account) *pipeline {
	t.Helper()

	store := ledger.NewMemoryStore()
	store.PutAccount(account)

	cardID := uuid.New()
	store.PutCard(ledger.Card{
		ID:          cardID,
		AccountID:   account.ID,
		ExternalIDs: map[string]string{testProvider: "777123"},
		Active:      true,
		BlockReason: ledger.ReasonNone,
	})

	statuses := newFakeStatusStore()
	client := &fakeClient{name: testProvider}
	journal := audit.NewJournal()

	orch := NewOrchestrator(
		store,
		statuses,
		[]provider.Client{client},
		provider.NopPacer{},
		tariff.NewResolver(nil, nil),
		journal,
		Config{WindowDays: 30},
		discardLogger(),
	)
	now := time.Date(2024, 3, 17, 8, 0, 0, 0, time.UTC)
	orch.now = func() time.Time { return now }

	return &pipeline{
		store:     store,
		statuses:  statuses,
		client:    client,
		journal:   journal,
		orch:      orch,
		accountID: account.ID,
		cardID:    cardID,
		now:       now,
	}
}

func baseAccount() ledger.Account {
	return ledger.Account{
		ID:                  uuid.New(),
		Name:                "acme haulage",
		PolicyID:            uuid.New(),
		CurrentBalance:      decimal.Zero,
		MinBalance:          decimal.Zero,
		OverdraftEnabled:    true,
		OverdraftLimit:      dec("50"),
		OverdraftGraceDays:  5,
		OverdraftFeePercent: dec("5"),
	}
}

func TestSyncProviderInsertsAndRecalculates(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, baseAccount())

	t1 := p.now.AddDate(0, 0, -2)
	t2 := p.now.AddDate(0, 0, -1)
	p.client.fetchTransactionsFn = func(ctx context.Context, w provider.Window) ([]provider.RawTransaction, error) {
		return []provider.RawTransaction{
			{ExternalCardID: "777123", OccurredAt: t1, Quantity: dec("40"), Amount: dec("-100")},
			{ExternalCardID: "777123", OccurredAt: t2, Quantity: dec("20"), Amount: dec("-50")},
		}, nil
	}

	run := p.orch.SyncProviders(ctx)
	require.Equal(t, JobStatusCompleted, run.Status)
	assert.Equal(t, 1, run.AccountsProcessed)
	assert.Zero(t, run.AccountsFailed)

	txs, err := p.store.TransactionsFrom(ctx, p.accountID, time.Time{})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.True(t, txs[0].RunningBalanceAfter.Equal(dec("-100")))
	assert.True(t, txs[1].RunningBalanceAfter.Equal(dec("-150")))

	acct, err := p.store.GetAccount(ctx, p.accountID)
	require.NoError(t, err)
	assert.True(t, acct.CurrentBalance.Equal(dec("-150")))

	assert.True(t, audit.VerifyChain(p.journal.Entries()))
}

func TestSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, baseAccount())

	at := p.now.AddDate(0, 0, -1)
	p.client.fetchTransactionsFn = func(ctx context.Context, w provider.Window) ([]provider.RawTransaction, error) {
		return []provider.RawTransaction{
			{ExternalCardID: "777123", OccurredAt: at, Quantity: dec("40"), Amount: dec("-100")},
		}, nil
	}

	run := p.orch.SyncProviders(ctx)
	require.Equal(t, JobStatusCompleted, run.Status)
	entriesAfterFirst := len(p.journal.Entries())

	run = p.orch.SyncProviders(ctx)
	require.Equal(t, JobStatusCompleted, run.Status)

	txs, err := p.store.TransactionsFrom(ctx, p.accountID, time.Time{})
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	// Second pass changed nothing, so it journals nothing.
	assert.Len(t, p.journal.Entries(), entriesAfterFirst)
}

func TestFailedFetchDoesNotDeleteLedger(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, baseAccount())

	existing := ledger.Transaction{
		ID:          uuid.New(),
		AccountID:   p.accountID,
		CardID:      p.cardID,
		Provider:    testProvider,
		Kind:        ledger.KindPurchase,
		OccurredAt:  p.now.AddDate(0, 0, -3),
		Quantity:    dec("40"),
		TotalAmount: dec("-100"),
	}
	require.NoError(t, p.store.InsertTransactions(ctx, []ledger.Transaction{existing}))

	p.client.fetchTransactionsFn = func(ctx context.Context, w provider.Window) ([]provider.RawTransaction, error) {
		return nil, &provider.TransientError{Provider: testProvider, Op: "fetch_transactions", Err: errors.New("upstream 503")}
	}

	run := p.orch.SyncProviders(ctx)
	require.Equal(t, JobStatusCompleted, run.Status)

	txs, err := p.store.TransactionsFrom(ctx, p.accountID, time.Time{})
	require.NoError(t, err)
	assert.Len(t, txs, 1, "a failed fetch must not be applied as an empty window")
}

func TestRunAllPipelineBlocksOverspentAccount(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, baseAccount())

	// One purchase pushes the balance to -100, past the -50 overdraft floor.
	p.client.fetchTransactionsFn = func(ctx context.Context, w provider.Window) ([]provider.RawTransaction, error) {
		return []provider.RawTransaction{
			{ExternalCardID: "777123", OccurredAt: p.now.AddDate(0, 0, -1), Quantity: dec("40"), Amount: dec("-100")},
		}, nil
	}
	p.client.fetchCardStatesFn = func(ctx context.Context) ([]provider.RawCardState, error) {
		return []provider.RawCardState{{ExternalCardID: "777123", Blocked: false}}, nil
	}

	runs, err := p.orch.RunAll(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for _, run := range runs {
		assert.Equal(t, JobStatusCompleted, run.Status, "job %s", run.Type)
	}

	// Overdraft opened yesterday and charged 5% on the -100 shortfall.
	periods := p.store.Periods(p.accountID)
	require.Len(t, periods, 1)
	assert.True(t, periods[0].Open())
	assert.Equal(t, ledger.Day(p.now).AddDate(0, 0, -1), periods[0].BeginDate)

	acct, err := p.store.GetAccount(ctx, p.accountID)
	require.NoError(t, err)
	assert.True(t, acct.CurrentBalance.Equal(dec("-105")), "got %s", acct.CurrentBalance)

	// The card got locked locally and the block was pushed upstream.
	cards, err := p.store.CardsByAccount(ctx, p.accountID)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.False(t, cards[0].Active)
	assert.Equal(t, ledger.ReasonProvider, cards[0].BlockReason)

	require.Len(t, p.client.setCalls, 1)
	assert.Equal(t, setCall{externalID: "777123", blocked: true}, p.client.setCalls[0])

	require.Len(t, p.statuses.commands, 1)
	assert.NoError(t, p.statuses.commands[0].Err)

	entries := p.journal.Entries()
	assert.True(t, audit.VerifyChain(entries))
	actions := make(map[string]bool, len(entries))
	for _, e := range entries {
		actions[e.Action] = true
	}
	assert.True(t, actions["ledger_updated"])
	assert.True(t, actions["period_opened"])
	assert.True(t, actions["commission_charged"])
	assert.True(t, actions["card_block"])
}

func TestReconcileFallsBackToLastKnownStatuses(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, baseAccount())

	// Last run saw the card blocked upstream; this run's fetch fails.
	require.NoError(t, p.statuses.UpsertStatus(ctx, cardstate.RemoteStatus{
		Provider:       testProvider,
		ExternalCardID: "777123",
		Blocked:        true,
		ObservedAt:     p.now.Add(-time.Hour),
	}))
	p.client.fetchCardStatesFn = func(ctx context.Context) ([]provider.RawCardState, error) {
		return nil, &provider.TransientError{Provider: testProvider, Op: "fetch_card_states", Err: errors.New("timeout")}
	}

	run := p.orch.ReconcileCardState(ctx)
	require.Equal(t, JobStatusCompleted, run.Status)

	// Balance is fine, so the stale remote block gets lifted.
	require.Len(t, p.client.setCalls, 1)
	assert.Equal(t, setCall{externalID: "777123", blocked: false}, p.client.setCalls[0])
}

type failingStore struct {
	ledger.Store
	failID uuid.UUID
}

func (f *failingStore) GetAccount(ctx context.Context, id uuid.UUID) (*ledger.Account, error) {
	if id == f.failID {
		return nil, &ledger.StoreError{Op: "get_account", Err: errors.New("connection reset")}
	}
	return f.Store.GetAccount(ctx, id)
}

func TestAccountFailureDoesNotStopTheRun(t *testing.T) {
	ctx := context.Background()

	store := ledger.NewMemoryStore()
	bad := baseAccount()
	good := baseAccount()
	store.PutAccount(bad)
	store.PutAccount(good)
	store.PutCard(ledger.Card{
		ID:          uuid.New(),
		AccountID:   good.ID,
		ExternalIDs: map[string]string{testProvider: "777200"},
		Active:      true,
		BlockReason: ledger.ReasonNone,
	})

	client := &fakeClient{name: testProvider}
	now := time.Date(2024, 3, 17, 8, 0, 0, 0, time.UTC)
	client.fetchTransactionsFn = func(ctx context.Context, w provider.Window) ([]provider.RawTransaction, error) {
		return []provider.RawTransaction{
			{ExternalCardID: "777200", OccurredAt: now.AddDate(0, 0, -1), Quantity: dec("10"), Amount: dec("-25")},
		}, nil
	}

	orch := NewOrchestrator(
		&failingStore{Store: store, failID: bad.ID},
		newFakeStatusStore(),
		[]provider.Client{client},
		provider.NopPacer{},
		tariff.NewResolver(nil, nil),
		audit.NewJournal(),
		Config{WindowDays: 30},
		discardLogger(),
	)
	orch.now = func() time.Time { return now }

	run := orch.SyncProviders(ctx)
	require.Equal(t, JobStatusCompleted, run.Status)
	assert.Equal(t, 1, run.AccountsProcessed)
	assert.Equal(t, 1, run.AccountsFailed)

	txs, err := store.TransactionsFrom(ctx, good.ID, time.Time{})
	require.NoError(t, err)
	assert.Len(t, txs, 1, "the healthy account still syncs")
}

func TestRunAllStopsOnFatalRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newPipeline(t, baseAccount())
	runs, err := p.orch.RunAll(ctx)
	require.Error(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, JobStatusFailed, runs[0].Status)
}
