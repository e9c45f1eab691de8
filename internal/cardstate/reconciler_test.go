package cardstate

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fuelcard-core/internal/ledger"
	"github.com/example/fuelcard-core/internal/provider"
)

const testProvider = "petrolplus"

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func activeCard(accountID uuid.UUID, externalID string) *ledger.Card {
	return &ledger.Card{
		ID:          uuid.New(),
		AccountID:   accountID,
		ExternalIDs: map[string]string{testProvider: externalID},
		Active:      true,
		BlockReason: ledger.ReasonNone,
	}
}

func boolPtr(b bool) *bool { return &b }

func TestDesiredBlocked(t *testing.T) {
	acct := &ledger.Account{
		CurrentBalance: dec("-150"),
		MinBalance:     dec("-100"),
	}

	// No overdraft headroom: -150 < -100
	assert.True(t, DesiredBlocked(acct, nil))

	// Enabled overdraft raises the floor to -600
	acct.OverdraftEnabled = true
	acct.OverdraftLimit = dec("500")
	assert.False(t, DesiredBlocked(acct, nil))

	// An open period's agreed ceiling wins over the account limit
	open := &ledger.OverdraftPeriod{Ceiling: dec("30")}
	assert.True(t, DesiredBlocked(acct, open))

	// Exactly at the floor is not blocked
	acct.CurrentBalance = dec("-130")
	assert.True(t, !DesiredBlocked(acct, open))
}

// TestPendingUnblockStillGetsBlockCommand tests the scenario: desired state
// blocked, remote reports Active with a pending unblock; the reconciler
// issues a block command.
func TestPendingUnblockStillGetsBlockCommand(t *testing.T) {
	card := activeCard(uuid.New(), "777123")
	r := NewReconciler(ledger.NewMemoryStore(), nil)

	remote := map[string]RemoteStatus{
		"777123": {
			Provider:       testProvider,
			ExternalCardID: "777123",
			Blocked:        false,
			PendingBlocked: boolPtr(false),
		},
	}

	plan := r.BuildPlan(testProvider, []*ledger.Card{card}, true, remote)

	require.Len(t, plan.Commands, 1)
	assert.True(t, plan.Commands[0].Block)
	require.Len(t, plan.Writes, 1)
	assert.False(t, plan.Writes[0].Active)
	assert.Equal(t, ledger.ReasonProvider, plan.Writes[0].Reason)
}

// TestPINBlockForcesLocalStateWithoutCommand tests the scenario: remote
// reports a PIN block; the reconciler leaves the card blocked with reason
// PIN and issues no command.
func TestPINBlockForcesLocalStateWithoutCommand(t *testing.T) {
	card := activeCard(uuid.New(), "777123")
	r := NewReconciler(ledger.NewMemoryStore(), nil)

	remote := map[string]RemoteStatus{
		"777123": {
			Provider:       testProvider,
			ExternalCardID: "777123",
			Blocked:        true,
			PINBlocked:     true,
		},
	}

	// Even with desired unblocked, PIN wins
	plan := r.BuildPlan(testProvider, []*ledger.Card{card}, false, remote)

	assert.Empty(t, plan.Commands)
	require.Len(t, plan.Writes, 1)
	assert.False(t, plan.Writes[0].Active)
	assert.Equal(t, ledger.ReasonPIN, plan.Writes[0].Reason)

	// A card already marked PIN-blocked produces nothing at all
	card.Active = false
	card.BlockReason = ledger.ReasonPIN
	plan = r.BuildPlan(testProvider, []*ledger.Card{card}, false, remote)
	assert.True(t, plan.Empty())
}

func TestAlreadyCorrectCardSkipped(t *testing.T) {
	card := activeCard(uuid.New(), "777123")
	r := NewReconciler(ledger.NewMemoryStore(), nil)

	remote := map[string]RemoteStatus{
		"777123": {Provider: testProvider, ExternalCardID: "777123", Blocked: false},
	}

	plan := r.BuildPlan(testProvider, []*ledger.Card{card}, false, remote)
	assert.True(t, plan.Empty())
}

func TestPendingRequestTreatedAsResolved(t *testing.T) {
	card := activeCard(uuid.New(), "777123")
	card.Active = false
	card.BlockReason = ledger.ReasonProvider
	r := NewReconciler(ledger.NewMemoryStore(), nil)

	// Remote still shows Active but a block request is pending; desired
	// blocked, so no duplicate command is sent.
	remote := map[string]RemoteStatus{
		"777123": {
			Provider:       testProvider,
			ExternalCardID: "777123",
			Blocked:        false,
			PendingBlocked: boolPtr(true),
		},
	}

	plan := r.BuildPlan(testProvider, []*ledger.Card{card}, true, remote)
	assert.Empty(t, plan.Commands)
	assert.Empty(t, plan.Writes)
}

func TestManualBlockSurvivesDesiredUnblock(t *testing.T) {
	card := activeCard(uuid.New(), "777123")
	card.Active = false
	card.BlockReason = ledger.ReasonManual
	r := NewReconciler(ledger.NewMemoryStore(), nil)

	remote := map[string]RemoteStatus{
		"777123": {Provider: testProvider, ExternalCardID: "777123", Blocked: true},
	}

	plan := r.BuildPlan(testProvider, []*ledger.Card{card}, false, remote)
	assert.True(t, plan.Empty(), "manually blocked card must stay blocked")
}

func TestUnknownRemoteStatusGetsCommand(t *testing.T) {
	card := activeCard(uuid.New(), "777123")
	r := NewReconciler(ledger.NewMemoryStore(), nil)

	plan := r.BuildPlan(testProvider, []*ledger.Card{card}, true, map[string]RemoteStatus{})
	require.Len(t, plan.Commands, 1)
	assert.True(t, plan.Commands[0].Block)
}

func TestCardWithoutProviderIDIgnored(t *testing.T) {
	card := activeCard(uuid.New(), "777123")
	r := NewReconciler(ledger.NewMemoryStore(), nil)

	plan := r.BuildPlan("other-provider", []*ledger.Card{card}, true, nil)
	assert.True(t, plan.Empty())
}

// fakeClient implements provider.Client with function fields.
type fakeClient struct {
	setCardState func(ctx context.Context, externalID string, blocked bool) error
}

func (f *fakeClient) Name() string { return testProvider }

func (f *fakeClient) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeClient) FetchTransactions(ctx context.Context, w provider.Window) ([]provider.RawTransaction, error) {
	return nil, nil
}

func (f *fakeClient) FetchCardStates(ctx context.Context) ([]provider.RawCardState, error) {
	return nil, nil
}

func (f *fakeClient) SetCardState(ctx context.Context, externalID string, blocked bool) error {
	if f.setCardState != nil {
		return f.setCardState(ctx, externalID, blocked)
	}
	return nil
}

func TestApplyWritesLocallyThenCommands(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	card := activeCard(accountID, "777123")
	store.PutCard(*card)

	r := NewReconciler(store, nil)
	plan := Plan{
		Writes: []LocalWrite{{CardID: card.ID, Active: false, Reason: ledger.ReasonProvider}},
		Commands: []Command{{
			CardID:         card.ID,
			Provider:       testProvider,
			ExternalCardID: "777123",
			Block:          true,
		}},
	}

	var commanded []string
	client := &fakeClient{
		setCardState: func(ctx context.Context, externalID string, blocked bool) error {
			commanded = append(commanded, externalID)
			return nil
		},
	}

	results, err := r.Apply(ctx, plan, client, provider.NopPacer{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, []string{"777123"}, commanded)

	cards, err := store.CardsByAccount(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.False(t, cards[0].Active)
	assert.Equal(t, ledger.ReasonProvider, cards[0].BlockReason)
}

// TestApplyKeepsLocalWriteOnRemoteFailure tests that a failed remote
// command reports per card without rolling back the local write.
func TestApplyKeepsLocalWriteOnRemoteFailure(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	card := activeCard(accountID, "777123")
	store.PutCard(*card)

	r := NewReconciler(store, nil)
	plan := Plan{
		Writes: []LocalWrite{{CardID: card.ID, Active: false, Reason: ledger.ReasonProvider}},
		Commands: []Command{{
			CardID:         card.ID,
			Provider:       testProvider,
			ExternalCardID: "777123",
			Block:          true,
		}},
	}

	client := &fakeClient{
		setCardState: func(ctx context.Context, externalID string, blocked bool) error {
			return &provider.TransientError{Provider: testProvider, Op: "set_card_state", Err: context.DeadlineExceeded}
		},
	}

	results, err := r.Apply(ctx, plan, client, provider.NopPacer{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
	assert.True(t, provider.IsTransient(results[0].Err))

	// Local write stands
	cards, err := store.CardsByAccount(ctx, accountID)
	require.NoError(t, err)
	assert.False(t, cards[0].Active)
}
