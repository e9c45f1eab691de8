package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store used by tests and single-process
// tooling. Arena-style maps keyed by id, explicit foreign keys, no
// bidirectional pointers.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*Account
	cards    map[uuid.UUID]*Card
	txs      map[uuid.UUID]*Transaction
	periods  map[uuid.UUID]*OverdraftPeriod

	accountLocks map[uuid.UUID]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[uuid.UUID]*Account),
		cards:        make(map[uuid.UUID]*Card),
		txs:          make(map[uuid.UUID]*Transaction),
		periods:      make(map[uuid.UUID]*OverdraftPeriod),
		accountLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// PutAccount inserts or replaces an account. Test/seeding helper.
func (m *MemoryStore) PutAccount(a Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = &a
}

// PutCard inserts or replaces a card. Test/seeding helper.
func (m *MemoryStore) PutCard(c Card) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ExternalIDs == nil {
		c.ExternalIDs = make(map[string]string)
	}
	m.cards[c.ID] = &c
}

func (m *MemoryStore) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) UpdateAccountBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return &StoreError{Op: "update account balance", Err: ErrNotFound}
	}
	a.CurrentBalance = balance
	return nil
}

func (m *MemoryStore) SetOverdraftEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return &StoreError{Op: "set overdraft enabled", Err: ErrNotFound}
	}
	a.OverdraftEnabled = enabled
	return nil
}

func (m *MemoryStore) CardsByAccount(ctx context.Context, accountID uuid.UUID) ([]*Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Card
	for _, c := range m.cards {
		if c.AccountID == accountID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *MemoryStore) CardByExternalID(ctx context.Context, providerName, externalID string) (*Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cards {
		if c.ExternalIDs[providerName] == externalID && externalID != "" {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateCardState(ctx context.Context, cardID uuid.UUID, active bool, reason BlockReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok {
		return &StoreError{Op: "update card state", Err: ErrNotFound}
	}
	c.Active = active
	c.BlockReason = reason
	return nil
}

func (m *MemoryStore) TransactionsInWindow(ctx context.Context, accountID uuid.UUID, providerName string, from, to time.Time) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transaction
	for _, tx := range m.txs {
		if tx.AccountID != accountID || tx.Provider != providerName {
			continue
		}
		if tx.OccurredAt.Before(from) || tx.OccurredAt.After(to) {
			continue
		}
		out = append(out, *tx)
	}
	sortByTime(out)
	return out, nil
}

func (m *MemoryStore) TransactionsFrom(ctx context.Context, accountID uuid.UUID, from time.Time) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transaction
	for _, tx := range m.txs {
		if tx.AccountID != accountID || tx.OccurredAt.Before(from) {
			continue
		}
		out = append(out, *tx)
	}
	sortByTime(out)
	return out, nil
}

func (m *MemoryStore) LastTransactionBefore(ctx context.Context, accountID uuid.UUID, before time.Time) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *Transaction
	for _, tx := range m.txs {
		if tx.AccountID != accountID || !tx.OccurredAt.Before(before) {
			continue
		}
		if last == nil || tx.OccurredAt.After(last.OccurredAt) {
			last = tx
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (m *MemoryStore) InsertTransactions(ctx context.Context, txs []Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range txs {
		cp := txs[i]
		m.txs[cp.ID] = &cp
	}
	return nil
}

func (m *MemoryStore) DeleteTransactions(ctx context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.txs, id)
	}
	return nil
}

func (m *MemoryStore) UpdateRunningBalances(ctx context.Context, updates []BalanceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		tx, ok := m.txs[u.TransactionID]
		if !ok {
			return &StoreError{Op: "update running balance", Err: ErrNotFound}
		}
		tx.RunningBalanceAfter = u.RunningBalanceAfter
	}
	return nil
}

func (m *MemoryStore) CommissionExistsOn(ctx context.Context, accountID uuid.UUID, day time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := Day(day)
	for _, tx := range m.txs {
		if tx.AccountID == accountID && tx.Kind == KindCommission && Day(tx.OccurredAt).Equal(want) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) OpenOverdraftPeriod(ctx context.Context, p OverdraftPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.periods {
		if existing.AccountID == p.AccountID && existing.Open() {
			return &StoreError{Op: "open overdraft period", Err: ErrAlreadyOpen}
		}
	}
	cp := p
	m.periods[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) CurrentOverdraftPeriod(ctx context.Context, accountID uuid.UUID) (*OverdraftPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.periods {
		if p.AccountID == accountID && p.Open() {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) CloseOverdraftPeriod(ctx context.Context, periodID uuid.UUID, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.periods[periodID]
	if !ok {
		return &StoreError{Op: "close overdraft period", Err: ErrNotFound}
	}
	endDay := Day(end)
	p.EndDate = &endDay
	return nil
}

// Periods returns the full (open and closed) period history for an account,
// oldest first. Test helper.
func (m *MemoryStore) Periods(accountID uuid.UUID) []OverdraftPeriod {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OverdraftPeriod
	for _, p := range m.periods {
		if p.AccountID == accountID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BeginDate.Before(out[j].BeginDate) })
	return out
}

func (m *MemoryStore) WithAccountLock(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	l, ok := m.accountLocks[accountID]
	if !ok {
		l = &sync.Mutex{}
		m.accountLocks[accountID] = l
	}
	m.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

func sortByTime(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].OccurredAt.Equal(txs[j].OccurredAt) {
			return txs[i].ID.String() < txs[j].ID.String()
		}
		return txs[i].OccurredAt.Before(txs[j].OccurredAt)
	})
}
